package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dots-sync/internal/application/services"
	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// GraphResponse is the local graph of the active workspace.
type GraphResponse struct {
	WorkspaceID string        `json:"workspace_id"`
	Nodes       []domain.Node `json:"nodes"`
	Links       []domain.Link `json:"links"`
}

// ActivateResponse reports a workspace switch. Loaded is false when the
// remote state could not be fetched; the workspace is active regardless.
type ActivateResponse struct {
	WorkspaceID string `json:"workspace_id"`
	Loaded      bool   `json:"loaded"`
	Error       string `json:"error,omitempty"`
}

type queuedResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperrors.NewValidation("invalid request body", err)
	}
	return nil
}

func decodePatch(r *http.Request) (domain.Fields, error) {
	var patch domain.Fields
	if err := decodeBody(r, &patch); err != nil {
		return nil, err
	}
	return patch, nil
}

// ============================================================================
// WORKSPACES
// ============================================================================

func (rt *Router) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := rt.graph.ListWorkspaces(r.Context())
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusOK, workspaces)
}

func (rt *Router) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var cmd services.CreateWorkspaceCommand
	if err := decodeBody(r, &cmd); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	ws, err := rt.graph.CreateWorkspace(r.Context(), cmd)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, ws)
}

func (rt *Router) updateWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	patch, err := decodePatch(r)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	if err := rt.graph.UpdateWorkspace(r.Context(), id, patch); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, queuedResponse{Status: "queued", ID: id})
}

func (rt *Router) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	if err := rt.graph.DeleteWorkspace(r.Context(), id); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, queuedResponse{Status: "queued", ID: id})
}

func (rt *Router) activateWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	err := rt.controller.SwitchWorkspace(r.Context(), id)
	if err != nil && (apperrors.IsValidation(err) || rt.snapshot.WorkspaceID() != id) {
		rt.errors.Handle(w, r, err)
		return
	}

	resp := ActivateResponse{WorkspaceID: id, Loaded: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, rt.logger, http.StatusOK, resp)
}

func (rt *Router) getGraph(w http.ResponseWriter, r *http.Request) {
	ws := rt.snapshot.WorkspaceID()
	if ws == "" {
		rt.errors.Handle(w, r, apperrors.NewConflict(apperrors.CodeNoActiveWorkspace, "no workspace is active"))
		return
	}
	writeJSON(w, rt.logger, http.StatusOK, GraphResponse{
		WorkspaceID: ws,
		Nodes:       rt.snapshot.Nodes(),
		Links:       rt.snapshot.Links(),
	})
}

// ============================================================================
// NODES AND LINKS
// ============================================================================

func (rt *Router) createNode(w http.ResponseWriter, r *http.Request) {
	var cmd services.CreateNodeCommand
	if err := decodeBody(r, &cmd); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	node, err := rt.graph.CreateNode(r.Context(), cmd)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, node)
}

func (rt *Router) updateNode(w http.ResponseWriter, r *http.Request) {
	patch, err := decodePatch(r)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	node, err := rt.graph.UpdateNode(r.Context(), chi.URLParam(r, "nodeID"), patch)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, node)
}

func (rt *Router) deleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "nodeID")
	if err := rt.graph.DeleteNode(r.Context(), id); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, queuedResponse{Status: "queued", ID: id})
}

func (rt *Router) createLink(w http.ResponseWriter, r *http.Request) {
	var cmd services.CreateLinkCommand
	if err := decodeBody(r, &cmd); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	link, err := rt.graph.CreateLink(r.Context(), cmd)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, link)
}

func (rt *Router) updateLink(w http.ResponseWriter, r *http.Request) {
	patch, err := decodePatch(r)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	link, err := rt.graph.UpdateLink(r.Context(), chi.URLParam(r, "linkID"), patch)
	if err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, link)
}

func (rt *Router) deleteLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "linkID")
	if err := rt.graph.DeleteLink(r.Context(), id); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	writeJSON(w, rt.logger, http.StatusAccepted, queuedResponse{Status: "queued", ID: id})
}

// ============================================================================
// QUEUE
// ============================================================================

func (rt *Router) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := rt.controller.ClearQueue(r.Context()); err != nil {
		rt.errors.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
