// Package services is the caller-facing API of the sync engine. Every
// mutation is applied to the optimistic store first and then queued for
// delivery; callers never wait on the network for their own edits.
package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/identity"
	"dots-sync/internal/remote"
	"dots-sync/internal/store"
	"dots-sync/internal/syncqueue"
)

// Queue is the part of the operation queue the service uses.
type Queue interface {
	Enqueue(ctx context.Context, intent syncqueue.Intent) (syncqueue.Operation, error)
	Pending() []syncqueue.Operation
}

// GraphService applies local intents and queues them.
type GraphService struct {
	store    *store.Store
	queue    Queue
	remote   remote.Store
	identity identity.Provider
	now      func() time.Time
	logger   *zap.Logger
}

// NewGraphService creates the service.
func NewGraphService(
	s *store.Store,
	queue Queue,
	remoteStore remote.Store,
	identityProvider identity.Provider,
	logger *zap.Logger,
) *GraphService {
	return &GraphService{
		store:    s,
		queue:    queue,
		remote:   remoteStore,
		identity: identityProvider,
		now:      time.Now,
		logger:   logger.Named("graph"),
	}
}

// WithClock replaces the clock used for created_at/updated_at.
func (g *GraphService) WithClock(now func() time.Time) *GraphService {
	g.now = now
	return g
}

func (g *GraphService) activeWorkspace() (string, error) {
	ws := g.store.WorkspaceID()
	if ws == "" {
		return "", apperrors.NewConflict(apperrors.CodeNoActiveWorkspace, "no workspace is active")
	}
	return ws, nil
}

func (g *GraphService) enqueue(ctx context.Context, kind domain.Kind, collection domain.Collection, data domain.Fields) error {
	op, err := g.queue.Enqueue(ctx, syncqueue.Intent{Kind: kind, Collection: collection, Data: data})
	if err != nil {
		return fmt.Errorf("failed to queue %s %s: %w", kind, collection, err)
	}
	g.logger.Debug("mutation queued",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(kind)),
		zap.String("collection", string(collection)),
		zap.String("entity_id", op.EntityID()))
	return nil
}

// createRow is the insert payload for an entity: its row without the
// timestamps, which the remote store assigns.
func createRow(entity any) (domain.Fields, error) {
	row, err := domain.ToFields(entity)
	if err != nil {
		return nil, err
	}
	delete(row, "created_at")
	delete(row, "updated_at")
	return row, nil
}

// updateRow is the update payload: the patch, the target id and the
// refreshed updated_at.
func updateRow(id string, updates domain.Fields, updatedAt time.Time) domain.Fields {
	row := updates.Clone()
	row["id"] = id
	row["updated_at"] = updatedAt.UTC().Format(time.RFC3339Nano)
	return row
}

// ============================================================================
// NODES
// ============================================================================

// CreateNode adds a node under a provisional id and queues its creation.
func (g *GraphService) CreateNode(ctx context.Context, cmd CreateNodeCommand) (domain.Node, error) {
	if err := validateCommand(cmd); err != nil {
		return domain.Node{}, err
	}
	ws, err := g.activeWorkspace()
	if err != nil {
		return domain.Node{}, err
	}
	owner, err := g.identity.UserID(ctx)
	if err != nil {
		return domain.Node{}, err
	}

	now := g.now().UTC()
	node := domain.Node{
		ID:          domain.NewProvisionalID(),
		WorkspaceID: ws,
		Owner:       owner,
		Type:        cmd.Type,
		Title:       cmd.Title,
		Content:     cmd.Content.Clone(),
		Position:    cmd.Position,
		Style:       cmd.Style,
		Properties:  cmd.Properties.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := node.Validate(); err != nil {
		return domain.Node{}, err
	}
	row, err := createRow(node)
	if err != nil {
		return domain.Node{}, err
	}

	g.store.AddNode(node)
	if err := g.enqueue(ctx, domain.KindCreate, domain.CollectionNodes, row); err != nil {
		return domain.Node{}, err
	}
	return node, nil
}

// UpdateNode patches the node locally and queues the patch.
func (g *GraphService) UpdateNode(ctx context.Context, id string, updates domain.Fields) (domain.Node, error) {
	if err := checkPatch(updates); err != nil {
		return domain.Node{}, err
	}
	current, ok := g.store.Node(id)
	if !ok {
		return domain.Node{}, apperrors.NewNotFound(apperrors.CodeNodeNotFound, id)
	}
	candidate, err := current.Patch(updates, g.now())
	if err != nil {
		return domain.Node{}, apperrors.NewValidation("invalid node patch", err)
	}
	if err := candidate.Validate(); err != nil {
		return domain.Node{}, err
	}

	patched, err := g.store.PatchNode(id, updates)
	if err != nil {
		return domain.Node{}, err
	}
	if err := g.enqueue(ctx, domain.KindUpdate, domain.CollectionNodes, updateRow(id, updates, patched.UpdatedAt)); err != nil {
		return domain.Node{}, err
	}
	return patched, nil
}

// DeleteNode removes the node and its links locally and queues a delete
// for every removed link followed by the node itself.
func (g *GraphService) DeleteNode(ctx context.Context, id string) error {
	removedLinks, ok := g.store.RemoveNode(id)
	if !ok {
		return apperrors.NewNotFound(apperrors.CodeNodeNotFound, id)
	}
	for _, linkID := range removedLinks {
		if err := g.enqueue(ctx, domain.KindDelete, domain.CollectionLinks, domain.Fields{"id": linkID}); err != nil {
			return err
		}
	}
	if len(removedLinks) > 0 {
		g.logger.Info("node delete cascaded to links",
			zap.String("entity_id", id),
			zap.Strings("link_ids", removedLinks))
	}
	return g.enqueue(ctx, domain.KindDelete, domain.CollectionNodes, domain.Fields{"id": id})
}

// ============================================================================
// LINKS
// ============================================================================

// CreateLink adds a link under a provisional id and queues its creation.
// Both endpoints must exist in the active workspace.
func (g *GraphService) CreateLink(ctx context.Context, cmd CreateLinkCommand) (domain.Link, error) {
	if err := validateCommand(cmd); err != nil {
		return domain.Link{}, err
	}
	ws, err := g.activeWorkspace()
	if err != nil {
		return domain.Link{}, err
	}
	if err := g.checkEndpoints(ws, cmd.FromNode, cmd.ToNode); err != nil {
		return domain.Link{}, err
	}
	owner, err := g.identity.UserID(ctx)
	if err != nil {
		return domain.Link{}, err
	}

	now := g.now().UTC()
	link := domain.Link{
		ID:          domain.NewProvisionalID(),
		WorkspaceID: ws,
		Owner:       owner,
		FromNode:    cmd.FromNode,
		ToNode:      cmd.ToNode,
		Label:       cmd.Label,
		Metadata:    cmd.Metadata.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := link.Validate(); err != nil {
		return domain.Link{}, err
	}
	row, err := createRow(link)
	if err != nil {
		return domain.Link{}, err
	}

	g.store.AddLink(link)
	if err := g.enqueue(ctx, domain.KindCreate, domain.CollectionLinks, row); err != nil {
		return domain.Link{}, err
	}
	return link, nil
}

func (g *GraphService) checkEndpoints(ws string, nodeIDs ...string) error {
	for _, id := range nodeIDs {
		n, ok := g.store.Node(id)
		if !ok {
			return apperrors.NewNotFound(apperrors.CodeNodeNotFound, id)
		}
		if n.WorkspaceID != ws {
			return apperrors.New(apperrors.ErrorTypeValidation, apperrors.CodeCrossWorkspaceLink,
				"link endpoint "+id+" belongs to workspace "+n.WorkspaceID)
		}
	}
	return nil
}

// UpdateLink patches the link locally and queues the patch.
func (g *GraphService) UpdateLink(ctx context.Context, id string, updates domain.Fields) (domain.Link, error) {
	if err := checkPatch(updates); err != nil {
		return domain.Link{}, err
	}
	current, ok := g.store.Link(id)
	if !ok {
		return domain.Link{}, apperrors.NewNotFound(apperrors.CodeLinkNotFound, id)
	}
	candidate, err := current.Patch(updates, g.now())
	if err != nil {
		return domain.Link{}, apperrors.NewValidation("invalid link patch", err)
	}
	if err := candidate.Validate(); err != nil {
		return domain.Link{}, err
	}
	if err := g.checkEndpoints(current.WorkspaceID, candidate.FromNode, candidate.ToNode); err != nil {
		return domain.Link{}, err
	}

	patched, err := g.store.PatchLink(id, updates)
	if err != nil {
		return domain.Link{}, err
	}
	if err := g.enqueue(ctx, domain.KindUpdate, domain.CollectionLinks, updateRow(id, updates, patched.UpdatedAt)); err != nil {
		return domain.Link{}, err
	}
	return patched, nil
}

// DeleteLink removes the link locally and queues its deletion.
func (g *GraphService) DeleteLink(ctx context.Context, id string) error {
	if !g.store.RemoveLink(id) {
		return apperrors.NewNotFound(apperrors.CodeLinkNotFound, id)
	}
	return g.enqueue(ctx, domain.KindDelete, domain.CollectionLinks, domain.Fields{"id": id})
}

// ============================================================================
// WORKSPACES
// ============================================================================

// CreateWorkspace queues a new workspace under a provisional id.
func (g *GraphService) CreateWorkspace(ctx context.Context, cmd CreateWorkspaceCommand) (domain.Workspace, error) {
	if err := validateCommand(cmd); err != nil {
		return domain.Workspace{}, err
	}
	owner, err := g.identity.UserID(ctx)
	if err != nil {
		return domain.Workspace{}, err
	}
	now := g.now().UTC()
	ws := domain.Workspace{
		ID:        domain.NewProvisionalID(),
		Owner:     owner,
		Title:     cmd.Title,
		Metadata:  cmd.Metadata.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ws.Validate(); err != nil {
		return domain.Workspace{}, err
	}
	row, err := createRow(ws)
	if err != nil {
		return domain.Workspace{}, err
	}
	if err := g.enqueue(ctx, domain.KindCreate, domain.CollectionWorkspaces, row); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

// UpdateWorkspace queues a workspace patch.
func (g *GraphService) UpdateWorkspace(ctx context.Context, id string, updates domain.Fields) error {
	if id == "" {
		return apperrors.NewValidation("workspace id is required", nil)
	}
	if err := checkPatch(updates); err != nil {
		return err
	}
	return g.enqueue(ctx, domain.KindUpdate, domain.CollectionWorkspaces, updateRow(id, updates, g.now()))
}

// DeleteWorkspace queues a workspace delete. Deleting the active
// workspace also clears the local store.
func (g *GraphService) DeleteWorkspace(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.NewValidation("workspace id is required", nil)
	}
	if g.store.WorkspaceID() == id {
		g.store.Reset("")
	}
	return g.enqueue(ctx, domain.KindDelete, domain.CollectionWorkspaces, domain.Fields{"id": id})
}

// ListWorkspaces returns the user's workspaces, newest first.
func (g *GraphService) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	owner, err := g.identity.UserID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := g.remote.ListWorkspaces(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	out := make([]domain.Workspace, 0, len(rows))
	for _, row := range rows {
		ws, err := domain.FromFields[domain.Workspace](row)
		if err != nil {
			g.logger.Warn("skipping undecodable workspace row", zap.String("entity_id", row.ID()), zap.Error(err))
			continue
		}
		out = append(out, ws)
	}
	return out, nil
}

// ============================================================================
// WORKSPACE LOAD
// ============================================================================

// LoadWorkspace scopes the store to workspaceID and replaces its nodes and
// links with the remote rows, ordered by created_at. Queued local
// operations win over the snapshot: entities with a queued delete stay
// gone, entities with other queued operations keep their local version,
// and provisional entities still awaiting creation are kept after the
// remote ones. Provisional entities missing from the store (after a
// workspace switch) are rebuilt from their queued create first, so they
// survive a failed load too.
func (g *GraphService) LoadWorkspace(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return apperrors.NewValidation("workspace id is required", nil)
	}
	if g.store.WorkspaceID() != workspaceID {
		g.store.Reset(workspaceID)
	}
	pending := newPendingView(g.queue.Pending())
	g.restoreProvisional(workspaceID, pending)

	nodeRows, err := g.remote.SelectByWorkspace(ctx, domain.CollectionNodes, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	linkRows, err := g.remote.SelectByWorkspace(ctx, domain.CollectionLinks, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to load links: %w", err)
	}

	// Deliveries may have finished during the fetch.
	pending = newPendingView(g.queue.Pending())
	nodes := mergeLoaded(pending, domain.CollectionNodes, decodeRows[domain.Node](g, nodeRows), g.store.Nodes(),
		func(n domain.Node) string { return n.ID })
	links := mergeLoaded(pending, domain.CollectionLinks, decodeRows[domain.Link](g, linkRows), g.store.Links(),
		func(l domain.Link) string { return l.ID })

	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
	}
	attached := links[:0]
	for _, l := range links {
		if present[l.FromNode] && present[l.ToNode] {
			attached = append(attached, l)
		}
	}

	g.store.ReplaceNodes(nodes)
	g.store.ReplaceLinks(attached)

	g.logger.Info("workspace loaded",
		zap.String("workspace_id", workspaceID),
		zap.Int("nodes", len(nodes)),
		zap.Int("links", len(attached)))
	return nil
}

// restoreProvisional adds the provisional nodes and links of workspaceID
// that have a queued create but are missing from the store. Each is built
// from its create payload with later queued updates applied.
func (g *GraphService) restoreProvisional(workspaceID string, pending pendingView) {
	for _, key := range pending.order {
		row := pending.created[key]
		if pending.deleted[key] || !domain.IsProvisional(key.id) || row.String("workspace_id") != workspaceID {
			continue
		}
		switch key.collection {
		case domain.CollectionNodes:
			if _, ok := g.store.Node(key.id); ok {
				continue
			}
			n, err := domain.FromFields[domain.Node](row)
			if err != nil {
				g.logger.Warn("cannot restore queued node", zap.String("entity_id", key.id), zap.Error(err))
				continue
			}
			g.store.AddNode(n)
		case domain.CollectionLinks:
			if _, ok := g.store.Link(key.id); ok {
				continue
			}
			l, err := domain.FromFields[domain.Link](row)
			if err != nil {
				g.logger.Warn("cannot restore queued link", zap.String("entity_id", key.id), zap.Error(err))
				continue
			}
			g.store.AddLink(l)
		default:
			continue
		}
		g.logger.Debug("restored provisional entity from queue",
			zap.String("collection", string(key.collection)),
			zap.String("entity_id", key.id))
	}
}

type pendingKey struct {
	collection domain.Collection
	id         string
}

// pendingView indexes queued operations by target entity.
type pendingView struct {
	touched map[pendingKey]bool
	deleted map[pendingKey]bool
	created map[pendingKey]domain.Fields
	order   []pendingKey
}

func newPendingView(ops []syncqueue.Operation) pendingView {
	v := pendingView{
		touched: make(map[pendingKey]bool, len(ops)),
		deleted: make(map[pendingKey]bool),
		created: make(map[pendingKey]domain.Fields),
	}
	for _, op := range ops {
		key := pendingKey{collection: op.Collection, id: op.EntityID()}
		v.touched[key] = true
		switch op.Kind {
		case domain.KindCreate:
			if _, ok := v.created[key]; !ok {
				v.order = append(v.order, key)
			}
			row := op.Data.Clone()
			accepted := op.AcceptedAt().UTC().Format(time.RFC3339Nano)
			row["created_at"] = accepted
			row["updated_at"] = accepted
			v.created[key] = row
		case domain.KindUpdate:
			if row, ok := v.created[key]; ok {
				for k, val := range op.Data {
					row[k] = val
				}
			}
		case domain.KindDelete:
			v.deleted[key] = true
		}
	}
	return v
}

func decodeRows[T any](g *GraphService, rows []domain.Fields) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := domain.FromFields[T](row)
		if err != nil {
			g.logger.Warn("skipping undecodable row", zap.String("entity_id", row.ID()), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

func mergeLoaded[T any](pending pendingView, collection domain.Collection, loaded, local []T, id func(T) string) []T {
	localByID := make(map[string]T, len(local))
	for _, v := range local {
		localByID[id(v)] = v
	}

	seen := make(map[string]bool, len(loaded))
	out := make([]T, 0, len(loaded))
	for _, v := range loaded {
		key := id(v)
		seen[key] = true
		pk := pendingKey{collection: collection, id: key}
		if pending.deleted[pk] {
			continue
		}
		if l, ok := localByID[key]; ok && pending.touched[pk] {
			out = append(out, l)
			continue
		}
		out = append(out, v)
	}
	for _, v := range local {
		key := id(v)
		pk := pendingKey{collection: collection, id: key}
		if !seen[key] && domain.IsProvisional(key) && pending.created[pk] != nil && !pending.deleted[pk] {
			out = append(out, v)
		}
	}
	return out
}
