// Package rest exposes the sync engine to the local UI process over HTTP:
// health and sync status, graph mutations that go through the operation
// queue, workspace activation and Prometheus metrics.
package rest

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"dots-sync/internal/application/services"
	"dots-sync/internal/coordinator"
	"dots-sync/internal/domain"
	"dots-sync/internal/infrastructure/observability"
)

// Graph is the mutation surface the handlers drive.
type Graph interface {
	CreateNode(ctx context.Context, cmd services.CreateNodeCommand) (domain.Node, error)
	UpdateNode(ctx context.Context, id string, updates domain.Fields) (domain.Node, error)
	DeleteNode(ctx context.Context, id string) error
	CreateLink(ctx context.Context, cmd services.CreateLinkCommand) (domain.Link, error)
	UpdateLink(ctx context.Context, id string, updates domain.Fields) (domain.Link, error)
	DeleteLink(ctx context.Context, id string) error
	CreateWorkspace(ctx context.Context, cmd services.CreateWorkspaceCommand) (domain.Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, updates domain.Fields) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)
}

// Snapshot reads the local graph of the active workspace.
type Snapshot interface {
	WorkspaceID() string
	Nodes() []domain.Node
	Links() []domain.Link
}

// Controller is the coordinator surface the handlers drive.
type Controller interface {
	Status() coordinator.Status
	SwitchWorkspace(ctx context.Context, workspaceID string) error
	ClearQueue(ctx context.Context) error
}

// Router builds the HTTP handler.
type Router struct {
	graph          Graph
	snapshot       Snapshot
	controller     Controller
	metrics        *observability.Collector
	logger         *zap.Logger
	errors         *ErrorHandler
	allowedOrigins []string
}

// NewRouter creates a router. metrics may be nil, in which case /metrics
// is not served.
func NewRouter(
	graph Graph,
	snapshot Snapshot,
	controller Controller,
	metrics *observability.Collector,
	logger *zap.Logger,
	errorHandler *ErrorHandler,
	allowedOrigins []string,
) *Router {
	return &Router{
		graph:          graph,
		snapshot:       snapshot,
		controller:     controller,
		metrics:        metrics,
		logger:         logger.Named("http"),
		errors:         errorHandler,
		allowedOrigins: allowedOrigins,
	}
}

// Setup configures all routes and middleware.
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(requestLogger(rt.logger))
	if len(rt.allowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: rt.allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	router.Get("/health", rt.health)
	router.Get("/status", rt.status)
	if rt.metrics != nil {
		router.Handle("/metrics", rt.metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", rt.listWorkspaces)
			r.Post("/", rt.createWorkspace)
			r.Patch("/{workspaceID}", rt.updateWorkspace)
			r.Delete("/{workspaceID}", rt.deleteWorkspace)
			r.Post("/{workspaceID}/activate", rt.activateWorkspace)
		})

		r.Get("/graph", rt.getGraph)

		r.Route("/nodes", func(r chi.Router) {
			r.Post("/", rt.createNode)
			r.Patch("/{nodeID}", rt.updateNode)
			r.Delete("/{nodeID}", rt.deleteNode)
		})

		r.Route("/links", func(r chi.Router) {
			r.Post("/", rt.createLink)
			r.Patch("/{linkID}", rt.updateLink)
			r.Delete("/{linkID}", rt.deleteLink)
		})

		r.Delete("/queue", rt.clearQueue)
	})

	return router
}

func (rt *Router) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, rt.logger, http.StatusOK, map[string]string{"status": "healthy"})
}

func (rt *Router) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, rt.logger, http.StatusOK, rt.controller.Status())
}
