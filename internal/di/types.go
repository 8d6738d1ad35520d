// Package di assembles the sync agent from its parts.
package di

import (
	"net/http"

	"go.uber.org/zap"

	"dots-sync/internal/application/services"
	"dots-sync/internal/config"
	"dots-sync/internal/coordinator"
	"dots-sync/internal/identity"
	"dots-sync/internal/infrastructure/observability"
	"dots-sync/internal/interfaces/http/rest"
	"dots-sync/internal/realtime"
	"dots-sync/internal/reconcile"
	"dots-sync/internal/remote"
	"dots-sync/internal/store"
	"dots-sync/internal/syncqueue"
)

// Container holds every long-lived component of the agent. It is shared
// by the wire injector and the manual build.
type Container struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *observability.Collector
	Tracing     *observability.TracerProvider
	Remote      remote.Store
	Storage     syncqueue.Storage
	Queue       *syncqueue.Queue
	Store       *store.Store
	Feed        *realtime.Client
	Reconciler  *reconcile.Reconciler
	Identity    identity.Provider
	Graph       *services.GraphService
	Coordinator *coordinator.Coordinator
	Router      *rest.Router
	HTTPServer  *http.Server
}
