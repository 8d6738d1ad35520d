//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"dots-sync/internal/config"
)

// SuperSet is the main provider set containing all providers.
var SuperSet = wire.NewSet(
	ProvideMetrics,
	ProvideTracerProvider,
	ProvideSupabaseClient,
	ProvideRemoteStore,
	ProvideQueueStorage,
	ProvideQueue,
	ProvideStore,
	ProvideRealtimeClient,
	ProvideReconciler,
	ProvideIdentity,
	ProvideGraphService,
	ProvideCoordinator,
	ProvideErrorHandler,
	ProvideRouter,
	ProvideHTTPServer,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container. The cleanup stops
// the queue, closes its storage and flushes traces.
func InitializeContainer(cfg *config.Config, logger *zap.Logger) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil
}
