//go:build !wireinject
// +build !wireinject

package di

import (
	"go.uber.org/zap"

	"dots-sync/internal/config"
)

// InitializeContainer creates a fully wired container. The cleanup stops
// the queue, closes its storage and flushes traces, in reverse order of
// construction.
func InitializeContainer(cfg *config.Config, logger *zap.Logger) (*Container, func(), error) {
	metrics := ProvideMetrics()
	tracing, cleanupTracing, err := ProvideTracerProvider(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := ProvideSupabaseClient(cfg)
	if err != nil {
		cleanupTracing()
		return nil, nil, err
	}
	remoteStore := ProvideRemoteStore(client, cfg, tracing, metrics, logger)
	storage, cleanupStorage, err := ProvideQueueStorage(cfg, logger)
	if err != nil {
		cleanupTracing()
		return nil, nil, err
	}
	queue, cleanupQueue := ProvideQueue(storage, remoteStore, cfg, tracing, metrics, logger)
	localStore := ProvideStore()
	feed := ProvideRealtimeClient(cfg, logger)
	reconciler := ProvideReconciler(localStore, queue, feed, metrics, logger)
	provider, err := ProvideIdentity(cfg, client, logger)
	if err != nil {
		cleanupQueue()
		cleanupStorage()
		cleanupTracing()
		return nil, nil, err
	}
	graph := ProvideGraphService(localStore, queue, remoteStore, provider, logger)
	coord := ProvideCoordinator(queue, localStore, reconciler, graph, cfg, metrics, logger)
	errorHandler := ProvideErrorHandler(cfg, logger)
	router := ProvideRouter(graph, localStore, coord, metrics, errorHandler, cfg, logger)
	server := ProvideHTTPServer(cfg, router)

	container := &Container{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Tracing:     tracing,
		Remote:      remoteStore,
		Storage:     storage,
		Queue:       queue,
		Store:       localStore,
		Feed:        feed,
		Reconciler:  reconciler,
		Identity:    provider,
		Graph:       graph,
		Coordinator: coord,
		Router:      router,
		HTTPServer:  server,
	}
	return container, func() {
		cleanupQueue()
		cleanupStorage()
		cleanupTracing()
	}, nil
}
