package di

import (
	"context"
	"net/http"
	"time"

	"github.com/supabase-community/supabase-go"
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

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "dots_sync"

// ProvideMetrics creates the Prometheus collector.
func ProvideMetrics() *observability.Collector {
	return observability.NewCollector(MetricsNamespace)
}

// ProvideTracerProvider installs tracing. The cleanup flushes pending spans.
func ProvideTracerProvider(cfg *config.Config, logger *zap.Logger) (*observability.TracerProvider, func(), error) {
	tp, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: observability.ServiceName,
		Environment: string(cfg.Environment),
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
	return tp, cleanup, nil
}

// ProvideSupabaseClient creates the client shared by the remote store and
// identity resolution.
func ProvideSupabaseClient(cfg *config.Config) (*supabase.Client, error) {
	return remote.NewSupabaseClient(cfg.Supabase.URL, cfg.Supabase.Key, cfg.Supabase.AccessToken)
}

// ProvideRemoteStore builds the remote store chain: tracing and metrics
// around a circuit breaker around PostgREST.
func ProvideRemoteStore(
	client *supabase.Client,
	cfg *config.Config,
	tp *observability.TracerProvider,
	metrics *observability.Collector,
	logger *zap.Logger,
) remote.Store {
	breakerCfg := remote.DefaultBreakerConfig("supabase")
	rc := cfg.Remote
	if rc.BreakerMaxRequests > 0 {
		breakerCfg.MaxRequests = rc.BreakerMaxRequests
	}
	if rc.BreakerInterval > 0 {
		breakerCfg.Interval = rc.BreakerInterval
	}
	if rc.BreakerTimeout > 0 {
		breakerCfg.Timeout = rc.BreakerTimeout
	}
	if rc.BreakerFailureThreshold > 0 {
		breakerCfg.FailureThreshold = rc.BreakerFailureThreshold
	}
	if rc.BreakerMinRequests > 0 {
		breakerCfg.MinRequests = rc.BreakerMinRequests
	}

	base := remote.NewSupabaseStore(client)
	breaker := remote.NewBreakerStore(base, breakerCfg, logger, metrics)
	return remote.NewInstrumentedStore(breaker, tp.Tracer(), metrics, logger)
}

// ProvideQueueStorage opens the storage named by the queue DSN.
func ProvideQueueStorage(cfg *config.Config, logger *zap.Logger) (syncqueue.Storage, func(), error) {
	storage, err := syncqueue.NewStorageFromDSN(cfg.Queue.StorageDSN)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := storage.Close(); err != nil {
			logger.Warn("failed to close queue storage", zap.Error(err))
		}
	}
	return storage, cleanup, nil
}

// ProvideQueue creates the durable operation queue. Its drain worker stops
// in the cleanup.
func ProvideQueue(
	storage syncqueue.Storage,
	remoteStore remote.Store,
	cfg *config.Config,
	tp *observability.TracerProvider,
	metrics *observability.Collector,
	logger *zap.Logger,
) (*syncqueue.Queue, func()) {
	q := syncqueue.NewQueue(storage, remoteStore, syncqueue.Config{
		StorageKey: cfg.Queue.StorageKey,
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay,
	}, logger,
		syncqueue.WithMetrics(metrics),
		syncqueue.WithTracer(tp.Tracer()))
	return q, q.Close
}

// ProvideStore creates the local store.
func ProvideStore() *store.Store {
	return store.New(nil)
}

// ProvideRealtimeClient creates the realtime transport.
func ProvideRealtimeClient(cfg *config.Config, logger *zap.Logger) *realtime.Client {
	return realtime.NewClient(realtime.Config{
		URL:                  cfg.RealtimeURL(),
		APIKey:               cfg.Supabase.Key,
		AccessToken:          cfg.Supabase.AccessToken,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
		EventsPerSecond:      cfg.Realtime.EventsPerSecond,
		ReconnectMaxInterval: cfg.Realtime.ReconnectMaxInterval,
	}, logger)
}

// ProvideReconciler creates the reconciler fed by the realtime client.
func ProvideReconciler(
	s *store.Store,
	q *syncqueue.Queue,
	feed *realtime.Client,
	metrics *observability.Collector,
	logger *zap.Logger,
) *reconcile.Reconciler {
	return reconcile.New(s, q, feed, logger, metrics)
}

// ProvideIdentity picks how the user id is resolved: a configured id,
// then a locally verified access token, then the Supabase auth API.
func ProvideIdentity(cfg *config.Config, client *supabase.Client, logger *zap.Logger) (identity.Provider, error) {
	if cfg.UserID != "" {
		return identity.Static(cfg.UserID), nil
	}
	if cfg.Supabase.JWTSecret != "" {
		p, err := identity.NewTokenProvider(cfg.Supabase.AccessToken, cfg.Supabase.JWTSecret)
		if err != nil {
			return nil, err
		}
		return identity.NewCached(p, logger), nil
	}
	return identity.NewCached(identity.NewSupabaseProvider(client, cfg.Supabase.AccessToken), logger), nil
}

// ProvideGraphService creates the mutation service.
func ProvideGraphService(
	s *store.Store,
	q *syncqueue.Queue,
	remoteStore remote.Store,
	provider identity.Provider,
	logger *zap.Logger,
) *services.GraphService {
	return services.NewGraphService(s, q, remoteStore, provider, logger)
}

// ProvideCoordinator creates the lifecycle coordinator.
func ProvideCoordinator(
	q *syncqueue.Queue,
	s *store.Store,
	reconciler *reconcile.Reconciler,
	graph *services.GraphService,
	cfg *config.Config,
	metrics *observability.Collector,
	logger *zap.Logger,
) *coordinator.Coordinator {
	return coordinator.New(q, s, reconciler, graph, coordinator.FromConfig(cfg), logger, metrics)
}

// ProvideErrorHandler creates the HTTP error handler; development builds
// expose internal error messages.
func ProvideErrorHandler(cfg *config.Config, logger *zap.Logger) *rest.ErrorHandler {
	return rest.NewErrorHandler(logger, cfg.IsDevelopment())
}

// ProvideRouter creates the HTTP router.
func ProvideRouter(
	graph *services.GraphService,
	s *store.Store,
	coord *coordinator.Coordinator,
	metrics *observability.Collector,
	errorHandler *rest.ErrorHandler,
	cfg *config.Config,
	logger *zap.Logger,
) *rest.Router {
	return rest.NewRouter(graph, s, coord, metrics, logger, errorHandler, cfg.Server.AllowedOrigins)
}

// ProvideHTTPServer creates the local HTTP server.
func ProvideHTTPServer(cfg *config.Config, router *rest.Router) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
