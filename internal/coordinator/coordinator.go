// Package coordinator owns the sync engine's lifecycle: it initializes the
// operation queue once, activates workspaces, samples the sync status for
// observers and drains the queue on shutdown.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dots-sync/internal/config"
	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/infrastructure/observability"
	"dots-sync/internal/reconcile"
	"dots-sync/internal/store"
	"dots-sync/internal/syncqueue"
)

// Status is a snapshot of the sync state shown to the user.
type Status struct {
	QueueLength int                 `json:"queue_length"`
	Syncing     bool                `json:"syncing"`
	FeedState   reconcile.FeedState `json:"feed_state"`
	WorkspaceID string              `json:"workspace_id"`
	StaleCount  int                 `json:"stale_count"`
	Stale       []store.EntityRef   `json:"stale,omitempty"`
	SampledAt   time.Time           `json:"sampled_at"`
}

func (s Status) equal(o Status) bool {
	return s.QueueLength == o.QueueLength &&
		s.Syncing == o.Syncing &&
		s.FeedState == o.FeedState &&
		s.WorkspaceID == o.WorkspaceID &&
		s.StaleCount == o.StaleCount
}

// WorkspaceLoader replaces the store contents with a workspace's remote
// state.
type WorkspaceLoader interface {
	LoadWorkspace(ctx context.Context, workspaceID string) error
}

// Config holds the coordinator settings.
type Config struct {
	StatusInterval       time.Duration
	ShutdownDrainTimeout time.Duration
}

// FromConfig extracts the coordinator settings.
func FromConfig(cfg *config.Config) Config {
	return Config{
		StatusInterval:       cfg.Coordinator.StatusInterval,
		ShutdownDrainTimeout: cfg.Coordinator.ShutdownDrainTimeout,
	}
}

// Coordinator wires the queue, the store and the reconciler together.
type Coordinator struct {
	queue      *syncqueue.Queue
	store      *store.Store
	reconciler *reconcile.Reconciler
	loader     WorkspaceLoader
	config     Config
	logger     *zap.Logger
	metrics    *observability.Collector

	initOnce sync.Once
	interval chan time.Duration

	mu        sync.Mutex
	status    Status
	listeners []func(Status)
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// New creates the coordinator and subscribes it to queue outcomes.
func New(
	queue *syncqueue.Queue,
	s *store.Store,
	reconciler *reconcile.Reconciler,
	loader WorkspaceLoader,
	cfg Config,
	logger *zap.Logger,
	metrics *observability.Collector,
) *Coordinator {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.ShutdownDrainTimeout <= 0 {
		cfg.ShutdownDrainTimeout = 5 * time.Second
	}
	c := &Coordinator{
		queue:      queue,
		store:      s,
		reconciler: reconciler,
		loader:     loader,
		config:     cfg,
		logger:     logger.Named("coordinator"),
		metrics:    metrics,
		interval:   make(chan time.Duration, 1),
	}
	queue.OnConfirmed(c.handleConfirmed)
	queue.OnDropped(c.handleDropped)
	reconciler.OnStateChange(func(reconcile.FeedState) { c.sample() })
	return c
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start initializes the queue and begins status sampling.
func (c *Coordinator) Start(ctx context.Context) {
	c.initialize(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.statusLoop(c.stop, c.done)
	c.logger.Info("coordinator started", zap.Duration("status_interval", c.config.StatusInterval))
}

func (c *Coordinator) initialize(ctx context.Context) {
	c.initOnce.Do(func() {
		c.queue.Initialize(ctx)
		c.logger.Info("operation queue initialized", zap.Int("pending", c.queue.Len()))
	})
}

// Shutdown stops sampling, closes the feed and gives the queue up to the
// configured drain timeout to empty before stopping it. Operations still
// queued stay persisted for the next start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		close(c.stop)
		done := c.done
		c.running = false
		c.mu.Unlock()
		<-done
	} else {
		c.mu.Unlock()
	}

	c.reconciler.Unsubscribe()

	drainCtx, cancel := context.WithTimeout(ctx, c.config.ShutdownDrainTimeout)
	defer cancel()
	err := c.queue.WaitIdle(drainCtx)
	if err != nil {
		c.logger.Warn("queue not drained before shutdown",
			zap.Int("pending", c.queue.Len()),
			zap.Error(err))
	}
	c.queue.Close()
	c.logger.Info("coordinator stopped", zap.Int("pending", c.queue.Len()))

	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// ============================================================================
// WORKSPACES
// ============================================================================

// SwitchWorkspace makes workspaceID active: the feed is re-scoped to it
// and the store is loaded from the remote store. The workspace stays
// active when the load fails; the error is returned so the caller can
// show it, and local edits keep working offline.
func (c *Coordinator) SwitchWorkspace(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		return apperrors.NewValidation("workspace id is required", nil)
	}
	if domain.IsProvisional(workspaceID) {
		return apperrors.NewValidation("workspace "+workspaceID+" is not confirmed yet", nil)
	}
	c.initialize(ctx)

	logger := c.logger.With(zap.String("workspace_id", workspaceID))
	if c.store.WorkspaceID() != workspaceID {
		c.store.Reset(workspaceID)
	}
	if err := c.reconciler.Subscribe(ctx, workspaceID); err != nil {
		logger.Warn("feed subscription failed", zap.Error(err))
	}
	if err := c.loader.LoadWorkspace(ctx, workspaceID); err != nil {
		logger.Warn("workspace load failed; continuing with local state", zap.Error(err))
		c.sample()
		return err
	}
	logger.Info("workspace activated")
	c.sample()
	return nil
}

// ClearQueue discards every pending operation. It is meant for logout and
// reset only.
func (c *Coordinator) ClearQueue(ctx context.Context) error {
	c.initialize(ctx)
	err := c.queue.Clear(ctx)
	c.sample()
	return err
}

// ============================================================================
// QUEUE OUTCOMES
// ============================================================================

func (c *Coordinator) handleConfirmed(conf syncqueue.Confirmation) {
	switch conf.Collection {
	case domain.CollectionNodes:
		c.store.RebindNode(conf.ProvisionalID, conf.ServerID)
	case domain.CollectionLinks:
		c.store.RebindLink(conf.ProvisionalID, conf.ServerID)
	default:
		return
	}
	c.logger.Debug("create confirmed",
		zap.String("collection", string(conf.Collection)),
		zap.String("provisional_id", conf.ProvisionalID),
		zap.String("entity_id", conf.ServerID))
}

// handleDropped flags the entity of an undeliverable operation as stale.
// The local edit is kept.
func (c *Coordinator) handleDropped(drop syncqueue.Drop) {
	op := drop.Operation
	switch op.Collection {
	case domain.CollectionNodes, domain.CollectionLinks:
		if id := op.EntityID(); id != "" {
			c.store.MarkStale(op.Collection, id)
		}
	}
	c.logger.Warn("local change could not be synced",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("collection", string(op.Collection)),
		zap.String("entity_id", op.EntityID()),
		zap.Error(drop.Err))
	c.sample()
}

// ============================================================================
// STATUS
// ============================================================================

// Status samples and returns the current status.
func (c *Coordinator) Status() Status {
	return c.sample()
}

// OnStatus registers fn to run whenever a sample differs from the last.
func (c *Coordinator) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SetStatusInterval changes the sampling period of a running coordinator.
func (c *Coordinator) SetStatusInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-c.interval:
	default:
	}
	c.interval <- d
}

func (c *Coordinator) statusLoop(stop, done chan struct{}) {
	defer close(done)

	interval := c.config.StatusInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-stop:
			return
		case d := <-c.interval:
			if d != interval {
				interval = d
				ticker.Reset(d)
				c.logger.Info("status interval changed", zap.Duration("status_interval", d))
			}
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Coordinator) sample() Status {
	stale := c.store.Stale()
	st := Status{
		QueueLength: c.queue.Len(),
		Syncing:     c.queue.Syncing(),
		FeedState:   c.reconciler.State(),
		WorkspaceID: c.store.WorkspaceID(),
		StaleCount:  len(stale),
		Stale:       stale,
		SampledAt:   time.Now().UTC(),
	}
	if c.metrics != nil {
		c.metrics.StaleCount.Set(float64(st.StaleCount))
		c.metrics.QueueDepth.Set(float64(st.QueueLength))
	}

	c.mu.Lock()
	changed := !st.equal(c.status)
	c.status = st
	var listeners []func(Status)
	if changed {
		listeners = append(listeners, c.listeners...)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
	return st
}

// ============================================================================
// CONFIGURATION
// ============================================================================

// WatchConfig applies reloaded settings: the log level and the status
// interval take effect without a restart.
func (c *Coordinator) WatchConfig(w *config.Watcher, level zap.AtomicLevel) {
	w.OnChange(func(old, updated *config.Config) {
		if old.LogLevel != updated.LogLevel {
			if err := observability.SetLevel(level, updated.LogLevel); err != nil {
				c.logger.Warn("ignoring invalid log level", zap.String("log_level", updated.LogLevel), zap.Error(err))
			} else {
				c.logger.Info("log level changed", zap.String("log_level", updated.LogLevel))
			}
		}
		if old.Coordinator.StatusInterval != updated.Coordinator.StatusInterval {
			c.SetStatusInterval(updated.Coordinator.StatusInterval)
		}
	})
}
