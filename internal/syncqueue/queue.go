// Package syncqueue implements the durable outbound operation queue.
//
// Every mutation accepted by the queue is persisted before Enqueue returns
// and delivered to the remote store in acceptance order by a single drain
// worker. A failing head blocks the operations behind it: it is retried
// with exponential backoff (base, 2*base, 4*base, ...) until it succeeds or
// reaches the retry ceiling, at which point it is dropped and reported to
// OnDropped observers. Operations that can never be delivered (unknown
// collection or kind, missing id) are dropped on first attempt.
//
// When a create is delivered the server-assigned id replaces the
// provisional id in every operation still queued, and OnConfirmed
// observers are told so they can rebind local state.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/infrastructure/observability"
)

// Config holds the queue settings.
type Config struct {
	StorageKey string
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultConfig returns the standard queue settings.
func DefaultConfig() Config {
	return Config{
		StorageKey: "dots_sync_queue",
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}
}

// Confirmation reports a delivered create and the id the server gave it.
type Confirmation struct {
	Collection    domain.Collection
	ProvisionalID string
	ServerID      string
	Row           domain.Fields
}

// Drop reports an operation removed without being delivered.
type Drop struct {
	Operation Operation
	Err       error
}

// SleepFunc suspends the drain worker between retries. It returns early
// with ctx.Err() when ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Queue.
type Option func(*Queue)

// WithSleep replaces the backoff sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(q *Queue) { q.sleep = sleep }
}

// WithClock replaces the clock used for acceptance timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMetrics records queue metrics on c.
func WithMetrics(c *observability.Collector) Option {
	return func(q *Queue) { q.metrics = c }
}

// WithTracer starts delivery spans from tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) { q.tracer = tracer }
}

// Queue is the durable operation queue. Create one per process with
// NewQueue; the zero value is not usable.
type Queue struct {
	storage Storage
	remote  Remote
	config  Config
	logger  *zap.Logger
	metrics *observability.Collector
	tracer  trace.Tracer
	sleep   SleepFunc
	now     func() time.Time

	// ctx bounds the drain worker; it ends only on Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	ops         []Operation
	initialized bool
	draining    bool
	closed      bool
	inflight    string
	settled     string
	changed     chan struct{}
	onConfirmed []func(Confirmation)
	onDropped   []func(Drop)
}

// NewQueue creates a queue persisting to storage and delivering to remote.
// Nothing is loaded until Initialize or the first Enqueue.
func NewQueue(storage Storage, remote Remote, config Config, logger *zap.Logger, opts ...Option) *Queue {
	defaults := DefaultConfig()
	if config.StorageKey == "" {
		config.StorageKey = defaults.StorageKey
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		storage: storage,
		remote:  remote,
		config:  config,
		logger:  logger.Named("syncqueue"),
		tracer:  otel.Tracer("dots-sync/syncqueue"),
		sleep:   sleepContext,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Backoff returns the delay before retry attempt n (n >= 1):
// base * 2^(n-1).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base * time.Duration(1<<(n-1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Initialize loads the persisted queue and starts draining it. Empty or
// unreadable storage yields an empty queue. Calling it again is a no-op.
func (q *Queue) Initialize(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.initLocked(ctx)
	q.kickLocked()
}

// Close stops the drain worker and waits for it to exit. An interrupted
// delivery stays at the head of the persisted queue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

// WaitIdle blocks until the queue is empty and the drain worker has
// exited, or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 && !q.draining {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OnConfirmed registers fn to run after each delivered create.
func (q *Queue) OnConfirmed(fn func(Confirmation)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onConfirmed = append(q.onConfirmed, fn)
}

// OnDropped registers fn to run after each dropped operation.
func (q *Queue) OnDropped(fn func(Drop)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDropped = append(q.onDropped, fn)
}

// ============================================================================
// CALLER API
// ============================================================================

// Enqueue appends intent to the queue and persists the queue before
// returning. It never waits on the network. Only an intent that can never
// be delivered is rejected; storage failures are logged, not returned.
func (q *Queue) Enqueue(ctx context.Context, intent Intent) (Operation, error) {
	op := newOperation(intent, q.now())
	if err := op.validate(); err != nil {
		return Operation{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.initLocked(ctx)
	q.ops = append(q.ops, op)
	_ = q.persistLocked(context.WithoutCancel(ctx))
	q.changedLocked()
	if q.metrics != nil {
		q.metrics.Enqueued.WithLabelValues(string(op.Collection), string(op.Kind)).Inc()
	}

	q.logger.Debug("operation enqueued",
		zap.String("operation_id", op.ID),
		zap.String("collection", string(op.Collection)),
		zap.String("kind", string(op.Kind)),
		zap.String("entity_id", op.EntityID()),
		zap.Int("queue_length", len(q.ops)))

	q.kickLocked()
	return op.clone(), nil
}

// Len returns the number of operations not yet delivered or dropped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Syncing reports whether the drain worker is running.
func (q *Queue) Syncing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Pending returns a copy of the queued operations, head first.
func (q *Queue) Pending() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.clone()
	}
	return out
}

// HasPending reports whether an operation targeting id in collection is
// still queued.
func (q *Queue) HasPending(collection domain.Collection, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Collection == collection && op.EntityID() == id {
			return true
		}
	}
	return false
}

// HasPendingCreate reports whether a create for id in collection is still
// queued.
func (q *Queue) HasPendingCreate(collection domain.Collection, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Kind == domain.KindCreate && op.Collection == collection && op.EntityID() == id {
			return true
		}
	}
	return false
}

// Rebind records that the entity provisionalID is known to the server as
// serverID. Queued creates for provisionalID are redundant and removed;
// every other reference is rewritten. A create currently being delivered
// is settled: if that delivery fails it is removed instead of retried.
func (q *Queue) Rebind(collection domain.Collection, provisionalID, serverID string) {
	if provisionalID == "" || serverID == "" || provisionalID == serverID {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rebindLocked(collection, provisionalID, serverID) {
		_ = q.persistLocked(context.Background())
		q.changedLocked()
	}
}

// Clear empties the queue and persists the empty queue.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.initLocked(ctx)
	dropped := len(q.ops)
	q.ops = nil
	err := q.persistLocked(context.WithoutCancel(ctx))
	q.changedLocked()

	q.logger.Info("queue cleared", zap.Int("dropped", dropped))
	return err
}

// ============================================================================
// DRAIN WORKER
// ============================================================================

// kickLocked starts the drain worker unless it is already running.
func (q *Queue) kickLocked() {
	if q.draining || q.closed || len(q.ops) == 0 {
		return
	}
	q.draining = true
	q.changedLocked()
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(q.ops) == 0 || q.ctx.Err() != nil {
			q.draining = false
			q.changedLocked()
			q.mu.Unlock()
			return
		}
		head := q.ops[0].clone()
		q.inflight = head.ID
		q.mu.Unlock()

		row, err := q.attempt(head)

		q.mu.Lock()
		q.inflight = ""
		settled := q.settled == head.ID
		q.settled = ""
		if len(q.ops) == 0 || q.ops[0].ID != head.ID {
			// Cleared while in flight.
			q.mu.Unlock()
			continue
		}

		switch {
		case err == nil:
			q.ops = q.ops[1:]
			confirmation := q.confirmLocked(head, row)
			_ = q.persistLocked(context.Background())
			q.changedLocked()
			confirmed := q.confirmedCallbacksLocked()
			q.mu.Unlock()

			if confirmation != nil {
				for _, fn := range confirmed {
					fn(*confirmation)
				}
			}

		case settled:
			q.ops = q.ops[1:]
			_ = q.persistLocked(context.Background())
			q.changedLocked()
			q.mu.Unlock()
			q.logger.Debug("create already confirmed by the server, not retrying",
				zap.String("operation_id", head.ID),
				zap.String("collection", string(head.Collection)))

		case q.ctx.Err() != nil && errors.Is(err, context.Canceled):
			q.draining = false
			q.changedLocked()
			q.mu.Unlock()
			return

		case apperrors.IsMalformed(err):
			q.dropHeadLocked(err, "malformed")

		default:
			q.ops[0].RetryCount++
			retries := q.ops[0].RetryCount
			if retries >= q.config.MaxRetries {
				q.dropHeadLocked(apperrors.Wrap(err, apperrors.ErrorTypePermanent, apperrors.CodeRetriesExhausted,
					"delivery failed after retries"), "retries_exhausted")
				continue
			}
			_ = q.persistLocked(context.Background())
			q.mu.Unlock()

			delay := Backoff(q.config.BaseDelay, retries)
			q.logger.Warn("delivery failed, retrying",
				zap.String("operation_id", head.ID),
				zap.String("collection", string(head.Collection)),
				zap.String("kind", string(head.Kind)),
				zap.Int("retry_count", retries),
				zap.Duration("delay", delay),
				zap.Error(err))

			if err := q.sleep(q.ctx, delay); err != nil {
				q.mu.Lock()
				q.draining = false
				q.changedLocked()
				q.mu.Unlock()
				return
			}
		}
	}
}

// attempt delivers op once inside a span and records the outcome.
func (q *Queue) attempt(op Operation) (domain.Fields, error) {
	ctx, span := q.tracer.Start(q.ctx, "syncqueue.deliver",
		trace.WithAttributes(
			attribute.String("sync.operation_id", op.ID),
			attribute.String("sync.collection", string(op.Collection)),
			attribute.String("sync.kind", string(op.Kind)),
			attribute.Int("sync.retry_count", op.RetryCount),
		))
	defer span.End()

	start := time.Now()
	row, err := deliver(ctx, q.remote, op)

	outcome := "delivered"
	if err != nil {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	q.metrics.ObserveDelivery(string(op.Collection), string(op.Kind), outcome, time.Since(start))
	return row, err
}

// dropHeadLocked removes the head, reports it, and releases q.mu.
func (q *Queue) dropHeadLocked(err error, reason string) {
	op := q.ops[0]
	q.ops = q.ops[1:]
	_ = q.persistLocked(context.Background())
	q.changedLocked()
	callbacks := append([]func(Drop){}, q.onDropped...)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.Dropped.WithLabelValues(string(op.Collection), reason).Inc()
	}
	q.logger.Error("operation dropped",
		zap.String("operation_id", op.ID),
		zap.String("collection", string(op.Collection)),
		zap.String("kind", string(op.Kind)),
		zap.String("entity_id", op.EntityID()),
		zap.Int("retry_count", op.RetryCount),
		zap.String("reason", reason),
		zap.Error(err))

	drop := Drop{Operation: op, Err: err}
	for _, fn := range callbacks {
		fn(drop)
	}
}

// confirmLocked rewrites references to a delivered create's provisional
// id. It returns nil when the operation was not a create.
func (q *Queue) confirmLocked(op Operation, row domain.Fields) *Confirmation {
	if op.Kind != domain.KindCreate || row.ID() == "" {
		return nil
	}
	provisionalID := op.EntityID()
	if provisionalID != "" && provisionalID != row.ID() {
		q.rebindLocked(op.Collection, provisionalID, row.ID())
	}
	return &Confirmation{
		Collection:    op.Collection,
		ProvisionalID: provisionalID,
		ServerID:      row.ID(),
		Row:           row,
	}
}

func (q *Queue) rebindLocked(collection domain.Collection, provisionalID, serverID string) bool {
	changed := false
	kept := make([]Operation, 0, len(q.ops))
	for _, op := range q.ops {
		isCreate := op.Kind == domain.KindCreate && op.Collection == collection && op.EntityID() == provisionalID
		if isCreate && op.ID == q.inflight {
			q.settled = op.ID
			kept = append(kept, op)
			continue
		}
		if isCreate {
			changed = true
			continue
		}
		if op.rebind(collection, provisionalID, serverID) {
			changed = true
		}
		kept = append(kept, op)
	}
	q.ops = kept
	return changed
}

func (q *Queue) confirmedCallbacksLocked() []func(Confirmation) {
	return append([]func(Confirmation){}, q.onConfirmed...)
}

// ============================================================================
// PERSISTENCE
// ============================================================================

func (q *Queue) initLocked(ctx context.Context) {
	if q.initialized {
		return
	}
	q.initialized = true
	q.ops = append(q.loadLocked(ctx), q.ops...)
	q.changedLocked()

	q.logger.Info("queue initialized", zap.Int("pending", len(q.ops)))
}

func (q *Queue) loadLocked(ctx context.Context) []Operation {
	data, err := q.storage.Load(ctx, q.config.StorageKey)
	if err != nil {
		q.storageError("load", err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		q.storageError("load", err)
		return nil
	}
	return ops
}

// persistLocked writes the whole queue. Failures are logged and returned;
// the in-memory queue stays authoritative until the next successful write.
func (q *Queue) persistLocked(ctx context.Context) error {
	ops := q.ops
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err == nil {
		err = q.storage.Save(ctx, q.config.StorageKey, data)
	}
	if err != nil {
		q.storageError("save", err)
		return apperrors.NewStorage(apperrors.CodeStorageWrite, "failed to persist queue", err)
	}
	return nil
}

func (q *Queue) storageError(op string, err error) {
	if q.metrics != nil {
		q.metrics.StorageErrors.WithLabelValues(op).Inc()
	}
	if op == "load" {
		q.logger.Warn("queue storage unreadable, starting empty", zap.Error(err))
		return
	}
	q.logger.Error("failed to persist queue", zap.Error(err))
}

// changedLocked publishes a state change to WaitIdle callers and the
// depth gauge.
func (q *Queue) changedLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.ops)))
	}
}
