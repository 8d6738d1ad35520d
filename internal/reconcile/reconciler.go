// Package reconcile merges entity snapshots pushed by the server into the
// optimistic local store.
//
// Merge rules, per event:
//
//	insert  unknown id: added, unless it is the server echo of a local
//	        provisional entity with a pending create and the same
//	        fingerprint, in which case that entity is rebound
//	update  discarded while a local operation for the id is queued;
//	        otherwise applied unless older than the local copy
//	delete  always applied, removing dependent links
//
// A malformed snapshot is logged and skipped. Subscriptions cover one
// workspace at a time; subscribing again tears down the previous one.
package reconcile

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/infrastructure/observability"
	"dots-sync/internal/store"
)

// EventType is the kind of change carried by a push event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one change pushed by the server. New carries the full row for
// inserts and updates; Old carries at least the id for deletes.
type Event struct {
	Type       EventType
	Collection domain.Collection
	New        domain.Fields
	Old        domain.Fields
}

// Sink receives what a feed subscription produces.
type Sink interface {
	HandleEvent(ev Event)
	HandleState(state FeedState, err error)
}

// Subscription is an open feed channel.
type Subscription interface {
	Close() error
}

// Feed opens per-workspace subscriptions on the push feed.
type Feed interface {
	Subscribe(ctx context.Context, workspaceID string, sink Sink) (Subscription, error)
}

// PendingQueue is what the reconciler needs to know about queued local
// operations.
type PendingQueue interface {
	HasPending(collection domain.Collection, id string) bool
	HasPendingCreate(collection domain.Collection, id string) bool
	Rebind(collection domain.Collection, provisionalID, serverID string)
}

// Reconciler owns the feed subscription and applies its events.
type Reconciler struct {
	store   *store.Store
	pending PendingQueue
	feed    Feed
	logger  *zap.Logger
	metrics *observability.Collector
	tracer  trace.Tracer

	mu          sync.Mutex
	state       FeedState
	workspaceID string
	sub         Subscription
	generation  uint64
	listeners   []func(FeedState)

	// apply serializes event application.
	apply sync.Mutex
}

// New creates a reconciler. metrics may be nil.
func New(s *store.Store, pending PendingQueue, feed Feed, logger *zap.Logger, metrics *observability.Collector) *Reconciler {
	return &Reconciler{
		store:   s,
		pending: pending,
		feed:    feed,
		logger:  logger.Named("reconcile"),
		metrics: metrics,
		tracer:  otel.Tracer("dots-sync/reconcile"),
	}
}

// ============================================================================
// SUBSCRIPTION LIFECYCLE
// ============================================================================

// State returns the current feed state.
func (r *Reconciler) State() FeedState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// WorkspaceID returns the subscribed workspace, or "".
func (r *Reconciler) WorkspaceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspaceID
}

// OnStateChange registers fn to run after every feed state change.
func (r *Reconciler) OnStateChange(fn func(FeedState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Subscribe scopes the feed to workspaceID, closing any previous
// subscription first.
func (r *Reconciler) Subscribe(ctx context.Context, workspaceID string) error {
	r.Unsubscribe()

	r.mu.Lock()
	r.workspaceID = workspaceID
	r.generation++
	gen := r.generation
	notify := r.setStateLocked(StateConnecting, nil)
	r.mu.Unlock()
	notify()

	sub, err := r.feed.Subscribe(ctx, workspaceID, &sink{r: r, generation: gen})

	r.mu.Lock()
	if gen != r.generation {
		// Superseded while connecting.
		r.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return err
	}
	if err != nil {
		notify = r.setStateLocked(StateErroring, err)
		r.mu.Unlock()
		notify()
		return err
	}
	r.sub = sub
	r.mu.Unlock()

	r.logger.Info("subscribed to workspace feed", zap.String("workspace_id", workspaceID))
	return nil
}

// Unsubscribe releases the feed channel. Events still in flight from it
// are ignored.
func (r *Reconciler) Unsubscribe() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.generation++
	workspaceID := r.workspaceID
	r.workspaceID = ""
	notify := func() {}
	if r.state != StateDisconnected {
		notify = r.setStateLocked(StateDisconnected, nil)
	}
	r.mu.Unlock()
	notify()

	if sub != nil {
		if err := sub.Close(); err != nil {
			r.logger.Warn("failed to close feed subscription", zap.Error(err))
		}
		r.logger.Info("unsubscribed from workspace feed", zap.String("workspace_id", workspaceID))
	}
}

// setStateLocked moves to state and returns a func notifying listeners,
// to be called after r.mu is released. Invalid transitions are logged and
// ignored.
func (r *Reconciler) setStateLocked(state FeedState, cause error) func() {
	if err := checkTransition(r.state, state); err != nil {
		r.logger.Debug("ignoring feed transition", zap.Error(err))
		return func() {}
	}
	from := r.state
	r.state = state

	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", state.String()),
		zap.String("workspace_id", r.workspaceID),
	}
	if cause != nil {
		r.logger.Warn("feed state changed", append(fields, zap.Error(cause))...)
	} else {
		r.logger.Info("feed state changed", fields...)
	}
	if r.metrics != nil {
		r.metrics.FeedState.Set(float64(state))
	}

	listeners := append([]func(FeedState){}, r.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(state)
		}
	}
}

// sink binds transport callbacks to one subscription generation.
type sink struct {
	r          *Reconciler
	generation uint64
}

func (s *sink) current() bool {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.generation == s.r.generation
}

func (s *sink) HandleEvent(ev Event) {
	if !s.current() {
		return
	}
	s.r.Apply(context.Background(), ev)
}

func (s *sink) HandleState(state FeedState, err error) {
	s.r.mu.Lock()
	if s.generation != s.r.generation {
		s.r.mu.Unlock()
		return
	}
	notify := s.r.setStateLocked(state, err)
	s.r.mu.Unlock()
	notify()
}

// ============================================================================
// EVENT APPLICATION
// ============================================================================

// Outcome describes what applying an event did.
type Outcome string

const (
	OutcomeAdded            Outcome = "added"
	OutcomeApplied          Outcome = "applied"
	OutcomeRebound          Outcome = "rebound"
	OutcomeRemoved          Outcome = "removed"
	OutcomeDiscardedPending Outcome = "discarded_pending"
	OutcomeDiscardedOlder   Outcome = "discarded_older"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeMalformed        Outcome = "malformed"
)

// Apply merges one event into the store and reports the outcome.
func (r *Reconciler) Apply(ctx context.Context, ev Event) Outcome {
	r.apply.Lock()
	defer r.apply.Unlock()

	_, span := r.tracer.Start(ctx, "reconcile.apply", trace.WithAttributes(
		attribute.String("sync.collection", string(ev.Collection)),
		attribute.String("sync.event", string(ev.Type)),
	))
	defer span.End()

	outcome, err := r.applyEvent(ev)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("skipping malformed feed event",
			zap.String("collection", string(ev.Collection)),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
	} else {
		r.logger.Debug("feed event applied",
			zap.String("collection", string(ev.Collection)),
			zap.String("event", string(ev.Type)),
			zap.String("outcome", string(outcome)))
	}
	span.SetAttributes(attribute.String("sync.outcome", string(outcome)))
	if r.metrics != nil {
		r.metrics.FeedEvents.WithLabelValues(string(ev.Collection), string(ev.Type), string(outcome)).Inc()
	}
	return outcome
}

func (r *Reconciler) applyEvent(ev Event) (Outcome, error) {
	switch ev.Collection {
	case domain.CollectionNodes, domain.CollectionLinks:
	case domain.CollectionWorkspaces:
		return OutcomeIgnored, nil
	default:
		return OutcomeMalformed, malformed("unknown collection " + string(ev.Collection))
	}

	switch ev.Type {
	case EventInsert, EventUpdate:
		if ev.Collection == domain.CollectionNodes {
			return r.applyNode(ev)
		}
		return r.applyLink(ev)
	case EventDelete:
		return r.applyDelete(ev)
	}
	return OutcomeMalformed, malformed("unknown event type " + string(ev.Type))
}

func (r *Reconciler) inScope(workspaceID string) bool {
	active := r.store.WorkspaceID()
	return active == "" || active == workspaceID
}

func (r *Reconciler) applyNode(ev Event) (Outcome, error) {
	incoming, err := domain.FromFields[domain.Node](ev.New)
	if err != nil {
		return OutcomeMalformed, malformedCause("undecodable node snapshot", err)
	}
	if incoming.ID == "" {
		return OutcomeMalformed, malformed("node snapshot without id")
	}
	if !r.inScope(incoming.WorkspaceID) {
		return OutcomeIgnored, nil
	}

	outcome := OutcomeApplied
	_, exists := r.store.Node(incoming.ID)
	if !exists && ev.Type == EventInsert {
		if provisionalID, ok := r.matchProvisionalNode(incoming); ok {
			r.store.RebindNode(provisionalID, incoming.ID)
			r.pending.Rebind(domain.CollectionNodes, provisionalID, incoming.ID)
			r.logger.Info("provisional node confirmed by feed",
				zap.String("provisional_id", provisionalID),
				zap.String("entity_id", incoming.ID))
			outcome = OutcomeRebound
			exists = true
		}
	}

	if !exists {
		if r.pending.HasPending(domain.CollectionNodes, incoming.ID) {
			return OutcomeDiscardedPending, nil
		}
		r.store.AddNode(incoming)
		r.store.ClearStale(domain.CollectionNodes, incoming.ID)
		return OutcomeAdded, nil
	}

	if r.pending.HasPending(domain.CollectionNodes, incoming.ID) {
		if outcome == OutcomeRebound {
			return outcome, nil
		}
		return OutcomeDiscardedPending, nil
	}
	local, _ := r.store.Node(incoming.ID)
	if incoming.UpdatedAt.Before(local.UpdatedAt) {
		if outcome == OutcomeRebound {
			return outcome, nil
		}
		return OutcomeDiscardedOlder, nil
	}
	r.store.AddNode(incoming)
	r.store.ClearStale(domain.CollectionNodes, incoming.ID)
	return outcome, nil
}

func (r *Reconciler) applyLink(ev Event) (Outcome, error) {
	incoming, err := domain.FromFields[domain.Link](ev.New)
	if err != nil {
		return OutcomeMalformed, malformedCause("undecodable link snapshot", err)
	}
	if incoming.ID == "" {
		return OutcomeMalformed, malformed("link snapshot without id")
	}
	if !r.inScope(incoming.WorkspaceID) {
		return OutcomeIgnored, nil
	}

	outcome := OutcomeApplied
	_, exists := r.store.Link(incoming.ID)
	if !exists && ev.Type == EventInsert {
		if provisionalID, ok := r.matchProvisionalLink(incoming); ok {
			r.store.RebindLink(provisionalID, incoming.ID)
			r.pending.Rebind(domain.CollectionLinks, provisionalID, incoming.ID)
			r.logger.Info("provisional link confirmed by feed",
				zap.String("provisional_id", provisionalID),
				zap.String("entity_id", incoming.ID))
			outcome = OutcomeRebound
			exists = true
		}
	}

	if !exists {
		if r.pending.HasPending(domain.CollectionLinks, incoming.ID) {
			return OutcomeDiscardedPending, nil
		}
		r.store.AddLink(incoming)
		r.store.ClearStale(domain.CollectionLinks, incoming.ID)
		return OutcomeAdded, nil
	}

	if r.pending.HasPending(domain.CollectionLinks, incoming.ID) {
		if outcome == OutcomeRebound {
			return outcome, nil
		}
		return OutcomeDiscardedPending, nil
	}
	local, _ := r.store.Link(incoming.ID)
	if incoming.UpdatedAt.Before(local.UpdatedAt) {
		if outcome == OutcomeRebound {
			return outcome, nil
		}
		return OutcomeDiscardedOlder, nil
	}
	r.store.AddLink(incoming)
	r.store.ClearStale(domain.CollectionLinks, incoming.ID)
	return outcome, nil
}

func (r *Reconciler) applyDelete(ev Event) (Outcome, error) {
	id := ev.Old.ID()
	if id == "" {
		id = ev.New.ID()
	}
	if id == "" {
		return OutcomeMalformed, malformed("delete event without id")
	}

	if ev.Collection == domain.CollectionNodes {
		removedLinks, ok := r.store.RemoveNode(id)
		if !ok && len(removedLinks) == 0 {
			return OutcomeIgnored, nil
		}
		return OutcomeRemoved, nil
	}
	if !r.store.RemoveLink(id) {
		return OutcomeIgnored, nil
	}
	return OutcomeRemoved, nil
}

// ============================================================================
// PROVISIONAL MATCHING
// ============================================================================

// matchProvisionalNode finds the local provisional node the incoming
// snapshot confirms: same workspace and owner, a create still queued, and
// identical type, title and position. Workspace and owner alone do not
// match: the same user on another device produces those too. An echo that
// misses (the node was edited before it arrived) is added as its own
// entity and merged when the create is confirmed.
func (r *Reconciler) matchProvisionalNode(incoming domain.Node) (string, bool) {
	for _, n := range r.store.Nodes() {
		if !domain.IsProvisional(n.ID) || n.WorkspaceID != incoming.WorkspaceID || n.Owner != incoming.Owner {
			continue
		}
		if n.Type != incoming.Type || n.TitleOrEmpty() != incoming.TitleOrEmpty() || n.Position != incoming.Position {
			continue
		}
		if r.pending.HasPendingCreate(domain.CollectionNodes, n.ID) {
			return n.ID, true
		}
	}
	return "", false
}

// matchProvisionalLink is matchProvisionalNode for links; the fingerprint
// is the endpoints and the label.
func (r *Reconciler) matchProvisionalLink(incoming domain.Link) (string, bool) {
	for _, l := range r.store.Links() {
		if !domain.IsProvisional(l.ID) || l.WorkspaceID != incoming.WorkspaceID || l.Owner != incoming.Owner {
			continue
		}
		if l.FromNode != incoming.FromNode || l.ToNode != incoming.ToNode || labelOf(l) != labelOf(incoming) {
			continue
		}
		if r.pending.HasPendingCreate(domain.CollectionLinks, l.ID) {
			return l.ID, true
		}
	}
	return "", false
}

func labelOf(l domain.Link) string {
	if l.Label == nil {
		return ""
	}
	return *l.Label
}

func malformed(msg string) error {
	return apperrors.NewMalformed(apperrors.CodeMalformedSnapshot, msg)
}

func malformedCause(msg string, cause error) error {
	return apperrors.Wrap(cause, apperrors.ErrorTypeMalformed, apperrors.CodeMalformedSnapshot, msg)
}
