package remote

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	"dots-sync/internal/infrastructure/observability"
)

// InstrumentedStore records a span, a metric sample and a debug log line
// for every remote call.
type InstrumentedStore struct {
	next    Store
	tracer  trace.Tracer
	metrics *observability.Collector
	logger  *zap.Logger
}

// NewInstrumentedStore wraps next. metrics may be nil.
func NewInstrumentedStore(next Store, tracer trace.Tracer, metrics *observability.Collector, logger *zap.Logger) *InstrumentedStore {
	return &InstrumentedStore{
		next:    next,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.Named("remote"),
	}
}

func (s *InstrumentedStore) observe(ctx context.Context, op string, collection domain.Collection, id string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "remote."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("remote.collection", collection.String()),
			attribute.String("remote.entity_id", id),
		))
	start := time.Now()

	return ctx, func(err error) {
		elapsed := time.Since(start)
		s.metrics.ObserveRemoteCall(op, collection.String(), err, elapsed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Debug("remote call failed",
				zap.String("operation", op),
				zap.String("collection", collection.String()),
				zap.String("entity_id", id),
				zap.Duration("duration", elapsed),
				zap.Error(err))
		} else {
			span.SetStatus(codes.Ok, "")
			s.logger.Debug("remote call succeeded",
				zap.String("operation", op),
				zap.String("collection", collection.String()),
				zap.String("entity_id", id),
				zap.Duration("duration", elapsed))
		}
		span.End()
	}
}

func (s *InstrumentedStore) Insert(ctx context.Context, collection domain.Collection, row domain.Fields) (domain.Fields, error) {
	ctx, done := s.observe(ctx, "insert", collection, row.ID())
	inserted, err := s.next.Insert(ctx, collection, row)
	done(err)
	return inserted, err
}

func (s *InstrumentedStore) Update(ctx context.Context, collection domain.Collection, id string, row domain.Fields) error {
	ctx, done := s.observe(ctx, "update", collection, id)
	err := s.next.Update(ctx, collection, id, row)
	done(err)
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, collection domain.Collection, id string) error {
	ctx, done := s.observe(ctx, "delete", collection, id)
	err := s.next.Delete(ctx, collection, id)
	done(err)
	return err
}

func (s *InstrumentedStore) SelectByWorkspace(ctx context.Context, collection domain.Collection, workspaceID string) ([]domain.Fields, error) {
	ctx, done := s.observe(ctx, "select", collection, workspaceID)
	rows, err := s.next.SelectByWorkspace(ctx, collection, workspaceID)
	done(err)
	return rows, err
}

func (s *InstrumentedStore) ListWorkspaces(ctx context.Context, owner string) ([]domain.Fields, error) {
	ctx, done := s.observe(ctx, "list", domain.CollectionWorkspaces, owner)
	rows, err := s.next.ListWorkspaces(ctx, owner)
	done(err)
	return rows, err
}
