package remote

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/infrastructure/observability"
)

// BreakerConfig holds configuration for the remote circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been observed.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerStore stops calling the remote store while it keeps failing.
// Rejected calls return an UNAVAILABLE error, which the queue retries
// with backoff like any other transient failure.
type BreakerStore struct {
	next    Store
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Collector
}

// NewBreakerStore wraps next with a circuit breaker. metrics may be nil.
func NewBreakerStore(next Store, config BreakerConfig, logger *zap.Logger, metrics *observability.Collector) *BreakerStore {
	b := &BreakerStore{
		next:    next,
		logger:  logger.Named("breaker"),
		metrics: metrics,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			b.recordState(name, to)
		},
		// Malformed operations and cancellations say nothing about the
		// health of the remote store.
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.IsMalformed(err) || errors.Is(err, context.Canceled)
		},
	})
	b.recordState(config.Name, gobreaker.StateClosed)
	return b
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) recordState(name string, state gobreaker.State) {
	if b.metrics == nil {
		return
	}
	b.metrics.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (b *BreakerStore) execute(op string, collection domain.Collection, fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.NewUnavailable(apperrors.CodeCircuitOpen, "remote store unavailable", err).
			WithOperation(op).
			WithResource(collection.String())
	}
	return result, err
}

func (b *BreakerStore) Insert(ctx context.Context, collection domain.Collection, row domain.Fields) (domain.Fields, error) {
	result, err := b.execute("insert", collection, func() (any, error) {
		return b.next.Insert(ctx, collection, row)
	})
	if err != nil {
		return nil, err
	}
	return result.(domain.Fields), nil
}

func (b *BreakerStore) Update(ctx context.Context, collection domain.Collection, id string, row domain.Fields) error {
	_, err := b.execute("update", collection, func() (any, error) {
		return nil, b.next.Update(ctx, collection, id, row)
	})
	return err
}

func (b *BreakerStore) Delete(ctx context.Context, collection domain.Collection, id string) error {
	_, err := b.execute("delete", collection, func() (any, error) {
		return nil, b.next.Delete(ctx, collection, id)
	})
	return err
}

func (b *BreakerStore) SelectByWorkspace(ctx context.Context, collection domain.Collection, workspaceID string) ([]domain.Fields, error) {
	result, err := b.execute("select", collection, func() (any, error) {
		return b.next.SelectByWorkspace(ctx, collection, workspaceID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Fields), nil
}

func (b *BreakerStore) ListWorkspaces(ctx context.Context, owner string) ([]domain.Fields, error) {
	result, err := b.execute("select", domain.CollectionWorkspaces, func() (any, error) {
		return b.next.ListWorkspaces(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Fields), nil
}
