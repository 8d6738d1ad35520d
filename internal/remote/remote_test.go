package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/infrastructure/observability"
)

// ============================================================================
// MEMORY STORE
// ============================================================================

func TestMemoryStoreInsertAssignsServerID(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	row, err := m.Insert(ctx, domain.CollectionNodes, domain.Fields{
		"id":           "temp_1",
		"workspace_id": "w1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, row.ID())
	assert.False(t, domain.IsProvisional(row.ID()))
	assert.Equal(t, "w1", row.String("workspace_id"))

	stored, ok := m.Row(domain.CollectionNodes, row.ID())
	require.True(t, ok)
	assert.Equal(t, "w1", stored.String("workspace_id"))
}

func TestMemoryStoreUpdateAndDelete(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	m.Seed(domain.CollectionNodes, domain.Fields{"id": "n1", "title": "old"})

	require.NoError(t, m.Update(ctx, domain.CollectionNodes, "n1", domain.Fields{"id": "n1", "title": "new"}))
	row, _ := m.Row(domain.CollectionNodes, "n1")
	assert.Equal(t, "new", row.String("title"))

	require.NoError(t, m.Delete(ctx, domain.CollectionNodes, "n1"))
	_, ok := m.Row(domain.CollectionNodes, "n1")
	assert.False(t, ok)

	err := m.Delete(ctx, domain.CollectionNodes, "")
	assert.True(t, apperrors.IsMalformed(err))
}

func TestMemoryStoreUnknownCollectionIsMalformed(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Insert(context.Background(), domain.Collection("edges"), domain.Fields{})
	require.Error(t, err)
	assert.True(t, apperrors.IsMalformed(err))
	assert.Equal(t, apperrors.CodeUnknownCollection, apperrors.CodeOf(err))
}

func TestMemoryStoreOrdering(t *testing.T) {
	m := NewMemoryStore()
	m.Seed(domain.CollectionNodes, domain.Fields{"id": "b", "workspace_id": "w1", "created_at": "2024-01-02T00:00:00Z"})
	m.Seed(domain.CollectionNodes, domain.Fields{"id": "a", "workspace_id": "w1", "created_at": "2024-01-01T00:00:00Z"})
	m.Seed(domain.CollectionNodes, domain.Fields{"id": "c", "workspace_id": "w2", "created_at": "2024-01-01T00:00:00Z"})
	m.Seed(domain.CollectionWorkspaces, domain.Fields{"id": "w1", "owner": "u1", "created_at": "2024-01-01T00:00:00Z"})
	m.Seed(domain.CollectionWorkspaces, domain.Fields{"id": "w2", "owner": "u1", "created_at": "2024-02-01T00:00:00Z"})

	rows, err := m.SelectByWorkspace(context.Background(), domain.CollectionNodes, "w1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].ID())
	assert.Equal(t, "b", rows[1].ID())

	workspaces, err := m.ListWorkspaces(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, workspaces, 2)
	assert.Equal(t, "w2", workspaces[0].ID(), "workspaces are listed newest first")
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	m := NewMemoryStore()
	m.FailWith(func(c Call) error {
		if c.Op == "insert" {
			return ErrInjected
		}
		return nil
	})

	_, err := m.Insert(context.Background(), domain.CollectionNodes, domain.Fields{"workspace_id": "w1"})
	assert.ErrorIs(t, err, ErrInjected)
	assert.Len(t, m.Calls(), 1)

	m.FailWith(nil)
	_, err = m.Insert(context.Background(), domain.CollectionNodes, domain.Fields{"workspace_id": "w1"})
	assert.NoError(t, err)
}

// ============================================================================
// BREAKER
// ============================================================================

func TestBreakerStoreTripsAndRejects(t *testing.T) {
	m := NewMemoryStore()
	m.FailWith(func(Call) error { return ErrInjected })

	cfg := DefaultBreakerConfig("remote-test")
	cfg.MinRequests = 2
	cfg.FailureThreshold = 0.5
	cfg.Timeout = time.Hour
	metrics := observability.NewCollector("test")
	b := NewBreakerStore(m, cfg, zap.NewNop(), metrics)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err := b.Update(ctx, domain.CollectionNodes, "n1", domain.Fields{})
		assert.ErrorIs(t, err, ErrInjected)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Update(ctx, domain.CollectionNodes, "n1", domain.Fields{})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeCircuitOpen, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Len(t, m.Calls(), 2, "an open breaker does not reach the store")
}

func TestBreakerIgnoresMalformedFailures(t *testing.T) {
	m := NewMemoryStore()
	cfg := DefaultBreakerConfig("remote-test")
	cfg.MinRequests = 1
	cfg.FailureThreshold = 0.1
	b := NewBreakerStore(m, cfg, zap.NewNop(), nil)

	for i := 0; i < 3; i++ {
		_, err := b.Insert(context.Background(), domain.Collection("edges"), domain.Fields{})
		assert.True(t, apperrors.IsMalformed(err))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

// ============================================================================
// INSTRUMENTATION
// ============================================================================

func TestInstrumentedStoreRecordsCalls(t *testing.T) {
	m := NewMemoryStore()
	metrics := observability.NewCollector("test")
	s := NewInstrumentedStore(m, noop.NewTracerProvider().Tracer("test"), metrics, zap.NewNop())

	_, err := s.Insert(context.Background(), domain.CollectionLinks, domain.Fields{"workspace_id": "w1"})
	require.NoError(t, err)

	m.FailWith(func(Call) error { return ErrInjected })
	err = s.Delete(context.Background(), domain.CollectionLinks, "l1")
	assert.ErrorIs(t, err, ErrInjected)

	assert.Len(t, m.Calls(), 2)
}

// ============================================================================
// SUPABASE
// ============================================================================

func newSupabaseTestStore(t *testing.T, handler http.HandlerFunc) *SupabaseStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewSupabaseClient(server.URL, "anon-key", "")
	require.NoError(t, err)
	return NewSupabaseStore(client)
}

func TestSupabaseInsertStripsProvisionalID(t *testing.T) {
	var body map[string]any
	store := newSupabaseTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/nodes", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"srv_9","workspace_id":"w1"}]`))
	})

	row, err := store.Insert(context.Background(), domain.CollectionNodes, domain.Fields{
		"id":           "temp_1",
		"workspace_id": "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, "srv_9", row.ID())
	assert.NotContains(t, body, "id")
	assert.Equal(t, "w1", body["workspace_id"])
}

func TestSupabaseSelectByWorkspace(t *testing.T) {
	store := newSupabaseTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/links", r.URL.Path)
		assert.Equal(t, "eq.w1", r.URL.Query().Get("workspace_id"))
		assert.True(t, strings.HasPrefix(r.URL.Query().Get("order"), "created_at.asc"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"l1"},{"id":"l2"}]`))
	})

	rows, err := store.SelectByWorkspace(context.Background(), domain.CollectionLinks, "w1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "l1", rows[0].ID())
}

func TestSupabaseErrorsAreTransient(t *testing.T) {
	store := newSupabaseTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"XX000","message":"boom"}`))
	})

	err := store.Update(context.Background(), domain.CollectionNodes, "n1", domain.Fields{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeTransient, apperrors.TypeOf(err))
}

func TestSupabaseRejectsUnknownCollectionWithoutCalling(t *testing.T) {
	called := false
	store := newSupabaseTestStore(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	err := store.Delete(context.Background(), domain.Collection("edges"), "x")
	assert.True(t, apperrors.IsMalformed(err))
	assert.False(t, called)
}

func TestNewSupabaseClientRequiresCredentials(t *testing.T) {
	_, err := NewSupabaseClient("", "", "")
	require.Error(t, err)
	var syncErr *apperrors.SyncError
	assert.True(t, errors.As(err, &syncErr))
}
