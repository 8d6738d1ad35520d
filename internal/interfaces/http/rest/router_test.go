package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dots-sync/internal/application/services"
	"dots-sync/internal/coordinator"
	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/identity"
	"dots-sync/internal/infrastructure/observability"
	"dots-sync/internal/reconcile"
	"dots-sync/internal/remote"
	"dots-sync/internal/store"
	"dots-sync/internal/syncqueue"
)

type nopFeed struct{}

func (nopFeed) Subscribe(context.Context, string, reconcile.Sink) (reconcile.Subscription, error) {
	return nopSubscription{}, nil
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }

type fixture struct {
	server *httptest.Server
	store  *store.Store
	queue  *syncqueue.Queue
	remote *remote.MemoryStore
	coord  *coordinator.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewCollector("dots_test")
	mem := remote.NewMemoryStore()

	q := syncqueue.NewQueue(syncqueue.NewMemoryStorage(), mem, syncqueue.DefaultConfig(), logger,
		syncqueue.WithSleep(func(context.Context, time.Duration) error { return nil }),
		syncqueue.WithMetrics(metrics))
	s := store.New(nil)
	rec := reconcile.New(s, q, nopFeed{}, logger, metrics)
	graph := services.NewGraphService(s, q, mem, identity.Static("u1"), logger)
	coord := coordinator.New(q, s, rec, graph, coordinator.Config{}, logger, metrics)

	router := NewRouter(graph, s, coord, metrics, logger, NewErrorHandler(logger, false), []string{"http://localhost:*"})
	server := httptest.NewServer(router.Setup())
	t.Cleanup(func() {
		server.Close()
		q.Close()
	})
	return &fixture{server: server, store: s, queue: q, remote: mem, coord: coord}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.WaitIdle(ctx))
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, float64(0), st["queue_length"])
	assert.Equal(t, "disconnected", st["feed_state"])
	assert.Equal(t, "", st["workspace_id"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "dots_test_queue_depth")
}

func TestMutationsRequireActiveWorkspace(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/nodes", `{"type":"action"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	er := decode[ErrorResponse](t, body)
	assert.Equal(t, string(apperrors.CodeNoActiveWorkspace), er.Code)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/graph", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestNodeAndLinkLifecycle(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/workspaces/w1/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[ActivateResponse](t, body).Loaded)

	resp, body = f.do(t, http.MethodPost, "/api/v1/nodes", `{"type":"action","title":"a","position":{"x":1,"y":2}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	a := decode[domain.Node](t, body)
	assert.True(t, domain.IsProvisional(a.ID))
	assert.Equal(t, "w1", a.WorkspaceID)
	assert.Equal(t, "u1", a.Owner)

	resp, body = f.do(t, http.MethodPost, "/api/v1/nodes", `{"type":"knowledge"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	b := decode[domain.Node](t, body)

	f.waitIdle(t)
	nodes := f.store.Nodes()
	require.Len(t, nodes, 2)
	aID, bID := nodes[0].ID, nodes[1].ID
	assert.NotEqual(t, a.ID, aID, "confirmed creates are rebound to server ids")
	assert.NotEqual(t, b.ID, bID)

	resp, body = f.do(t, http.MethodPost, "/api/v1/links", `{"from_node":"`+aID+`","to_node":"`+bID+`"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	link := decode[domain.Link](t, body)
	assert.Equal(t, aID, link.FromNode)

	resp, body = f.do(t, http.MethodPatch, "/api/v1/nodes/"+aID, `{"title":"renamed"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Equal(t, "renamed", decode[domain.Node](t, body).TitleOrEmpty())

	resp, body = f.do(t, http.MethodGet, "/api/v1/graph", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	graph := decode[GraphResponse](t, body)
	assert.Equal(t, "w1", graph.WorkspaceID)
	assert.Len(t, graph.Nodes, 2)
	assert.Len(t, graph.Links, 1)

	f.waitIdle(t)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/nodes/"+aID, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.waitIdle(t)

	_, ok := f.store.Node(aID)
	assert.False(t, ok)
	assert.Empty(t, f.store.Links(), "links of a deleted node are removed")
	_, ok = f.remote.Row(domain.CollectionNodes, aID)
	assert.False(t, ok)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/workspaces/w1/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"invalid json", http.MethodPost, "/api/v1/nodes", `{"type":`, http.StatusBadRequest},
		{"invalid node type", http.MethodPost, "/api/v1/nodes", `{"type":"nope"}`, http.StatusBadRequest},
		{"missing node", http.MethodPatch, "/api/v1/nodes/ghost", `{"title":"x"}`, http.StatusNotFound},
		{"immutable field", http.MethodPatch, "/api/v1/nodes/ghost", `{"owner":"x"}`, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, "/api/v1/links/ghost", `{}`, http.StatusBadRequest},
		{"link to missing node", http.MethodPost, "/api/v1/links", `{"from_node":"x","to_node":"y"}`, http.StatusNotFound},
		{"self link", http.MethodPost, "/api/v1/links", `{"from_node":"x","to_node":"x"}`, http.StatusBadRequest},
		{"provisional workspace", http.MethodPost, "/api/v1/workspaces/" + domain.NewProvisionalID() + "/activate", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			er := decode[ErrorResponse](t, body)
			assert.True(t, er.Error)
			assert.NotEmpty(t, er.RequestID)
		})
	}
}

func TestActivateOfflineStillActivates(t *testing.T) {
	f := newFixture(t)
	f.remote.FailWith(func(c remote.Call) error {
		if c.Op == "select" {
			return remote.ErrInjected
		}
		return nil
	})

	resp, body := f.do(t, http.MethodPost, "/api/v1/workspaces/w9/activate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ar := decode[ActivateResponse](t, body)
	assert.False(t, ar.Loaded)
	assert.NotEmpty(t, ar.Error)
	assert.Equal(t, "w9", f.store.WorkspaceID())
}

func TestWorkspaces(t *testing.T) {
	f := newFixture(t)
	f.remote.Seed(domain.CollectionWorkspaces, domain.Fields{"id": "w1", "owner": "u1", "title": "Old", "created_at": "2024-01-01T00:00:00Z"})
	f.remote.Seed(domain.CollectionWorkspaces, domain.Fields{"id": "w2", "owner": "someone-else", "title": "Theirs", "created_at": "2024-01-02T00:00:00Z"})

	resp, body := f.do(t, http.MethodPost, "/api/v1/workspaces", `{"title":"New"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	created := decode[domain.Workspace](t, body)
	assert.Equal(t, "New", created.Title)
	f.waitIdle(t)

	resp, body = f.do(t, http.MethodGet, "/api/v1/workspaces", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]domain.Workspace](t, body)
	require.Len(t, list, 2)
	assert.Equal(t, "New", list[0].Title, "newest first")
	assert.Equal(t, "w1", list[1].ID)

	resp, _ = f.do(t, http.MethodPatch, "/api/v1/workspaces/w1", `{"title":"Renamed"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/workspaces", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/workspaces/w1", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.waitIdle(t)

	_, ok := f.remote.Row(domain.CollectionWorkspaces, "w1")
	assert.False(t, ok)
}

func TestClearQueue(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodDelete, "/api/v1/queue", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, f.queue.Len())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/v1/nodes", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8081")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:8081", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusOf(apperrors.ErrorTypeValidation))
	assert.Equal(t, http.StatusNotFound, StatusOf(apperrors.ErrorTypeNotFound))
	assert.Equal(t, http.StatusConflict, StatusOf(apperrors.ErrorTypeConflict))
	assert.Equal(t, http.StatusServiceUnavailable, StatusOf(apperrors.ErrorTypeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(apperrors.ErrorTypePermanent))
}
