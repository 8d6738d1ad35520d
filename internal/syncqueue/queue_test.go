package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
	"dots-sync/internal/infrastructure/observability"
	"dots-sync/internal/remote"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

// gatedRemote delays every call until a token arrives on gate (when gate
// is non-nil) and tracks how many calls run at once.
type gatedRemote struct {
	*remote.MemoryStore
	gate      chan struct{}
	active    int32
	maxActive int32
}

func newGatedRemote(gated bool) *gatedRemote {
	g := &gatedRemote{MemoryStore: remote.NewMemoryStore()}
	if gated {
		g.gate = make(chan struct{}, 16)
	}
	return g
}

func (g *gatedRemote) enter(ctx context.Context) error {
	n := atomic.AddInt32(&g.active, 1)
	for {
		max := atomic.LoadInt32(&g.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&g.maxActive, max, n) {
			break
		}
	}
	if g.gate == nil {
		return nil
	}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedRemote) leave() { atomic.AddInt32(&g.active, -1) }

func (g *gatedRemote) release(n int) {
	for i := 0; i < n; i++ {
		g.gate <- struct{}{}
	}
}

func (g *gatedRemote) Insert(ctx context.Context, c domain.Collection, row domain.Fields) (domain.Fields, error) {
	defer g.leave()
	if err := g.enter(ctx); err != nil {
		return nil, err
	}
	return g.MemoryStore.Insert(ctx, c, row)
}

func (g *gatedRemote) Update(ctx context.Context, c domain.Collection, id string, row domain.Fields) error {
	defer g.leave()
	if err := g.enter(ctx); err != nil {
		return err
	}
	return g.MemoryStore.Update(ctx, c, id, row)
}

func (g *gatedRemote) Delete(ctx context.Context, c domain.Collection, id string) error {
	defer g.leave()
	if err := g.enter(ctx); err != nil {
		return err
	}
	return g.MemoryStore.Delete(ctx, c, id)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

const testBaseDelay = 10 * time.Millisecond

func newTestQueue(t *testing.T, storage Storage, r Remote, opts ...Option) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseDelay = testBaseDelay
	q := NewQueue(storage, r, cfg, zap.NewNop(), opts...)
	t.Cleanup(q.Close)
	return q
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

func persisted(t *testing.T, storage Storage) []Operation {
	t.Helper()
	data, err := storage.Load(context.Background(), DefaultConfig().StorageKey)
	require.NoError(t, err)
	var ops []Operation
	require.NoError(t, json.Unmarshal(data, &ops))
	return ops
}

func updateIntent(id string) Intent {
	return Intent{Kind: domain.KindUpdate, Collection: domain.CollectionNodes, Data: domain.Fields{"id": id, "title": "t-" + id}}
}

// ============================================================================
// ENQUEUE AND PERSISTENCE
// ============================================================================

func TestEnqueuePersistsBeforeReturning(t *testing.T) {
	storage := NewMemoryStorage()
	r := newGatedRemote(true)
	q := newTestQueue(t, storage, r)

	op, err := q.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, 0, op.RetryCount)
	assert.NotZero(t, op.Timestamp)
	assert.Equal(t, 1, q.Len())

	ops := persisted(t, storage)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Equal(t, domain.KindUpdate, ops[0].Kind)
	assert.Equal(t, domain.CollectionNodes, ops[0].Collection)
	assert.Equal(t, "n1", ops[0].EntityID())
}

func TestPersistedRecordShape(t *testing.T) {
	storage := NewMemoryStorage()
	q := newTestQueue(t, storage, newGatedRemote(true))

	_, err := q.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)

	data, err := storage.Load(context.Background(), "dots_sync_queue")
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	for _, key := range []string{"id", "kind", "collection", "data", "timestamp", "retryCount"} {
		assert.Contains(t, records[0], key)
	}
}

func TestPersistenceRoundTripAcrossRestart(t *testing.T) {
	storage := NewMemoryStorage()
	first := NewQueue(storage, newGatedRemote(true), DefaultConfig(), zap.NewNop())
	op, err := first.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)
	first.Close()

	restarted := newTestQueue(t, storage, newGatedRemote(true))
	restarted.Initialize(context.Background())

	pending := restarted.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, op.ID, pending[0].ID)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Equal(t, "n1", pending[0].EntityID())
}

func TestInitializeDrainsRestoredOperations(t *testing.T) {
	storage := NewMemoryStorage()
	first := NewQueue(storage, newGatedRemote(true), DefaultConfig(), zap.NewNop())
	_, err := first.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)
	first.Close()

	r := newGatedRemote(false)
	q := newTestQueue(t, storage, r)
	q.Initialize(context.Background())
	waitIdle(t, q)

	require.Len(t, r.Calls(), 1)
	assert.Equal(t, "n1", r.Calls()[0].ID)
	assert.Empty(t, persisted(t, storage))
}

func TestUnreadableStorageStartsEmpty(t *testing.T) {
	t.Run("load error", func(t *testing.T) {
		storage := NewMemoryStorage()
		storage.FailLoad(errors.New("disk gone"))
		q := newTestQueue(t, storage, newGatedRemote(false))

		q.Initialize(context.Background())
		assert.Equal(t, 0, q.Len())
	})

	t.Run("corrupt record", func(t *testing.T) {
		storage := NewMemoryStorage()
		require.NoError(t, storage.Save(context.Background(), "dots_sync_queue", []byte("{not json")))
		q := newTestQueue(t, storage, newGatedRemote(false))

		q.Initialize(context.Background())
		assert.Equal(t, 0, q.Len())

		_, err := q.Enqueue(context.Background(), updateIntent("n1"))
		require.NoError(t, err)
		waitIdle(t, q)
		assert.Empty(t, persisted(t, storage))
	})
}

func TestStorageWriteFailureDoesNotFailEnqueue(t *testing.T) {
	storage := NewMemoryStorage()
	storage.FailSave(errors.New("read-only filesystem"))
	metrics := observability.NewCollector("test")
	q := newTestQueue(t, storage, newGatedRemote(true), WithMetrics(metrics))

	_, err := q.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueueRejectsUndeliverableIntent(t *testing.T) {
	q := newTestQueue(t, NewMemoryStorage(), newGatedRemote(false))

	tests := []struct {
		name   string
		intent Intent
		code   apperrors.ErrorCode
	}{
		{"unknown collection", Intent{Kind: domain.KindCreate, Collection: "edges", Data: domain.Fields{}}, apperrors.CodeUnknownCollection},
		{"unknown kind", Intent{Kind: "upsert", Collection: domain.CollectionNodes, Data: domain.Fields{"id": "n1"}}, apperrors.CodeUnknownKind},
		{"update without id", Intent{Kind: domain.KindUpdate, Collection: domain.CollectionNodes, Data: domain.Fields{}}, apperrors.CodeMissingID},
		{"delete without id", Intent{Kind: domain.KindDelete, Collection: domain.CollectionLinks}, apperrors.CodeMissingID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.intent)
			require.Error(t, err)
			assert.True(t, apperrors.IsMalformed(err))
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
	assert.Equal(t, 0, q.Len())
}

// ============================================================================
// DRAINING
// ============================================================================

func TestDeliveryIsFIFO(t *testing.T) {
	r := newGatedRemote(false)
	q := newTestQueue(t, NewMemoryStorage(), r)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), updateIntent(fmt.Sprintf("n%d", i)))
		require.NoError(t, err)
	}
	waitIdle(t, q)

	calls := r.Calls()
	require.Len(t, calls, 5)
	for i, call := range calls {
		assert.Equal(t, fmt.Sprintf("n%d", i), call.ID)
		assert.Equal(t, "update", call.Op)
	}
	assert.Equal(t, 0, q.Len())
}

func TestDeliveryMapping(t *testing.T) {
	r := newGatedRemote(false)
	q := newTestQueue(t, NewMemoryStorage(), r)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Intent{Kind: domain.KindCreate, Collection: domain.CollectionWorkspaces, Data: domain.Fields{"id": "temp_w", "owner": "u1"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Intent{Kind: domain.KindUpdate, Collection: domain.CollectionLinks, Data: domain.Fields{"id": "l1", "label": "x"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Intent{Kind: domain.KindDelete, Collection: domain.CollectionNodes, Data: domain.Fields{"id": "n1"}})
	require.NoError(t, err)
	waitIdle(t, q)

	calls := r.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "insert", calls[0].Op)
	assert.Equal(t, domain.CollectionWorkspaces, calls[0].Collection)
	assert.Equal(t, "update", calls[1].Op)
	assert.Equal(t, "l1", calls[1].ID)
	assert.Equal(t, "delete", calls[2].Op)
	assert.Equal(t, "n1", calls[2].ID)
}

func TestFailingHeadBlocksLaterOperations(t *testing.T) {
	r := newGatedRemote(false)
	failures := 0
	r.FailWith(func(c remote.Call) error {
		if c.ID == "n1" && failures < 2 {
			failures++
			return remote.ErrInjected
		}
		return nil
	})
	sleeps := &sleepRecorder{}
	q := newTestQueue(t, NewMemoryStorage(), r, WithSleep(sleeps.sleep))

	_, err := q.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), updateIntent("n2"))
	require.NoError(t, err)
	waitIdle(t, q)

	var order []string
	for _, c := range r.Calls() {
		order = append(order, c.ID)
	}
	assert.Equal(t, []string{"n1", "n1", "n1", "n2"}, order)
	assert.Equal(t, []time.Duration{testBaseDelay, 2 * testBaseDelay}, sleeps.recorded())
}

func TestRetryCeilingDropsOperation(t *testing.T) {
	r := newGatedRemote(false)
	r.FailWith(func(c remote.Call) error {
		if c.ID == "n1" {
			return remote.ErrInjected
		}
		return nil
	})
	sleeps := &sleepRecorder{}
	storage := NewMemoryStorage()
	q := newTestQueue(t, storage, r, WithSleep(sleeps.sleep))

	var drops []Drop
	var mu sync.Mutex
	q.OnDropped(func(d Drop) {
		mu.Lock()
		defer mu.Unlock()
		drops = append(drops, d)
	})

	_, err := q.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), updateIntent("n2"))
	require.NoError(t, err)
	waitIdle(t, q)

	attempts := 0
	for _, c := range r.Calls() {
		if c.ID == "n1" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{testBaseDelay, 2 * testBaseDelay}, sleeps.recorded())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, persisted(t, storage))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, drops, 1)
	assert.Equal(t, "n1", drops[0].Operation.EntityID())
	assert.Equal(t, 3, drops[0].Operation.RetryCount)
	assert.Equal(t, apperrors.CodeRetriesExhausted, apperrors.CodeOf(drops[0].Err))
	assert.ErrorIs(t, drops[0].Err, remote.ErrInjected)
}

func TestRetryCeilingDecreasesLengthByOne(t *testing.T) {
	r := newGatedRemote(true)
	r.FailWith(func(remote.Call) error { return remote.ErrInjected })
	q := newTestQueue(t, NewMemoryStorage(), r, WithSleep((&sleepRecorder{}).sleep))

	lengths := make(chan int, 3)
	q.OnDropped(func(Drop) { lengths <- q.Len() })

	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := q.Enqueue(context.Background(), updateIntent(id))
		require.NoError(t, err)
	}
	r.release(9)
	waitIdle(t, q)

	assert.Equal(t, 2, <-lengths)
	assert.Equal(t, 1, <-lengths)
	assert.Equal(t, 0, <-lengths)
}

func TestMalformedOperationDroppedWithoutRetry(t *testing.T) {
	storage := NewMemoryStorage()
	bad := []Operation{
		{ID: "op1", Kind: domain.KindCreate, Collection: "edges", Data: domain.Fields{}},
		{ID: "op2", Kind: domain.KindUpdate, Collection: domain.CollectionNodes, Data: domain.Fields{"id": "n1"}},
	}
	data, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, storage.Save(context.Background(), "dots_sync_queue", data))

	r := newGatedRemote(false)
	sleeps := &sleepRecorder{}
	q := newTestQueue(t, storage, r, WithSleep(sleeps.sleep))

	var drops []Drop
	var mu sync.Mutex
	q.OnDropped(func(d Drop) {
		mu.Lock()
		defer mu.Unlock()
		drops = append(drops, d)
	})

	q.Initialize(context.Background())
	waitIdle(t, q)

	assert.Empty(t, sleeps.recorded())
	require.Len(t, r.Calls(), 1, "only the well-formed operation reaches the remote store")
	assert.Equal(t, "n1", r.Calls()[0].ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, drops, 1)
	assert.Equal(t, "op1", drops[0].Operation.ID)
	assert.True(t, apperrors.IsMalformed(drops[0].Err))
}

func TestSingleDrainWorker(t *testing.T) {
	r := newGatedRemote(false)
	q := newTestQueue(t, NewMemoryStorage(), r)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), updateIntent(fmt.Sprintf("n%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	waitIdle(t, q)

	assert.Len(t, r.Calls(), 20)
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.maxActive))
	assert.False(t, q.Syncing())
}

func TestClearEmptiesAndPersists(t *testing.T) {
	storage := NewMemoryStorage()
	q := newTestQueue(t, storage, newGatedRemote(true))

	for _, id := range []string{"n1", "n2", "n3"} {
		_, err := q.Enqueue(context.Background(), updateIntent(id))
		require.NoError(t, err)
	}
	require.Equal(t, 3, q.Len())

	require.NoError(t, q.Clear(context.Background()))
	assert.Equal(t, 0, q.Len())

	data, err := storage.Load(context.Background(), "dots_sync_queue")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
}

// ============================================================================
// CONFIRMATION AND REBINDING
// ============================================================================

func TestCreateConfirmationRebindsQueuedReferences(t *testing.T) {
	r := newGatedRemote(true)
	q := newTestQueue(t, NewMemoryStorage(), r)
	ctx := context.Background()

	confirmed := make(chan Confirmation, 2)
	q.OnConfirmed(func(c Confirmation) { confirmed <- c })

	_, err := q.Enqueue(ctx, Intent{Kind: domain.KindCreate, Collection: domain.CollectionNodes,
		Data: domain.Fields{"id": "temp_a", "workspace_id": "w1"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Intent{Kind: domain.KindUpdate, Collection: domain.CollectionNodes,
		Data: domain.Fields{"id": "temp_a", "title": "renamed"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Intent{Kind: domain.KindCreate, Collection: domain.CollectionLinks,
		Data: domain.Fields{"id": "temp_l", "from_node": "temp_a", "to_node": "n2", "workspace_id": "w1"}})
	require.NoError(t, err)

	r.release(3)
	waitIdle(t, q)

	c := <-confirmed
	assert.Equal(t, "temp_a", c.ProvisionalID)
	assert.False(t, domain.IsProvisional(c.ServerID))

	calls := r.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, c.ServerID, calls[1].ID, "queued update targets the server id")
	assert.Equal(t, c.ServerID, calls[2].Row.String("from_node"), "queued link points at the server id")
	assert.Equal(t, "n2", calls[2].Row.String("to_node"))
}

func TestRebindPurgesRedundantCreates(t *testing.T) {
	r := newGatedRemote(true)
	q := newTestQueue(t, NewMemoryStorage(), r)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, updateIntent("busy"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Intent{Kind: domain.KindCreate, Collection: domain.CollectionNodes,
		Data: domain.Fields{"id": "temp_1"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, updateIntent("temp_1"))
	require.NoError(t, err)

	q.Rebind(domain.CollectionNodes, "temp_1", "srv_9")

	assert.False(t, q.HasPendingCreate(domain.CollectionNodes, "temp_1"))
	assert.False(t, q.HasPending(domain.CollectionNodes, "temp_1"))
	assert.True(t, q.HasPending(domain.CollectionNodes, "srv_9"))
	assert.Equal(t, 2, q.Len())
}

func TestRebindSettlesInflightCreate(t *testing.T) {
	r := newGatedRemote(true)
	r.FailWith(func(c remote.Call) error {
		if c.Op == "insert" {
			return remote.ErrInjected
		}
		return nil
	})
	sleeps := &sleepRecorder{}
	q := newTestQueue(t, NewMemoryStorage(), r, WithSleep(sleeps.sleep))

	dropped := int32(0)
	q.OnDropped(func(Drop) { atomic.AddInt32(&dropped, 1) })

	_, err := q.Enqueue(context.Background(), Intent{Kind: domain.KindCreate, Collection: domain.CollectionNodes,
		Data: domain.Fields{"id": "temp_1"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.inflight != ""
	}, time.Second, time.Millisecond)

	q.Rebind(domain.CollectionNodes, "temp_1", "srv_9")
	r.release(1)
	waitIdle(t, q)

	assert.Empty(t, sleeps.recorded(), "a settled create is not retried")
	assert.Equal(t, int32(0), atomic.LoadInt32(&dropped))
	assert.Equal(t, 0, q.Len())
}

func TestCloseLeavesInterruptedHeadQueued(t *testing.T) {
	storage := NewMemoryStorage()
	q := NewQueue(storage, newGatedRemote(true), DefaultConfig(), zap.NewNop())

	_, err := q.Enqueue(context.Background(), updateIntent("n1"))
	require.NoError(t, err)
	q.Close()

	ops := persisted(t, storage)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].RetryCount)
}
