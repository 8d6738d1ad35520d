package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// Call records one invocation of a MemoryStore.
type Call struct {
	Op         string
	Collection domain.Collection
	ID         string
	Row        domain.Fields
}

// MemoryStore is an in-memory Store. It assigns UUIDs on insert, records
// every call, and lets tests inject failures per call.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[domain.Collection]map[string]domain.Fields
	calls  []Call
	failFn func(Call) error
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory remote store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[domain.Collection]map[string]domain.Fields),
		now:    time.Now,
	}
}

// FailWith installs fn, consulted before every call. A non-nil result is
// returned to the caller and the call has no effect. Pass nil to stop
// injecting failures.
func (m *MemoryStore) FailWith(fn func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

// Calls returns every call made so far, failed ones included.
func (m *MemoryStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Seed stores row as-is, bypassing id assignment and call recording.
func (m *MemoryStore) Seed(collection domain.Collection, row domain.Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table(collection)[row.ID()] = row.Clone()
}

// Row returns the stored row for id.
func (m *MemoryStore) Row(collection domain.Collection, id string) (domain.Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[collection][id]
	return row.Clone(), ok
}

func (m *MemoryStore) table(collection domain.Collection) map[string]domain.Fields {
	t, ok := m.tables[collection]
	if !ok {
		t = make(map[string]domain.Fields)
		m.tables[collection] = t
	}
	return t
}

// begin records the call and returns the injected failure, if any.
// The caller must hold m.mu.
func (m *MemoryStore) begin(ctx context.Context, call Call) error {
	m.calls = append(m.calls, call)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkCollection(call.Collection); err != nil {
		return err
	}
	if m.failFn != nil {
		return m.failFn(call)
	}
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, collection domain.Collection, row domain.Fields) (domain.Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: "insert", Collection: collection, ID: row.ID(), Row: row.Clone()}); err != nil {
		return nil, err
	}

	stored := insertRow(row)
	if stored.ID() == "" {
		stored["id"] = uuid.NewString()
	}
	now := m.now().UTC().Format(time.RFC3339Nano)
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = now
	}
	if _, ok := stored["updated_at"]; !ok {
		stored["updated_at"] = now
	}
	m.table(collection)[stored.ID()] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, collection domain.Collection, id string, row domain.Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: "update", Collection: collection, ID: id, Row: row.Clone()}); err != nil {
		return err
	}
	if err := checkID(collection, id); err != nil {
		return err
	}

	// Like PostgREST, updating a missing row succeeds and changes nothing.
	existing, ok := m.table(collection)[id]
	if !ok {
		return nil
	}
	for k, v := range updateRow(row) {
		existing[k] = v
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection domain.Collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: "delete", Collection: collection, ID: id}); err != nil {
		return err
	}
	if err := checkID(collection, id); err != nil {
		return err
	}
	delete(m.table(collection), id)
	return nil
}

func (m *MemoryStore) SelectByWorkspace(ctx context.Context, collection domain.Collection, workspaceID string) ([]domain.Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: "select", Collection: collection, ID: workspaceID}); err != nil {
		return nil, err
	}
	return m.filterSorted(collection, "workspace_id", workspaceID, true), nil
}

func (m *MemoryStore) ListWorkspaces(ctx context.Context, owner string) ([]domain.Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(ctx, Call{Op: "list", Collection: domain.CollectionWorkspaces, ID: owner}); err != nil {
		return nil, err
	}
	return m.filterSorted(domain.CollectionWorkspaces, "owner", owner, false), nil
}

func (m *MemoryStore) filterSorted(collection domain.Collection, key, value string, ascending bool) []domain.Fields {
	var rows []domain.Fields
	for _, row := range m.tables[collection] {
		if row.String(key) == value {
			rows = append(rows, row.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := createdAt(rows[i]), createdAt(rows[j])
		if a.Equal(b) {
			return rows[i].ID() < rows[j].ID()
		}
		if ascending {
			return a.Before(b)
		}
		return a.After(b)
	})
	return rows
}

func createdAt(row domain.Fields) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, row.String("created_at"))
	return t
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SupabaseStore)(nil)
var _ Store = (*BreakerStore)(nil)
var _ Store = (*InstrumentedStore)(nil)

// ErrInjected is a convenience failure for tests.
var ErrInjected = apperrors.NewTransient("injected failure", nil)
