// Package store holds the optimistic local state of the active workspace.
//
// The store is what the rest of the client reads: local edits land here
// synchronously, before they are queued and long before the remote store
// confirms them. Every mutation is a deterministic state transition; the
// only outside input is the injected clock used to stamp updated_at.
//
// Nodes and links are kept in insertion order. Removing a node removes
// every link that starts or ends at it.
package store

import (
	"sort"
	"sync"
	"time"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// EntityRef names one entity.
type EntityRef struct {
	Collection domain.Collection `json:"collection"`
	ID         string            `json:"id"`
}

// Store is the optimistic local store. It is safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	workspaceID string
	nodes       map[string]domain.Node
	nodeOrder   []string
	links       map[string]domain.Link
	linkOrder   []string
	stale       map[EntityRef]struct{}
}

// New creates an empty store stamping patches with now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{now: now}
	s.resetLocked("")
	return s
}

// Reset discards all state and scopes the store to workspaceID.
func (s *Store) Reset(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(workspaceID)
}

func (s *Store) resetLocked(workspaceID string) {
	s.workspaceID = workspaceID
	s.nodes = make(map[string]domain.Node)
	s.nodeOrder = nil
	s.links = make(map[string]domain.Link)
	s.linkOrder = nil
	s.stale = make(map[EntityRef]struct{})
}

// WorkspaceID returns the workspace the store is scoped to.
func (s *Store) WorkspaceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspaceID
}

// ============================================================================
// NODES
// ============================================================================

// ReplaceNodes replaces every node. Links are left alone; callers replace
// them separately.
func (s *Store) ReplaceNodes(nodes []domain.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]domain.Node, len(nodes))
	s.nodeOrder = s.nodeOrder[:0]
	for _, n := range nodes {
		if _, dup := s.nodes[n.ID]; !dup {
			s.nodeOrder = append(s.nodeOrder, n.ID)
		}
		s.nodes[n.ID] = n.Clone()
	}
	s.clearStaleLocked(domain.CollectionNodes)
}

// AddNode inserts n, or replaces the node with the same id in place.
func (s *Store) AddNode(n domain.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[n.ID]; !ok {
		s.nodeOrder = append(s.nodeOrder, n.ID)
	}
	s.nodes[n.ID] = n.Clone()
}

// PatchNode shallow-merges updates into the node and stamps updated_at.
func (s *Store) PatchNode(id string, updates domain.Fields) (domain.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return domain.Node{}, apperrors.NewNotFound(apperrors.CodeNodeNotFound, id)
	}
	patched, err := n.Patch(updates, s.now())
	if err != nil {
		return domain.Node{}, err
	}
	s.nodes[id] = patched
	return patched.Clone(), nil
}

// RemoveNode removes the node and every link referencing it. It returns
// the ids of the removed links and whether the node existed.
func (s *Store) RemoveNode(id string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nodes[id]
	if ok {
		delete(s.nodes, id)
		s.nodeOrder = removeID(s.nodeOrder, id)
		delete(s.stale, EntityRef{domain.CollectionNodes, id})
	}

	var removed []string
	for _, linkID := range append([]string(nil), s.linkOrder...) {
		if s.links[linkID].References(id) {
			s.removeLinkLocked(linkID)
			removed = append(removed, linkID)
		}
	}
	return removed, ok
}

// Node returns the node with id.
func (s *Store) Node(id string) (domain.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n.Clone(), ok
}

// Nodes returns every node in insertion order.
func (s *Store) Nodes() []domain.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Node, 0, len(s.nodeOrder))
	for _, id := range s.nodeOrder {
		out = append(out, s.nodes[id].Clone())
	}
	return out
}

// RebindNode moves the node from a provisional id to its server id and
// repoints links. When the server id is already present the provisional
// copy is discarded. It reports whether anything changed.
func (s *Store) RebindNode(provisionalID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	if n, ok := s.nodes[provisionalID]; ok && provisionalID != serverID {
		delete(s.nodes, provisionalID)
		if _, exists := s.nodes[serverID]; exists {
			s.nodeOrder = removeID(s.nodeOrder, provisionalID)
		} else {
			n.ID = serverID
			s.nodes[serverID] = n
			s.nodeOrder = replaceID(s.nodeOrder, provisionalID, serverID)
		}
		s.moveStaleLocked(domain.CollectionNodes, provisionalID, serverID)
		changed = true
	}

	for id, l := range s.links {
		touched := false
		if l.FromNode == provisionalID {
			l.FromNode = serverID
			touched = true
		}
		if l.ToNode == provisionalID {
			l.ToNode = serverID
			touched = true
		}
		if touched {
			s.links[id] = l
			changed = true
		}
	}
	return changed
}

// ============================================================================
// LINKS
// ============================================================================

// ReplaceLinks replaces every link.
func (s *Store) ReplaceLinks(links []domain.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.links = make(map[string]domain.Link, len(links))
	s.linkOrder = s.linkOrder[:0]
	for _, l := range links {
		if _, dup := s.links[l.ID]; !dup {
			s.linkOrder = append(s.linkOrder, l.ID)
		}
		s.links[l.ID] = l.Clone()
	}
	s.clearStaleLocked(domain.CollectionLinks)
}

// AddLink inserts l, or replaces the link with the same id in place.
func (s *Store) AddLink(l domain.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[l.ID]; !ok {
		s.linkOrder = append(s.linkOrder, l.ID)
	}
	s.links[l.ID] = l.Clone()
}

// PatchLink shallow-merges updates into the link and stamps updated_at.
func (s *Store) PatchLink(id string, updates domain.Fields) (domain.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[id]
	if !ok {
		return domain.Link{}, apperrors.NewNotFound(apperrors.CodeLinkNotFound, id)
	}
	patched, err := l.Patch(updates, s.now())
	if err != nil {
		return domain.Link{}, err
	}
	s.links[id] = patched
	return patched.Clone(), nil
}

// RemoveLink removes the link. It reports whether it existed.
func (s *Store) RemoveLink(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; !ok {
		return false
	}
	s.removeLinkLocked(id)
	return true
}

func (s *Store) removeLinkLocked(id string) {
	delete(s.links, id)
	s.linkOrder = removeID(s.linkOrder, id)
	delete(s.stale, EntityRef{domain.CollectionLinks, id})
}

// Link returns the link with id.
func (s *Store) Link(id string) (domain.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	return l.Clone(), ok
}

// Links returns every link in insertion order.
func (s *Store) Links() []domain.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Link, 0, len(s.linkOrder))
	for _, id := range s.linkOrder {
		out = append(out, s.links[id].Clone())
	}
	return out
}

// LinksOf returns the links starting or ending at nodeID.
func (s *Store) LinksOf(nodeID string) []domain.Link {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Link
	for _, id := range s.linkOrder {
		if l := s.links[id]; l.References(nodeID) {
			out = append(out, l.Clone())
		}
	}
	return out
}

// RebindLink moves the link from a provisional id to its server id.
func (s *Store) RebindLink(provisionalID, serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[provisionalID]
	if !ok || provisionalID == serverID {
		return false
	}
	delete(s.links, provisionalID)
	if _, exists := s.links[serverID]; exists {
		s.linkOrder = removeID(s.linkOrder, provisionalID)
	} else {
		l.ID = serverID
		s.links[serverID] = l
		s.linkOrder = replaceID(s.linkOrder, provisionalID, serverID)
	}
	s.moveStaleLocked(domain.CollectionLinks, provisionalID, serverID)
	return true
}

// ============================================================================
// STALE FLAGS
// ============================================================================

// MarkStale flags an entity whose local edit could not be delivered. The
// flag is cleared by the next remote snapshot of the entity.
func (s *Store) MarkStale(collection domain.Collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale[EntityRef{collection, id}] = struct{}{}
}

// ClearStale removes the stale flag.
func (s *Store) ClearStale(collection domain.Collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stale, EntityRef{collection, id})
}

// IsStale reports whether the entity is flagged.
func (s *Store) IsStale(collection domain.Collection, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stale[EntityRef{collection, id}]
	return ok
}

// Stale lists the flagged entities, sorted by collection then id.
func (s *Store) Stale() []EntityRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EntityRef, 0, len(s.stale))
	for ref := range s.stale {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) clearStaleLocked(collection domain.Collection) {
	for ref := range s.stale {
		if ref.Collection == collection {
			delete(s.stale, ref)
		}
	}
}

func (s *Store) moveStaleLocked(collection domain.Collection, from, to string) {
	key := EntityRef{collection, from}
	if _, ok := s.stale[key]; ok {
		delete(s.stale, key)
		s.stale[EntityRef{collection, to}] = struct{}{}
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

func replaceID(ids []string, from, to string) []string {
	for i, v := range ids {
		if v == from {
			ids[i] = to
		}
	}
	return ids
}
