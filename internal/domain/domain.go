// Package domain defines the entities synchronized between the client and
// the remote store: workspaces, the nodes they contain, and the directed
// links between those nodes.
//
// Entities are plain values whose JSON shape matches the remote row shape,
// so the same struct is used for optimistic local state, queued operation
// payloads and realtime snapshots. Free-form attributes (node content and
// properties, link and workspace metadata) are schema-less Fields maps.
//
// Identity rules:
//   - every entity has a globally unique id
//   - entities created locally carry a provisional id (prefix "temp_")
//     until the remote store confirms them under a server-assigned id
//   - updated_at is monotonically non-decreasing per entity and is the
//     last-writer-wins tie-breaker during reconciliation
package domain

import "fmt"

// Collection names a remote table holding one entity kind.
type Collection string

const (
	CollectionNodes      Collection = "nodes"
	CollectionLinks      Collection = "links"
	CollectionWorkspaces Collection = "workspaces"
)

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionNodes, CollectionLinks, CollectionWorkspaces:
		return true
	}
	return false
}

func (c Collection) String() string { return string(c) }

// ParseCollection converts a table name into a Collection.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// Kind is the mutation performed by a queued operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is a known mutation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
