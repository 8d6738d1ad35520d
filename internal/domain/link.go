package domain

import "time"

// Link is a directed connection between two nodes of the same workspace.
type Link struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id" validate:"required"`
	Owner       string    `json:"owner" validate:"required"`
	FromNode    string    `json:"from_node" validate:"required"`
	ToNode      string    `json:"to_node" validate:"required"`
	Label       *string   `json:"label"`
	Metadata    Fields    `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// References reports whether the link starts or ends at nodeID.
func (l Link) References(nodeID string) bool {
	return l.FromNode == nodeID || l.ToNode == nodeID
}

// Patch shallow-merges updates into the link and refreshes updated_at.
func (l Link) Patch(updates Fields, now time.Time) (Link, error) {
	return mergePatch(l, updates, now)
}

// Clone returns a copy that shares no maps with l.
func (l Link) Clone() Link {
	c := l
	c.Metadata = l.Metadata.Clone()
	if l.Label != nil {
		s := *l.Label
		c.Label = &s
	}
	return c
}

// Validate checks the link's structural invariants.
func (l Link) Validate() error {
	return validateStruct(l)
}
