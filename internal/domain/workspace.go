package domain

import "time"

// Workspace is an owner-partitioned container of nodes and links.
type Workspace struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner" validate:"required"`
	Title     string    `json:"title" validate:"max=200"`
	Metadata  Fields    `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch shallow-merges updates into the workspace and refreshes updated_at.
func (w Workspace) Patch(updates Fields, now time.Time) (Workspace, error) {
	return mergePatch(w, updates, now)
}

// Validate checks the workspace's structural invariants.
func (w Workspace) Validate() error {
	return validateStruct(w)
}
