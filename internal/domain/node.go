package domain

import "time"

// NodeType enumerates the kinds of node a workspace can hold.
type NodeType string

const (
	NodeTypeAction    NodeType = "action"
	NodeTypeKnowledge NodeType = "knowledge"
	NodeTypeCustom    NodeType = "custom"
)

// NodeStyle holds presentation attributes of a node.
type NodeStyle struct {
	Color string  `json:"color,omitempty"`
	Size  float64 `json:"size,omitempty" validate:"gte=0"`
	Shape string  `json:"shape,omitempty" validate:"omitempty,oneof=circle square diamond"`
}

// Node is a point on a workspace canvas.
type Node struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id" validate:"required"`
	Owner       string    `json:"owner" validate:"required"`
	Type        NodeType  `json:"type" validate:"required,oneof=action knowledge custom"`
	Title       *string   `json:"title"`
	Content     Fields    `json:"content"`
	Position    Position  `json:"position"`
	Style       NodeStyle `json:"style"`
	Properties  Fields    `json:"properties"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TitleOrEmpty returns the node title, or "" for untitled nodes.
func (n Node) TitleOrEmpty() string {
	if n.Title == nil {
		return ""
	}
	return *n.Title
}

// Tags returns the tag set stored in the node properties.
func (n Node) Tags() []string {
	return n.Properties.StringSlice("tags")
}

// Patch shallow-merges updates into the node and refreshes updated_at.
func (n Node) Patch(updates Fields, now time.Time) (Node, error) {
	return mergePatch(n, updates, now)
}

// Clone returns a copy that shares no maps with n.
func (n Node) Clone() Node {
	c := n
	c.Content = n.Content.Clone()
	c.Properties = n.Properties.Clone()
	if n.Title != nil {
		t := *n.Title
		c.Title = &t
	}
	return c
}

// Validate checks the node's structural invariants.
func (n Node) Validate() error {
	return validateStruct(n)
}
