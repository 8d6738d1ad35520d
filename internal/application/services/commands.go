package services

import (
	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// CreateNodeCommand describes a node to create in the active workspace.
type CreateNodeCommand struct {
	Type       domain.NodeType  `json:"type" validate:"required,oneof=action knowledge custom"`
	Title      *string          `json:"title" validate:"omitempty,max=500"`
	Content    domain.Fields    `json:"content"`
	Position   domain.Position  `json:"position"`
	Style      domain.NodeStyle `json:"style"`
	Properties domain.Fields    `json:"properties"`
}

// CreateLinkCommand describes a link between two nodes of the active
// workspace.
type CreateLinkCommand struct {
	FromNode string        `json:"from_node" validate:"required"`
	ToNode   string        `json:"to_node" validate:"required,nefield=FromNode"`
	Label    *string       `json:"label" validate:"omitempty,max=200"`
	Metadata domain.Fields `json:"metadata"`
}

// CreateWorkspaceCommand describes a workspace to create.
type CreateWorkspaceCommand struct {
	Title    string        `json:"title" validate:"required,max=200"`
	Metadata domain.Fields `json:"metadata"`
}

func validateCommand(cmd any) error {
	if err := domain.Validator().Struct(cmd); err != nil {
		return apperrors.NewValidation("invalid command", err)
	}
	return nil
}

// immutableFields are never accepted in a patch.
var immutableFields = []string{"id", "workspace_id", "owner", "created_at", "updated_at"}

func checkPatch(updates domain.Fields) error {
	if len(updates) == 0 {
		return apperrors.NewValidation("patch is empty", nil)
	}
	for _, key := range immutableFields {
		if _, ok := updates[key]; ok {
			return apperrors.NewValidation("field "+key+" cannot be patched", nil)
		}
	}
	return nil
}
