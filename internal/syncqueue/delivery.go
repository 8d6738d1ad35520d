package syncqueue

import (
	"context"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// Remote is the part of the remote store the queue delivers to.
type Remote interface {
	Insert(ctx context.Context, collection domain.Collection, row domain.Fields) (domain.Fields, error)
	Update(ctx context.Context, collection domain.Collection, id string, row domain.Fields) error
	Delete(ctx context.Context, collection domain.Collection, id string) error
}

// deliver performs the single remote call an operation maps to:
// create -> insert, update -> update by id, delete -> delete by id.
// For a create it returns the row as stored by the server.
func deliver(ctx context.Context, remote Remote, op Operation) (domain.Fields, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}

	switch op.Kind {
	case domain.KindCreate:
		return remote.Insert(ctx, op.Collection, op.Data)
	case domain.KindUpdate:
		return nil, remote.Update(ctx, op.Collection, op.EntityID(), op.Data)
	case domain.KindDelete:
		return nil, remote.Delete(ctx, op.Collection, op.EntityID())
	}
	return nil, apperrors.NewMalformed(apperrors.CodeUnknownKind, "unknown operation kind "+string(op.Kind))
}
