// Package remote defines the authoritative remote store the sync engine
// converges with, and its implementations.
//
// The remote store is a set of tables (collections) exposing row-level
// insert, update-by-id, delete-by-id and select-by-workspace. Every call
// either succeeds or returns an error; no partial success is assumed.
//
// Implementations:
//   - SupabaseStore talks to a Supabase project over PostgREST
//   - MemoryStore keeps rows in memory and supports failure injection
//
// Decorators compose around any Store:
//   - BreakerStore trips a circuit breaker on sustained failure
//   - InstrumentedStore records metrics, traces and debug logs
package remote

import (
	"context"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// Store is the remote store consumed by the queue and the services.
type Store interface {
	// Insert creates a row and returns it as stored, including the
	// server-assigned id.
	Insert(ctx context.Context, collection domain.Collection, row domain.Fields) (domain.Fields, error)

	// Update overwrites the given fields of the row identified by id.
	Update(ctx context.Context, collection domain.Collection, id string, row domain.Fields) error

	// Delete removes the row identified by id.
	Delete(ctx context.Context, collection domain.Collection, id string) error

	// SelectByWorkspace returns the rows of a workspace ordered by
	// created_at ascending.
	SelectByWorkspace(ctx context.Context, collection domain.Collection, workspaceID string) ([]domain.Fields, error)

	// ListWorkspaces returns the owner's workspaces ordered by created_at
	// descending.
	ListWorkspaces(ctx context.Context, owner string) ([]domain.Fields, error)
}

// insertRow prepares a row for insertion. A provisional id is stripped so
// the server assigns the permanent one.
func insertRow(row domain.Fields) domain.Fields {
	out := row.Clone()
	if out == nil {
		out = domain.Fields{}
	}
	if id := out.ID(); id == "" || domain.IsProvisional(id) {
		delete(out, "id")
	}
	return out
}

// updateRow prepares a row for update-by-id. The id key is the filter, not
// a column to write.
func updateRow(row domain.Fields) domain.Fields {
	out := row.Clone()
	delete(out, "id")
	return out
}

func checkCollection(collection domain.Collection) error {
	if !collection.Valid() {
		return apperrors.NewMalformed(apperrors.CodeUnknownCollection,
			"unknown collection "+string(collection)).WithResource(string(collection))
	}
	return nil
}

func checkID(collection domain.Collection, id string) error {
	if id == "" {
		return apperrors.NewMalformed(apperrors.CodeMissingID,
			"operation on "+string(collection)+" requires an id")
	}
	return nil
}
