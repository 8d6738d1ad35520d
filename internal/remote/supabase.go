package remote

import (
	"context"
	"fmt"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"dots-sync/internal/domain"
	apperrors "dots-sync/internal/errors"
)

// SupabaseStore is a Store backed by a Supabase project's PostgREST API.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseClient creates the Supabase client shared by the remote store
// and the identity provider. A non-empty accessToken makes PostgREST calls
// on behalf of that user so row-level security applies.
func NewSupabaseClient(url, key, accessToken string) (*supabase.Client, error) {
	if url == "" || key == "" {
		return nil, apperrors.NewUnavailable(apperrors.CodeRemoteError,
			"supabase url and key are required", nil)
	}
	var opts *supabase.ClientOptions
	if accessToken != "" {
		opts = &supabase.ClientOptions{
			Headers: map[string]string{"Authorization": "Bearer " + accessToken},
		}
	}
	client, err := supabase.NewClient(url, key, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return client, nil
}

// NewSupabaseStore wraps an existing client.
func NewSupabaseStore(client *supabase.Client) *SupabaseStore {
	return &SupabaseStore{client: client}
}

func (s *SupabaseStore) Insert(ctx context.Context, collection domain.Collection, row domain.Fields) (domain.Fields, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var inserted []domain.Fields
	_, err := s.client.From(collection.String()).
		Insert(insertRow(row), false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return nil, remoteError("insert", collection, err)
	}
	if len(inserted) == 0 {
		return nil, apperrors.New(apperrors.ErrorTypeTransient, apperrors.CodeRemoteError,
			"insert returned no row").WithResource(collection.String())
	}
	return inserted[0], nil
}

func (s *SupabaseStore) Update(ctx context.Context, collection domain.Collection, id string, row domain.Fields) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := checkID(collection, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, _, err := s.client.From(collection.String()).
		Update(updateRow(row), "minimal", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return remoteError("update", collection, err)
	}
	return nil
}

func (s *SupabaseStore) Delete(ctx context.Context, collection domain.Collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := checkID(collection, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	_, _, err := s.client.From(collection.String()).
		Delete("minimal", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return remoteError("delete", collection, err)
	}
	return nil
}

func (s *SupabaseStore) SelectByWorkspace(ctx context.Context, collection domain.Collection, workspaceID string) ([]domain.Fields, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []domain.Fields
	_, err := s.client.From(collection.String()).
		Select("*", "", false).
		Eq("workspace_id", workspaceID).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, remoteError("select", collection, err)
	}
	return rows, nil
}

func (s *SupabaseStore) ListWorkspaces(ctx context.Context, owner string) ([]domain.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []domain.Fields
	_, err := s.client.From(domain.CollectionWorkspaces.String()).
		Select("*", "", false).
		Eq("owner", owner).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, remoteError("select", domain.CollectionWorkspaces, err)
	}
	return rows, nil
}

// remoteError classifies a PostgREST failure. PostgREST errors do not
// expose the HTTP status, so every failure is treated as transient and the
// queue's retry ceiling bounds logical errors.
func remoteError(op string, collection domain.Collection, err error) error {
	return apperrors.NewTransient(op+" failed", err).
		WithOperation(op).
		WithResource(collection.String())
}
