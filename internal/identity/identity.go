// Package identity resolves the stable user id that owns everything the
// agent creates. Authentication itself happens elsewhere; this package
// only turns its result (a configured id or an access token) into an id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	apperrors "dots-sync/internal/errors"
)

// Provider returns the current user id.
type Provider interface {
	UserID(ctx context.Context) (string, error)
}

// Static is a Provider returning a fixed id.
type Static string

func (s Static) UserID(context.Context) (string, error) {
	if s == "" {
		return "", unavailable("no user id configured", nil)
	}
	return string(s), nil
}

// Claims are the access token claims the agent reads.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenProvider verifies an HS256 access token with the project's JWT
// secret and returns its subject.
type TokenProvider struct {
	token  string
	secret []byte
}

// NewTokenProvider creates a provider for token signed with secret.
func NewTokenProvider(token, secret string) (*TokenProvider, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &TokenProvider{token: token, secret: []byte(secret)}, nil
}

func (p *TokenProvider) UserID(context.Context) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(p.token, "Bearer "))
	if raw == "" {
		return "", unavailable("missing access token", nil)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return p.secret, nil
	})
	if err != nil {
		return "", unavailable("invalid access token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", unavailable("access token has no subject", nil)
	}
	return claims.Subject, nil
}

// SupabaseProvider asks the Supabase auth API who owns the access token.
type SupabaseProvider struct {
	client *supabase.Client
	token  string
}

// NewSupabaseProvider creates a provider resolving token through client.
func NewSupabaseProvider(client *supabase.Client, token string) *SupabaseProvider {
	return &SupabaseProvider{client: client, token: token}
}

func (p *SupabaseProvider) UserID(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", unavailable("missing access token", nil)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	user, err := p.client.Auth.WithToken(p.token).GetUser()
	if err != nil {
		return "", unavailable("auth api rejected access token", err)
	}
	return user.ID.String(), nil
}

// Cached resolves the id once and then returns the same value. Failures
// are not cached.
type Cached struct {
	next   Provider
	logger *zap.Logger

	mu     sync.Mutex
	userID string
}

// NewCached wraps next.
func NewCached(next Provider, logger *zap.Logger) *Cached {
	return &Cached{next: next, logger: logger.Named("identity")}
}

func (c *Cached) UserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}
	id, err := c.next.UserID(ctx)
	if err != nil {
		c.logger.Warn("failed to resolve user id", zap.Error(err))
		return "", err
	}
	c.userID = id
	c.logger.Info("user identity resolved", zap.String("user_id", id))
	return id, nil
}

func unavailable(msg string, cause error) error {
	return apperrors.NewUnavailable(apperrors.CodeIdentityUnavailable, msg, cause)
}
