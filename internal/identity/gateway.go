package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"transcriptpro/internal/usertoken"
	"transcriptpro/pkg/domain"
	"transcriptpro/pkg/storage"
	"transcriptpro/pkg/store"
)

var (
	// ErrInvalidCredentials covers every provider-reported login failure;
	// the gateway does not distinguish wrong password from locked account.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken means the provider rejected the token, was
	// unreachable, or resolved it to no account.
	ErrInvalidToken = errors.New("invalid token")
	// ErrProfileMissing means the token resolved to an account with no
	// local profile row. Maps to the same 401 as ErrInvalidToken but stays
	// a distinct condition.
	ErrProfileMissing = errors.New("user profile missing")
)

// Session is the result of a successful password authentication.
type Session struct {
	AccessToken string      `json:"accessToken"`
	TokenType   string      `json:"tokenType"`
	User        domain.User `json:"user"`
}

// Gateway wraps the identity provider, local profile rows, and the blob
// store behind the operations the rest of the service needs.
type Gateway struct {
	provider *Client
	store    store.Store
	objects  storage.ObjectStore
	verifier *usertoken.Verifier // optional local signature pre-check
}

// NewGateway wires the gateway. verifier may be nil to skip the JWKS
// pre-check and rely on provider round-trips alone.
func NewGateway(provider *Client, dataStore store.Store, objects storage.ObjectStore, verifier *usertoken.Verifier) *Gateway {
	return &Gateway{
		provider: provider,
		store:    dataStore,
		objects:  objects,
		verifier: verifier,
	}
}

// AuthenticateWithPassword exchanges credentials for a session, ensuring a
// profile row exists and merging its fields into the returned user.
// All provider-reported failures collapse to ErrInvalidCredentials.
func (g *Gateway) AuthenticateWithPassword(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	token, account, err := g.provider.PasswordGrant(ctx, email, password)
	if err != nil {
		slog.Warn("password authentication rejected", "email", email, "error", err)
		return Session{}, ErrInvalidCredentials
	}
	profile, err := g.store.EnsureProfile(account.ID)
	if err != nil {
		return Session{}, fmt.Errorf("ensure profile: %w", err)
	}
	return Session{
		AccessToken: token,
		TokenType:   "bearer",
		User:        mergeUser(account, profile),
	}, nil
}

// RegisterOrFetch returns the existing account for the email or creates a
// new auto-confirmed one, ensuring a default profile either way.
func (g *Gateway) RegisterOrFetch(ctx context.Context, email, password string) (domain.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	account, found, err := g.provider.AdminGetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !found {
		account, err = g.provider.AdminCreateUser(ctx, email, password)
		if err != nil {
			return domain.User{}, fmt.Errorf("create user: %w", err)
		}
	}
	profile, err := g.store.EnsureProfile(account.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("ensure profile: %w", err)
	}
	return mergeUser(account, profile), nil
}

// Authenticate resolves a bearer token to an authenticated user. Read-only;
// every request re-verifies against the provider (no token caching).
func (g *Gateway) Authenticate(ctx context.Context, token string) (domain.User, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, ErrInvalidToken
	}
	if g.verifier != nil {
		if _, err := g.verifier.VerifySubject(token); err != nil {
			return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	account, err := g.provider.UserFromToken(ctx, token)
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	profile, ok, err := g.store.GetProfile(account.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch profile: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: %s", ErrProfileMissing, account.ID)
	}
	return mergeUser(account, profile), nil
}

// FetchBlob retrieves file content from the blob store.
func (g *Gateway) FetchBlob(ctx context.Context, key string) ([]byte, error) {
	return g.objects.Get(ctx, key)
}

func mergeUser(account ProviderUser, profile store.Profile) domain.User {
	return domain.User{
		ID:           account.ID,
		Email:        account.Email,
		IsActive:     account.Active(),
		IsAdmin:      profile.IsAdmin,
		QuotaMinutes: profile.QuotaMinutes,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.CreatedAt,
	}
}
