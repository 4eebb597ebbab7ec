package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"transcriptpro/pkg/storage"
	"transcriptpro/pkg/store"
)

// fakeProvider imitates the identity provider's token and admin endpoints.
type fakeProvider struct {
	users    map[string]ProviderUser // keyed by email
	tokens   map[string]ProviderUser // keyed by access token
	password string
}

func newFakeProvider(t *testing.T) (*fakeProvider, *httptest.Server) {
	t.Helper()
	p := &fakeProvider{
		users:    make(map[string]ProviderUser),
		tokens:   make(map[string]ProviderUser),
		password: "correct horse",
	}
	srv := httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *fakeProvider) addUser(id, email, token string) {
	user := ProviderUser{ID: id, Email: email}
	p.users[email] = user
	if token != "" {
		p.tokens[token] = user
	}
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/token" && r.URL.Query().Get("grant_type") == "password":
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		user, ok := p.users[body.Email]
		if !ok || body.Password != p.password {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + user.ID,
			"token_type":   "bearer",
			"user":         user,
		})
	case r.URL.Path == "/user" && r.Method == http.MethodGet:
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := p.tokens[token]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"msg": "invalid token"})
			return
		}
		_ = json.NewEncoder(w).Encode(user)
	case r.URL.Path == "/admin/users" && r.Method == http.MethodGet:
		email := r.URL.Query().Get("email")
		users := []ProviderUser{}
		if user, ok := p.users[email]; ok {
			users = append(users, user)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"users": users})
	case r.URL.Path == "/admin/users" && r.Method == http.MethodPost:
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		user := ProviderUser{ID: "created-" + body.Email, Email: body.Email}
		p.users[body.Email] = user
		p.tokens["token-"+user.ID] = user
		_ = json.NewEncoder(w).Encode(user)
	default:
		http.NotFound(w, r)
	}
}

func newGateway(t *testing.T, p *httptest.Server, dataStore store.Store) *Gateway {
	t.Helper()
	client := NewClient(p.URL, "service-key", nil)
	return NewGateway(client, dataStore, storage.NewMemoryStore(), nil)
}

func TestAuthenticateWithPasswordEnsuresProfile(t *testing.T) {
	provider, srv := newFakeProvider(t)
	provider.addUser("user-1", "u@example.com", "token-user-1")
	s := store.NewMemoryStore()
	gw := newGateway(t, srv, s)

	session, err := gw.AuthenticateWithPassword(context.Background(), "U@Example.com", "correct horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if session.AccessToken != "token-user-1" || session.TokenType != "bearer" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if session.User.ID != "user-1" || !session.User.IsActive {
		t.Fatalf("unexpected user: %+v", session.User)
	}
	if _, ok, _ := s.GetProfile("user-1"); !ok {
		t.Fatalf("profile must exist after login")
	}
}

func TestAuthenticateWithPasswordCollapsesProviderFailures(t *testing.T) {
	provider, srv := newFakeProvider(t)
	provider.addUser("user-1", "u@example.com", "token-user-1")
	gw := newGateway(t, srv, store.NewMemoryStore())

	_, err := gw.AuthenticateWithPassword(context.Background(), "u@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	_, err = gw.AuthenticateWithPassword(context.Background(), "missing@example.com", "correct horse")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown account, got %v", err)
	}
}

func TestRegisterOrFetchReturnsExistingAccount(t *testing.T) {
	provider, srv := newFakeProvider(t)
	provider.addUser("user-1", "u@example.com", "token-user-1")
	s := store.NewMemoryStore()
	gw := newGateway(t, srv, s)

	user, err := gw.RegisterOrFetch(context.Background(), "u@example.com", "whatever pass")
	if err != nil {
		t.Fatalf("register existing: %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected existing account, got %+v", user)
	}
}

func TestRegisterOrFetchCreatesNewAccount(t *testing.T) {
	_, srv := newFakeProvider(t)
	s := store.NewMemoryStore()
	gw := newGateway(t, srv, s)

	user, err := gw.RegisterOrFetch(context.Background(), "new@example.com", "long enough pass")
	if err != nil {
		t.Fatalf("register new: %v", err)
	}
	if user.ID != "created-new@example.com" {
		t.Fatalf("expected created account, got %+v", user)
	}
	if user.QuotaMinutes == 0 {
		t.Fatalf("expected default quota on new profile")
	}
	if _, ok, _ := s.GetProfile(user.ID); !ok {
		t.Fatalf("profile must exist after registration")
	}
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	_, srv := newFakeProvider(t)
	gw := newGateway(t, srv, store.NewMemoryStore())

	if _, err := gw.Authenticate(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
	if _, err := gw.Authenticate(context.Background(), "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage token, got %v", err)
	}
}

func TestAuthenticateRequiresLocalProfile(t *testing.T) {
	provider, srv := newFakeProvider(t)
	provider.addUser("user-1", "u@example.com", "token-user-1")
	gw := newGateway(t, srv, store.NewMemoryStore())

	_, err := gw.Authenticate(context.Background(), "token-user-1")
	if !errors.Is(err, ErrProfileMissing) {
		t.Fatalf("expected ErrProfileMissing, got %v", err)
	}
}

func TestAuthenticateMergesProfileFields(t *testing.T) {
	provider, srv := newFakeProvider(t)
	provider.addUser("user-1", "u@example.com", "token-user-1")
	s := store.NewMemoryStore()
	if _, err := s.EnsureProfile("user-1"); err != nil {
		t.Fatalf("ensure profile: %v", err)
	}
	gw := newGateway(t, srv, s)

	user, err := gw.Authenticate(context.Background(), "token-user-1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.Email != "u@example.com" || user.QuotaMinutes == 0 {
		t.Fatalf("unexpected merged user: %+v", user)
	}
}
