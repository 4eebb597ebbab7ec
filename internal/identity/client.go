package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client calls the external identity provider over HTTP. One instance is
// constructed at boot and shared; the underlying http.Client pools
// connections across requests.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// APIError represents a provider error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// ProviderUser is the provider's account record.
type ProviderUser struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	BannedUntil string    `json:"banned_until,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether the account is not banned.
func (u ProviderUser) Active() bool {
	return strings.TrimSpace(u.BannedUntil) == ""
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        ProviderUser `json:"user"`
}

// NewClient constructs a provider client.
func NewClient(baseURL, serviceKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: httpClient,
	}
}

// PasswordGrant exchanges credentials for an access token.
func (c *Client) PasswordGrant(ctx context.Context, email, password string) (string, ProviderUser, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/token?grant_type=password", c.serviceKey, payload, &resp); err != nil {
		return "", ProviderUser{}, err
	}
	return resp.AccessToken, resp.User, nil
}

// UserFromToken resolves a bearer token to the provider account it belongs to.
func (c *Client) UserFromToken(ctx context.Context, token string) (ProviderUser, error) {
	var user ProviderUser
	if err := c.doJSON(ctx, http.MethodGet, "/user", token, nil, &user); err != nil {
		return ProviderUser{}, err
	}
	if strings.TrimSpace(user.ID) == "" {
		return ProviderUser{}, &APIError{Status: http.StatusUnauthorized, Message: "token resolved to no user"}
	}
	return user, nil
}

// AdminGetUserByEmail looks up an account by email using the service key.
func (c *Client) AdminGetUserByEmail(ctx context.Context, email string) (ProviderUser, bool, error) {
	path := "/admin/users?email=" + url.QueryEscape(strings.ToLower(strings.TrimSpace(email)))
	var resp struct {
		Users []ProviderUser `json:"users"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, c.serviceKey, nil, &resp); err != nil {
		return ProviderUser{}, false, err
	}
	for _, user := range resp.Users {
		if strings.EqualFold(user.Email, email) {
			return user, true, nil
		}
	}
	return ProviderUser{}, false, nil
}

// AdminCreateUser creates an account with a confirmed email.
func (c *Client) AdminCreateUser(ctx context.Context, email, password string) (ProviderUser, error) {
	payload := map[string]any{
		"email":         email,
		"password":      password,
		"email_confirm": true,
	}
	var user ProviderUser
	if err := c.doJSON(ctx, http.MethodPost, "/admin/users", c.serviceKey, payload, &user); err != nil {
		return ProviderUser{}, err
	}
	return user, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.serviceKey)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"msg"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = errResp.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
