// Package client talks to the mp dashboard backend over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/waabox/mpdeck/internal/domain"
)

// DefaultBaseURL is where the backend listens when run locally.
const DefaultBaseURL = "http://localhost:8001"

const apiPrefix = "/api/v1/wx"

// Client implements domain.LoginBackend and domain.AccountService.
type Client struct {
	baseURL string
	client  *http.Client

	mu    sync.RWMutex
	token string
}

// Ensure Client implements the domain ports.
var (
	_ domain.LoginBackend   = (*Client)(nil)
	_ domain.AccountService = (*Client)(nil)
)

// New creates a backend client.
// Pass an empty baseURL to use DefaultBaseURL. Pass a test server URL in tests.
// token may be empty for unauthenticated calls such as Login.
func New(baseURL string, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the bearer token currently in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ResolveURL turns a server-relative reference (such as a QR code path) into
// an absolute URL on the backend.
func (c *Client) ResolveURL(ref string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing reference %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

// InitiateChallenge asks the backend to start a QR login and returns the QR image reference.
func (c *Client) InitiateChallenge(ctx context.Context) (domain.QRCode, error) {
	var raw struct {
		Code     string `json:"code"`
		IsExists bool   `json:"is_exists"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/qr/code", nil, "", &raw); err != nil {
		return domain.QRCode{}, err
	}
	if raw.Code == "" {
		return domain.QRCode{}, errors.New("backend returned an empty QR code reference")
	}
	return domain.QRCode{Code: raw.Code, Exists: raw.IsExists}, nil
}

// CheckConfirmation probes the QR image with a HEAD request.
// 200 means the code is published and ready; 404 means not yet.
func (c *Client) CheckConfirmation(ctx context.Context, reference string) (bool, error) {
	target, err := c.ResolveURL(reference)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking QR code: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking QR code: unexpected status %s", resp.Status)
	}
}

// CheckStatus returns the QR login status reported by the backend.
func (c *Client) CheckStatus(ctx context.Context) (domain.LoginStatus, error) {
	var raw map[string]any
	if err := c.do(ctx, http.MethodGet, "/auth/qr/status", nil, "", &raw); err != nil {
		return domain.LoginStatus{}, err
	}
	status := domain.LoginStatus{Extra: map[string]any{}}
	for k, v := range raw {
		if k == "login_status" {
			status.LoginStatus, _ = v.(bool)
			continue
		}
		status.Extra[k] = v
	}
	return status, nil
}

// Login exchanges a username and password for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (domain.Token, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var raw tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/login",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &raw)
	if err != nil {
		return domain.Token{}, err
	}
	return raw.toToken()
}

// Verify checks that the current token is still valid.
func (c *Client) Verify(ctx context.Context) (domain.Verification, error) {
	var raw struct {
		IsValid   bool   `json:"is_valid"`
		Username  string `json:"username"`
		ExpiresAt *int64 `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/auth/verify", nil, "", &raw); err != nil {
		return domain.Verification{}, err
	}
	v := domain.Verification{IsValid: raw.IsValid, Username: raw.Username}
	if raw.ExpiresAt != nil {
		v.ExpiresAt = *raw.ExpiresAt
	}
	return v, nil
}

// Refresh exchanges the current token for a fresh one.
func (c *Client) Refresh(ctx context.Context) (domain.Token, error) {
	var raw tokenResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, "", &raw); err != nil {
		return domain.Token{}, err
	}
	return raw.toToken()
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, "", nil)
}

// CurrentUser returns the account the current token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (domain.User, error) {
	var raw struct {
		Username string `json:"username"`
		Nickname string `json:"nickname"`
		Avatar   string `json:"avatar"`
		Email    string `json:"email"`
		Role     string `json:"role"`
		IsActive bool   `json:"is_active"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, "", &raw); err != nil {
		return domain.User{}, err
	}
	return domain.User{
		Username: raw.Username,
		Nickname: raw.Nickname,
		Avatar:   raw.Avatar,
		Email:    raw.Email,
		Role:     raw.Role,
		IsActive: raw.IsActive,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (r tokenResponse) toToken() (domain.Token, error) {
	if r.AccessToken == "" {
		return domain.Token{}, errors.New("backend returned no access token")
	}
	return domain.Token{AccessToken: r.AccessToken, TokenType: r.TokenType}, nil
}

// envelope is the backend's standard response wrapper.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, target interface{}) error {
	endpoint, err := url.JoinPath(c.baseURL, apiPrefix, path)
	if err != nil {
		return fmt.Errorf("building URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("mpdeck API error: %s: %w", resp.Status, domain.ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mpdeck API error: %s%s", resp.Status, detailMessage(payload))
	}
	if target == nil || len(payload) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Code != nil {
		if *env.Code != 0 {
			return fmt.Errorf("mpdeck API error: code %d: %s", *env.Code, env.Message)
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}
		payload = env.Data
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// detailMessage extracts a readable message from an error body shaped like
// {"detail": "..."} or {"detail": {"message": "..."}}.
func detailMessage(payload []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(body.Detail, &text); err == nil && text != "" {
		return ": " + text
	}
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body.Detail, &structured); err == nil && structured.Message != "" {
		return ": " + structured.Message
	}
	return ""
}
