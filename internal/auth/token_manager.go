package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/waabox/mpdeck/internal/config"
	"github.com/waabox/mpdeck/internal/domain"
)

// Refresher exchanges the current session token for a new one.
type Refresher interface {
	Refresh(ctx context.Context) (domain.Token, error)
}

// TokenManager handles silent token refresh and config persistence.
type TokenManager struct {
	cfg        *config.Config
	configPath string
	refresher  Refresher
	mu         sync.Mutex
}

// NewTokenManager creates a TokenManager.
// An empty configPath keeps tokens in memory only.
func NewTokenManager(cfg *config.Config, configPath string, refresher Refresher) *TokenManager {
	return &TokenManager{
		cfg:        cfg,
		configPath: configPath,
		refresher:  refresher,
	}
}

// Refresh asks the backend for a new token using the current one.
// On success, it updates the config in memory and persists it to disk.
// Returns the new access token or an error.
func (tm *TokenManager) Refresh(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.cfg.Auth.Token == "" {
		return "", fmt.Errorf("no session token available")
	}

	resp, err := tm.refresher.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refreshing session token: %w", err)
	}

	tm.cfg.Auth.Token = resp.AccessToken
	if saveErr := tm.save(); saveErr != nil {
		// Token refreshed in memory but save failed -- still return it
		// since the token is usable for this session
		return resp.AccessToken, fmt.Errorf("token refreshed but failed to save config: %w", saveErr)
	}
	return resp.AccessToken, nil
}

// Store records a token obtained from a login and persists it.
func (tm *TokenManager) Store(username string, token domain.Token) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if username != "" {
		tm.cfg.Auth.Username = username
	}
	tm.cfg.Auth.Token = token.AccessToken
	return tm.save()
}

// Clear forgets the stored token, e.g. after logout.
func (tm *TokenManager) Clear() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.cfg.Auth.Token = ""
	return tm.save()
}

func (tm *TokenManager) save() error {
	if tm.configPath == "" {
		return nil
	}
	return config.Save(tm.configPath, *tm.cfg)
}

// Config returns the current config pointer.
func (tm *TokenManager) Config() *config.Config {
	return tm.cfg
}

// ConfigPath returns the config file path.
func (tm *TokenManager) ConfigPath() string {
	return tm.configPath
}
