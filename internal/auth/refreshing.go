package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/waabox/mpdeck/internal/domain"
)

// AuthExpiredError is returned when the session token is rejected and cannot be
// refreshed, so an interactive login is required.
type AuthExpiredError struct {
	Username string
}

func (e *AuthExpiredError) Error() string {
	who := e.Username
	if who == "" {
		who = "mpdeck"
	}
	return fmt.Sprintf("%s session expired: re-authentication required", who)
}

// RefreshingAccount wraps an AccountService and transparently handles 401 errors
// by attempting a silent token refresh. If refresh fails, it returns AuthExpiredError.
type RefreshingAccount struct {
	inner       domain.AccountService
	username    string
	refreshFn   func(ctx context.Context) (string, error)
	updateToken func(string)
}

// Ensure RefreshingAccount implements AccountService.
var _ domain.AccountService = (*RefreshingAccount)(nil)

// NewRefreshingAccount creates a RefreshingAccount.
// refreshFn is called on 401 to attempt a silent token refresh; returns new access token.
// updateToken is called after successful refresh to inject the new token into the client.
func NewRefreshingAccount(
	inner domain.AccountService,
	username string,
	refreshFn func(ctx context.Context) (string, error),
	updateToken func(string),
) *RefreshingAccount {
	return &RefreshingAccount{
		inner:       inner,
		username:    username,
		refreshFn:   refreshFn,
		updateToken: updateToken,
	}
}

func (ra *RefreshingAccount) handleUnauthorized(ctx context.Context, retry func() error) error {
	newToken, refreshErr := ra.refreshFn(ctx)
	// a refresh that only failed to persist still yields a usable token
	if refreshErr != nil && newToken == "" {
		return &AuthExpiredError{Username: ra.username}
	}
	ra.updateToken(newToken)
	return retry()
}

func (ra *RefreshingAccount) Verify(ctx context.Context) (domain.Verification, error) {
	result, err := ra.inner.Verify(ctx)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		var retryResult domain.Verification
		retryErr := ra.handleUnauthorized(ctx, func() error {
			var e error
			retryResult, e = ra.inner.Verify(ctx)
			return e
		})
		if retryErr != nil {
			return domain.Verification{}, retryErr
		}
		return retryResult, nil
	}
	return result, err
}

func (ra *RefreshingAccount) CurrentUser(ctx context.Context) (domain.User, error) {
	result, err := ra.inner.CurrentUser(ctx)
	if err != nil && errors.Is(err, domain.ErrUnauthorized) {
		var retryResult domain.User
		retryErr := ra.handleUnauthorized(ctx, func() error {
			var e error
			retryResult, e = ra.inner.CurrentUser(ctx)
			return e
		})
		if retryErr != nil {
			return domain.User{}, retryErr
		}
		return retryResult, nil
	}
	return result, err
}
