package domain

import "context"

// LoginBackend is the port the polling core uses to reach the remote login service.
// The domain does not know about HTTP; internal/client provides the adapter.
type LoginBackend interface {
	// InitiateChallenge starts a QR login and returns the reference to poll.
	InitiateChallenge(ctx context.Context) (QRCode, error)
	// CheckConfirmation reports whether the reference has been confirmed.
	CheckConfirmation(ctx context.Context, reference string) (bool, error)
	// CheckStatus returns the current login status.
	CheckStatus(ctx context.Context) (LoginStatus, error)
}

// AccountService is the port for calls that require a valid session token.
type AccountService interface {
	Verify(ctx context.Context) (Verification, error)
	CurrentUser(ctx context.Context) (User, error)
}
