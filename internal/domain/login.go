package domain

// QRCode is the reference returned when a QR login challenge is started.
// Code is the path of the QR image published by the backend; it doubles as
// the value that is polled for confirmation.
type QRCode struct {
	Code   string
	Exists bool
}

// LoginStatus is the payload of the QR status endpoint.
type LoginStatus struct {
	LoginStatus bool
	// Extra holds any other fields the backend sent alongside login_status.
	Extra map[string]any
}

// Token holds the bearer token issued after a successful login or refresh.
type Token struct {
	AccessToken string
	TokenType   string
}

// Verification describes the outcome of a token verification call.
type Verification struct {
	IsValid   bool
	Username  string
	ExpiresAt int64 // unix timestamp, seconds or milliseconds; 0 when unknown
}

// User is the account behind the current token.
type User struct {
	Username string
	Nickname string
	Avatar   string
	Email    string
	Role     string
	IsActive bool
}
