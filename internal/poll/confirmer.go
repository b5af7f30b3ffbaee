package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/waabox/mpdeck/internal/domain"
)

const (
	defaultInterval       = time.Second
	defaultMaxAttempts    = 60
	defaultStatusInterval = 3 * time.Second
)

// Options configures a Confirmer. Zero values fall back to the defaults.
type Options struct {
	// Interval is the tick period while waiting for the QR code to be confirmed.
	Interval time.Duration
	// MaxAttempts bounds confirmation polling; the session times out on tick MaxAttempts+1.
	MaxAttempts int
	// StatusInterval is the tick period for login status polling.
	StatusInterval time.Duration
	// StatusMaxAttempts bounds status polling. 0 polls until confirmed or cancelled.
	StatusMaxAttempts int
	// StatusMaxErrors ends status polling after this many consecutive transport
	// errors. 0 keeps retrying through errors.
	StatusMaxErrors int
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = defaultStatusInterval
	}
	if o.StatusMaxAttempts < 0 {
		o.StatusMaxAttempts = 0
	}
	if o.StatusMaxErrors < 0 {
		o.StatusMaxErrors = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Confirmer runs QR login polling against a LoginBackend.
// At most one session per operation is active; starting another one cancels
// the previous session and waits for its ticker to stop.
type Confirmer struct {
	backend domain.LoginBackend
	opts    Options

	mu      sync.Mutex
	confirm *Session[domain.QRCode]
	status  *Session[domain.LoginStatus]
}

// NewConfirmer creates a Confirmer.
func NewConfirmer(backend domain.LoginBackend, opts Options) *Confirmer {
	return &Confirmer{
		backend: backend,
		opts:    opts.withDefaults(),
	}
}

// StartConfirmation starts a QR login challenge and polls until the returned
// code is confirmed. It returns immediately; use Session.Wait for the outcome.
// Failures settle with domain.ErrInitiation, domain.ErrTimeout or domain.ErrTransport.
func (c *Confirmer) StartConfirmation(ctx context.Context) *Session[domain.QRCode] {
	s, sctx := newSession[domain.QRCode](ctx, c.opts.Logger, "confirm")

	c.mu.Lock()
	if prev := c.confirm; prev != nil {
		prev.cancelWith(domain.ErrSuperseded)
		<-prev.Done()
	}
	c.confirm = s
	c.mu.Unlock()

	go func() {
		code, err := c.backend.InitiateChallenge(sctx)
		if err != nil {
			if sctx.Err() != nil {
				// cancelled or superseded before the challenge came back
				s.settle(domain.QRCode{}, context.Cause(sctx))
				return
			}
			s.settle(domain.QRCode{}, fmt.Errorf("%w: %w", domain.ErrInitiation, err))
			return
		}
		s.logger.Debug("login challenge started", "code", code.Code)
		s.run(sctx, c.opts.Interval, c.confirmTick(s, code))
	}()
	return s
}

// AwaitConfirmation is StartConfirmation followed by Wait.
func (c *Confirmer) AwaitConfirmation(ctx context.Context) (domain.QRCode, error) {
	return c.StartConfirmation(ctx).Wait()
}

func (c *Confirmer) confirmTick(s *Session[domain.QRCode], code domain.QRCode) tickFunc[domain.QRCode] {
	maxAttempts := c.opts.MaxAttempts
	return func(ctx context.Context, attempt int) (domain.QRCode, bool, error) {
		if attempt > maxAttempts {
			return domain.QRCode{}, true, fmt.Errorf("%w after %d attempts", domain.ErrTimeout, maxAttempts)
		}
		confirmed, err := c.backend.CheckConfirmation(ctx, code.Code)
		if err != nil {
			if ctx.Err() != nil {
				// the check was aborted by cancellation, not by the network
				return domain.QRCode{}, true, context.Cause(ctx)
			}
			if attempt >= maxAttempts {
				return domain.QRCode{}, true, fmt.Errorf("%w: %w", domain.ErrTransport, err)
			}
			s.logger.Debug("confirmation check failed, retrying", "attempt", attempt, "error", err)
			return domain.QRCode{}, false, nil
		}
		if confirmed {
			return code, true, nil
		}
		return domain.QRCode{}, false, nil
	}
}

// StartStatus polls the login status until it reports a confirmed login.
// With the default options it never gives up on its own; cancel ctx or the
// session to stop it, or set StatusMaxAttempts / StatusMaxErrors.
func (c *Confirmer) StartStatus(ctx context.Context) *Session[domain.LoginStatus] {
	s, sctx := newSession[domain.LoginStatus](ctx, c.opts.Logger, "status")

	c.mu.Lock()
	if prev := c.status; prev != nil {
		prev.cancelWith(domain.ErrSuperseded)
		<-prev.Done()
	}
	c.status = s
	c.mu.Unlock()

	go s.run(sctx, c.opts.StatusInterval, c.statusTick(s))
	return s
}

// AwaitStatus is StartStatus followed by Wait.
func (c *Confirmer) AwaitStatus(ctx context.Context) (domain.LoginStatus, error) {
	return c.StartStatus(ctx).Wait()
}

func (c *Confirmer) statusTick(s *Session[domain.LoginStatus]) tickFunc[domain.LoginStatus] {
	maxAttempts := c.opts.StatusMaxAttempts
	maxErrors := c.opts.StatusMaxErrors
	consecutiveErrors := 0
	return func(ctx context.Context, attempt int) (domain.LoginStatus, bool, error) {
		if maxAttempts > 0 && attempt > maxAttempts {
			return domain.LoginStatus{}, true, fmt.Errorf("%w after %d attempts", domain.ErrTimeout, maxAttempts)
		}
		status, err := c.backend.CheckStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return domain.LoginStatus{}, true, context.Cause(ctx)
			}
			consecutiveErrors++
			if maxErrors > 0 && consecutiveErrors >= maxErrors {
				return domain.LoginStatus{}, true, fmt.Errorf("%w: %w", domain.ErrTransport, err)
			}
			s.logger.Debug("status check failed, retrying", "attempt", attempt, "error", err)
			return domain.LoginStatus{}, false, nil
		}
		consecutiveErrors = 0
		if status.LoginStatus {
			return status, true, nil
		}
		return domain.LoginStatus{}, false, nil
	}
}

// Stop cancels any active sessions.
func (c *Confirmer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.confirm != nil {
		c.confirm.Cancel()
	}
	if c.status != nil {
		c.status.Cancel()
	}
}
