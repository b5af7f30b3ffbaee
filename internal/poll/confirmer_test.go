package poll_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/waabox/mpdeck/internal/domain"
	"github.com/waabox/mpdeck/internal/poll"
)

// fakeBackend scripts the answers of each check by call number (1-based).
type fakeBackend struct {
	mu           sync.Mutex
	initErr      error
	code         domain.QRCode
	confirm      func(call int) (bool, error)
	status       func(call int) (domain.LoginStatus, error)
	checkDelay   time.Duration
	confirmCalls int
	statusCalls  int
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
}

func (f *fakeBackend) InitiateChallenge(_ context.Context) (domain.QRCode, error) {
	if f.initErr != nil {
		return domain.QRCode{}, f.initErr
	}
	return f.code, nil
}

func (f *fakeBackend) CheckConfirmation(ctx context.Context, _ string) (bool, error) {
	f.enter()
	defer f.inFlight.Add(-1)
	if err := f.delay(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	f.confirmCalls++
	call := f.confirmCalls
	f.mu.Unlock()
	if f.confirm == nil {
		return false, nil
	}
	return f.confirm(call)
}

func (f *fakeBackend) CheckStatus(ctx context.Context) (domain.LoginStatus, error) {
	f.enter()
	defer f.inFlight.Add(-1)
	if err := f.delay(ctx); err != nil {
		return domain.LoginStatus{}, err
	}
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	f.mu.Unlock()
	if f.status == nil {
		return domain.LoginStatus{}, nil
	}
	return f.status(call)
}

func (f *fakeBackend) enter() {
	n := f.inFlight.Add(1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (f *fakeBackend) delay(ctx context.Context) error {
	if f.checkDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.checkDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) confirmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmCalls
}

func (f *fakeBackend) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

var errNetwork = errors.New("connection reset by peer")

func fastOptions(maxAttempts int) poll.Options {
	return poll.Options{
		Interval:       time.Millisecond,
		MaxAttempts:    maxAttempts,
		StatusInterval: time.Millisecond,
	}
}

func TestConfirmer_ResolvesOnConfirmingTick(t *testing.T) {
	backend := &fakeBackend{
		code:    domain.QRCode{Code: "/static/wx_qrcode.png?t=1"},
		confirm: func(call int) (bool, error) { return call == 5, nil },
	}
	c := poll.NewConfirmer(backend, fastOptions(60))

	s := c.StartConfirmation(context.Background())
	code, err := s.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code.Code != "/static/wx_qrcode.png?t=1" {
		t.Errorf("code: want the challenge reference, got '%s'", code.Code)
	}
	if s.Attempts() != 5 {
		t.Errorf("attempts: want 5, got %d", s.Attempts())
	}
	if s.State() != poll.StateResolved {
		t.Errorf("state: want resolved, got %s", s.State())
	}

	time.Sleep(20 * time.Millisecond)
	if got := backend.confirmCount(); got != 5 {
		t.Errorf("expected no calls after settlement, got %d calls", got)
	}
}

func TestConfirmer_ConfirmedOnLastAllowedTick(t *testing.T) {
	backend := &fakeBackend{
		code:    domain.QRCode{Code: "/qr.png"},
		confirm: func(call int) (bool, error) { return call == 60, nil },
	}
	c := poll.NewConfirmer(backend, fastOptions(60))

	s := c.StartConfirmation(context.Background())
	if _, err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Attempts() != 60 {
		t.Errorf("attempts: want 60, got %d", s.Attempts())
	}
}

func TestConfirmer_TimesOutOnTickAfterBudget(t *testing.T) {
	backend := &fakeBackend{code: domain.QRCode{Code: "/qr.png"}}
	c := poll.NewConfirmer(backend, fastOptions(60))

	s := c.StartConfirmation(context.Background())
	_, err := s.Wait()
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.Attempts() != 61 {
		t.Errorf("attempts: want 61, got %d", s.Attempts())
	}
	if got := backend.confirmCount(); got != 60 {
		t.Errorf("confirmation checks: want 60, got %d", got)
	}
	if s.State() != poll.StateFailed {
		t.Errorf("state: want failed, got %s", s.State())
	}
}

func TestConfirmer_TransientErrorsBelowBudgetAreRetried(t *testing.T) {
	backend := &fakeBackend{
		code: domain.QRCode{Code: "/qr.png"},
		confirm: func(call int) (bool, error) {
			if call < 5 {
				return false, errNetwork
			}
			return true, nil
		},
	}
	c := poll.NewConfirmer(backend, fastOptions(5))

	if _, err := c.AwaitConfirmation(context.Background()); err != nil {
		t.Fatalf("transient errors should not end the session, got: %v", err)
	}
}

func TestConfirmer_ErrorOnLastTickIsTransportFailure(t *testing.T) {
	backend := &fakeBackend{
		code: domain.QRCode{Code: "/qr.png"},
		confirm: func(call int) (bool, error) {
			if call == 3 {
				return false, errNetwork
			}
			return false, nil
		},
	}
	c := poll.NewConfirmer(backend, fastOptions(3))

	s := c.StartConfirmation(context.Background())
	_, err := s.Wait()
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, errNetwork) {
		t.Errorf("expected the network error to be wrapped, got %v", err)
	}
	if s.Attempts() != 3 {
		t.Errorf("attempts: want 3, got %d", s.Attempts())
	}
}

func TestConfirmer_InitiationFailureStartsNoPolling(t *testing.T) {
	backend := &fakeBackend{initErr: errNetwork}
	c := poll.NewConfirmer(backend, fastOptions(60))

	s := c.StartConfirmation(context.Background())
	_, err := s.Wait()
	if !errors.Is(err, domain.ErrInitiation) {
		t.Fatalf("expected ErrInitiation, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if s.Attempts() != 0 {
		t.Errorf("attempts: want 0, got %d", s.Attempts())
	}
	if got := backend.confirmCount(); got != 0 {
		t.Errorf("expected no confirmation checks, got %d", got)
	}
}

func TestConfirmer_NewSessionSupersedesActiveOne(t *testing.T) {
	backend := &fakeBackend{code: domain.QRCode{Code: "/qr.png"}}
	c := poll.NewConfirmer(backend, fastOptions(100000))

	first := c.StartConfirmation(context.Background())
	second := c.StartConfirmation(context.Background())
	defer second.Cancel()

	select {
	case <-first.Done():
	default:
		t.Fatal("expected the first session to be settled once the second started")
	}
	_, err := first.Wait()
	if !errors.Is(err, domain.ErrSuperseded) {
		t.Errorf("expected ErrSuperseded, got %v", err)
	}
	if second.State() == poll.StateFailed || second.State() == poll.StateResolved {
		t.Errorf("second session should still be active, got %s", second.State())
	}
}

func TestSession_CancelIsIdempotent(t *testing.T) {
	backend := &fakeBackend{code: domain.QRCode{Code: "/qr.png"}}
	c := poll.NewConfirmer(backend, fastOptions(100000))

	s := c.StartConfirmation(context.Background())
	s.Cancel()
	s.Cancel()
	_, err := s.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	s.Cancel()
	if _, again := s.Wait(); again != err {
		t.Errorf("outcome changed after a late cancel: %v", again)
	}
}

func TestSession_CancelAfterResolveKeepsResult(t *testing.T) {
	backend := &fakeBackend{
		code:    domain.QRCode{Code: "/qr.png"},
		confirm: func(int) (bool, error) { return true, nil },
	}
	c := poll.NewConfirmer(backend, fastOptions(60))

	s := c.StartConfirmation(context.Background())
	if _, err := s.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Cancel()
	code, err := s.Wait()
	if err != nil || code.Code != "/qr.png" {
		t.Errorf("expected resolved result to survive cancel, got %v, %v", code, err)
	}
}

func TestSession_AllWaitersSeeSameOutcome(t *testing.T) {
	backend := &fakeBackend{
		code:    domain.QRCode{Code: "/qr.png"},
		confirm: func(call int) (bool, error) { return call == 3, nil },
	}
	c := poll.NewConfirmer(backend, fastOptions(60))
	s := c.StartConfirmation(context.Background())

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, _ := s.Wait()
			results[i] = code.Code
		}(i)
	}
	wg.Wait()
	for i, r := range results {
		if r != "/qr.png" {
			t.Errorf("waiter %d: got '%s'", i, r)
		}
	}
}

func TestConfirmer_ChecksNeverOverlap(t *testing.T) {
	backend := &fakeBackend{
		code:       domain.QRCode{Code: "/qr.png"},
		checkDelay: 5 * time.Millisecond,
		confirm:    func(call int) (bool, error) { return call == 4, nil },
	}
	c := poll.NewConfirmer(backend, fastOptions(60))

	if _, err := c.AwaitConfirmation(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.maxInFlight.Load(); got != 1 {
		t.Errorf("expected at most one check in flight, saw %d", got)
	}
}

func TestConfirmer_ParentContextCancelsSession(t *testing.T) {
	backend := &fakeBackend{code: domain.QRCode{Code: "/qr.png"}}
	c := poll.NewConfirmer(backend, fastOptions(100000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.AwaitConfirmation(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestConfirmer_StatusSwallowsErrorsByDefault(t *testing.T) {
	backend := &fakeBackend{
		status: func(call int) (domain.LoginStatus, error) {
			if call <= 10 {
				return domain.LoginStatus{}, errNetwork
			}
			return domain.LoginStatus{LoginStatus: true, Extra: map[string]any{"nickname": "mp"}}, nil
		},
	}
	c := poll.NewConfirmer(backend, fastOptions(60))

	status, err := c.AwaitStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.LoginStatus {
		t.Error("expected login_status true")
	}
	if status.Extra["nickname"] != "mp" {
		t.Errorf("expected payload to be returned, got %v", status.Extra)
	}
	if got := backend.statusCount(); got != 11 {
		t.Errorf("status checks: want 11, got %d", got)
	}
}

func TestConfirmer_StatusAttemptBound(t *testing.T) {
	backend := &fakeBackend{}
	opts := fastOptions(60)
	opts.StatusMaxAttempts = 4
	c := poll.NewConfirmer(backend, opts)

	s := c.StartStatus(context.Background())
	_, err := s.Wait()
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.Attempts() != 5 {
		t.Errorf("attempts: want 5, got %d", s.Attempts())
	}
}

func TestConfirmer_StatusErrorBudgetCountsConsecutiveErrors(t *testing.T) {
	script := []error{errNetwork, nil, errNetwork, errNetwork, nil}
	backend := &fakeBackend{
		status: func(call int) (domain.LoginStatus, error) {
			if call <= len(script) && script[call-1] != nil {
				return domain.LoginStatus{}, script[call-1]
			}
			return domain.LoginStatus{LoginStatus: call == len(script)}, nil
		},
	}
	opts := fastOptions(60)
	opts.StatusMaxErrors = 3
	c := poll.NewConfirmer(backend, opts)

	if _, err := c.AwaitStatus(context.Background()); err != nil {
		t.Fatalf("non-consecutive errors should not exhaust the budget, got %v", err)
	}
}

func TestConfirmer_StatusErrorBudgetExhausted(t *testing.T) {
	backend := &fakeBackend{
		status: func(int) (domain.LoginStatus, error) { return domain.LoginStatus{}, errNetwork },
	}
	opts := fastOptions(60)
	opts.StatusMaxErrors = 3
	c := poll.NewConfirmer(backend, opts)

	_, err := c.AwaitStatus(context.Background())
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if got := backend.statusCount(); got != 3 {
		t.Errorf("status checks: want 3, got %d", got)
	}
}

func TestConfirmer_StopCancelsEverySession(t *testing.T) {
	backend := &fakeBackend{code: domain.QRCode{Code: "/qr.png"}}
	c := poll.NewConfirmer(backend, fastOptions(100000))

	confirm := c.StartConfirmation(context.Background())
	status := c.StartStatus(context.Background())
	c.Stop()

	if _, err := confirm.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("confirm: expected context.Canceled, got %v", err)
	}
	if _, err := status.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("status: expected context.Canceled, got %v", err)
	}
}

// waitInFlight blocks until the backend is serving a check.
func waitInFlight(t *testing.T, backend *fakeBackend) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for backend.inFlight.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a check to start")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfirmer_SupersededDuringLastCheckKeepsCause(t *testing.T) {
	backend := &fakeBackend{
		code:       domain.QRCode{Code: "/qr.png"},
		checkDelay: time.Second,
	}
	c := poll.NewConfirmer(backend, fastOptions(1))

	first := c.StartConfirmation(context.Background())
	waitInFlight(t, backend)
	second := c.StartConfirmation(context.Background())
	defer second.Cancel()

	_, err := first.Wait()
	if !errors.Is(err, domain.ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if errors.Is(err, domain.ErrTransport) {
		t.Errorf("cancellation must not be reported as a transport failure: %v", err)
	}
}

func TestConfirmer_StatusCancelledDuringCheckIsNotTransportFailure(t *testing.T) {
	backend := &fakeBackend{checkDelay: time.Second}
	opts := fastOptions(60)
	opts.StatusMaxErrors = 1
	c := poll.NewConfirmer(backend, opts)

	s := c.StartStatus(context.Background())
	waitInFlight(t, backend)
	s.Cancel()

	_, err := s.Wait()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, domain.ErrTransport) {
		t.Errorf("cancellation must not count against the error budget: %v", err)
	}
}
