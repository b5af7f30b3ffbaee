package tui

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/waabox/mpdeck/internal/domain"
	"github.com/waabox/mpdeck/internal/poll"
)

// QRReadyMsg is sent when the QR code has been published by the backend.
// It is exported so that tests can inject it directly into LoginModel.Update.
type QRReadyMsg struct {
	Code domain.QRCode
	Err  error
}

// LoginCompleteMsg is sent when status polling settles.
type LoginCompleteMsg struct {
	Status domain.LoginStatus
	Err    error
}

// tickMsg drives the elapsed-time display.
type tickMsg time.Time

// phase indicates how far the login has progressed.
type phase int

const (
	phasePreparing phase = iota
	phaseScanning
	phaseDone
	phaseFailed
)

// URLResolver turns the backend's relative QR reference into a URL the user can open.
type URLResolver func(ref string) (string, error)

// LoginModel is the Bubbletea model for the QR login screen.
type LoginModel struct {
	confirmer *poll.Confirmer
	resolve   URLResolver
	ctx       context.Context
	cancel    context.CancelFunc

	phase   phase
	code    domain.QRCode
	qrURL   string
	status  domain.LoginStatus
	err     error
	started time.Time
	elapsed time.Duration
}

// NewLoginModel creates the login screen. Cancelling ctx, or quitting the
// screen, stops any polling still in progress.
func NewLoginModel(ctx context.Context, confirmer *poll.Confirmer, resolve URLResolver) LoginModel {
	ctx, cancel := context.WithCancel(ctx)
	return LoginModel{
		confirmer: confirmer,
		resolve:   resolve,
		ctx:       ctx,
		cancel:    cancel,
		phase:     phasePreparing,
		started:   time.Now(),
	}
}

// Init starts waiting for the QR code.
func (m LoginModel) Init() tea.Cmd {
	return tea.Batch(m.awaitQRCode(), tickEvery(time.Second))
}

func (m LoginModel) awaitQRCode() tea.Cmd {
	return func() tea.Msg {
		code, err := m.confirmer.AwaitConfirmation(m.ctx)
		return QRReadyMsg{Code: code, Err: err}
	}
}

func (m LoginModel) awaitLogin() tea.Cmd {
	return func() tea.Msg {
		status, err := m.confirmer.AwaitStatus(m.ctx)
		return LoginCompleteMsg{Status: status, Err: err}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles all incoming messages and key events.
func (m LoginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case QRReadyMsg:
		if msg.Err != nil {
			return m.fail(fmt.Errorf("preparing QR code: %w", msg.Err))
		}
		m.code = msg.Code
		m.qrURL = msg.Code.Code
		if m.resolve != nil {
			if u, err := m.resolve(msg.Code.Code); err == nil {
				m.qrURL = u
			}
		}
		m.phase = phaseScanning
		return m, m.awaitLogin()

	case LoginCompleteMsg:
		if msg.Err != nil {
			return m.fail(fmt.Errorf("waiting for login: %w", msg.Err))
		}
		m.status = msg.Status
		m.phase = phaseDone
		m.cancel()
		return m, tea.Quit

	case tickMsg:
		if m.phase == phaseDone || m.phase == phaseFailed {
			return m, nil
		}
		m.elapsed = time.Time(msg).Sub(m.started).Truncate(time.Second)
		return m, tickEvery(time.Second)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m.fail(context.Canceled)
		}
	}
	return m, nil
}

func (m LoginModel) fail(err error) (tea.Model, tea.Cmd) {
	m.cancel()
	m.err = err
	m.phase = phaseFailed
	return m, tea.Quit
}

// Result returns the confirmed login status, or the error that ended the login.
func (m LoginModel) Result() (domain.LoginStatus, error) {
	switch m.phase {
	case phaseDone:
		return m.status, nil
	case phaseFailed:
		return domain.LoginStatus{}, m.err
	}
	return domain.LoginStatus{}, errors.New("login did not finish")
}

// View renders the login screen.
func (m LoginModel) View() string {
	header := " mpdeck — QR Login\n"
	separator := "────────────────────────────────────────────────────────────\n"
	footer := " q: cancel\n"

	var body string
	switch m.phase {
	case phasePreparing:
		body = fmt.Sprintf("\n Preparing QR code... (%s)\n\n", m.elapsed)
	case phaseScanning:
		body = fmt.Sprintf(
			"\n QR code ready. Open it and scan with WeChat:\n\n"+
				" %s\n\n"+
				" Waiting for login confirmation... (%s)\n\n",
			m.qrURL, m.elapsed)
	case phaseDone:
		body = "\n Login confirmed.\n\n"
		footer = ""
	case phaseFailed:
		if errors.Is(m.err, context.Canceled) {
			body = "\n Login cancelled.\n\n"
		} else {
			body = fmt.Sprintf("\n Login failed: %v\n\n", m.err)
		}
		footer = ""
	}
	if footer == "" {
		return header + separator + body
	}
	return header + separator + body + separator + footer
}

// Run shows the login screen until the QR login settles and returns its outcome.
func Run(ctx context.Context, confirmer *poll.Confirmer, resolve URLResolver) (domain.LoginStatus, error) {
	p := tea.NewProgram(NewLoginModel(ctx, confirmer, resolve))
	final, err := p.Run()
	if err != nil {
		return domain.LoginStatus{}, fmt.Errorf("running login screen: %w", err)
	}
	return final.(LoginModel).Result()
}
