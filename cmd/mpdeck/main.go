package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/waabox/mpdeck/internal/auth"
	"github.com/waabox/mpdeck/internal/client"
	"github.com/waabox/mpdeck/internal/config"
	"github.com/waabox/mpdeck/internal/domain"
	"github.com/waabox/mpdeck/internal/poll"
	"github.com/waabox/mpdeck/internal/timefmt"
	"github.com/waabox/mpdeck/internal/tui"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

const usageText = `usage: mpdeck [-v] [-config path] <command> [flags]

commands:
  login -u USER [-p PASS]   log in with username and password
  qr [-plain]               log in to the WeChat mp platform by QR code
  status                    verify the stored session
  whoami                    show the current user
  refresh                   refresh the stored session token
  logout                    end the session and forget the token
`

func main() {
	versionFlag := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("v", false, "enable debug logging")
	configFlag := flag.String("config", "", "config file path (default ~/.config/mpdeck/config.toml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	flag.Parse()
	if *versionFlag {
		fmt.Println("mpdeck", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(cfg.Server.URL, cfg.Auth.Token)
	tm := auth.NewTokenManager(&cfg, configPath, api)
	account := auth.NewRefreshingAccount(api, cfg.Auth.Username, tm.Refresh, api.SetToken)

	command := args[0]
	switch command {
	case "login":
		err = runLogin(ctx, api, tm, args[1:])
	case "qr":
		err = runQR(ctx, os.Stdout, api, account, cfg, args[1:])
	case "status":
		err = runStatus(ctx, os.Stdout, account, cfg, api.BaseURL())
	case "whoami":
		err = runWhoami(ctx, account, cfg)
	case "refresh":
		err = runRefresh(ctx, tm)
	case "logout":
		err = runLogout(ctx, api, tm)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		var expired *auth.AuthExpiredError
		if errors.As(err, &expired) {
			fmt.Fprintf(os.Stderr, "%v: run `mpdeck login` again\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func requireToken(cfg config.Config) error {
	if cfg.Auth.Token == "" {
		return fmt.Errorf("not logged in: run `mpdeck login` first")
	}
	return nil
}

// runLogin performs a username/password login and stores the token.
// The password falls back to MPDECK_PASSWORD so it stays out of shell history.
func runLogin(ctx context.Context, api *client.Client, tm *auth.TokenManager, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	username := fs.String("u", tm.Config().Auth.Username, "username")
	password := fs.String("p", os.Getenv("MPDECK_PASSWORD"), "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *password == "" {
		return fmt.Errorf("username and password are required")
	}

	token, err := api.Login(ctx, *username, *password)
	if err != nil {
		return err
	}
	api.SetToken(token.AccessToken)
	if err := tm.Store(*username, token); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not save token to config: %v (you will need to log in again next run)\n", err)
		return nil
	}
	fmt.Fprintf(os.Stderr, "Logged in as %s. Token saved to %s\n", *username, tm.ConfigPath())
	return nil
}

func newConfirmer(api *client.Client, cfg config.Config) *poll.Confirmer {
	return poll.NewConfirmer(api, poll.Options{
		Interval:          cfg.Poll.QRIntervalOrDefault(),
		MaxAttempts:       cfg.Poll.QRMaxAttemptsOrDefault(),
		StatusInterval:    cfg.Poll.StatusIntervalOrDefault(),
		StatusMaxAttempts: cfg.Poll.StatusMaxAttemptsOrDefault(),
		StatusMaxErrors:   cfg.Poll.StatusMaxErrorsOrDefault(),
		Logger:            slog.Default(),
	})
}

// runQR drives the WeChat QR login, either through the login screen or with
// plain prompts on stderr, then verifies the stored session and prints it to out.
func runQR(ctx context.Context, out io.Writer, api *client.Client, account domain.AccountService, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("qr", flag.ContinueOnError)
	plain := fs.Bool("plain", false, "print prompts instead of showing the login screen")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}

	confirmer := newConfirmer(api, cfg)
	defer confirmer.Stop()

	var status domain.LoginStatus
	var err error
	if *plain {
		status, err = runQRPlain(ctx, api, confirmer)
	} else {
		status, err = tui.Run(ctx, confirmer, api.ResolveURL)
	}
	if err != nil {
		return err
	}
	if name, ok := status.Extra["nickname"].(string); ok && name != "" {
		fmt.Fprintf(os.Stderr, "WeChat login confirmed for %s\n", name)
	} else {
		fmt.Fprintln(os.Stderr, "WeChat login confirmed")
	}
	return verifySession(ctx, out, account, cfg, api.BaseURL())
}

// runQRPlain runs the QR login without the TUI.
// All prompts are written to stderr so stdout remains clean for piping.
func runQRPlain(ctx context.Context, api *client.Client, confirmer *poll.Confirmer) (domain.LoginStatus, error) {
	fmt.Fprintf(os.Stderr, "Preparing QR code...\n")
	session := confirmer.StartConfirmation(ctx)
	slog.Debug("waiting for QR code", "session", session.ID)
	code, err := session.Wait()
	if err != nil {
		return domain.LoginStatus{}, fmt.Errorf("preparing QR code: %w", err)
	}
	qrURL, err := api.ResolveURL(code.Code)
	if err != nil {
		qrURL = code.Code
	}
	fmt.Fprintf(os.Stderr, "Open and scan: %s\n", qrURL)
	fmt.Fprintf(os.Stderr, "Waiting for login confirmation...\n")
	statusSession := confirmer.StartStatus(ctx)
	slog.Debug("waiting for login confirmation", "session", statusSession.ID)
	status, err := statusSession.Wait()
	if err != nil {
		return domain.LoginStatus{}, fmt.Errorf("waiting for login: %w", err)
	}
	return status, nil
}

func runStatus(ctx context.Context, out io.Writer, account domain.AccountService, cfg config.Config, server string) error {
	if err := requireToken(cfg); err != nil {
		return err
	}
	return verifySession(ctx, out, account, cfg, server)
}

// verifySession checks the stored token against the backend and prints who it
// belongs to and when it expires.
func verifySession(ctx context.Context, out io.Writer, account domain.AccountService, cfg config.Config, server string) error {
	v, err := account.Verify(ctx)
	if err != nil {
		return err
	}
	if !v.IsValid {
		return &auth.AuthExpiredError{Username: cfg.Auth.Username}
	}
	fmt.Fprintf(out, "user:    %s\n", v.Username)
	fmt.Fprintf(out, "server:  %s\n", server)
	fmt.Fprintf(out, "expires: %s\n", timefmt.FormatTimestamp(v.ExpiresAt))
	return nil
}

func runWhoami(ctx context.Context, account domain.AccountService, cfg config.Config) error {
	if err := requireToken(cfg); err != nil {
		return err
	}
	u, err := account.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("username: %s\n", u.Username)
	fmt.Printf("nickname: %s\n", u.Nickname)
	fmt.Printf("role:     %s\n", u.Role)
	if u.Email != "" {
		fmt.Printf("email:    %s\n", u.Email)
	}
	fmt.Printf("active:   %v\n", u.IsActive)
	return nil
}

func runRefresh(ctx context.Context, tm *auth.TokenManager) error {
	if _, err := tm.Refresh(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Token refreshed. Saved to %s\n", tm.ConfigPath())
	return nil
}

func runLogout(ctx context.Context, api *client.Client, tm *auth.TokenManager) error {
	if tm.Config().Auth.Token != "" {
		if err := api.Logout(ctx); err != nil && !errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
	}
	if err := tm.Clear(); err != nil {
		return fmt.Errorf("clearing stored token: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Logged out.")
	return nil
}
