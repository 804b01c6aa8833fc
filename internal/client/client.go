// Package client is the high-level facade over session management, the
// remote tree cache, and the transfer engine. CLI commands and embedding
// programs talk to this package only.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/skyvault/skyvault-go/internal/config"
	"github.com/skyvault/skyvault-go/internal/remote"
	"github.com/skyvault/skyvault-go/internal/session"
	"github.com/skyvault/skyvault-go/internal/transfer"
)

// ErrInvalidArgument is returned for empty or malformed inputs rejected
// before any remote call.
var ErrInvalidArgument = errors.New("client: invalid argument")

// Options configures Connect beyond the config file.
type Options struct {
	// TokenPath overrides the default token file location.
	TokenPath string

	// LedgerPath overrides the default transfer ledger location. ":memory:"
	// gives an ephemeral ledger; empty selects the default path.
	LedgerPath string

	// OnProgress receives transfer progress snapshots. May be nil.
	OnProgress func(transfer.Progress)
}

// Client is one connection to the storage authority.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *session.Manager
	ledger  *transfer.Ledger

	onProgress func(transfer.Progress)
}

// Connect builds the transport, session manager, and resume ledger from
// config. The returned Client's Close releases everything; no remote calls
// happen until an operation needs them.
func Connect(_ context.Context, cfg *config.Config, opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tokenPath := opts.TokenPath
	if tokenPath == "" {
		tokenPath = config.DefaultTokenPath()
	}

	ledgerPath := opts.LedgerPath
	if ledgerPath == "" {
		ledgerPath = config.DefaultLedgerPath()
	}

	httpClient := &http.Client{Timeout: cfg.ConnectTimeout()}

	manager := session.NewManager(session.Config{
		BaseURL:       cfg.API.BaseURL,
		TokenPath:     tokenPath,
		LoginAttempts: cfg.Session.LoginAttempts,
		LoginBackoff:  cfg.LoginBackoff(),
		CacheTTL:      cfg.CacheTTL(),
		Retry: remote.RetryPolicy{
			MaxRetries:  cfg.API.MaxRetries,
			BaseBackoff: cfg.RetryBackoff(),
		},
	}, httpClient, logger)

	ledger, err := transfer.OpenLedger(ledgerPath, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		logger:     logger,
		manager:    manager,
		ledger:     ledger,
		onProgress: opts.OnProgress,
	}, nil
}

// Close tears down the live session (without logging out) and releases the
// ledger. Safe on any exit path.
func (c *Client) Close() error {
	c.manager.Close()

	return c.ledger.Close()
}

// Login authenticates and establishes the session.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return fmt.Errorf("%w: email and password are required", ErrInvalidArgument)
	}

	_, err := c.manager.Login(ctx, email, password)

	return err
}

// Logout ends the session, revoking it remotely and deleting the saved
// token. Works from a fresh process by resuming the saved session first.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.session(ctx); err != nil {
		return err
	}

	return c.manager.Logout(ctx)
}

// Whoami returns the authenticated account email.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	s, err := c.session(ctx)
	if err != nil {
		return "", err
	}

	return s.Email, nil
}

// Unlock supplies the account password to a resumed session so content
// operations can derive file keys. No-op on a fresh login.
func (c *Client) Unlock(ctx context.Context, password string) error {
	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	return s.Unlock(password)
}

// session returns the live session, resuming from the saved token if
// needed.
func (c *Client) session(ctx context.Context) (*session.Session, error) {
	s, err := c.manager.Current()
	if err == nil {
		return s, nil
	}

	return c.manager.Resume(ctx)
}

// engine builds a transfer engine bound to the session's remote client and
// key material.
func (c *Client) engine(s *session.Session) (*transfer.Engine, error) {
	ring, err := s.Ring()
	if err != nil {
		return nil, err
	}

	return transfer.NewEngine(s.Remote, ring, c.ledger, transfer.Config{
		ChunkSize:    c.cfg.ChunkSizeBytes(),
		Parallel:     c.cfg.Transfers.Parallel,
		ChunkRetries: c.cfg.Transfers.ChunkRetries,
		ChunkBackoff: c.cfg.ChunkBackoff(),
	}, c.onProgress, c.logger), nil
}
