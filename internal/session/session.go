// Package session manages the authenticated lifecycle: login against the
// token endpoint, master key derivation, token persistence, tree cache
// priming, the change-event feed, and logout teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/skyvault/skyvault-go/internal/keyring"
	"github.com/skyvault/skyvault-go/internal/remote"
	"github.com/skyvault/skyvault-go/internal/tokenfile"
	"github.com/skyvault/skyvault-go/internal/tree"
)

// Login retry defaults for network failures. Credential rejection is never
// retried.
const (
	defaultLoginAttempts = 3
	defaultLoginBackoff  = 2 * time.Second
	loginBackoffJitter   = 0.25

	eventBuffer = 64
)

// ErrAlreadyAuthenticated is returned by Login when the manager already
// holds a live session. It matches remote.ErrAuth under errors.Is.
var ErrAlreadyAuthenticated = fmt.Errorf("%w: already authenticated", remote.ErrAuth)

// ErrNoSession is returned by operations that need a live session when the
// manager has none.
var ErrNoSession = errors.New("session: not logged in")

// ErrLocked is returned when a content operation needs key material but the
// session was resumed from a saved token without the account password.
var ErrLocked = errors.New("session: key material locked, password required")

// Config tunes the manager.
type Config struct {
	// BaseURL is the authority's API root.
	BaseURL string

	// TokenPath is where the OAuth2 token is persisted.
	TokenPath string

	// LoginAttempts bounds retries of network failures during login.
	LoginAttempts int

	// LoginBackoff is the initial delay between login retries.
	LoginBackoff time.Duration

	// CacheTTL is the tree cache freshness window.
	CacheTTL time.Duration

	// Retry is the remote client's request retry policy.
	Retry remote.RetryPolicy
}

// Session is one authenticated connection to the authority. Remote and
// Tree are always usable; Ring is nil when the session was resumed from a
// saved token and Unlock has not been called.
type Session struct {
	Email  string
	Remote *remote.Client
	Tree   *tree.Cache

	mu   sync.RWMutex
	ring *keyring.Ring

	ready  chan struct{}
	cancel context.CancelFunc
}

// Ready returns a channel closed once background tree priming finishes
// (successfully or not). Operations work before readiness; they just pay
// the population cost inline.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Ring returns the key material, or ErrLocked when the session has none.
func (s *Session) Ring() (*keyring.Ring, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ring == nil {
		return nil, ErrLocked
	}

	return s.ring, nil
}

// Unlock derives the master key from the account password for a resumed
// session. No-op if the session already holds key material.
func (s *Session) Unlock(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ring != nil {
		return nil
	}

	master := keyring.MasterKey(s.Email, password)
	defer keyring.Zero(master)

	ring, err := keyring.New(master)
	if err != nil {
		return err
	}

	s.ring = ring

	return nil
}

// Manager owns at most one live session.
type Manager struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	current *Session

	// sleepFunc is the login retry delay; tests replace it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewManager creates a manager. httpClient may be nil for http.DefaultClient.
func NewManager(cfg Config, httpClient *http.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = defaultLoginAttempts
	}

	if cfg.LoginBackoff <= 0 {
		cfg.LoginBackoff = defaultLoginBackoff
	}

	return &Manager{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Current returns the live session, or ErrNoSession.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrNoSession
	}

	return m.current, nil
}

// Login authenticates with email and password, derives the master key,
// persists the token, and starts background tree priming and the event
// feed. Credential rejection fails immediately; network failures are
// retried with bounded backoff.
func (m *Manager) Login(ctx context.Context, email, password string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyAuthenticated
	}

	src, err := m.loginWithRetry(ctx, email, password)
	if err != nil {
		return nil, err
	}

	master := keyring.MasterKey(email, password)
	defer keyring.Zero(master)

	ring, err := keyring.New(master)
	if err != nil {
		return nil, err
	}

	s, err := m.buildSession(email, src)
	if err != nil {
		ring.Close()
		return nil, err
	}

	s.ring = ring
	m.current = s

	m.logger.Info("logged in", slog.String("email", email))

	return s, nil
}

// Resume restores a session from the persisted token without the account
// password. The session works for metadata operations; content transfer
// needs Unlock first.
func (m *Manager) Resume(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	src, err := remote.TokenSourceFromPath(ctx, m.cfg.BaseURL, m.cfg.TokenPath, m.logger)
	if err != nil {
		return nil, err
	}

	meta, err := tokenfile.ReadMeta(m.cfg.TokenPath)
	if err != nil {
		return nil, err
	}

	s, err := m.buildSession(meta["email"], src)
	if err != nil {
		return nil, err
	}

	m.current = s

	m.logger.Debug("session resumed", slog.String("email", s.Email))

	return s, nil
}

// Refresh reloads the full tree on the live session. The token source
// refreshes itself lazily on the next authenticated request.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	s, err := m.Current()
	if err != nil {
		return nil, err
	}

	if err := s.Tree.Refresh(ctx, "/"); err != nil {
		return nil, err
	}

	return s, nil
}

// Logout revokes the remote session (best-effort), deletes the persisted
// token, zeroes key material, and resets the manager.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNoSession
	}

	s := m.current

	if err := s.Remote.RevokeSession(ctx); err != nil {
		m.logger.Warn("remote session revocation failed", slog.String("error", err.Error()))
	}

	if err := tokenfile.Delete(m.cfg.TokenPath); err != nil {
		return fmt.Errorf("session: deleting token file: %w", err)
	}

	s.cancel()

	s.mu.Lock()
	if s.ring != nil {
		s.ring.Close()
		s.ring = nil
	}
	s.mu.Unlock()

	m.current = nil

	m.logger.Info("logged out", slog.String("email", s.Email))

	return nil
}

// Close tears down the live session without revoking or deleting anything.
// For process shutdown; the session remains resumable.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}

	m.current.cancel()

	m.current.mu.Lock()
	if m.current.ring != nil {
		m.current.ring.Close()
		m.current.ring = nil
	}
	m.current.mu.Unlock()

	m.current = nil
}

// buildSession wires the remote client, tree cache, priming goroutine, and
// event feed for a fresh token source. Caller holds m.mu.
func (m *Manager) buildSession(email string, src remote.TokenSource) (*Session, error) {
	client := remote.NewClient(m.cfg.BaseURL, m.httpClient, src, m.cfg.Retry, m.logger)
	cache := tree.New(client, m.cfg.CacheTTL, m.logger)

	bgCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		Email:  email,
		Remote: client,
		Tree:   cache,
		ready:  make(chan struct{}),
		cancel: cancel,
	}

	// Fire-and-forget priming: the first Resolve does not pay the full
	// population cost. Failure is logged; lookups will retry lazily.
	go func() {
		defer close(s.ready)

		if err := cache.Prime(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("tree priming failed", slog.String("error", err.Error()))
		}
	}()

	// Change-event feed keeps the cache current between TTL expiries.
	events := make(chan remote.ChangeEvent, eventBuffer)
	go client.StreamEvents(bgCtx, events)
	go cache.Consume(bgCtx, events)

	return s, nil
}

// loginWithRetry runs the password grant, retrying network failures with
// exponential backoff and jitter. Auth failures return immediately.
func (m *Manager) loginWithRetry(ctx context.Context, email, password string) (remote.TokenSource, error) {
	var lastErr error

	for attempt := 0; attempt < m.cfg.LoginAttempts; attempt++ {
		if attempt > 0 {
			delay := loginBackoff(m.cfg.LoginBackoff, attempt)

			m.logger.Warn("retrying login after network failure",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)

			if err := m.sleepFunc(ctx, delay); err != nil {
				return nil, err
			}
		}

		src, err := remote.Login(ctx, m.cfg.BaseURL, m.cfg.TokenPath, email, password, m.logger)
		if err == nil {
			return src, nil
		}

		if !errors.Is(err, remote.ErrNetwork) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("session: login failed after %d attempts: %w", m.cfg.LoginAttempts, lastErr)
}

// loginBackoff doubles the base delay per attempt with +/-25% jitter.
func loginBackoff(base time.Duration, attempt int) time.Duration {
	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	jitter := 1 + loginBackoffJitter*(2*rand.Float64()-1) //nolint:gosec // jitter needs no cryptographic randomness

	return time.Duration(delay * jitter)
}
