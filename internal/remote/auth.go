package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/skyvault/skyvault-go/internal/tokenfile"
)

// OAuth2 client registered for the skyvault CLI (public client).
const defaultClientID = "skyvault-cli"

// tokenEndpointPath is the resource-owner-password-credentials token
// endpoint, relative to the API base URL.
const tokenEndpointPath = "/oauth/token"

// ErrNotLoggedIn is returned when no saved token exists at the token path.
var ErrNotLoggedIn = errors.New("remote: not logged in (run login first)")

// Login exchanges credentials for a session token via the OAuth2 password
// grant, saves the token to disk at tokenPath, and returns a TokenSource
// with silent refresh.
//
// Credential rejection maps to ErrAuth and is never retried. The password
// is never logged or persisted — only the resulting token is.
//
// The returned TokenSource binds ctx to the underlying oauth2 token source.
// ctx must outlive the TokenSource; callers pass context.Background() for
// long-lived sessions.
func Login(ctx context.Context, baseURL, tokenPath, email, password string, logger *slog.Logger) (TokenSource, error) {
	cfg := oauthConfig(baseURL)

	logger.Info("authenticating", slog.String("email", email))

	tok, err := cfg.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		return nil, classifyOAuthError(err)
	}

	logger.Info("authenticated, saving token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
	)

	if saveErr := tokenfile.Save(tokenPath, tok, map[string]string{"email": email}); saveErr != nil {
		return nil, fmt.Errorf("remote: saving token: %w", saveErr)
	}

	return newTokenBridge(ctx, cfg, tok, tokenPath, logger), nil
}

// TokenSourceFromPath loads a saved token from the given path and returns a
// TokenSource with silent refresh and re-persistence. Returns ErrNotLoggedIn
// if no token file exists.
func TokenSourceFromPath(ctx context.Context, baseURL, tokenPath string, logger *slog.Logger) (TokenSource, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, ErrNotLoggedIn
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now())
	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
		slog.String("email", meta["email"]),
	)

	return newTokenBridge(ctx, oauthConfig(baseURL), tok, tokenPath, logger), nil
}

// RevokeSession invalidates the current session token on the authority.
// Best-effort: callers log failures but still discard local state.
func (c *Client) RevokeSession(ctx context.Context) error {
	resp, err := c.Do(ctx, http.MethodPost, "/session/revoke", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return drain(resp.Body)
}

// oauthConfig builds the oauth2 configuration for the authority's token
// endpoint.
func oauthConfig(baseURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: defaultClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  baseURL + tokenEndpointPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// classifyOAuthError maps oauth2 retrieval failures to the error taxonomy:
// 4xx token responses are credential rejections (ErrAuth, fatal), anything
// else is a network failure.
func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := retrieveErr.Response.StatusCode
		if code >= http.StatusBadRequest && code < http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// newTokenBridge wraps an oauth2 token source behind the remote.TokenSource
// interface, persisting silently refreshed tokens back to disk.
func newTokenBridge(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token, tokenPath string, logger *slog.Logger) *tokenBridge {
	return &tokenBridge{
		src:       oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
		tokenPath: tokenPath,
		last:      tok.AccessToken,
		logger:    logger,
	}
}

// tokenBridge adapts oauth2.TokenSource to remote.TokenSource. When the
// library silently refreshes the token, the new token is persisted so the
// next process start does not need a refresh round-trip.
type tokenBridge struct {
	src       oauth2.TokenSource
	tokenPath string
	logger    *slog.Logger

	mu   sync.Mutex
	last string
}

func (b *tokenBridge) Token() (string, error) {
	tok, err := b.src.Token()
	if err != nil {
		return "", classifyOAuthError(err)
	}

	b.mu.Lock()
	changed := tok.AccessToken != b.last
	if changed {
		b.last = tok.AccessToken
	}
	b.mu.Unlock()

	if changed {
		b.logger.Info("token refreshed",
			slog.String("path", b.tokenPath),
			slog.Time("new_expiry", tok.Expiry),
		)

		if saveErr := tokenfile.Save(b.tokenPath, tok, nil); saveErr != nil {
			b.logger.Warn("failed to persist refreshed token",
				slog.String("path", b.tokenPath),
				slog.String("error", saveErr.Error()),
			)
		}
	}

	return tok.AccessToken, nil
}
