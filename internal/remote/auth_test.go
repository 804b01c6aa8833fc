package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/skyvault/skyvault-go/internal/tokenfile"
)

// fakeTokenEndpoint serves the OAuth2 password grant. Valid credentials are
// alice@example.com / hunter2.
func fakeTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenEndpointPath {
			http.NotFound(w, r)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		if r.Form.Get("username") != "alice@example.com" || r.Form.Get("password") != "hunter2" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"sess-token-1","refresh_token":"refresh-1","token_type":"Bearer","expires_in":3600}`)
	}))
}

func TestLogin_Success(t *testing.T) {
	t.Parallel()

	srv := fakeTokenEndpoint(t)
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	src, err := Login(context.Background(), srv.URL, tokenPath, "alice@example.com", "hunter2", testLogger(t))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if tok != "sess-token-1" {
		t.Errorf("token = %q, want sess-token-1", tok)
	}

	// Token persisted with cached email.
	saved, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		t.Fatalf("tokenfile.Load: %v", err)
	}

	if saved.AccessToken != "sess-token-1" {
		t.Errorf("saved token = %q", saved.AccessToken)
	}

	if meta["email"] != "alice@example.com" {
		t.Errorf("meta email = %q", meta["email"])
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	t.Parallel()

	srv := fakeTokenEndpoint(t)
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	_, err := Login(context.Background(), srv.URL, tokenPath, "alice@example.com", "wrong", testLogger(t))
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}

	// No token may be persisted on failure.
	tok, _, loadErr := tokenfile.Load(tokenPath)
	if loadErr != nil {
		t.Fatalf("tokenfile.Load: %v", loadErr)
	}

	if tok != nil {
		t.Error("token file written despite failed login")
	}
}

func TestLogin_ServerDownIsNetworkError(t *testing.T) {
	t.Parallel()

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	// Unroutable port: dial fails immediately.
	_, err := Login(context.Background(), "http://127.0.0.1:1", tokenPath, "alice@example.com", "hunter2", testLogger(t))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestTokenSourceFromPath_NotLoggedIn(t *testing.T) {
	t.Parallel()

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	_, err := TokenSourceFromPath(context.Background(), "http://example.invalid", tokenPath, testLogger(t))
	if !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("err = %v, want ErrNotLoggedIn", err)
	}
}

func TestTokenSourceFromPath_LoadsSavedToken(t *testing.T) {
	t.Parallel()

	srv := fakeTokenEndpoint(t)
	defer srv.Close()

	tokenPath := filepath.Join(t.TempDir(), "token.json")

	if _, err := Login(context.Background(), srv.URL, tokenPath, "alice@example.com", "hunter2", testLogger(t)); err != nil {
		t.Fatalf("Login: %v", err)
	}

	src, err := TokenSourceFromPath(context.Background(), srv.URL, tokenPath, testLogger(t))
	if err != nil {
		t.Fatalf("TokenSourceFromPath: %v", err)
	}

	tok, err := src.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if tok != "sess-token-1" {
		t.Errorf("token = %q, want sess-token-1", tok)
	}
}
