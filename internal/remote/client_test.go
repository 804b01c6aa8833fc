package remote

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// staticToken is a TokenSource returning a fixed token.
type staticToken string

func (s staticToken) Token() (string, error) {
	return string(s), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// newTestClient builds a client against srv with instant retries.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c := NewClient(srv.URL, srv.Client(), staticToken("tok-1"), RetryPolicy{}, testLogger(t))
	c.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }

	return c
}

func TestDo_SendsBearerToken(t *testing.T) {
	t.Parallel()

	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.Do(context.Background(), http.MethodGet, "/nodes", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok-1")
	}
}

func TestDo_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.Do(context.Background(), http.MethodGet, "/quota", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestDo_ExhaustedRetriesClassifyAsServer(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/quota", nil)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("err = %v, want ErrServer", err)
	}

	// Initial attempt plus defaultMaxRetries.
	if got := calls.Load(); got != defaultMaxRetries+1 {
		t.Errorf("server saw %d calls, want %d", got, defaultMaxRetries+1)
	}
}

func TestDo_AuthErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/nodes", nil)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1 (auth failures must not be retried)", got)
	}
}

func TestDo_QuotaError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodPost, "/files/upload", nil)
	if !errors.Is(err, ErrQuota) {
		t.Fatalf("err = %v, want ErrQuota", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err is not *APIError: %v", err)
	}

	if apiErr.StatusCode != http.StatusInsufficientStorage {
		t.Errorf("StatusCode = %d, want 507", apiErr.StatusCode)
	}
}

func TestDo_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such node", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/nodes/missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDo_ContextCancellationStopsRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())

	c := newTestClient(t, srv)
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Do(ctx, http.MethodGet, "/quota", nil)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"auth", ErrAuth, false},
		{"quota", ErrQuota, false},
		{"not found", ErrNotFound, false},
		{"bad request", ErrBadRequest, false},
		{"network", ErrNetwork, true},
		{"server", ErrServer, true},
		{"throttled", ErrThrottled, true},
		{"generic", errors.New("boom"), true},
	}

	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCalcBackoff_Bounded(t *testing.T) {
	t.Parallel()

	c := NewClient("http://example.invalid", nil, staticToken("t"), RetryPolicy{}, testLogger(t))

	for attempt := range 20 {
		d := c.calcBackoff(attempt)
		if d < 0 {
			t.Errorf("attempt %d: negative backoff %v", attempt, d)
		}

		// Max plus 25% jitter headroom.
		if d > maxBackoff+maxBackoff/4 {
			t.Errorf("attempt %d: backoff %v exceeds cap", attempt, d)
		}
	}
}
