package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// eventsPath is the websocket change-feed endpoint, relative to the API base.
const eventsPath = "/events"

// initialFeedBackoff is the reconnect delay after the first feed failure;
// it doubles per consecutive failure up to maxFeedBackoff.
const (
	initialFeedBackoff = 2 * time.Second
	maxFeedBackoff     = 60 * time.Second
)

// StreamEvents connects to the authority's change feed and delivers tree
// mutation events to ch until ctx is canceled. Connection drops are
// retried with exponential backoff; the caller only sees events, never
// reconnects. The channel is closed when StreamEvents returns.
//
// Send blocks if the consumer lags. The tree cache applies events quickly
// under its own lock, so a bounded channel is enough backpressure.
func (c *Client) StreamEvents(ctx context.Context, ch chan<- ChangeEvent) error {
	defer close(ch)

	url := websocketURL(c.baseURL) + eventsPath
	backoff := initialFeedBackoff

	for {
		err := c.streamOnce(ctx, url, ch)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("event feed disconnected, reconnecting",
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return sleepErr
		}

		backoff *= 2
		if backoff > maxFeedBackoff {
			backoff = maxFeedBackoff
		}
	}
}

// streamOnce runs a single websocket connection until it fails or ctx is
// canceled. A successful read resets the caller's backoff indirectly by
// returning only on failure.
func (c *Client) streamOnce(ctx context.Context, url string, ch chan<- ChangeEvent) error {
	tok, err := c.token.Token()
	if err != nil {
		return fmt.Errorf("remote: obtaining token for event feed: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	header.Set("User-Agent", userAgent)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("remote: dialing event feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("event feed connected")

	for {
		var ev ChangeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("remote: event feed closed: %w", err)
			}

			return fmt.Errorf("remote: reading event: %w", err)
		}

		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// websocketURL rewrites an http(s) base URL to the ws(s) scheme.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
