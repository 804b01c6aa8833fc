package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/skyvault/skyvault-go/internal/client"
	"github.com/skyvault/skyvault-go/internal/remote"
	"github.com/skyvault/skyvault-go/internal/session"
)

// connectClient builds the facade client from the resolved config. The
// renderer is wired as the progress observer; commands that never transfer
// content just ignore it.
func connectClient(ctx context.Context, renderer *progressRenderer) (*client.Client, error) {
	opts := client.Options{}
	if renderer != nil {
		opts.OnProgress = renderer.update
	}

	c, err := client.Connect(ctx, resolvedCfg, opts, buildLogger())
	if err != nil {
		return nil, err
	}

	return c, nil
}

// resolvePassword returns the account password from the --password flag, the
// SKYVAULT_PASSWORD environment variable, or stdin when passwordStdin is set.
func resolvePassword(flagPassword string, passwordStdin bool) (string, error) {
	if flagPassword != "" {
		return flagPassword, nil
	}

	if passwordStdin {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password from stdin: %w", err)
		}

		return strings.TrimRight(line, "\r\n"), nil
	}

	if pw := os.Getenv(envPassword); pw != "" {
		return pw, nil
	}

	return "", fmt.Errorf("no password given: use --password, --password-stdin, or %s", envPassword)
}

// ensureUnlocked re-derives key material for a resumed session when a
// password is available from --password or the environment. A session from a
// fresh login already holds keys, so Unlock is a no-op there. Without a
// password this does nothing; the content operation then fails with
// ErrLocked and friendlyError tells the user what to supply.
func ensureUnlocked(ctx context.Context, c *client.Client, flagPassword string) error {
	password := flagPassword
	if password == "" {
		password = os.Getenv(envPassword)
	}

	if password == "" {
		return nil
	}

	return c.Unlock(ctx, password)
}

// friendlyError rewrites common sentinel errors into actionable messages.
func friendlyError(err error) error {
	switch {
	case errors.Is(err, remote.ErrNotLoggedIn):
		return fmt.Errorf("not logged in, run 'skyvault login' first")
	case errors.Is(err, session.ErrLocked):
		return fmt.Errorf("session is locked: supply the account password via --password or %s", envPassword)
	case errors.Is(err, remote.ErrAuth):
		return fmt.Errorf("authentication failed: %w", err)
	default:
		return err
	}
}
