package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvault/skyvault-go/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests set
// globals AFTER newRootCmd() returns, or go through cmd.SetArgs + Execute.

func resetFlags(t *testing.T) {
	t.Helper()

	oldVerbose, oldQuiet, oldJSON := flagVerbose, flagQuiet, flagJSON
	oldCfg := resolvedCfg

	t.Cleanup(func() {
		flagVerbose, flagQuiet, flagJSON = oldVerbose, oldQuiet, oldJSON
		resolvedCfg = oldCfg
	})
}

func TestBuildLogger_Default(t *testing.T) {
	resetFlags(t)

	flagVerbose = false
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Verbose(t *testing.T) {
	resetFlags(t)

	flagVerbose = true
	flagQuiet = false
	resolvedCfg = config.DefaultConfig()

	logger := buildLogger()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_QuietWinsOverConfig(t *testing.T) {
	resetFlags(t)

	flagVerbose = false
	flagQuiet = true

	cfg := config.DefaultConfig()
	cfg.Logging.LogLevel = "debug"
	resolvedCfg = cfg

	logger := buildLogger()

	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	want := []string{
		"login", "logout", "whoami",
		"ls", "get", "put", "df",
		"mkdir", "rm", "mv", "stat", "link",
		"version",
	}

	registered := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		registered[sub.Name()] = true
	}

	for _, name := range want {
		assert.True(t, registered[name], "subcommand %q not registered", name)
	}
}

func TestRootCmd_SilencesCobraOutput(t *testing.T) {
	cmd := newRootCmd()

	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.SilenceUsage)
}

func TestRootCmd_UnknownCommandFails(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"frobnicate"})

	err := cmd.Execute()
	require.Error(t, err)
}
