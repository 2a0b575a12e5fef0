package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestLoadLocation(t *testing.T) {
	loc, err := loadLocation("")
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	loc, err = loadLocation("Europe/Berlin")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	_, err = loadLocation("Mars/Olympus")
	assert.ErrorContains(t, err, "invalid timezone")
}

func TestSetupLogger(t *testing.T) {
	ctx := context.Background()
	assert.True(t, setupLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, setupLogger("info").Enabled(ctx, slog.LevelDebug))
	assert.False(t, setupLogger("WARN").Enabled(ctx, slog.LevelInfo))
	assert.True(t, setupLogger("bogus").Enabled(ctx, slog.LevelInfo))
}

// captureRunSettings runs the app with args and returns the settings the
// run action would have used.
func captureRunSettings(t *testing.T, args ...string) runSettings {
	t.Helper()

	var got runSettings
	var called bool
	capture := func(c *cli.Context) error {
		got = runSettingsFrom(c)
		called = true
		return nil
	}

	app := newApp()
	app.Action = capture
	for _, cmd := range app.Commands {
		if cmd.Name == "run" {
			cmd.Action = capture
		}
	}

	require.NoError(t, app.Run(append([]string{"kronos"}, args...)))
	require.True(t, called)
	return got
}

func TestRunFlagsPlacement(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "before command", args: []string{"--dry-run", "--keep-going", "--config", "alt.yml", "--schedule", "0 7 * * *", "--smtp-timeout", "5s", "run"}},
		{name: "after command", args: []string{"run", "--dry-run", "--keep-going", "--config", "alt.yml", "--schedule", "0 7 * * *", "--smtp-timeout", "5s"}},
		{name: "default action", args: []string{"--dry-run", "--keep-going", "--config", "alt.yml", "--schedule", "0 7 * * *", "--smtp-timeout", "5s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := captureRunSettings(t, tt.args...)
			assert.True(t, got.DryRun)
			assert.True(t, got.KeepGoing)
			assert.Equal(t, "alt.yml", got.ConfigPath)
			assert.Equal(t, "0 7 * * *", got.Schedule)
			assert.Equal(t, 5*time.Second, got.SMTPTimeout)
		})
	}
}

func TestRunFlagsDefaults(t *testing.T) {
	got := captureRunSettings(t, "run")
	assert.False(t, got.DryRun)
	assert.False(t, got.KeepGoing)
	assert.Equal(t, "config.yml", got.ConfigPath)
	assert.Equal(t, 30*time.Second, got.SMTPTimeout)
	assert.Empty(t, got.Schedule)
}

func TestRunFlagsCommandWins(t *testing.T) {
	got := captureRunSettings(t, "--config", "outer.yml", "run", "--config", "inner.yml")
	assert.Equal(t, "inner.yml", got.ConfigPath)
}
