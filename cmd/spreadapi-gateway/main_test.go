// ABOUTME: Tests for command-line helpers of the gateway binary
// ABOUTME: Covers config path resolution, flag parsing and the color log handler

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("SPREADAPI_CONFIG", "/etc/spreadapi.yaml")
	assert.Equal(t, "/etc/spreadapi.yaml", getConfigPath())

	t.Setenv("SPREADAPI_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "spreadapi", "gateway.yaml"), getConfigPath())
}

func TestFlagValue(t *testing.T) {
	v, err := flagValue([]string{"--user", "u1"}, "user")
	require.NoError(t, err)
	assert.Equal(t, "u1", v)

	v, err = flagValue([]string{"--user= u2 "}, "user")
	require.NoError(t, err)
	assert.Equal(t, "u2", v)

	_, err = flagValue([]string{"--user"}, "user")
	assert.Error(t, err)

	_, err = flagValue([]string{"--nope", "x"}, "user")
	assert.Error(t, err)

	_, err = flagValue([]string{"stray"}, "user")
	assert.Error(t, err)
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("service_id", "loan").WithGroup("cache").Info("hit", "key", "k1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF hit")
	assert.Contains(t, out, "service_id=loan")
	assert.Contains(t, out, "cache.key=k1")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
