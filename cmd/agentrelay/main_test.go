package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrelay/internal/infra/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestProjectCommandsRoundTrip(t *testing.T) {
	dir := t.TempDir()

	id, err := execute(t, "encode-project", dir)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	path, err := execute(t, "decode-project", id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), path)
}

func TestDecodeProjectRejectsGarbage(t *testing.T) {
	_, err := execute(t, "decode-project", "!!not-base64!!")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "agentrelay "), out)
}

func TestBuildWiresOptionalSubsystems(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Watcher.Root = dir
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	cfg.Auth.Enabled = true
	cfg.Auth.Tokens = []config.TokenConfig{{Name: "test", Token: "s3cret"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := build(ctx, cfg, log)
	require.NoError(t, err)
	defer c.shutdown(cfg, log)

	assert.NotNil(t, c.watcher)
	assert.NotNil(t, c.journal)

	srv := httptest.NewServer(c.server.Handler(ctx))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/processes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBuildSkipsMissingWatchRoot(t *testing.T) {
	cfg := config.Defaults()
	cfg.Watcher.Root = filepath.Join(t.TempDir(), "absent")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := build(context.Background(), cfg, log)
	require.NoError(t, err)
	defer c.shutdown(cfg, log)

	assert.Nil(t, c.watcher)
	assert.Nil(t, c.journal)
}
