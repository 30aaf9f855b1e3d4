package integration

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	ClaudePath  string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment.
// AGENTRELAY_IT_CLAUDE overrides the claude binary found on PATH.
func LoadConfig() *Config {
	path := os.Getenv("AGENTRELAY_IT_CLAUDE")
	if path == "" {
		path, _ = exec.LookPath("claude")
	}
	return &Config{
		ClaudePath:  path,
		TestTimeout: 2 * time.Minute,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoEngine skips the test when no claude binary is available
func SkipIfNoEngine(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.ClaudePath == "" {
		t.Skip("Skipping engine integration test: claude not on PATH and AGENTRELAY_IT_CLAUDE not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
