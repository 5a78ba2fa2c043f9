package pkgworker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	appRef     = "app/org.example.Foo/x86_64/stable"
	runtimeRef = "runtime/org.example.Platform/x86_64/23.08"
)

const catalog = `
title: Example
refs:
  - ref: app/org.example.Foo/x86_64/stable
    commit: c1
    download_size: 9
    installed_size: 90
    runtime: runtime/org.example.Platform/x86_64/23.08
    payload: objects/foo
  - ref: runtime/org.example.Platform/x86_64/23.08
    commit: r1
    download_size: 7
    installed_size: 70
    payload: objects/platform
`

// Config holds integration test configuration loaded from environment variables.
type Config struct {
	Binary string
}

func (c *Config) defaults() error {
	if c.Binary == "" {
		c.Binary = "pkgworker"
	}

	// go test changes the CWD to the test package directory, relative paths would be wrong.
	if !filepath.IsAbs(c.Binary) {
		return fmt.Errorf("PKGWORKER_INTEGRATION_BINARY must be an absolute path, got %q", c.Binary)
	}
	if _, err := os.Stat(c.Binary); err != nil {
		return fmt.Errorf("pkgworker binary not found at %q: %w", c.Binary, err)
	}

	return nil
}

// NewConfig loads integration test configuration from environment variables.
// If the config is invalid or the activation env var is not set, the test is skipped.
func NewConfig(t *testing.T) Config {
	t.Helper()

	const (
		envActivation = "PKGWORKER_INTEGRATION"
		envBinary     = "PKGWORKER_INTEGRATION_BINARY"
	)

	if os.Getenv(envActivation) != "true" {
		t.Skipf("Skipping integration test: %s is not set to 'true'", envActivation)
	}

	c := Config{Binary: os.Getenv(envBinary)}
	if err := c.defaults(); err != nil {
		t.Skipf("Skipping due to invalid config: %s", err)
	}

	return c
}

// newEnv returns the environment of an isolated worker, its installations live
// in temporary directories.
func newEnv(t *testing.T) []string {
	t.Helper()

	return []string{
		"PKGWORKER_SYSTEM_PATH=" + t.TempDir(),
		"PKGWORKER_USER_PATH=" + t.TempDir(),
		"PKGWORKER_CONFIG_DIR=" + t.TempDir(),
	}
}

// newRemote writes a file based remote with an app and its runtime.
func newRemote(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(catalog), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "objects", "foo"), []byte("foo-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "objects", "platform"), []byte("runtime"), 0o644))

	return dir
}
