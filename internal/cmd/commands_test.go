package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/hermes-bridge/internal/version"
)

const testConfig = `
log_destination = "none"
active_platform = "s3"

platform "s3" {
  region     = "us-east-1"
  bucket     = "docs"
  access_key = "AKID"
  secret_key = "SECRET"
  authorized = true
}

platform "google" {
  scopes = ["drive"]
}
`

func writeConfig(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "bridge.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func run(t *testing.T, name string, args ...string) (int, *cli.MockUi) {
	ui := cli.NewMockUi()
	factory, ok := Commands(hclog.NewNullLogger(), ui)[name]
	require.True(t, ok, "no command %s", name)
	c, err := factory()
	require.NoError(t, err)
	return c.Run(args), ui
}

func TestVersion(t *testing.T) {
	code, ui := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, ui.OutputWriter.String(), version.Version)
}

func TestPlatforms(t *testing.T) {
	code, ui := run(t, "platforms", "-config", writeConfig(t))
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	out := ui.OutputWriter.String()
	assert.Contains(t, out, "* s3")
	assert.Contains(t, out, "google")
	assert.Contains(t, out, "direct")
}

func TestCall_Builtin(t *testing.T) {
	code, ui := run(t, "call", "-config", writeConfig(t), "bridge", "platform.get")
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Contains(t, ui.OutputWriter.String(), `"active": "s3"`)
}

func TestCall_Failures(t *testing.T) {
	path := writeConfig(t)

	code, ui := run(t, "call", "-config", path, "drive")
	assert.Equal(t, 1, code)
	assert.Contains(t, ui.ErrorWriter.String(), "expected a service and a method")

	code, ui = run(t, "call", "-config", path, "-params", "{not json", "drive", "files.get")
	assert.Equal(t, 1, code)
	assert.Contains(t, ui.ErrorWriter.String(), "error parsing params")

	code, ui = run(t, "call", "-config", path, "-platform", "google", "drive", "files.get")
	assert.Equal(t, 1, code)
	assert.Contains(t, ui.OutputWriter.String(), `"status": 403`)

	code, ui = run(t, "call", "-config", filepath.Join(t.TempDir(), "missing.hcl"), "bridge", "platform.get")
	assert.Equal(t, 1, code)
	assert.Contains(t, ui.ErrorWriter.String(), "error starting bridge")
}

func TestCacheStats(t *testing.T) {
	code, ui := run(t, "cache-stats", "-config", writeConfig(t))
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	assert.Contains(t, ui.OutputWriter.String(), "PLATFORM")
	assert.Contains(t, ui.OutputWriter.String(), "s3")
}

func TestMain_Version(t *testing.T) {
	assert.Equal(t, 0, Main([]string{"hermes-bridge", "-v"}))
}
