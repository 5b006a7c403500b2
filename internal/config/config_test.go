package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const full = `
identity_model  = "impersonation"
project_id      = "my-project"
active_platform = "google"
jit_auth        = true
log_destination = "none"
log_level       = "debug"

cache {
  store = "sqlite"
  path  = "/tmp/bridge/cache.db"
}

retry {
  max_attempts               = 4
  initial_delay              = "250ms"
  jitter                     = "0s"
  auth_retry_consumes_budget = true
}

bridge {
  max_wait = "30s"
}

platform "google" {
  service_account = "bridge@my-project.iam.gserviceaccount.com"
  subject         = "user@example.com"
  scopes          = ["drive", "documents"]
  manifest        = "appsscript.json"
  authorized      = true
}

platform "s3" {
  region     = "us-east-1"
  bucket     = "docs"
  role_arn   = "arn:aws:iam::123456789012:role/bridge"
  authorized = true
}

platform "minio" {
  kind           = "s3"
  identity_model = "direct"
  bucket         = "local"
  endpoint       = "http://localhost:9000"
  access_key     = "minioadmin"
  secret_key     = "minioadmin"
}
`

func write(t *testing.T, src string) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, DefaultFile, []byte(src), 0o644))
	return fs
}

func TestLoad_Full(t *testing.T) {
	cfg, err := Load(write(t, full), DefaultFile)
	require.NoError(t, err)

	assert.Equal(t, "impersonation", cfg.IdentityModel)
	assert.Equal(t, "google", cfg.ActivePlatform)
	assert.True(t, cfg.JITAuth)
	assert.Equal(t, StoreSQLite, cfg.Cache.Store)
	assert.Equal(t, "/tmp/bridge/cache.db", cfg.Cache.Path)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, Duration(cfg.Retry.InitialDelay))
	assert.Equal(t, "32s", cfg.Retry.MaxDelay)
	assert.True(t, cfg.Retry.AuthRetryConsumesBudget)
	assert.Equal(t, 30*time.Second, Duration(cfg.Bridge.MaxWait))
	assert.Equal(t, 8, cfg.Bridge.FanOut)

	require.Len(t, cfg.Platforms, 3)
	g, ok := cfg.Platform("google")
	require.True(t, ok)
	assert.Equal(t, KindGoogle, g.Kind)
	assert.Equal(t, "impersonation", g.IdentityModel)
	assert.Equal(t, []string{"drive", "documents"}, g.Scopes)

	m, ok := cfg.Platform("minio")
	require.True(t, ok)
	assert.Equal(t, KindS3, m.Kind)
	assert.Equal(t, "direct", m.IdentityModel)
	assert.False(t, m.Authorized)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(write(t, `platform "s3" { bucket = "docs" }`), DefaultFile)
	require.NoError(t, err)

	assert.Equal(t, "direct", cfg.IdentityModel)
	assert.Equal(t, "s3", cfg.ActivePlatform, "a single platform becomes active")
	assert.Equal(t, StoreMemory, cfg.Cache.Store)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, Duration(cfg.Retry.InitialDelay))
	assert.Equal(t, 500*time.Millisecond, Duration(cfg.Retry.Jitter))
	assert.False(t, cfg.Retry.AuthRetryConsumesBudget)
	assert.Equal(t, 5*time.Minute, Duration(cfg.Bridge.MaxWait))
	assert.Equal(t, "stderr", cfg.LogDestination)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	_, err := Load(write(t, `
identity_model  = "delegated"
active_platform = "dropbox"
cache { store = "redis" }
retry {
  max_attempts  = 0
  initial_delay = "soon"
}
platform "s3" { identity_model = "impersonation" }
platform "s3" { bucket = "again" }
`), DefaultFile)
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		"IdentityModel",
		"cache:",
		"retry:",
		"must be a duration",
		`platform "s3": declared more than once`,
		"Bucket: cannot be blank",
		"RoleARN: cannot be blank",
		`active_platform "dropbox"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestLoad_GoogleImpersonationNeedsIdentities(t *testing.T) {
	_, err := Load(write(t, `
identity_model = "impersonation"
platform "google" {}
`), DefaultFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ServiceAccount: cannot be blank")
	assert.Contains(t, err.Error(), "Subject: cannot be blank")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "missing.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read configuration")

	_, err = Load(write(t, `platform {`), DefaultFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode configuration")
}

func TestNewLogger(t *testing.T) {
	fs := afero.NewMemMapFs()

	cfg := &Config{LogDestination: "none"}
	logger, closer, err := cfg.NewLogger(fs, "hermes-bridge")
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.False(t, logger.IsError())

	cfg = &Config{LogDestination: "/var/log/bridge/bridge.log", LogLevel: "warn"}
	logger, closer, err = cfg.NewLogger(fs, "hermes-bridge")
	require.NoError(t, err)
	logger.Info("dropped")
	logger.Warn("kept", "platform", "google")
	require.NoError(t, closer.Close())

	data, err := afero.ReadFile(fs, "/var/log/bridge/bridge.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
	assert.Contains(t, string(data), "platform=google")
	assert.NotContains(t, string(data), "dropped")
}
