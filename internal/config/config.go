// Package config loads the HCL configuration of the bridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/hermes-bridge/pkg/auth"
)

// DefaultFile is the configuration file read when none is given.
const DefaultFile = "hermes-bridge.hcl"

// Cache store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Platform kinds.
const (
	KindGoogle = "google"
	KindS3     = "s3"
)

// Config is the process configuration. It is read once at startup.
type Config struct {
	IdentityModel  string `hcl:"identity_model,optional"`
	ProjectID      string `hcl:"project_id,optional"`
	ActivePlatform string `hcl:"active_platform,optional"`
	JITAuth        bool   `hcl:"jit_auth,optional"`
	LogDestination string `hcl:"log_destination,optional"`
	LogLevel       string `hcl:"log_level,optional"`
	LogJSON        bool   `hcl:"log_json,optional"`

	Cache     *Cache      `hcl:"cache,block"`
	Retry     *Retry      `hcl:"retry,block"`
	Bridge    *Bridge     `hcl:"bridge,block"`
	Platforms []*Platform `hcl:"platform,block"`
}

// Cache configures the resource cache.
type Cache struct {
	// Store is "memory" or "sqlite".
	Store string `hcl:"store,optional"`
	Path  string `hcl:"path,optional"`
}

// Retry configures the retry engine. Durations use Go duration syntax.
type Retry struct {
	MaxAttempts             int    `hcl:"max_attempts,optional"`
	InitialDelay            string `hcl:"initial_delay,optional"`
	MaxDelay                string `hcl:"max_delay,optional"`
	Jitter                  string `hcl:"jitter,optional"`
	AuthRetryConsumesBudget bool   `hcl:"auth_retry_consumes_budget,optional"`
}

// Bridge configures the blocking front.
type Bridge struct {
	MaxWait string `hcl:"max_wait,optional"`
	FanOut  int    `hcl:"fan_out,optional"`
}

// Platform configures one platform route. Kind defaults to the label.
type Platform struct {
	Name          string   `hcl:"name,label"`
	Kind          string   `hcl:"kind,optional"`
	IdentityModel string   `hcl:"identity_model,optional"`
	Authorized    bool     `hcl:"authorized,optional"`
	Scopes        []string `hcl:"scopes,optional"`

	// Google.
	CredentialsFile string `hcl:"credentials_file,optional"`
	ServiceAccount  string `hcl:"service_account,optional"`
	Subject         string `hcl:"subject,optional"`
	Manifest        string `hcl:"manifest,optional"`
	VerifyToken     bool   `hcl:"verify_token,optional"`

	// S3.
	Region             string `hcl:"region,optional"`
	Bucket             string `hcl:"bucket,optional"`
	Prefix             string `hcl:"prefix,optional"`
	Endpoint           string `hcl:"endpoint,optional"`
	Profile            string `hcl:"profile,optional"`
	AccessKey          string `hcl:"access_key,optional"`
	SecretKey          string `hcl:"secret_key,optional"`
	RoleARN            string `hcl:"role_arn,optional"`
	STSEndpoint        string `hcl:"sts_endpoint,optional"`
	SkipIdentityLookup bool   `hcl:"skip_identity_lookup,optional"`
}

// Load reads and decodes path from fs, applies defaults and validates.
func Load(fs afero.Fs, path string) (*Config, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	src, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	var cfg Config
	// hclsimple picks the syntax from the file extension.
	name := path
	if ext := filepath.Ext(name); ext != ".hcl" && ext != ".json" {
		name += ".hcl"
	}
	if err := hclsimple.Decode(name, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration from %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults sets default values for optional fields.
func (c *Config) SetDefaults() {
	if c.IdentityModel == "" {
		c.IdentityModel = string(auth.ModelDirect)
	}
	if c.LogDestination == "" {
		c.LogDestination = "stderr"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Cache == nil {
		c.Cache = &Cache{}
	}
	if c.Cache.Store == "" {
		c.Cache.Store = StoreMemory
	}
	if c.Cache.Store == StoreSQLite && c.Cache.Path == "" {
		c.Cache.Path = filepath.Join(".hermes", "cache.db")
	}

	if c.Retry == nil {
		c.Retry = &Retry{}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "1s"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "32s"
	}
	if c.Retry.Jitter == "" {
		c.Retry.Jitter = "500ms"
	}

	if c.Bridge == nil {
		c.Bridge = &Bridge{}
	}
	if c.Bridge.MaxWait == "" {
		c.Bridge.MaxWait = "5m"
	}
	if c.Bridge.FanOut == 0 {
		c.Bridge.FanOut = 8
	}

	for _, p := range c.Platforms {
		if p.Kind == "" {
			p.Kind = p.Name
		}
		if p.IdentityModel == "" {
			p.IdentityModel = c.IdentityModel
		}
	}

	if c.ActivePlatform == "" && len(c.Platforms) == 1 {
		c.ActivePlatform = c.Platforms[0].Name
	}
}

func validDuration(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.New("must be a duration such as 500ms or 2s")
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	return nil
}

func validModel(value any) error {
	s, _ := value.(string)
	_, err := auth.ParseModel(s)
	return err
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validation.ValidateStruct(c,
		validation.Field(&c.IdentityModel, validation.By(validModel)),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error", "off")),
	); err != nil {
		result = multierror.Append(result, err)
	}

	if err := validation.ValidateStruct(c.Cache,
		validation.Field(&c.Cache.Store, validation.In(StoreMemory, StoreSQLite)),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("cache: %w", err))
	}

	if err := validation.ValidateStruct(c.Retry,
		validation.Field(&c.Retry.MaxAttempts, validation.Min(1), validation.Max(20)),
		validation.Field(&c.Retry.InitialDelay, validation.By(validDuration)),
		validation.Field(&c.Retry.MaxDelay, validation.By(validDuration)),
		validation.Field(&c.Retry.Jitter, validation.By(validDuration)),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("retry: %w", err))
	}

	if err := validation.ValidateStruct(c.Bridge,
		validation.Field(&c.Bridge.MaxWait, validation.By(validDuration)),
		validation.Field(&c.Bridge.FanOut, validation.Min(1)),
	); err != nil {
		result = multierror.Append(result, fmt.Errorf("bridge: %w", err))
	}

	seen := map[string]bool{}
	for _, p := range c.Platforms {
		if seen[p.Name] {
			result = multierror.Append(result, fmt.Errorf("platform %q: declared more than once", p.Name))
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("platform %q: %w", p.Name, err))
		}
	}

	if c.ActivePlatform != "" && !seen[c.ActivePlatform] {
		result = multierror.Append(result, fmt.Errorf("active_platform %q is not declared", c.ActivePlatform))
	}

	return result.ErrorOrNil()
}

// Validate validates one platform block.
func (p *Platform) Validate() error {
	impersonating := p.IdentityModel == string(auth.ModelImpersonation)
	return validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Required),
		validation.Field(&p.Kind, validation.In(KindGoogle, KindS3)),
		validation.Field(&p.IdentityModel, validation.By(validModel)),
		validation.Field(&p.ServiceAccount,
			validation.When(p.Kind == KindGoogle && impersonating, validation.Required)),
		validation.Field(&p.Subject,
			validation.When(p.Kind == KindGoogle && impersonating, validation.Required)),
		validation.Field(&p.Bucket, validation.When(p.Kind == KindS3, validation.Required)),
		validation.Field(&p.RoleARN,
			validation.When(p.Kind == KindS3 && impersonating, validation.Required)),
		validation.Field(&p.SecretKey, validation.When(p.AccessKey != "", validation.Required)),
	)
}

// Platform returns the named platform block.
func (c *Config) Platform(name string) (*Platform, bool) {
	for _, p := range c.Platforms {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Duration parses a validated duration field. Empty yields zero.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
