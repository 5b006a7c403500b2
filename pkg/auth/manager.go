package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// Config configures a Manager.
type Config struct {
	// Scopes declared for the platform, from configuration or manifest.
	Scopes []string

	// AllowList holds scopes that audits never require. Defaults to
	// HostOnlyScopes.
	AllowList []string

	// RefreshSkew refreshes tokens this long before they expire.
	RefreshSkew time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns the Context of one platform. It is safe for concurrent use;
// refresh and invalidation are serialized by an internal mutex.
type Manager struct {
	platform string
	provider Provider
	cfg      Config
	logger   hclog.Logger

	mu      sync.Mutex
	ctx     *Context
	stale   bool
	granted []string

	inits         atomic.Int64
	fetches       atomic.Int64
	invalidations atomic.Int64
}

// NewManager creates a Manager for platform backed by provider.
func NewManager(platform string, provider Provider, cfg Config, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.AllowList == nil {
		cfg.AllowList = HostOnlyScopes
	}
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Scopes = NormalizeScopes(cfg.Scopes)

	return &Manager{
		platform: platform,
		provider: provider,
		cfg:      cfg,
		logger:   logger.Named("auth").With("platform", platform),
	}
}

// Platform returns the platform name.
func (m *Manager) Platform() string {
	return m.platform
}

// Model returns the identity model of the provider.
func (m *Manager) Model() Model {
	return m.provider.Model()
}

// Initialized reports whether discovery has completed.
func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil
}

// Init performs credential discovery once. A failed discovery is not
// remembered, so the next call tries again.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initLocked(ctx)
}

func (m *Manager) initLocked(ctx context.Context) error {
	if m.ctx != nil {
		return nil
	}

	m.inits.Add(1)
	d, err := m.provider.Discover(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover %s credentials: %w", m.platform, err)
	}

	scopes := NormalizeScopes(append(append([]string{}, m.cfg.Scopes...), d.Scopes...))
	m.ctx = &Context{
		Platform:          m.platform,
		Model:             m.provider.Model(),
		ProjectID:         d.ProjectID,
		SourceIdentity:    d.SourceIdentity,
		EffectiveIdentity: d.EffectiveIdentity,
		Scopes:            scopes,
	}
	m.granted = scopes

	m.logger.Info("credentials discovered",
		"model", string(m.ctx.Model),
		"source", d.SourceIdentity,
		"effective", d.EffectiveIdentity,
		"project", d.ProjectID,
		"scopes", len(scopes),
	)
	return nil
}

// DeclareScopes adds scopes declared after construction, such as those read
// from a manifest.
func (m *Manager) DeclareScopes(scopes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.Scopes = NormalizeScopes(append(m.cfg.Scopes, scopes...))
	if m.ctx != nil {
		m.ctx.Scopes = NormalizeScopes(append(m.ctx.Scopes, scopes...))
		if m.ctx.EffectiveToken == nil || len(m.ctx.EffectiveToken.Scopes) == 0 {
			m.granted = m.ctx.Scopes
		}
	}
}

// Scopes returns the scopes the platform currently holds or declares.
func (m *Manager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.granted != nil {
		return append([]string{}, m.granted...)
	}
	return append([]string{}, m.cfg.Scopes...)
}

// Audit verifies that the held scopes are a superset of required. It never
// touches the network.
func (m *Manager) Audit(required []string) error {
	missing := MissingScopes(m.Scopes(), required, m.cfg.AllowList)
	if len(missing) > 0 {
		m.logger.Warn("scope audit failed", "missing", missing)
		return missingScopeError(m.platform, missing)
	}
	return nil
}

// AccessToken returns a valid effective token, refreshing it if needed.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	tok, err := m.token(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

func (m *Manager) token(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(ctx); err != nil {
		return nil, err
	}

	now := m.cfg.Now()
	if !m.stale && m.ctx.EffectiveToken.Valid(now, m.cfg.RefreshSkew) {
		return m.ctx.EffectiveToken, nil
	}

	m.fetches.Add(1)
	grant, err := m.provider.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain %s access token: %w", m.platform, err)
	}
	if grant == nil || grant.Effective == nil || grant.Effective.Value == "" {
		return nil, ErrNoToken
	}

	m.ctx.EffectiveToken = grant.Effective
	m.ctx.SourceToken = grant.Source
	if m.ctx.SourceToken == nil && m.ctx.Model == ModelDirect {
		m.ctx.SourceToken = grant.Effective
	}
	m.ctx.Expiry = grant.Effective.Expiry
	if len(grant.Effective.Scopes) > 0 {
		m.granted = NormalizeScopes(grant.Effective.Scopes)
	}
	m.stale = false

	m.logger.Debug("access token refreshed", "expiry", grant.Effective.Expiry)
	return grant.Effective, nil
}

// EffectiveIdentity returns the identity operations are performed for.
func (m *Manager) EffectiveIdentity(ctx context.Context) (string, error) {
	c, err := m.Context(ctx)
	if err != nil {
		return "", err
	}
	return c.EffectiveIdentity, nil
}

// SourceIdentity returns the identity that actually authenticated.
func (m *Manager) SourceIdentity(ctx context.Context) (string, error) {
	c, err := m.Context(ctx)
	if err != nil {
		return "", err
	}
	return c.SourceIdentity, nil
}

// Context returns a copy of the platform's authentication state, discovering
// credentials if needed. Tokens are not fetched.
func (m *Manager) Context(ctx context.Context) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.initLocked(ctx); err != nil {
		return Context{}, err
	}
	c := *m.ctx
	c.Scopes = append([]string{}, m.ctx.Scopes...)
	return c, nil
}

// Invalidate forces a token refresh on next use. Discovery results are kept.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidations.Add(1)
	m.stale = true
	if inv, ok := m.provider.(interface{ Invalidate() }); ok {
		inv.Invalidate()
	}
	m.logger.Debug("access token invalidated")
}

// InitCount returns how many discovery round-trips have been made.
func (m *Manager) InitCount() int {
	return int(m.inits.Load())
}

// FetchCount returns how many token fetches have been made.
func (m *Manager) FetchCount() int {
	return int(m.fetches.Load())
}

// InvalidateCount returns how many times Invalidate was called.
func (m *Manager) InvalidateCount() int {
	return int(m.invalidations.Load())
}

// TokenSource adapts the manager to oauth2 for API clients. The returned
// source always consults the manager, so invalidation takes effect on the
// next request.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m}
}

type managerTokenSource struct {
	ctx context.Context
	m   *Manager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.m.token(s.ctx)
	if err != nil {
		return nil, err
	}
	typ := tok.Type
	if typ == "" {
		typ = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: tok.Value,
		TokenType:   typ,
		Expiry:      tok.Expiry,
	}, nil
}
