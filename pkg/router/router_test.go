package router

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp-forge/hermes-bridge/pkg/auth"
)

type stubBackend struct{ kind string }

func (b *stubBackend) Kind() string { return b.kind }
func (b *stubBackend) Init(ctx context.Context, route *Route) error { return nil }

type stubProvider struct {
	err error
}

func (p *stubProvider) Model() auth.Model { return auth.ModelDirect }

func (p *stubProvider) Discover(ctx context.Context) (*auth.Discovery, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &auth.Discovery{SourceIdentity: "me@example.com", EffectiveIdentity: "me@example.com"}, nil
}

func (p *stubProvider) Fetch(ctx context.Context) (*auth.Grant, error) {
	tok := &auth.Token{Value: "tok"}
	return &auth.Grant{Effective: tok, Source: tok}, nil
}

func newRoute(kind string, authorized bool) (Route, *auth.Manager) {
	m := auth.NewManager(kind, &stubProvider{}, auth.Config{}, nil)
	return Route{Backend: &stubBackend{kind: kind}, Auth: m, Authorized: authorized}, m
}

func newTestRouter(t *testing.T, cfg Config) (*Router, map[string]*auth.Manager) {
	r := NewRouter(cfg, hclog.NewNullLogger())
	managers := map[string]*auth.Manager{}
	for _, p := range []string{"google", "s3"} {
		route, m := newRoute(p, true)
		require.NoError(t, r.Register(p, route))
		managers[p] = m
	}
	return r, managers
}

func TestRouter_RegisterRejectsDuplicates(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	route, _ := newRoute("google", true)
	require.Error(t, r.Register("google", route))
	assert.Equal(t, []string{"google", "s3"}, r.Platforms())

	require.NoError(t, r.Unregister("s3"))
	assert.Equal(t, []string{"google"}, r.Platforms())
	require.ErrorIs(t, r.Unregister("s3"), ErrUnknownPlatform)
}

func TestRouter_ResolveExplicitOverridesActive(t *testing.T) {
	r, _ := newTestRouter(t, Config{Active: "google"})

	route, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "google", route.Platform)

	route, err = r.Resolve(context.Background(), "s3")
	require.NoError(t, err)
	assert.Equal(t, "s3", route.Platform)
	assert.Equal(t, "google", r.Active(), "an explicit platform does not change the selection")
}

func TestRouter_ResolveErrors(t *testing.T) {
	r, _ := newTestRouter(t, Config{})

	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrNoPlatform)

	_, err = r.Resolve(context.Background(), "dropbox")
	require.ErrorIs(t, err, ErrUnknownPlatform)

	require.ErrorIs(t, r.SetActive("dropbox"), ErrUnknownPlatform)
}

func TestRouter_SwitchingDoesNotReauthenticate(t *testing.T) {
	r, managers := newTestRouter(t, Config{Active: "google"})
	ctx := context.Background()

	for _, m := range managers {
		require.NoError(t, m.Init(ctx))
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, r.SetActive("s3"))
		_, err := r.Resolve(ctx, "")
		require.NoError(t, err)
		require.NoError(t, r.SetActive("google"))
		_, err = r.Resolve(ctx, "")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, managers["google"].InitCount())
	assert.Equal(t, 1, managers["s3"].InitCount())
}

func TestRouter_NotAuthorizedFailsFast(t *testing.T) {
	r := NewRouter(Config{}, nil)
	route, m := newRoute("s3", false)
	require.NoError(t, r.Register("s3", route))

	_, err := r.Resolve(context.Background(), "s3")
	require.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 0, m.InitCount())
}

func TestRouter_JITAuthenticatesOnce(t *testing.T) {
	r := NewRouter(Config{JITAuth: true}, nil)
	route, m := newRoute("s3", false)
	require.NoError(t, r.Register("s3", route))

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "s3")
		require.NoError(t, err)
	}
	assert.True(t, r.Authorized("s3"))
	assert.Equal(t, 1, m.InitCount())
}

func TestRouter_JITFailureIsNotRemembered(t *testing.T) {
	r := NewRouter(Config{JITAuth: true}, nil)
	p := &stubProvider{err: errors.New("no credentials")}
	m := auth.NewManager("s3", p, auth.Config{}, nil)
	require.NoError(t, r.Register("s3", Route{Backend: &stubBackend{kind: "s3"}, Auth: m}))

	_, err := r.Resolve(context.Background(), "s3")
	require.Error(t, err)
	assert.False(t, r.Authorized("s3"))

	p.err = nil
	_, err = r.Resolve(context.Background(), "s3")
	require.NoError(t, err)
	assert.Equal(t, 2, m.InitCount())
}

func TestRouter_WithPlatformRestoresSelection(t *testing.T) {
	r, _ := newTestRouter(t, Config{Active: "google"})

	err := r.WithPlatform("s3", func() error {
		assert.Equal(t, "s3", r.Active())
		return errors.New("inner failure")
	})
	require.EqualError(t, err, "inner failure")
	assert.Equal(t, "google", r.Active())

	assert.Panics(t, func() {
		_ = r.WithPlatform("s3", func() error { panic("boom") })
	})
	assert.Equal(t, "google", r.Active())
}
