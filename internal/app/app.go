// Package app assembles the bridge from its configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"github.com/hashicorp-forge/hermes-bridge/internal/config"
	"github.com/hashicorp-forge/hermes-bridge/internal/version"
	"github.com/hashicorp-forge/hermes-bridge/pkg/auth"
	googlebackend "github.com/hashicorp-forge/hermes-bridge/pkg/backends/google"
	s3backend "github.com/hashicorp-forge/hermes-bridge/pkg/backends/s3"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
	"github.com/hashicorp-forge/hermes-bridge/pkg/cache"
	"github.com/hashicorp-forge/hermes-bridge/pkg/database"
	"github.com/hashicorp-forge/hermes-bridge/pkg/executor"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
	"github.com/hashicorp-forge/hermes-bridge/pkg/router"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// App is a fully wired bridge.
type App struct {
	Config   *config.Config
	Logger   hclog.Logger
	Router   *router.Router
	Executor *executor.Executor
	Front    *bridge.Front

	store cache.Store
	db    *gorm.DB
}

// New builds the bridge. Nothing here touches the network; credentials are
// discovered on first use of a platform.
func New(ctx context.Context, cfg *config.Config, fs afero.Fs, logger hclog.Logger) (*App, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	a := &App{Config: cfg, Logger: logger}

	store, err := a.openStore(fs)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.Router = router.NewRouter(router.Config{
		Active:  cfg.ActivePlatform,
		JITAuth: cfg.JITAuth,
	}, logger)

	manifests := map[string]string{}
	kinds := map[string]bool{}
	for _, p := range cfg.Platforms {
		route, err := a.route(ctx, fs, p)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to configure platform %s: %w", p.Name, err)
		}
		if err := a.Router.Register(p.Name, route); err != nil {
			_ = a.Close()
			return nil, err
		}
		if p.Manifest != "" {
			manifests[p.Name] = config.ExpandHome(p.Manifest)
		}
		kinds[p.Kind] = true
	}

	a.Executor = executor.New(executor.Deps{
		Router:    a.Router,
		Retry:     NewRetryEngine(cfg.Retry, logger),
		Logger:    logger,
		FS:        fs,
		Manifests: manifests,
		FanOut:    cfg.Bridge.FanOut,
	})
	var ops []executor.Operation
	if kinds[config.KindGoogle] {
		ops = append(ops, googlebackend.Operations()...)
	}
	if kinds[config.KindS3] {
		ops = append(ops, s3backend.Operations()...)
	}
	if err := a.Executor.Register(ops...); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Front = bridge.NewFront(a.Executor, bridge.Options{
		MaxWait: config.Duration(cfg.Bridge.MaxWait),
		Logger:  logger,
	})

	logger.Debug("bridge assembled",
		"platforms", a.Router.Platforms(),
		"active", a.Router.Active(),
		"cache_store", cfg.Cache.Store)
	return a, nil
}

// NewRetryEngine builds the retry engine from the retry block.
func NewRetryEngine(cfg *config.Retry, logger hclog.Logger) *retry.Engine {
	return retry.NewEngine(retry.Policy{
		MaxAttempts:             cfg.MaxAttempts,
		InitialDelay:            config.Duration(cfg.InitialDelay),
		MaxDelay:                config.Duration(cfg.MaxDelay),
		Jitter:                  config.Duration(cfg.Jitter),
		AuthRetryConsumesBudget: cfg.AuthRetryConsumesBudget,
	}, retry.WithLogger(logger))
}

func (a *App) openStore(fs afero.Fs) (cache.Store, error) {
	if a.Config.Cache.Store != config.StoreSQLite {
		return cache.NewMemoryStore(), nil
	}
	db, err := database.Connect(database.Config{
		Path: config.ExpandHome(a.Config.Cache.Path),
		FS:   fs,
	}, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	a.db = db
	return cache.NewGormStore(db), nil
}

func (a *App) route(ctx context.Context, fs afero.Fs, p *config.Platform) (router.Route, error) {
	model, err := auth.ParseModel(p.IdentityModel)
	if err != nil {
		return router.Route{}, err
	}

	var (
		provider auth.Provider
		backend  router.Backend
	)
	switch p.Kind {
	case config.KindGoogle:
		provider, err = a.googleProvider(ctx, fs, p, model)
		if err != nil {
			return router.Route{}, err
		}
		backend = googlebackend.New(googlebackend.Config{UserAgent: version.UserAgent()}, a.Logger)

	case config.KindS3:
		aws := &auth.AWSProvider{
			Region:             p.Region,
			AccessKey:          p.AccessKey,
			SecretKey:          p.SecretKey,
			Profile:            p.Profile,
			STSEndpoint:        p.STSEndpoint,
			SkipIdentityLookup: p.SkipIdentityLookup,
		}
		if model == auth.ModelImpersonation {
			aws.RoleARN = p.RoleARN
			aws.Subject = p.Subject
		}
		provider = aws
		backend, err = s3backend.New(s3backend.Config{
			Bucket:   p.Bucket,
			Prefix:   p.Prefix,
			Endpoint: p.Endpoint,
		}, aws, a.Logger)
		if err != nil {
			return router.Route{}, err
		}

	default:
		return router.Route{}, fmt.Errorf("unknown platform kind %q", p.Kind)
	}

	manager := auth.NewManager(p.Name, provider, auth.Config{
		Scopes:    p.Scopes,
		AllowList: auth.HostOnlyScopes,
	}, a.Logger)

	// Platforms share the store; keys never collide across platforms or
	// principals and counters stay per platform.
	return router.Route{
		Backend:    backend,
		Auth:       manager,
		Cache:      cache.NewScoped(a.store, cacheIdentity(p, model, manager), a.Logger.With("platform", p.Name)),
		Authorized: p.Authorized,
	}, nil
}

// cacheIdentity scopes a platform's cache entries to the principal that
// fetched them: a fingerprint of the configured credentials plus the
// discovered effective identity. Discovery runs on first cache use, which is
// always inside an authenticated operation.
func cacheIdentity(p *config.Platform, model auth.Model, manager *auth.Manager) cache.IdentityFunc {
	fingerprint := uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join([]string{
		p.Kind,
		string(model),
		p.CredentialsFile,
		p.ServiceAccount,
		p.Subject,
		p.Profile,
		p.AccessKey,
		p.RoleARN,
		p.Region,
		p.Bucket,
		p.Endpoint,
	}, "\x00"))).String()

	return func(ctx context.Context) (string, error) {
		c, err := manager.Context(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s/%s:%s", fingerprint[:8], c.Model, c.EffectiveIdentity), nil
	}
}

func (a *App) googleProvider(ctx context.Context, fs afero.Fs, p *config.Platform, model auth.Model) (auth.Provider, error) {
	if model == auth.ModelDirect {
		return &auth.GoogleDirect{
			CredentialsFile: config.ExpandHome(p.CredentialsFile),
			Scopes:          p.Scopes,
			VerifyToken:     p.VerifyToken,
			FS:              fs,
		}, nil
	}

	imp := &auth.GoogleImpersonation{
		ServiceAccount: p.ServiceAccount,
		Subject:        p.Subject,
		Scopes:         p.Scopes,
		ProjectID:      a.Config.ProjectID,
	}
	// The signing call runs as the configured credential. Without one the
	// signer falls back to Application Default Credentials.
	if p.CredentialsFile != "" {
		data, err := afero.ReadFile(fs, config.ExpandHome(p.CredentialsFile))
		if err != nil {
			return nil, &auth.ConfigError{Op: "read credentials file", Err: err}
		}
		creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
		if err != nil {
			return nil, &auth.ConfigError{Op: "load google credentials", Err: err}
		}
		imp.SignerSource = creds.TokenSource
	}
	return imp, nil
}

// Call runs one operation through the blocking front.
func (a *App) Call(env bridge.CallEnvelope) bridge.ResultEnvelope {
	return a.Front.Call(env)
}

// Close stops the front and releases the cache database.
func (a *App) Close() error {
	var result *multierror.Error
	if a.Front != nil {
		a.Front.Close()
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			result = multierror.Append(result, err)
		}
		a.db = nil
	}
	return result.ErrorOrNil()
}
