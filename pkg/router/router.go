// Package router selects the platform a call runs against and guards it with
// the platform's authorization state.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/hermes-bridge/pkg/auth"
	"github.com/hashicorp-forge/hermes-bridge/pkg/cache"
)

var (
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNoPlatform      = errors.New("no platform selected")
	ErrNotAuthorized   = errors.New("platform not authorized")
)

// Backend is implemented by each platform's operation set. Kind is the tag
// routing decisions are made on; backends are never told apart by the shape
// of their responses.
type Backend interface {
	Kind() string

	// Init prepares clients for route. It is called once per platform, after
	// credential discovery; a failure is retried on the next call.
	Init(ctx context.Context, route *Route) error
}

// Route bundles everything a call on one platform needs.
type Route struct {
	Platform string
	Backend  Backend
	Auth     *auth.Manager
	Cache    *cache.Cache

	// Authorized marks the platform as pre-authorized by configuration.
	Authorized bool
}

// Config configures the Router.
type Config struct {
	// Active is the initial platform selection.
	Active string

	// JITAuth authenticates a platform that is not pre-authorized on first
	// use instead of failing the call.
	JITAuth bool
}

// Router holds the registered routes and the active platform selection.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*Route
	active string
	jit    bool
	logger hclog.Logger
}

// NewRouter creates a new platform router.
func NewRouter(cfg Config, logger hclog.Logger) *Router {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Router{
		routes: make(map[string]*Route),
		active: cfg.Active,
		jit:    cfg.JITAuth,
		logger: logger.Named("platform-router"),
	}
}

// Register adds a route under platform.
func (r *Router) Register(platform string, route Route) error {
	if platform == "" {
		return fmt.Errorf("platform name is required")
	}
	if route.Backend == nil {
		return fmt.Errorf("platform %s has no backend", platform)
	}
	if route.Auth == nil {
		return fmt.Errorf("platform %s has no auth manager", platform)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[platform]; exists {
		return fmt.Errorf("platform %s already registered", platform)
	}
	if route.Cache == nil {
		route.Cache = cache.New(nil, r.logger)
	}
	route.Platform = platform
	r.routes[platform] = &route

	r.logger.Info("platform registered",
		"platform", platform,
		"kind", route.Backend.Kind(),
		"model", string(route.Auth.Model()),
		"authorized", route.Authorized)

	return nil
}

// Unregister removes a route. Clearing the active platform is left to the
// caller.
func (r *Router) Unregister(platform string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[platform]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	delete(r.routes, platform)

	r.logger.Info("platform unregistered", "platform", platform)
	return nil
}

// Route returns the route registered under platform.
func (r *Router) Route(platform string) (*Route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, exists := r.routes[platform]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return route, nil
}

// Platforms returns the registered platform names in sorted order.
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the active platform selection.
func (r *Router) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// SetActive changes the active platform. Switching never touches credentials.
func (r *Router) SetActive(platform string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[platform]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	if r.active != platform {
		r.logger.Debug("active platform changed", "from", r.active, "to", platform)
	}
	r.active = platform
	return nil
}

// WithPlatform runs fn with platform active and restores the previous
// selection afterwards, even if fn panics.
func (r *Router) WithPlatform(platform string, fn func() error) error {
	prev := r.Active()
	if err := r.SetActive(platform); err != nil {
		return err
	}
	defer func() {
		r.mu.Lock()
		r.active = prev
		r.mu.Unlock()
	}()
	return fn()
}

// Authorized reports whether platform may be used without authenticating.
func (r *Router) Authorized(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, exists := r.routes[platform]
	return exists && route.Authorized
}

// Resolve picks the route for a call: the explicit platform when given,
// otherwise the active one. A platform that is not authorized fails fast
// unless just-in-time authentication is enabled, in which case credentials
// are discovered once and the platform is marked authorized.
func (r *Router) Resolve(ctx context.Context, platform string) (*Route, error) {
	if platform == "" {
		platform = r.Active()
	}
	if platform == "" {
		return nil, ErrNoPlatform
	}

	route, err := r.Route(platform)
	if err != nil {
		return nil, err
	}

	if r.Authorized(platform) {
		return route, nil
	}
	if !r.jit {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, platform)
	}

	r.logger.Info("authenticating platform on first use", "platform", platform)
	if err := route.Auth.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", platform, err)
	}

	r.mu.Lock()
	route.Authorized = true
	r.mu.Unlock()
	return route, nil
}
