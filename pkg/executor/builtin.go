package executor

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hashicorp-forge/hermes-bridge/pkg/cache"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

// BuiltinKind tags operations served by the bridge itself. They need no
// platform and make no network call.
const BuiltinKind = "bridge"

type platformSetParams struct {
	Platform string `json:"platform"`
}

func (p platformSetParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Platform, validation.Required),
	)
}

type cacheStatsParams struct {
	Platform string `json:"platform"`
}

func (e *Executor) builtins() []Operation {
	return []Operation{
		{Kind: BuiltinKind, Service: "bridge", Method: "platform.get", Handler: e.platformGet},
		{Kind: BuiltinKind, Service: "bridge", Method: "platform.set", Handler: e.platformSet},
		{Kind: BuiltinKind, Service: "bridge", Method: "cache.stats", Handler: e.cacheStats},
	}
}

func (e *Executor) platformGet(ctx context.Context, req *Request) (*retry.Result, error) {
	r := e.deps.Router
	platforms := make([]map[string]any, 0)
	for _, name := range r.Platforms() {
		route, err := r.Route(name)
		if err != nil {
			continue
		}
		platforms = append(platforms, map[string]any{
			"name":        name,
			"kind":        route.Backend.Kind(),
			"model":       string(route.Auth.Model()),
			"authorized":  r.Authorized(name),
			"initialized": e.Initialized(name),
		})
	}
	return &retry.Result{Data: map[string]any{
		"active":    r.Active(),
		"platforms": platforms,
	}}, nil
}

func (e *Executor) platformSet(ctx context.Context, req *Request) (*retry.Result, error) {
	var p platformSetParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	prev := e.deps.Router.Active()
	if err := e.deps.Router.SetActive(p.Platform); err != nil {
		return nil, err
	}
	return &retry.Result{Data: map[string]any{
		"previous": prev,
		"active":   p.Platform,
	}}, nil
}

func (e *Executor) cacheStats(ctx context.Context, req *Request) (*retry.Result, error) {
	var p cacheStatsParams
	if err := req.Decode(&p); err != nil {
		return nil, err
	}

	names := e.deps.Router.Platforms()
	if p.Platform != "" {
		names = []string{p.Platform}
	}

	out := make(map[string]cache.Stats, len(names))
	for _, name := range names {
		route, err := e.deps.Router.Route(name)
		if err != nil {
			return nil, err
		}
		stats, err := route.Cache.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s cache stats: %w", name, err)
		}
		out[name] = stats
	}
	return &retry.Result{Data: out}, nil
}
