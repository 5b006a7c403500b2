package executor

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/iancoleman/strcase"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
	"github.com/hashicorp-forge/hermes-bridge/pkg/cache"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
	"github.com/hashicorp-forge/hermes-bridge/pkg/router"
)

// DefaultFanOut bounds concurrent sub-requests of one handler.
const DefaultFanOut = 8

// Request is what a Handler sees of one call.
type Request struct {
	Envelope bridge.CallEnvelope
	Route    *router.Route
	Logger   hclog.Logger

	retry  *retry.Engine
	fanOut int
}

// Platform returns the resolved platform name.
func (r *Request) Platform() string {
	return r.Route.Platform
}

// Decode copies the envelope params into out, which is usually a struct with
// json tags. Param names are normalized to lowerCamel first so "file_id" and
// "fileId" are the same param. When out implements validation.Validatable it
// is validated afterwards.
func (r *Request) Decode(out any) error {
	params := make(map[string]any, len(r.Envelope.Params))
	for k, v := range r.Envelope.Params {
		params[strcase.ToLowerCamel(k)] = v
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if v, ok := out.(validation.Validatable); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}
	return nil
}

// Option returns a call option.
func (r *Request) Option(name string) (any, bool) {
	v, ok := r.Envelope.Options[name]
	return v, ok
}

// BoolOption returns a boolean call option, false when unset.
func (r *Request) BoolOption(name string) bool {
	v, ok := r.Envelope.Options[name]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}

// Key builds a cache key on the request's platform.
func (r *Request) Key(kind, id string) cache.Key {
	return cache.Key{Platform: r.Route.Platform, Kind: kind, ID: id}
}

// Cache returns the platform cache.
func (r *Request) Cache() *cache.Cache {
	return r.Route.Cache
}

// Call runs op under the retry engine. Auth-expired failures invalidate the
// platform's credentials.
func (r *Request) Call(ctx context.Context, name string, op retry.Operation, classifier retry.Classifier) (*retry.Outcome, error) {
	return r.retry.Do(ctx, retry.Call{
		Name:        fmt.Sprintf("%s/%s", r.Route.Platform, name),
		Op:          op,
		Invalidator: r.Route.Auth,
		Classifier:  classifier,
	})
}

// FanOut runs fn for every index in [0, n) with bounded concurrency. The
// first error cancels the rest.
func (r *Request) FanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	limit := r.fanOut
	if limit <= 0 {
		limit = DefaultFanOut
	}
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
