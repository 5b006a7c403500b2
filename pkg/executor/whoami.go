package executor

import (
	"context"
	"time"

	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
)

// WhoAmI reports the identities of the request's platform. Backends register
// it under their "auth" service.
func WhoAmI(ctx context.Context, req *Request) (*retry.Result, error) {
	if _, err := req.Route.Auth.AccessToken(ctx); err != nil {
		return nil, err
	}
	c, err := req.Route.Auth.Context(ctx)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"platform":          c.Platform,
		"model":             string(c.Model),
		"projectId":         c.ProjectID,
		"sourceIdentity":    c.SourceIdentity,
		"effectiveIdentity": c.EffectiveIdentity,
		"scopes":            c.Scopes,
	}
	if !c.Expiry.IsZero() {
		data["expiry"] = c.Expiry.UTC().Format(time.RFC3339)
	}
	return &retry.Result{Data: data}, nil
}
