// Package auth manages per-platform credentials for the bridge executor.
//
// Each platform gets its own Manager and its own Context. Two identity models
// are supported:
//
//   - direct: the caller's credential is both source and effective identity.
//   - impersonation: a service identity signs a short-lived assertion naming
//     the effective user and exchanges it for a scoped token. The service
//     identity's own credential is only ever used to sign.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Model selects the identity model of a platform.
type Model string

const (
	ModelDirect        Model = "direct"
	ModelImpersonation Model = "impersonation"
)

// ParseModel validates a configured identity model.
func ParseModel(s string) (Model, error) {
	switch Model(s) {
	case "", ModelDirect:
		return ModelDirect, nil
	case ModelImpersonation:
		return ModelImpersonation, nil
	default:
		return "", fmt.Errorf("unknown identity model %q (must be direct or impersonation)", s)
	}
}

var (
	// ErrMissingScope is returned by Audit when a required scope is not held.
	ErrMissingScope = errors.New("missing required scope")

	// ErrNoToken is returned when a provider produced an empty token.
	ErrNoToken = errors.New("provider returned no token")
)

// Token is an access credential with its expiry. A zero Expiry never expires.
type Token struct {
	Value  string
	Type   string
	Expiry time.Time
	Scopes []string
}

// Valid reports whether the token is usable at now, honoring skew.
func (t *Token) Valid(now time.Time, skew time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.Expiry)
}

// Grant is what a provider returns from a token fetch.
type Grant struct {
	// Effective is the token used for data access.
	Effective *Token

	// Source is the credential of the authenticated identity. Under the
	// direct model it is the same token as Effective.
	Source *Token
}

// Discovery is the result of one-time credential discovery.
type Discovery struct {
	SourceIdentity    string
	EffectiveIdentity string
	ProjectID         string
	Scopes            []string
}

// Provider discovers credentials and mints tokens for one platform.
type Provider interface {
	Model() Model
	Discover(ctx context.Context) (*Discovery, error)
	Fetch(ctx context.Context) (*Grant, error)
}

// Context is the per-platform authentication state.
type Context struct {
	Platform          string
	Model             Model
	ProjectID         string
	SourceIdentity    string
	EffectiveIdentity string
	SourceToken       *Token
	EffectiveToken    *Token
	Scopes            []string
	Expiry            time.Time
}

// ConfigError marks a credential configuration failure. It is never retried.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("auth configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Fatal marks the error as non-retryable for the retry engine.
func (e *ConfigError) Fatal() bool {
	return true
}
