package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

const (
	defaultTokenURI       = "https://oauth2.googleapis.com/token"
	jwtBearerGrantType    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	defaultAssertionTTL   = time.Hour
	maxExchangeBodyLength = 1 << 20
)

// GoogleImpersonation signs an assertion for Subject with ServiceAccount via
// the IAM Credentials signJwt call, then exchanges it for an access token.
//
// SignerSource authenticates the signing call only. It is never used for data
// access.
type GoogleImpersonation struct {
	ServiceAccount string
	Subject        string
	Scopes         []string
	ProjectID      string

	// TokenURI is the exchange endpoint. Defaults to Google's token endpoint.
	TokenURI string

	// Lifetime of the signed assertion. Capped at one hour by the platform.
	Lifetime time.Duration

	SignerSource oauth2.TokenSource

	// SignerOptions are passed to the IAM Credentials client.
	SignerOptions []option.ClientOption

	// HTTPClient performs the token exchange.
	HTTPClient *http.Client

	Now func() time.Time

	mu  sync.Mutex
	iam *iamcredentials.Service
}

var _ Provider = (*GoogleImpersonation)(nil)

// Model implements Provider.
func (g *GoogleImpersonation) Model() Model {
	return ModelImpersonation
}

// Discover implements Provider. Impersonation identities are fully declared
// by configuration so discovery makes no network call.
func (g *GoogleImpersonation) Discover(ctx context.Context) (*Discovery, error) {
	if g.ServiceAccount == "" {
		return nil, &ConfigError{Op: "impersonation", Err: fmt.Errorf("service account is required")}
	}
	if g.Subject == "" {
		return nil, &ConfigError{Op: "impersonation", Err: fmt.Errorf("subject is required")}
	}
	return &Discovery{
		SourceIdentity:    g.ServiceAccount,
		EffectiveIdentity: g.Subject,
		ProjectID:         g.ProjectID,
		Scopes:            NormalizeScopes(g.Scopes),
	}, nil
}

func (g *GoogleImpersonation) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *GoogleImpersonation) tokenURI() string {
	if g.TokenURI != "" {
		return g.TokenURI
	}
	return defaultTokenURI
}

func (g *GoogleImpersonation) signer(ctx context.Context) (*iamcredentials.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.iam != nil {
		return g.iam, nil
	}

	var opts []option.ClientOption
	if g.SignerSource != nil {
		opts = append(opts, option.WithTokenSource(g.SignerSource))
	}
	opts = append(opts, g.SignerOptions...)

	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, &ConfigError{Op: "create signer client", Err: err}
	}
	g.iam = svc
	return svc, nil
}

// Fetch implements Provider.
func (g *GoogleImpersonation) Fetch(ctx context.Context) (*Grant, error) {
	assertion, err := g.signAssertion(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := g.exchange(ctx, assertion)
	if err != nil {
		return nil, err
	}

	grant := &Grant{Effective: tok}
	if g.SignerSource != nil {
		if src, err := g.SignerSource.Token(); err == nil {
			grant.Source = fromOAuth2(src, nil)
		}
	}
	return grant, nil
}

func (g *GoogleImpersonation) claims() jwt.MapClaims {
	now := g.now()
	ttl := g.Lifetime
	if ttl <= 0 || ttl > defaultAssertionTTL {
		ttl = defaultAssertionTTL
	}
	return jwt.MapClaims{
		"iss":   g.ServiceAccount,
		"sub":   g.Subject,
		"aud":   g.tokenURI(),
		"scope": strings.Join(NormalizeScopes(g.Scopes), " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
}

func (g *GoogleImpersonation) signAssertion(ctx context.Context) (string, error) {
	svc, err := g.signer(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(g.claims())
	if err != nil {
		return "", &ConfigError{Op: "encode assertion", Err: err}
	}

	name := "projects/-/serviceAccounts/" + g.ServiceAccount
	resp, err := svc.Projects.ServiceAccounts.SignJwt(name, &iamcredentials.SignJwtRequest{
		Payload: string(payload),
	}).Context(ctx).Do()
	if err != nil {
		return "", asConfigError("sign assertion", err)
	}

	if err := g.checkAssertion(resp.SignedJwt); err != nil {
		return "", &ConfigError{Op: "sign assertion", Err: err}
	}
	return resp.SignedJwt, nil
}

// checkAssertion parses the signed assertion without verifying the signature
// and makes sure the signer issued it for the expected subject.
func (g *GoogleImpersonation) checkAssertion(signed string) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(signed, claims); err != nil {
		return fmt.Errorf("signer returned a malformed assertion: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return err
	}
	if sub != g.Subject {
		return fmt.Errorf("signed assertion names subject %q, expected %q", sub, g.Subject)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return err
	}
	if exp != nil && !exp.After(g.now()) {
		return fmt.Errorf("signed assertion already expired at %s", exp.Time)
	}
	return nil
}

type exchangeResponse struct {
	AccessToken      string      `json:"access_token"`
	TokenType        string      `json:"token_type"`
	ExpiresIn        json.Number `json:"expires_in"`
	ExpireTime       string      `json:"expire_time"`
	Scope            string      `json:"scope"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

// ExchangeError is a non-2xx response from the token endpoint.
type ExchangeError struct {
	Status int
	Code   string
	Detail string
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token exchange failed with status %d: %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("token exchange failed with status %d", e.Status)
}

// HTTPStatus exposes the status to the retry classifier.
func (e *ExchangeError) HTTPStatus() int {
	return e.Status
}

func (g *GoogleImpersonation) exchange(ctx context.Context, assertion string) (*Token, error) {
	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tokenURI(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ConfigError{Op: "build exchange request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExchangeBodyLength))
	if err != nil {
		return nil, fmt.Errorf("failed to read token exchange response: %w", err)
	}

	var out exchangeResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, asConfigError("exchange assertion", &ExchangeError{
			Status: resp.StatusCode,
			Code:   out.Error,
			Detail: out.ErrorDescription,
		})
	}
	if out.AccessToken == "" {
		return nil, &ConfigError{Op: "exchange assertion", Err: ErrNoToken}
	}

	tok := &Token{
		Value:  out.AccessToken,
		Type:   out.TokenType,
		Scopes: strings.Fields(out.Scope),
	}
	if secs, err := out.ExpiresIn.Int64(); err == nil && secs > 0 {
		tok.Expiry = g.now().Add(time.Duration(secs) * time.Second)
	} else if out.ExpireTime != "" {
		if t, err := dateparse.ParseAny(out.ExpireTime); err == nil {
			tok.Expiry = t
		}
	}
	return tok, nil
}

// asConfigError wraps client errors (4xx other than auth, timeout and rate
// limiting) as fatal configuration errors. Everything else is returned as is
// so ordinary classification applies.
func asConfigError(op string, err error) error {
	var status int
	var sc interface{ HTTPStatus() int }
	var gerr *googleapi.Error
	switch {
	case errors.As(err, &sc):
		status = sc.HTTPStatus()
	case errors.As(err, &gerr):
		status = gerr.Code
	}
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", op, err)
	case status >= 400 && status < 500:
		return &ConfigError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
