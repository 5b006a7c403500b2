package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// GoogleDirect uses the caller's own Google credential for data access.
//
// Credentials come from CredentialsFile when set, otherwise from Application
// Default Credentials.
type GoogleDirect struct {
	CredentialsFile string
	Scopes          []string

	// VerifyToken looks the token up on the tokeninfo endpoint during
	// discovery to learn the account email and granted scopes.
	VerifyToken bool

	// FS reads CredentialsFile. Defaults to the OS filesystem.
	FS afero.Fs

	// ClientOptions are passed to the tokeninfo client.
	ClientOptions []option.ClientOption

	mu    sync.Mutex
	creds *google.Credentials
}

var _ Provider = (*GoogleDirect)(nil)

// Model implements Provider.
func (g *GoogleDirect) Model() Model {
	return ModelDirect
}

func (g *GoogleDirect) credentials(ctx context.Context) (*google.Credentials, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.creds != nil {
		return g.creds, nil
	}

	scopes := NormalizeScopes(g.Scopes)
	var (
		creds *google.Credentials
		err   error
	)
	if g.CredentialsFile != "" {
		fs := g.FS
		if fs == nil {
			fs = afero.NewOsFs()
		}
		data, rerr := afero.ReadFile(fs, g.CredentialsFile)
		if rerr != nil {
			return nil, &ConfigError{Op: "read credentials file", Err: rerr}
		}
		creds, err = google.CredentialsFromJSON(ctx, data, scopes...)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, scopes...)
	}
	if err != nil {
		return nil, &ConfigError{Op: "load google credentials", Err: err}
	}

	g.creds = creds
	return creds, nil
}

// Discover implements Provider.
func (g *GoogleDirect) Discover(ctx context.Context) (*Discovery, error) {
	creds, err := g.credentials(ctx)
	if err != nil {
		return nil, err
	}

	d := &Discovery{
		ProjectID: creds.ProjectID,
		Scopes:    NormalizeScopes(g.Scopes),
	}

	var file struct {
		ClientEmail string `json:"client_email"`
		Account     string `json:"account"`
	}
	if len(creds.JSON) > 0 && json.Unmarshal(creds.JSON, &file) == nil {
		d.SourceIdentity = file.ClientEmail
		if d.SourceIdentity == "" {
			d.SourceIdentity = file.Account
		}
	}

	if g.VerifyToken {
		opts := append([]option.ClientOption{option.WithTokenSource(creds.TokenSource)}, g.ClientOptions...)
		svc, err := oauth2api.NewService(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create tokeninfo client: %w", err)
		}
		tok, err := creds.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token for verification: %w", err)
		}
		info, err := svc.Tokeninfo().AccessToken(tok.AccessToken).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("failed to verify token: %w", err)
		}
		if info.Email != "" {
			d.SourceIdentity = info.Email
		}
		if info.Scope != "" {
			d.Scopes = NormalizeScopes(strings.Fields(info.Scope))
		}
	}

	d.EffectiveIdentity = d.SourceIdentity
	return d, nil
}

// Fetch implements Provider.
func (g *GoogleDirect) Fetch(ctx context.Context) (*Grant, error) {
	creds, err := g.credentials(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := creds.TokenSource.Token()
	if err != nil {
		return nil, err
	}
	t := fromOAuth2(tok, nil)
	return &Grant{Effective: t, Source: t}, nil
}

// Invalidate drops the cached credentials so the next Fetch reloads them.
func (g *GoogleDirect) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creds = nil
}

func fromOAuth2(tok *oauth2.Token, scopes []string) *Token {
	if tok == nil {
		return nil
	}
	t := &Token{
		Value:  tok.AccessToken,
		Type:   tok.TokenType,
		Expiry: tok.Expiry,
		Scopes: scopes,
	}
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		t.Scopes = strings.Fields(s)
	}
	if t.Expiry.IsZero() && tok.ExpiresIn > 0 {
		t.Expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return t
}
