package auth

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSProvider authenticates against AWS. With RoleARN set it impersonates:
// the base credential only calls AssumeRole and the assumed role, tagged with
// Subject as source identity, is used for data access.
type AWSProvider struct {
	Region    string
	AccessKey string
	SecretKey string
	Profile   string

	RoleARN string
	Subject string

	// STSEndpoint overrides the STS endpoint (for local stacks).
	STSEndpoint string

	// SkipIdentityLookup skips sts:GetCallerIdentity during discovery.
	SkipIdentityLookup bool

	mu    sync.Mutex
	cfg   *aws.Config
	base  *aws.Config
	cache *aws.CredentialsCache
}

var _ Provider = (*AWSProvider)(nil)

var sessionNameInvalid = regexp.MustCompile(`[^\w+=,.@-]`)

// Model implements Provider.
func (p *AWSProvider) Model() Model {
	if p.RoleARN != "" {
		return ModelImpersonation
	}
	return ModelDirect
}

func (p *AWSProvider) load(ctx context.Context) (aws.Config, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg != nil {
		return *p.cfg, nil
	}

	var opts []func(*config.LoadOptions) error
	if p.Region != "" {
		opts = append(opts, config.WithRegion(p.Region))
	}
	if p.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.Profile))
	}
	if p.AccessKey != "" && p.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKey, p.SecretKey, ""),
		))
	}
	// Retries are owned by the bridge retry engine.
	opts = append(opts, config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }))

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, &ConfigError{Op: "load aws config", Err: err}
	}

	base := cfg.Copy()
	p.base = &base

	if p.RoleARN != "" {
		stsClient := p.stsClient(cfg)
		assume := stscreds.NewAssumeRoleProvider(stsClient, p.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName(p.Subject)
			if p.Subject != "" {
				o.SourceIdentity = aws.String(p.Subject)
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(assume)
	}

	if cache, ok := cfg.Credentials.(*aws.CredentialsCache); ok {
		p.cache = cache
	} else if cfg.Credentials != nil {
		p.cache = aws.NewCredentialsCache(cfg.Credentials)
		cfg.Credentials = p.cache
	}

	p.cfg = &cfg
	return cfg, nil
}

func (p *AWSProvider) stsClient(cfg aws.Config) *sts.Client {
	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		if p.STSEndpoint != "" {
			o.BaseEndpoint = aws.String(p.STSEndpoint)
		}
	})
}

// AWSConfig returns the loaded SDK configuration for building clients.
func (p *AWSProvider) AWSConfig(ctx context.Context) (aws.Config, error) {
	return p.load(ctx)
}

// Discover implements Provider.
func (p *AWSProvider) Discover(ctx context.Context) (*Discovery, error) {
	cfg, err := p.load(ctx)
	if err != nil {
		return nil, err
	}

	source := p.AccessKey
	if !p.SkipIdentityLookup {
		p.mu.Lock()
		base := p.base.Copy()
		p.mu.Unlock()

		out, err := p.stsClient(base).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve aws caller identity: %w", err)
		}
		source = aws.ToString(out.Arn)
	}

	effective := source
	if p.RoleARN != "" {
		effective = p.Subject
		if effective == "" {
			effective = p.RoleARN
		}
	}

	return &Discovery{
		SourceIdentity:    source,
		EffectiveIdentity: effective,
		ProjectID:         cfg.Region,
	}, nil
}

// Fetch implements Provider.
func (p *AWSProvider) Fetch(ctx context.Context) (*Grant, error) {
	if _, err := p.load(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	cache := p.cache
	p.mu.Unlock()
	if cache == nil {
		return nil, &ConfigError{Op: "aws credentials", Err: fmt.Errorf("no credential provider configured")}
	}

	creds, err := cache.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	tok := &Token{Value: creds.AccessKeyID, Type: "AWS4-HMAC-SHA256"}
	if creds.CanExpire {
		tok.Expiry = creds.Expires
	}
	return &Grant{Effective: tok}, nil
}

// Invalidate drops cached AWS credentials.
func (p *AWSProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache != nil {
		p.cache.Invalidate()
	}
}

func sessionName(subject string) string {
	name := sessionNameInvalid.ReplaceAllString(subject, "-")
	if name == "" {
		name = "hermes-bridge"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
