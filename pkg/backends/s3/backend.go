// Package s3 implements the object storage operations of the bridge on S3
// and S3-compatible stores.
package s3

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/hermes-bridge/pkg/executor"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
	"github.com/hashicorp-forge/hermes-bridge/pkg/router"
)

// Kind tags S3 routes.
const Kind = "s3"

// KindObject is the cache kind of object metadata.
const KindObject = "object"

// ConfigSource provides the SDK configuration, credentials included.
// *auth.AWSProvider implements it.
type ConfigSource interface {
	AWSConfig(ctx context.Context) (aws.Config, error)
}

// Config configures the S3 backend.
type Config struct {
	Bucket string
	Prefix string

	// Endpoint points the client at an S3-compatible service. Path-style
	// addressing is used whenever it is set.
	Endpoint string

	// HTTPClient overrides the SDK HTTP client.
	HTTPClient *http.Client

	// ListPageSize is the default objects.list page size.
	ListPageSize int32

	// MaxObjectBytes caps object bodies read by objects.get.
	MaxObjectBytes int64

	DefaultContentType string
}

// SetDefaults sets default values for optional fields.
func (c *Config) SetDefaults() {
	if c.ListPageSize <= 0 {
		c.ListPageSize = 1000
	}
	if c.MaxObjectBytes <= 0 {
		c.MaxObjectBytes = 32 << 20
	}
	if c.DefaultContentType == "" {
		c.DefaultContentType = "application/octet-stream"
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Bucket, validation.Required),
		validation.Field(&c.ListPageSize, validation.Max(int32(1000))),
	)
}

// Backend holds the S3 client of one platform.
type Backend struct {
	cfg    Config
	source ConfigSource
	logger hclog.Logger

	mu     sync.RWMutex
	client *s3.Client
}

var _ router.Backend = (*Backend)(nil)

// New creates an S3 backend. The client is created on Init.
func New(cfg Config, source ConfigSource, logger hclog.Logger) (*Backend, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 configuration: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("invalid s3 configuration: no aws config source")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{
		cfg:    cfg,
		source: source,
		logger: logger.Named("s3"),
	}, nil
}

// Kind implements router.Backend.
func (b *Backend) Kind() string {
	return Kind
}

// Init implements router.Backend.
func (b *Backend) Init(ctx context.Context, route *router.Route) error {
	awsCfg, err := b.source.AWSConfig(ctx)
	if err != nil {
		return err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if b.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.cfg.Endpoint)
			o.UsePathStyle = true
		}
		if b.cfg.HTTPClient != nil {
			o.HTTPClient = b.cfg.HTTPClient
		}
		// Retries belong to the bridge retry engine.
		o.Retryer = aws.NopRetryer{}
	})

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	b.logger.Debug("client created",
		"platform", route.Platform,
		"bucket", b.cfg.Bucket,
		"region", awsCfg.Region)
	return nil
}

func (b *Backend) s3Client() (*s3.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, fmt.Errorf("s3 backend is not initialized")
	}
	return b.client, nil
}

type handler func(b *Backend, ctx context.Context, req *executor.Request) (*retry.Result, error)

func (h handler) bind() executor.Handler {
	return func(ctx context.Context, req *executor.Request) (*retry.Result, error) {
		b, ok := req.Route.Backend.(*Backend)
		if !ok {
			return nil, fmt.Errorf("platform %s is not served by an s3 backend", req.Route.Platform)
		}
		return h(b, ctx, req)
	}
}

func whoami(_ *Backend, ctx context.Context, req *executor.Request) (*retry.Result, error) {
	return executor.WhoAmI(ctx, req)
}

// Operations returns the operations of S3 platforms. Several platforms may
// share them, each with its own bucket.
func Operations() []executor.Operation {
	op := func(service, method string, h handler) executor.Operation {
		return executor.Operation{Kind: Kind, Service: service, Method: method, Handler: h.bind()}
	}
	return []executor.Operation{
		op("storage", "objects.head", (*Backend).objectsHead),
		op("storage", "objects.get", (*Backend).objectsGet),
		op("storage", "objects.put", (*Backend).objectsPut),
		op("storage", "objects.delete", (*Backend).objectsDelete),
		op("storage", "objects.list", (*Backend).objectsList),
		op("auth", "whoami", whoami),
	}
}
