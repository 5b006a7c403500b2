// Package google implements the Drive and Docs operations of the bridge.
package google

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/hashicorp-forge/hermes-bridge/pkg/executor"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
	"github.com/hashicorp-forge/hermes-bridge/pkg/router"
)

// Kind tags Google routes.
const Kind = "google"

// Cache kinds.
const (
	KindFile     = "file"
	KindDocument = "document"
)

const (
	scopeDrive             = "https://www.googleapis.com/auth/drive"
	scopeDriveReadonly     = "https://www.googleapis.com/auth/drive.readonly"
	scopeDocuments         = "https://www.googleapis.com/auth/documents"
	scopeDocumentsReadonly = "https://www.googleapis.com/auth/documents.readonly"
)

// Config configures the Google backend.
type Config struct {
	// DriveEndpoint and DocsEndpoint override the API base URLs.
	DriveEndpoint string
	DocsEndpoint  string

	// Transport is the base round tripper under the authorizing transport.
	Transport http.RoundTripper

	// PageSize is the default files.list page size.
	PageSize int64

	UserAgent string
}

// Backend holds the Drive and Docs clients of one platform.
type Backend struct {
	cfg    Config
	logger hclog.Logger

	mu    sync.RWMutex
	drive *drive.Service
	docs  *docs.Service
}

var _ router.Backend = (*Backend)(nil)

// New creates a Google backend. Clients are created on Init.
func New(cfg Config, logger hclog.Logger) *Backend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Backend{
		cfg:    cfg,
		logger: logger.Named("google"),
	}
}

// Kind implements router.Backend.
func (b *Backend) Kind() string {
	return Kind
}

// Init implements router.Backend. Every request asks the auth manager for
// its token so an invalidated token is replaced on the next attempt.
func (b *Backend) Init(ctx context.Context, route *router.Route) error {
	base := b.cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client := &http.Client{
		Transport: &oauth2.Transport{
			Source: route.Auth.TokenSource(ctx),
			Base:   base,
		},
	}

	common := []option.ClientOption{option.WithHTTPClient(client)}
	if b.cfg.UserAgent != "" {
		common = append(common, option.WithUserAgent(b.cfg.UserAgent))
	}

	driveOpts := common
	if b.cfg.DriveEndpoint != "" {
		driveOpts = append(append([]option.ClientOption{}, common...), option.WithEndpoint(b.cfg.DriveEndpoint))
	}
	driveSvc, err := drive.NewService(ctx, driveOpts...)
	if err != nil {
		return fmt.Errorf("failed to create drive client: %w", err)
	}

	docsOpts := common
	if b.cfg.DocsEndpoint != "" {
		docsOpts = append(append([]option.ClientOption{}, common...), option.WithEndpoint(b.cfg.DocsEndpoint))
	}
	docsSvc, err := docs.NewService(ctx, docsOpts...)
	if err != nil {
		return fmt.Errorf("failed to create docs client: %w", err)
	}

	b.mu.Lock()
	b.drive = driveSvc
	b.docs = docsSvc
	b.mu.Unlock()

	b.logger.Debug("clients created", "platform", route.Platform)
	return nil
}

func (b *Backend) clients() (*drive.Service, *docs.Service, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.drive == nil || b.docs == nil {
		return nil, nil, fmt.Errorf("google backend is not initialized")
	}
	return b.drive, b.docs, nil
}

type handler func(b *Backend, ctx context.Context, req *executor.Request) (*retry.Result, error)

func (h handler) bind() executor.Handler {
	return func(ctx context.Context, req *executor.Request) (*retry.Result, error) {
		b, ok := req.Route.Backend.(*Backend)
		if !ok {
			return nil, fmt.Errorf("platform %s is not served by a google backend", req.Route.Platform)
		}
		return h(b, ctx, req)
	}
}

func whoami(_ *Backend, ctx context.Context, req *executor.Request) (*retry.Result, error) {
	return executor.WhoAmI(ctx, req)
}

// Operations returns the operations of Google platforms. Handlers run
// against the backend of the resolved route.
func Operations() []executor.Operation {
	op := func(service, method string, scopes []string, h handler) executor.Operation {
		return executor.Operation{Kind: Kind, Service: service, Method: method, Scopes: scopes, Handler: h.bind()}
	}
	read := []string{scopeDriveReadonly}
	write := []string{scopeDrive}

	return []executor.Operation{
		op("drive", "files.get", read, (*Backend).filesGet),
		op("drive", "files.list", read, (*Backend).filesList),
		op("drive", "files.children", read, (*Backend).filesChildren),
		op("drive", "files.create", write, (*Backend).filesCreate),
		op("drive", "files.update", write, (*Backend).filesUpdate),
		op("drive", "files.delete", write, (*Backend).filesDelete),
		op("docs", "documents.get", []string{scopeDocumentsReadonly}, (*Backend).documentsGet),
		op("docs", "documents.batchUpdate", []string{scopeDocuments}, (*Backend).documentsBatchUpdate),
		op("auth", "whoami", nil, whoami),
	}
}
