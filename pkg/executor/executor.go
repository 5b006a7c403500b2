// Package executor runs bridge calls: it resolves the platform, initializes
// it once, audits scopes and dispatches to the registered operation handler.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/hermes-bridge/pkg/auth"
	"github.com/hashicorp-forge/hermes-bridge/pkg/bridge"
	"github.com/hashicorp-forge/hermes-bridge/pkg/retry"
	"github.com/hashicorp-forge/hermes-bridge/pkg/router"
)

// Handler performs one operation. Data, status and headers of the returned
// result are published to the caller.
type Handler func(ctx context.Context, req *Request) (*retry.Result, error)

// Operation registers a handler for one (kind, service, method) triple. Kind
// is the backend tag, so every platform of that kind shares the operation.
type Operation struct {
	Kind    string
	Service string
	Method  string

	// Scopes the effective token must hold. Checked before the handler runs,
	// without a network call.
	Scopes []string

	Handler Handler
}

func (o Operation) key() string {
	return o.Kind + "/" + o.Service + "." + o.Method
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Router *router.Router
	Retry  *retry.Engine
	Logger hclog.Logger

	// FS reads manifests. Defaults to the OS filesystem.
	FS afero.Fs

	// Manifests maps a platform to its manifest file.
	Manifests map[string]string

	// FanOut bounds handler sub-requests. Defaults to DefaultFanOut.
	FanOut int
}

// Executor implements bridge.Executor.
type Executor struct {
	deps   Deps
	logger hclog.Logger

	mu          sync.RWMutex
	ops         map[string]Operation
	initialized map[string]bool
	initMu      sync.Mutex
}

var _ bridge.Executor = (*Executor)(nil)

// New creates an Executor.
func New(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewEngine(retry.DefaultPolicy(), retry.WithLogger(deps.Logger))
	}
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	e := &Executor{
		deps:        deps,
		logger:      deps.Logger.Named("executor"),
		ops:         map[string]Operation{},
		initialized: map[string]bool{},
	}
	for _, op := range e.builtins() {
		e.ops[op.key()] = op
	}
	return e
}

// Register adds operations. A duplicate triple is an error.
func (e *Executor) Register(ops ...Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, op := range ops {
		if op.Handler == nil {
			return fmt.Errorf("operation %s has no handler", op.key())
		}
		if _, exists := e.ops[op.key()]; exists {
			return fmt.Errorf("operation %s already registered", op.key())
		}
		e.ops[op.key()] = op
	}
	return nil
}

// Operations lists the registered operation names.
func (e *Executor) Operations() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.ops))
	for name := range e.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Executor) lookup(kind, service, method string) (Operation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	op, ok := e.ops[Operation{Kind: kind, Service: service, Method: method}.key()]
	return op, ok
}

// Execute implements bridge.Executor.
func (e *Executor) Execute(ctx context.Context, env bridge.CallEnvelope) bridge.ResultEnvelope {
	start := time.Now()
	logger := e.logger.With("operation", env.Operation(), "operation_id", env.OperationID)

	if op, ok := e.lookup(BuiltinKind, env.Service, env.Method); ok {
		return e.run(ctx, op, &Request{Envelope: env, Logger: logger}, start)
	}

	route, err := e.deps.Router.Resolve(ctx, env.Platform)
	if err != nil {
		logger.Warn("failed to resolve platform", "error", err)
		return failure(env.OperationID, err)
	}

	kind := route.Backend.Kind()
	op, ok := e.lookup(kind, env.Service, env.Method)
	if !ok {
		return failure(env.OperationID, fmt.Errorf("%w: %s %s.%s", ErrUnsupportedOperation, kind, env.Service, env.Method))
	}

	if err := e.ensureInit(ctx, route); err != nil {
		logger.Error("failed to initialize platform", "platform", route.Platform, "error", err)
		return failure(env.OperationID, err)
	}

	if err := route.Auth.Audit(op.Scopes); err != nil {
		logger.Warn("scope audit failed", "error", err)
		return failure(env.OperationID, err)
	}

	req := &Request{
		Envelope: env,
		Route:    route,
		Logger:   logger.With("platform", route.Platform),
		retry:    e.deps.Retry,
		fanOut:   e.deps.FanOut,
	}
	return e.run(ctx, op, req, start)
}

func (e *Executor) run(ctx context.Context, op Operation, req *Request, start time.Time) bridge.ResultEnvelope {
	id := req.Envelope.OperationID

	res, err := op.Handler(ctx, req)
	if err != nil {
		req.Logger.Warn("operation failed", "error", err, "elapsed", time.Since(start))
		return failure(id, err)
	}
	if res == nil {
		res = &retry.Result{}
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	statusText := res.StatusText
	if statusText == "" {
		statusText = http.StatusText(status)
	}

	req.Logger.Debug("operation succeeded", "status", status, "elapsed", time.Since(start))
	return bridge.ResultEnvelope{
		OperationID: id,
		Data:        res.Data,
		Response: bridge.Response{
			Status:     status,
			StatusText: statusText,
			Headers:    res.Header,
			RawBody:    res.Body,
		},
	}
}

// ensureInit runs the one-time initialization of a platform: credential
// discovery, manifest scopes and backend clients. Only success is
// remembered.
func (e *Executor) ensureInit(ctx context.Context, route *router.Route) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized[route.Platform] {
		return nil
	}

	if err := route.Auth.Init(ctx); err != nil {
		return err
	}

	if path, ok := e.deps.Manifests[route.Platform]; ok && path != "" {
		manifest, err := auth.ReadManifest(e.deps.FS, path)
		if err != nil {
			return err
		}
		route.Auth.DeclareScopes(manifest.OAuthScopes...)
	}

	if err := route.Backend.Init(ctx, route); err != nil {
		return fmt.Errorf("failed to initialize %s backend: %w", route.Platform, err)
	}

	e.initialized[route.Platform] = true
	e.logger.Info("platform initialized",
		"platform", route.Platform,
		"kind", route.Backend.Kind(),
		"model", string(route.Auth.Model()))
	return nil
}

// Initialized reports whether platform finished its one-time initialization.
func (e *Executor) Initialized(platform string) bool {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	return e.initialized[platform]
}
