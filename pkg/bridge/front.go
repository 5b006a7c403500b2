// Package bridge gives synchronous callers a blocking view of asynchronous
// cloud operations. A Front accepts one call at a time, hands a copy of the
// envelope to a single executor goroutine and blocks until exactly one result
// is published back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ErrClosed is reported for calls made after Close.
var ErrClosed = errors.New("bridge is closed")

// Executor runs one call. It must always return a populated result.
type Executor interface {
	Execute(ctx context.Context, env CallEnvelope) ResultEnvelope
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, env CallEnvelope) ResultEnvelope

func (f ExecutorFunc) Execute(ctx context.Context, env CallEnvelope) ResultEnvelope {
	return f(ctx, env)
}

// Options configures a Front.
type Options struct {
	// MaxWait is hang detection only. When a result takes longer the caller
	// receives a synthetic 504 and the late result is dropped. The executor
	// is not cancelled. Zero waits forever.
	MaxWait time.Duration

	Logger hclog.Logger
}

type request struct {
	env   CallEnvelope
	reply chan ResultEnvelope
}

// Front is the blocking side of the bridge.
type Front struct {
	exec    Executor
	maxWait time.Duration
	logger  hclog.Logger

	// callMu keeps at most one Call in flight.
	callMu sync.Mutex

	requests  chan request
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewFront starts the executor goroutine.
func NewFront(exec Executor, opts Options) *Front {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Front{
		exec:     exec,
		maxWait:  opts.MaxWait,
		logger:   logger.Named("bridge"),
		requests: make(chan request),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	f.wg.Add(1)
	go f.worker()
	return f
}

// Call blocks until the result of env is available.
func (f *Front) Call(env CallEnvelope) ResultEnvelope {
	f.callMu.Lock()
	defer f.callMu.Unlock()
	return f.Submit(env).Wait()
}

// Submit hands env to the executor and returns a Future for its result. It
// blocks until the executor has finished the previous call.
func (f *Front) Submit(env CallEnvelope) *Future {
	if env.OperationID == "" {
		env.OperationID = uuid.NewString()
	}
	fut := &Future{id: env.OperationID, maxWait: f.maxWait, logger: f.logger}

	if err := env.Validate(); err != nil {
		return fut.resolve(Fatal(env.OperationID, http.StatusBadRequest, err))
	}

	var copied CallEnvelope
	if err := roundTrip(env, &copied); err != nil {
		return fut.resolve(Fatal(env.OperationID, http.StatusBadRequest, fmt.Errorf("envelope is not serializable: %w", err)))
	}

	fut.reply = make(chan ResultEnvelope, 1)
	select {
	case <-f.done:
		return fut.resolve(Fatal(env.OperationID, http.StatusServiceUnavailable, ErrClosed))
	case f.requests <- request{env: copied, reply: fut.reply}:
	}

	f.logger.Trace("call submitted", "operation", copied.Operation(), "operation_id", copied.OperationID)
	return fut
}

// Close stops the executor goroutine and cancels the call in progress, if
// any. Later calls fail with ErrClosed.
func (f *Front) Close() {
	f.closeOnce.Do(func() {
		close(f.done)
		f.cancel()
	})
	f.wg.Wait()
}

func (f *Front) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case req := <-f.requests:
			req.reply <- f.execute(req.env)
		}
	}
}

func (f *Front) execute(env CallEnvelope) (res ResultEnvelope) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("executor panicked",
				"operation", env.Operation(),
				"operation_id", env.OperationID,
				"panic", r)
			res = Fatal(env.OperationID, http.StatusInternalServerError, fmt.Errorf("executor panic: %v", r))
		}
	}()

	out := f.exec.Execute(f.ctx, env)
	out.OperationID = env.OperationID

	var copied ResultEnvelope
	if err := roundTrip(out, &copied); err != nil {
		return Fatal(env.OperationID, http.StatusInternalServerError, fmt.Errorf("result is not serializable: %w", err))
	}

	f.logger.Debug("call finished",
		"operation", env.Operation(),
		"operation_id", env.OperationID,
		"status", copied.Response.Status,
		"elapsed", time.Since(start))
	return copied
}

// Future is the pending result of a submitted call.
type Future struct {
	id      string
	reply   chan ResultEnvelope
	maxWait time.Duration
	logger  hclog.Logger

	once   sync.Once
	result ResultEnvelope
}

func (fut *Future) resolve(res ResultEnvelope) *Future {
	fut.once.Do(func() { fut.result = res })
	return fut
}

// OperationID returns the id of the submitted envelope.
func (fut *Future) OperationID() string {
	return fut.id
}

// Wait blocks until the result is available. It may be called repeatedly.
func (fut *Future) Wait() ResultEnvelope {
	fut.once.Do(func() {
		if fut.maxWait <= 0 {
			fut.result = <-fut.reply
			return
		}
		t := time.NewTimer(fut.maxWait)
		defer t.Stop()
		select {
		case fut.result = <-fut.reply:
		case <-t.C:
			fut.logger.Warn("call exceeded maximum wait, abandoning result",
				"operation_id", fut.id,
				"max_wait", fut.maxWait)
			fut.result = Fatal(fut.id, http.StatusGatewayTimeout,
				fmt.Errorf("no result after %s", fut.maxWait))
		}
	})
	return fut.result
}
