package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter is the upper bound of the random delay added to every backoff
	// interval. The exponential base is never reduced by jitter.
	Jitter time.Duration

	// AuthRetryConsumesBudget controls whether the immediate retry after a
	// token invalidation counts against MaxAttempts.
	//
	// Credentials are refreshed at most once per call. A second auth failure
	// anywhere in the same call is fatal, even when transient retries came
	// in between.
	AuthRetryConsumesBudget bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     64 * time.Second,
		Multiplier:   2,
		Jitter:       500 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Phase is a state of the per-call retry state machine.
type Phase string

const (
	PhaseAttempting       Phase = "attempting"
	PhaseRetrying         Phase = "retrying"
	PhaseAuthInvalidating Phase = "auth-invalidating"
	PhaseRecovering       Phase = "recovering"
	PhaseExhausted        Phase = "exhausted"
	PhaseSucceeded        Phase = "succeeded"
	PhaseFailed           Phase = "failed"
)

// State is the ephemeral per-call retry state.
type State struct {
	Attempt int
	Delay   time.Duration
	Class   Class
}

// Transition is reported to an Observer on every phase change.
type Transition struct {
	Op    string
	From  Phase
	To    Phase
	State State
}

// Observer receives state machine transitions. It must not block.
type Observer func(Transition)

// Invalidator drops a cached credential so the next attempt refreshes it.
type Invalidator interface {
	Invalidate()
}

// Attempt describes the attempt being made to an Operation.
type Attempt struct {
	Number int

	// Recovering is set on every attempt after a ClassRecoverable failure.
	Recovering bool
}

// Operation performs a single network attempt.
type Operation func(ctx context.Context, attempt Attempt) (*Result, error)

// Call is one engine invocation.
type Call struct {
	Name        string
	Op          Operation
	Invalidator Invalidator
	Classifier  Classifier
}

// Outcome describes a successful call.
type Outcome struct {
	Result        *Result
	Attempts      int
	TotalDelay    time.Duration
	Invalidations int
}

// Error is returned when a call fails for good.
type Error struct {
	Op            string
	Class         Class
	Attempts      int
	Exhausted     bool
	Status        int
	StatusText    string
	TotalDelay    time.Duration
	Invalidations int
	Result        *Result
	Err           error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s failed after %d attempts (%s): %v", e.Op, e.Attempts, e.Class, e.Err)
	}
	return fmt.Sprintf("%s failed on attempt %d (%s): %v", e.Op, e.Attempts, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Engine runs operations under a Policy.
type Engine struct {
	policy     Policy
	classifier Classifier
	logger     hclog.Logger
	sleep      Sleeper
	jitter     func(max time.Duration) time.Duration
	observer   Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for diagnostic retry warnings.
func WithLogger(logger hclog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClassifier installs an engine-wide classifier run before Classify.
func WithClassifier(c Classifier) Option {
	return func(e *Engine) {
		e.classifier = c
	}
}

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) {
		e.sleep = s
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(j func(max time.Duration) time.Duration) Option {
	return func(e *Engine) {
		e.jitter = j
	}
}

// WithObserver sets a transition observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// NewEngine creates an engine for the given policy.
func NewEngine(policy Policy, opts ...Option) *Engine {
	e := &Engine{
		policy: policy.withDefaults(),
		logger: hclog.NewNullLogger(),
		sleep:  sleepContext,
		jitter: randomJitter,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("retry")
	return e
}

// Policy returns the effective policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Do runs call.Op until it succeeds, fails with a non-retryable class, or the
// attempt budget is exhausted.
func (e *Engine) Do(ctx context.Context, call Call) (*Outcome, error) {
	name := call.Name
	if name == "" {
		name = "operation"
	}

	bo := e.newBackOff()
	state := State{}
	phase := PhaseAttempting
	budget := 0
	authRetried := false
	recovering := false
	invalidations := 0
	var total time.Duration

	move := func(to Phase) {
		if e.observer != nil {
			e.observer(Transition{Op: name, From: phase, To: to, State: state})
		}
		phase = to
	}

	fail := func(res *Result, err error, exhausted bool) error {
		if exhausted {
			move(PhaseExhausted)
		} else {
			move(PhaseFailed)
		}
		status := StatusOf(res, err)
		if status == 0 {
			if exhausted {
				status = http.StatusGatewayTimeout
			} else {
				status = http.StatusInternalServerError
			}
		}
		statusText := http.StatusText(status)
		if res != nil && res.StatusText != "" {
			statusText = res.StatusText
		}
		if err == nil {
			err = fmt.Errorf("unexpected status %d %s", status, statusText)
		}
		return &Error{
			Op:            name,
			Class:         state.Class,
			Attempts:      state.Attempt,
			Exhausted:     exhausted,
			Status:        status,
			StatusText:    statusText,
			TotalDelay:    total,
			Invalidations: invalidations,
			Result:        res,
			Err:           err,
		}
	}

	for {
		state.Attempt++
		budget++
		state.Delay = 0

		res, err := call.Op(ctx, Attempt{Number: state.Attempt, Recovering: recovering})
		state.Class = e.classify(call, res, err)

		switch {
		case state.Class == ClassSuccess:
			move(PhaseSucceeded)
			return &Outcome{
				Result:        res,
				Attempts:      state.Attempt,
				TotalDelay:    total,
				Invalidations: invalidations,
			}, nil

		case state.Class == ClassAuthExpired:
			if authRetried {
				e.logger.Warn("credential rejected again after refresh", "op", name, "attempt", state.Attempt)
				state.Class = ClassNonRetryable
				return nil, fail(res, err, false)
			}
			authRetried = true
			if !e.policy.AuthRetryConsumesBudget {
				budget--
			}
			if budget >= e.policy.MaxAttempts {
				return nil, fail(res, err, true)
			}
			move(PhaseAuthInvalidating)
			if call.Invalidator != nil {
				call.Invalidator.Invalidate()
			}
			invalidations++
			e.logger.Warn("credential rejected, refreshing", "op", name, "attempt", state.Attempt, "error", err)
			move(PhaseAttempting)

		case state.Class == ClassRecoverable:
			if recovering {
				state.Class = ClassNonRetryable
				return nil, fail(res, err, false)
			}
			if budget >= e.policy.MaxAttempts {
				return nil, fail(res, err, true)
			}
			recovering = true
			move(PhaseRecovering)
			e.logger.Warn("recoverable failure, retrying with fallback", "op", name, "attempt", state.Attempt, "error", err)
			move(PhaseAttempting)

		case state.Class.Transient():
			if budget >= e.policy.MaxAttempts {
				e.logger.Warn("retry budget exhausted", "op", name, "attempts", state.Attempt, "class", state.Class.String())
				return nil, fail(res, err, true)
			}
			state.Delay = bo.NextBackOff() + e.jitter(e.policy.Jitter)
			move(PhaseRetrying)
			e.logger.Warn("transient failure, backing off",
				"op", name,
				"attempt", state.Attempt,
				"class", state.Class.String(),
				"delay", state.Delay,
				"error", err,
			)
			if serr := e.sleep(ctx, state.Delay); serr != nil {
				state.Class = ClassNonRetryable
				return nil, fail(res, fmt.Errorf("%w (last error: %v)", serr, err), false)
			}
			total += state.Delay
			move(PhaseAttempting)

		default:
			return nil, fail(res, err, false)
		}
	}
}

func (e *Engine) classify(call Call, res *Result, err error) Class {
	if call.Classifier != nil {
		if c, ok := call.Classifier(res, err); ok {
			return c
		}
	}
	if e.classifier != nil {
		if c, ok := e.classifier(res, err); ok {
			return c
		}
	}
	return Classify(res, err)
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialDelay
	bo.Multiplier = e.policy.Multiplier
	bo.MaxInterval = e.policy.MaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
