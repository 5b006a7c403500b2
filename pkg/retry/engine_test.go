package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) Invalidate() {
	c.calls++
}

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestEngine(policy Policy, sleeper *recordingSleeper, opts ...Option) *Engine {
	opts = append([]Option{
		WithSleeper(sleeper.sleep),
		WithJitter(func(max time.Duration) time.Duration { return max / 2 }),
	}, opts...)
	return NewEngine(policy, opts...)
}

// scripted returns an operation that replays the given statuses, one per
// attempt. Status 200 succeeds.
func scripted(statuses ...int) (Operation, *[]Attempt) {
	var seen []Attempt
	return func(ctx context.Context, a Attempt) (*Result, error) {
		seen = append(seen, a)
		status := statuses[len(seen)-1]
		if status == http.StatusOK {
			return &Result{Status: status, Data: "ok"}, nil
		}
		return nil, &googleapi.Error{Code: status, Message: http.StatusText(status)}
	}, &seen
}

func TestEngine_SucceedsOnAttemptK(t *testing.T) {
	for k := 1; k <= 5; k++ {
		statuses := make([]int, 0, k)
		for i := 1; i < k; i++ {
			statuses = append(statuses, http.StatusServiceUnavailable)
		}
		statuses = append(statuses, http.StatusOK)

		sleeper := &recordingSleeper{}
		engine := newTestEngine(Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, sleeper)
		op, _ := scripted(statuses...)

		out, err := engine.Do(context.Background(), Call{Name: "files.get", Op: op})
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, k, out.Attempts)
		assert.Len(t, sleeper.delays, k-1)
	}
}

func TestEngine_RateLimitThenSuccess(t *testing.T) {
	initial := 100 * time.Millisecond
	sleeper := &recordingSleeper{}
	engine := newTestEngine(Policy{MaxAttempts: 5, InitialDelay: initial, Jitter: 10 * time.Millisecond}, sleeper)
	op, _ := scripted(http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK)

	out, err := engine.Do(context.Background(), Call{Name: "files.list", Op: op})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Attempts)
	assert.GreaterOrEqual(t, out.TotalDelay, 3*initial)

	require.Len(t, sleeper.delays, 3)
	assert.GreaterOrEqual(t, sleeper.delays[0], initial)
	assert.GreaterOrEqual(t, sleeper.delays[1], 2*initial)
	assert.GreaterOrEqual(t, sleeper.delays[2], 4*initial)
}

func TestEngine_AuthExpiredOnce(t *testing.T) {
	inv := &countingInvalidator{}
	sleeper := &recordingSleeper{}
	engine := newTestEngine(Policy{MaxAttempts: 3, InitialDelay: time.Second}, sleeper)
	op, seen := scripted(http.StatusUnauthorized, http.StatusOK)

	out, err := engine.Do(context.Background(), Call{Name: "files.get", Op: op, Invalidator: inv})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.calls)
	assert.Equal(t, 1, out.Invalidations)
	assert.Equal(t, 2, out.Attempts)
	assert.Len(t, *seen, 2)
	assert.Empty(t, sleeper.delays, "auth retry must not back off")
}

func TestEngine_AuthExpiredTwiceIsFatal(t *testing.T) {
	inv := &countingInvalidator{}
	engine := newTestEngine(Policy{MaxAttempts: 5}, &recordingSleeper{})
	op, seen := scripted(http.StatusUnauthorized, http.StatusUnauthorized, http.StatusOK)

	_, err := engine.Do(context.Background(), Call{Name: "files.get", Op: op, Invalidator: inv})
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ClassNonRetryable, rerr.Class)
	assert.False(t, rerr.Exhausted)
	assert.Equal(t, http.StatusUnauthorized, rerr.Status)
	assert.Equal(t, 1, inv.calls)
	assert.Len(t, *seen, 2)
}

func TestEngine_AuthRefreshedOncePerCall(t *testing.T) {
	inv := &countingInvalidator{}
	engine := newTestEngine(Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, &recordingSleeper{})
	op, seen := scripted(http.StatusUnauthorized, http.StatusServiceUnavailable, http.StatusUnauthorized, http.StatusOK)

	_, err := engine.Do(context.Background(), Call{Name: "files.get", Op: op, Invalidator: inv})

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ClassNonRetryable, rerr.Class)
	assert.Equal(t, 1, inv.calls)
	assert.Len(t, *seen, 3)
}

func TestEngine_AuthRetryBudget(t *testing.T) {
	tests := []struct {
		name     string
		consumes bool
		wantErr  bool
	}{
		{name: "independent budget", consumes: false, wantErr: false},
		{name: "shared budget", consumes: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(Policy{
				MaxAttempts:             2,
				InitialDelay:            time.Millisecond,
				AuthRetryConsumesBudget: tt.consumes,
			}, &recordingSleeper{})
			op, _ := scripted(http.StatusUnauthorized, http.StatusServiceUnavailable, http.StatusOK)

			_, err := engine.Do(context.Background(), Call{Name: "op", Op: op, Invalidator: &countingInvalidator{}})
			if tt.wantErr {
				var rerr *Error
				require.ErrorAs(t, err, &rerr)
				assert.True(t, rerr.Exhausted)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestEngine_ExhaustedIncludesAttemptsAndCause(t *testing.T) {
	engine := newTestEngine(Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}, &recordingSleeper{})
	op := func(ctx context.Context, a Attempt) (*Result, error) {
		return nil, &googleapi.Error{Code: http.StatusServiceUnavailable, Message: "backend is sulking"}
	}

	_, err := engine.Do(context.Background(), Call{Name: "documents.get", Op: op})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Exhausted)
	assert.Equal(t, 3, rerr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, rerr.Status)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.Contains(t, err.Error(), "backend is sulking")
}

func TestEngine_ExhaustedWithoutResponseIsGatewayTimeout(t *testing.T) {
	engine := newTestEngine(Policy{MaxAttempts: 2, InitialDelay: time.Millisecond}, &recordingSleeper{})
	op := func(ctx context.Context, a Attempt) (*Result, error) {
		return nil, errors.New("read tcp: connection reset by peer")
	}

	_, err := engine.Do(context.Background(), Call{Name: "op", Op: op})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ClassTransientNetwork, rerr.Class)
	assert.Equal(t, http.StatusGatewayTimeout, rerr.Status)
}

func TestEngine_NonRetryableFailsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	engine := newTestEngine(Policy{MaxAttempts: 5}, sleeper)
	op, seen := scripted(http.StatusNotFound, http.StatusOK)

	_, err := engine.Do(context.Background(), Call{Name: "op", Op: op})
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)
	assert.Len(t, *seen, 1)
	assert.Empty(t, sleeper.delays)
}

func TestEngine_RecoverableRetriesOnceWithFallback(t *testing.T) {
	invalidField := &googleapi.Error{Code: http.StatusBadRequest, Message: "Invalid field selection title"}
	classifier := func(res *Result, err error) (Class, bool) {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusBadRequest {
			return ClassRecoverable, true
		}
		return 0, false
	}

	t.Run("fallback succeeds", func(t *testing.T) {
		engine := newTestEngine(Policy{MaxAttempts: 3}, &recordingSleeper{})
		var attempts []Attempt
		op := func(ctx context.Context, a Attempt) (*Result, error) {
			attempts = append(attempts, a)
			if !a.Recovering {
				return nil, invalidField
			}
			return &Result{Status: http.StatusOK}, nil
		}

		out, err := engine.Do(context.Background(), Call{Name: "op", Op: op, Classifier: classifier})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Attempts)
		require.Len(t, attempts, 2)
		assert.True(t, attempts[1].Recovering)
	})

	t.Run("fallback fails again", func(t *testing.T) {
		engine := newTestEngine(Policy{MaxAttempts: 3}, &recordingSleeper{})
		op := func(ctx context.Context, a Attempt) (*Result, error) {
			return nil, invalidField
		}

		_, err := engine.Do(context.Background(), Call{Name: "op", Op: op, Classifier: classifier})
		var rerr *Error
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 2, rerr.Attempts)
		assert.Equal(t, http.StatusBadRequest, rerr.Status)
	})
}

func TestEngine_ObserverSeesStateMachine(t *testing.T) {
	var phases []Phase
	engine := newTestEngine(Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}, &recordingSleeper{},
		WithObserver(func(tr Transition) { phases = append(phases, tr.To) }))
	op, _ := scripted(http.StatusUnauthorized, http.StatusBadGateway, http.StatusOK)

	_, err := engine.Do(context.Background(), Call{Name: "op", Op: op, Invalidator: &countingInvalidator{}})
	require.NoError(t, err)
	assert.Equal(t, []Phase{
		PhaseAuthInvalidating, PhaseAttempting,
		PhaseRetrying, PhaseAttempting,
		PhaseSucceeded,
	}, phases)
}

func TestEngine_SleepInterruptedByContext(t *testing.T) {
	engine := NewEngine(Policy{MaxAttempts: 3, InitialDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op, _ := scripted(http.StatusServiceUnavailable, http.StatusOK)

	_, err := engine.Do(ctx, Call{Name: "op", Op: op})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
