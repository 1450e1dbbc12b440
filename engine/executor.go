package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/orchcmd/orchcmd/logkeys"
	"github.com/orchcmd/orchcmd/router"
	"github.com/orchcmd/orchcmd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Invoker dispatches a single step attempt to a resolved agent endpoint.
// The returned bytes are the step's result payload.
type Invoker interface {
	Invoke(ctx context.Context, ep *router.Endpoint, spec *workflow.StepSpec) ([]byte, error)
}

const (
	// DefaultStepTimeout bounds a single step attempt when the step
	// spec does not configure its own timeout.
	DefaultStepTimeout = 5 * time.Minute

	DefaultMaxAttempts     = 3
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = time.Minute
	DefaultMultiplier      = 2.0
)

var (
	// ErrStepTimeout indicates a step attempt exceeded its timeout.
	ErrStepTimeout = errors.New("step attempt timed out")

	// ErrAttemptsExhausted indicates a step failed on its final attempt.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// Outcome is the final result of executing a step through all of its attempts.
type Outcome struct {
	Result   []byte
	AgentID  string
	Attempts int // total attempts made, including prior attempts before a resume
	Err      error
}

// attemptHooks let the caller observe the attempt lifecycle.
// Either hook returning an error aborts execution immediately; the
// error is returned in the outcome unwrapped.
type attemptHooks struct {
	// onAttempt runs before each remote call with the 1-indexed
	// attempt number. The remote call is not made until it returns.
	onAttempt func(attempt int) error

	// onRetry runs after a failed attempt when another attempt will
	// follow, before the backoff delay.
	onRetry func(nextAttempt int, cause error) error
}

// executor runs individual workflow steps against remote agents with
// per-attempt timeouts and exponential backoff between attempts.
type executor struct {
	router         router.Router
	invoker        Invoker
	logger         log.Logger
	defaultTimeout time.Duration
}

func newExecutor(rtr router.Router, invoker Invoker, logger log.Logger, defaultTimeout time.Duration) *executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultStepTimeout
	}
	return &executor{
		router:         rtr,
		invoker:        invoker,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// normalizeRetry fills in defaults for unset retry policy fields.
func normalizeRetry(p workflow.RetryPolicy) workflow.RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// retryDelay returns the backoff delay after the given failed attempt.
// Delay = min(initial * multiplier^(attempt-1), max).
func retryDelay(p workflow.RetryPolicy, attempt int) time.Duration {
	d := time.Duration(float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1)))
	if d > p.MaxInterval || d <= 0 {
		d = p.MaxInterval
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// execute runs spec through its attempt budget and returns the outcome.
// priorAttempts counts attempts already made (and persisted) before a
// resume; execution continues from the next attempt number and only
// the remaining budget is used. A priorAttempts already at the budget
// means the final attempt was interrupted in flight; it is re-issued.
//
// Routing failures are terminal: an unroutable step is a workflow
// definition or fleet problem that retrying cannot fix.
func (x *executor) execute(ctx context.Context, spec *workflow.StepSpec, priorAttempts int, hooks attemptHooks) Outcome {
	logger := ctxlog.Logger(ctx, x.logger).With(
		logkeys.StepID, spec.ID,
		logkeys.Domain, spec.Domain,
		logkeys.Capability, spec.Capability,
	)

	ep, err := x.router.Route(ctx, spec.Domain, spec.Capability)
	if err != nil {
		return Outcome{
			Attempts: priorAttempts,
			Err:      fmt.Errorf("routing step: %w", err),
		}
	}
	logger = logger.With(logkeys.AgentID, ep.AgentID)

	retry := normalizeRetry(spec.Retry)
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = x.defaultTimeout
	}

	first := priorAttempts + 1
	if first > retry.MaxAttempts {
		// the recorded final attempt was in flight with no outcome when
		// the run was interrupted. Its result is unknown, so re-issue it
		// under its own attempt number rather than failing it unmade.
		first = retry.MaxAttempts
	}

	var lastErr error
	for attempt := first; attempt <= retry.MaxAttempts; attempt++ {
		if hooks.onAttempt != nil {
			if err = hooks.onAttempt(attempt); err != nil {
				return Outcome{Attempts: attempt - 1, Err: err}
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := x.invoker.Invoke(attemptCtx, ep, spec)
		cancel()

		if err == nil {
			return Outcome{Result: result, AgentID: ep.AgentID, Attempts: attempt}
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %v: %v", ErrStepTimeout, timeout, err)
		}
		lastErr = err

		if ctx.Err() != nil {
			// the instance was cancelled or shut down; do not retry.
			return Outcome{AgentID: ep.AgentID, Attempts: attempt, Err: ctx.Err()}
		}

		if attempt >= retry.MaxAttempts {
			break
		}

		delay := retryDelay(retry, attempt)
		logger.Debug(
			logkeys.Message, "step attempt failed; retrying",
			logkeys.Attempt, attempt,
			"delay", delay.String(),
			logkeys.Error, err,
		)
		if hooks.onRetry != nil {
			if err = hooks.onRetry(attempt+1, lastErr); err != nil {
				return Outcome{AgentID: ep.AgentID, Attempts: attempt, Err: err}
			}
		}
		if err = sleepCtx(ctx, delay); err != nil {
			return Outcome{AgentID: ep.AgentID, Attempts: attempt, Err: err}
		}
	}

	err = fmt.Errorf("%w (%d)", ErrAttemptsExhausted, retry.MaxAttempts)
	if lastErr != nil {
		err = fmt.Errorf("%w (%d): %v", ErrAttemptsExhausted, retry.MaxAttempts, lastErr)
	}
	return Outcome{AgentID: ep.AgentID, Attempts: retry.MaxAttempts, Err: err}
}
