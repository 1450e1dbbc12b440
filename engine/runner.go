package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/logkeys"
	"github.com/orchcmd/orchcmd/workflow"

	"github.com/micromdm/nanolib/log"
)

// errRunnerDone signals that a runner exited before it could take a
// control message. Callers retry against the checkpoint store.
var errRunnerDone = errors.New("runner exited")

type ctrlOp int

const (
	ctrlPause ctrlOp = iota + 1
	ctrlCancel
	ctrlSnapshot
)

type ctrlMsg struct {
	op   ctrlOp
	ack  chan error
	snap chan *workflow.Instance
}

// attemptNote reports that a step goroutine is about to make a remote
// call. The goroutine blocks on ack until the attempt is checkpointed
// so the attempt count is durable before the call goes out.
type attemptNote struct {
	stepID  string
	attempt int
	retry   bool
	cause   string
	ack     chan error
}

type stepResult struct {
	stepID  string
	outcome Outcome
}

// runner drives one workflow instance to a terminal status.
// The run loop goroutine is the sole mutator of inst; step goroutines
// and control callers communicate with it over channels only.
type runner struct {
	e    *Engine
	inst *workflow.Instance

	ctx    context.Context // cancels in-flight step attempts
	cancel context.CancelFunc

	ctrlCh    chan ctrlMsg
	attemptCh chan attemptNote
	resultCh  chan stepResult
	done      chan struct{}

	logger      log.Logger
	concurrency int
	active      int
	pausing     bool
	aborted     bool
}

func newRunner(e *Engine, inst *workflow.Instance) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &runner{
		e:           e,
		inst:        inst,
		ctx:         ctx,
		cancel:      cancel,
		ctrlCh:      make(chan ctrlMsg),
		attemptCh:   make(chan attemptNote),
		resultCh:    make(chan stepResult),
		done:        make(chan struct{}),
		logger:      e.logger.With(logkeys.InstanceID, inst.InstanceID, logkeys.DefinitionID, inst.DefinitionID),
		concurrency: e.concurrency(inst.Definition),
	}
}

// signal delivers a control operation to the run loop and waits for it
// to be applied.
func (r *runner) signal(ctx context.Context, op ctrlOp) error {
	m := ctrlMsg{op: op, ack: make(chan error, 1)}
	select {
	case r.ctrlCh <- m:
	case <-r.done:
		return errRunnerDone
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-m.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// snapshot returns a copy of the live instance, or nil if the runner
// exited first.
func (r *runner) snapshot(ctx context.Context) *workflow.Instance {
	m := ctrlMsg{op: ctrlSnapshot, snap: make(chan *workflow.Instance, 1)}
	select {
	case r.ctrlCh <- m:
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case inst := <-m.snap:
		return inst
	case <-r.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// checkpoint persists the instance at the next version.
// A stale-version rejection means another writer (a racing control
// operation) advanced the stored version; reload the authoritative
// version and retry the write once.
func (r *runner) checkpoint(ctx context.Context) error {
	r.inst.CheckpointVersion++
	r.inst.UpdatedAt = time.Now().UTC()
	_, err := r.e.store.Save(ctx, r.inst)
	if errors.Is(err, storage.ErrStaleVersion) {
		cp, lerr := r.e.store.Load(ctx, r.inst.InstanceID)
		if lerr != nil {
			return fmt.Errorf("reloading after stale save: %w", lerr)
		}
		r.inst.CheckpointVersion = cp.Version + 1
		_, err = r.e.store.Save(ctx, r.inst)
	}
	if err != nil {
		return fmt.Errorf("checkpointing: %w", err)
	}
	return nil
}

func (r *runner) emit(ctx context.Context, flag workflow.EventFlag, stepID string, attempt int, errStr string) {
	r.e.publish(ctx, &workflow.Event{
		EventFlag:    flag,
		InstanceID:   r.inst.InstanceID,
		DefinitionID: r.inst.DefinitionID,
		StepID:       stepID,
		Attempt:      attempt,
		Err:          errStr,
	})
}

// dispatch starts goroutines for ready steps up to the concurrency limit.
func (r *runner) dispatch() {
	if r.pausing || r.aborted {
		return
	}
	for _, stepID := range workflow.ReadySteps(r.inst.Definition, r.inst.StepStates) {
		if r.active >= r.concurrency {
			break
		}
		state := r.inst.StepStates[stepID]
		state.Status = workflow.StepReady
		r.active++
		go r.runStep(r.inst.Definition.Step(stepID), state.AttemptCount)
	}
}

// runStep executes one step and reports the outcome to the run loop.
// The step spec is read-only here; the definition never changes after
// validation.
func (r *runner) runStep(spec *workflow.StepSpec, priorAttempts int) {
	out := r.e.exec.execute(r.ctx, spec, priorAttempts, attemptHooks{
		onAttempt: func(attempt int) error {
			return r.note(spec.ID, attempt, false, "")
		},
		onRetry: func(nextAttempt int, cause error) error {
			return r.note(spec.ID, nextAttempt, true, cause.Error())
		},
	})
	select {
	case r.resultCh <- stepResult{stepID: spec.ID, outcome: out}:
	case <-r.ctx.Done():
	}
}

func (r *runner) note(stepID string, attempt int, retry bool, cause string) error {
	n := attemptNote{stepID: stepID, attempt: attempt, retry: retry, cause: cause, ack: make(chan error, 1)}
	select {
	case r.attemptCh <- n:
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
	select {
	case err := <-n.ack:
		return err
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

// handleAttempt records an attempt start (or scheduled retry) and
// checkpoints it before acking so the step goroutine does not make the
// remote call until the attempt count is durable.
func (r *runner) handleAttempt(ctx context.Context, n attemptNote) error {
	state, ok := r.inst.StepStates[n.stepID]
	if !ok {
		err := fmt.Errorf("unknown step: %s", n.stepID)
		n.ack <- err
		return err
	}

	if n.retry {
		state.Status = workflow.StepRetrying
		state.LastError = n.cause
	} else {
		state.Status = workflow.StepRunning
		state.AttemptCount = n.attempt
		if state.StartedAt.IsZero() {
			state.StartedAt = time.Now().UTC()
		}
	}

	err := r.checkpoint(ctx)
	n.ack <- err
	if err != nil {
		return err
	}

	if n.retry {
		r.emit(ctx, workflow.EventStepRetrying, n.stepID, n.attempt, n.cause)
	} else if n.attempt == 1 {
		r.emit(ctx, workflow.EventStepStarted, n.stepID, n.attempt, "")
	}
	return nil
}

// handleResult applies a step's final outcome, propagates failure
// policy, and checkpoints the transition.
func (r *runner) handleResult(ctx context.Context, res stepResult) error {
	r.active--
	state, ok := r.inst.StepStates[res.stepID]
	if !ok {
		return fmt.Errorf("unknown step: %s", res.stepID)
	}

	state.FinishedAt = time.Now().UTC()
	if res.outcome.Attempts > state.AttemptCount {
		state.AttemptCount = res.outcome.Attempts
	}

	var skipped []string
	if res.outcome.Err == nil {
		state.Status = workflow.StepSucceeded
		state.Result = res.outcome.Result
		state.LastError = ""
	} else {
		state.Status = workflow.StepFailed
		state.LastError = res.outcome.Err.Error()

		spec := r.inst.Definition.Step(res.stepID)
		if spec != nil && spec.OnFailure == workflow.SkipDependents {
			for _, depID := range workflow.TransitiveDependents(r.inst.Definition, res.stepID) {
				depState := r.inst.StepStates[depID]
				if depState != nil && depState.Status == workflow.StepPending {
					depState.Status = workflow.StepSkipped
					skipped = append(skipped, depID)
				}
			}
		} else {
			// abort: stop dispatching and let in-flight steps drain.
			r.aborted = true
		}
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}

	if res.outcome.Err == nil {
		r.emit(ctx, workflow.EventStepSucceeded, res.stepID, res.outcome.Attempts, "")
	} else {
		r.emit(ctx, workflow.EventStepFailed, res.stepID, res.outcome.Attempts, state.LastError)
	}
	for _, depID := range skipped {
		r.emit(ctx, workflow.EventStepSkipped, depID, 0, "")
	}
	return nil
}

// stall abandons the run loop after a checkpoint failure, leaving the
// last durable checkpoint intact. Other instances are unaffected; the
// instance can be resumed once storage recovers.
func (r *runner) stall(ctx context.Context, err error) {
	r.logger.Info(
		logkeys.Message, "instance stalled",
		logkeys.CheckpointVersion, r.inst.CheckpointVersion,
		logkeys.Error, err,
	)
	r.emit(ctx, workflow.EventInstanceStalled, "", 0, err.Error())
}

func (r *runner) finalize(ctx context.Context, status workflow.InstanceStatus) {
	r.inst.Status = status
	if err := r.checkpoint(ctx); err != nil {
		r.stall(ctx, err)
		return
	}
	flag := workflow.EventWorkflowCompleted
	if status == workflow.InstanceFailed {
		flag = workflow.EventWorkflowFailed
	}
	r.emit(ctx, flag, "", 0, "")
	r.logger.Debug(
		logkeys.Message, "workflow finished",
		logkeys.Status, status,
		logkeys.CheckpointVersion, r.inst.CheckpointVersion,
	)
}

func (r *runner) finalizePause(ctx context.Context) {
	r.inst.Status = workflow.InstancePaused
	if err := r.checkpoint(ctx); err != nil {
		r.stall(ctx, err)
		return
	}
	r.emit(ctx, workflow.EventWorkflowPaused, "", 0, "")
	r.logger.Debug(logkeys.Message, "workflow paused")
}

// finalizeCancel terminates the instance without waiting for in-flight
// attempts: they are cancelled via context and their late results are
// dropped.
func (r *runner) finalizeCancel(ctx context.Context) error {
	r.cancel()
	var skipped []string
	for stepID, state := range r.inst.StepStates {
		if !state.Status.Terminal() {
			state.Status = workflow.StepSkipped
			skipped = append(skipped, stepID)
		}
	}
	r.inst.Status = workflow.InstanceCancelled
	if err := r.checkpoint(ctx); err != nil {
		r.stall(ctx, err)
		return err
	}
	for _, stepID := range skipped {
		r.emit(ctx, workflow.EventStepSkipped, stepID, 0, "")
	}
	r.emit(ctx, workflow.EventWorkflowCancelled, "", 0, "")
	r.logger.Debug(logkeys.Message, "workflow cancelled")
	return nil
}

// run is the single-writer loop for the instance.
func (r *runner) run() {
	defer close(r.done)
	defer r.cancel()
	defer r.e.removeRunner(r.inst.InstanceID, r)

	ctx := context.Background()

	// persist the RUNNING transition before dispatching anything.
	if err := r.checkpoint(ctx); err != nil {
		r.stall(ctx, err)
		return
	}

	for {
		r.dispatch()

		if r.active == 0 {
			if status := r.inst.DerivedStatus(); status.Terminal() {
				r.finalize(ctx, status)
				return
			}
			if r.pausing {
				r.finalizePause(ctx)
				return
			}
			if len(workflow.ReadySteps(r.inst.Definition, r.inst.StepStates)) == 0 {
				// nothing in flight and nothing runnable: a validated
				// acyclic definition should never get here.
				r.stall(ctx, errors.New("no runnable steps"))
				return
			}
		}

		select {
		case m := <-r.ctrlCh:
			switch m.op {
			case ctrlSnapshot:
				m.snap <- r.inst.Clone()
			case ctrlPause:
				r.pausing = true
				m.ack <- nil
			case ctrlCancel:
				err := r.finalizeCancel(ctx)
				m.ack <- err
				return
			}
		case n := <-r.attemptCh:
			if err := r.handleAttempt(ctx, n); err != nil {
				r.stall(ctx, err)
				return
			}
		case res := <-r.resultCh:
			if err := r.handleResult(ctx, res); err != nil {
				r.stall(ctx, err)
				return
			}
		}
	}
}
