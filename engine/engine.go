// Package engine implements the orchcmd workflow execution engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchcmd/orchcmd/engine/storage"
	"github.com/orchcmd/orchcmd/logkeys"
	"github.com/orchcmd/orchcmd/notify"
	"github.com/orchcmd/orchcmd/router"
	"github.com/orchcmd/orchcmd/utils/uuid"
	"github.com/orchcmd/orchcmd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	// ErrInstanceTerminal is returned by control operations against an
	// instance that already reached a terminal status.
	ErrInstanceTerminal = errors.New("instance already terminal")

	// ErrInstanceRunning is returned when Delete is attempted on an
	// instance with an active runner.
	ErrInstanceRunning = errors.New("instance is running")
)

// DefaultConcurrency is the per-instance dispatch limit used when a
// workflow definition does not set its own.
const DefaultConcurrency = 4

// Engine drives workflow instances from submission to a terminal status.
// Each running instance is owned by a single runner goroutine; the
// engine's job is to create, find, and signal those runners and to
// arbitrate with the checkpoint store when no runner exists.
type Engine struct {
	store    storage.Store
	router   router.Router
	invoker  Invoker
	exec     *executor
	notifier notify.Notifier
	logger   log.Logger
	ider     uuid.IDer

	defaultConcurrency int
	defaultTimeout     time.Duration

	runnersMu sync.Mutex
	runners   map[string]*runner
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithDefaultConcurrency sets the per-instance dispatch limit for
// definitions that do not configure their own.
func WithDefaultConcurrency(n int) Option {
	return func(e *Engine) {
		e.defaultConcurrency = n
	}
}

// WithDefaultTimeout sets the default per-attempt step timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.defaultTimeout = timeout
	}
}

// WithIDer sets the instance ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// New creates a new workflow engine with default configuration.
func New(store storage.Store, rtr router.Router, invoker Invoker, opts ...Option) *Engine {
	engine := &Engine{
		store:              store,
		router:             rtr,
		invoker:            invoker,
		notifier:           notify.NopNotifier{},
		logger:             log.NopLogger,
		ider:               uuid.NewUUID(),
		defaultConcurrency: DefaultConcurrency,
		defaultTimeout:     DefaultStepTimeout,
		runners:            make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(engine)
	}
	engine.exec = newExecutor(engine.router, engine.invoker, engine.logger, engine.defaultTimeout)
	return engine
}

// publish sends a lifecycle event to the notifier.
// Notification is fire-and-forget: publish errors are logged, never
// surfaced into workflow state.
func (e *Engine) publish(ctx context.Context, ev *workflow.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := e.notifier.Publish(ctx, ev); err != nil {
		ctxlog.Logger(ctx, e.logger).Info(
			logkeys.Message, "publishing event",
			logkeys.Event, ev.EventFlag,
			logkeys.InstanceID, ev.InstanceID,
			logkeys.Error, err,
		)
	}
}

// runner returns the active runner for instanceID, if any.
func (e *Engine) runner(instanceID string) *runner {
	e.runnersMu.Lock()
	defer e.runnersMu.Unlock()
	return e.runners[instanceID]
}

// addRunner registers r unless a runner for the instance already exists.
func (e *Engine) addRunner(instanceID string, r *runner) bool {
	e.runnersMu.Lock()
	defer e.runnersMu.Unlock()
	if _, ok := e.runners[instanceID]; ok {
		return false
	}
	e.runners[instanceID] = r
	return true
}

// removeRunner deregisters r. Only r removes itself so a replacement
// runner registered after a stall is left alone.
func (e *Engine) removeRunner(instanceID string, r *runner) {
	e.runnersMu.Lock()
	defer e.runnersMu.Unlock()
	if e.runners[instanceID] == r {
		delete(e.runners, instanceID)
	}
}

// concurrency resolves the dispatch limit for def.
func (e *Engine) concurrency(def *workflow.Definition) int {
	if def != nil && def.Concurrency > 0 {
		return def.Concurrency
	}
	if e.defaultConcurrency > 0 {
		return e.defaultConcurrency
	}
	return DefaultConcurrency
}

// Submit validates def, checkpoints a new instance, and starts running
// it. Returns the new instance ID.
func (e *Engine) Submit(ctx context.Context, def *workflow.Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", fmt.Errorf("validating definition: %w", err)
	}

	instanceID := e.ider.ID()
	inst := workflow.NewInstance(instanceID, def, time.Now().UTC())
	inst.CheckpointVersion = 1
	if _, err := e.store.Save(ctx, inst); err != nil {
		return "", fmt.Errorf("checkpointing new instance: %w", err)
	}

	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "submitted workflow",
		logkeys.InstanceID, instanceID,
		logkeys.DefinitionID, def.ID,
		logkeys.GenericCount, len(def.Steps),
	)
	e.publish(ctx, &workflow.Event{
		EventFlag:    workflow.EventWorkflowStarted,
		InstanceID:   instanceID,
		DefinitionID: def.ID,
	})

	inst.Status = workflow.InstanceRunning
	e.startRunner(inst)
	return instanceID, nil
}

// startRunner spawns the single-writer loop for inst.
// inst ownership transfers to the runner goroutine.
func (e *Engine) startRunner(inst *workflow.Instance) bool {
	r := newRunner(e, inst)
	if !e.addRunner(inst.InstanceID, r) {
		return false
	}
	go r.run()
	return true
}

// load fetches the latest checkpointed instance for mutation.
func (e *Engine) load(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	cp, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	inst := cp.Instance.Clone()
	inst.InstanceID = cp.InstanceID
	inst.CheckpointVersion = cp.Version
	return inst, nil
}

// saveNext checkpoints inst at the next version.
func (e *Engine) saveNext(ctx context.Context, inst *workflow.Instance) error {
	inst.CheckpointVersion++
	inst.UpdatedAt = time.Now().UTC()
	if _, err := e.store.Save(ctx, inst); err != nil {
		return fmt.Errorf("checkpointing instance: %w", err)
	}
	return nil
}

// Pause stops dispatching new steps for an instance. In-flight step
// attempts run to completion; the instance checkpoints as PAUSED once
// drained. Pausing an already paused instance is a no-op.
func (e *Engine) Pause(ctx context.Context, instanceID string) error {
	if r := e.runner(instanceID); r != nil {
		err := r.signal(ctx, ctrlPause)
		if !errors.Is(err, errRunnerDone) {
			return err
		}
		// the runner exited before taking the signal; fall through.
	}

	// no live runner: flip the checkpointed status directly.
	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	switch {
	case inst.Status == workflow.InstancePaused:
		return nil
	case inst.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, instanceID, inst.Status)
	}
	inst.Status = workflow.InstancePaused
	if err = e.saveNext(ctx, inst); err != nil {
		return err
	}
	e.publish(ctx, &workflow.Event{
		EventFlag:    workflow.EventWorkflowPaused,
		InstanceID:   instanceID,
		DefinitionID: inst.DefinitionID,
	})
	return nil
}

// Resume restarts a paused or interrupted instance from its latest
// checkpoint. Steps that were READY, RUNNING, or RETRYING at checkpoint
// time revert to PENDING and are re-dispatched; their attempt counts
// are kept so the remaining retry budget is honored. Resuming an
// instance that is already running is a no-op.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	if e.runner(instanceID) != nil {
		return nil
	}

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, instanceID, inst.Status)
	}

	for _, state := range inst.StepStates {
		if state.Status.Active() {
			state.Status = workflow.StepPending
		}
	}
	inst.Status = workflow.InstanceRunning
	if err = e.saveNext(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrStaleVersion) {
			// a concurrent resume checkpointed first; treat the loss
			// as the idempotent no-op once its resume is visible.
			if e.runner(instanceID) != nil {
				return nil
			}
			if cp, loadErr := e.store.Load(ctx, instanceID); loadErr == nil &&
				cp.Instance.Status == workflow.InstanceRunning {
				return nil
			}
		}
		return err
	}

	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "resuming workflow",
		logkeys.InstanceID, instanceID,
		logkeys.CheckpointVersion, inst.CheckpointVersion,
	)
	e.publish(ctx, &workflow.Event{
		EventFlag:    workflow.EventWorkflowResumed,
		InstanceID:   instanceID,
		DefinitionID: inst.DefinitionID,
	})

	if !e.startRunner(inst) {
		// another resume won the race; its runner owns the instance now.
		return nil
	}
	return nil
}

// ResumeAll resumes every resumable instance found in the store.
// Called once at process start to recover from a crash or restart.
func (e *Engine) ResumeAll(ctx context.Context) error {
	ids, err := e.store.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("listing resumable instances: %w", err)
	}
	logger := ctxlog.Logger(ctx, e.logger)
	for _, instanceID := range ids {
		if err := e.Resume(ctx, instanceID); err != nil {
			logger.Info(
				logkeys.Message, "resuming instance",
				logkeys.InstanceID, instanceID,
				logkeys.Error, err,
			)
			continue
		}
		logger.Debug(
			logkeys.Message, "resumed instance",
			logkeys.InstanceID, instanceID,
		)
	}
	return nil
}

// Cancel terminates an instance. Steps not yet terminal are marked
// SKIPPED and in-flight attempts are cancelled without waiting for
// them. Cancelling an already cancelled instance is a no-op.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	if r := e.runner(instanceID); r != nil {
		err := r.signal(ctx, ctrlCancel)
		if !errors.Is(err, errRunnerDone) {
			return err
		}
	}

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}
	switch {
	case inst.Status == workflow.InstanceCancelled:
		return nil
	case inst.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrInstanceTerminal, instanceID, inst.Status)
	}
	for _, state := range inst.StepStates {
		if !state.Status.Terminal() {
			state.Status = workflow.StepSkipped
		}
	}
	inst.Status = workflow.InstanceCancelled
	if err = e.saveNext(ctx, inst); err != nil {
		return err
	}
	e.publish(ctx, &workflow.Event{
		EventFlag:    workflow.EventWorkflowCancelled,
		InstanceID:   instanceID,
		DefinitionID: inst.DefinitionID,
	})
	return nil
}

// Instance returns the current view of an instance: a live copy from
// the runner when one is active, the latest checkpoint otherwise.
func (e *Engine) Instance(ctx context.Context, instanceID string) (*workflow.Instance, error) {
	if r := e.runner(instanceID); r != nil {
		if inst := r.snapshot(ctx); inst != nil {
			return inst, nil
		}
		// the runner exited between lookup and snapshot; fall through.
	}
	cp, err := e.store.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	return cp.Instance, nil
}

// List returns instance IDs, optionally filtered by status.
func (e *Engine) List(ctx context.Context, statuses ...workflow.InstanceStatus) ([]string, error) {
	return e.store.List(ctx, statuses...)
}

// Delete removes an instance's checkpoints from the store.
// Running instances must be cancelled or paused first.
func (e *Engine) Delete(ctx context.Context, instanceID string) error {
	if e.runner(instanceID) != nil {
		return fmt.Errorf("%w: %s", ErrInstanceRunning, instanceID)
	}
	return e.store.Delete(ctx, instanceID)
}
