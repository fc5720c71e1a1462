package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/autoflow/internal/plugin"
)

// Handler executes one step type and returns its output.
type Handler func(ctx context.Context, call Call) (map[string]interface{}, error)

// Call is everything a handler gets to see about the step it runs.
type Call struct {
	WorkflowID string
	Step       StepDefinition
	Params     plugin.Params
	Settings   map[string]interface{}
	// State is a copy; handlers change state only through their output.
	State  map[string]interface{}
	Logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrent bounds how many workflows run at once.
func WithMaxConcurrent(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxRollbacks bounds the checkpoint restores a single run may perform.
func WithMaxRollbacks(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRollbacks = n
		}
	}
}

// WithSnapshotDir enables JSON snapshots of workflow contexts in dir.
func WithSnapshotDir(dir string) Option {
	return func(e *Engine) { e.snapshotDir = dir }
}

// WithHandlers registers step handlers by type.
func WithHandlers(handlers map[string]Handler) Option {
	return func(e *Engine) {
		for t, h := range handlers {
			e.handlers[t] = h
		}
	}
}

// run is the engine's bookkeeping for one workflow.
type run struct {
	mu      sync.Mutex
	wctx    *Context
	started bool
	// wake is signalled on resume and cancel so a paused run re-checks its status.
	wake chan struct{}
	// jump is the step index to continue from after an external restore, or -1.
	jump int
	pos  int
}

func (r *run) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wctx.Status
}

// active reports whether the run has not been cancelled or finished.
func (r *run) active() bool {
	s := r.status()
	return s == StatusRunning || s == StatusPaused
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Engine creates, runs and tracks workflows.
type Engine struct {
	mu           sync.RWMutex
	runs         map[string]*run
	handlers     map[string]Handler
	sem          *semaphore.Weighted
	maxRollbacks int
	snapshotDir  string
	events       *bus
	logger       *zap.Logger
	now          func() time.Time

	// inflight counts StartWorkflow calls that have not returned.
	inflight int
	settled  chan struct{}
}

// NewEngine creates an engine. Without options it runs four workflows at a
// time, allows three rollbacks per run and writes no snapshots.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "workflow_engine"))
	e := &Engine{
		runs:         make(map[string]*run),
		handlers:     make(map[string]Handler),
		sem:          semaphore.NewWeighted(4),
		maxRollbacks: 3,
		events:       newBus(logger),
		logger:       logger,
		now:          time.Now,
		settled:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler adds or replaces the handler for a step type.
func (e *Engine) RegisterHandler(stepType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[stepType] = h
}

// HasHandler reports whether a step type can be dispatched.
func (e *Engine) HasHandler(stepType string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[stepType]
	return ok
}

// HandlerTypes lists the registered step types.
func (e *Engine) HandlerTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (e *Engine) handler(stepType string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[stepType]
	return h, ok
}

// Subscribe registers l for lifecycle events. The returned func unsubscribes.
func (e *Engine) Subscribe(l Listener) func() { return e.events.subscribe(l) }

func (e *Engine) emit(ev Event) {
	ev.Time = e.now()
	e.events.publish(ev)
}

func (e *Engine) get(id string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// CreateWorkflow validates def and registers it in PENDING state.
func (e *Engine) CreateWorkflow(def *Definition) (string, error) {
	if def == nil {
		return "", errors.New("workflow definition is nil")
	}
	if err := def.Validate(e.HasHandler); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runs[def.ID]; exists {
		return "", fmt.Errorf("workflow %s already exists", def.ID)
	}
	e.runs[def.ID] = &run{wctx: newContext(def), wake: make(chan struct{}, 1), jump: -1}
	e.logger.Info("Workflow created", zap.String("workflow_id", def.ID), zap.Int("steps", len(def.Steps)))
	return def.ID, nil
}

// StartWorkflow runs a PENDING workflow to completion on the calling
// goroutine and returns its final status. The error is nil only when the
// workflow completed.
func (e *Engine) StartWorkflow(ctx context.Context, id string) (StatusReport, error) {
	r, err := e.get(id)
	if err != nil {
		return StatusReport{}, err
	}

	r.mu.Lock()
	if r.started || r.wctx.Status != StatusPending {
		status := r.wctx.Status
		r.mu.Unlock()
		return e.report(r), invalidState(id, status, "start")
	}
	r.started = true
	r.mu.Unlock()
	defer e.track()()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		r.mu.Lock()
		r.started = false
		r.mu.Unlock()
		return e.report(r), fmt.Errorf("waiting for a workflow slot: %w", err)
	}
	defer e.sem.Release(1)

	r.mu.Lock()
	if r.wctx.Status != StatusPending {
		// Cancelled while queued.
		err := r.wctx.Err
		r.mu.Unlock()
		return e.report(r), err
	}
	r.wctx.Status = StatusRunning
	r.wctx.StartedAt = e.now()
	r.mu.Unlock()

	e.logger.Info("Workflow started", zap.String("workflow_id", id))
	e.emit(Event{Type: EventWorkflowStarted, WorkflowID: id})

	err = e.execute(ctx, r)
	return e.report(r), err
}

// track counts a StartWorkflow call as in flight until the returned func runs.
func (e *Engine) track() func() {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.inflight--
		e.mu.Unlock()
		select {
		case e.settled <- struct{}{}:
		default:
		}
	}
}

// Drain waits until no StartWorkflow call is in flight. When ctx ends first,
// every workflow still running, paused or queued is cancelled and ctx's error
// is returned; those runs stop at their next step boundary.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		e.mu.RLock()
		n := e.inflight
		e.mu.RUnlock()
		if n == 0 {
			return nil
		}
		select {
		case <-e.settled:
		case <-ctx.Done():
			cancelled := e.cancelActive()
			e.logger.Warn("Workflows still running at drain deadline",
				zap.Int("in_flight", n), zap.Strings("cancelled", cancelled))
			return fmt.Errorf("%d workflows still in flight: %w", n, ctx.Err())
		}
	}
}

func (e *Engine) cancelActive() []string {
	e.mu.RLock()
	var ids []string
	for id, r := range e.runs {
		r.mu.Lock()
		s, started := r.wctx.Status, r.started
		r.mu.Unlock()
		if s == StatusRunning || s == StatusPaused || (s == StatusPending && started) {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		_ = e.CancelWorkflow(id)
	}
	return ids
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	def := r.wctx.Definition
	order := def.Order()
	log := e.logger.With(zap.String("workflow_id", def.ID))
	rollbacks := 0

	for i := 0; i < len(order); {
		next, ok := e.boundary(ctx, r, i)
		if !ok {
			break
		}
		i = next
		if i >= len(order) {
			break
		}

		step, _ := def.Step(order[i])
		if step.Checkpoint {
			e.takeCheckpoint(r, step.ID, i)
		}
		res, stepErr := e.runStep(ctx, r, step, step.ID)
		if res.Status != StepFailed {
			i++
			continue
		}
		if !r.active() {
			break
		}

		next, err := e.recoverStep(ctx, r, step, i, stepErr, &rollbacks)
		if err != nil {
			wfErr := &WorkflowError{WorkflowID: def.ID, StepID: step.ID, Cause: err}
			log.Error("Workflow failed", zap.String("step_id", step.ID), zap.Error(err))
			e.fail(r, wfErr)
			return wfErr
		}
		i = next
	}
	return e.finish(r)
}

// boundary is the point between steps where pause, cancel, external restores
// and context cancellation take effect.
func (e *Engine) boundary(ctx context.Context, r *run, i int) (int, bool) {
	for {
		r.mu.Lock()
		if r.jump >= 0 {
			i, r.jump = r.jump, -1
		}
		r.pos = i
		status := r.wctx.Status
		r.mu.Unlock()

		switch status {
		case StatusRunning:
			if err := ctx.Err(); err != nil {
				e.fail(r, &WorkflowError{WorkflowID: r.wctx.ID, Cause: err})
				return i, false
			}
			return i, true
		case StatusPaused:
			select {
			case <-r.wake:
			case <-ctx.Done():
				e.fail(r, &WorkflowError{WorkflowID: r.wctx.ID, Cause: ctx.Err()})
				return i, false
			}
		default:
			return i, false
		}
	}
}

// runStep executes step and records its result under resultID.
func (e *Engine) runStep(ctx context.Context, r *run, step StepDefinition, resultID string) (StepResult, error) {
	id := r.wctx.ID
	r.mu.Lock()
	state := copyMap(r.wctx.State)
	settings := copyMap(r.wctx.Settings)
	attempts := r.wctx.Results[resultID].Attempts
	r.mu.Unlock()

	proceed, err := EvalCondition(step.Condition, state)
	if err == nil && !proceed {
		res := StepResult{StepID: resultID, Status: StepSkipped, Attempts: attempts}
		e.record(r, res)
		e.emit(Event{Type: EventStepSkipped, WorkflowID: id, StepID: resultID})
		return res, nil
	}

	e.emit(Event{Type: EventStepStarted, WorkflowID: id, StepID: resultID})
	start := e.now()
	var output map[string]interface{}
	if err == nil {
		var params map[string]interface{}
		params, err = ResolveParams(step.Params, state)
		if err == nil {
			output, err = e.dispatch(ctx, Call{
				WorkflowID: id,
				Step:       step,
				Params:     plugin.Params(params),
				Settings:   settings,
				State:      state,
				Logger:     e.logger.With(zap.String("workflow_id", id), zap.String("step_id", resultID)),
			})
		}
	}

	res := StepResult{StepID: resultID, Attempts: attempts + 1, Duration: e.now().Sub(start)}
	if err != nil {
		res.Status = StepFailed
		res.Error = err.Error()
		e.record(r, res)
		e.logger.Warn("Step failed", zap.String("workflow_id", id), zap.String("step_id", resultID), zap.Error(err))
		e.emit(Event{Type: EventStepFailed, WorkflowID: id, StepID: resultID, Error: err.Error()})
		return res, err
	}
	res.Status = StepCompleted
	res.Output = output
	e.record(r, res)
	e.emit(Event{Type: EventStepCompleted, WorkflowID: id, StepID: resultID})
	return res, nil
}

func (e *Engine) record(r *run, res StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wctx.Results[res.StepID] = res.clone()
	r.wctx.Path = append(r.wctx.Path, res.StepID)
	if res.Status == StepCompleted {
		r.wctx.merge(res.StepID, res.Output)
	}
}

// dispatch calls the step's handler with its timeout applied. Panics are
// returned as errors. A handler that ignores its context is abandoned once
// the deadline passes.
func (e *Engine) dispatch(ctx context.Context, call Call) (map[string]interface{}, error) {
	h, ok := e.handler(call.Step.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for step type %q", call.Step.Type)
	}
	timeout := time.Duration(call.Step.Timeout * float64(time.Second))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out map[string]interface{}
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("step handler panicked: %v", p)}
			}
		}()
		out, err := h(ctx, call)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("step %s timed out after %s: %w", call.Step.ID, timeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// recoverStep runs the step's declared strategies in order, then falls back to
// the nearest checkpoint. It returns the step index to continue from.
func (e *Engine) recoverStep(ctx context.Context, r *run, step StepDefinition, i int, stepErr error, rollbacks *int) (int, error) {
	id := r.wctx.ID
	lastErr := stepErr
	for _, rs := range step.RecoveryStrategies {
		if !r.active() {
			return 0, ErrCancelled
		}
		e.emit(Event{Type: EventRecoveryAttempted, WorkflowID: id, StepID: step.ID, Strategy: rs.Type})
		e.logger.Info("Attempting recovery",
			zap.String("workflow_id", id), zap.String("step_id", step.ID), zap.String("strategy", rs.Type))

		switch rs.Type {
		case StrategyRetry:
			err := e.retry(ctx, r, step, rs)
			if err == nil {
				return i + 1, nil
			}
			lastErr = err
		case StrategyAlternative:
			alt := *rs.Step
			if alt.ID == "" {
				alt.ID = step.ID
			}
			alt.RecoveryStrategies = nil
			res, err := e.runStep(ctx, r, alt, step.ID)
			if res.Status != StepFailed {
				return i + 1, nil
			}
			lastErr = err
		case StrategyRollback:
			r.mu.Lock()
			cp := r.wctx.Checkpoints[rs.Checkpoint]
			r.mu.Unlock()
			if cp == nil {
				lastErr = fmt.Errorf("%w: %s", ErrCheckpointNotFound, rs.Checkpoint)
				continue
			}
			next, err := e.rollbackTo(r, cp, rollbacks)
			if err == nil {
				return next, nil
			}
			lastErr = err
		}
	}

	if !r.active() {
		return 0, ErrCancelled
	}
	r.mu.Lock()
	cp := r.wctx.latestCheckpoint(i)
	r.mu.Unlock()
	if cp == nil {
		return 0, lastErr
	}
	e.emit(Event{Type: EventRecoveryAttempted, WorkflowID: id, StepID: step.ID, Strategy: "checkpoint"})
	next, err := e.rollbackTo(r, cp, rollbacks)
	if err != nil {
		return 0, fmt.Errorf("%w (%v)", lastErr, err)
	}
	return next, nil
}

// retry re-executes step up to MaxRetries times, waiting Delay seconds before each attempt.
func (e *Engine) retry(ctx context.Context, r *run, step StepDefinition, rs RecoveryStrategy) error {
	delay := time.Duration(rs.Delay * float64(time.Second))
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(rs.MaxRetries-1)),
		ctx,
	)
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	return backoff.Retry(func() error {
		if !r.active() {
			return backoff.Permanent(ErrCancelled)
		}
		res, err := e.runStep(ctx, r, step, step.ID)
		if res.Status == StepFailed {
			return err
		}
		return nil
	}, policy)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) rollbackTo(r *run, cp *Checkpoint, rollbacks *int) (int, error) {
	if *rollbacks >= e.maxRollbacks {
		return 0, fmt.Errorf("rollback limit of %d reached", e.maxRollbacks)
	}
	*rollbacks++
	r.mu.Lock()
	r.wctx.restore(cp)
	r.mu.Unlock()
	e.logger.Info("Rolled back to checkpoint",
		zap.String("workflow_id", r.wctx.ID), zap.String("checkpoint", cp.Name), zap.Int("step_index", cp.StepIndex))
	e.emit(Event{Type: EventCheckpointRestored, WorkflowID: r.wctx.ID, Checkpoint: cp.Name})
	return cp.StepIndex, nil
}

func (e *Engine) takeCheckpoint(r *run, name string, stepIndex int) {
	r.mu.Lock()
	r.wctx.checkpoint(name, stepIndex, e.now())
	r.mu.Unlock()
	e.emit(Event{Type: EventCheckpointCreated, WorkflowID: r.wctx.ID, Checkpoint: name})
	e.snapshot(r)
}

// fail moves a non-terminal run to FAILED.
func (e *Engine) fail(r *run, err error) {
	r.mu.Lock()
	if r.wctx.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.wctx.Status = StatusFailed
	r.wctx.Err = err
	r.wctx.EndedAt = e.now()
	r.mu.Unlock()
	e.emit(Event{Type: EventWorkflowFailed, WorkflowID: r.wctx.ID, Error: err.Error()})
	e.snapshot(r)
}

func (e *Engine) finish(r *run) error {
	r.mu.Lock()
	id := r.wctx.ID
	if r.wctx.Status == StatusRunning {
		r.wctx.Status = StatusCompleted
		r.wctx.EndedAt = e.now()
		r.mu.Unlock()
		e.logger.Info("Workflow completed", zap.String("workflow_id", id))
		e.emit(Event{Type: EventWorkflowCompleted, WorkflowID: id})
		e.snapshot(r)
		return nil
	}
	err := r.wctx.Err
	r.mu.Unlock()
	e.snapshot(r)
	return err
}

// PauseWorkflow takes effect at the next step boundary.
func (e *Engine) PauseWorkflow(id string) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.wctx.Status != StatusRunning {
		status := r.wctx.Status
		r.mu.Unlock()
		return invalidState(id, status, "pause")
	}
	r.wctx.Status = StatusPaused
	r.mu.Unlock()
	e.emit(Event{Type: EventWorkflowPaused, WorkflowID: id})
	return nil
}

// ResumeWorkflow continues a paused workflow.
func (e *Engine) ResumeWorkflow(id string) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.wctx.Status != StatusPaused {
		status := r.wctx.Status
		r.mu.Unlock()
		return invalidState(id, status, "resume")
	}
	r.wctx.Status = StatusRunning
	r.mu.Unlock()
	r.signal()
	e.emit(Event{Type: EventWorkflowResumed, WorkflowID: id})
	return nil
}

// CancelWorkflow fails a non-terminal workflow. A running step is allowed to
// finish; no further step starts.
func (e *Engine) CancelWorkflow(id string) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.wctx.Status.Terminal() {
		status := r.wctx.Status
		r.mu.Unlock()
		return invalidState(id, status, "cancel")
	}
	r.wctx.Status = StatusFailed
	r.wctx.Err = ErrCancelled
	r.wctx.EndedAt = e.now()
	r.mu.Unlock()
	r.signal()
	e.logger.Info("Workflow cancelled", zap.String("workflow_id", id))
	e.emit(Event{Type: EventWorkflowCancelled, WorkflowID: id})
	return nil
}

// GetWorkflowStatus reports a workflow's progress.
func (e *Engine) GetWorkflowStatus(id string) (StatusReport, error) {
	r, err := e.get(id)
	if err != nil {
		return StatusReport{}, err
	}
	return e.report(r), nil
}

func (e *Engine) report(r *run) StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wctx.report(e.now())
}

// ListWorkflows reports every known workflow, ordered by id.
func (e *Engine) ListWorkflows() []StatusReport {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]StatusReport, 0, len(runs))
	for _, r := range runs {
		out = append(out, e.report(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateCheckpoint snapshots the workflow under name, positioned at the
// step that runs next.
func (e *Engine) CreateCheckpoint(id, name string) error {
	if name == "" {
		return errors.New("checkpoint name is required")
	}
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	pos := r.pos
	r.mu.Unlock()
	e.takeCheckpoint(r, name, pos)
	return nil
}

// RestoreCheckpoint rolls the workflow back to a named checkpoint. A running
// or paused workflow continues from the checkpoint's step at its next boundary.
func (e *Engine) RestoreCheckpoint(id, name string) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	cp, ok := r.wctx.Checkpoints[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	r.wctx.restore(cp)
	if r.wctx.Status == StatusRunning || r.wctx.Status == StatusPaused {
		r.jump = cp.StepIndex
	}
	r.mu.Unlock()
	e.emit(Event{Type: EventCheckpointRestored, WorkflowID: id, Checkpoint: name})
	return nil
}

// DeleteWorkflow forgets a pending or finished workflow.
func (e *Engine) DeleteWorkflow(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.mu.Lock()
	status, started := r.wctx.Status, r.started
	r.mu.Unlock()
	if status == StatusRunning || status == StatusPaused || (status == StatusPending && started) {
		return invalidState(id, status, "delete")
	}
	delete(e.runs, id)
	return nil
}

// RetryWorkflow moves a FAILED workflow back to PENDING so StartWorkflow can
// run it again. With fromBeginning every result, state value and checkpoint
// is discarded. Otherwise completed and skipped steps keep their results and
// the next run starts at the first step in order that has neither.
func (e *Engine) RetryWorkflow(id string, fromBeginning bool) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.wctx.Status != StatusFailed {
		status := r.wctx.Status
		r.mu.Unlock()
		return invalidState(id, status, "retry")
	}
	from := 0
	if fromBeginning {
		r.wctx = newContext(r.wctx.Definition)
	} else {
		from = r.wctx.resetUnfinished()
		r.wctx.Status = StatusPending
		r.wctx.Err = nil
		r.wctx.EndedAt = time.Time{}
	}
	r.started = false
	r.jump = from
	r.pos = from
	r.mu.Unlock()

	e.logger.Info("Workflow reset for retry",
		zap.String("workflow_id", id), zap.Bool("from_beginning", fromBeginning), zap.Int("step_index", from))
	e.emit(Event{Type: EventWorkflowRetried, WorkflowID: id})
	e.snapshot(r)
	return nil
}

// RecoverWorkflow rebuilds workflow id from its snapshot in dir, or in the
// engine's snapshot directory when dir is empty, and leaves it PENDING. The
// latest checkpoint in the snapshot is restored and the next run continues
// from its step; without checkpoints the workflow starts over. A known
// workflow is replaced unless it is still running.
func (e *Engine) RecoverWorkflow(dir, id string) (string, error) {
	if dir == "" {
		dir = e.snapshotDir
	}
	if dir == "" {
		return "", errors.New("no snapshot directory to recover from")
	}
	snap, err := LoadSnapshot(dir, id)
	if err != nil {
		return "", err
	}
	if snap.Definition == nil {
		return "", fmt.Errorf("snapshot for %s has no workflow definition", id)
	}
	if err := snap.Definition.Validate(e.HasHandler); err != nil {
		return "", fmt.Errorf("snapshot for %s: %w", id, err)
	}

	wctx := newContext(snap.Definition)
	var latest *Checkpoint
	for name, cp := range snap.Checkpoints {
		if cp == nil {
			continue
		}
		cp.Name = name
		wctx.Checkpoints[name] = cp
		if latest == nil || cp.Seq > latest.Seq {
			latest = cp
		}
	}
	from := 0
	if latest != nil {
		wctx.checkpointSeq = latest.Seq
		wctx.restore(latest)
		from = latest.StepIndex
	}

	e.mu.Lock()
	if old, ok := e.runs[id]; ok {
		old.mu.Lock()
		status, started := old.wctx.Status, old.started
		old.mu.Unlock()
		if status == StatusRunning || status == StatusPaused || (status == StatusPending && started) {
			e.mu.Unlock()
			return "", invalidState(id, status, "recover")
		}
	}
	r := &run{wctx: wctx, wake: make(chan struct{}, 1), jump: from, pos: from}
	e.runs[id] = r
	e.mu.Unlock()

	var cpName string
	if latest != nil {
		cpName = latest.Name
	}
	e.logger.Info("Workflow recovered from snapshot",
		zap.String("workflow_id", id), zap.String("dir", dir), zap.String("checkpoint", cpName), zap.Int("step_index", from))
	e.emit(Event{Type: EventWorkflowRecovered, WorkflowID: id, Checkpoint: cpName})
	return id, nil
}
