package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// failTimes returns a handler that fails n times before succeeding.
func failTimes(n int, calls *int32) Handler {
	return func(ctx context.Context, call Call) (map[string]interface{}, error) {
		c := atomic.AddInt32(calls, 1)
		if int(c) <= n {
			return nil, errors.New("flaky failure")
		}
		return map[string]interface{}{"attempt": int(c)}, nil
	}
}

func newTestEngine(t *testing.T, extra map[string]Handler, opts ...Option) *Engine {
	t.Helper()
	handlers := map[string]Handler{StepSetState: setState, StepWait: wait}
	for k, v := range extra {
		handlers[k] = v
	}
	return NewEngine(zaptest.NewLogger(t), append([]Option{WithHandlers(handlers)}, opts...)...)
}

func setStep(id string, params map[string]interface{}) StepDefinition {
	return StepDefinition{ID: id, Type: StepSetState, Params: params}
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestRetryRecoversFlakyStep(t *testing.T) {
	var calls int32
	e := newTestEngine(t, map[string]Handler{"flaky": failTimes(2, &calls)})
	def := &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			setStep("A", map[string]interface{}{"a": 1}),
			{ID: "B", Type: "flaky", RecoveryStrategies: []RecoveryStrategy{{Type: StrategyRetry, MaxRetries: 3, Delay: 0}}},
		},
	}
	_, err := e.CreateWorkflow(def)
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, StepCompleted, status.Steps["B"].Status)
	assert.Equal(t, 3, status.Steps["B"].Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, status.State["attempt"])
	assert.Equal(t, 2, status.Completed)
}

func TestRetryExhaustedFailsWorkflow(t *testing.T) {
	var calls int32
	e := newTestEngine(t, map[string]Handler{"flaky": failTimes(10, &calls)})
	_, err := e.CreateWorkflow(&Definition{
		ID: "wf",
		Steps: []StepDefinition{
			{ID: "B", Type: "flaky", RecoveryStrategies: []RecoveryStrategy{{Type: StrategyRetry, MaxRetries: 2}}},
		},
	})
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, "B", wfErr.StepID)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one run plus two retries")
	assert.NotEmpty(t, status.Error)
}

func TestCheckpointRoundTrip(t *testing.T) {
	e := newTestEngine(t, nil)
	def := &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			setStep("s1", map[string]interface{}{"user": map[string]interface{}{"name": "kim"}}),
			{ID: "s2", Type: StepSetState, Checkpoint: true, Params: map[string]interface{}{"page": 2}},
			setStep("s3", map[string]interface{}{"user": "overwritten", "extra": []interface{}{1, 2}}),
		},
	}
	_, err := e.CreateWorkflow(def)
	require.NoError(t, err)

	var atCheckpoint StatusReport
	unsubscribe := e.Subscribe(func(ev Event) {
		if ev.Type == EventCheckpointCreated && ev.Checkpoint == "s2" {
			atCheckpoint, _ = e.GetWorkflowStatus(ev.WorkflowID)
		}
	})
	defer unsubscribe()

	final, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, "overwritten", final.State["user"])
	assert.Equal(t, []string{"s2"}, final.Checkpoints)

	require.NoError(t, e.RestoreCheckpoint("wf", "s2"))
	restored, err := e.GetWorkflowStatus("wf")
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(atCheckpoint.State, restored.State))
	assert.Empty(t, cmp.Diff(atCheckpoint.Path, restored.Path))
	assert.Empty(t, cmp.Diff(atCheckpoint.Steps, restored.Steps))
	assert.Equal(t, []string{"s1"}, restored.Path)
	_, hasLater := restored.Steps["s3"]
	assert.False(t, hasLater, "results after the checkpoint are dropped")

	assert.ErrorIs(t, e.RestoreCheckpoint("wf", "nope"), ErrCheckpointNotFound)
}

func TestCheckpointIsADeepCopy(t *testing.T) {
	c := newContext(&Definition{ID: "wf"})
	c.State["list"] = []interface{}{map[string]interface{}{"k": "v"}}
	cp := c.checkpoint("cp", 0, time.Now())

	c.State["list"].([]interface{})[0].(map[string]interface{})["k"] = "changed"
	assert.Equal(t, "v", cp.State["list"].([]interface{})[0].(map[string]interface{})["k"])
}

func TestRollbackStrategyResumesFromCheckpoint(t *testing.T) {
	var calls int32
	e := newTestEngine(t, map[string]Handler{"flaky": failTimes(1, &calls)})
	def := &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			setStep("s1", map[string]interface{}{"a": 1}),
			{ID: "s2", Type: StepSetState, Checkpoint: true, Params: map[string]interface{}{"b": 2}},
			{ID: "s3", Type: "flaky", RecoveryStrategies: []RecoveryStrategy{{Type: StrategyRollback, Checkpoint: "s2"}}},
		},
	}
	_, err := e.CreateWorkflow(def)
	require.NoError(t, err)

	rec := &recorder{}
	e.Subscribe(rec.listen)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, []string{"s1", "s2", "s3"}, status.Path)
	assert.Contains(t, rec.types(), EventCheckpointRestored)
}

func TestAlternativeStrategy(t *testing.T) {
	var calls int32
	e := newTestEngine(t, map[string]Handler{"flaky": failTimes(5, &calls)})
	def := &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			{ID: "login", Type: "flaky", RecoveryStrategies: []RecoveryStrategy{
				{Type: StrategyAlternative, Step: &StepDefinition{Type: StepSetState, Params: map[string]interface{}{"fallback": true}}},
			}},
		},
	}
	_, err := e.CreateWorkflow(def)
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, true, status.State["fallback"])
	assert.Equal(t, StepCompleted, status.Steps["login"].Status)
	assert.Equal(t, map[string]interface{}{"fallback": true}, status.State["login"])
}

func TestFallbackRollbackIsBounded(t *testing.T) {
	var calls int32
	e := newTestEngine(t, map[string]Handler{"flaky": failTimes(100, &calls)}, WithMaxRollbacks(2))
	_, err := e.CreateWorkflow(&Definition{
		ID: "wf",
		Steps: []StepDefinition{
			setStep("s1", nil),
			{ID: "s2", Type: "flaky", Checkpoint: true},
		},
	})
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollback limit of 2 reached")
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "first run plus two checkpoint rollbacks")
}

func TestStepWithoutRecoveryFails(t *testing.T) {
	e := newTestEngine(t, map[string]Handler{
		"boom":  func(ctx context.Context, call Call) (map[string]interface{}, error) { return nil, errors.New("boom") },
		"panic": func(ctx context.Context, call Call) (map[string]interface{}, error) { panic("kaboom") },
	})

	for _, stepType := range []string{"boom", "panic"} {
		t.Run(stepType, func(t *testing.T) {
			id := "wf-" + stepType
			_, err := e.CreateWorkflow(&Definition{
				ID:    id,
				Steps: []StepDefinition{{ID: "s1", Type: stepType}, setStep("s2", nil)},
			})
			require.NoError(t, err)

			status, err := e.StartWorkflow(context.Background(), id)
			var wfErr *WorkflowError
			require.ErrorAs(t, err, &wfErr)
			assert.Equal(t, "s1", wfErr.StepID)
			assert.Equal(t, StatusFailed, status.Status)
			assert.Equal(t, 1, status.Failed)
			assert.NotContains(t, status.Steps, "s2")
		})
	}
}

func TestStepTimeout(t *testing.T) {
	e := newTestEngine(t, map[string]Handler{
		"slow": func(ctx context.Context, call Call) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "s1", Type: "slow", Timeout: 0.05}}})
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)
	assert.Contains(t, status.Steps["s1"].Error, "timed out after 50ms")
}

func TestConditionsAndParams(t *testing.T) {
	var seen Call
	e := newTestEngine(t, map[string]Handler{
		"capture": func(ctx context.Context, call Call) (map[string]interface{}, error) {
			seen = call
			return nil, nil
		},
	})
	def := &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			setStep("init", map[string]interface{}{"logged_in": true, "user": map[string]interface{}{"name": "kim"}}),
			{ID: "login", Type: StepSetState, Condition: "!$logged_in", Params: map[string]interface{}{"tried": true}},
			{ID: "greet", Type: "capture", Condition: "$logged_in", Params: map[string]interface{}{
				"who":   "$user.name",
				"text":  "hello ${user.name}!",
				"items": []interface{}{"$init.logged_in"},
			}},
		},
	}
	_, err := e.CreateWorkflow(def)
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StepSkipped, status.Steps["login"].Status)
	assert.Equal(t, 1, status.Skipped)
	assert.Equal(t, "kim", seen.Params["who"])
	assert.Equal(t, "hello kim!", seen.Params["text"])
	assert.Equal(t, []interface{}{true}, seen.Params["items"])
}

func TestUnresolvedReferenceFailsStep(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{setStep("s1", map[string]interface{}{"x": "$missing.path"})}})
	require.NoError(t, err)

	status, err := e.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)
	assert.Contains(t, status.Steps["s1"].Error, "unresolved reference $missing.path")
}

// gate blocks the first step until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) handler(ctx context.Context, call Call) (map[string]interface{}, error) {
	close(g.entered)
	<-g.release
	return nil, nil
}

type startResult struct {
	status StatusReport
	err    error
}

func TestPauseAndResume(t *testing.T) {
	g := newGate()
	var secondRan atomic.Bool
	e := newTestEngine(t, map[string]Handler{
		"gate":   g.handler,
		"second": func(ctx context.Context, call Call) (map[string]interface{}, error) { secondRan.Store(true); return nil, nil },
	})
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "s1", Type: "gate"}, {ID: "s2", Type: "second"}}})
	require.NoError(t, err)
	rec := &recorder{}
	e.Subscribe(rec.listen)

	done := make(chan startResult, 1)
	go func() {
		st, err := e.StartWorkflow(context.Background(), "wf")
		done <- startResult{st, err}
	}()

	<-g.entered
	require.NoError(t, e.PauseWorkflow("wf"))
	assert.ErrorIs(t, e.PauseWorkflow("wf"), ErrInvalidState)
	close(g.release)

	assert.Never(t, secondRan.Load, 100*time.Millisecond, 10*time.Millisecond, "paused workflows stop at the step boundary")
	st, err := e.GetWorkflowStatus("wf")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st.Status)

	require.NoError(t, e.ResumeWorkflow("wf"))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusCompleted, res.status.Status)
	assert.True(t, secondRan.Load())
	assert.Subset(t, rec.types(), []EventType{EventWorkflowPaused, EventWorkflowResumed, EventWorkflowCompleted})
}

func TestCancelWhilePaused(t *testing.T) {
	g := newGate()
	var secondRan atomic.Bool
	e := newTestEngine(t, map[string]Handler{
		"gate":   g.handler,
		"second": func(ctx context.Context, call Call) (map[string]interface{}, error) { secondRan.Store(true); return nil, nil },
	})
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "s1", Type: "gate"}, {ID: "s2", Type: "second"}}})
	require.NoError(t, err)

	done := make(chan startResult, 1)
	go func() {
		st, err := e.StartWorkflow(context.Background(), "wf")
		done <- startResult{st, err}
	}()

	<-g.entered
	require.NoError(t, e.PauseWorkflow("wf"))
	close(g.release)
	require.NoError(t, e.CancelWorkflow("wf"))

	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.Equal(t, StatusFailed, res.status.Status)
	assert.False(t, secondRan.Load())
	assert.ErrorIs(t, e.CancelWorkflow("wf"), ErrInvalidState)
	assert.ErrorIs(t, e.ResumeWorkflow("wf"), ErrInvalidState)
}

func TestCancelPendingWorkflow(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{setStep("s1", nil)}})
	require.NoError(t, err)

	require.NoError(t, e.CancelWorkflow("wf"))
	_, err = e.StartWorkflow(context.Background(), "wf")
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, e.DeleteWorkflow("wf"))
	_, err = e.GetWorkflowStatus("wf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrencyLimit(t *testing.T) {
	g := newGate()
	e := newTestEngine(t, map[string]Handler{"gate": g.handler}, WithMaxConcurrent(1))
	_, err := e.CreateWorkflow(&Definition{ID: "first", Steps: []StepDefinition{{ID: "s1", Type: "gate"}}})
	require.NoError(t, err)
	_, err = e.CreateWorkflow(&Definition{ID: "second", Steps: []StepDefinition{setStep("s1", nil)}})
	require.NoError(t, err)

	done := make(chan startResult, 1)
	go func() {
		st, err := e.StartWorkflow(context.Background(), "first")
		done <- startResult{st, err}
	}()
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = e.StartWorkflow(ctx, "second")
	assert.ErrorContains(t, err, "waiting for a workflow slot")

	close(g.release)
	require.NoError(t, (<-done).err)

	st, err := e.StartWorkflow(context.Background(), "second")
	require.NoError(t, err, "a workflow that never got a slot can be started again")
	assert.Equal(t, StatusCompleted, st.Status)
}

func TestCreateWorkflowValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{"missing id", &Definition{Steps: []StepDefinition{setStep("a", nil)}}, "id is required"},
		{"no steps", &Definition{ID: "wf"}, "has no steps"},
		{"duplicate steps", &Definition{ID: "wf", Steps: []StepDefinition{setStep("a", nil), setStep("a", nil)}}, "duplicate step id"},
		{"unknown type", &Definition{ID: "wf", Steps: []StepDefinition{{ID: "a", Type: "teleport"}}}, "no handler for type"},
		{"bad order", &Definition{ID: "wf", Steps: []StepDefinition{setStep("a", nil)}, StepOrder: []string{"a", "b"}}, "unknown step \"b\""},
		{"bad dependency", &Definition{ID: "wf", Steps: []StepDefinition{{ID: "a", Type: StepSetState, Dependencies: []string{"z"}}}}, "depends on unknown step"},
		{"bad strategy", &Definition{ID: "wf", Steps: []StepDefinition{{ID: "a", Type: StepSetState,
			RecoveryStrategies: []RecoveryStrategy{{Type: "pray"}}}}}, "unknown recovery strategy"},
		{"alternative without handler", &Definition{ID: "wf", Steps: []StepDefinition{{ID: "a", Type: StepSetState,
			RecoveryStrategies: []RecoveryStrategy{{Type: StrategyAlternative, Step: &StepDefinition{Type: "teleport"}}}}}}, "alternative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateWorkflow(tt.def)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := e.CreateWorkflow(&Definition{ID: "dup", Steps: []StepDefinition{setStep("a", nil)}})
	require.NoError(t, err)
	_, err = e.CreateWorkflow(&Definition{ID: "dup", Steps: []StepDefinition{setStep("a", nil)}})
	assert.ErrorContains(t, err, "already exists")
}

func TestStepOrderOverridesDefinitionOrder(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateWorkflow(&Definition{
		ID:        "wf",
		Steps:     []StepDefinition{setStep("a", nil), setStep("b", nil), setStep("c", nil)},
		StepOrder: []string{"c", "a"},
	})
	require.NoError(t, err)

	st, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, st.Path)
}

func TestSnapshotsAreWritten(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, nil, WithSnapshotDir(dir))
	_, err := e.CreateWorkflow(&Definition{
		ID:    "wf",
		Name:  "snap",
		Steps: []StepDefinition{{ID: "s1", Type: StepSetState, Checkpoint: true, Params: map[string]interface{}{"k": "v"}}},
	})
	require.NoError(t, err)
	_, err = e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)

	snap, err := LoadSnapshot(dir, "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "snap", snap.Name)
	assert.Equal(t, "v", snap.State["k"])
	require.Contains(t, snap.Checkpoints, "s1")
	assert.Equal(t, 0, snap.Checkpoints["s1"].StepIndex)

	_, err = LoadSnapshot(dir, "other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndManualCheckpoint(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, id := range []string{"b", "a"} {
		_, err := e.CreateWorkflow(&Definition{ID: id, Steps: []StepDefinition{setStep("s1", map[string]interface{}{"x": id})}})
		require.NoError(t, err)
	}
	list := e.ListWorkflows()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	require.NoError(t, e.CreateCheckpoint("a", "before"))
	_, err := e.StartWorkflow(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, e.RestoreCheckpoint("a", "before"))
	st, _ := e.GetWorkflowStatus("a")
	assert.Empty(t, st.State)
	assert.Empty(t, st.Path)
	assert.Equal(t, []string{StepSetState, StepWait}, e.HandlerTypes())
}

func TestEventsAndPanickingListener(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{setStep("s1", nil), {ID: "s2", Type: StepSetState, Condition: "false"}}})
	require.NoError(t, err)

	e.Subscribe(func(Event) { panic("bad listener") })
	rec := &recorder{}
	unsubscribe := e.Subscribe(rec.listen)

	_, err = e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, []EventType{
		EventWorkflowStarted,
		EventStepStarted, EventStepCompleted,
		EventStepSkipped,
		EventWorkflowCompleted,
	}, rec.types())

	unsubscribe()
	_, err = e.CreateWorkflow(&Definition{ID: "other", Steps: []StepDefinition{setStep("s1", nil)}})
	require.NoError(t, err)
	_, err = e.StartWorkflow(context.Background(), "other")
	require.NoError(t, err)
	assert.Len(t, rec.types(), 5)
}

// counter returns a handler that counts its calls and outputs the count under key.
func counter(key string, calls *int32) Handler {
	return func(ctx context.Context, call Call) (map[string]interface{}, error) {
		return map[string]interface{}{key: int(atomic.AddInt32(calls, 1))}, nil
	}
}

func retryDefinition() *Definition {
	return &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			{ID: "A", Type: "count"},
			{ID: "B", Type: "flaky"},
			setStep("C", map[string]interface{}{"c": true}),
		},
	}
}

func TestRetryWorkflowContinuesAtFailedStep(t *testing.T) {
	var counted, flaky int32
	e := newTestEngine(t, map[string]Handler{"count": counter("a", &counted), "flaky": failTimes(1, &flaky)})
	rec := &recorder{}
	e.Subscribe(rec.listen)
	_, err := e.CreateWorkflow(retryDefinition())
	require.NoError(t, err)

	st, err := e.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)
	require.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, StepFailed, st.Steps["B"].Status)

	require.NoError(t, e.RetryWorkflow("wf", false))
	st, err = e.GetWorkflowStatus("wf")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.Empty(t, st.Error)
	assert.Contains(t, st.Steps, "A")
	assert.NotContains(t, st.Steps, "B", "failed results are reset")

	st, err = e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&counted), "completed steps are not run again")
	assert.EqualValues(t, 2, atomic.LoadInt32(&flaky))
	assert.Equal(t, 1, st.State["a"])
	assert.Equal(t, true, st.State["c"])
	assert.Contains(t, rec.types(), EventWorkflowRetried)

	assert.ErrorIs(t, e.RetryWorkflow("wf", false), ErrInvalidState, "only failed workflows can be retried")
}

func TestRetryWorkflowFromBeginning(t *testing.T) {
	var counted, flaky int32
	e := newTestEngine(t, map[string]Handler{"count": counter("a", &counted), "flaky": failTimes(1, &flaky)})
	_, err := e.CreateWorkflow(retryDefinition())
	require.NoError(t, err)
	_, err = e.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)

	require.NoError(t, e.RetryWorkflow("wf", true))
	st, err := e.GetWorkflowStatus("wf")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.Empty(t, st.Steps)
	assert.Empty(t, st.State)
	assert.True(t, st.StartedAt.IsZero())

	st, err = e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&counted))
	assert.Equal(t, 2, st.State["a"])
}

func TestRetryWorkflowAfterCancel(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{setStep("s1", map[string]interface{}{"x": 1})}})
	require.NoError(t, err)

	assert.ErrorIs(t, e.RetryWorkflow("wf", false), ErrInvalidState)
	assert.ErrorIs(t, e.RetryWorkflow("missing", false), ErrNotFound)

	require.NoError(t, e.CancelWorkflow("wf"))
	require.NoError(t, e.RetryWorkflow("wf", false))
	st, err := e.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
}

func TestRecoverWorkflowFromLatestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	def := &Definition{
		ID: "wf",
		Steps: []StepDefinition{
			{ID: "A", Type: "count"},
			{ID: "B", Type: StepSetState, Checkpoint: true, Params: map[string]interface{}{"b": "two"}},
			{ID: "C", Type: "flaky"},
		},
	}

	var firstCount, broken int32
	first := newTestEngine(t, map[string]Handler{"count": counter("a", &firstCount), "flaky": failTimes(100, &broken)}, WithSnapshotDir(dir))
	_, err := first.CreateWorkflow(def)
	require.NoError(t, err)
	_, err = first.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)

	var secondCount, fixed int32
	second := newTestEngine(t, map[string]Handler{"count": counter("a", &secondCount), "flaky": failTimes(0, &fixed)}, WithSnapshotDir(dir))
	rec := &recorder{}
	second.Subscribe(rec.listen)

	id, err := second.RecoverWorkflow("", "wf")
	require.NoError(t, err)
	assert.Equal(t, "wf", id)
	st, err := second.GetWorkflowStatus("wf")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, []string{"B"}, st.Checkpoints)
	assert.EqualValues(t, 1, st.State["a"], "state comes from the checkpoint")
	assert.NotContains(t, st.Steps, "C")

	st, err = second.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Zero(t, atomic.LoadInt32(&secondCount), "steps before the checkpoint are not rerun")
	assert.EqualValues(t, 1, atomic.LoadInt32(&fixed))
	assert.Equal(t, "two", st.State["b"])
	assert.Contains(t, rec.types(), EventWorkflowRecovered)

	_, err = second.RecoverWorkflow("", "other")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = newTestEngine(t, nil).RecoverWorkflow("", "wf")
	assert.Error(t, err, "no snapshot directory configured")
}

func TestRecoverWorkflowWithoutCheckpointStartsOver(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	first := newTestEngine(t, map[string]Handler{"count": counter("a", &calls)}, WithSnapshotDir(dir))
	_, err := first.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "A", Type: "count"}}})
	require.NoError(t, err)
	_, err = first.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)

	second := newTestEngine(t, map[string]Handler{"count": counter("a", &calls)})
	_, err = second.RecoverWorkflow(dir, "wf")
	require.NoError(t, err)
	st, err := second.StartWorkflow(context.Background(), "wf")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRecoverRefusesRunningWorkflow(t *testing.T) {
	dir := t.TempDir()
	g := newGate()
	e := newTestEngine(t, map[string]Handler{"gate": g.handler}, WithSnapshotDir(dir))
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "s1", Type: "gate", Checkpoint: true}}})
	require.NoError(t, err)

	done := make(chan startResult, 1)
	go func() {
		st, err := e.StartWorkflow(context.Background(), "wf")
		done <- startResult{st, err}
	}()
	<-g.entered

	_, err = e.RecoverWorkflow("", "wf")
	assert.ErrorIs(t, err, ErrInvalidState)
	close(g.release)
	require.NoError(t, (<-done).err)
}

func TestDrainWaitsForRunningWorkflows(t *testing.T) {
	g := newGate()
	e := newTestEngine(t, map[string]Handler{"gate": g.handler})
	require.NoError(t, e.Drain(context.Background()), "nothing in flight")

	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "s1", Type: "gate"}}})
	require.NoError(t, err)
	done := make(chan startResult, 1)
	go func() {
		st, err := e.StartWorkflow(context.Background(), "wf")
		done <- startResult{st, err}
	}()
	<-g.entered

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		drained <- e.Drain(ctx)
	}()
	assert.Never(t, func() bool { return len(drained) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(g.release)
	require.NoError(t, <-drained)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StatusCompleted, res.status.Status)
}

func TestDrainCancelsAtDeadline(t *testing.T) {
	g := newGate()
	var secondRan atomic.Bool
	e := newTestEngine(t, map[string]Handler{
		"gate":   g.handler,
		"second": func(ctx context.Context, call Call) (map[string]interface{}, error) { secondRan.Store(true); return nil, nil },
	})
	_, err := e.CreateWorkflow(&Definition{ID: "wf", Steps: []StepDefinition{{ID: "s1", Type: "gate"}, {ID: "s2", Type: "second"}}})
	require.NoError(t, err)
	done := make(chan startResult, 1)
	go func() {
		st, err := e.StartWorkflow(context.Background(), "wf")
		done <- startResult{st, err}
	}()
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = e.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	st, err := e.GetWorkflowStatus("wf")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)

	close(g.release)
	res := <-done
	assert.ErrorIs(t, res.err, ErrCancelled)
	assert.False(t, secondRan.Load())
	require.NoError(t, e.Drain(context.Background()))
}
