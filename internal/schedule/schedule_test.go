package schedule

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	return workflow.NewEngine(zaptest.NewLogger(t), workflow.WithHandlers(map[string]workflow.Handler{
		workflow.StepSetState: func(ctx context.Context, call workflow.Call) (map[string]interface{}, error) {
			return map[string]interface{}(call.Params), nil
		},
	}))
}

func writeDefinition(t *testing.T, steps ...workflow.StepDefinition) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	require.NoError(t, workflow.SaveDefinition(path, &workflow.Definition{ID: "nightly", Steps: steps}))
	return path
}

func TestAddRejectsBadEntries(t *testing.T) {
	s := New(newEngine(t), zaptest.NewLogger(t))
	path := writeDefinition(t, workflow.StepDefinition{ID: "s1", Type: workflow.StepSetState})

	err := s.Add(config.ScheduleEntry{Spec: "every tuesday", Definition: path})
	assert.ErrorContains(t, err, "invalid schedule spec")

	err = s.Add(config.ScheduleEntry{Spec: "@hourly", Definition: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	assert.NoError(t, s.Add(config.ScheduleEntry{Spec: "*/5 * * * *", Definition: path}))
	assert.NoError(t, s.Add(config.ScheduleEntry{Spec: "30 */5 * * * *", Definition: path}), "seconds field is optional")
}

func TestRunOnce(t *testing.T) {
	engine := newEngine(t)
	s := New(engine, zaptest.NewLogger(t))
	path := writeDefinition(t, workflow.StepDefinition{ID: "s1", Type: workflow.StepSetState, Params: map[string]interface{}{"ok": true}})

	first := s.RunOnce(context.Background(), path)
	second := s.RunOnce(context.Background(), path)

	assert.Equal(t, workflow.StatusCompleted, first.Status)
	assert.Empty(t, first.Error)
	assert.True(t, strings.HasPrefix(first.WorkflowID, "nightly-"))
	assert.NotEqual(t, first.WorkflowID, second.WorkflowID, "each run gets its own id")
	assert.Empty(t, engine.ListWorkflows(), "finished runs are removed from the engine")
	assert.Len(t, s.History(), 2)
}

func TestRunOnceFailures(t *testing.T) {
	engine := newEngine(t)
	s := New(engine, zaptest.NewLogger(t))

	run := s.RunOnce(context.Background(), filepath.Join(t.TempDir(), "gone.json"))
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Empty(t, run.WorkflowID)

	path := writeDefinition(t, workflow.StepDefinition{ID: "s1", Type: "teleport"})
	run = s.RunOnce(context.Background(), path)
	assert.Equal(t, workflow.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "no handler")

	require.Len(t, s.History(), 2)
}

func TestHistoryIsBounded(t *testing.T) {
	s := New(newEngine(t), zaptest.NewLogger(t), WithHistorySize(2))
	path := writeDefinition(t, workflow.StepDefinition{ID: "s1", Type: workflow.StepSetState})
	var last Run
	for i := 0; i < 4; i++ {
		last = s.RunOnce(context.Background(), path)
	}
	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, last.WorkflowID, h[1].WorkflowID)

	none := New(newEngine(t), zaptest.NewLogger(t), WithHistorySize(0))
	none.RunOnce(context.Background(), path)
	assert.Empty(t, none.History())
}

func TestStartFiresEntries(t *testing.T) {
	s := New(newEngine(t), zaptest.NewLogger(t), WithLocation(time.UTC))
	path := writeDefinition(t, workflow.StepDefinition{ID: "s1", Type: workflow.StepSetState})
	require.NoError(t, s.Add(config.ScheduleEntry{Spec: "@every 1s", Definition: path}))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "starting twice is a no-op")

	assert.Eventually(t, func() bool {
		h := s.History()
		return len(h) > 0 && h[0].Status == workflow.StatusCompleted
	}, 4*time.Second, 50*time.Millisecond)

	s.Stop()
	s.Stop()
}
