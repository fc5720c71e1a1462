package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/workflow"
)

func TestRecoverCommand(t *testing.T) {
	env := newTestEnv(t, "")
	def := &workflow.Definition{
		ID: "wf",
		Steps: []workflow.StepDefinition{
			{ID: "a", Type: workflow.StepSetState, Params: map[string]interface{}{"origin": "cli"}},
			{ID: "b", Type: workflow.StepSetState, Checkpoint: true, Params: map[string]interface{}{"b": "done"}},
			{ID: "c", Type: workflow.StepSetState, Params: map[string]interface{}{"c": "done"}},
		},
	}

	// An earlier process got past the checkpoint and then failed on c.
	earlier := workflow.NewEngine(zap.NewNop(),
		workflow.WithSnapshotDir(filepath.Join(env.dir, "snapshots")),
		workflow.WithHandlers(map[string]workflow.Handler{
			workflow.StepSetState: func(ctx context.Context, call workflow.Call) (map[string]interface{}, error) {
				switch call.Step.ID {
				case "a":
					return map[string]interface{}{"origin": "earlier run"}, nil
				case "c":
					return nil, errors.New("page changed under us")
				}
				return map[string]interface{}(call.Params), nil
			},
		}))
	_, err := earlier.CreateWorkflow(def)
	require.NoError(t, err)
	_, err = earlier.StartWorkflow(context.Background(), "wf")
	require.Error(t, err)

	report := filepath.Join(env.dir, "recovered.json")
	out, err := env.execute(t, context.Background(), "recover", "wf", "--output", report)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")

	raw, err := os.ReadFile(report)
	require.NoError(t, err)
	var reports []workflow.StatusReport
	require.NoError(t, json.Unmarshal(raw, &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "earlier run", reports[0].State["origin"], "steps before the checkpoint keep their earlier output")
	assert.Equal(t, "done", reports[0].State["c"])

	t.Run("Missing snapshot", func(t *testing.T) {
		_, err := env.execute(t, context.Background(), "recover", "nope")
		assert.ErrorContains(t, err, "no snapshot for nope")
	})

	t.Run("Requires an id", func(t *testing.T) {
		_, err := env.execute(t, context.Background(), "recover")
		assert.ErrorContains(t, err, "accepts 1 arg(s)")
	})
}

func TestStartWithRetries(t *testing.T) {
	var calls int32
	flaky := func(ctx context.Context, call workflow.Call) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, errors.New("not yet")
		}
		return nil, nil
	}
	engine := workflow.NewEngine(zap.NewNop(), workflow.WithHandlers(map[string]workflow.Handler{"flaky": flaky}))
	for _, id := range []string{"short", "long"} {
		_, err := engine.CreateWorkflow(&workflow.Definition{ID: id, Steps: []workflow.StepDefinition{{ID: "s1", Type: "flaky"}}})
		require.NoError(t, err)
	}

	report, err := startWithRetries(context.Background(), engine, "short", 1, false, zap.NewNop())
	assert.Error(t, err)
	assert.Equal(t, workflow.StatusFailed, report.Status)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	report, err = startWithRetries(context.Background(), engine, "long", 3, true, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, report.Status)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "stops retrying once the workflow completes")

	t.Run("run --retries still reports a workflow that never recovers", func(t *testing.T) {
		env := newTestEnv(t, "")
		broken := writeWorkflow(t, env.dir, "broken",
			workflow.StepDefinition{ID: "a", Type: workflow.StepSetState, Params: map[string]interface{}{"x": "${missing}"}},
		)
		out, err := env.execute(t, context.Background(), "run", broken, "--retries", "2")
		assert.ErrorContains(t, err, "1 of 1 workflows failed")
		assert.Contains(t, out, "FAILED")
	})
}
