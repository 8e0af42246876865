package workflow_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/workflow"
)

type noopCaller struct{}

func (noopCaller) CallAction(ctx context.Context, name string, key []string, action string, args any) (json.RawMessage, error) {
	return nil, nil
}

type wfState struct {
	Done bool `json:"done"`
}

func newWorkflowInstance(t *testing.T, run actor.RunHandler) (*actor.Instance, *driver.Driver) {
	t.Helper()
	drv := driver.NewMemory("host-a")
	def := &actor.Definition{
		Name:     "wf",
		NewState: func() any { return &wfState{} },
		Run:      run,
		Options:  actor.Options{SleepTimeout: time.Hour},
	}
	inst, err := actor.NewInstance(def, drv, "wf-1", []string{"wf", "a"}, noopCaller{}, zap.NewNop(), actor.SystemClock)
	require.NoError(t, err)
	inst.SetWorkflowFactory(workflow.NewEngine)
	return inst, drv
}

func TestWorkflowStepSkipsRerunOnReplay(t *testing.T) {
	var stepCalls int
	var mu sync.Mutex

	run := func(rc *actor.RunContext) error {
		ctx := rc.Context()
		_, err := rc.Workflow.Step(ctx, "step1", func(ctx context.Context) (any, error) {
			mu.Lock()
			stepCalls++
			mu.Unlock()
			return "ok", nil
		})
		if err != nil {
			return err
		}
		return rc.Workflow.Sleep(ctx, "sleep1", 40*time.Millisecond)
	}

	inst, drv := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return stepCalls == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, inst.Sleep(ctx))

	woke, err := actor.NewInstance(&actor.Definition{
		Name:     "wf",
		NewState: func() any { return &wfState{} },
		Run:      run,
		Options:  actor.Options{SleepTimeout: time.Hour},
	}, drv, "wf-1", []string{"wf", "a"}, noopCaller{}, zap.NewNop(), actor.SystemClock)
	require.NoError(t, err)
	woke.SetWorkflowFactory(workflow.NewEngine)
	require.NoError(t, woke.Wake(ctx, "host-a"))

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, stepCalls, "replay must not re-run a completed step")
}

func TestWorkflowRollbackRunsInReverseFromCheckpoint(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func(ctx context.Context, output any) error {
		return func(ctx context.Context, output any) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	resultCh := make(chan error, 1)
	run := func(rc *actor.RunContext) error {
		ctx := rc.Context()
		if err := rc.Workflow.RollbackCheckpoint(ctx, "ckpt"); err != nil {
			resultCh <- err
			return err
		}
		if _, err := rc.Workflow.StepWithOptions(ctx, actor.StepOptions{
			Name:     "a",
			Run:      func(ctx context.Context) (any, error) { return "a-out", nil },
			Rollback: record("a"),
		}); err != nil {
			resultCh <- err
			return err
		}
		if _, err := rc.Workflow.StepWithOptions(ctx, actor.StepOptions{
			Name:     "b",
			Run:      func(ctx context.Context) (any, error) { return "b-out", nil },
			Rollback: record("b"),
		}); err != nil {
			resultCh <- err
			return err
		}
		_, err := rc.Workflow.StepWithOptions(ctx, actor.StepOptions{
			Name:        "c",
			Run:         func(ctx context.Context) (any, error) { return nil, assertFail{} },
			MaxAttempts: 1,
		})
		resultCh <- err
		return err
	}

	inst, _ := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("workflow did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b", "a"}, order, "rollback must run in reverse order from the checkpoint")
}

type assertFail struct{}

func (assertFail) Error() string { return "forced step failure" }

func TestWorkflowRollbackWithoutCheckpointErrors(t *testing.T) {
	resultCh := make(chan error, 1)
	run := func(rc *actor.RunContext) error {
		_, err := rc.Workflow.StepWithOptions(rc.Context(), actor.StepOptions{
			Name:        "only",
			Run:         func(ctx context.Context) (any, error) { return nil, assertFail{} },
			MaxAttempts: 1,
		})
		resultCh <- err
		return err
	}

	inst, _ := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	select {
	case err := <-resultCh:
		require.Error(t, err)
		var rcErr *workflow.RollbackCheckpointError
		assert.ErrorAs(t, err, &rcErr)
	case <-time.After(time.Second):
		t.Fatal("workflow did not complete in time")
	}
}

func TestWorkflowJoinWaitsForAllAndAggregatesErrors(t *testing.T) {
	resultCh := make(chan error, 1)
	run := func(rc *actor.RunContext) error {
		_, err := rc.Workflow.Join(rc.Context(), "join1", []actor.JoinBranch{
			{Name: "ok", Run: func(ctx context.Context) (any, error) { return 1, nil }},
			{Name: "bad", Run: func(ctx context.Context) (any, error) { return nil, assertFail{} }},
		})
		resultCh <- err
		return err
	}

	inst, _ := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	select {
	case err := <-resultCh:
		require.Error(t, err)
		var joinErr *workflow.JoinError
		require.ErrorAs(t, err, &joinErr)
		assert.Len(t, joinErr.Errors, 1)
		assert.Contains(t, joinErr.Errors, "bad")
	case <-time.After(time.Second):
		t.Fatal("workflow did not complete in time")
	}
}

func TestWorkflowRaceResolvesWithFirstWinner(t *testing.T) {
	type raceOut struct {
		branch string
		value  any
	}
	resultCh := make(chan raceOut, 1)
	run := func(rc *actor.RunContext) error {
		branch, value, err := rc.Workflow.Race(rc.Context(), "race1", []actor.JoinBranch{
			{Name: "slow", Run: func(ctx context.Context) (any, error) {
				select {
				case <-time.After(time.Second):
					return "slow-out", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}},
			{Name: "fast", Run: func(ctx context.Context) (any, error) { return "fast-out", nil }},
		})
		if err != nil {
			return err
		}
		resultCh <- raceOut{branch: branch, value: value}
		return nil
	}

	inst, _ := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	select {
	case out := <-resultCh:
		assert.Equal(t, "fast", out.branch)
		assert.Equal(t, "fast-out", out.value)
	case <-time.After(time.Second):
		t.Fatal("race did not resolve in time")
	}
}

func TestWorkflowLoopBreaksOnSignal(t *testing.T) {
	resultCh := make(chan any, 1)
	run := func(rc *actor.RunContext) error {
		out, err := rc.Workflow.Loop(rc.Context(), "loop1", 10, func(ctx context.Context, iteration int) (actor.LoopResult, error) {
			if iteration >= 3 {
				return actor.LoopResult{Break: true, Value: iteration}, nil
			}
			return actor.LoopResult{Break: false}, nil
		})
		if err != nil {
			return err
		}
		resultCh <- out
		return nil
	}

	inst, _ := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	select {
	case out := <-resultCh:
		var asFloat float64
		switch v := out.(type) {
		case int:
			asFloat = float64(v)
		case float64:
			asFloat = v
		}
		assert.Equal(t, float64(3), asFloat)
	case <-time.After(time.Second):
		t.Fatal("loop did not complete in time")
	}
}

func TestWorkflowListenResumesOnEmittedEvent(t *testing.T) {
	resultCh := make(chan json.RawMessage, 1)
	run := func(rc *actor.RunContext) error {
		payload, err := rc.Workflow.Listen(rc.Context(), "listen1", "approved")
		if err != nil {
			return err
		}
		resultCh <- payload
		return nil
	}

	inst, _ := newWorkflowInstance(t, run)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	time.Sleep(20 * time.Millisecond)
	inst.EmitEvent("approved", json.RawMessage(`{"ok":true}`))

	select {
	case payload := <-resultCh:
		assert.JSONEq(t, `{"ok":true}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("listen did not resume in time")
	}
}
