//go:build integration

// Package integration drives the six end-to-end scenarios against a real
// internal/host server reached only through the external client package,
// the way the teacher's backend/tests/integration/api_test.go drives a
// deployed backend through raw net/http calls. Unlike that file, there is
// no separately deployed process to point TEST_ADDR at here — this is a
// library, not a service with its own deployment — so each test spins up
// its own httptest.Server from internal/manager + internal/host and talks
// to it exclusively through the client package, keeping the assertions
// scoped to what an external caller can observe over the wire.
package integration

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/client"
	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/host"
	"github.com/rivetkit-go/rivetkit/internal/manager"
	"github.com/rivetkit-go/rivetkit/registry"
)

func startHost(t *testing.T, defs map[string]*actor.Definition, sleepCheck time.Duration) *client.Host {
	t.Helper()
	drv := driver.NewMemory(t.Name())
	mgr := manager.New(t.Name(), drv, defs, zap.NewNop(), manager.Options{SleepCheckInterval: sleepCheck})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	h := host.New(host.Deps{
		Manager:           mgr,
		Log:               zap.NewNop(),
		BasePath:          "/rivet",
		InspectorToken:    "integration-test",
		InspectorDisabled: false,
	})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return client.New(srv.URL+"/rivet", nil)
}

// --- Scenario 1: Counter ---

type counterState struct {
	Count int `json:"count"`
}

type incrementArgs struct {
	N int `json:"n"`
}

func counterDefinition() *actor.Definition {
	b := registry.New[*counterState, struct{}]("counter")
	b.CreateState(func(json.RawMessage) (*counterState, error) { return &counterState{}, nil })
	b.Events("newCount")
	registry.Action(b, "increment", func(ctx *registry.TypedActionContext[*counterState, struct{}], args incrementArgs) (int, error) {
		st := ctx.State()
		st.Count += args.N
		ctx.SetState(st)
		_ = ctx.Broadcast("newCount", st.Count)
		return st.Count, nil
	})
	registry.Action(b, "getCount", func(ctx *registry.TypedActionContext[*counterState, struct{}], _ struct{}) (int, error) {
		return ctx.State().Count, nil
	})
	return b.Build()
}

func TestScenarioCounter(t *testing.T) {
	c := startHost(t, map[string]*actor.Definition{"counter": counterDefinition()}, time.Hour)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "counter", []string{"c1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	conn, err := handle.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	events := make(chan int, 3)
	require.NoError(t, conn.On("newCount", func(args json.RawMessage) {
		var n int
		_ = json.Unmarshal(args, &n)
		events <- n
	}))

	var outputs []int
	for i := 0; i < 3; i++ {
		var out int
		require.NoError(t, conn.Call(ctx, "increment", incrementArgs{N: 1}, &out))
		outputs = append(outputs, out)
	}
	assert.Equal(t, []int{1, 2, 3}, outputs)

	for i := 1; i <= 3; i++ {
		select {
		case n := <-events:
			assert.Equal(t, i, n)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for newCount event %d", i)
		}
	}

	var count int
	require.NoError(t, conn.Call(ctx, "getCount", nil, &count))
	assert.Equal(t, 3, count)
}

// --- Scenario 2: Sleep/wake ---

type sleepWakeState struct {
	Count  int      `json:"count"`
	Events []string `json:"events"`
}

func sleepWakeDefinition() *actor.Definition {
	b := registry.New[*sleepWakeState, struct{}]("sleepwake")
	b.CreateState(func(json.RawMessage) (*sleepWakeState, error) { return &sleepWakeState{}, nil })
	b.OnStart(func(ctx *registry.TypedActionContext[*sleepWakeState, struct{}]) error {
		st := ctx.State()
		st.Events = append(st.Events, "onWake")
		ctx.SetState(st)
		return nil
	})
	registry.Action(b, "increment", func(ctx *registry.TypedActionContext[*sleepWakeState, struct{}], _ struct{}) (int, error) {
		st := ctx.State()
		st.Count++
		ctx.SetState(st)
		return st.Count, nil
	})
	registry.Action(b, "getEvents", func(ctx *registry.TypedActionContext[*sleepWakeState, struct{}], _ struct{}) (*sleepWakeState, error) {
		return ctx.State(), nil
	})
	b.Options(actor.Options{SleepTimeout: 500 * time.Millisecond})
	return b.Build()
}

func TestScenarioSleepWake(t *testing.T) {
	c := startHost(t, map[string]*actor.Definition{"sleepwake": sleepWakeDefinition()}, 100*time.Millisecond)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "sleepwake", []string{"s1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	var count int
	require.NoError(t, handle.Action(ctx, "increment", nil, &count))
	assert.Equal(t, 1, count)

	time.Sleep(time.Second)

	var st sleepWakeState
	require.NoError(t, handle.Action(ctx, "getEvents", nil, &st))
	assert.Contains(t, st.Events, "onWake")
	assert.Equal(t, 1, st.Count)
}

// --- Scenario 3: Scheduled reminder ---

type reminder struct {
	ID          string     `json:"id"`
	Message     string     `json:"message"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type reminderState struct {
	Reminders      map[string]*reminder `json:"reminders"`
	CompletedCount int                  `json:"completedCount"`
}

type scheduleReminderArgs struct {
	Message string `json:"message"`
	AfterMs int    `json:"afterMs"`
}

type completeReminderArgs struct {
	ID string `json:"id"`
}

func reminderDefinition() *actor.Definition {
	b := registry.New[*reminderState, struct{}]("reminder")
	b.CreateState(func(json.RawMessage) (*reminderState, error) {
		return &reminderState{Reminders: map[string]*reminder{}}, nil
	})
	registry.Action(b, "scheduleReminder", func(ctx *registry.TypedActionContext[*reminderState, struct{}], args scheduleReminderArgs) (*reminder, error) {
		st := ctx.State()
		id := args.Message + "-id"
		if _, err := ctx.Schedule.After(time.Duration(args.AfterMs)*time.Millisecond, "completeReminder", completeReminderArgs{ID: id}); err != nil {
			return nil, err
		}
		r := &reminder{ID: id, Message: args.Message}
		st.Reminders[id] = r
		ctx.SetState(st)
		return r, nil
	})
	registry.Action(b, "completeReminder", func(ctx *registry.TypedActionContext[*reminderState, struct{}], args completeReminderArgs) (any, error) {
		st := ctx.State()
		r, ok := st.Reminders[args.ID]
		if !ok {
			return nil, nil
		}
		now := time.Now()
		r.CompletedAt = &now
		st.CompletedCount++
		ctx.SetState(st)
		return r, nil
	})
	registry.Action(b, "getReminders", func(ctx *registry.TypedActionContext[*reminderState, struct{}], _ struct{}) (*reminderState, error) {
		return ctx.State(), nil
	})
	return b.Build()
}

func TestScenarioScheduledReminder(t *testing.T) {
	c := startHost(t, map[string]*actor.Definition{"reminder": reminderDefinition()}, time.Hour)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "reminder", []string{"r1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	var r reminder
	require.NoError(t, handle.Action(ctx, "scheduleReminder", scheduleReminderArgs{Message: "call mom", AfterMs: 200}, &r))
	require.NotEmpty(t, r.ID)

	time.Sleep(500 * time.Millisecond)

	var st reminderState
	require.NoError(t, handle.Action(ctx, "getReminders", nil, &st))
	require.Contains(t, st.Reminders, r.ID)
	assert.NotNil(t, st.Reminders[r.ID].CompletedAt)
	assert.Equal(t, 1, st.CompletedCount)
}

// --- Scenario 4: Workflow join ---

type joinState struct {
	Output int  `json:"output"`
	Done   bool `json:"done"`
}

func workflowJoinDefinition() *actor.Definition {
	b := registry.New[*joinState, struct{}]("workflowjoin")
	b.CreateState(func(json.RawMessage) (*joinState, error) { return &joinState{}, nil })
	b.Run(func(ctx *registry.TypedRunContext[*joinState, struct{}]) error {
		results, err := ctx.Workflow.Join(ctx.Context(), "branches", []actor.JoinBranch{
			{Name: "a", Run: func(context.Context) (any, error) { return 1, nil }},
			{Name: "b", Run: func(context.Context) (any, error) { return 2, nil }},
		})
		if err != nil {
			return err
		}
		st := ctx.State()
		st.Output = toInt(results["a"]) + toInt(results["b"])
		st.Done = true
		ctx.SetState(st)
		return nil
	})
	registry.Action(b, "getResult", func(ctx *registry.TypedActionContext[*joinState, struct{}], _ struct{}) (*joinState, error) {
		return ctx.State(), nil
	})
	return b.Build()
}

// toInt normalizes a join branch's result: native Go values on a fresh
// run (internal/workflow/engine.go's Join hands back the branch closure's
// own return value directly), JSON-decoded float64 on a replayed one
// (loaded back out of persisted, marshaled history).
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func TestScenarioWorkflowJoin(t *testing.T) {
	c := startHost(t, map[string]*actor.Definition{"workflowjoin": workflowJoinDefinition()}, time.Hour)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "workflowjoin", []string{"w1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var st joinState
		if err := handle.Action(ctx, "getResult", nil, &st); err != nil {
			return false
		}
		return st.Done
	}, 2*time.Second, 20*time.Millisecond)

	var st joinState
	require.NoError(t, handle.Action(ctx, "getResult", nil, &st))
	assert.Equal(t, 3, st.Output)

	// internal/workflow/engine_test.go's TestWorkflowStepSkipsRerunOnReplay
	// covers the no-rerun-on-replay invariant directly against the engine;
	// this test only checks the user-visible join output over the wire.
}

// --- Scenario 5: Rollback ---

type rollbackState struct {
	Rollbacks []string `json:"rollbacks"`
	Failed    bool     `json:"failed"`
}

func rollbackDefinition() *actor.Definition {
	b := registry.New[*rollbackState, struct{}]("rollback")
	b.CreateState(func(json.RawMessage) (*rollbackState, error) { return &rollbackState{}, nil })
	b.Run(func(ctx *registry.TypedRunContext[*rollbackState, struct{}]) error {
		wf := ctx.Workflow
		if err := wf.RollbackCheckpoint(ctx.Context(), "start"); err != nil {
			return err
		}
		push := func(tag string) {
			st := ctx.State()
			st.Rollbacks = append(st.Rollbacks, tag)
			ctx.SetState(st)
		}
		if _, err := wf.StepWithOptions(ctx.Context(), actor.StepOptions{
			Name: "stepA",
			Run:  func(context.Context) (any, error) { return "one", nil },
			Rollback: func(context.Context, any) error {
				push("first")
				return nil
			},
		}); err != nil {
			return err
		}
		if _, err := wf.StepWithOptions(ctx.Context(), actor.StepOptions{
			Name: "stepB",
			Run:  func(context.Context) (any, error) { return "two", nil },
			Rollback: func(context.Context, any) error {
				push("second")
				return nil
			},
		}); err != nil {
			return err
		}
		_, err := wf.Step(ctx.Context(), "boom", func(context.Context) (any, error) {
			return nil, assertErr("forced failure")
		})
		st := ctx.State()
		st.Failed = err != nil
		ctx.SetState(st)
		return nil
	})
	registry.Action(b, "getResult", func(ctx *registry.TypedActionContext[*rollbackState, struct{}], _ struct{}) (*rollbackState, error) {
		return ctx.State(), nil
	})
	return b.Build()
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestScenarioRollback(t *testing.T) {
	c := startHost(t, map[string]*actor.Definition{"rollback": rollbackDefinition()}, time.Hour)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "rollback", []string{"rb1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var st rollbackState
		if err := handle.Action(ctx, "getResult", nil, &st); err != nil {
			return false
		}
		return st.Failed
	}, 2*time.Second, 20*time.Millisecond)

	var st rollbackState
	require.NoError(t, handle.Action(ctx, "getResult", nil, &st))
	assert.Equal(t, []string{"second", "first"}, st.Rollbacks)
}

// --- Scenario 6: Queue timeout ---

type queueResult struct {
	TimedOut bool  `json:"timedOut"`
	WaitedMs int64 `json:"waitedMs"`
	Body     any   `json:"body,omitempty"`
}

func queueTimeoutDefinition() *actor.Definition {
	b := registry.New[*struct{}, struct{}]("queuetimeout")
	b.CreateState(func(json.RawMessage) (*struct{}, error) { return &struct{}{}, nil })
	b.Queue("work", false)
	registry.Action(b, "nextWork", func(ctx *registry.TypedActionContext[*struct{}, struct{}], _ struct{}) (queueResult, error) {
		start := time.Now()
		msg, ok, err := ctx.Queue.Next(ctx.Context(), []string{"work"}, 50*time.Millisecond)
		if err != nil {
			return queueResult{}, err
		}
		waited := time.Since(start).Milliseconds()
		if !ok {
			return queueResult{TimedOut: true, WaitedMs: waited}, nil
		}
		return queueResult{TimedOut: false, WaitedMs: waited, Body: msg.Body}, nil
	})
	registry.Action(b, "sendWork", func(ctx *registry.TypedActionContext[*struct{}, struct{}], body string) (any, error) {
		return ctx.Queue.Send(ctx.Context(), "work", body, false, 0)
	})
	return b.Build()
}

// TestScenarioQueueTimeout exercises both halves of the boundary case as
// two sequential action calls, not a concurrent send racing a blocked
// consumer — queue.next's wait runs synchronously inside an ordinary
// action dispatch (§4.D "single logical executor"), so a second action
// against the same actor id cannot run concurrently to unblock it; the
// scenario's "then queue.send(...) yields {timedOut:false,...}" is a
// send followed by a next that finds the already-buffered message
// immediately, not a wakeup of an in-flight wait.
func TestScenarioQueueTimeout(t *testing.T) {
	c := startHost(t, map[string]*actor.Definition{"queuetimeout": queueTimeoutDefinition()}, time.Hour)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "queuetimeout", []string{"q1"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	var res queueResult
	require.NoError(t, handle.Action(ctx, "nextWork", nil, &res))
	assert.True(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.WaitedMs, int64(50))

	var sendOut any
	require.NoError(t, handle.Action(ctx, "sendWork", "x", &sendOut))

	var res2 queueResult
	require.NoError(t, handle.Action(ctx, "nextWork", nil, &res2))
	assert.False(t, res2.TimedOut)
	assert.Equal(t, "x", res2.Body)
	assert.Less(t, res2.WaitedMs, int64(50))
}
