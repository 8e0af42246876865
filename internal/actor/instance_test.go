package actor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/wire"
)

type counterState struct {
	Count int `json:"count"`
}

type noopCaller struct{}

func (noopCaller) CallAction(ctx context.Context, name string, key []string, action string, args any) (json.RawMessage, error) {
	return nil, nil
}

func counterDef() *Definition {
	return &Definition{
		Name:     "counter",
		NewState: func() any { return &counterState{} },
		Actions: map[string]ActionHandler{
			"increment": func(ctx *ActionContext, args json.RawMessage) (any, error) {
				st := ctx.State.(*counterState)
				st.Count++
				ctx.MarkDirty()
				ctx.State = st
				return st.Count, nil
			},
			"get": func(ctx *ActionContext, args json.RawMessage) (any, error) {
				return ctx.State.(*counterState).Count, nil
			},
		},
		EventNames: []string{"updated"},
		Queues: map[string]QueueDef{
			"work": {Name: "work", Completable: true},
		},
		Options: Options{SleepTimeout: time.Hour},
	}
}

func newTestInstance(t *testing.T, def *Definition) (*Instance, *driver.Driver) {
	t.Helper()
	drv := driver.NewMemory("host-a")
	inst, err := NewInstance(def, drv, "actor-1", []string{"counter", "a"}, noopCaller{}, zap.NewNop(), SystemClock)
	require.NoError(t, err)
	return inst, drv
}

func TestInstanceCreateAndDispatch(t *testing.T) {
	def := counterDef()
	inst, _ := newTestInstance(t, def)
	ctx := context.Background()

	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))
	assert.Equal(t, StatusRunning, inst.Status())

	out, err := inst.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = inst.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestInstanceDispatchUnknownAction(t *testing.T) {
	def := counterDef()
	inst, _ := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	_, err := inst.Dispatch(ctx, nil, "nonexistent", json.RawMessage(`null`), nil)
	assert.Error(t, err)
}

func TestInstanceSleepWakeRoundTrip(t *testing.T) {
	def := counterDef()
	inst, drv := newTestInstance(t, def)
	ctx := context.Background()

	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))
	_, err := inst.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)

	require.NoError(t, inst.Sleep(ctx))
	assert.Equal(t, StatusAsleep, inst.Status())

	woke, err := NewInstance(def, drv, "actor-1", []string{"counter", "a"}, noopCaller{}, zap.NewNop(), SystemClock)
	require.NoError(t, err)
	require.NoError(t, woke.Wake(ctx, "host-a"))
	assert.Equal(t, StatusRunning, woke.Status())

	out, err := woke.Dispatch(ctx, nil, "get", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestInstanceDestroyClearsState(t *testing.T) {
	def := counterDef()
	inst, drv := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	require.NoError(t, inst.destroy(ctx))
	assert.Equal(t, StatusDestroyed, inst.Status())

	store, err := drv.KV.Open(ctx, "actor-1")
	require.NoError(t, err)
	entries, err := store.List(ctx, kv.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstanceBroadcastOnlyReachesSubscribers(t *testing.T) {
	def := counterDef()
	inst, _ := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	var delivered []*wire.ToClient
	ac := inst.newActionContext(ctx, nil, nil)
	conn, err := inst.Connect(ac, json.RawMessage(`{}`), wire.EncodingJSON, func(env *wire.ToClient) error {
		delivered = append(delivered, env)
		return nil
	})
	require.NoError(t, err)
	conn.Subscribe("updated")

	require.NoError(t, ac.Broadcast("updated", map[string]int{"count": 1}))
	require.Len(t, delivered, 1)
	assert.Equal(t, wire.ToClientEvent, delivered[0].Tag)

	assert.Error(t, ac.Broadcast("not-declared", nil))
}

func TestInstanceScheduleFiresAction(t *testing.T) {
	def := counterDef()
	inst, _ := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	require.NoError(t, inst.Submit(ctx, func() {
		_, err := inst.scheduleEvent(inst.clock.Now().Add(10*time.Millisecond), "increment", nil)
		require.NoError(t, err)
	}))

	require.Eventually(t, func() bool {
		out, err := inst.Dispatch(ctx, nil, "get", json.RawMessage(`null`), nil)
		return err == nil && out == 1
	}, time.Second, 5*time.Millisecond)
}

// TestInstanceScheduleFirePersistsRemovalBeforeInvoking checks that a
// scheduled action which already fired does not replay when a fresh
// Instance wakes over the same persisted record after Sleep. The scheduled
// action here is "increment", which marks state dirty, and Sleep persists
// as well, so this test does not isolate fireDueEvents' persist-before-
// invoke ordering from those other flushes.
func TestInstanceScheduleFirePersistsRemovalBeforeInvoking(t *testing.T) {
	def := counterDef()
	inst, drv := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	require.NoError(t, inst.Submit(ctx, func() {
		_, err := inst.scheduleEvent(inst.clock.Now().Add(10*time.Millisecond), "increment", nil)
		require.NoError(t, err)
	}))

	require.Eventually(t, func() bool {
		out, err := inst.Dispatch(ctx, nil, "get", json.RawMessage(`null`), nil)
		return err == nil && out == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, inst.Sleep(ctx))

	// A fresh Instance over the same persisted record models a restart
	// after the event already fired. If the removal wasn't persisted, Wake
	// would reload the stale scheduled event and fire "increment" again.
	woke, err := NewInstance(def, drv, "actor-1", []string{"counter", "a"}, noopCaller{}, zap.NewNop(), SystemClock)
	require.NoError(t, err)
	require.NoError(t, woke.Wake(ctx, "host-a"))

	time.Sleep(50 * time.Millisecond)
	out, err := woke.Dispatch(ctx, nil, "get", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out, "a fired scheduled action must not replay on the next Wake")
}

func TestInstanceQueueSendThenNext(t *testing.T) {
	def := counterDef()
	inst, _ := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	require.NoError(t, inst.Submit(ctx, func() {
		_, err := inst.queueSend(ctx, "work", map[string]string{"job": "x"}, false, 0)
		require.NoError(t, err)
	}))

	var msg *QueueMessage
	require.NoError(t, inst.Submit(ctx, func() {
		m, ok, err := inst.queueNext(ctx, []string{"work"}, 0)
		require.NoError(t, err)
		require.True(t, ok)
		msg = m
	}))
	require.NotNil(t, msg)
}

// TestInstanceQueueNextOffExecutorRacesWithQueueSendOnExecutor mirrors the
// real call shape: internal/workflow calls queueNext directly from its own
// goroutine (not through Submit), while queueSend always runs on the
// executor. Run with -race, this exercises the exact concurrent
// map/slice access i.queueMu exists to prevent.
func TestInstanceQueueNextOffExecutorRacesWithQueueSendOnExecutor(t *testing.T) {
	def := counterDef()
	inst, _ := newTestInstance(t, def)
	ctx := context.Background()
	require.NoError(t, inst.Create(ctx, "host-a", json.RawMessage(`{}`)))

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_ = inst.Submit(ctx, func() {
				_, err := inst.queueSend(ctx, "work", map[string]int{"i": i}, false, 0)
				assert.NoError(t, err)
			})
		}
	}()

	received := 0
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			_, ok, err := inst.queueNext(ctx, []string{"work"}, 200*time.Millisecond)
			assert.NoError(t, err)
			if ok {
				received++
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, n, received, "every sent message must be delivered exactly once despite concurrent off-executor queueNext")
}
