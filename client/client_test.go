package client_test

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
)

type counterState struct {
	Count int `json:"count"`
}

func counterDef() *actor.Definition {
	return &actor.Definition{
		Name:     "counter",
		NewState: func() any { return &counterState{} },
		Actions: map[string]actor.ActionHandler{
			"increment": func(ctx *actor.ActionContext, args json.RawMessage) (any, error) {
				st := ctx.State.(*counterState)
				st.Count++
				ctx.MarkDirty()
				ctx.State = st
				if ctx.Conn != nil {
					_ = ctx.Broadcast("count", st.Count)
				}
				return st.Count, nil
			},
		},
		EventNames: []string{"count"},
		Options:    actor.Options{SleepTimeout: time.Hour},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *client.Host) {
	t.Helper()
	drv := driver.NewMemory("client-test")
	defs := map[string]*actor.Definition{"counter": counterDef()}
	mgr := manager.New("client-test", drv, defs, zap.NewNop(), manager.Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	h := host.New(host.Deps{
		Manager:           mgr,
		Log:               zap.NewNop(),
		BasePath:          "/rivet",
		InspectorToken:    "test-token",
		InspectorDisabled: false,
	})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	return srv, client.New(srv.URL+"/rivet", nil)
}

func TestHostClientGetOrCreateAndAction(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "counter", []string{"a"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotEmpty(t, handle.ActorID)

	var out int
	require.NoError(t, handle.Action(ctx, "increment", nil, &out))
	assert.Equal(t, 1, out)

	require.NoError(t, handle.Action(ctx, "increment", nil, &out))
	assert.Equal(t, 2, out)
}

func TestHostClientResolveIsPure(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	id, err := c.Resolve(ctx, "counter", []string{"unseen"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// ForID makes no request, so nothing is created; Action/Connect on an id
	// that was never created fail with NotFound rather than creating it.
	handle := c.ForID(id)
	assert.Equal(t, id, handle.ActorID)
}

func TestConnCallAndSubscribe(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	handle, err := c.GetOrCreate(ctx, "counter", []string{"ws"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	conn, err := handle.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, handle.ActorID, conn.ActorID())

	events := make(chan int, 4)
	require.NoError(t, conn.On("count", func(args json.RawMessage) {
		var n int
		_ = json.Unmarshal(args, &n)
		events <- n
	}))

	var out int
	require.NoError(t, conn.Call(ctx, "increment", nil, &out))
	assert.Equal(t, 1, out)

	select {
	case n := <-events:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for count event")
	}
}

func TestHostClientDestroy(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	handle, err := c.Create(ctx, "counter", []string{"d"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, handle.Destroy(ctx))
}
