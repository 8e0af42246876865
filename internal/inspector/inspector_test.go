package inspector_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/inspector"
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
				return st.Count, nil
			},
		},
		Options: actor.Options{SleepTimeout: time.Hour},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager, string) {
	t.Helper()
	drv := driver.NewMemory("host-a")
	defs := map[string]*actor.Definition{"counter": counterDef()}
	m := manager.New("host-a", drv, defs, zap.NewNop(), manager.Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	const token = "s3cret"
	h := inspector.New(inspector.Deps{Manager: m, Log: zap.NewNop(), Token: token})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, m, token
}

func authedGet(t *testing.T, srv *httptest.Server, token, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestInspectorRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/inspect/actors")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInspectorListAndReadState(t *testing.T) {
	srv, m, token := newTestServer(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"a"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = m.CallAction(ctx, "counter", []string{"a"}, "increment", nil)
	require.NoError(t, err)

	resp := authedGet(t, srv, token, "/inspect/actors")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Actors []map[string]any `json:"actors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Actors, 1)
	assert.Equal(t, h.ActorID, listed.Actors[0]["actorId"])

	stateResp := authedGet(t, srv, token, "/inspect/actors/"+h.ActorID+"/state")
	defer stateResp.Body.Close()
	require.Equal(t, http.StatusOK, stateResp.StatusCode)
	var st counterState
	require.NoError(t, json.NewDecoder(stateResp.Body).Decode(&st))
	assert.Equal(t, 1, st.Count)
}

func TestInspectorDestroyActor(t *testing.T) {
	srv, m, token := newTestServer(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"b"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/inspect/actors/"+h.ActorID+"/destroy", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = m.Get(ctx, "counter", []string{"b"})
	assert.Error(t, err, "destroyed actor must no longer resolve")
}

func TestInspectorDisabled(t *testing.T) {
	drv := driver.NewMemory("host-a")
	m := manager.New("host-a", drv, map[string]*actor.Definition{"counter": counterDef()}, zap.NewNop(), manager.Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	h := inspector.New(inspector.Deps{Manager: m, Log: zap.NewNop(), Disabled: true})
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/inspect/actors", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
