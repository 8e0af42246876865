package host

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/manager"
	"github.com/rivetkit-go/rivetkit/internal/rivetmetrics"
	"github.com/rivetkit-go/rivetkit/internal/wire"
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

func newTestHost(t *testing.T) (*httptest.Server, *Host) {
	t.Helper()
	drv := driver.NewMemory("host-a")
	defs := map[string]*actor.Definition{"counter": counterDef()}
	mgr := manager.New("host-a", drv, defs, zap.NewNop(), manager.Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	h := New(Deps{
		Manager:           mgr,
		Log:               zap.NewNop(),
		BasePath:          "/rivet",
		InspectorToken:    "test-token",
		InspectorDisabled: false,
	})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv, h
}

func TestHostCreateAndDispatchAction(t *testing.T) {
	srv, _ := newTestHost(t)

	createBody, _ := json.Marshal(map[string]any{"key": []string{"a"}})
	resp, err := http.Post(srv.URL+"/rivet/actors/counter/create", "application/json", bytes.NewReader(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	actorID := created["actorId"].(string)
	require.NotEmpty(t, actorID)

	actionBody, _ := json.Marshal(wire.HTTPActionRequest{Args: json.RawMessage(`null`)})
	resp2, err := http.Post(srv.URL+"/rivet/actors/"+actorID+"/actions/increment", "application/json", bytes.NewReader(actionBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var actionResp wire.HTTPActionResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&actionResp))
	assert.Equal(t, "1", string(actionResp.Output))
}

func TestHostResolveIsPure(t *testing.T) {
	srv, h := newTestHost(t)

	reqBody, _ := json.Marshal(wire.HTTPResolveRequest{Key: []string{"x"}})
	resp, err := http.Post(srv.URL+"/rivet/actors/counter/resolve", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out wire.HTTPResolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, h.mgr.ResolveID("counter", []string{"x"}), out.ActorID)

	// resolving never creates the actor: listing must still be empty.
	all := h.mgr.List("counter", nil, 0)
	assert.Empty(t, all)
}

func TestHostWebSocketEnvelopeLoop(t *testing.T) {
	srv, h := newTestHost(t)

	handle, err := h.mgr.Create(context.Background(), "counter", []string{"ws"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rivet/actors/" + handle.ActorID + "/ws"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", "rivet, rivet_encoding.json")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var init wire.ToClient
	require.NoError(t, conn.ReadJSON(&init))
	require.Equal(t, wire.ToClientInit, init.Tag)

	req := wire.ToServer{
		Tag: wire.ToServerActionRequest,
		ActionRequest: &wire.ActionRequestPayload{
			ID:   1,
			Name: "increment",
			Args: json.RawMessage(`null`),
		},
	}
	require.NoError(t, conn.WriteJSON(req))

	var resp1 wire.ToClient
	require.NoError(t, conn.ReadJSON(&resp1))
	require.Equal(t, wire.ToClientActionResponse, resp1.Tag)
	assert.Equal(t, "1", string(resp1.ActionResponse.Output))
}

func TestHostDestroy(t *testing.T) {
	srv, h := newTestHost(t)

	handle, err := h.mgr.Create(context.Background(), "counter", []string{"d"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rivet/actors/"+handle.ActorID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = h.mgr.GetForID(context.Background(), handle.ActorID)
	assert.Error(t, err)
}

func TestHostMountsInspectorUnderBasePath(t *testing.T) {
	srv, h := newTestHost(t)

	handle, err := h.mgr.Create(context.Background(), "counter", []string{"i"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/rivet/inspect/actors/"+handle.ActorID, nil)
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, handle.ActorID, info["actorId"])
}

func TestHostExposesMetrics(t *testing.T) {
	drv := driver.NewMemory("host-metrics")
	defs := map[string]*actor.Definition{"counter": counterDef()}
	mgr := manager.New("host-metrics", drv, defs, zap.NewNop(), manager.Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	h := New(Deps{
		Manager:           mgr,
		Log:               zap.NewNop(),
		BasePath:          "/rivet",
		InspectorToken:    "test-token",
		InspectorDisabled: false,
		Metrics:           rivetmetrics.New(),
	})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	_, err := mgr.Create(context.Background(), "counter", []string{"m"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/rivet/inspect/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf strings.Builder
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "rivetkit_live_actors 1")
}
