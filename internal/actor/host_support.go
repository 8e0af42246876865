package actor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/wire"
)

// ConnectWS routes Connect onto the single executor for internal/host's WS
// upgrade handler, which has no ActionContext of its own (a connection is
// not itself an action).
func (i *Instance) ConnectWS(ctx context.Context, params json.RawMessage, enc wire.Encoding, send func(*wire.ToClient) error) (*Conn, error) {
	var conn *Conn
	var connErr error
	submitErr := i.Submit(ctx, func() {
		ac := i.newActionContext(withAbortSignal(ctx, i.abortCtx), nil, nil)
		ac.Vars = i.ensureVars(ac)
		conn, connErr = i.Connect(ac, params, enc, send)
		i.flushIfDirty(ctx, ac)
		i.touch()
	})
	if submitErr != nil {
		return nil, submitErr
	}
	return conn, connErr
}

// DisconnectWS is ConnectWS's counterpart, run at the end of the WS
// handler's read loop regardless of why the connection closed.
func (i *Instance) DisconnectWS(ctx context.Context, conn *Conn) error {
	return i.Submit(ctx, func() {
		ac := i.newActionContext(withAbortSignal(ctx, i.abortCtx), conn, nil)
		ac.Vars = i.ensureVars(ac)
		i.Disconnect(ac, conn)
		i.flushIfDirty(ctx, ac)
		i.touch()
	})
}

// QueueSend is the exported, Submit-wrapped form of queueSend for
// internal/host's `POST /actors/:actorId/queue/:name` route (§6): an
// HTTP caller has no action context of its own, so the send must be
// routed onto the single executor the same way Dispatch routes actions.
func (i *Instance) QueueSend(ctx context.Context, name string, body any, wait bool, timeout time.Duration) (QueueSendResult, error) {
	if _, ok := i.def.Queues[name]; !ok {
		return QueueSendResult{}, riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			"queue \""+name+"\" is not declared")
	}
	var result QueueSendResult
	var sendErr error
	submitErr := i.Submit(ctx, func() {
		result, sendErr = i.queueSend(ctx, name, body, wait, timeout)
	})
	if submitErr != nil {
		return QueueSendResult{}, submitErr
	}
	return result, sendErr
}

// ServeRawRequest dispatches a non-envelope HTTP request to
// Hooks.OnRequest (§4.D "raw HTTP"), routed onto the single executor like
// every other handler invocation. handled is false (with a nil error) if
// the definition declared no OnRequest hook, so the caller falls back to
// its own 404.
func (i *Instance) ServeRawRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (handled bool, err error) {
	if i.def.Hooks.OnRequest == nil {
		return false, nil
	}
	submitErr := i.Submit(ctx, func() {
		ac := i.newActionContext(withAbortSignal(ctx, i.abortCtx), nil, &RawRequest{
			Method: r.Method, Path: r.URL.Path, Headers: r.Header,
		})
		ac.Vars = i.ensureVars(ac)
		handled = i.def.Hooks.OnRequest(ac, w, r)
		i.flushIfDirty(ctx, ac)
		i.touch()
	})
	return handled, submitErr
}

// ServeRawWebSocket hands a connection's raw frame pump to
// Hooks.OnWebSocket (§4.D "raw WebSocket escape hatch") instead of the
// action/event envelope loop, after the ordinary Connect sequence has
// already run onBeforeConnect/onConnect. ok is false if the definition
// declared no OnWebSocket hook, so the caller falls back to the envelope
// protocol.
func (i *Instance) ServeRawWebSocket(ctx context.Context, conn *Conn, ws UniversalWebSocket) (ok bool, err error) {
	if i.def.Hooks.OnWebSocket == nil {
		return false, nil
	}
	submitErr := i.Submit(ctx, func() {
		ac := i.newActionContext(withAbortSignal(ctx, i.abortCtx), conn, nil)
		ac.Vars = i.ensureVars(ac)
		i.def.Hooks.OnWebSocket(ac, conn, ws)
		i.flushIfDirty(ctx, ac)
		i.touch()
	})
	return true, submitErr
}
