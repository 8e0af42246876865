package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rivetkit-go/rivetkit/internal/wire"
)

// Conn is a persistent WebSocket connection to one actor instance (§6 GET
// .../ws): action calls are correlated to their response by a
// client-chosen monotonically increasing id, and events are fanned out
// to subscriber callbacks as they arrive — the same request-id-keyed
// pending-map plus background-dispatch-loop shape as the teacher's
// overseer.Client, generalized from a single global connection handling
// several message kinds to one connection per actor handling this
// protocol's four (init/error/action_response/event).
type Conn struct {
	ws       *websocket.Conn
	actorID  string
	connID   string

	idSeq atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan pendingResult

	subsMu sync.Mutex
	subs   map[string][]func(json.RawMessage)

	closeOnce sync.Once
	closed    chan struct{}
}

type pendingResult struct {
	output json.RawMessage
	err    error
}

// Connect upgrades to the actor's WebSocket endpoint and blocks until the
// server's Init envelope arrives, mirroring the manager's single
// accept-then-greet handshake (§4.A "Init{actorId,connectionId}").
func (h *ActorHandle) Connect(ctx context.Context) (*Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(h.host.baseURL, "http") + "/actors/" + h.ActorID + "/ws"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", "rivet, rivet_encoding.json")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("rivetkit: dial %s: %w", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c := &Conn{
		ws:      ws,
		pending: map[int64]chan pendingResult{},
		subs:    map[string][]func(json.RawMessage){},
		closed:  make(chan struct{}),
	}

	var init wire.ToClient
	if err := ws.ReadJSON(&init); err != nil {
		ws.Close()
		return nil, fmt.Errorf("rivetkit: read init: %w", err)
	}
	if init.Tag != wire.ToClientInit || init.Init == nil {
		ws.Close()
		return nil, fmt.Errorf("rivetkit: expected init envelope, got %q", init.Tag)
	}
	c.actorID = init.Init.ActorID
	c.connID = init.Init.ConnectionID

	go c.readLoop()
	return c, nil
}

func (c *Conn) ActorID() string      { return c.actorID }
func (c *Conn) ConnectionID() string { return c.connID }

// Call sends an action request and blocks for its response, or until ctx
// is cancelled or the connection closes.
func (c *Conn) Call(ctx context.Context, action string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	id := c.idSeq.Add(1)
	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	env := wire.ToServer{
		Tag: wire.ToServerActionRequest,
		ActionRequest: &wire.ActionRequestPayload{
			ID: id, Name: action, Args: raw,
		},
	}
	if err := c.ws.WriteJSON(env); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(res.output, out)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return fmt.Errorf("rivetkit: connection closed")
	}
}

// On subscribes fn to every Event with the given name (§4.D "Broadcasts
// and subscriptions") and tells the server to start delivering it.
func (c *Conn) On(eventName string, fn func(args json.RawMessage)) error {
	c.subsMu.Lock()
	c.subs[eventName] = append(c.subs[eventName], fn)
	c.subsMu.Unlock()

	return c.ws.WriteJSON(wire.ToServer{
		Tag: wire.ToServerSubscriptionRequest,
		SubscriptionRequest: &wire.SubscriptionRequestPayload{
			EventName: eventName, Subscribe: true,
		},
	})
}

// Off unsubscribes from eventName entirely, telling the server to stop
// delivering it.
func (c *Conn) Off(eventName string) error {
	c.subsMu.Lock()
	delete(c.subs, eventName)
	c.subsMu.Unlock()

	return c.ws.WriteJSON(wire.ToServer{
		Tag: wire.ToServerSubscriptionRequest,
		SubscriptionRequest: &wire.SubscriptionRequestPayload{
			EventName: eventName, Subscribe: false,
		},
	})
}

func (c *Conn) readLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })
	defer c.failAllPending(fmt.Errorf("rivetkit: connection closed"))

	for {
		var msg wire.ToClient
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Tag {
		case wire.ToClientActionResponse:
			if msg.ActionResponse == nil {
				continue
			}
			c.completePending(msg.ActionResponse.ID, pendingResult{output: msg.ActionResponse.Output})

		case wire.ToClientError:
			if msg.Error == nil {
				continue
			}
			err := fmt.Errorf("rivetkit: %s.%s: %s", msg.Error.Group, msg.Error.Code, msg.Error.Message)
			if msg.Error.ActionID != nil {
				c.completePending(*msg.Error.ActionID, pendingResult{err: err})
			}

		case wire.ToClientEvent:
			if msg.Event == nil {
				continue
			}
			c.subsMu.Lock()
			fns := append([]func(json.RawMessage){}, c.subs[msg.Event.Name]...)
			c.subsMu.Unlock()
			for _, fn := range fns {
				fn(msg.Event.Args)
			}
		}
	}
}

func (c *Conn) completePending(id int64, res pendingResult) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *Conn) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- pendingResult{err: err}
		delete(c.pending, id)
	}
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	return c.ws.Close()
}
