package actor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/persist"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/wire"
)

const connKeyPrefix = "conn/"

func connListOptions() kv.ListOptions {
	return kv.ListOptions{Prefix: []byte(connKeyPrefix)}
}

func connKey(connID string) []byte {
	return []byte(connKeyPrefix + connID)
}

// Conn is a live client<->actor session (§3 "connections"). Subscriptions
// is the set of event names this connection currently receives
// broadcasts for.
type Conn struct {
	ID                    string
	Params                json.RawMessage
	State                 any
	HibernatableRequestID string
	Encoding              wire.Encoding

	mu            sync.Mutex
	subscriptions map[string]bool

	send func(*wire.ToClient) error // transport-specific outbound sink, set by internal/host
}

func newConn(params json.RawMessage, enc wire.Encoding, send func(*wire.ToClient) error) *Conn {
	return &Conn{
		ID:            uuid.NewString(),
		Params:        params,
		Encoding:      enc,
		subscriptions: make(map[string]bool),
		send:          send,
	}
}

func (c *Conn) Subscribe(event string)   { c.mu.Lock(); c.subscriptions[event] = true; c.mu.Unlock() }
func (c *Conn) Unsubscribe(event string) { c.mu.Lock(); delete(c.subscriptions, event); c.mu.Unlock() }

func (c *Conn) subscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[event]
}

func (c *Conn) subscriptionList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		out = append(out, name)
	}
	return out
}

// Connect runs onBeforeConnect/onConnect and registers the connection
// (§4.D "Connections"). send delivers outbound envelopes over whatever
// transport accepted the connection (WS or long-poll); it may be called
// concurrently with other broadcasts so the caller owns its own ordering
// guarantee per connection.
func (i *Instance) Connect(ctx *ActionContext, params json.RawMessage, enc wire.Encoding, send func(*wire.ToClient) error) (*Conn, error) {
	if i.def.Hooks.OnBeforeConnect != nil {
		if err := i.def.Hooks.OnBeforeConnect(ctx, params); err != nil {
			return nil, err
		}
	}

	conn := newConn(params, enc, send)
	if i.def.CreateConnState != nil {
		state, err := i.def.CreateConnState(ctx, params)
		if err != nil {
			return nil, err
		}
		conn.State = state
	}

	i.connMu.Lock()
	i.connections[conn.ID] = conn
	i.connMu.Unlock()

	ctx.Conn = conn
	if i.def.Hooks.OnConnect != nil {
		if err := i.def.Hooks.OnConnect(ctx, conn); err != nil {
			i.connMu.Lock()
			delete(i.connections, conn.ID)
			i.connMu.Unlock()
			return nil, err
		}
	}
	if i.def.CreateConnState != nil {
		i.persistConn(ctx.Context(), conn)
	}
	i.touch()
	return conn, nil
}

// persistConn writes a connection's durable record (§9 open question b:
// declared connection-state persists across hibernation; plain vars-like
// connection state, when CreateConnState is nil, never reaches here).
func (i *Instance) persistConn(ctx context.Context, conn *Conn) {
	stateBytes, err := json.Marshal(conn.State)
	if err != nil {
		i.log.Warn("failed to marshal connection state", zap.String("conn", conn.ID), zap.Error(err))
		return
	}
	rec := &persist.ConnRecord{
		ConnectionID:          conn.ID,
		Params:                conn.Params,
		ConnState:             stateBytes,
		HibernatableRequestID: conn.HibernatableRequestID,
		Subscriptions:         conn.subscriptionList(),
	}
	encoded, err := persist.EncodeConn(rec)
	if err != nil {
		i.log.Warn("failed to encode connection record", zap.String("conn", conn.ID), zap.Error(err))
		return
	}
	if err := i.rawKV.Put(ctx, connKey(conn.ID), encoded); err != nil {
		i.log.Warn("failed to persist connection record", zap.String("conn", conn.ID), zap.Error(err))
	}
}

// Disconnect fires onDisconnect and removes the Conn record (§4.D).
func (i *Instance) Disconnect(ctx *ActionContext, conn *Conn) {
	i.connMu.Lock()
	_, ok := i.connections[conn.ID]
	delete(i.connections, conn.ID)
	i.connMu.Unlock()
	if !ok {
		return
	}
	if i.def.CreateConnState != nil {
		if err := i.rawKV.Delete(ctx.Context(), connKey(conn.ID)); err != nil {
			i.log.Warn("failed to delete connection record", zap.String("conn", conn.ID), zap.Error(err))
		}
	}
	if i.def.Hooks.OnDisconnect != nil {
		ctx.Conn = conn
		i.def.Hooks.OnDisconnect(ctx, conn)
	}
	i.touch()
}

func (i *Instance) connectionCount() int {
	i.connMu.Lock()
	defer i.connMu.Unlock()
	return len(i.connections)
}

func (i *Instance) allHibernatable() bool {
	i.connMu.Lock()
	defer i.connMu.Unlock()
	for _, c := range i.connections {
		if c.HibernatableRequestID == "" {
			return false
		}
	}
	return true
}

// broadcast fans Event{name,args} to every subscribed connection, in
// caller order (§4.D "Broadcasts and subscriptions"). Broadcasts never
// surface transport errors to user code (§7): a failed send is logged and
// delivery continues with the next subscriber; the connection is not
// removed from the set.
func (i *Instance) broadcast(name string, args any) error {
	if !i.def.ValidEvent(name) {
		return riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			"event \""+name+"\" is not declared in the event schema")
	}
	i.connMu.Lock()
	targets := make([]*Conn, 0, len(i.connections))
	for _, c := range i.connections {
		if c.subscribed(name) {
			targets = append(targets, c)
		}
	}
	i.connMu.Unlock()

	env := wire.NewEvent(name, args)
	for _, c := range targets {
		if err := c.send(env); err != nil {
			i.log.Warn("broadcast delivery failed", zap.String("conn", c.ID), zap.String("event", name), zap.Error(err))
		}
	}
	return nil
}
