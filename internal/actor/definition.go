// Package actor hosts the live runtime for exactly one actor instance:
// state, vars, connections, subscriptions, scheduled events, queues, and
// the optional run handler (§4.D). A Definition is the static,
// registry-time description; an Instance is the live runtime built from
// one by internal/manager.
package actor

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rivetkit-go/rivetkit/internal/driver"
)

// ActionHandler implements one named action. args is the raw request
// payload in whatever the connection's negotiated encoding decoded it to
// (json.RawMessage for json/native Go values for cbor/bare — the caller
// in internal/wire normalizes to json.RawMessage before dispatch so every
// handler sees the same shape regardless of transport encoding).
type ActionHandler func(ctx *ActionContext, args json.RawMessage) (any, error)

// RunHandler is the optional long-running workflow/daemon handler
// (§4.D, §4.F). It returns when the run completes or is cancelled via
// ctx.Context().Done().
type RunHandler func(ctx *RunContext) error

// Hooks are the lifecycle callbacks fired around an instance's life
// (§4.D "Lifecycle hook ordering").
type Hooks struct {
	OnCreate        func(ctx *ActionContext) error
	OnStart         func(ctx *ActionContext) error // onWake on every cold start, including the first
	OnBeforeConnect func(ctx *ActionContext, params json.RawMessage) error
	OnConnect       func(ctx *ActionContext, conn *Conn) error
	OnDisconnect    func(ctx *ActionContext, conn *Conn) error
	OnSleep         func(ctx *ActionContext) error
	OnDestroy       func(ctx *ActionContext) error
	OnWebSocket     func(ctx *ActionContext, conn *Conn, ws UniversalWebSocket)
	// OnRequest handles a raw (non-RPC-envelope) HTTP request against the
	// actor's URL space. Returning handled=false lets the caller fall back
	// to the standard 404.
	OnRequest func(ctx *ActionContext, w http.ResponseWriter, r *http.Request) (handled bool)
}

// QueueDef declares one named queue: Completable marks it as accepting
// queue.send(..., {wait:true}) producer/consumer handshakes (§4.D Queues).
type QueueDef struct {
	Name        string
	Completable bool
}

// Options are per-definition tunables. internal/rivetconfig's defaults.yaml
// values are not applied to them: a zero MailboxCapacity falls back to
// 256, a zero SleepTimeout disables hibernation, and a zero ActionTimeout
// means no per-action timeout.
type Options struct {
	SleepTimeout    time.Duration
	RunStopTimeout  time.Duration
	MailboxCapacity int
	ActionTimeout   time.Duration
}

// DBDescriptor wires an actor definition to the embedded-SQL substrate
// (§4.C): OnMigrate runs once per process against the actor's database,
// the first time it is opened.
type DBDescriptor struct {
	OnMigrate func(db *sql.DB) error
}

// Definition is the static, registry-time description of an actor type
// (§3 "Actor definition"). State/vars/input are opaque any values; the
// runtime never inspects them beyond marshaling for persistence — typed
// access happens at the handler boundary via the registry package's
// generic wrappers.
type Definition struct {
	Name string

	// NewState returns a fresh zero-value pointer (e.g. &CounterState{})
	// ready to be passed to json.Unmarshal when loading a persisted
	// record, and used as the seed state if CreateState is nil.
	NewState func() any

	// CreateState builds the initial state from the create-time input, run
	// once per actor lifetime (§3 Lifecycle). If nil, NewState's zero value
	// is the initial state.
	CreateState func(input json.RawMessage) (any, error)

	// CreateVars rebuilds the non-persisted vars cache on every cold start
	// (§3 "vars — opaque non-persisted value, rebuilt on wake").
	CreateVars func(ctx *ActionContext) any

	// CreateConnState builds a connection's persisted state from its
	// connect-time params (§9 open question b). Nil means connections have
	// no persisted state.
	CreateConnState func(ctx *ActionContext, params json.RawMessage) (any, error)

	Actions    map[string]ActionHandler
	EventNames []string
	Queues     map[string]QueueDef
	Hooks      Hooks
	Run        RunHandler
	Options    Options
	DB         *DBDescriptor
}

// ValidEvent reports whether name was declared in the event schema. An
// empty EventNames list means the definition did not opt into schema
// validation and any name is accepted.
func (d *Definition) ValidEvent(name string) bool {
	if len(d.EventNames) == 0 {
		return true
	}
	for _, n := range d.EventNames {
		if n == name {
			return true
		}
	}
	return false
}

// Driver bundles the backend substrates an Instance needs; internal/manager
// constructs one Driver and shares it across every instance it hosts.
type Driver = driver.Driver

// Clock abstracts time for deterministic tests (scheduling, sleep).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// contextKey avoids collisions on the standard context.Context used to
// carry the instance's abort signal into handler code.
type contextKey int

const abortSignalKey contextKey = 0

func withAbortSignal(parent context.Context, sig context.Context) context.Context {
	return context.WithValue(parent, abortSignalKey, sig)
}
