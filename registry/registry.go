// Package registry is the explicit, non-global registry builder §9 calls
// for ("move to an explicit registry builder passed into serve()"): a
// generic per-actor-type Builder that produces an ordinary
// *actor.Definition, plus a Registry that collects named definitions into
// the map internal/manager and internal/host consume. State/vars/args/
// results are typed generic parameters here; the runtime underneath still
// treats them as opaque `any` (§3 "State/input/vars are opaque to the
// runtime"), so this package is the one and only place the opaque/typed
// boundary is crossed.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// TypedActionContext wraps *actor.ActionContext with typed State/Vars
// accessors so handlers never type-assert by hand.
type TypedActionContext[S any, V any] struct {
	*actor.ActionContext
}

// State returns the current state, type-asserted back to S. Panics if
// the definition's NewState/CreateState disagree with S — a programmer
// error caught the first time the handler runs, not a recoverable one.
func (c *TypedActionContext[S, V]) State() S { return c.ActionContext.State.(S) }

// SetState replaces the state and marks it dirty for the end-of-action
// flush (equivalent to ctx.State = s; ctx.MarkDirty() on the untyped context).
func (c *TypedActionContext[S, V]) SetState(s S) {
	c.ActionContext.State = s
	c.ActionContext.MarkDirty()
}

func (c *TypedActionContext[S, V]) Vars() V { return c.ActionContext.Vars.(V) }

// TypedRunContext is RunContext's counterpart for the long-running Run
// handler (§4.D, §4.F).
type TypedRunContext[S any, V any] struct {
	*TypedActionContext[S, V]
	Workflow actor.WorkflowEngine
}

// ActionFunc is one named action's typed handler (§3 "a mapping of action
// names to handlers (ctx, ...args) -> result").
type ActionFunc[S any, V any, Args any, Result any] func(ctx *TypedActionContext[S, V], args Args) (Result, error)

// HookFunc covers the zero-argument lifecycle hooks: onCreate, onStart,
// onSleep, onDestroy.
type HookFunc[S any, V any] func(ctx *TypedActionContext[S, V]) error

// Builder accumulates one actor type's static description. Methods
// return the receiver so calls chain; Build() yields the plain
// *actor.Definition internal/manager registers.
type Builder[S any, V any] struct {
	def *actor.Definition
}

// New starts a builder for an actor type named name. S is the persisted
// state type, V the non-persisted per-instance vars type (use struct{}
// for either when unused).
func New[S any, V any](name string) *Builder[S, V] {
	return &Builder[S, V]{
		def: &actor.Definition{
			Name:     name,
			NewState: func() any { return zeroState[S]() },
			Actions:  map[string]actor.ActionHandler{},
			Queues:   map[string]actor.QueueDef{},
		},
	}
}

// zeroState builds the fresh value NewState hands to json.Unmarshal on
// wake (internal/actor/persistence.go's cold-restore path). Every S used
// with this package is itself a pointer type (e.g. *counterState), so a
// plain `var zero S; return &zero` would hand back a **counterState
// instead of the *counterState that TypedActionContext.State's `S`
// type-assertion and json.Unmarshal both expect — allocate one level
// through reflection instead so the returned value's concrete type is S.
func zeroState[S any]() any {
	var zero S
	t := reflect.TypeOf(zero)
	if t != nil && t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface()
	}
	return zero
}

// CreateState overrides the zero-value seed with a function of the
// create-time input (§3 "a state constructor ... a function of input").
func (b *Builder[S, V]) CreateState(fn func(input json.RawMessage) (S, error)) *Builder[S, V] {
	b.def.CreateState = func(input json.RawMessage) (any, error) { return fn(input) }
	return b
}

// CreateVars builds the per-wake, non-persisted vars cache.
func (b *Builder[S, V]) CreateVars(fn func(ctx *actor.ActionContext) V) *Builder[S, V] {
	b.def.CreateVars = func(ctx *actor.ActionContext) any { return fn(ctx) }
	return b
}

// CreateConnState builds a connection's persisted state from its
// connect-time params (§9 open question b).
func (b *Builder[S, V]) CreateConnState(fn func(ctx *actor.ActionContext, params json.RawMessage) (any, error)) *Builder[S, V] {
	b.def.CreateConnState = fn
	return b
}

// Events declares the event name schema (§3 "an event schema"). Calling
// this at all opts the definition into Definition.ValidEvent rejecting
// any name not listed.
func (b *Builder[S, V]) Events(names ...string) *Builder[S, V] {
	b.def.EventNames = append(b.def.EventNames, names...)
	return b
}

// Queue declares a named queue (§4.D Queues). completable marks it as
// accepting queue.send(..., {wait:true}) producer/consumer handshakes.
func (b *Builder[S, V]) Queue(name string, completable bool) *Builder[S, V] {
	b.def.Queues[name] = actor.QueueDef{Name: name, Completable: completable}
	return b
}

func (b *Builder[S, V]) Options(o actor.Options) *Builder[S, V] {
	b.def.Options = o
	return b
}

// DB attaches the embedded-SQL descriptor (§4.C), running onMigrate once
// the first time the actor's database is opened.
func (b *Builder[S, V]) DB(onMigrate func(db *sql.DB) error) *Builder[S, V] {
	b.def.DB = &actor.DBDescriptor{OnMigrate: onMigrate}
	return b
}

func (b *Builder[S, V]) wrapHook(fn HookFunc[S, V]) func(ctx *actor.ActionContext) error {
	if fn == nil {
		return nil
	}
	return func(ac *actor.ActionContext) error {
		return fn(&TypedActionContext[S, V]{ActionContext: ac})
	}
}

func (b *Builder[S, V]) OnCreate(fn HookFunc[S, V]) *Builder[S, V] {
	b.def.Hooks.OnCreate = b.wrapHook(fn)
	return b
}

func (b *Builder[S, V]) OnStart(fn HookFunc[S, V]) *Builder[S, V] {
	b.def.Hooks.OnStart = b.wrapHook(fn)
	return b
}

func (b *Builder[S, V]) OnSleep(fn HookFunc[S, V]) *Builder[S, V] {
	b.def.Hooks.OnSleep = b.wrapHook(fn)
	return b
}

func (b *Builder[S, V]) OnDestroy(fn HookFunc[S, V]) *Builder[S, V] {
	b.def.Hooks.OnDestroy = b.wrapHook(fn)
	return b
}

func (b *Builder[S, V]) OnBeforeConnect(fn func(ctx *TypedActionContext[S, V], params json.RawMessage) error) *Builder[S, V] {
	b.def.Hooks.OnBeforeConnect = func(ac *actor.ActionContext, params json.RawMessage) error {
		return fn(&TypedActionContext[S, V]{ActionContext: ac}, params)
	}
	return b
}

func (b *Builder[S, V]) OnConnect(fn func(ctx *TypedActionContext[S, V], conn *actor.Conn) error) *Builder[S, V] {
	b.def.Hooks.OnConnect = func(ac *actor.ActionContext, conn *actor.Conn) error {
		return fn(&TypedActionContext[S, V]{ActionContext: ac}, conn)
	}
	return b
}

func (b *Builder[S, V]) OnDisconnect(fn func(ctx *TypedActionContext[S, V], conn *actor.Conn) error) *Builder[S, V] {
	b.def.Hooks.OnDisconnect = func(ac *actor.ActionContext, conn *actor.Conn) error {
		return fn(&TypedActionContext[S, V]{ActionContext: ac}, conn)
	}
	return b
}

func (b *Builder[S, V]) OnWebSocket(fn func(ctx *TypedActionContext[S, V], conn *actor.Conn, ws actor.UniversalWebSocket)) *Builder[S, V] {
	b.def.Hooks.OnWebSocket = func(ac *actor.ActionContext, conn *actor.Conn, ws actor.UniversalWebSocket) {
		fn(&TypedActionContext[S, V]{ActionContext: ac}, conn, ws)
	}
	return b
}

// OnRequest handles a raw (non-RPC-envelope) HTTP request against the
// actor's URL space (§4.D "the current request (for raw handlers)").
func (b *Builder[S, V]) OnRequest(fn func(ctx *TypedActionContext[S, V], w http.ResponseWriter, r *http.Request) bool) *Builder[S, V] {
	b.def.Hooks.OnRequest = func(ac *actor.ActionContext, w http.ResponseWriter, r *http.Request) bool {
		return fn(&TypedActionContext[S, V]{ActionContext: ac}, w, r)
	}
	return b
}

// Run attaches the optional long-running handler (§4.D, §4.F).
func (b *Builder[S, V]) Run(fn func(ctx *TypedRunContext[S, V]) error) *Builder[S, V] {
	b.def.Run = func(rc *actor.RunContext) error {
		return fn(&TypedRunContext[S, V]{
			TypedActionContext: &TypedActionContext[S, V]{ActionContext: rc.ActionContext},
			Workflow:           rc.Workflow,
		})
	}
	return b
}

// Build returns the plain, opaque *actor.Definition the runtime consumes.
func (b *Builder[S, V]) Build() *actor.Definition { return b.def }

// Action registers a typed action handler on b (§3 "a mapping of action
// names to handlers"). A package-level function rather than a Builder
// method since Go methods cannot introduce type parameters beyond the
// receiver's own.
func Action[S any, V any, Args any, Result any](b *Builder[S, V], name string, fn ActionFunc[S, V, Args, Result]) *Builder[S, V] {
	b.def.Actions[name] = func(ac *actor.ActionContext, raw json.RawMessage) (any, error) {
		var args Args
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
					fmt.Sprintf("decode args for action %q: %v", name, err))
			}
		}
		tc := &TypedActionContext[S, V]{ActionContext: ac}
		return fn(tc, args)
	}
	return b
}

// Registry collects named definitions (built by Builder.Build, or
// assembled by hand) into the map internal/manager and internal/host
// expect. It replaces the process-wide singleton registries §9 flags for
// removal ("Global registries: move to an explicit registry builder
// passed into serve()").
type Registry struct {
	defs map[string]*actor.Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: map[string]*actor.Definition{}}
}

// Register adds def under its own Name, overwriting any prior definition
// registered under the same name.
func (r *Registry) Register(def *actor.Definition) *Registry {
	r.defs[def.Name] = def
	return r
}

func (r *Registry) Definitions() map[string]*actor.Definition {
	return r.defs
}

// Register is sugar for Registry.Register(b.Build()), so a call site can
// write registry.Register(reg, registry.New[State, Vars]("name")...) in
// one expression.
func Register[S any, V any](r *Registry, b *Builder[S, V]) *Registry {
	return r.Register(b.Build())
}
