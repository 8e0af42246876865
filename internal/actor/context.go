package actor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/sqlstore"
)

// Caller is the minimal cross-actor call surface an ActionContext's
// client() factory needs; internal/manager implements it and is injected
// into every Instance so actor code never imports internal/manager
// directly (avoiding the manager<->actor import cycle per §9 "cyclic
// references: break with arena-and-id").
type Caller interface {
	CallAction(ctx context.Context, name string, key []string, action string, args any) (json.RawMessage, error)
}

// ScheduleHandle is the `schedule.after/at` context capability (§4.D
// Scheduling).
type ScheduleHandle struct {
	inst *Instance
}

func (s ScheduleHandle) After(delay time.Duration, actionName string, args any) (string, error) {
	return s.inst.scheduleEvent(s.inst.clock.Now().Add(delay), actionName, args)
}

func (s ScheduleHandle) At(at time.Time, actionName string, args any) (string, error) {
	return s.inst.scheduleEvent(at, actionName, args)
}

// QueueHandle is the `queue.send/next/iter` context capability (§4.D
// Queues).
type QueueHandle struct {
	inst *Instance
}

func (q QueueHandle) Send(ctx context.Context, name string, body any, wait bool, timeout time.Duration) (QueueSendResult, error) {
	return q.inst.queueSend(ctx, name, body, wait, timeout)
}

func (q QueueHandle) Next(ctx context.Context, names []string, timeout time.Duration) (*QueueMessage, bool, error) {
	return q.inst.queueNext(ctx, names, timeout)
}

// ActionContext is the object passed to every ActionHandler and lifecycle
// hook (§4.D "Action dispatch"). State is a pointer obtained from the
// instance's in-memory value; handlers mutate it directly and call
// SaveState (or rely on the runtime's implicit end-of-action persist).
type ActionContext struct {
	inst *Instance

	State any
	Vars  any
	Conn  *Conn // nil when not invoked over a connection (HTTP, timer, queue consumer)

	Key     []string
	ActorID string
	Log     *zap.Logger
	Request *RawRequest // non-nil when dispatch originated from a non-WS HTTP call

	ctx context.Context

	Schedule ScheduleHandle
	Queue    QueueHandle

	dirty bool
}

// RawRequest surfaces the handful of inbound-HTTP-request fields action
// handlers need (§4.D "the current request (for raw handlers)") without
// requiring every call site to depend on net/http directly.
type RawRequest struct {
	Method  string
	Path    string
	Headers map[string][]string
}

// Context returns the dispatch context; handlers observe its
// cancellation (which fires on sleep/destroy/host shutdown, §5
// "abortSignal") cooperatively.
func (c *ActionContext) Context() context.Context { return c.ctx }

// Broadcast fans Event{name,args} out to every connection subscribed to
// name (§4.D "Broadcasts and subscriptions"). Order is preserved per
// caller since broadcast runs on the instance's single executor.
func (c *ActionContext) Broadcast(name string, args any) error {
	return c.inst.broadcast(name, args)
}

// Client returns a cross-actor call factory bound to the given actor
// name/key, routed back through the manager (§4.D `client<R>()`).
func (c *ActionContext) Client(name string, key []string) CrossActorHandle {
	return CrossActorHandle{caller: c.inst.caller, ctx: c.ctx, name: name, key: key}
}

// KV is the actor's namespaced KV substrate (§4.C). User keys are
// automatically prefixed with "user/" so they never collide with the
// runtime's own bookkeeping keys (actor/persist, conn/*, wf/*).
func (c *ActionContext) KV() kv.Store { return c.inst.userKV }

// DB opens (lazily, once) the actor's embedded SQL database (§4.C).
func (c *ActionContext) DB() (*sqlstore.DB, error) { return c.inst.openDB() }

// SaveState persists the current state immediately instead of waiting for
// the implicit end-of-action flush (§4.D `saveState({immediate})`).
func (c *ActionContext) SaveState(ctx context.Context) error {
	c.dirty = true
	return c.inst.persistNow(ctx)
}

// Destroy tears the actor down: runs onDestroy, deletes persisted state,
// releases the placement lease (§3 Lifecycle "Destroyed").
func (c *ActionContext) Destroy(ctx context.Context) error {
	return c.inst.destroy(ctx)
}

// KeepAwake registers a pending operation that must complete before the
// instance is allowed to sleep (§4.D sleep precondition "no in-flight run
// handler"). done must be called exactly once.
func (c *ActionContext) KeepAwake() (done func()) {
	return c.inst.keepAwake()
}

// MarkDirty flags state as mutated so the end-of-action flush persists it
// even if SaveState was never called explicitly.
func (c *ActionContext) MarkDirty() { c.dirty = true }

// EmitEvent wakes any workflow primitive parked in ctx.listen(name,
// eventName) on this same actor (§4.F). Typically called from an action
// handler reacting to external input the run handler is waiting on.
func (c *ActionContext) EmitEvent(eventName string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.inst.EmitEvent(eventName, encoded)
	return nil
}

// RunContext is passed to a Definition's long-running Run handler (§4.D,
// §4.F). It embeds ActionContext's capabilities plus the workflow
// primitives, which live in internal/workflow and are attached by
// internal/manager at run-start time via Workflow.
type RunContext struct {
	*ActionContext
	Workflow WorkflowEngine
}

// WorkflowEngine is the subset of internal/workflow's Engine that
// internal/actor needs to expose on RunContext, kept as an interface here
// to avoid actor->workflow->actor import cycles (internal/workflow
// depends on internal/actor's KV/persistence primitives, not the reverse).
// The method set mirrors §4.F's primitive list in full (step/sleep/
// sleepUntil/listen/queue.next/loop/join/race/rollbackCheckpoint); the
// concrete error types raised (JoinError, RaceError, CancelledError,
// HistoryDivergedError, RollbackCheckpointError, StepExhaustedError) live
// in internal/workflow since only that package constructs them — callers
// type-assert with errors.As against the concrete type they expect.
type WorkflowEngine interface {
	Step(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error)
	StepWithOptions(ctx context.Context, opts StepOptions) (any, error)
	Sleep(ctx context.Context, name string, d time.Duration) error
	SleepUntil(ctx context.Context, name string, at time.Time) error
	Listen(ctx context.Context, name string, eventName string) (json.RawMessage, error)
	QueueNext(ctx context.Context, name string, names []string) (*QueueMessage, error)
	Loop(ctx context.Context, name string, maxIterations int, run func(ctx context.Context, iteration int) (LoopResult, error)) (any, error)
	Join(ctx context.Context, name string, branches []JoinBranch) (map[string]any, error)
	Race(ctx context.Context, name string, branches []JoinBranch) (string, any, error)
	RollbackCheckpoint(ctx context.Context, name string) error
}

// StepOptions is the long form of ctx.step({name, run, rollback?,
// maxAttempts?}) (§4.F).
type StepOptions struct {
	Name        string
	Run         func(ctx context.Context) (any, error)
	Rollback    func(ctx context.Context, output any) error
	MaxAttempts int
}

// LoopResult is what a ctx.loop run function returns: Loop.continue(value)
// (Break==false) or Loop.break(value) (Break==true).
type LoopResult struct {
	Break bool
	Value any
}

// JoinBranch is one named concurrent branch passed to ctx.join/ctx.race.
type JoinBranch struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}
