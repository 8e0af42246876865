package actor

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/kv"
)

// SetWorkflowFactory wires internal/workflow's engine constructor into this
// instance. internal/actor cannot import internal/workflow directly
// (internal/workflow imports internal/actor for KV/persistence access), so
// whichever package constructs both — internal/manager — calls this once
// right after NewInstance, before Create/Wake starts the run handler.
func (i *Instance) SetWorkflowFactory(f func(*Instance) WorkflowEngine) { i.wfFactory = f }

// WorkflowStore is the instance's namespaced KV substrate reserved for
// workflow history (§6 "wf/entries/<ix>", "wf/meta/<key>"), parallel to
// the "user/" prefix userKV uses for handler-visible KV.
func (i *Instance) WorkflowStore() kv.Store { return &prefixedStore{inner: i.rawKV, prefix: "wf/"} }

// KeepAwake is the exported form of keepAwake for internal/workflow: a
// step/listen/loop/join/race primitive in flight must block hibernation
// the same way an in-flight action does (§4.D sleep precondition). Sleep
// itself does not call this — a long sleep is exactly the point at which
// the actor is allowed to hibernate and resume later via the driver alarm.
func (i *Instance) KeepAwake() (done func()) { return i.keepAwake() }

// Logger returns the instance's per-actor structured logger.
func (i *Instance) Logger() *zap.Logger { return i.log }

// WorkflowClock returns the instance's clock (real or injected test clock).
func (i *Instance) WorkflowClock() Clock { return i.clock }

// ScheduleWake mirrors a workflow long-sleep deadline into the driver's
// durable per-actor alarm (§4.F "Sleep/timer scheduling"), sharing the
// same alarm slot scheduling.go uses for scheduled actions: whichever
// deadline is nearer wins the slot, since both paths re-arm it through
// rearmTimer-equivalent logic scoped to one alarm per actor-id (§4.G).
func (i *Instance) ScheduleWake(atUnixMS int64) {
	i.drv.Alarm.ScheduleAlarm(context.Background(), i.actorID, time.UnixMilli(atUnixMS))
}

// WaitForEvent is the exported form of waitForEvent for internal/workflow's
// ctx.listen primitive (§4.F).
func (i *Instance) WaitForEvent(ctx context.Context, eventName string) (json.RawMessage, error) {
	return i.waitForEvent(ctx, eventName)
}

// QueueNext is the exported form of queueNext for internal/workflow's
// ctx.queue.next primitive (§4.F).
func (i *Instance) QueueNext(ctx context.Context, names []string, timeout time.Duration) (*QueueMessage, bool, error) {
	return i.queueNext(ctx, names, timeout)
}
