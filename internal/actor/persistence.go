package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/persist"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

const (
	keyActorPersist = "actor/persist"
	leaseTTL        = 30 * time.Second
	leaseRenewEvery = 10 * time.Second
)

// Create runs an actor's create-time sequence (§3 Lifecycle): build
// initial state from input, run onCreate, then onStart, and write the
// first persisted record before acknowledging. Call exactly once, before
// Wake, for a brand-new actor-id.
func (i *Instance) Create(ctx context.Context, hostID string, input json.RawMessage) error {
	lease, err := i.drv.Placement.AcquireLease(ctx, i.actorID, hostID, leaseTTL)
	if err != nil {
		return err
	}
	i.lease = lease
	i.input = input

	if i.def.CreateState != nil {
		state, err := i.def.CreateState(input)
		if err != nil {
			i.drv.Placement.ReleaseLease(ctx, lease)
			return err
		}
		i.state = state
	} else if i.def.NewState != nil {
		i.state = i.def.NewState()
	}

	i.createdAtMS = i.clock.Now().UnixMilli()
	i.lastActivity = i.createdAtMS2Time()

	i.startExecutor()

	ac := i.newActionContext(withAbortSignal(ctx, i.abortCtx), nil, nil)
	ac.Vars = i.ensureVars(ac)
	if i.def.Hooks.OnCreate != nil {
		if err := i.def.Hooks.OnCreate(ac); err != nil {
			i.stopExecutor()
			i.drv.Placement.ReleaseLease(ctx, lease)
			return err
		}
	}
	if i.def.Hooks.OnStart != nil {
		if err := i.def.Hooks.OnStart(ac); err != nil {
			i.stopExecutor()
			i.drv.Placement.ReleaseLease(ctx, lease)
			return err
		}
	}
	i.state = ac.State

	if err := i.persistNow(ctx); err != nil {
		i.stopExecutor()
		i.drv.Placement.ReleaseLease(ctx, lease)
		return err
	}

	i.setStatus(StatusRunning)
	i.armLeaseRenewal()
	i.startRunHandler()
	return nil
}

func (i *Instance) createdAtMS2Time() time.Time { return time.UnixMilli(i.createdAtMS) }

// ensureVars rebuilds the non-persisted vars cache (§3 "vars ... rebuilt
// on wake"), a no-op if the definition declares none.
func (i *Instance) ensureVars(ac *ActionContext) any {
	if i.def.CreateVars == nil {
		return nil
	}
	v := i.def.CreateVars(ac)
	i.vars = v
	return v
}

func (i *Instance) startExecutor() {
	i.done = make(chan struct{})
	i.abortCtx, i.abortCancel = context.WithCancel(context.Background())
	go i.run()
}

func (i *Instance) stopExecutor() {
	close(i.done)
	if i.abortCancel != nil {
		i.abortCancel()
	}
}

// Wake loads a previously-persisted actor from its driver record and
// starts serving (§3 Lifecycle "Asleep -> Waking -> Running", §9 open
// question a: onWake fires before any restored timer can fire, since the
// run loop and scheduling timers are not armed until after onStart
// returns).
func (i *Instance) Wake(ctx context.Context, hostID string) error {
	i.setStatus(StatusWaking)

	lease, err := i.drv.Placement.AcquireLease(ctx, i.actorID, hostID, leaseTTL)
	if err != nil {
		i.setStatus(StatusAsleep)
		return err
	}
	i.lease = lease

	raw, ok, err := i.rawKV.Get(ctx, []byte(keyActorPersist))
	if err != nil {
		i.drv.Placement.ReleaseLease(ctx, lease)
		i.setStatus(StatusAsleep)
		return err
	}
	if !ok {
		i.drv.Placement.ReleaseLease(ctx, lease)
		i.setStatus(StatusAsleep)
		return riveterrors.NotFound("actor " + i.actorID)
	}
	rec, err := persist.DecodeActor(raw)
	if err != nil {
		i.drv.Placement.ReleaseLease(ctx, lease)
		i.setStatus(StatusAsleep)
		return err
	}

	i.key = rec.Key
	i.input = rec.Input
	i.createdAtMS = rec.CreatedAtMS
	i.lastActivity = time.UnixMilli(rec.LastActivityMS)
	i.scheduled = rec.ScheduledEvents

	if i.def.NewState != nil {
		state := i.def.NewState()
		if len(rec.State) > 0 {
			if err := json.Unmarshal(rec.State, state); err != nil {
				i.drv.Placement.ReleaseLease(ctx, lease)
				i.setStatus(StatusAsleep)
				return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
			}
		}
		i.state = state
	}

	if err := i.loadConnections(ctx); err != nil {
		i.log.Warn("failed to restore connections", zap.Error(err))
	}

	i.startExecutor()

	ac := i.newActionContext(withAbortSignal(ctx, i.abortCtx), nil, nil)
	ac.Vars = i.ensureVars(ac)
	if i.def.Hooks.OnStart != nil {
		if err := i.def.Hooks.OnStart(ac); err != nil {
			i.stopExecutor()
			i.drv.Placement.ReleaseLease(ctx, lease)
			i.setStatus(StatusAsleep)
			return err
		}
	}
	i.state = ac.State

	i.setStatus(StatusRunning)
	i.touch()
	i.armLeaseRenewal()
	i.rearmTimer()
	i.startRunHandler()
	return nil
}

func (i *Instance) loadConnections(ctx context.Context) error {
	entries, err := i.rawKV.List(ctx, connListOptions())
	if err != nil {
		return err
	}
	for _, e := range entries {
		rec, err := persist.DecodeConn(e.Value)
		if err != nil {
			continue
		}
		conn := &Conn{
			ID:                    rec.ConnectionID,
			Params:                rec.Params,
			HibernatableRequestID: rec.HibernatableRequestID,
			subscriptions:         make(map[string]bool),
		}
		for _, s := range rec.Subscriptions {
			conn.subscriptions[s] = true
		}
		if i.def.NewState != nil && len(rec.ConnState) > 0 {
			// Connection state has no typed constructor to rebuild into, so
			// it round-trips as a raw JSON-decoded map until re-attached by
			// a fresh Connect call (§9 open question b).
			var v any
			if err := json.Unmarshal(rec.ConnState, &v); err == nil {
				conn.State = v
			}
		}
		i.connections[conn.ID] = conn
	}
	return nil
}

func (i *Instance) startRunHandler() {
	if i.def.Run == nil {
		return
	}
	runCtx, cancel := context.WithCancel(i.abortCtx)
	i.runCancel = cancel
	i.runDone = make(chan struct{})
	go i.runLoop(runCtx)
}

// runLoop drives the run handler to completion, restarting it on error or
// panic at i.runRestartLim's bounded rate so a crash loop in a caller's
// handler cannot burn CPU (§4.F run handlers replay their history from the
// top on every (re)entry, so a restart is safe to retry indefinitely).
// It stops restarting once runCtx is cancelled (sleep/destroy).
func (i *Instance) runLoop(runCtx context.Context) {
	defer close(i.runDone)
	for {
		err := i.runOnce(runCtx)
		if err == nil {
			return // clean completion, nothing to restart
		}
		i.log.Warn("run handler exited with error", zap.Error(err))
		select {
		case <-runCtx.Done():
			return
		default:
		}
		if err := i.runRestartLim.Wait(runCtx); err != nil {
			return // runCtx cancelled while waiting to restart
		}
	}
}

func (i *Instance) runOnce(runCtx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run handler panicked: %v", r)
		}
	}()
	ac := i.newActionContext(runCtx, nil, nil)
	rc := &RunContext{ActionContext: ac}
	if i.wfFactory != nil {
		rc.Workflow = i.wfFactory(i)
	}
	return i.def.Run(rc)
}

func (i *Instance) armLeaseRenewal() {
	i.leaseTimer = time.AfterFunc(leaseRenewEvery, i.renewLease)
}

func (i *Instance) renewLease() {
	if i.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.drv.Placement.RenewLease(ctx, i.lease, leaseTTL); err != nil {
		i.log.Warn("lease renewal failed", zap.Error(err))
	}
	if i.Status() != StatusDestroyed && i.Status() != StatusAsleep {
		i.leaseTimer = time.AfterFunc(leaseRenewEvery, i.renewLease)
	}
}

// sleepPreconditions reports whether the actor currently satisfies the
// §4.D sleep preconditions it checks: idle past SleepTimeout, no
// connections unless all are hibernatable, and no in-flight keepAwake.
// Pending scheduled events are not checked; an actor whose next timer is
// about to fire can still be reported ready to sleep.
func (i *Instance) sleepPreconditions() bool {
	timeout := i.def.Options.SleepTimeout
	if timeout <= 0 {
		return false // SleepTimeout==0 means never hibernate (§4.D)
	}
	if i.clock.Now().Sub(i.lastActivity) < timeout {
		return false
	}
	if i.connectionCount() > 0 && !i.allHibernatable() {
		return false
	}
	if i.keepAwakeN.Load() > 0 {
		return false
	}
	return true
}

// ReadyToSleep is the exported form of sleepPreconditions, polled by
// internal/manager's sleep sweeper (§4.D "Hibernation / wake").
func (i *Instance) ReadyToSleep() bool { return i.sleepPreconditions() }

// ActorID returns the instance's content-addressed id.
func (i *Instance) ActorID() string { return i.actorID }

// Destroy is the exported entry point for internal/manager's `destroy`
// operation (§4.E); the unexported destroy is also reachable from
// ActionContext.Destroy for in-handler self-destruction.
func (i *Instance) Destroy(ctx context.Context) error { return i.destroy(ctx) }

// Sleep runs the hibernation sequence (§3 Lifecycle "Running -> Sleeping
// -> Asleep", §4.D "Hibernation / wake"): onSleep, flush, drop in-memory
// state, release the host lock, stop the executor.
func (i *Instance) Sleep(ctx context.Context) error {
	i.setStatus(StatusSleeping)

	ac := i.newActionContext(ctx, nil, nil)
	if i.def.Hooks.OnSleep != nil {
		if err := i.def.Hooks.OnSleep(ac); err != nil {
			i.setStatus(StatusRunning)
			return err
		}
	}
	i.state = ac.State

	if i.runCancel != nil {
		i.runCancel()
		<-i.runDone
	}

	if err := i.persistNow(ctx); err != nil {
		i.setStatus(StatusRunning)
		return err
	}

	if i.leaseTimer != nil {
		i.leaseTimer.Stop()
	}
	if i.lease != nil {
		i.drv.Placement.ReleaseLease(ctx, i.lease)
		i.lease = nil
	}
	if i.timer != nil {
		i.timer.Stop()
	}

	i.stopExecutor()
	i.state = nil
	i.vars = nil
	i.setStatus(StatusAsleep)
	return nil
}

// destroy runs onDestroy, deletes the persisted record, and releases the
// placement lease (§3 Lifecycle "Destroyed" is terminal: the actor-id
// never wakes again).
func (i *Instance) destroy(ctx context.Context) error {
	ac := i.newActionContext(ctx, nil, nil)
	if i.def.Hooks.OnDestroy != nil {
		if err := i.def.Hooks.OnDestroy(ac); err != nil {
			i.log.Warn("onDestroy hook failed", zap.Error(err))
		}
	}

	if i.runCancel != nil {
		i.runCancel()
	}

	if err := i.clearAllKeys(ctx); err != nil {
		i.log.Warn("failed to clear persisted state on destroy", zap.Error(err))
	}

	if i.leaseTimer != nil {
		i.leaseTimer.Stop()
	}
	if i.timer != nil {
		i.timer.Stop()
	}
	if i.lease != nil {
		i.drv.Placement.ReleaseLease(ctx, i.lease)
		i.lease = nil
	}

	i.setStatus(StatusDestroyed)
	i.stopExecutor()
	return nil
}

// clearAllKeys removes every key belonging to this actor's store (both
// runtime bookkeeping and user keys share one underlying kv.Store, so
// destroy must enumerate rather than rely on a single prefix delete).
func (i *Instance) clearAllKeys(ctx context.Context) error {
	entries, err := i.rawKV.List(ctx, kv.ListOptions{})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	ops := make([]kv.BatchOp, len(entries))
	for idx, e := range entries {
		ops[idx] = kv.BatchOp{Kind: kv.OpDelete, Key: e.Key}
	}
	return i.rawKV.Batch(ctx, ops)
}

// persistNow encodes the current state into an ActorRecord and writes it
// to the "actor/persist" key (§6). Safe to call from within a dispatched
// action (already on the executor) or from scheduling/lifecycle code.
func (i *Instance) persistNow(ctx context.Context) error {
	stateBytes, err := json.Marshal(i.state)
	if err != nil {
		return riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	rec := &persist.ActorRecord{
		Name:            i.def.Name,
		Key:             i.key,
		Input:           i.input,
		State:           stateBytes,
		ScheduledEvents: i.scheduled,
		LastActivityMS:  i.lastActivity.UnixMilli(),
		CreatedAtMS:     i.createdAtMS,
	}
	encoded, err := persist.EncodeActor(rec)
	if err != nil {
		return err
	}
	return i.rawKV.Put(ctx, []byte(keyActorPersist), encoded)
}

// flushIfDirty persists state only when the dispatched action flagged a
// mutation, avoiding a write on every read-only action (§4.D "implicit
// end-of-action persist" is conditional on dirty tracking, not unconditional).
func (i *Instance) flushIfDirty(ctx context.Context, ac *ActionContext) {
	i.state = ac.State
	if !ac.dirty {
		return
	}
	if err := i.persistNow(ctx); err != nil {
		i.log.Warn("post-action persist failed", zap.Error(err))
	}
}
