// Package workflow implements the §4.F workflow engine: deterministic
// replay of awaited primitives (step/sleep/listen/loop/join/race/
// rollbackCheckpoint) recorded in an append-only, per-actor history log.
// An Engine is created per run-handler invocation by internal/actor
// (wired via Instance.SetWorkflowFactory, since internal/actor cannot
// import this package without a cycle) and implements
// actor.WorkflowEngine.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/persist"
)

// forever approximates an unbounded wait for ctx.queue.next inside a
// workflow: queueNext's timeout==0 means "poll once, don't block" (used
// by ordinary actions), but a workflow primitive must park until either a
// message arrives or ctx is cancelled (§4.F "yields until a matching
// external input arrives").
const forever = 100 * 365 * 24 * time.Hour

const metaKey = "meta/main"

type rollbackFn func(ctx context.Context, output any) error

// Engine is the per-run-handler workflow state: the replayed history plus
// whatever is still in flight this process lifetime (rollback callbacks,
// which are closures and cannot be persisted).
type Engine struct {
	inst  *actor.Instance
	store kv.Store
	log   *zap.Logger
	clock actor.Clock

	mu              sync.Mutex
	entries         []*persist.WorkflowEntryRecord
	meta            *persist.WorkflowMetaRecord
	checkpointIndex int
	rollbacks       map[int]rollbackFn
}

// NewEngine loads any existing history for inst and returns an Engine
// ready to serve its run handler. Matches the actor.WorkflowEngine
// interface's constructor shape expected by Instance.SetWorkflowFactory.
func NewEngine(inst *actor.Instance) actor.WorkflowEngine {
	e := &Engine{
		inst:            inst,
		store:           inst.WorkflowStore(),
		log:             inst.Logger().Named("workflow"),
		clock:           inst.WorkflowClock(),
		checkpointIndex: -1,
		rollbacks:       make(map[int]rollbackFn),
	}
	ctx := context.Background()
	e.loadHistory(ctx)
	e.loadMeta(ctx)
	return e
}

func (e *Engine) loadHistory(ctx context.Context) {
	entries, err := e.store.List(ctx, kv.ListOptions{Prefix: []byte("entries/")})
	if err != nil {
		e.log.Warn("failed to load workflow history", zap.Error(err))
		return
	}
	for _, en := range entries {
		rec, derr := persist.DecodeWorkflowEntry(en.Value)
		if derr != nil {
			e.log.Warn("failed to decode workflow history entry", zap.Error(derr))
			continue
		}
		e.entries = append(e.entries, rec)
		if rec.Kind == "rollbackCheckpoint" && rec.Status == "completed" && rec.Index > e.checkpointIndex {
			e.checkpointIndex = rec.Index
		}
	}
}

func (e *Engine) loadMeta(ctx context.Context) {
	raw, ok, err := e.store.Get(ctx, []byte(metaKey))
	if err != nil {
		e.log.Warn("failed to load workflow metadata", zap.Error(err))
	}
	if ok {
		rec, derr := persist.DecodeWorkflowMeta(raw)
		if derr == nil {
			e.meta = rec
			return
		}
		e.log.Warn("failed to decode workflow metadata", zap.Error(derr))
	}
	e.meta = &persist.WorkflowMetaRecord{State: "running", NextIndex: len(e.entries)}
}

func entryKey(idx int) string { return fmt.Sprintf("entries/%08d", idx) }

func fingerprint(kind, name string) string {
	h := fnv.New64a()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return fmt.Sprintf("%x", h.Sum64())
}

// resolveEntry is the shared replay/record step every primitive starts
// with (§4.F "Replay contract"): if the index is already in history, its
// name+kind must match (else HistoryDivergedError); otherwise a fresh
// "running" entry is appended.
func (e *Engine) resolveEntry(name, kind string) (idx int, ent *persist.WorkflowEntryRecord, fresh bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx = e.meta.NextIndex
	if idx < len(e.entries) {
		existing := e.entries[idx]
		if existing.Name != name || existing.Kind != kind {
			return 0, nil, false, &HistoryDivergedError{Index: idx, Expected: existing.Kind + ":" + existing.Name, Got: kind + ":" + name}
		}
		return idx, existing, false, nil
	}

	ent = &persist.WorkflowEntryRecord{
		Index:            idx,
		Name:             name,
		Kind:             kind,
		Status:           "running",
		InputFingerprint: fingerprint(kind, name),
	}
	e.entries = append(e.entries, ent)
	return idx, ent, true, nil
}

func (e *Engine) persistEntry(ctx context.Context, ent *persist.WorkflowEntryRecord) {
	encoded, err := persist.EncodeWorkflowEntry(ent)
	if err != nil {
		e.log.Warn("failed to encode workflow entry", zap.Error(err))
		return
	}
	if err := e.store.Put(ctx, []byte(entryKey(ent.Index)), encoded); err != nil {
		e.log.Warn("failed to persist workflow entry", zap.Error(err))
	}
}

func (e *Engine) persistMeta(ctx context.Context) {
	e.mu.Lock()
	meta := *e.meta
	e.mu.Unlock()
	encoded, err := persist.EncodeWorkflowMeta(&meta)
	if err != nil {
		e.log.Warn("failed to encode workflow metadata", zap.Error(err))
		return
	}
	if err := e.store.Put(ctx, []byte(metaKey), encoded); err != nil {
		e.log.Warn("failed to persist workflow metadata", zap.Error(err))
	}
}

// advance moves the replay cursor past idx once its entry has completed.
func (e *Engine) advance(ctx context.Context, idx int) {
	e.mu.Lock()
	if idx+1 > e.meta.NextIndex {
		e.meta.NextIndex = idx + 1
	}
	e.mu.Unlock()
	e.persistMeta(ctx)
}

// failWorkflow implements §4.F "Rollback semantics": an unhandled error
// after a checkpoint walks completed step entries in reverse, invoking
// registered rollback callbacks, until the checkpoint is reached.
func (e *Engine) failWorkflow(ctx context.Context, failureIdx int, cause error) error {
	e.mu.Lock()
	ckpt := e.checkpointIndex
	e.mu.Unlock()

	if ckpt < 0 {
		return &RollbackCheckpointError{Name: fmt.Sprintf("entry %d", failureIdx)}
	}

	e.mu.Lock()
	e.meta.State = "rolling_back"
	e.mu.Unlock()
	e.persistMeta(ctx)

	for idx := failureIdx; idx > ckpt; idx-- {
		e.mu.Lock()
		if idx >= len(e.entries) {
			e.mu.Unlock()
			continue
		}
		ent := e.entries[idx]
		rb, hasRB := e.rollbacks[idx]
		e.mu.Unlock()

		if ent.Kind != "step" || ent.Status != "completed" || !hasRB {
			continue
		}
		var output any
		if len(ent.Output) > 0 {
			_ = json.Unmarshal(ent.Output, &output)
		}
		if rerr := rb(ctx, output); rerr != nil {
			e.log.Warn("rollback callback failed", zap.String("entry", ent.Name), zap.Error(rerr))
		}
		ent.Status = "rolled_back"
		e.persistEntry(ctx, ent)
	}

	e.mu.Lock()
	e.meta.State = "failed"
	e.meta.Error = cause.Error()
	e.mu.Unlock()
	e.persistMeta(ctx)
	return cause
}

// Step implements ctx.step(name, fn) (§4.F).
func (e *Engine) Step(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	return e.StepWithOptions(ctx, actor.StepOptions{Name: name, Run: fn})
}

// StepWithOptions implements ctx.step({name, run, rollback?, maxAttempts?}).
func (e *Engine) StepWithOptions(ctx context.Context, opts actor.StepOptions) (any, error) {
	done := e.inst.KeepAwake()
	defer done()

	idx, ent, fresh, err := e.resolveEntry(opts.Name, "step")
	if err != nil {
		return nil, err
	}
	// Rollback callbacks are closures and cannot be persisted; every call
	// to Step re-registers the one it was given, for both fresh and
	// already-completed entries, so rollback still has a callback to
	// invoke for a step that replay skips re-running (§4.F "rollback ...
	// invoked with its persisted output").
	if opts.Rollback != nil {
		e.mu.Lock()
		e.rollbacks[idx] = opts.Rollback
		e.mu.Unlock()
	}

	if !fresh {
		switch ent.Status {
		case "completed":
			var out any
			if len(ent.Output) > 0 {
				_ = json.Unmarshal(ent.Output, &out)
			}
			return out, nil
		case "rolled_back":
			return nil, &HistoryDivergedError{Index: idx, Expected: "not rolled back", Got: "rolled_back"}
		}
	}

	if ctx.Err() != nil {
		return nil, &CancelledError{Branch: opts.Name}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := ent.Attempt; attempt < maxAttempts; attempt++ {
		ent.Attempt = attempt + 1
		e.persistEntry(ctx, ent)

		out, rerr := opts.Run(ctx)
		if rerr == nil {
			outBytes, merr := json.Marshal(out)
			if merr != nil {
				return nil, merr
			}
			ent.Output = outBytes
			ent.Status = "completed"
			e.persistEntry(ctx, ent)
			e.advance(ctx, idx)
			return out, nil
		}

		lastErr = rerr
		ent.LastError = rerr.Error()
		e.persistEntry(ctx, ent)

		if attempt+1 < maxAttempts {
			backoff := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}

	ent.Status = "failed"
	e.persistEntry(ctx, ent)
	return nil, e.failWorkflow(ctx, idx, &StepExhaustedError{Name: opts.Name, Attempts: maxAttempts, LastErr: lastErr})
}

// Sleep implements ctx.sleep(name, ms) (§4.F).
func (e *Engine) Sleep(ctx context.Context, name string, d time.Duration) error {
	return e.sleepUntil(ctx, name, e.clock.Now().Add(d))
}

// SleepUntil implements ctx.sleepUntil(name, epochMs) (§4.F).
func (e *Engine) SleepUntil(ctx context.Context, name string, at time.Time) error {
	return e.sleepUntil(ctx, name, at)
}

// sleepUntil persists the absolute deadline on first execution and, on
// replay, resumes from that persisted deadline rather than recomputing
// "now + d" — otherwise a resumed actor would always sleep the full
// duration again instead of waking at the originally scheduled time
// (§4.F "replay resumes past completed sleeps").
func (e *Engine) sleepUntil(ctx context.Context, name string, at time.Time) error {
	idx, ent, fresh, err := e.resolveEntry(name, "sleep")
	if err != nil {
		return err
	}
	if !fresh {
		if ent.Status == "completed" {
			return nil
		}
		if len(ent.Output) > 0 {
			var ms int64
			if uerr := json.Unmarshal(ent.Output, &ms); uerr == nil {
				at = time.UnixMilli(ms)
			}
		}
	} else {
		outBytes, merr := json.Marshal(at.UnixMilli())
		if merr != nil {
			return merr
		}
		ent.Output = outBytes
		ent.Status = "pending"
		e.persistEntry(ctx, ent)
	}

	e.inst.ScheduleWake(at.UnixMilli())

	remaining := time.Until(at)
	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ent.Status = "completed"
	e.persistEntry(ctx, ent)
	e.advance(ctx, idx)
	return nil
}

// Listen implements ctx.listen(name, eventName) (§4.F).
func (e *Engine) Listen(ctx context.Context, name string, eventName string) (json.RawMessage, error) {
	done := e.inst.KeepAwake()
	defer done()

	idx, ent, fresh, err := e.resolveEntry(name, "listen")
	if err != nil {
		return nil, err
	}
	if !fresh && ent.Status == "completed" {
		return json.RawMessage(ent.Output), nil
	}

	payload, werr := e.inst.WaitForEvent(ctx, eventName)
	if werr != nil {
		return nil, werr
	}
	ent.Output = payload
	ent.Status = "completed"
	e.persistEntry(ctx, ent)
	e.advance(ctx, idx)
	return payload, nil
}

// QueueNext implements ctx.queue.next(name, {names}) as a workflow
// primitive (§4.F).
func (e *Engine) QueueNext(ctx context.Context, name string, names []string) (*actor.QueueMessage, error) {
	done := e.inst.KeepAwake()
	defer done()

	idx, ent, fresh, err := e.resolveEntry(name, "listen")
	if err != nil {
		return nil, err
	}
	if !fresh && ent.Status == "completed" {
		var msg actor.QueueMessage
		if err := json.Unmarshal(ent.Output, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	}

	msg, found, qerr := e.inst.QueueNext(ctx, names, forever)
	if qerr != nil {
		return nil, qerr
	}
	if !found {
		return nil, ctx.Err()
	}
	outBytes, merr := json.Marshal(msg)
	if merr != nil {
		return nil, merr
	}
	ent.Output = outBytes
	ent.Status = "completed"
	e.persistEntry(ctx, ent)
	e.advance(ctx, idx)
	return msg, nil
}

// Loop implements ctx.loop({name, run, maxIterations}) (§4.F): each
// iteration is its own history entry named "<name>[<iteration>]" so
// replay can distinguish and skip already-completed iterations.
func (e *Engine) Loop(ctx context.Context, name string, maxIterations int, run func(ctx context.Context, iteration int) (actor.LoopResult, error)) (any, error) {
	for iteration := 0; ; iteration++ {
		if maxIterations > 0 && iteration >= maxIterations {
			return nil, fmt.Errorf("workflow loop %q exceeded maxIterations=%d", name, maxIterations)
		}
		childName := fmt.Sprintf("%s[%d]", name, iteration)
		idx, ent, fresh, err := e.resolveEntry(childName, "loop")
		if err != nil {
			return nil, err
		}
		if !fresh && ent.Status == "completed" {
			var lr actor.LoopResult
			if err := json.Unmarshal(ent.Output, &lr); err != nil {
				return nil, err
			}
			if lr.Break {
				return lr.Value, nil
			}
			continue
		}

		lr, rerr := run(ctx, iteration)
		if rerr != nil {
			ent.Status = "failed"
			ent.LastError = rerr.Error()
			e.persistEntry(ctx, ent)
			return nil, e.failWorkflow(ctx, idx, rerr)
		}
		outBytes, merr := json.Marshal(lr)
		if merr != nil {
			return nil, merr
		}
		ent.Output = outBytes
		ent.Status = "completed"
		e.persistEntry(ctx, ent)
		e.advance(ctx, idx)
		if lr.Break {
			return lr.Value, nil
		}
	}
}

type branchOutcome struct {
	name string
	val  any
	err  error
}

// Join implements ctx.join(name, branches) (§4.F): runs every branch
// concurrently, waits for all regardless of individual failure, then
// raises JoinError if any failed.
func (e *Engine) Join(ctx context.Context, name string, branches []actor.JoinBranch) (map[string]any, error) {
	idx, ent, fresh, err := e.resolveEntry(name, "join")
	if err != nil {
		return nil, err
	}
	if !fresh && ent.Status == "completed" {
		var out map[string]any
		if err := json.Unmarshal(ent.Output, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	done := e.inst.KeepAwake()
	defer done()

	resultsC := make(chan branchOutcome, len(branches))
	for _, b := range branches {
		b := b
		go func() {
			val, berr := b.Run(ctx)
			resultsC <- branchOutcome{name: b.Name, val: val, err: berr}
		}()
	}

	results := make(map[string]any, len(branches))
	errs := map[string]error{}
	for range branches {
		r := <-resultsC
		if r.err != nil {
			errs[r.name] = r.err
		} else {
			results[r.name] = r.val
		}
	}

	if len(errs) > 0 {
		ent.Status = "failed"
		e.persistEntry(ctx, ent)
		joinErr := &JoinError{Errors: errs}
		e.failWorkflow(ctx, idx, joinErr)
		return nil, joinErr
	}

	outBytes, merr := json.Marshal(results)
	if merr != nil {
		return nil, merr
	}
	ent.Output = outBytes
	ent.Status = "completed"
	e.persistEntry(ctx, ent)
	e.advance(ctx, idx)
	return results, nil
}

type raceOutput struct {
	Branch string
	Value  any
}

// Race implements ctx.race(name, branches) (§4.F): the first branch to
// resolve wins; the rest are cancelled via context (their own step awaits
// are expected to observe cancellation and raise CancelledError).
func (e *Engine) Race(ctx context.Context, name string, branches []actor.JoinBranch) (string, any, error) {
	idx, ent, fresh, err := e.resolveEntry(name, "race")
	if err != nil {
		return "", nil, err
	}
	if !fresh && ent.Status == "completed" {
		var out raceOutput
		if err := json.Unmarshal(ent.Output, &out); err != nil {
			return "", nil, err
		}
		return out.Branch, out.Value, nil
	}

	done := e.inst.KeepAwake()
	defer done()

	branchCtx, cancel := context.WithCancel(ctx)
	resultsC := make(chan branchOutcome, len(branches))
	for _, b := range branches {
		b := b
		go func() {
			val, berr := b.Run(branchCtx)
			resultsC <- branchOutcome{name: b.Name, val: val, err: berr}
		}()
	}

	errs := map[string]error{}
	remaining := len(branches)
	for remaining > 0 {
		r := <-resultsC
		remaining--
		if r.err == nil {
			cancel()
			go drainBranches(resultsC, remaining)

			outBytes, merr := json.Marshal(raceOutput{Branch: r.name, Value: r.val})
			if merr != nil {
				return "", nil, merr
			}
			ent.Output = outBytes
			ent.Status = "completed"
			e.persistEntry(ctx, ent)
			e.advance(ctx, idx)
			return r.name, r.val, nil
		}
		errs[r.name] = r.err
	}
	cancel()

	ent.Status = "failed"
	e.persistEntry(ctx, ent)
	raceErr := &RaceError{Errors: errs}
	e.failWorkflow(ctx, idx, raceErr)
	return "", nil, raceErr
}

func drainBranches(ch <-chan branchOutcome, n int) {
	for i := 0; i < n; i++ {
		<-ch
	}
}

// RollbackCheckpoint implements ctx.rollbackCheckpoint(name) (§4.F): the
// checkpoint itself is recorded as a completed history entry, so its
// index survives restarts and rollback-resume without a separate meta
// field.
func (e *Engine) RollbackCheckpoint(ctx context.Context, name string) error {
	idx, ent, fresh, err := e.resolveEntry(name, "rollbackCheckpoint")
	if err != nil {
		return err
	}
	if fresh {
		ent.Status = "completed"
		e.persistEntry(ctx, ent)
		e.advance(ctx, idx)
	}
	e.mu.Lock()
	if idx > e.checkpointIndex {
		e.checkpointIndex = idx
	}
	e.mu.Unlock()
	return nil
}
