// Package manager implements the router of §4.E: (name, key) -> actor-id
// resolution, a local table of live instances guarded by a per-id
// acquisition lock, placement via internal/driver, thundering-herd
// collapse on concurrent getOrCreate, and mailbox-backed backpressure.
package manager

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/persist"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/workflow"
)

// newActorInstance constructs an Instance for def and wires internal/workflow's
// engine constructor into it (§4.F): internal/actor cannot import
// internal/workflow directly (the dependency runs the other way), so the
// manager — which already imports both — is where the two meet.
func newActorInstance(def *actor.Definition, drv *driver.Driver, actorID string, key []string, caller actor.Caller, log *zap.Logger) (*actor.Instance, error) {
	inst, err := actor.NewInstance(def, drv, actorID, key, caller, log, actor.SystemClock)
	if err != nil {
		return nil, err
	}
	inst.SetWorkflowFactory(workflow.NewEngine)
	return inst, nil
}

const actorPersistKey = "actor/persist"

// ActorHandle is the caller-facing reference to a live actor returned by
// every manager operation (§4.E).
type ActorHandle struct {
	ActorID string
	Name    string
	Key     []string

	mgr *Manager
}

// Dispatch routes action to the actor this handle refers to, waking it
// first if it is currently asleep.
func (h ActorHandle) Dispatch(ctx context.Context, conn *actor.Conn, action string, args json.RawMessage, req *actor.RawRequest) (any, error) {
	inst, err := h.mgr.acquire(ctx, h.Name, h.Key, h.ActorID)
	if err != nil {
		return nil, err
	}
	return inst.Dispatch(ctx, conn, action, args, req)
}

// Instance returns the live *actor.Instance backing this handle, waking it
// if necessary. internal/host uses this to drive WS connect/disconnect.
func (h ActorHandle) Instance(ctx context.Context) (*actor.Instance, error) {
	return h.mgr.acquire(ctx, h.Name, h.Key, h.ActorID)
}

type nameKey struct {
	name string
	key  []string
}

type entry struct {
	mu   sync.Mutex // acquisition lock (§4.E "per-id acquisition lock to enforce singleton")
	inst *actor.Instance
}

// Manager is the router singleton: one per host process, shared across
// every registered actor definition.
type Manager struct {
	hostID string
	drv    *driver.Driver
	log    *zap.Logger
	defs   map[string]*actor.Definition

	mu      sync.RWMutex
	entries map[string]*entry
	names   map[string]nameKey // actorID -> originating (name, key), for getForId

	inflight singleflight.Group

	sleepCheckEvery time.Duration
	stopCh          chan struct{}

	onHibernate func(actorID string)
}

// Options configures a Manager (mailbox/backpressure tunables live on each
// actor.Definition; these are router-wide).
type Options struct {
	SleepCheckInterval time.Duration

	// OnHibernate, if set, is called after the sleep sweeper successfully
	// hibernates an instance (internal/rivetmetrics' hibernation counter,
	// SPEC_FULL §2). Never called for an explicit onDestroy/shutdown sleep.
	OnHibernate func(actorID string)
}

// New constructs a Manager routing to defs (keyed by Definition.Name).
func New(hostID string, drv *driver.Driver, defs map[string]*actor.Definition, log *zap.Logger, opts Options) *Manager {
	interval := opts.SleepCheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Manager{
		hostID:          hostID,
		drv:             drv,
		log:             log.Named("manager"),
		defs:            defs,
		entries:         make(map[string]*entry),
		names:           make(map[string]nameKey),
		sleepCheckEvery: interval,
		stopCh:          make(chan struct{}),
		onHibernate:     opts.OnHibernate,
	}
	go m.sleepSweeper()
	return m
}

// ReconcileStartup reclaims actors this host already held a placement
// lease for before a restart (§3 "Reconciliation-on-boot"): a host that
// crashed and came back up resumes serving the actors it owned rather
// than leaving them orphaned until the first request happens to touch
// each one cold. Best-effort and non-fatal — drivers with nothing
// durable to list (driver.Memory) don't implement driver.LeaseLister, in
// which case this is a no-op, which is correct: a fresh in-memory driver
// has no leases surviving a restart to begin with.
func (m *Manager) ReconcileStartup(ctx context.Context) error {
	lister, ok := m.drv.Placement.(driver.LeaseLister)
	if !ok {
		return nil
	}
	actorIDs, err := lister.ListOwnedLeases(ctx, m.hostID)
	if err != nil {
		return fmt.Errorf("list owned leases: %w", err)
	}
	for _, actorID := range actorIDs {
		name, key, rerr := m.resolveNameFromRecord(ctx, actorID)
		if rerr != nil {
			m.log.Warn("reconcile: skipping actor with unreadable record", zap.String("actorId", actorID), zap.Error(rerr))
			continue
		}
		if _, derr := m.defFor(name); derr != nil {
			m.log.Warn("reconcile: skipping actor with unregistered definition",
				zap.String("actorId", actorID), zap.String("name", name), zap.Error(derr))
			continue
		}
		if _, aerr := m.acquire(ctx, name, key, actorID); aerr != nil {
			m.log.Warn("reconcile: failed to reclaim actor", zap.String("actorId", actorID), zap.Error(aerr))
			continue
		}
		m.log.Info("reconcile: reclaimed actor", zap.String("actorId", actorID), zap.String("name", name))
	}
	return nil
}

// stableHash computes the content-addressed actor-id for (name, key)
// (§4.E "actorId = stableHash(name, keyTuple)"): a length-prefixed
// concatenation hashed with blake2b-128 for collision-resistant output.
func stableHash(name string, key []string) string {
	h, _ := blake2b.New(16, nil)
	writeLP(h, name)
	for _, k := range key {
		writeLP(h, k)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func writeLP(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// ResolveID computes the actor-id for (name, key) without creating or
// waking anything (§6 `POST /actors/:name/resolve`) — a pure function of
// its inputs, so no IO or lease is involved.
func (m *Manager) ResolveID(name string, key []string) string {
	return stableHash(name, key)
}

// HasDefinition reports whether name is a registered actor definition.
func (m *Manager) HasDefinition(name string) bool {
	_, ok := m.defs[name]
	return ok
}

func (m *Manager) defFor(name string) (*actor.Definition, error) {
	def, ok := m.defs[name]
	if !ok {
		return nil, riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			"no actor definition registered for \""+name+"\"")
	}
	return def, nil
}

func (m *Manager) entryFor(actorID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[actorID]
	if !ok {
		e = &entry{}
		m.entries[actorID] = e
	}
	return e
}

// Create materializes a brand-new actor (§4.E `create`), failing
// AlreadyExists if the id is already live or already has a persisted
// record on some host.
func (m *Manager) Create(ctx context.Context, name string, key []string, input json.RawMessage) (ActorHandle, error) {
	def, err := m.defFor(name)
	if err != nil {
		return ActorHandle{}, err
	}
	actorID := stableHash(name, key)

	if exists, err := m.actorRecordExists(ctx, actorID); err == nil && exists {
		return ActorHandle{}, riveterrors.AlreadyExists("actor " + actorID)
	}

	e := m.entryFor(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inst != nil {
		return ActorHandle{}, riveterrors.AlreadyExists("actor " + actorID)
	}

	inst, err := newActorInstance(def, m.drv, actorID, key, m, m.log)
	if err != nil {
		return ActorHandle{}, err
	}
	if err := inst.Create(ctx, m.hostID, input); err != nil {
		return ActorHandle{}, err
	}
	e.inst = inst
	m.rememberName(actorID, name, key)
	return ActorHandle{ActorID: actorID, Name: name, Key: key, mgr: m}, nil
}

func (m *Manager) rememberName(actorID, name string, key []string) {
	m.mu.Lock()
	m.names[actorID] = nameKey{name: name, key: key}
	m.mu.Unlock()
}

// Get resolves an existing actor (§4.E `get`), failing NotFound if it has
// never been created.
func (m *Manager) Get(ctx context.Context, name string, key []string) (ActorHandle, error) {
	if _, err := m.defFor(name); err != nil {
		return ActorHandle{}, err
	}
	actorID := stableHash(name, key)
	if _, err := m.acquire(ctx, name, key, actorID); err != nil {
		return ActorHandle{}, err
	}
	m.rememberName(actorID, name, key)
	return ActorHandle{ActorID: actorID, Name: name, Key: key, mgr: m}, nil
}

// GetOrCreate is idempotent create (§4.E `getOrCreate`); concurrent calls
// for the same id collapse onto a single creation via singleflight.
func (m *Manager) GetOrCreate(ctx context.Context, name string, key []string, input json.RawMessage) (ActorHandle, error) {
	def, err := m.defFor(name)
	if err != nil {
		return ActorHandle{}, err
	}
	actorID := stableHash(name, key)

	_, err, _ = m.inflight.Do(actorID, func() (any, error) {
		e := m.entryFor(actorID)
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inst != nil {
			return nil, nil
		}
		exists, rerr := m.actorRecordExists(ctx, actorID)
		if rerr != nil {
			return nil, rerr
		}
		if exists {
			inst, werr := newActorInstance(def, m.drv, actorID, key, m, m.log)
			if werr != nil {
				return nil, werr
			}
			if werr := inst.Wake(ctx, m.hostID); werr != nil {
				return nil, werr
			}
			e.inst = inst
			return nil, nil
		}
		inst, ierr := newActorInstance(def, m.drv, actorID, key, m, m.log)
		if ierr != nil {
			return nil, ierr
		}
		if cerr := inst.Create(ctx, m.hostID, input); cerr != nil {
			return nil, cerr
		}
		e.inst = inst
		return nil, nil
	})
	if err != nil {
		return ActorHandle{}, err
	}
	m.rememberName(actorID, name, key)
	return ActorHandle{ActorID: actorID, Name: name, Key: key, mgr: m}, nil
}

// GetForID resolves a handle from a raw actor-id (§4.E `getForId`),
// without knowing the originating name/key.
func (m *Manager) GetForID(ctx context.Context, actorID string) (ActorHandle, error) {
	m.mu.RLock()
	e, ok := m.entries[actorID]
	nk, known := m.names[actorID]
	m.mu.RUnlock()

	if !ok || e.inst == nil {
		// Existence, not liveness: a hibernated actor has no live lease
		// but still has a persisted record (see acquire's matching comment).
		exists, err := m.actorRecordExists(ctx, actorID)
		if err != nil || !exists {
			return ActorHandle{}, riveterrors.NotFound("actor " + actorID)
		}
	}
	h := ActorHandle{ActorID: actorID, mgr: m}
	if known {
		h.Name, h.Key = nk.name, nk.key
	}
	return h, nil
}

// Destroy tears an actor down (§4.E `destroy`): runs onDestroy, deletes
// persisted state, releases its placement lease, and drops it from the
// router table.
func (m *Manager) Destroy(ctx context.Context, actorID string) error {
	m.mu.Lock()
	e, ok := m.entries[actorID]
	delete(m.entries, actorID)
	m.mu.Unlock()
	if !ok || e.inst == nil {
		return riveterrors.NotFound("actor " + actorID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst.Destroy(ctx)
}

// List enumerates live and persisted actor ids for name (§4.E `list`).
// Only locally-tracked instances are visible; a cluster-wide listing goes
// through the engine-client driver's own index, which this in-process
// table does not attempt to replicate.
func (m *Manager) List(name string, prefix []string, limit int) []ActorHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ActorHandle
	for id, e := range m.entries {
		if e.inst == nil {
			continue
		}
		nk, known := m.names[id]
		if name != "" && (!known || nk.name != name) {
			continue
		}
		if len(prefix) > 0 && (!known || !keyHasPrefix(nk.key, prefix)) {
			continue
		}
		h := ActorHandle{ActorID: id, mgr: m}
		if known {
			h.Name, h.Key = nk.name, nk.key
		}
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ActorID < out[b].ActorID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func keyHasPrefix(key, prefix []string) bool {
	if len(prefix) > len(key) {
		return false
	}
	for i, p := range prefix {
		if key[i] != p {
			return false
		}
	}
	return true
}

// acquire returns the live instance for actorID, waking it from its
// persisted record if it is not currently resident in this process
// (§4.D "Wake sequence").
func (m *Manager) acquire(ctx context.Context, name string, key []string, actorID string) (*actor.Instance, error) {
	e := m.entryFor(actorID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inst != nil && e.inst.Status() != actor.StatusDestroyed {
		if e.inst.Status() == actor.StatusAsleep {
			if err := e.inst.Wake(ctx, m.hostID); err != nil {
				return nil, err
			}
		}
		return e.inst, nil
	}

	if name == "" {
		resolved, key2, rerr := m.resolveNameFromRecord(ctx, actorID)
		if rerr != nil {
			return nil, rerr
		}
		name, key = resolved, key2
	}

	def, err := m.defFor(name)
	if err != nil {
		return nil, err
	}
	// No Placement.ResolveHost liveness gate here: a hibernated actor has
	// no live lease by design (Sleep releases it) but very much exists.
	// inst.Wake below is what correctly distinguishes "no persisted
	// record" (NotFound) from "live on another host" (Busy, from its own
	// AcquireLease call) from "mine to reclaim".
	inst, err := newActorInstance(def, m.drv, actorID, key, m, m.log)
	if err != nil {
		return nil, err
	}
	if err := inst.Wake(ctx, m.hostID); err != nil {
		return nil, err
	}
	e.inst = inst
	m.rememberName(actorID, name, key)
	return inst, nil
}

// actorRecordExists reports whether actorID has ever been persisted,
// independent of whether any host currently holds a live placement lease
// for it: hibernation releases the lease (see internal/actor's Sleep) but
// leaves the record in place, so lease liveness alone cannot distinguish
// "asleep" from "never created" — only the record can.
func (m *Manager) actorRecordExists(ctx context.Context, actorID string) (bool, error) {
	store, err := m.drv.KV.Open(ctx, actorID)
	if err != nil {
		return false, err
	}
	_, ok, err := store.Get(ctx, []byte(actorPersistKey))
	return ok, err
}

// resolveNameFromRecord recovers the originating (name, key) pair for an
// actor-id whose name this process never learned (e.g. GetForID called
// cold after a restart): actorId is a one-way hash, so the definition
// name must come from the persisted record itself (§6, "actor/persist").
func (m *Manager) resolveNameFromRecord(ctx context.Context, actorID string) (string, []string, error) {
	store, err := m.drv.KV.Open(ctx, actorID)
	if err != nil {
		return "", nil, err
	}
	raw, ok, err := store.Get(ctx, []byte(actorPersistKey))
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, riveterrors.NotFound("actor " + actorID)
	}
	rec, err := persist.DecodeActor(raw)
	if err != nil {
		return "", nil, err
	}
	if rec.Name == "" {
		return "", nil, riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeDriverError,
			"actor "+actorID+" has no recorded definition name (created before this field existed)")
	}
	return rec.Name, rec.Key, nil
}

// CallAction implements actor.Caller (§4.D `client<R>()`), routing a
// cross-actor call back through this same manager so nested calls reuse
// the ordinary acquire/wake path.
func (m *Manager) CallAction(ctx context.Context, name string, key []string, action string, args any) (json.RawMessage, error) {
	encodedArgs, err := json.Marshal(args)
	if err != nil {
		return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeSerializationError, err)
	}
	actorID := stableHash(name, key)
	inst, err := m.acquire(ctx, name, key, actorID)
	if err != nil {
		return nil, err
	}
	output, err := inst.Dispatch(ctx, nil, action, encodedArgs, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(output)
}

// sleepSweeper periodically asks every resident instance whether it meets
// its sleep preconditions and, if so, hibernates it (§4.D "Hibernation /
// wake"). The router does not itself decide *when* — each instance
// evaluates its own SleepTimeout/connections/keepAwake state.
func (m *Manager) sleepSweeper() {
	ticker := time.NewTicker(m.sleepCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.RLock()
	insts := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		insts = append(insts, e)
	}
	m.mu.RUnlock()

	for _, e := range insts {
		e.mu.Lock()
		inst := e.inst
		if inst != nil && inst.Status() == actor.StatusRunning && inst.ReadyToSleep() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := inst.Sleep(ctx); err != nil {
				m.log.Warn("hibernation attempt failed", zap.String("actor", inst.ActorID()), zap.Error(err))
			} else if m.onHibernate != nil {
				m.onHibernate(inst.ActorID())
			}
			cancel()
		}
		e.mu.Unlock()
	}
}

// Shutdown stops the sleep sweeper and puts every resident instance to
// sleep, releasing its placement lease (graceful host shutdown, §9).
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	m.mu.RLock()
	insts := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		insts = append(insts, e)
	}
	m.mu.RUnlock()
	for _, e := range insts {
		e.mu.Lock()
		if e.inst != nil && e.inst.Status() != actor.StatusDestroyed && e.inst.Status() != actor.StatusAsleep {
			if err := e.inst.Sleep(ctx); err != nil {
				m.log.Warn("shutdown sleep failed", zap.String("actor", e.inst.ActorID()), zap.Error(err))
			}
		}
		e.mu.Unlock()
	}
}
