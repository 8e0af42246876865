package actor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rivetkit-go/rivetkit/internal/driver"
	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/persist"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
	"github.com/rivetkit-go/rivetkit/internal/sqlstore"
)

// Status is one of the five actor lifecycle states (§3 Actor instance).
type Status int

const (
	StatusAsleep Status = iota
	StatusWaking
	StatusRunning
	StatusSleeping
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusAsleep:
		return "asleep"
	case StatusWaking:
		return "waking"
	case StatusRunning:
		return "running"
	case StatusSleeping:
		return "sleeping"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

const maxDebugLogLines = 200

// Instance is the live runtime for exactly one actor-id (§4.D). Every
// state mutation happens on the single executor goroutine started by
// Wake; external callers interact only through Submit/Dispatch so the
// "single logical executor" concurrency model (§4.D, §5) holds without
// an explicit state mutex.
type Instance struct {
	def     *Definition
	drv     *Driver
	actorID string
	key     []string
	log     *zap.Logger
	clock   Clock
	caller  Caller

	rawKV  kv.Store
	userKV kv.Store

	dbMu sync.Mutex
	db   *sqlstore.DB

	mailbox chan func()
	done    chan struct{}

	abortCtx    context.Context
	abortCancel context.CancelFunc

	statusMu sync.RWMutex
	status   Status

	state any
	vars  any
	input json.RawMessage

	lastActivity time.Time
	createdAtMS  int64
	keepAwakeN   atomic.Int32

	connMu      sync.Mutex
	connections map[string]*Conn

	scheduled []persist.ScheduledEvent
	timer     *time.Timer

	lease      *driver.Lease
	leaseTimer *time.Timer

	queueMu sync.Mutex
	queues  map[string]*queueState

	logMu   sync.Mutex
	logRing []string

	runCancel     context.CancelFunc
	runDone       chan struct{}
	runRestartLim *rate.Limiter

	wfFactory func(*Instance) WorkflowEngine

	eventMu      sync.Mutex
	eventWaiters map[string][]chan json.RawMessage
}

// NewInstance constructs an Instance in the Asleep state; call Wake to
// load persisted state and begin serving.
func NewInstance(def *Definition, drv *Driver, actorID string, key []string, caller Caller, log *zap.Logger, clock Clock) (*Instance, error) {
	if clock == nil {
		clock = SystemClock
	}
	rawKV, err := drv.KV.Open(context.Background(), actorID)
	if err != nil {
		return nil, err
	}
	inst := &Instance{
		def:         def,
		drv:         drv,
		actorID:     actorID,
		key:         key,
		log:         log.With(zap.String("actor", def.Name), zap.String("actorId", actorID)),
		clock:       clock,
		caller:      caller,
		rawKV:       rawKV,
		userKV:      &prefixedStore{inner: rawKV, prefix: "user/"},
		mailbox:     make(chan func(), mailboxCapacity(def)),
		done:        make(chan struct{}),
		status:      StatusAsleep,
		connections: make(map[string]*Conn),
		queues:      make(map[string]*queueState),
		// One restart every 2s, burst 1: a run handler that keeps panicking
		// or returning immediately doesn't spin the host's CPU, but a
		// transient failure (e.g. a dropped dependency call) still recovers
		// quickly (§4.F run handlers are expected to be idempotent via replay).
		runRestartLim: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	return inst, nil
}

func mailboxCapacity(def *Definition) int {
	if def.Options.MailboxCapacity > 0 {
		return def.Options.MailboxCapacity
	}
	return 256
}

func (i *Instance) Status() Status {
	i.statusMu.RLock()
	defer i.statusMu.RUnlock()
	return i.status
}

func (i *Instance) setStatus(s Status) {
	i.statusMu.Lock()
	i.status = s
	i.statusMu.Unlock()
}

// Submit enqueues fn on the single executor and blocks until it has run,
// or ctx is done, or the mailbox is full and stays full until ctx expires
// (§4.E "Backpressure": wait with a per-call timeout, or fail Busy).
func (i *Instance) Submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case i.mailbox <- wrapped:
	case <-ctx.Done():
		return riveterrors.Busy(i.actorID)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single-consumer executor loop (§4.D "Concurrency per
// actor"). It exits when done is closed by sleep/destroy.
func (i *Instance) run() {
	for {
		select {
		case fn := <-i.mailbox:
			fn()
		case <-i.done:
			return
		}
	}
}

func (i *Instance) addLog(line string) {
	i.logMu.Lock()
	defer i.logMu.Unlock()
	if len(i.logRing) >= maxDebugLogLines {
		i.logRing = i.logRing[1:]
	}
	i.logRing = append(i.logRing, line)
}

// DebugLogs returns a copy of the per-actor debug ring buffer (SPEC_FULL
// §3 "bounded rolling per-actor log buffer", surfaced by the inspector).
func (i *Instance) DebugLogs() []string {
	i.logMu.Lock()
	defer i.logMu.Unlock()
	out := make([]string, len(i.logRing))
	copy(out, i.logRing)
	return out
}

func (i *Instance) touch() { i.lastActivity = i.clock.Now() }

func (i *Instance) newActionContext(ctx context.Context, conn *Conn, req *RawRequest) *ActionContext {
	ac := &ActionContext{
		inst:    i,
		State:   i.state,
		Vars:    i.vars,
		Conn:    conn,
		Key:     i.key,
		ActorID: i.actorID,
		Log:     i.log,
		Request: req,
		ctx:     ctx,
	}
	ac.Schedule = ScheduleHandle{inst: i}
	ac.Queue = QueueHandle{inst: i}
	return ac
}

func (i *Instance) keepAwake() func() {
	i.keepAwakeN.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { i.keepAwakeN.Add(-1) })
	}
}

func (i *Instance) openDB() (*sqlstore.DB, error) {
	i.dbMu.Lock()
	defer i.dbMu.Unlock()
	if i.db != nil {
		return i.db, nil
	}
	if i.def.DB == nil {
		return nil, riveterrors.New(riveterrors.GroupUser, riveterrors.CodeValidationFailed,
			"actor definition has no embedded database configured")
	}
	lf, ok := i.drv.KV.(interface {
		SQLPath(actorID string) string
	})
	path := ":memory:"
	if ok {
		path = lf.SQLPath(i.actorID)
	}
	db, err := sqlstore.Open(path)
	if err != nil {
		return nil, err
	}
	if i.def.DB.OnMigrate != nil {
		if err := i.def.DB.OnMigrate(db.Conn()); err != nil {
			db.Close()
			return nil, riveterrors.Wrap(riveterrors.GroupInternal, riveterrors.CodeDriverError, err)
		}
	}
	i.db = db
	return db, nil
}
