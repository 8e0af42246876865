// Package driver defines the backend abstraction shared by every runtime
// topology (§4.G): an in-memory single-process driver for tests and small
// deployments, a local-file driver that persists to disk for a
// single-host production deployment, and an engine-client driver that
// delegates placement and storage to an external cluster coordinator.
// All three implement the same KV + Placement + Alarm contract so
// internal/actor and internal/manager never branch on topology.
package driver

import (
	"context"
	"time"

	"github.com/rivetkit-go/rivetkit/internal/kv"
)

// KV opens the ordered byte-key store backing one actor instance's
// persisted record, connection records, and workflow history (§4.C, §6).
type KV interface {
	Open(ctx context.Context, actorID string) (kv.Store, error)
}

// Lease represents a placement driver's exclusive claim that actorID is
// live on a given host. The single-live-host-per-id invariant (§4.A) is
// enforced by whichever Placement implementation issues Leases.
type Lease struct {
	ActorID string
	HostID  string
	Token   string
	Expires time.Time
}

// Placement resolves which host owns an actor and arbitrates the
// single-live-host invariant via leases (§4.A, §4.G). ResolveHost answers
// "is this actor live, and where" without acquiring anything; AcquireLease
// is the operation that makes a host authoritative for actorID.
type Placement interface {
	ResolveHost(ctx context.Context, actorID string) (hostID string, live bool, err error)
	AcquireLease(ctx context.Context, actorID, hostID string, ttl time.Duration) (*Lease, error)
	RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error
	ReleaseLease(ctx context.Context, lease *Lease) error
}

// LeaseLister is an optional Placement capability: drivers whose leases
// survive a process restart (LocalFile; a real engine cluster) implement
// it so a freshly started host can reclaim the actors it already held
// instead of waiting for the first request to each one to rediscover
// them. Drivers with nothing durable to list (Memory) simply don't
// implement it, and reconciliation becomes a no-op.
type LeaseLister interface {
	ListOwnedLeases(ctx context.Context, hostID string) ([]string, error)
}

// AlarmFire is one due scheduled-event wakeup (§4.D Scheduling) returned
// by PollDue.
type AlarmFire struct {
	ActorID string
	At      time.Time
}

// Alarm lets a host ask to be woken at a specific time for an actor, even
// if that actor is currently hibernated (§4.D: "a sleeping actor with a
// pending scheduled event must still wake at the scheduled time").
// Drivers persist the alarm so it survives a host restart; the owning
// host is responsible for waking the actor and clearing the alarm once
// it has fired.
type Alarm interface {
	ScheduleAlarm(ctx context.Context, actorID string, at time.Time) error
	CancelAlarm(ctx context.Context, actorID string) error
	PollDue(ctx context.Context, before time.Time) ([]AlarmFire, error)
}

// Driver bundles the three substrates a runtime topology must supply.
type Driver struct {
	KV        KV
	Placement Placement
	Alarm     Alarm
}
