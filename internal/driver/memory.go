package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivetkit-go/rivetkit/internal/kv"
	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// Memory is the single-process driver: every actor is local, so placement
// always resolves to the one host and leases never contend. This is the
// default driver for `rivetkit-host serve --driver memory` and for tests
// (§8 end-to-end scenarios all run against it).
type Memory struct {
	hostID string

	mu    sync.Mutex
	stores map[string]*kv.Memory
	leases map[string]*Lease
	alarms map[string]time.Time
}

func NewMemory(hostID string) *Driver {
	m := &Memory{
		hostID: hostID,
		stores: make(map[string]*kv.Memory),
		leases: make(map[string]*Lease),
		alarms: make(map[string]time.Time),
	}
	return &Driver{KV: m, Placement: m, Alarm: m}
}

func (m *Memory) Open(_ context.Context, actorID string) (kv.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[actorID]
	if !ok {
		s = kv.NewMemory()
		m.stores[actorID] = s
	}
	return s, nil
}

func (m *Memory) ResolveHost(_ context.Context, actorID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[actorID]
	if !ok || time.Now().After(l.Expires) {
		return "", false, nil
	}
	return l.HostID, true, nil
}

func (m *Memory) AcquireLease(_ context.Context, actorID, hostID string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.leases[actorID]; ok && time.Now().Before(existing.Expires) && existing.HostID != hostID {
		return nil, riveterrors.Busy(fmt.Sprintf("actor %s already live on host %s", actorID, existing.HostID))
	}
	lease := &Lease{ActorID: actorID, HostID: hostID, Token: uuid.NewString(), Expires: time.Now().Add(ttl)}
	m.leases[actorID] = lease
	return lease, nil
}

func (m *Memory) RenewLease(_ context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[lease.ActorID]
	if !ok || cur.Token != lease.Token {
		return riveterrors.NotFound(fmt.Sprintf("lease for actor %s", lease.ActorID))
	}
	cur.Expires = time.Now().Add(ttl)
	lease.Expires = cur.Expires
	return nil
}

func (m *Memory) ReleaseLease(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[lease.ActorID]; ok && cur.Token == lease.Token {
		delete(m.leases, lease.ActorID)
	}
	return nil
}

func (m *Memory) ScheduleAlarm(_ context.Context, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.alarms[actorID]; ok && existing.Before(at) {
		return nil // earlier alarm already pending
	}
	m.alarms[actorID] = at
	return nil
}

func (m *Memory) CancelAlarm(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alarms, actorID)
	return nil
}

func (m *Memory) PollDue(_ context.Context, before time.Time) ([]AlarmFire, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []AlarmFire
	for id, at := range m.alarms {
		if !at.After(before) {
			due = append(due, AlarmFire{ActorID: id, At: at})
			delete(m.alarms, id)
		}
	}
	return due, nil
}
