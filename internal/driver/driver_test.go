package driver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPlacementSingleLeaseInvariant(t *testing.T) {
	ctx := context.Background()
	d := NewMemory("host-a")

	lease, err := d.Placement.AcquireLease(ctx, "actor-1", "host-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "host-a", lease.HostID)

	_, err = d.Placement.AcquireLease(ctx, "actor-1", "host-b", time.Minute)
	assert.Error(t, err)

	host, live, err := d.Placement.ResolveHost(ctx, "actor-1")
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, "host-a", host)

	require.NoError(t, d.Placement.ReleaseLease(ctx, lease))
	_, live, err = d.Placement.ResolveHost(ctx, "actor-1")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestMemoryAlarmPollDue(t *testing.T) {
	ctx := context.Background()
	d := NewMemory("host-a")

	past := time.Now().Add(-time.Second)
	future := time.Now().Add(time.Hour)
	require.NoError(t, d.Alarm.ScheduleAlarm(ctx, "actor-1", past))
	require.NoError(t, d.Alarm.ScheduleAlarm(ctx, "actor-2", future))

	due, err := d.Alarm.PollDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "actor-1", due[0].ActorID)

	due, err = d.Alarm.PollDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryKVOpenIsStable(t *testing.T) {
	ctx := context.Background()
	d := NewMemory("host-a")

	s1, err := d.KV.Open(ctx, "actor-1")
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, []byte("k"), []byte("v")))

	s2, err := d.KV.Open(ctx, "actor-1")
	require.NoError(t, err)
	v, ok, err := s2.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestLocalFileLeaseAndAlarmPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := NewLocalFile("host-a", filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer d.Placement.(*LocalFile).Close()

	lease, err := d.Placement.AcquireLease(ctx, "actor-1", "host-a", time.Minute)
	require.NoError(t, err)

	_, err = d.Placement.AcquireLease(ctx, "actor-1", "host-b", time.Minute)
	assert.Error(t, err)

	require.NoError(t, d.Placement.RenewLease(ctx, lease, 2*time.Minute))

	require.NoError(t, d.Alarm.ScheduleAlarm(ctx, "actor-1", time.Now().Add(-time.Second)))
	due, err := d.Alarm.PollDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	store, err := d.KV.Open(ctx, "actor-1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, []byte("user/x"), []byte("1")))
	v, ok, err := store.Get(ctx, []byte("user/x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestLocalFileListOwnedLeasesSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := NewLocalFile("host-a", filepath.Join(dir, "data"))
	require.NoError(t, err)
	_, err = d.Placement.AcquireLease(ctx, "actor-1", "host-a", time.Minute)
	require.NoError(t, err)
	_, err = d.Placement.AcquireLease(ctx, "actor-2", "host-b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, d.Placement.(*LocalFile).Close())

	// A fresh driver instance over the same baseDir models the lease
	// table surviving a host process restart (§3 Reconciliation-on-boot).
	reopened, err := NewLocalFile("host-a", filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer reopened.Placement.(*LocalFile).Close()

	lister, ok := reopened.Placement.(LeaseLister)
	require.True(t, ok, "LocalFile must implement LeaseLister")
	owned, err := lister.ListOwnedLeases(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"actor-1"}, owned)
}
