package manager

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/actor"
	"github.com/rivetkit-go/rivetkit/internal/driver"
)

type counterState struct {
	Count int `json:"count"`
}

func counterDef() *actor.Definition {
	return &actor.Definition{
		Name:     "counter",
		NewState: func() any { return &counterState{} },
		Actions: map[string]actor.ActionHandler{
			"increment": func(ctx *actor.ActionContext, args json.RawMessage) (any, error) {
				st := ctx.State.(*counterState)
				st.Count++
				ctx.MarkDirty()
				ctx.State = st
				return st.Count, nil
			},
		},
		Options: actor.Options{SleepTimeout: time.Hour},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	drv := driver.NewMemory("host-a")
	defs := map[string]*actor.Definition{"counter": counterDef()}
	m := New("host-a", drv, defs, zap.NewNop(), Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestManagerCreateThenGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"a"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.NotEmpty(t, h.ActorID)

	_, err = m.Create(ctx, "counter", []string{"a"}, json.RawMessage(`{}`))
	assert.Error(t, err, "second create with the same key must fail AlreadyExists")

	got, err := m.Get(ctx, "counter", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, h.ActorID, got.ActorID)

	out, err := got.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestManagerGetMissingFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(context.Background(), "counter", []string{"missing"})
	assert.Error(t, err)
}

func TestManagerGetOrCreateIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h1, err := m.GetOrCreate(ctx, "counter", []string{"b"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	h2, err := m.GetOrCreate(ctx, "counter", []string{"b"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, h1.ActorID, h2.ActorID)
}

func TestManagerGetOrCreateConcurrentCollapses(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, err := m.GetOrCreate(ctx, "counter", []string{"c"}, json.RawMessage(`{}`))
			require.NoError(t, err)
			ids[i] = h.ActorID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestManagerDestroyRemovesActor(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"d"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, h.ActorID))
	_, err = m.Get(ctx, "counter", []string{"d"})
	assert.Error(t, err)
}

func TestManagerListFiltersByName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "counter", []string{"e1"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = m.Create(ctx, "counter", []string{"e2"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	list := m.List("counter", nil, 0)
	assert.Len(t, list, 2)

	list = m.List("nonexistent", nil, 0)
	assert.Empty(t, list)
}

func TestManagerGetForIDAfterColdRecoversDefinitionName(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"f"}, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Simulate a cold GetForID after a process restart: neither the
	// in-process name index nor the live instance survives, so the
	// definition name must come back from the persisted record (§6
	// actor/persist "name" field).
	m.mu.Lock()
	delete(m.names, h.ActorID)
	delete(m.entries, h.ActorID)
	m.mu.Unlock()

	cold, err := m.GetForID(ctx, h.ActorID)
	require.NoError(t, err)
	out, err := cold.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestManagerGetSucceedsAfterHibernationEvenWithEntryEvicted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"g"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)

	m.mu.RLock()
	e := m.entries[h.ActorID]
	m.mu.RUnlock()
	require.NoError(t, e.inst.Sleep(ctx))

	// Simulate a cold restart: hibernation already released the placement
	// lease, and we additionally drop the in-process tables a real process
	// restart wouldn't have populated in the first place.
	m.mu.Lock()
	delete(m.names, h.ActorID)
	delete(m.entries, h.ActorID)
	m.mu.Unlock()

	got, err := m.Get(ctx, "counter", []string{"g"})
	require.NoError(t, err, "a hibernated actor has no live lease but still exists and must be reclaimable")
	out, err := got.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out, "state from before hibernation must survive, not be wiped by a stray re-Create")
}

func TestManagerGetOrCreateWakesRatherThanRecreatesHibernatedActor(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "counter", []string{"h"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)

	m.mu.RLock()
	e := m.entries[h.ActorID]
	m.mu.RUnlock()
	require.NoError(t, e.inst.Sleep(ctx))
	m.mu.Lock()
	delete(m.names, h.ActorID)
	delete(m.entries, h.ActorID)
	m.mu.Unlock()

	got, err := m.GetOrCreate(ctx, "counter", []string{"h"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	out, err := got.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out, "GetOrCreate on a hibernated actor must wake it, not silently re-Create over its state")
}

func TestManagerReconcileStartupReclaimsLocalFileLeases(t *testing.T) {
	ctx := context.Background()
	baseDir := filepath.Join(t.TempDir(), "data")
	defs := map[string]*actor.Definition{"counter": counterDef()}

	drv, err := driver.NewLocalFile("host-a", baseDir)
	require.NoError(t, err)
	m1 := New("host-a", drv, defs, zap.NewNop(), Options{SleepCheckInterval: time.Hour})
	h, err := m1.Create(ctx, "counter", []string{"i"}, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	// Stop m1's background sweeper without sleeping its actors — Shutdown's
	// graceful Sleep would release the very lease this test needs to still
	// be held, which is not representative of an actual process crash.
	close(m1.stopCh)

	// A brand-new Manager over the same on-disk driver models the process
	// restarting: nothing is resident, but ReconcileStartup should find
	// and reclaim the lease host-a held, making it immediately dispatchable
	// without a prior Get/GetForID needing to rediscover it cold.
	m2 := New("host-a", drv, defs, zap.NewNop(), Options{SleepCheckInterval: time.Hour})
	t.Cleanup(func() { m2.Shutdown(context.Background()) })
	require.NoError(t, m2.ReconcileStartup(ctx))

	m2.mu.RLock()
	_, resident := m2.entries[h.ActorID]
	m2.mu.RUnlock()
	require.True(t, resident, "ReconcileStartup must leave the reclaimed actor resident")

	got, err := m2.Get(ctx, "counter", []string{"i"})
	require.NoError(t, err)
	out, err := got.Dispatch(ctx, nil, "increment", json.RawMessage(`null`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out, "reclaimed actor must keep its pre-restart state")
}
