// Package kv implements the per-actor ordered byte-key KV substrate of
// §4.C: get/put/delete/list/batch/deletePrefix over an ordered map from
// byte-string key to byte-string value. The runtime's own bookkeeping
// (actor record, connection records, workflow history) and user code
// share one keyspace, distinguished only by key prefix (§6) — Store
// itself is prefix-agnostic; internal/actor is what reserves the
// "user/" prefix for handler-visible KV operations.
package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/rivetkit-go/rivetkit/internal/riveterrors"
)

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   []byte
	Value []byte
}

// ListOptions constrains a List call. Prefix and [Start,End) are mutually
// exclusive ways of scoping the scan; Prefix is the common case.
type ListOptions struct {
	Prefix  []byte
	Start   []byte
	End     []byte
	Limit   int
	Reverse bool
}

// OpKind discriminates a BatchOp.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// BatchOp is one write within an atomic Batch call.
type BatchOp struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Store is the per-actor ordered KV substrate. All methods are
// context-aware and safe for concurrent use; Batch is atomic with respect
// to concurrent Get/List/Put/Delete callers.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
	DeletePrefix(ctx context.Context, prefix []byte) error
	Batch(ctx context.Context, ops []BatchOp) error
	Close() error
}

// Memory is an in-process Store backed by a sorted key slice. It is the
// substrate used by the in-memory driver (§4.G) and by tests.
type Memory struct {
	mu   sync.RWMutex
	keys [][]byte
	vals map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{vals: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *Memory) Put(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value)
	return nil
}

func (m *Memory) putLocked(key, value []byte) {
	k := string(key)
	if _, exists := m.vals[k]; !exists {
		i := sort.Search(len(m.keys), func(i int) bool { return bytes.Compare(m.keys[i], key) >= 0 })
		m.keys = append(m.keys, nil)
		copy(m.keys[i+1:], m.keys[i:])
		kc := make([]byte, len(key))
		copy(kc, key)
		m.keys[i] = kc
	}
	vc := make([]byte, len(value))
	copy(vc, value)
	m.vals[k] = vc
}

func (m *Memory) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	return nil
}

func (m *Memory) deleteLocked(key []byte) {
	k := string(key)
	if _, exists := m.vals[k]; !exists {
		return
	}
	delete(m.vals, k)
	i := sort.Search(len(m.keys), func(i int) bool { return bytes.Compare(m.keys[i], key) >= 0 })
	if i < len(m.keys) && bytes.Equal(m.keys[i], key) {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
	}
}

func (m *Memory) List(_ context.Context, opts ListOptions) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, k := range m.keys {
		if opts.Prefix != nil && !bytes.HasPrefix(k, opts.Prefix) {
			continue
		}
		if opts.Start != nil && bytes.Compare(k, opts.Start) < 0 {
			continue
		}
		if opts.End != nil && bytes.Compare(k, opts.End) >= 0 {
			continue
		}
		out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), m.vals[string(k)]...)})
	}
	if opts.Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) DeletePrefix(ctx context.Context, prefix []byte) error {
	entries, err := m.List(ctx, ListOptions{Prefix: prefix})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.deleteLocked(e.Key)
	}
	return nil
}

func (m *Memory) Batch(_ context.Context, ops []BatchOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m.putLocked(op.Key, op.Value)
		case OpDelete:
			m.deleteLocked(op.Key)
		default:
			return riveterrors.New(riveterrors.GroupInternal, riveterrors.CodeDriverError, "unknown batch op kind")
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
