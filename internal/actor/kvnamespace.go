package actor

import (
	"context"

	"github.com/rivetkit-go/rivetkit/internal/kv"
)

// prefixedStore namespaces every key under prefix so user KV operations
// (§4.C "User KV operations are namespaced under a distinct prefix")
// never collide with the runtime's own bookkeeping keys, which share the
// same underlying kv.Store.
type prefixedStore struct {
	inner  kv.Store
	prefix string
}

func (p *prefixedStore) wrap(key []byte) []byte {
	return append([]byte(p.prefix), key...)
}

func (p *prefixedStore) unwrap(key []byte) []byte {
	return key[len(p.prefix):]
}

func (p *prefixedStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return p.inner.Get(ctx, p.wrap(key))
}

func (p *prefixedStore) Put(ctx context.Context, key, value []byte) error {
	return p.inner.Put(ctx, p.wrap(key), value)
}

func (p *prefixedStore) Delete(ctx context.Context, key []byte) error {
	return p.inner.Delete(ctx, p.wrap(key))
}

func (p *prefixedStore) List(ctx context.Context, opts kv.ListOptions) ([]kv.Entry, error) {
	wrapped := opts
	if opts.Prefix != nil {
		wrapped.Prefix = p.wrap(opts.Prefix)
	} else {
		wrapped.Prefix = []byte(p.prefix)
	}
	if opts.Start != nil {
		wrapped.Start = p.wrap(opts.Start)
	}
	if opts.End != nil {
		wrapped.End = p.wrap(opts.End)
	}
	entries, err := p.inner.List(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	out := make([]kv.Entry, len(entries))
	for idx, e := range entries {
		out[idx] = kv.Entry{Key: p.unwrap(e.Key), Value: e.Value}
	}
	return out, nil
}

func (p *prefixedStore) DeletePrefix(ctx context.Context, prefix []byte) error {
	return p.inner.DeletePrefix(ctx, p.wrap(prefix))
}

func (p *prefixedStore) Batch(ctx context.Context, ops []kv.BatchOp) error {
	wrapped := make([]kv.BatchOp, len(ops))
	for idx, op := range ops {
		wrapped[idx] = kv.BatchOp{Kind: op.Kind, Key: p.wrap(op.Key), Value: op.Value}
	}
	return p.inner.Batch(ctx, wrapped)
}

func (p *prefixedStore) Close() error { return nil }
