// Package provider implements the Store Providers of spec §4.6: the
// indirection layer between a primitive (lease/outbox/inbox/scheduler/
// sideeffect) and the concrete store instance(s) backing it, so a
// dispatcher can be handed "the store for tenant X" without caring whether
// that means one store, a fixed map of stores, or a discovery-driven set
// that changes underneath it.
package provider

import (
	"context"

	"github.com/incursa/platform-sub008/perr"
)

// Provider resolves a key (typically a tenant or database identifier) to
// a store instance of type S.
type Provider[S any] interface {
	Get(ctx context.Context, key string) (S, error)
	// Keys returns every key currently known to the provider, used by
	// dispatchers that must poll every backing store.
	Keys(ctx context.Context) ([]string, error)
}

// Single resolves only its own key, to the one store it was built with;
// any other key is rejected with InvalidArgument.
type Single[S any] struct {
	key   string
	store S
}

// NewSingle builds a Provider that always returns store for key.
func NewSingle[S any](key string, store S) *Single[S] {
	return &Single[S]{key: key, store: store}
}

func (p *Single[S]) Get(_ context.Context, key string) (S, error) {
	var zero S
	if key != p.key {
		return zero, perr.New(perr.KindInvalidArgument, "unknown provider key: "+key)
	}
	return p.store, nil
}

func (p *Single[S]) Keys(_ context.Context) ([]string, error) {
	return []string{p.key}, nil
}

// Static resolves against a fixed key→store map built once at
// construction and never changed afterward.
type Static[S any] struct {
	stores map[string]S
	keys   []string
}

// NewStatic builds a Provider over a fixed map of key to store.
func NewStatic[S any](stores map[string]S) *Static[S] {
	keys := make([]string, 0, len(stores))
	for k := range stores {
		keys = append(keys, k)
	}
	cp := make(map[string]S, len(stores))
	for k, v := range stores {
		cp[k] = v
	}
	return &Static[S]{stores: cp, keys: keys}
}

func (p *Static[S]) Get(_ context.Context, key string) (S, error) {
	s, ok := p.stores[key]
	if !ok {
		var zero S
		return zero, perr.New(perr.KindInvalidArgument, "unknown provider key: "+key)
	}
	return s, nil
}

func (p *Static[S]) Keys(_ context.Context) ([]string, error) {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out, nil
}

// DiscoveryEntry is one row of a discovery snapshot: a key paired with
// the connection string (or other construction parameter) a Dynamic
// provider uses to decide whether an existing store can be reused.
type DiscoveryEntry struct {
	Key              string
	ConnectionString string
}

// DiscoverFunc enumerates the currently-live backing stores.
type DiscoverFunc func(ctx context.Context) ([]DiscoveryEntry, error)

// BuildFunc constructs a new store instance of type S for one discovery
// entry.
type BuildFunc[S any] func(ctx context.Context, entry DiscoveryEntry) (S, error)

// DisposeFunc releases a store instance that Dynamic is retiring, e.g.
// because its key disappeared from discovery or its connection string
// changed.
type DisposeFunc[S any] func(store S)
