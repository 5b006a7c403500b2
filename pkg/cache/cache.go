// Package cache is a field-aware resource cache. An entry remembers which
// fields of a resource have been fetched, so a read that asks only for known
// fields is answered locally and a read for new fields fetches just those.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// FetchFunc loads fields of one resource. A nil fields slice asks for every
// field. The returned map is merged into the entry.
type FetchFunc func(ctx context.Context, fields []string) (map[string]any, error)

// PartitionStats counts lookups in one (platform, kind) partition.
type PartitionStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Fetches int64 `json:"fetches"`
}

// Stats is a snapshot of cumulative cache counters.
type Stats struct {
	Hits       int64                     `json:"hits"`
	Misses     int64                     `json:"misses"`
	Fetches    int64                     `json:"fetches"`
	Entries    int                       `json:"entries"`
	Partitions map[string]PartitionStats `json:"partitions"`
}

// IdentityFunc resolves the principal a cache serves. Entries written under
// one identity are never read under another.
type IdentityFunc func(ctx context.Context) (string, error)

// Cache is safe for concurrent use. Fetches run without holding the lock so
// independent keys can be filled in parallel.
type Cache struct {
	store    Store
	identity IdentityFunc
	logger   hclog.Logger

	mu    sync.Mutex
	parts map[string]*PartitionStats
}

// New creates a Cache on store. A nil store means an in-memory store.
func New(store Store, logger hclog.Logger) *Cache {
	return NewScoped(store, nil, logger)
}

// NewScoped creates a Cache whose keys carry the identity returned by
// identity. Use it whenever store outlives the credentials, such as a sqlite
// file shared across runs.
func NewScoped(store Store, identity IdentityFunc, logger hclog.Logger) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cache{
		store:    store,
		identity: identity,
		logger:   logger.Named("cache"),
		parts:    map[string]*PartitionStats{},
	}
}

// scope stamps key with the cache's identity.
func (c *Cache) scope(ctx context.Context, key Key) (Key, error) {
	if c.identity == nil {
		return key, nil
	}
	id, err := c.identity(ctx)
	if err != nil {
		return Key{}, fmt.Errorf("failed to resolve cache identity: %w", err)
	}
	key.Identity = id
	return key, nil
}

func (c *Cache) partition(key Key) *PartitionStats {
	p, ok := c.parts[key.partition()]
	if !ok {
		p = &PartitionStats{}
		c.parts[key.partition()] = p
	}
	return p
}

func (c *Cache) load(ctx context.Context, key Key) (*Entry, error) {
	e, ok, err := c.store.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newEntry(), nil
	}
	return e, nil
}

// Get returns the requested fields of key. When every field is known the
// store answers; otherwise fetch is called exactly once with the missing
// fields and the result is merged into the entry.
func (c *Cache) Get(ctx context.Context, key Key, fields []string, fetch FetchFunc) (map[string]any, error) {
	fields = NormalizeFields(fields)
	key, err := c.scope(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e, err := c.load(ctx, key)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	missing := e.Missing(fields)
	part := c.partition(key)
	if missing != nil && len(missing) == 0 {
		part.Hits++
		c.mu.Unlock()
		c.logger.Trace("cache hit", "key", key.String(), "fields", fields)
		return e.Project(fields), nil
	}
	part.Misses++
	part.Fetches++
	c.mu.Unlock()

	c.logger.Debug("cache miss", "key", key.String(), "missing", missing)
	values, err := fetch(ctx, missing)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Reload so a concurrent patch to the same key is not lost.
	e, err = c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	e.merge(missing, values)
	if err := c.store.Save(ctx, key, e); err != nil {
		return nil, err
	}
	return e.Project(fields), nil
}

// Peek returns a copy of the entry for key without counting a lookup.
func (c *Cache) Peek(ctx context.Context, key Key) (*Entry, bool, error) {
	key, err := c.scope(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Load(ctx, key)
}

// Put records values as the result of a fetch. A nil fields slice marks the
// entry complete. It is used to warm entries from list results.
func (c *Cache) Put(ctx context.Context, key Key, fields []string, values map[string]any) error {
	key, err := c.scope(ctx, key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	e.merge(NormalizeFields(fields), values)
	return c.store.Save(ctx, key, e)
}

// Patch applies a local mutation. Exactly the written fields change; nothing
// else of the entry is dropped.
func (c *Cache) Patch(ctx context.Context, key Key, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	key, err := c.scope(ctx, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	written := make([]string, 0, len(values))
	for k := range values {
		written = append(written, k)
	}
	sort.Strings(written)
	e.merge(written, values)

	c.logger.Trace("cache patched", "key", key.String(), "fields", written, "version", e.Version)
	return c.store.Save(ctx, key, e)
}

// Invalidate drops the named fields of key, or the whole entry when no field
// is named.
func (c *Cache) Invalidate(ctx context.Context, key Key, fields ...string) error {
	key, err := c.scope(ctx, key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(fields) == 0 {
		c.logger.Trace("cache entry invalidated", "key", key.String())
		return c.store.Delete(ctx, key)
	}

	e, ok, err := c.store.Load(ctx, key)
	if err != nil || !ok {
		return err
	}
	delete(e.Known, AllFields)
	for _, f := range fields {
		name := fieldName(f)
		e.forget(name)
		delete(e.Value, name)
	}
	e.Version++
	return c.store.Save(ctx, key, e)
}

// InvalidateKind drops every entry of one partition under every identity.
// Mutations that change list results use it.
func (c *Cache) InvalidateKind(ctx context.Context, platform, kind string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.store.DeleteKind(ctx, platform, kind)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("cache partition invalidated", "platform", platform, "kind", kind, "entries", n)
	return n, nil
}

// Stats returns cumulative counters.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Partitions: make(map[string]PartitionStats, len(c.parts))}
	for name, p := range c.parts {
		s.Partitions[name] = *p
		s.Hits += p.Hits
		s.Misses += p.Misses
		s.Fetches += p.Fetches
	}
	n, err := c.store.Len(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to count cache entries: %w", err)
	}
	s.Entries = n
	return s, nil
}
