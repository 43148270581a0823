// Package entitycache holds the storage engine's process-wide caches for
// small, frequently-read entity tables: MimeType, Flag, Resource, and
// Collection (spec §4.4 "entity caches"). Each cache is opt-in per table
// and, when enabled, can additionally mirror invalidations through Redis
// so multiple broker processes sharing one database stay coherent.
package entitycache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/pkg/logger"
)

// entry mirrors infrastructure/cache's versioned-entry shape, scoped down
// to what a process-wide entity cache needs: no TTL, since these tables
// are small enough to hold in full, just an explicit Invalidate.
type entry struct {
	value   interface{}
	version int64
}

// Cache holds one entity table's rows keyed by ID, with an optional Redis
// mirror for cross-process invalidation (spec: "opt-in... optional Redis
// mirroring").
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]*entry
	version int64

	name   string
	redis  *redis.Client
	log    *logger.Logger
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithRedisMirror enables cross-process invalidation: InvalidateAll also
// publishes on a Redis pub/sub channel named "entitycache:<name>", and a
// background subscriber clears the local cache when another process
// publishes the same invalidation.
func WithRedisMirror(client *redis.Client) Option {
	return func(c *Cache) { c.redis = client }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New builds an empty cache for the named table ("mimetype", "flag",
// "resource", "collection").
func New(name string, opts ...Option) *Cache {
	c := &Cache{name: name, entries: make(map[int64]*entry)}
	for _, opt := range opts {
		opt(c)
	}
	if c.redis != nil {
		go c.subscribeInvalidations()
	}
	return c
}

func (c *Cache) channel() string { return "entitycache:" + c.name }

func (c *Cache) subscribeInvalidations() {
	ctx := context.Background()
	sub := c.redis.Subscribe(ctx, c.channel())
	defer sub.Close()
	for msg := range sub.Channel() {
		var payload struct{ Version int64 }
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			continue
		}
		c.mu.Lock()
		if payload.Version > c.version {
			c.version = payload.Version
			c.entries = make(map[int64]*entry)
		}
		c.mu.Unlock()
	}
}

// Get returns the cached row for id, if present.
func (c *Cache) Get(id int64) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores (or replaces) the row for id.
func (c *Cache) Set(id int64, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{value: value, version: c.version}
}

// Invalidate drops one row.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// InvalidateAll clears the whole table and, if a Redis mirror is
// configured, announces the new version to sibling processes.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.version++
	version := c.version
	c.entries = make(map[int64]*entry)
	c.mu.Unlock()

	if c.redis == nil {
		return
	}
	payload, _ := json.Marshal(struct{ Version int64 }{Version: version})
	if err := c.redis.Publish(ctx, c.channel(), payload).Err(); err != nil && c.log != nil {
		c.log.WithField("cache", c.name).WithField("error", err).Warn("entitycache: redis publish failed")
	}
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Set of the four process-wide caches the storage engine keeps, bundled
// together so Init can activate all of them with one set of options.
type Set struct {
	MimeType   *Cache
	Flag       *Cache
	Resource   *Cache
	Collection *Cache
}

// NewSet builds a Set. redisClient may be nil, in which case the caches
// stay process-local.
func NewSet(redisClient *redis.Client, log *logger.Logger) *Set {
	opts := func() []Option {
		var o []Option
		if redisClient != nil {
			o = append(o, WithRedisMirror(redisClient))
		}
		if log != nil {
			o = append(o, WithLogger(log))
		}
		return o
	}
	return &Set{
		MimeType:   New("mimetype", opts()...),
		Flag:       New("flag", opts()...),
		Resource:   New("resource", opts()...),
		Collection: New("collection", opts()...),
	}
}

// GetCollection is a typed convenience wrapper over Get for the Collection
// cache, since entity.Collection is what callers actually want back.
func (s *Set) GetCollection(id int64) (entity.Collection, bool) {
	v, ok := s.Collection.Get(id)
	if !ok {
		return entity.Collection{}, false
	}
	col, ok := v.(entity.Collection)
	return col, ok
}
