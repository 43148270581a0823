// Package monitor implements the broker client's notification monitor
// (spec §4.10): it maintains a subscription set, applies the same
// Add/Remove/Modify compression rules the server-side collector uses
// (so a burst of rapid local deliveries collapses the same way), filters
// out changes to collections the caller has chosen to ignore, and caches
// recently-seen items in a bounded LRU.
package monitor

import (
	"container/list"
	"sync"
	"time"

	"github.com/pimbroker/broker/internal/notify"
)

// Subscription describes what a monitor cares about: a set of collection
// IDs (empty = all) and a set of collection IDs to ignore even if they'd
// otherwise match.
type Subscription struct {
	CollectionIDs []int64
	Ignored       []int64
}

func (s Subscription) matches(collectionID int64) bool {
	for _, ignored := range s.Ignored {
		if ignored == collectionID {
			return false
		}
	}
	if len(s.CollectionIDs) == 0 {
		return true
	}
	for _, id := range s.CollectionIDs {
		if id == collectionID {
			return true
		}
	}
	return false
}

// lru is a small fixed-capacity cache used for recently-touched entity
// metadata (spec: "bounded LRU caches").
type lru struct {
	capacity int
	mu       sync.Mutex
	order    *list.List
	items    map[int64]*list.Element
}

type lruEntry struct {
	key   int64
	value interface{}
}

func newLRU(capacity int) *lru {
	return &lru{capacity: capacity, order: list.New(), items: make(map[int64]*list.Element)}
}

func (c *lru) Get(key int64) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lru) Put(key int64, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lru) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// RefCountedPurgeBuffer defers releasing an entity's cached entry until
// its reference count drops to zero, so an in-flight reader never has
// the entry it's holding evicted out from under it (spec: "ref/deref
// purge buffer").
type RefCountedPurgeBuffer struct {
	mu     sync.Mutex
	refs   map[int64]int
	purged map[int64]bool
	onPurge func(id int64)
}

func NewRefCountedPurgeBuffer(onPurge func(id int64)) *RefCountedPurgeBuffer {
	return &RefCountedPurgeBuffer{refs: make(map[int64]int), purged: make(map[int64]bool), onPurge: onPurge}
}

func (b *RefCountedPurgeBuffer) Ref(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[id]++
}

// Deref releases one reference; if the count reaches zero and the entry
// was marked for purge while referenced, the purge callback fires now.
func (b *RefCountedPurgeBuffer) Deref(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[id]--
	if b.refs[id] <= 0 {
		delete(b.refs, id)
		if b.purged[id] {
			delete(b.purged, id)
			if b.onPurge != nil {
				b.onPurge(id)
			}
		}
	}
}

// RequestPurge marks id for purge: immediately if unreferenced, deferred
// until Deref drops the count to zero otherwise.
func (b *RefCountedPurgeBuffer) RequestPurge(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs[id] > 0 {
		b.purged[id] = true
		return
	}
	if b.onPurge != nil {
		b.onPurge(id)
	}
}

// Monitor receives notify.Notification values (delivered over the wire
// by the client session, or mirrored over websocket — see mirror.go),
// filters them against its Subscription, compresses bursts using the
// same rules as internal/notify.Collector, and debounces
// ModifySubscription changes so a caller toggling subscriptions rapidly
// doesn't re-subscribe on every call.
type Monitor struct {
	mu           sync.Mutex
	subscription Subscription
	collector    *notify.Collector
	itemCache    *lru
	debounce     time.Duration
	debounceTimer *time.Timer
	pendingSub   *Subscription
	applySub     func(Subscription)
}

func New(itemCacheSize int, debounce time.Duration, applySub func(Subscription)) *Monitor {
	if itemCacheSize <= 0 {
		itemCacheSize = 256
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Monitor{
		collector: notify.NewCollector(nil),
		itemCache: newLRU(itemCacheSize),
		debounce:  debounce,
		applySub:  applySub,
	}
}

// ModifySubscription schedules sub to take effect after the debounce
// window, replacing any not-yet-applied pending change.
func (m *Monitor) ModifySubscription(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingSub = &sub
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(m.debounce, m.flushSubscription)
}

func (m *Monitor) flushSubscription() {
	m.mu.Lock()
	sub := m.pendingSub
	m.pendingSub = nil
	m.mu.Unlock()
	if sub == nil {
		return
	}
	m.mu.Lock()
	m.subscription = *sub
	m.mu.Unlock()
	if m.applySub != nil {
		m.applySub(*sub)
	}
}

// Record feeds one incoming notification through the subscription filter
// and into the compression collector.
func (m *Monitor) Record(n notify.Notification) {
	m.mu.Lock()
	sub := m.subscription
	m.mu.Unlock()
	if !sub.matches(n.CollectionID) {
		return
	}
	m.collector.Record(n)
	if n.Entity == notify.EntityItem {
		m.itemCache.Put(n.EntityID, n)
	}
}

// Pending returns the compressed notifications accumulated so far.
func (m *Monitor) Pending() []notify.Notification {
	return m.collector.Pending()
}

// Drain returns and clears the compressed notifications.
func (m *Monitor) Drain() []notify.Notification {
	pending := m.collector.Pending()
	m.collector.Discard()
	return pending
}

// CachedItem returns the last recorded notification for itemID, if still
// in the bounded cache.
func (m *Monitor) CachedItem(itemID int64) (notify.Notification, bool) {
	v, ok := m.itemCache.Get(itemID)
	if !ok {
		return notify.Notification{}, false
	}
	return v.(notify.Notification), true
}
