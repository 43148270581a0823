// Package notify is the broker's notification collector (spec §4.5): it
// buffers per-transaction change events, coalesces them according to the
// spec's Add/Remove/Modify rules, and emits the surviving set in commit
// order once the owning transaction commits. Delivery to other broker
// processes rides on PostgreSQL LISTEN/NOTIFY through pkg/pgnotify.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/pimbroker/broker/pkg/pgnotify"
)

// ChangeKind is the operation a notification reports.
type ChangeKind string

const (
	ChangeAdd         ChangeKind = "add"
	ChangeRemove      ChangeKind = "remove"
	ChangeModify      ChangeKind = "modify"
	ChangeModifyFlags ChangeKind = "modifyFlags"
	ChangeMove        ChangeKind = "move"
)

// EntityType is what a Notification is about.
type EntityType string

const (
	EntityItem       EntityType = "item"
	EntityCollection EntityType = "collection"
	EntityTag        EntityType = "tag"
)

// Notification describes one change to one entity.
type Notification struct {
	Kind         ChangeKind `json:"kind"`
	Entity       EntityType `json:"entity"`
	EntityID     int64      `json:"entityId"`
	CollectionID int64      `json:"collectionId"`
	// AddedFlags/RemovedFlags are only meaningful for ChangeModifyFlags.
	AddedFlags   []int64 `json:"addedFlags,omitempty"`
	RemovedFlags []int64 `json:"removedFlags,omitempty"`
}

const channel = "broker_notifications"

// Collector buffers notifications produced within one transaction's
// scope and, once told to Flush (on commit), coalesces and publishes
// them grouped by kind as Pending orders them: Adds, then Removes, then
// all other kinds, each group in the order its entities were first touched.
type Collector struct {
	mu       sync.Mutex
	order    []notifKey // (entity type, id) pairs in first-touched order
	byEntity map[notifKey]*Notification

	bus *pgnotify.Bus
}

// notifKey identifies one entity within a transaction. Both fields are
// required: an Item and a Collection can legitimately share a numeric ID
// in the same transaction, and keying (or ordering) on id alone would
// collide them.
type notifKey struct {
	entity EntityType
	id     int64
}

func NewCollector(bus *pgnotify.Bus) *Collector {
	return &Collector{byEntity: make(map[notifKey]*Notification), bus: bus}
}

// Record adds n to the pending set, applying the coalescing rules
// against anything already recorded for the same entity in this
// transaction:
//   - Add followed by Remove cancels both (spec: "Add+Remove cancel").
//   - Add followed by Modify collapses to a single Add (spec:
//     "Add+Modify collapse").
//   - ModifyFlags entries for the same entity union their Added sets and
//     union their Removed sets, then drop any flag that nets to nothing
//     (spec: "ModifyFlags union/intersection").
func (c *Collector) Record(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := notifKey{entity: n.Entity, id: n.EntityID}
	existing, ok := c.byEntity[key]
	if !ok {
		cp := n
		c.byEntity[key] = &cp
		c.order = append(c.order, key)
		return
	}

	switch {
	case existing.Kind == ChangeAdd && n.Kind == ChangeRemove:
		delete(c.byEntity, key)
		c.removeFromOrder(key)
	case existing.Kind == ChangeAdd && n.Kind == ChangeModify:
		// Stays an Add: the entity didn't exist before this transaction
		// from any outside observer's point of view.
	case existing.Kind == ChangeModifyFlags && n.Kind == ChangeModifyFlags:
		existing.AddedFlags, existing.RemovedFlags = mergeFlagChanges(
			existing.AddedFlags, existing.RemovedFlags, n.AddedFlags, n.RemovedFlags)
	default:
		cp := n
		c.byEntity[key] = &cp
	}
}

func (c *Collector) removeFromOrder(key notifKey) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// mergeFlagChanges unions a's and b's added/removed sets, then drops any
// flag ID that appears on both sides (it nets to "no change").
func mergeFlagChanges(addedA, removedA, addedB, removedB []int64) (added, removed []int64) {
	addedSet := toSet(addedA, addedB)
	removedSet := toSet(removedA, removedB)
	for id := range addedSet {
		if removedSet[id] {
			delete(addedSet, id)
			delete(removedSet, id)
		}
	}
	return fromSet(addedSet), fromSet(removedSet)
}

func toSet(lists ...[]int64) map[int64]bool {
	out := make(map[int64]bool)
	for _, l := range lists {
		for _, v := range l {
			out[v] = true
		}
	}
	return out
}

func fromSet(s map[int64]bool) []int64 {
	out := make([]int64, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}

// Pending returns the coalesced notifications recorded so far, grouped
// by Kind in the commit order spec §4.5 requires: every Add first, then
// every Remove, then everything else (Modify/ModifyFlags/Move), each
// group preserving the order its entities were first touched in. A
// transaction that modifies entity A then adds entity B must emit
// Add(B) before Modify(A), even though A was touched first.
func (c *Collector) Pending() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	var adds, removes, others []Notification
	for _, key := range c.order {
		n, ok := c.byEntity[key]
		if !ok {
			continue
		}
		switch n.Kind {
		case ChangeAdd:
			adds = append(adds, *n)
		case ChangeRemove:
			removes = append(removes, *n)
		default:
			others = append(others, *n)
		}
	}

	out := make([]Notification, 0, len(adds)+len(removes)+len(others))
	out = append(out, adds...)
	out = append(out, removes...)
	out = append(out, others...)
	return out
}

// Flush publishes every pending notification via LISTEN/NOTIFY and clears
// the collector so it can be reused for the next transaction. Call this
// only after the owning transaction has committed: publishing before
// commit would let a subscriber observe a change that could still be
// rolled back.
func (c *Collector) Flush(ctx context.Context) error {
	pending := c.Pending()

	c.mu.Lock()
	c.order = nil
	c.byEntity = make(map[notifKey]*Notification)
	c.mu.Unlock()

	if c.bus == nil {
		return nil
	}
	for _, n := range pending {
		if err := c.bus.Publish(ctx, channel, n); err != nil {
			return fmt.Errorf("notify: publish: %w", err)
		}
	}
	return nil
}

// Discard clears pending notifications without publishing them, for use
// when the owning transaction rolls back.
func (c *Collector) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.byEntity = make(map[notifKey]*Notification)
}
