package monitor

import (
	"testing"
	"time"

	"github.com/pimbroker/broker/internal/notify"
)

func TestSubscriptionFiltersIgnoredCollections(t *testing.T) {
	sub := Subscription{CollectionIDs: []int64{1, 2}, Ignored: []int64{2}}
	if !sub.matches(1) {
		t.Fatalf("expected collection 1 to match")
	}
	if sub.matches(2) {
		t.Fatalf("expected collection 2 to be filtered by Ignored")
	}
	if sub.matches(3) {
		t.Fatalf("expected collection 3 to not match a non-empty allow-list")
	}
}

func TestSubscriptionEmptyListMatchesAll(t *testing.T) {
	sub := Subscription{}
	if !sub.matches(999) {
		t.Fatalf("expected an empty subscription to match everything")
	}
}

func TestMonitorRecordFiltersAndCompresses(t *testing.T) {
	m := New(16, time.Millisecond, nil)
	m.ModifySubscription(Subscription{CollectionIDs: []int64{1}})
	time.Sleep(20 * time.Millisecond) // let the debounced subscription apply

	m.Record(notify.Notification{Kind: notify.ChangeAdd, Entity: notify.EntityItem, EntityID: 1, CollectionID: 1})
	m.Record(notify.Notification{Kind: notify.ChangeModify, Entity: notify.EntityItem, EntityID: 1, CollectionID: 1})
	m.Record(notify.Notification{Kind: notify.ChangeAdd, Entity: notify.EntityItem, EntityID: 2, CollectionID: 99})

	pending := m.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected only collection-1 notifications to survive the filter, got %#v", pending)
	}
	if pending[0].Kind != notify.ChangeAdd {
		t.Fatalf("expected Add+Modify to collapse to Add, got %v", pending[0].Kind)
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	c := newLRU(2)
	c.Put(1, "a")
	c.Put(2, "b")
	c.Put(3, "c") // evicts 1
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected key 1 to be evicted")
	}
	if v, ok := c.Get(2); !ok || v != "b" {
		t.Fatalf("expected key 2 to survive")
	}
}

func TestRefCountedPurgeBufferDefersUntilDeref(t *testing.T) {
	purged := make(chan int64, 1)
	b := NewRefCountedPurgeBuffer(func(id int64) { purged <- id })

	b.Ref(1)
	b.RequestPurge(1)
	select {
	case <-purged:
		t.Fatalf("expected purge to be deferred while referenced")
	default:
	}

	b.Deref(1)
	select {
	case id := <-purged:
		if id != 1 {
			t.Fatalf("got %d", id)
		}
	default:
		t.Fatalf("expected purge to fire once reference dropped to zero")
	}
}

func TestRefCountedPurgeBufferImmediateWhenUnreferenced(t *testing.T) {
	purged := make(chan int64, 1)
	b := NewRefCountedPurgeBuffer(func(id int64) { purged <- id })
	b.RequestPurge(5)
	select {
	case id := <-purged:
		if id != 5 {
			t.Fatalf("got %d", id)
		}
	default:
		t.Fatalf("expected immediate purge for an unreferenced entity")
	}
}
