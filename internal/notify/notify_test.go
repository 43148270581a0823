package notify

import "testing"

func TestAddRemoveCancel(t *testing.T) {
	c := NewCollector(nil)
	c.Record(Notification{Kind: ChangeAdd, Entity: EntityItem, EntityID: 1})
	c.Record(Notification{Kind: ChangeRemove, Entity: EntityItem, EntityID: 1})
	if len(c.Pending()) != 0 {
		t.Fatalf("expected Add+Remove to cancel, got %#v", c.Pending())
	}
}

func TestAddModifyCollapsesToAdd(t *testing.T) {
	c := NewCollector(nil)
	c.Record(Notification{Kind: ChangeAdd, Entity: EntityItem, EntityID: 1})
	c.Record(Notification{Kind: ChangeModify, Entity: EntityItem, EntityID: 1})
	pending := c.Pending()
	if len(pending) != 1 || pending[0].Kind != ChangeAdd {
		t.Fatalf("expected a single Add, got %#v", pending)
	}
}

func TestModifyFlagsUnion(t *testing.T) {
	c := NewCollector(nil)
	c.Record(Notification{Kind: ChangeModifyFlags, Entity: EntityItem, EntityID: 1, AddedFlags: []int64{1}})
	c.Record(Notification{Kind: ChangeModifyFlags, Entity: EntityItem, EntityID: 1, AddedFlags: []int64{2}, RemovedFlags: []int64{3}})
	pending := c.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one coalesced notification, got %d", len(pending))
	}
	n := pending[0]
	if !containsInt64(n.AddedFlags, 1) || !containsInt64(n.AddedFlags, 2) {
		t.Fatalf("added flags = %#v", n.AddedFlags)
	}
	if !containsInt64(n.RemovedFlags, 3) {
		t.Fatalf("removed flags = %#v", n.RemovedFlags)
	}
}

func TestModifyFlagsNetsToNothing(t *testing.T) {
	c := NewCollector(nil)
	c.Record(Notification{Kind: ChangeModifyFlags, Entity: EntityItem, EntityID: 1, AddedFlags: []int64{5}})
	c.Record(Notification{Kind: ChangeModifyFlags, Entity: EntityItem, EntityID: 1, RemovedFlags: []int64{5}})
	pending := c.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected one coalesced notification, got %d", len(pending))
	}
	if len(pending[0].AddedFlags) != 0 || len(pending[0].RemovedFlags) != 0 {
		t.Fatalf("expected flag 5 to net to nothing, got %#v", pending[0])
	}
}

func TestPendingGroupsAddsBeforeRemovesBeforeModifies(t *testing.T) {
	c := NewCollector(nil)
	// Touch order: modify A, remove B, add C. Commit order must be
	// Add(C), Remove(B), Modify(A) regardless of touch order.
	c.Record(Notification{Kind: ChangeModify, Entity: EntityItem, EntityID: 1})
	c.Record(Notification{Kind: ChangeRemove, Entity: EntityItem, EntityID: 2})
	c.Record(Notification{Kind: ChangeAdd, Entity: EntityItem, EntityID: 3})
	pending := c.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 notifications, got %#v", pending)
	}
	if pending[0].Kind != ChangeAdd || pending[0].EntityID != 3 {
		t.Fatalf("expected Add(3) first, got %#v", pending[0])
	}
	if pending[1].Kind != ChangeRemove || pending[1].EntityID != 2 {
		t.Fatalf("expected Remove(2) second, got %#v", pending[1])
	}
	if pending[2].Kind != ChangeModify || pending[2].EntityID != 1 {
		t.Fatalf("expected Modify(1) third, got %#v", pending[2])
	}
}

func TestPendingKeysByEntityTypeAndID(t *testing.T) {
	c := NewCollector(nil)
	// An Item and a Collection sharing numeric ID 7 in one transaction
	// must both survive independently.
	c.Record(Notification{Kind: ChangeAdd, Entity: EntityItem, EntityID: 7})
	c.Record(Notification{Kind: ChangeModify, Entity: EntityCollection, EntityID: 7})
	pending := c.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected both entities to survive, got %#v", pending)
	}
	var sawItem, sawCollection bool
	for _, n := range pending {
		if n.Entity == EntityItem && n.EntityID == 7 && n.Kind == ChangeAdd {
			sawItem = true
		}
		if n.Entity == EntityCollection && n.EntityID == 7 && n.Kind == ChangeModify {
			sawCollection = true
		}
	}
	if !sawItem || !sawCollection {
		t.Fatalf("expected distinct Item(7) and Collection(7) notifications, got %#v", pending)
	}
}

func TestDiscardClearsPending(t *testing.T) {
	c := NewCollector(nil)
	c.Record(Notification{Kind: ChangeAdd, Entity: EntityItem, EntityID: 1})
	c.Discard()
	if len(c.Pending()) != 0 {
		t.Fatalf("expected Discard to clear pending notifications")
	}
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
