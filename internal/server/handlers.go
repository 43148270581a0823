package server

import (
	"context"
	"errors"
	"time"

	"github.com/pimbroker/broker/internal/brokererr"
	"github.com/pimbroker/broker/internal/entity"
	"github.com/pimbroker/broker/internal/notify"
	"github.com/pimbroker/broker/internal/storage"
	"github.com/pimbroker/broker/internal/wire"
)

// errResponse translates a storage/domain error into a tagged NO response,
// preferring a brokererr.ServiceError's message when the error carries one.
func errResponse(tag wire.Tag, err error) wire.Command {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return wire.NewResponse(tag, wire.StatusNO, "not found")
	case errors.Is(err, storage.ErrCycle):
		return wire.NewResponse(tag, wire.StatusNO, "would create a cycle")
	}
	if serr := brokererr.As(err); serr != nil {
		return wire.NewResponse(tag, wire.StatusNO, serr.Message)
	}
	return wire.NewResponse(tag, wire.StatusNO, err.Error())
}

func stringListField(cmd wire.Command, name string) []string {
	if v, ok := cmd.Get(name); ok {
		return v.SL
	}
	return nil
}

func int64ListField(cmd wire.Command, name string) []int64 {
	if v, ok := cmd.Get(name); ok {
		return v.IL
	}
	return nil
}

func boolField(cmd wire.Command, name string, def bool) bool {
	if v, ok := cmd.Get(name); ok {
		return v.I != 0
	}
	return def
}

func (c *Connection) resolveFlagIDs(ctx context.Context, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		f, err := c.store.ResolveFlag(ctx, name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// finishNotify flushes the connection's pending notifications once the
// calling handler's change is durable, unless an explicit Begin is still
// open: handleCommit/handleRollback own the flush/discard decision then.
func (c *Connection) finishNotify(ctx context.Context) {
	if c.notify == nil || c.txActive {
		return
	}
	if err := c.notify.Flush(ctx); err != nil {
		c.logError("notify flush", err)
	}
}

// --- Collection handlers (spec §6.1 "Collection.*") ---

func (c *Connection) handleCollectionCreate(ctx context.Context, cmd wire.Command) wire.Command {
	name := cmd.String("name")
	if name == "" {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "name is required")
	}
	resourceID := c.resourceID
	if v := cmd.Int64("resourceId"); v != 0 {
		resourceID = v
	}
	col := entity.Collection{
		ParentID:   cmd.Int64("parentId"),
		Name:       name,
		ResourceID: resourceID,
		IsVirtual:  boolField(cmd, "isVirtual", false),
		CachePolicy: entity.CachePolicy{
			Inherit:      boolField(cmd, "cacheInherit", true),
			CacheTimeout: time.Duration(cmd.Int64("cacheTimeoutSeconds")) * time.Second,
		},
	}
	created, err := c.store.CreateCollection(ctx, col)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeAdd, Entity: notify.EntityCollection, EntityID: created.ID, CollectionID: created.ParentID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("id", wire.Int64(created.ID))
}

func (c *Connection) handleCollectionModify(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}
	if name := cmd.String("name"); name != "" {
		if err := c.store.RenameCollection(ctx, id, name); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}
	if key := cmd.String("attributeKey"); key != "" {
		var err error
		if boolField(cmd, "removeAttribute", false) {
			err = c.store.RemoveCollectionAttribute(ctx, id, key)
		} else {
			err = c.store.AddCollectionAttribute(ctx, id, key, cmd.String("attributeValue"))
		}
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
	}
	if mimeTypeName := cmd.String("mimeType"); mimeTypeName != "" {
		mt, err := c.store.ResolveMimeType(ctx, mimeTypeName)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		if err := c.store.AppendMimeTypeForCollection(ctx, id, mt.ID); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}
	col, err := c.store.GetCollection(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeModify, Entity: notify.EntityCollection, EntityID: id, CollectionID: col.ParentID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleCollectionMove(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}
	newParentID := cmd.Int64("newParentId")
	if err := c.store.MoveCollection(ctx, id, newParentID); err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeMove, Entity: notify.EntityCollection, EntityID: id, CollectionID: newParentID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleCollectionDelete(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}
	if err := c.store.CleanupCollection(ctx, id, c.notify); err != nil {
		return errResponse(cmd.Tag, err)
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleCollectionFetchStatistics(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	itemCount, totalSize, err := c.store.CollectionStatistics(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").
		WithField("itemCount", wire.Int64(itemCount)).
		WithField("totalSize", wire.Int64(totalSize))
}

func (c *Connection) handleCollectionSubscribe(ctx context.Context, cmd wire.Command) wire.Command {
	collectionID := cmd.Int64("collectionId")
	if collectionID == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "collectionId is required")
	}
	sub := entity.Subscription{
		CollectionID: collectionID,
		Resource:     cmd.String("resource"),
		MimeTypes:    stringListField(cmd, "mimeTypes"),
	}
	created, err := c.store.CreateSubscription(ctx, sub)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("id", wire.Int64(created.ID))
}

func (c *Connection) handleCollectionUnsubscribe(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if err := c.store.DeleteSubscription(ctx, id); err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

// --- Item handlers (spec §6.1 "Item.*") ---

func (c *Connection) handleItemCreate(ctx context.Context, cmd wire.Command) wire.Command {
	collectionID := cmd.Int64("collectionId")
	if collectionID == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "collectionId is required")
	}

	var mimeTypeID int64
	if mimeTypeName := cmd.String("mimeType"); mimeTypeName != "" {
		mt, err := c.store.ResolveMimeType(ctx, mimeTypeName)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		mimeTypeID = mt.ID
	}

	item := entity.Item{
		CollectionID: collectionID,
		RemoteID:     cmd.String("remoteId"),
		GID:          cmd.String("gid"),
		MimeTypeID:   mimeTypeID,
	}

	var parts []entity.Part
	if partName := cmd.String("partName"); partName != "" {
		data := cmd.Bytes("partData")
		parts = append(parts, entity.Part{Name: partName, Size: int64(len(data)), Data: data})
	}

	created, err := c.store.AppendPimItem(ctx, item, parts)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}

	if flagNames := stringListField(cmd, "flags"); len(flagNames) > 0 {
		flagIDs, err := c.resolveFlagIDs(ctx, flagNames)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		if err := c.store.SetItemFlags(ctx, created.ID, flagIDs); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}

	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeAdd, Entity: notify.EntityItem, EntityID: created.ID, CollectionID: created.CollectionID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("id", wire.Int64(created.ID))
}

func (c *Connection) handleItemModify(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}

	if mimeTypeName := cmd.String("mimeType"); mimeTypeName != "" {
		mt, err := c.store.ResolveMimeType(ctx, mimeTypeName)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		if err := c.store.ModifyItem(ctx, id, mt.ID); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}

	if boolField(cmd, "clearParts", false) {
		if err := c.store.RemoveItemParts(ctx, id); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}

	if names := stringListField(cmd, "setFlags"); names != nil {
		ids, err := c.resolveFlagIDs(ctx, names)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		if err := c.store.SetItemsFlags(ctx, []int64{id}, ids, c.notify); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}
	if names := stringListField(cmd, "appendFlags"); len(names) > 0 {
		ids, err := c.resolveFlagIDs(ctx, names)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		if err := c.store.AppendItemsFlags(ctx, []int64{id}, ids, c.notify); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}
	if names := stringListField(cmd, "removeFlags"); len(names) > 0 {
		ids, err := c.resolveFlagIDs(ctx, names)
		if err != nil {
			return errResponse(cmd.Tag, err)
		}
		if err := c.store.RemoveItemsFlags(ctx, []int64{id}, ids, c.notify); err != nil {
			return errResponse(cmd.Tag, err)
		}
	}

	item, err := c.store.GetItem(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeModify, Entity: notify.EntityItem, EntityID: id, CollectionID: item.CollectionID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleItemMove(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	newCollectionID := cmd.Int64("newCollectionId")
	if id == 0 || newCollectionID == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id and newCollectionId are required")
	}
	if err := c.store.MoveItem(ctx, id, newCollectionID); err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeMove, Entity: notify.EntityItem, EntityID: id, CollectionID: newCollectionID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleItemDelete(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}
	item, err := c.store.GetItem(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	if err := c.store.RemoveItemParts(ctx, id); err != nil {
		return errResponse(cmd.Tag, err)
	}
	if err := c.store.DeleteItem(ctx, id); err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeRemove, Entity: notify.EntityItem, EntityID: id, CollectionID: item.CollectionID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleItemLink(ctx context.Context, cmd wire.Command) wire.Command {
	rel := entity.Relation{
		LeftID:   cmd.Int64("leftId"),
		RightID:  cmd.Int64("rightId"),
		Type:     cmd.String("type"),
		RemoteID: cmd.String("remoteId"),
	}
	if rel.LeftID == 0 || rel.RightID == 0 || rel.Type == "" {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "leftId, rightId and type are required")
	}
	if err := c.store.CreateRelation(ctx, rel); err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleItemUnlink(ctx context.Context, cmd wire.Command) wire.Command {
	rel := entity.Relation{
		LeftID:  cmd.Int64("leftId"),
		RightID: cmd.Int64("rightId"),
		Type:    cmd.String("type"),
	}
	if err := c.store.DeleteRelation(ctx, rel); err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleItemFetch(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	item, err := c.store.GetItem(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	flags, err := c.store.FetchItemFlags(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").
		WithField("id", wire.Int64(item.ID)).
		WithField("collectionId", wire.Int64(item.CollectionID)).
		WithField("mimeTypeId", wire.Int64(item.MimeTypeID)).
		WithField("size", wire.Int64(item.Size)).
		WithField("revision", wire.Int64(item.Revision)).
		WithField("remoteId", wire.String(item.RemoteID)).
		WithField("gid", wire.String(item.GID)).
		WithField("flags", wire.Int64List(flags))
}

// --- Tag handlers (spec §6.1 "Tag.*") ---

func (c *Connection) handleTagCreate(ctx context.Context, cmd wire.Command) wire.Command {
	t := entity.Tag{
		GID:      cmd.String("gid"),
		ParentID: cmd.Int64("parentId"),
		Type:     cmd.String("type"),
	}
	created, err := c.store.CreateTag(ctx, t)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeAdd, Entity: notify.EntityTag, EntityID: created.ID})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("id", wire.Int64(created.ID))
}

func (c *Connection) handleTagModify(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}
	tag, err := c.store.GetTag(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	attrs := tag.Attributes
	if attrs == nil {
		attrs = entity.Attributes{}
	}
	if key := cmd.String("attributeKey"); key != "" {
		if boolField(cmd, "removeAttribute", false) {
			attrs = attrs.Without(key)
		} else {
			attrs = attrs.With(key, cmd.String("attributeValue"))
		}
	}
	if err := c.store.ModifyTag(ctx, id, attrs); err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeModify, Entity: notify.EntityTag, EntityID: id})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleTagDelete(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if err := c.store.DeleteTag(ctx, id); err != nil {
		return errResponse(cmd.Tag, err)
	}
	if c.notify != nil {
		c.notify.Record(notify.Notification{Kind: notify.ChangeRemove, Entity: notify.EntityTag, EntityID: id})
	}
	c.finishNotify(ctx)
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleTagFetch(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	tag, err := c.store.GetTag(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").
		WithField("gid", wire.String(tag.GID)).
		WithField("parentId", wire.Int64(tag.ParentID)).
		WithField("type", wire.String(tag.Type))
}

// --- Search handlers (spec §6.1 "Search.*") ---

func (c *Connection) handleSearchModify(ctx context.Context, cmd wire.Command) wire.Command {
	q := entity.SearchQuery{
		ID:            cmd.Int64("id"),
		CollectionIDs: int64ListField(cmd, "collectionIds"),
		MimeType:      cmd.String("mimeType"),
		FlagName:      cmd.String("flagName"),
	}
	saved, err := c.store.ModifySearch(ctx, q)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("id", wire.Int64(saved.ID))
}

func (c *Connection) handleSearchResult(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	items, err := c.store.SearchResult(ctx, id)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("itemIds", wire.Int64List(ids))
}

// --- Subscription handlers (spec §6.1 "Subscription.*") ---

func (c *Connection) handleSubscriptionCreate(ctx context.Context, cmd wire.Command) wire.Command {
	sub := entity.Subscription{
		CollectionID: cmd.Int64("collectionId"),
		Resource:     cmd.String("resource"),
		MimeTypes:    stringListField(cmd, "mimeTypes"),
	}
	created, err := c.store.CreateSubscription(ctx, sub)
	if err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "").WithField("id", wire.Int64(created.ID))
}

func (c *Connection) handleSubscriptionModify(ctx context.Context, cmd wire.Command) wire.Command {
	id := cmd.Int64("id")
	if id == 0 {
		return wire.NewResponse(cmd.Tag, wire.StatusBAD, "id is required")
	}
	if err := c.store.ModifySubscription(ctx, id, stringListField(cmd, "mimeTypes")); err != nil {
		return errResponse(cmd.Tag, err)
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

// --- Transaction brackets (spec §4.4 "Begin/Commit/Rollback brackets
// notify.Collector flush/discard") ---
//
// Every mutating handler above records into c.notify and, outside an
// explicit transaction, flushes immediately (autocommit). Begin suspends
// that autoflush so a client can batch several commands into one set of
// coalesced notifications; Commit flushes the batch, Rollback discards it.

func (c *Connection) handleBegin(ctx context.Context, cmd wire.Command) wire.Command {
	c.mu.Lock()
	c.txActive = true
	c.mu.Unlock()
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleCommit(ctx context.Context, cmd wire.Command) wire.Command {
	c.mu.Lock()
	c.txActive = false
	c.mu.Unlock()
	if c.notify != nil {
		if err := c.notify.Flush(ctx); err != nil {
			return wire.NewResponse(cmd.Tag, wire.StatusNO, "commit failed")
		}
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}

func (c *Connection) handleRollback(ctx context.Context, cmd wire.Command) wire.Command {
	c.mu.Lock()
	c.txActive = false
	c.mu.Unlock()
	if c.notify != nil {
		c.notify.Discard()
	}
	return wire.NewResponse(cmd.Tag, wire.StatusOK, "")
}
