// Package itemsync implements the broker client's item synchronizer
// (spec §4.11): pulling a collection's items either in full or
// incrementally since a remembered revision, batching the fetch/apply
// cycle, and resolving conflicts between a locally-modified item and a
// remote change via a merge discriminator.
package itemsync

import (
	"context"
	"fmt"
)

// RemoteItem is the shape the synchronizer fetches from the server side
// of a sync (deliberately decoupled from entity.Item so this package
// doesn't need to import internal/storage).
type RemoteItem struct {
	ID       int64
	GID      string
	Revision int64
	Deleted  bool
}

// LocalItem is the synchronizer's view of what's already applied locally.
type LocalItem struct {
	ID            int64
	GID           string
	Revision      int64
	LocallyDirty  bool
}

// Fetcher retrieves remote item state in pages.
type Fetcher interface {
	// FetchFull returns every item currently in collectionID.
	FetchFull(ctx context.Context, collectionID int64, offset, limit int) ([]RemoteItem, error)
	// FetchSince returns items changed in collectionID after sinceRevision.
	FetchSince(ctx context.Context, collectionID int64, sinceRevision int64, offset, limit int) ([]RemoteItem, error)
}

// Applier applies resolved changes to local storage.
type Applier interface {
	Upsert(ctx context.Context, item RemoteItem) error
	Delete(ctx context.Context, itemID int64) error
	Local(ctx context.Context, itemID int64) (LocalItem, bool, error)
}

// MergeDecision is the outcome of resolving a conflicting local/remote
// pair.
type MergeDecision int

const (
	// TakeRemote overwrites the local copy with the remote one.
	TakeRemote MergeDecision = iota
	// KeepLocal discards the remote change, leaving local dirt in place
	// for a future push to reconcile.
	KeepLocal
	// Skip defers the decision; the item is left out of this sync pass.
	Skip
)

// Discriminator resolves a conflict between a locally-dirty item and an
// incoming remote change.
type Discriminator func(local LocalItem, remote RemoteItem) MergeDecision

// DefaultDiscriminator keeps the local copy whenever it's dirty, trusting
// the client's own pending write over a remote change until that write
// is pushed and the conflict re-resolves naturally on the next sync.
func DefaultDiscriminator(local LocalItem, remote RemoteItem) MergeDecision {
	if local.LocallyDirty {
		return KeepLocal
	}
	return TakeRemote
}

// Config controls batching and transaction granularity.
type Config struct {
	BatchSize int
	// TransactionPerBatch is carried in the config but not read by the
	// Synchronizer: every Upsert and Delete goes straight to the Applier,
	// with no transaction grouping per batch or per item.
	TransactionPerBatch bool
}

// Synchronizer drives full or incremental sync for one collection.
type Synchronizer struct {
	fetcher        Fetcher
	applier        Applier
	discriminator  Discriminator
	cfg            Config
}

func New(fetcher Fetcher, applier Applier, discriminator Discriminator, cfg Config) *Synchronizer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if discriminator == nil {
		discriminator = DefaultDiscriminator
	}
	return &Synchronizer{fetcher: fetcher, applier: applier, discriminator: discriminator, cfg: cfg}
}

// Result summarizes one sync pass.
type Result struct {
	Applied      int
	Deleted      int
	Conflicts    int
	MaxRevision  int64
}

// FullSync pulls every item in collectionID and applies it, paging
// through the result set BatchSize at a time so the synchronizer never
// holds more than one batch in memory (spec: "streaming backpressure").
func (s *Synchronizer) FullSync(ctx context.Context, collectionID int64) (Result, error) {
	var result Result
	offset := 0
	for {
		batch, err := s.fetcher.FetchFull(ctx, collectionID, offset, s.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("itemsync: fetch full batch at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := s.applyBatch(ctx, batch, &result); err != nil {
			return result, err
		}
		offset += len(batch)
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return result, nil
}

// IncrementalSync pulls only items changed since sinceRevision.
func (s *Synchronizer) IncrementalSync(ctx context.Context, collectionID int64, sinceRevision int64) (Result, error) {
	var result Result
	offset := 0
	for {
		batch, err := s.fetcher.FetchSince(ctx, collectionID, sinceRevision, offset, s.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("itemsync: fetch incremental batch at offset %d: %w", offset, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := s.applyBatch(ctx, batch, &result); err != nil {
			return result, err
		}
		offset += len(batch)
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return result, nil
}

func (s *Synchronizer) applyBatch(ctx context.Context, batch []RemoteItem, result *Result) error {
	applied := make([]int64, 0, len(batch))
	err := s.applyBatchBody(ctx, batch, result, &applied)
	if err != nil {
		if rbErr := s.rollback(ctx, applied); rbErr != nil {
			return fmt.Errorf("itemsync: apply batch failed (%w), and rollback also failed: %v", err, rbErr)
		}
		return fmt.Errorf("itemsync: apply batch: %w", err)
	}
	return nil
}

func (s *Synchronizer) applyBatchBody(ctx context.Context, batch []RemoteItem, result *Result, applied *[]int64) error {
	for _, remote := range batch {
		if remote.Revision > result.MaxRevision {
			result.MaxRevision = remote.Revision
		}
		local, found, err := s.applier.Local(ctx, remote.ID)
		if err != nil {
			return err
		}

		decision := TakeRemote
		if found && local.LocallyDirty {
			decision = s.discriminator(local, remote)
			if decision != TakeRemote {
				result.Conflicts++
			}
		}
		switch decision {
		case Skip, KeepLocal:
			continue
		}

		if remote.Deleted {
			if err := s.applier.Delete(ctx, remote.ID); err != nil {
				return err
			}
			result.Deleted++
		} else {
			if err := s.applier.Upsert(ctx, remote); err != nil {
				return err
			}
			result.Applied++
		}
		*applied = append(*applied, remote.ID)
	}
	return nil
}

// rollback undoes a partially-applied batch by re-fetching and reverting
// every item this call actually touched. It is idempotent: calling it
// twice, or calling it when nothing was applied, is a no-op.
func (s *Synchronizer) rollback(ctx context.Context, appliedIDs []int64) error {
	for _, id := range appliedIDs {
		if _, found, err := s.applier.Local(ctx, id); err != nil {
			return err
		} else if !found {
			continue
		}
		if err := s.applier.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
