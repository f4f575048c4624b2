// Package refindex maintains the durable, lazily-synced mapping from a
// content ID to its ordered sub-block list, fronted by a bounded
// in-memory cache.
package refindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/poa-network/coordinator/pkg/poa/contentstore"
	"github.com/poa-network/coordinator/pkg/poa/model"
	"github.com/poa-network/coordinator/pkg/poa/store"
)

const (
	cacheSize = 1000
	cacheTTL  = time.Hour
)

type cacheEntry struct {
	subBlockIDs []string
	expiresAt   time.Time
}

// Index is the RefIndex: durable mapping (via Repository) fronted by an
// LRU cache, with lazy sync against a ContentStore for content IDs not
// yet observed.
type Index struct {
	repo    store.Repository
	content contentstore.ContentStore
	log     *zap.Logger

	cache *lru.Cache // string contentID -> *cacheEntry

	// syncMu serializes concurrent syncIfMissing calls for the same
	// content ID so two challenges racing on a fresh blob don't both
	// enumerate sub-blocks.
	syncMu sync.Mutex
}

// New builds a RefIndex over repo and content, with a 1000-entry cache.
func New(repo store.Repository, content contentstore.ContentStore, log *zap.Logger) (*Index, error) {
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("refindex: new lru cache: %w", err)
	}
	return &Index{repo: repo, content: content, log: log, cache: c}, nil
}

// Get returns the cached sub-block list for contentID, syncing from the
// durable store and then the content store if it is missing.
func (x *Index) Get(ctx context.Context, contentID string) ([]string, error) {
	if v, ok := x.cache.Get(contentID); ok {
		entry := v.(*cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.subBlockIDs, nil
		}
		x.cache.Remove(contentID)
	}

	refs, err := x.repo.GetRefs(ctx, contentID)
	if err == store.ErrNotFound {
		if err := x.SyncIfMissing(ctx, contentID); err != nil {
			return nil, err
		}
		refs, err = x.repo.GetRefs(ctx, contentID)
	}
	if err != nil {
		return nil, fmt.Errorf("refindex: get refs for %q: %w", contentID, err)
	}

	x.cache.Add(contentID, &cacheEntry{subBlockIDs: refs.SubBlockIDs, expiresAt: time.Now().Add(cacheTTL)})
	return refs.SubBlockIDs, nil
}

// Put persists an explicit sub-block list for contentID, as happens when
// an upload is freshly admitted with a known decomposition. It is a
// no-op if refs already exist, matching the "immutable for the lifetime
// of the content ID" invariant.
func (x *Index) Put(ctx context.Context, contentID string, subBlockIDs []string) error {
	if err := x.repo.PutRefs(ctx, &model.RefsEntry{ContentID: contentID, SubBlockIDs: subBlockIDs}); err != nil {
		return fmt.Errorf("refindex: put refs for %q: %w", contentID, err)
	}
	x.cache.Remove(contentID)
	return nil
}

// SyncIfMissing asks the ContentStore to enumerate contentID's
// sub-blocks and persists the result if no refs entry exists yet.
func (x *Index) SyncIfMissing(ctx context.Context, contentID string) error {
	x.syncMu.Lock()
	defer x.syncMu.Unlock()

	if _, err := x.repo.GetRefs(ctx, contentID); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return fmt.Errorf("refindex: check existing refs for %q: %w", contentID, err)
	}

	subBlockIDs, err := x.content.RecursiveRefs(ctx, contentID)
	if err != nil {
		return fmt.Errorf("refindex: enumerate sub-blocks for %q: %w", contentID, err)
	}
	return x.repo.PutRefs(ctx, &model.RefsEntry{ContentID: contentID, SubBlockIDs: subBlockIDs})
}

// SyncAll runs SyncIfMissing concurrently for every PoA-enabled blob,
// tolerating individual failures: it logs and continues rather than
// aborting the whole startup sync on one bad content ID.
func (x *Index) SyncAll(ctx context.Context) error {
	blobs, err := x.repo.PoAEnabledBlobs(ctx)
	if err != nil {
		return fmt.Errorf("refindex: list poa-enabled blobs: %w", err)
	}

	var wg sync.WaitGroup
	for _, b := range blobs {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := x.SyncIfMissing(ctx, b.ContentID); err != nil {
				x.log.Warn("refindex: sync failed", zap.String("contentID", b.ContentID), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	return nil
}
