package indexer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	"github.com/chainlens/streaming-indexer/infrastructure/state"
)

// DeploymentFinder locates the block at which a contract first held code,
// via binary search over [0, head]. Results are cached process-local,
// keyed by (chain, address), since the search is O(log head) RPC calls and
// a session may re-resolve the same contract across restarts.
type DeploymentFinder struct {
	mu    sync.Mutex
	cache map[string]uint64

	hits   atomic.Uint64
	misses atomic.Uint64

	onLookup func(hit bool)

	// persist, if set, survives process restarts: a binary-search result
	// is written through to it on every miss, and consulted before a
	// fresh search on a process-local cache miss.
	persist *state.PersistentState
}

// NewDeploymentFinder builds an empty finder.
func NewDeploymentFinder() *DeploymentFinder {
	return &DeploymentFinder{cache: make(map[string]uint64)}
}

// OnLookup registers fn to be called with the cache hit/miss outcome of
// every subsequent Find call, so a caller can mirror the finder's own
// counters onto its metrics backend.
func (d *DeploymentFinder) OnLookup(fn func(hit bool)) {
	d.onLookup = fn
}

// SetPersistence attaches a durable store consulted on every process-local
// cache miss, and written to on every fresh search result.
func (d *DeploymentFinder) SetPersistence(p *state.PersistentState) {
	d.persist = p
}

func deploymentCacheKey(id chain.ChainID, address string) string {
	return string(id) + ":" + address
}

// Find returns the earliest block at which address held code, searching
// [0, head] by binary search. If address has never held code as of head,
// it returns a NotAContract-flavored error.
func (d *DeploymentFinder) Find(ctx context.Context, id chain.ChainID, address string, head uint64, fetcher Fetcher) (uint64, error) {
	key := deploymentCacheKey(id, address)

	d.mu.Lock()
	if cached, ok := d.cache[key]; ok {
		d.mu.Unlock()
		d.hits.Add(1)
		if d.onLookup != nil {
			d.onLookup(true)
		}
		return cached, nil
	}
	d.mu.Unlock()
	d.misses.Add(1)
	if d.onLookup != nil {
		d.onLookup(false)
	}

	if d.persist != nil {
		if raw, err := d.persist.Load(ctx, key); err == nil && len(raw) == 8 {
			block := binary.BigEndian.Uint64(raw)
			d.mu.Lock()
			d.cache[key] = block
			d.mu.Unlock()
			return block, nil
		}
	}

	hasCodeAtHead, err := fetcher.HasCodeAt(ctx, address, head)
	if err != nil {
		return 0, fmt.Errorf("deployment finder: probe head: %w", err)
	}
	if !hasCodeAtHead {
		return 0, fmt.Errorf("deployment finder: %s has never held code as of block %d: %w", address, head, errNotAContract)
	}

	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		has, err := fetcher.HasCodeAt(ctx, address, mid)
		if err != nil {
			return 0, fmt.Errorf("deployment finder: probe block %d: %w", mid, err)
		}
		if has {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	d.mu.Lock()
	d.cache[key] = lo
	d.mu.Unlock()

	if d.persist != nil {
		raw := make([]byte, 8)
		binary.BigEndian.PutUint64(raw, lo)
		_ = d.persist.Save(ctx, key, raw)
	}

	return lo, nil
}

// CacheHitRate returns the fraction of Find calls answered from cache, in
// [0, 1]. Returns 0 if Find has never been called.
func (d *DeploymentFinder) CacheHitRate() float64 {
	hits, misses := d.hits.Load(), d.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// errNotAContract marks a deployment search that found no code anywhere in
// [0, head].
var errNotAContract = fmt.Errorf("not a contract")

// IsNotAContract reports whether err wraps the deployment finder's
// NotAContract condition.
func IsNotAContract(err error) bool {
	return errors.Is(err, errNotAContract)
}
