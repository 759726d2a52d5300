// Package kvcache implements the salience-aware, log-structured KV cache:
// the only surface through which inference and quantization code mutates
// KV records. It layers a validity bitmap and an admission threshold on
// top of spot.Manager. The bitmap is the authoritative liveness source;
// block state is an allocator hint.
package kvcache

import (
	"sync"

	"github.com/databloom/kvquant-core/internal/block"
	"github.com/databloom/kvquant-core/internal/metrics"
	"github.com/databloom/kvquant-core/internal/spot"
)

// Slot addresses a single (spot_id, block_id) pair in the validity bitmap.
type Slot struct {
	SpotID  int
	BlockID int
}

// SalienceScore pairs a token with the salience value driving eviction.
type SalienceScore struct {
	TokenID  uint32
	Salience float32
}

// Config configures a Cache.
type Config struct {
	SpotCapacity      int
	BlockSize         int
	SalienceThreshold float32
}

// Cache is the log-structured KV cache.
type Cache struct {
	spots     *spot.Manager
	threshold float32 // immutable post-construction

	writeMu sync.Mutex // coarse write-path mutex, guards spots + bitmap together
	bitmap  sync.Map   // Slot -> bool; concurrent map, lock-free reads
}

// New constructs a Cache. threshold is fixed for the lifetime of the Cache.
func New(cfg Config) (*Cache, error) {
	mgr, err := spot.NewManager(cfg.SpotCapacity, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	return &Cache{spots: mgr, threshold: cfg.SalienceThreshold}, nil
}

// Threshold returns the cache's immutable admission cutoff.
func (c *Cache) Threshold() float32 { return c.threshold }

// Valid reports the current validity bit for (spotID, blockID).
func (c *Cache) Valid(spotID, blockID int) bool {
	v, ok := c.bitmap.Load(Slot{spotID, blockID})
	if !ok {
		return false
	}
	return v.(bool)
}

// LookupToken returns tokenID's record if it currently sits in a Valid
// block whose bitmap entry is set.
func (c *Cache) LookupToken(tokenID uint32) (block.Record, bool) {
	for _, s := range c.spots.Spots() {
		for _, b := range s.Blocks() {
			if b.State() != block.Valid || !c.Valid(s.ID(), b.ID()) {
				continue
			}
			if rec, ok := b.Lookup(tokenID); ok {
				return rec, true
			}
		}
	}
	return block.Record{}, false
}

// Update appends rec to the cache if salience clears the admission
// threshold; otherwise the record is silently dropped and the cache state
// is left unchanged.
func (c *Cache) Update(rec block.Record, salience float32) {
	if salience < c.threshold {
		metrics.CacheUpdatesTotal.WithLabelValues("dropped_below_threshold").Inc()
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	spotID, blockID := c.spots.Append(rec)
	c.bitmap.Store(Slot{spotID, blockID}, true)
	metrics.CacheUpdatesTotal.WithLabelValues("admitted").Inc()
}

// InvalidateLowSalience invalidates every slot currently mapping a token
// whose salience has dropped below threshold. All matching slots are
// invalidated, not just the first; scan order across (spot_id, block_id)
// is unspecified.
func (c *Cache) InvalidateLowSalience(scores []SalienceScore) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, sc := range scores {
		if sc.Salience >= c.threshold {
			continue
		}
		for _, s := range c.spots.Spots() {
			for _, b := range s.Blocks() {
				if b.State() != block.Valid {
					continue
				}
				if !b.Contains(sc.TokenID) {
					continue
				}
				b.Unmap(sc.TokenID)
				b.Invalidate()
				c.bitmap.Store(Slot{s.ID(), b.ID()}, false)
				metrics.CacheInvalidationsTotal.Inc()
			}
		}
	}
}

// EraseFullSpots erases every spot whose working set has filled, reclaiming
// storage. This unconditionally drops any still-Valid data in those
// spots; callers must have already migrated valuable records to the vault.
// Bitmap entries for every erased slot are cleared first, so Valid never
// reports true for a block that has been reset to Free.
func (c *Cache) EraseFullSpots() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, s := range c.spots.Spots() {
		if !s.IsFull() {
			continue
		}
		for _, b := range s.Blocks() {
			c.bitmap.Delete(Slot{s.ID(), b.ID()})
		}
		c.spots.EraseSpot(s.ID())
		metrics.SpotsErasedTotal.Inc()
	}
}
