package exploits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"hl-sentinel/internal/metrics"
	"hl-sentinel/internal/model"
)

// ErrNoData is returned when no source has ever produced a usable list.
var ErrNoData = errors.New("no exploit data available")

// RefreshFunc rebuilds the cache, normally by running a poll cycle that ends
// in Update.
type RefreshFunc func(ctx context.Context) error

// CacheOptions parameterise a Cache. Now defaults to time.Now.
type CacheOptions struct {
	Freshness  time.Duration
	MaxRecords int
	Now        func() time.Time
}

// Cache holds the merged list and its last-updated time as one unit.
// Concurrent stale reads share a single refresh.
type Cache struct {
	opts    CacheOptions
	refresh RefreshFunc
	logger  zerolog.Logger
	now     func() time.Time

	group    singleflight.Group
	updateMu sync.Mutex

	mu      sync.RWMutex
	list    []model.Exploit
	updated time.Time
}

// NewCache constructs a cache. refresh may be nil, in which case stale reads
// serve whatever is held.
func NewCache(opts CacheOptions, refresh RefreshFunc, logger zerolog.Logger) *Cache {
	if opts.Freshness <= 0 {
		opts.Freshness = 5 * time.Minute
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 5000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:    opts,
		refresh: refresh,
		logger:  logger.With().Str("component", "exploit_cache").Logger(),
		now:     opts.Now,
	}
}

// SetRefresh installs the refresh callback after construction.
func (c *Cache) SetRefresh(fn RefreshFunc) {
	c.refresh = fn
}

// Update rebuilds the list from the given per-source slices, in source
// order, and swaps it in. Nothing from the previously held list survives.
func (c *Cache) Update(sources ...[]model.Exploit) []model.Exploit {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	merged := Merge(sources...)
	if len(merged) > c.opts.MaxRecords {
		merged = merged[:c.opts.MaxRecords]
	}

	c.mu.Lock()
	c.list = merged
	c.updated = c.now().UTC()
	c.mu.Unlock()

	metrics.ExploitsCached.Set(float64(len(merged)))
	return merged
}

// Get returns the merged list, refreshing first when it is older than the
// freshness window or force is set. A failed refresh falls back to the held
// list; ErrNoData is returned only when nothing is held.
func (c *Cache) Get(ctx context.Context, force bool) ([]model.Exploit, time.Time, error) {
	list, updated := c.Snapshot()
	if !force && !updated.IsZero() && c.now().Sub(updated) < c.opts.Freshness {
		return list, updated, nil
	}
	if c.refresh == nil {
		return c.heldOrNoData(nil)
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		err = res.Err
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("exploit refresh failed, serving held list")
	}
	return c.heldOrNoData(err)
}

// Snapshot returns a copy of the held list and its update time without
// refreshing.
func (c *Cache) Snapshot() ([]model.Exploit, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Exploit, len(c.list))
	copy(out, c.list)
	return out, c.updated
}

func (c *Cache) heldOrNoData(cause error) ([]model.Exploit, time.Time, error) {
	list, updated := c.Snapshot()
	if updated.IsZero() {
		if cause != nil {
			return nil, time.Time{}, fmt.Errorf("%w: %v", ErrNoData, cause)
		}
		return nil, time.Time{}, ErrNoData
	}
	return list, updated, nil
}
