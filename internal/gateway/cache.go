package gateway

import (
	"context"
	"log/slog"
	"sync"
)

// GroupLister is what the cache needs from the client.
type GroupLister interface {
	FetchGroups(ctx context.Context) ([]Group, error)
}

// GroupCache memoizes the last fetched group listing. The cached slice
// keeps its fetch order for the lifetime of the entry, which the
// exclusion dialog relies on for positional selection. Invalidation is
// explicit: the /cache/clear endpoint and the start of an exclusion
// dialog. Stale reads between invalidation and refetch are acceptable.
type GroupCache struct {
	lister GroupLister
	log    *slog.Logger

	mu     sync.Mutex
	groups []Group
	valid  bool
}

func NewGroupCache(lister GroupLister, log *slog.Logger) *GroupCache {
	return &GroupCache{lister: lister, log: log}
}

// Get returns the cached listing, fetching it on a miss. The returned
// slice is a copy; callers may keep it across invalidations.
func (c *GroupCache) Get(ctx context.Context) ([]Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.valid {
		groups, err := c.lister.FetchGroups(ctx)
		if err != nil {
			return nil, err
		}
		c.groups = groups
		c.valid = true
		c.log.Debug("group listing cached", slog.Int("count", len(groups)))
	}
	return append([]Group(nil), c.groups...), nil
}

func (c *GroupCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.groups = nil
	c.mu.Unlock()
}
