package leaderboard

import (
	"context"
	"log/slog"
	"refsync/lib/sl"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// NameSource resolves a member id to a display name.
type NameSource interface {
	DisplayName(ctx context.Context, memberID string) (string, error)
}

// NameCache memoizes display names for the lifetime of the process.
// Entries never expire; a renamed member keeps the old name until restart.
type NameCache struct {
	src     NameSource
	timeout time.Duration
	log     *slog.Logger

	mu    sync.RWMutex
	names map[string]string
	group singleflight.Group
}

func NewNameCache(src NameSource, timeout time.Duration, log *slog.Logger) *NameCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NameCache{
		src:     src,
		timeout: timeout,
		log:     log.With(sl.Module("names")),
		names:   make(map[string]string),
	}
}

// Resolve returns the cached name or asks the source. Failed or empty
// lookups fall back to the member id and are not cached.
func (c *NameCache) Resolve(ctx context.Context, memberID string) string {
	c.mu.RLock()
	name, ok := c.names[memberID]
	c.mu.RUnlock()
	if ok {
		return name
	}

	v, err, _ := c.group.Do(memberID, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.src.DisplayName(callCtx, memberID)
	})
	if err != nil {
		c.log.With(sl.Member(memberID), sl.Err(err)).Debug("name lookup failed")
		return memberID
	}
	name, _ = v.(string)
	if name == "" {
		return memberID
	}
	c.Remember(memberID, name)
	return name
}

// Remember seeds the cache with a name seen on a join. A name already
// cached is kept.
func (c *NameCache) Remember(memberID, name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[memberID]; !ok {
		c.names[memberID] = name
	}
}

func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
