package database

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// CachedStore puts an LRU read-through cache for single-post lookups in front
// of another Store. Range queries and settings always go to the backing store.
//
// Writes invalidate instead of populating. Every write bumps gen before and
// after it reaches the backing store, and a miss only fills the cache if gen
// did not move while it read, so a read that raced a write never caches the
// older value.
type CachedStore struct {
	Store
	cache *lru.Cache[int64, model.Post]

	mu  sync.Mutex
	gen uint64
}

// NewCached wraps store with a cache holding up to size posts.
func NewCached(store Store, size int) (*CachedStore, error) {
	c, err := lru.New[int64, model.Post](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &CachedStore{Store: store, cache: c}, nil
}

func (c *CachedStore) GetPost(ctx context.Context, id int64) (model.Post, bool, error) {
	if p, ok := c.cache.Get(id); ok {
		return p.Clone(), true, nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	p, ok, err := c.Store.GetPost(ctx, id)
	if err != nil || !ok {
		return p, ok, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.cache.Add(id, p.Clone())
	}
	c.mu.Unlock()
	return p, true, nil
}

func (c *CachedStore) UpsertPost(ctx context.Context, p model.Post) error {
	c.invalidate(p.ID)
	defer c.invalidate(p.ID)
	return c.Store.UpsertPost(ctx, p)
}

func (c *CachedStore) DeletePost(ctx context.Context, id int64) (bool, error) {
	c.invalidate(id)
	defer c.invalidate(id)
	return c.Store.DeletePost(ctx, id)
}

// Purge drops every cached entry.
func (c *CachedStore) Purge() {
	c.mu.Lock()
	c.gen++
	c.cache.Purge()
	c.mu.Unlock()
}

func (c *CachedStore) invalidate(id int64) {
	c.mu.Lock()
	c.gen++
	c.cache.Remove(id)
	c.mu.Unlock()
}
