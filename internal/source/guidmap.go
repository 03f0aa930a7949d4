package source

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/identity"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// SettingStore is the slice of the post store GUIDMap persists through.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Setting key prefixes used by GUIDMap.
const (
	guidKeyPrefix   = "rss_guid:"
	nextIDKeyPrefix = "rss_next_id:"
)

// GUIDMap assigns feed item GUIDs durable post ids. Ids are handed out in
// order from the category's range and never reused, so two items never share
// an id and an item keeps its id across restarts.
type GUIDMap struct {
	store SettingStore
	mu    sync.Mutex
}

// NewGUIDMap creates a map persisted in store's settings.
func NewGUIDMap(store SettingStore) *GUIDMap {
	return &GUIDMap{store: store}
}

// ID returns the id of guid in category c, allocating the next free one on
// first sight. ok is false when c has no id range or the range is used up.
func (g *GUIDMap) ID(ctx context.Context, c model.Category, guid string) (int64, bool, error) {
	min, max, ok := identity.Range(c)
	if !ok {
		return 0, false, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := guidKeyPrefix + c.String() + ":" + guid
	if val, found, err := g.store.GetSetting(ctx, key); err != nil {
		return 0, false, fmt.Errorf("look up guid: %w", err)
	} else if found {
		id, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parse id for guid %q: %w", guid, err)
		}
		return id, true, nil
	}

	nextKey := nextIDKeyPrefix + c.String()
	next := min
	if val, found, err := g.store.GetSetting(ctx, nextKey); err != nil {
		return 0, false, fmt.Errorf("read next id: %w", err)
	} else if found {
		if next, err = strconv.ParseInt(val, 10, 64); err != nil {
			return 0, false, fmt.Errorf("parse next id: %w", err)
		}
	}
	if next >= max {
		log.WithFields(log.Fields{"category": c.String(), "guid": guid}).Warn("Id range is full, skipping feed item")
		return 0, false, nil
	}

	// Advance the counter first: a crash in between leaves a gap, not a
	// duplicate.
	if err := g.store.SetSetting(ctx, nextKey, strconv.FormatInt(next+1, 10)); err != nil {
		return 0, false, fmt.Errorf("save next id: %w", err)
	}
	if err := g.store.SetSetting(ctx, key, strconv.FormatInt(next, 10)); err != nil {
		return 0, false, fmt.Errorf("save guid: %w", err)
	}
	return next, true, nil
}
