package database

import (
	"context"
	"sort"
	"sync"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// MemoryStore is a process-local Store. It backs tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	posts    map[int64]model.Post
	settings map[string]string
}

// Ensure MemoryStore implements Store interface.
var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		posts:    make(map[int64]model.Post),
		settings: map[string]string{SettingPollingInterval: "15"},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) DatabaseType() string { return "Memory" }

func (m *MemoryStore) SupportsHighConcurrency() bool { return true }

func (m *MemoryStore) GetPost(_ context.Context, id int64) (model.Post, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return model.Post{}, false, nil
	}
	return p.Clone(), true, nil
}

func (m *MemoryStore) UpsertPost(_ context.Context, p model.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) DeletePost(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.posts[id]
	delete(m.posts, id)
	return ok, nil
}

func (m *MemoryStore) RangePosts(_ context.Context, minID, maxID int64) ([]model.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var posts []model.Post
	for id, p := range m.posts {
		if id >= minID && id < maxID {
			posts = append(posts, p.Clone())
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })
	return posts, nil
}

func (m *MemoryStore) MaxPostID(_ context.Context, minID, maxID int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	found := false
	for id := range m.posts {
		if id >= minID && id < maxID && (!found || id > max) {
			max, found = id, true
		}
	}
	return max, found, nil
}

func (m *MemoryStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}
