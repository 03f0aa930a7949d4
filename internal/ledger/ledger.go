// Package ledger keeps the posts authored on this device in a JSON file,
// separate from the synchronized store, with its own id allocator.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/feedsync/internal/database"
	"github.com/bryan-buckman/feedsync/internal/identity"
	"github.com/bryan-buckman/feedsync/internal/model"
)

// Ledger document metadata.
const (
	SourceUserCreated = "user_created"
	FormatVersion     = "1.0"
	DefaultFileName   = "UserPosts.json"
)

// ErrNotLocal is returned when saving a post whose id is outside the local range.
var ErrNotLocal = errors.New("ledger: post id is not a local id")

// MediaLifecycle removes media files owned by deleted posts. Failures are
// handled by the implementation and never reported back.
type MediaLifecycle interface {
	DeleteAll(refs []string)
}

// Document is the on-disk ledger format.
type Document struct {
	List         []model.Post `json:"list"`
	Source       string       `json:"source"`
	Version      string       `json:"version"`
	LastModified time.Time    `json:"lastModified"`
	TotalCount   int          `json:"totalCount"`
}

// Manager owns one ledger file. Every mutation rewrites the whole file
// through a temporary file and a rename, so readers never see a partial
// ledger.
type Manager struct {
	path  string
	store database.Store
	media MediaLifecycle
	now   func() time.Time
	// rename moves the written temp file over the ledger.
	rename func(oldpath, newpath string) error

	mu sync.Mutex
}

// New creates a manager for the ledger at path. media may be nil.
func New(path string, store database.Store, media MediaLifecycle) *Manager {
	return &Manager{
		path:   path,
		store:  store,
		media:  media,
		now:    time.Now,
		rename: os.Rename,
	}
}

// Path returns the ledger file path.
func (m *Manager) Path() string { return m.path }

// Load returns the ledger in stored order. A missing file is an empty
// ledger; an unreadable or undecodable file is an error.
func (m *Manager) Load() ([]model.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

// Count returns the number of ledger posts.
func (m *Manager) Count() (int, error) {
	posts, err := m.Load()
	if err != nil {
		return 0, err
	}
	return len(posts), nil
}

// Export returns the raw ledger document. ok is false if no ledger was written yet.
func (m *Manager) Export() (data []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err = os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read ledger %s: %w", m.path, err)
	}
	return data, true, nil
}

// Save replaces the post with the same id in place, or appends it.
func (m *Manager) Save(p model.Post) error {
	if err := checkPost(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	posts, err := m.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range posts {
		if posts[i].ID == p.ID {
			posts[i] = p.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		posts = append(posts, p.Clone())
	}
	return m.write(posts)
}

// SaveAll replaces the whole ledger with posts.
func (m *Manager) SaveAll(posts []model.Post) error {
	for _, p := range posts {
		if err := checkPost(p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(posts)
}

// Delete removes the post with id, its media files and its store record.
// It reports whether the ledger held the post.
func (m *Manager) Delete(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	posts, err := m.read()
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	var removed *model.Post
	for i := range posts {
		if posts[i].ID == id {
			p := posts[i]
			removed = &p
			posts = append(posts[:i], posts[i+1:]...)
			break
		}
	}
	if removed == nil {
		m.mu.Unlock()
		return false, nil
	}
	err = m.write(posts)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	if m.media != nil {
		m.media.DeleteAll(removed.MediaRefs())
	}
	if _, err := m.store.DeletePost(ctx, id); err != nil {
		return true, fmt.Errorf("delete post %d from store: %w", id, err)
	}
	return true, nil
}

// Clear empties the ledger and removes every ledger post's media and store
// record.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	posts, err := m.read()
	if err == nil {
		err = m.write(nil)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range posts {
		if m.media != nil {
			m.media.DeleteAll(p.MediaRefs())
		}
		if _, err := m.store.DeletePost(ctx, p.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear store records: %w", errors.Join(errs...))
	}
	return nil
}

// NextID allocates a fresh local id. It is larger than every local id in the
// store, in the ledger, and every id handed out before, so an id is never
// reused after its post is deleted. The last allocation is persisted in the
// store settings.
func (m *Manager) NextID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := int64(identity.LocalMin - 1)

	lo, hi, _ := identity.Range(model.UserLocal)
	storeMax, ok, err := m.store.MaxPostID(ctx, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("allocate local id: %w", err)
	}
	if ok {
		last = storeMax
	}

	posts, err := m.read()
	if err != nil {
		return 0, err
	}
	for _, p := range posts {
		last = maxID(last, p.ID)
	}

	val, ok, err := m.store.GetSetting(ctx, database.SettingLastLocalID)
	if err != nil {
		return 0, fmt.Errorf("allocate local id: %w", err)
	}
	if ok {
		allocated, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			log.Warnf("Ignoring unparsable %s setting %q", database.SettingLastLocalID, val)
		} else {
			last = maxID(last, allocated)
		}
	}

	next := identity.NextLocalID(last)
	if err := m.store.SetSetting(ctx, database.SettingLastLocalID, strconv.FormatInt(next, 10)); err != nil {
		return 0, fmt.Errorf("allocate local id: %w", err)
	}
	return next, nil
}

// Create turns a draft into a new local post: it allocates an id, stamps the
// date if unset, stores the post and appends it to the ledger. Client-owned
// flags and counters of the draft are reset.
func (m *Manager) Create(ctx context.Context, draft model.Post) (model.Post, error) {
	if err := draft.Validate(); err != nil {
		return model.Post{}, err
	}
	id, err := m.NextID(ctx)
	if err != nil {
		return model.Post{}, err
	}

	p := draft.Clone()
	p.ID = id
	p.IsLiked = false
	p.LikeCount = 0
	p.CommentCount = 0
	if p.Date == "" {
		p.Date = m.now().Format(model.DateLayout)
	}

	if err := m.store.UpsertPost(ctx, p); err != nil {
		return model.Post{}, fmt.Errorf("store new post %d: %w", id, err)
	}
	if err := m.Save(p); err != nil {
		// The store must not hold local posts the ledger lacks.
		if _, derr := m.store.DeletePost(ctx, id); derr != nil {
			log.WithField("post_id", id).Warnf("Error removing unsaved post from database: %v", derr)
		}
		return model.Post{}, err
	}
	return p, nil
}

// SyncToStore inserts ledger posts the store does not have yet and returns
// how many were inserted. Posts already stored are left alone.
func (m *Manager) SyncToStore(ctx context.Context) (int, error) {
	posts, err := m.Load()
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, p := range posts {
		_, ok, err := m.store.GetPost(ctx, p.ID)
		if err != nil {
			return inserted, fmt.Errorf("sync post %d: %w", p.ID, err)
		}
		if ok {
			continue
		}
		if err := m.store.UpsertPost(ctx, p); err != nil {
			return inserted, fmt.Errorf("sync post %d: %w", p.ID, err)
		}
		inserted++
	}
	return inserted, nil
}

func (m *Manager) read() ([]model.Post, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []model.Post{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", m.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", m.path, err)
	}
	if doc.List == nil {
		return nil, fmt.Errorf("decode ledger %s: missing list", m.path)
	}
	return doc.List, nil
}

func (m *Manager) write(posts []model.Post) error {
	if posts == nil {
		posts = []model.Post{}
	}
	doc := Document{
		List:         posts,
		Source:       SourceUserCreated,
		Version:      FormatVersion,
		LastModified: m.now().UTC(),
		TotalCount:   len(posts),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write ledger %s: %w", m.path, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write ledger %s: %w", m.path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger %s: %w", m.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write ledger %s: %w", m.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write ledger %s: %w", m.path, err)
	}
	if err := m.rename(tmp.Name(), m.path); err != nil {
		return fmt.Errorf("write ledger %s: %w", m.path, err)
	}
	return nil
}

func checkPost(p model.Post) error {
	if identity.Classify(p.ID) != model.UserLocal {
		return fmt.Errorf("save post %d: %w", p.ID, ErrNotLocal)
	}
	return p.Validate()
}

func maxID(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
