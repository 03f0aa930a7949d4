// Package database provides storage backends for posts.
package database

import (
	"context"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// Store defines the interface for post persistence.
// SQLite, PostgreSQL, Redis and in-memory implementations satisfy this interface.
//
// Every post write is atomic per record: concurrent upserts of different ids
// from independent feed controllers never interfere with each other.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend.
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Post operations
	GetPost(ctx context.Context, id int64) (model.Post, bool, error)
	UpsertPost(ctx context.Context, post model.Post) error
	DeletePost(ctx context.Context, id int64) (bool, error)
	// RangePosts returns posts with minID <= id < maxID ordered by id.
	RangePosts(ctx context.Context, minID, maxID int64) ([]model.Post, error)
	// MaxPostID returns the largest id in [minID, maxID), if any.
	MaxPostID(ctx context.Context, minID, maxID int64) (int64, bool, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Settings keys.
const (
	SettingPollingInterval = "polling_interval_minutes"
	SettingLastLocalID     = "last_local_post_id"
)
