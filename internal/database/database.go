// Package database provides SQLite storage for posts.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bryan-buckman/feedsync/internal/model"
	_ "modernc.org/sqlite"
)

// SQLiteStore wraps the SQLite connection.
type SQLiteStore struct {
	conn *sql.DB
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		// Each pooled connection waits on the write lock instead of failing
		// with SQLITE_BUSY.
		dsn += "?_pragma=busy_timeout(5000)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &SQLiteStore{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *SQLiteStore) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *SQLiteStore) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *SQLiteStore) SupportsHighConcurrency() bool {
	return false
}

func (db *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY,
		avatar TEXT NOT NULL DEFAULT '',
		vip INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		is_followed INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '[]',
		video_url TEXT NOT NULL DEFAULT '',
		comment_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		is_liked INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	-- Default polling interval (15 minutes minimum).
	INSERT OR IGNORE INTO settings (key, value) VALUES ('polling_interval_minutes', '15');
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Post Methods ---

// GetPost returns the post with the given id, if stored.
func (db *SQLiteStore) GetPost(ctx context.Context, id int64) (model.Post, bool, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ?", id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, false, nil
	}
	if err != nil {
		if IsCorrupt(err) {
			return model.Post{}, false, err
		}
		return model.Post{}, false, ioError("get", id, err)
	}
	return p, true, nil
}

// UpsertPost inserts the post or replaces the stored record with the same id.
func (db *SQLiteStore) UpsertPost(ctx context.Context, p model.Post) error {
	images, err := encodeImages(p)
	if err != nil {
		return corruptError("upsert", p.ID, err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			avatar = excluded.avatar,
			vip = excluded.vip,
			name = excluded.name,
			date = excluded.date,
			is_followed = excluded.is_followed,
			text = excluded.text,
			images = excluded.images,
			video_url = excluded.video_url,
			comment_count = excluded.comment_count,
			like_count = excluded.like_count,
			is_liked = excluded.is_liked`,
		p.ID, p.Avatar, p.VIP, p.Name, p.Date, p.IsFollowed, p.Text,
		images, p.VideoURL, p.CommentCount, p.LikeCount, p.IsLiked)
	return ioError("upsert", p.ID, err)
}

// DeletePost removes a post. Returns whether it existed.
func (db *SQLiteStore) DeletePost(ctx context.Context, id int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM posts WHERE id = ?", id)
	if err != nil {
		return false, ioError("delete", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, ioError("delete", id, err)
	}
	return affected > 0, nil
}

// RangePosts returns posts with minID <= id < maxID ordered by id.
func (db *SQLiteStore) RangePosts(ctx context.Context, minID, maxID int64) ([]model.Post, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE id >= ? AND id < ? ORDER BY id", minID, maxID)
	if err != nil {
		return nil, ioError("range", 0, err)
	}
	defer rows.Close()
	return scanPosts(rows)
}

// MaxPostID returns the largest stored id in [minID, maxID).
func (db *SQLiteStore) MaxPostID(ctx context.Context, minID, maxID int64) (int64, bool, error) {
	var max sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		"SELECT MAX(id) FROM posts WHERE id >= ? AND id < ?", minID, maxID).Scan(&max)
	if err != nil {
		return 0, false, ioError("max", 0, err)
	}
	return max.Int64, max.Valid, nil
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioError("get setting "+key, 0, err)
	}
	return val, true, nil
}

// SetSetting saves a setting.
func (db *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", key, value)
	return ioError("set setting "+key, 0, err)
}
