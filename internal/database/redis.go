package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/bryan-buckman/feedsync/internal/model"
)

const (
	redisPostKeyPrefix = "post:"     // one JSON document per post
	redisPostIndexKey  = "posts:ids" // sorted set, score = id
	redisSettingsKey   = "settings"  // hash
)

// RedisStore keeps each post as a JSON string plus a sorted-set id index for
// range queries.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore implements Store interface.
var _ Store = (*RedisStore)(nil)

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, so several stores can share one server.
	KeyPrefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, prefix: opts.KeyPrefix}, nil
}

func (db *RedisStore) Close() error {
	return db.client.Close()
}

func (db *RedisStore) DatabaseType() string {
	return "Redis"
}

func (db *RedisStore) SupportsHighConcurrency() bool {
	return true
}

func (db *RedisStore) postKey(id int64) string {
	return db.prefix + redisPostKeyPrefix + strconv.FormatInt(id, 10)
}

func (db *RedisStore) GetPost(ctx context.Context, id int64) (model.Post, bool, error) {
	raw, err := db.client.Get(ctx, db.postKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Post{}, false, nil
	}
	if err != nil {
		return model.Post{}, false, ioError("get", id, err)
	}
	p, err := decodeRedisPost(id, raw)
	if err != nil {
		return model.Post{}, false, err
	}
	return p, true, nil
}

func (db *RedisStore) UpsertPost(ctx context.Context, p model.Post) error {
	p = p.Clone()
	data, err := json.Marshal(p)
	if err != nil {
		return corruptError("upsert", p.ID, err)
	}
	_, err = db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, db.postKey(p.ID), data, 0)
		pipe.ZAdd(ctx, db.prefix+redisPostIndexKey, &redis.Z{
			Score:  float64(p.ID),
			Member: strconv.FormatInt(p.ID, 10),
		})
		return nil
	})
	return ioError("upsert", p.ID, err)
}

func (db *RedisStore) DeletePost(ctx context.Context, id int64) (bool, error) {
	var del *redis.IntCmd
	_, err := db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, db.postKey(id))
		pipe.ZRem(ctx, db.prefix+redisPostIndexKey, strconv.FormatInt(id, 10))
		return nil
	})
	if err != nil {
		return false, ioError("delete", id, err)
	}
	return del.Val() > 0, nil
}

func (db *RedisStore) rangeIDs(ctx context.Context, minID, maxID int64, rev bool, count int64) ([]string, error) {
	by := &redis.ZRangeBy{
		Min:   strconv.FormatInt(minID, 10),
		Max:   "(" + strconv.FormatInt(maxID, 10),
		Count: count,
	}
	if rev {
		return db.client.ZRevRangeByScore(ctx, db.prefix+redisPostIndexKey, by).Result()
	}
	return db.client.ZRangeByScore(ctx, db.prefix+redisPostIndexKey, by).Result()
}

func (db *RedisStore) RangePosts(ctx context.Context, minID, maxID int64) ([]model.Post, error) {
	ids, err := db.rangeIDs(ctx, minID, maxID, false, 0)
	if err != nil {
		return nil, ioError("range", 0, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = db.prefix + redisPostKeyPrefix + id
	}
	vals, err := db.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, ioError("range", 0, err)
	}
	posts := make([]model.Post, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a document: deleted between the two reads.
			continue
		}
		id, _ := strconv.ParseInt(ids[i], 10, 64)
		p, err := decodeRedisPost(id, []byte(s))
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func (db *RedisStore) MaxPostID(ctx context.Context, minID, maxID int64) (int64, bool, error) {
	ids, err := db.rangeIDs(ctx, minID, maxID, true, 1)
	if err != nil {
		return 0, false, ioError("max", 0, err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(ids[0], 10, 64)
	if err != nil {
		return 0, false, corruptError("max", 0, err)
	}
	return id, true, nil
}

func (db *RedisStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	val, err := db.client.HGet(ctx, db.prefix+redisSettingsKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioError("get setting "+key, 0, err)
	}
	return val, true, nil
}

func (db *RedisStore) SetSetting(ctx context.Context, key, value string) error {
	err := db.client.HSet(ctx, db.prefix+redisSettingsKey, key, value).Err()
	return ioError("set setting "+key, 0, err)
}

func decodeRedisPost(id int64, raw []byte) (model.Post, error) {
	var p model.Post
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Post{}, corruptError("decode", id, err)
	}
	return p.Clone(), nil
}
