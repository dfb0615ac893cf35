package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	indexKeyPrefix = "doclens:index:"
	indexSetKey    = "doclens:indexes"
)

// RedisBackend はインデックスを Redis に JSON で保存します。
type RedisBackend struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBackend は RedisBackend を作成します。ttl が 0 の場合は期限なしです。
func NewRedisBackend(rdb *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, ttl: ttl}
}

// DialRedis は URL から接続し、疎通を確認します。
func DialRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Put(ctx context.Context, idx *Index) error {
	if idx == nil {
		return fmt.Errorf("index is nil")
	}
	payload, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, indexKey(idx.ID), payload, r.ttl)
		pipe.SAdd(ctx, indexSetKey, idx.ID)
		return nil
	})
	return err
}

func (r *RedisBackend) Get(ctx context.Context, id string) (*Index, error) {
	data, err := r.rdb.Get(ctx, indexKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// List は集合に登録された ID を読み出します。期限切れで本体が消えた ID は集合からも除きます。
func (r *RedisBackend) List(ctx context.Context) ([]Summary, error) {
	ids, err := r.rdb.SMembers(ctx, indexSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make([]Summary, 0, len(ids))
	var stale []any
	for _, id := range ids {
		idx, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(idx))
	}
	if len(stale) > 0 {
		_ = r.rdb.SRem(ctx, indexSetKey, stale...).Err()
	}
	sortSummaries(out)
	return out, nil
}

func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, indexKey(id))
		pipe.SRem(ctx, indexSetKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func indexKey(id string) string {
	return indexKeyPrefix + id
}
