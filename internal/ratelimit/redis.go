package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore keeps action records in one sorted set per user and action,
// scored by Unix milliseconds.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisKey(userID int64, action string) string {
	return redisKeyPrefix + strconv.FormatInt(userID, 10) + ":" + action
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// CountActions counts records scored at or after since.
func (s *RedisStore) CountActions(ctx context.Context, userID int64, action string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, redisKey(userID, action), score(since), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// RecordAction adds a record and refreshes the key's expiry.
func (s *RedisStore) RecordAction(ctx context.Context, userID int64, action string, at time.Time) error {
	key := redisKey(userID, action)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteActionsBefore trims old records from up to limit keys. Keys also
// expire on their own an hour after their last record.
func (s *RedisStore) DeleteActionsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var (
		removed int64
		visited int
		cursor  uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", int64(limit)).Result()
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", "("+score(cutoff)).Result()
			if err != nil {
				return removed, err
			}
			removed += n
			visited++
			if visited >= limit {
				return removed, nil
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
