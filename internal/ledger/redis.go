package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joescharf/docgen/internal/models"
)

// Redis key prefix for version lists
const versionKeyPrefix = "docgen:versions:"

// RedisStore keeps each session's versions in a Redis list. The list index
// is the version number, so RPUSH assigns numbers atomically. A positive TTL
// expires a whole session history after that long without writes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A ttl <= 0 keeps versions
// forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl}
}

// AppendVersion implements Store.
func (s *RedisStore) AppendVersion(ctx context.Context, v *models.Version) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	stored := *v
	stored.Version = 0
	val, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	key := s.key(v.SessionID)
	var push *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, key, val)
		if s.ttl > 0 {
			// Refresh TTL on write
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	v.Version = int(push.Val())
	return nil
}

// GetVersion implements Store.
func (s *RedisStore) GetVersion(ctx context.Context, sessionID string, version int) (*models.Version, error) {
	if version < 1 {
		return nil, fmt.Errorf("%w: %s v%d", models.ErrVersionNotFound, sessionID, version)
	}
	val, err := s.client.LIndex(ctx, s.key(sessionID), int64(version-1)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s v%d", models.ErrVersionNotFound, sessionID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("redis lindex: %w", err)
	}
	return decodeVersion(val, version)
}

// LatestVersion implements Store.
func (s *RedisStore) LatestVersion(ctx context.Context, sessionID string) (*models.Version, error) {
	key := s.key(sessionID)
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis llen: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetVersion(ctx, sessionID, int(n))
}

// ListVersions implements Store.
func (s *RedisStore) ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error) {
	vals, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]*models.Version, 0, len(vals))
	for i, val := range vals {
		v, err := decodeVersion(val, i+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return versionKeyPrefix + sessionID
}

func decodeVersion(val string, version int) (*models.Version, error) {
	var v models.Version
	if err := json.Unmarshal([]byte(val), &v); err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	v.Version = version
	return &v, nil
}
