package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docgen/internal/models"
)

// newTestRedis returns an in-process Redis and a client for it.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLedger_Redis(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) Store {
		_, client := newTestRedis(t)
		return NewRedisStore(client, 0)
	})
}

// Set DOCGEN_TEST_REDIS_ADDR (e.g. localhost:6379) to also run against a real server.
func TestLedger_RedisServer(t *testing.T) {
	addr := os.Getenv("DOCGEN_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DOCGEN_TEST_REDIS_ADDR not set")
	}

	runLedgerSuite(t, func(t *testing.T) Store {
		client := redis.NewClient(&redis.Options{Addr: addr})
		require.NoError(t, client.Ping(context.Background()).Err())

		s := NewRedisStore(client, time.Minute)
		t.Cleanup(func() {
			ctx := context.Background()
			for _, id := range []string{"sess1", "a", "b", "s", "empty"} {
				_ = client.Del(ctx, s.key(id)).Err()
			}
			_ = s.Close()
		})
		return s
	})
}

func TestRedisStore_NoTTLKeepsHistory(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, 0)
	l := New(s)
	ctx := context.Background()

	_, err := l.Append(ctx, "sess1", "# v1", models.ChangeInitialGeneration, "")
	require.NoError(t, err)
	assert.Zero(t, mr.TTL(s.key("sess1")), "no expiry without a ttl")

	mr.FastForward(365 * 24 * time.Hour)

	n, err := l.Append(ctx, "sess1", "# v2", models.ChangeAIRefinement, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	v1, err := l.Get(ctx, "sess1", 1)
	require.NoError(t, err)
	assert.Equal(t, "# v1", v1.Content)
}

func TestRedisStore_TTLRefreshedOnAppend(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)
	l := New(s)
	ctx := context.Background()

	_, err := l.Append(ctx, "sess1", "# v1", models.ChangeInitialGeneration, "")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(s.key("sess1")))

	mr.FastForward(30 * time.Minute)
	_, err = l.Append(ctx, "sess1", "# v2", models.ChangeAIRefinement, "")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(s.key("sess1")))
}

func TestRedisStore_NegativeTTLMeansNone(t *testing.T) {
	_, client := newTestRedis(t)
	assert.Zero(t, NewRedisStore(client, -time.Second).ttl)
}

func TestRedisStore_AppendError(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)
	mr.SetError("READONLY")

	err := s.AppendVersion(context.Background(), &models.Version{SessionID: "sess1", Content: "x"})
	assert.ErrorContains(t, err, "redis rpush")
}

func TestRedisStore_RejectsVersionZero(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client, 0)

	_, err := s.GetVersion(context.Background(), "s", 0)
	require.ErrorIs(t, err, models.ErrVersionNotFound)
}
