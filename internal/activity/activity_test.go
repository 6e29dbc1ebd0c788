package activity

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounts struct {
	since  time.Time
	recent int
	failed int
}

func (f *fakeCounts) CountOrdersSince(ctx context.Context, userId string, since time.Time) (int, error) {
	f.since = since
	return f.recent, nil
}

func (f *fakeCounts) CountFailedTransactions(ctx context.Context, userId string) (int, error) {
	return f.failed, nil
}

func TestStoreCounter(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	counts := &fakeCounts{recent: 4, failed: 2}
	counter := NewStoreCounter(counts)
	counter.now = func() time.Time { return now }
	ctx := context.Background()

	recent, err := counter.RecentTransactions(ctx, "u1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, recent)
	assert.Equal(t, now.Add(-time.Hour), counts.since)

	failed, err := counter.FailedTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
	assert.NoError(t, counter.Touch(ctx, "u1"))
}

// unreachableRedis fails fast so the fallback paths can be exercised without a server
func unreachableRedis() redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisCounter_FallsBack(t *testing.T) {
	counts := &fakeCounts{recent: 7, failed: 3}
	client := unreachableRedis()
	counter := NewRedisCounter(client, "test:activity:", time.Hour, NewStoreCounter(counts))
	defer counter.Close()
	ctx := context.Background()

	assert.Equal(t, "test:activity:orders:u1", counter.key("u1"))

	recent, err := counter.RecentTransactions(ctx, "u1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 7, recent)

	recent, err = counter.RecentTransactions(ctx, "u1", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, recent)

	failed, err := counter.FailedTransactions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, failed)

	assert.Error(t, counter.Touch(ctx, "u1"))
}

func TestNewRedisCounter_DefaultPrefix(t *testing.T) {
	counter := NewRedisCounter(unreachableRedis(), "  ", time.Hour, nil)
	defer counter.Close()
	assert.Equal(t, "keytrade:activity:orders:u1", counter.key("u1"))
}
