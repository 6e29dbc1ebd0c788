package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"key-trade-ledger-go/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var touchScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisCounter keeps a per-user order counter that expires one window after
// the first order in it. Failed transaction counts and other windows are
// answered by the fallback.
type RedisCounter struct {
	client   redis.UniversalClient
	prefix   string
	window   time.Duration
	fallback Counter
}

func NewRedisClient(cfg models.ActivityConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewRedisCounter(client redis.UniversalClient, prefix string, window time.Duration, fallback Counter) *RedisCounter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "keytrade:activity"
	}
	return &RedisCounter{client: client, prefix: prefix, window: window, fallback: fallback}
}

func (r *RedisCounter) key(userId string) string {
	return fmt.Sprintf("%s:orders:%s", r.prefix, userId)
}

func (r *RedisCounter) FailedTransactions(ctx context.Context, userId string) (int, error) {
	return r.fallback.FailedTransactions(ctx, userId)
}

func (r *RedisCounter) RecentTransactions(ctx context.Context, userId string, window time.Duration) (int, error) {
	if window != r.window {
		return r.fallback.RecentTransactions(ctx, userId, window)
	}
	count, err := r.client.Get(ctx, r.key(userId)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		zap.L().Warn("Redis activity read failed, using store", zap.String("user_id", userId), zap.Error(err))
		return r.fallback.RecentTransactions(ctx, userId, window)
	}
	return count, nil
}

func (r *RedisCounter) Touch(ctx context.Context, userId string) error {
	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	if err := touchScript.Run(ctx, r.client, []string{r.key(userId)}, windowMs).Err(); err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

func (r *RedisCounter) Close() error {
	return r.client.Close()
}
