package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "keeper:lock:"
	DefaultRedisTTL = 30 * time.Second
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds a lock as a key with a random token and a TTL that is
// refreshed in the background until release. A crashed holder loses the lock
// after one TTL.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{client: client, ttl: ttl, logger: logger.With("component", "lock")}
}

// DialRedis parses url and checks the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func redisKey(name string) string {
	return redisKeyPrefix + strings.ToLower(name)
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (func() error, error) {
	key := redisKey(name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, name)
	}
	l.logger.Info("lock acquired", "name", name, "key", key)

	refreshCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.refresh(refreshCtx, key, token)
	}()

	var once sync.Once
	return func() error {
		var rerr error
		once.Do(func() {
			stop()
			wg.Wait()
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				rerr = fmt.Errorf("release redis lock %s: %w", key, err)
			}
		})
		return rerr
	}, nil
}

func (l *RedisLocker) refresh(ctx context.Context, key, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn("lock refresh failed", "key", key, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("lock lost", "key", key)
				return
			}
		}
	}
}
