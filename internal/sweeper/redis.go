package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const LockKey = "escrow:sweep:lock"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with a TTL. The TTL should exceed a sweep's
// duration; an expired lock only means two sweeps may overlap.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, key: LockKey, ttl: ttl, log: log}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.log.Warn("sweep lock release failed", zap.Error(err))
		}
	}
	return release, true, nil
}
