package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// releaseScript deletes the lease only if this replica still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLeader struct {
	client *redis.Client
	prefix string
}

func NewRedisLeader(client *redis.Client, prefix string) *RedisLeader {
	return &RedisLeader{client: client, prefix: prefix}
}

func (l *RedisLeader) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := fmt.Sprintf("%s:lease:%s", l.prefix, name)
	token := ulid.Make().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("scheduler: failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// The tick's context may already be canceled on shutdown.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("scheduler: failed to release lease")
		}
	}
	return release, true, nil
}
