package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/tool"
)

// NewClient connects to redis when redis.addr is set. Without an address it
// returns nil and locking degrades to a no-op.
func NewClient(lc fx.Lifecycle, cfg *config.Config, log *zap.SugaredLogger) *goredis.Client {
	if cfg.Redis.Addr == "" {
		log.Infow("redis disabled; batch lock not enforced")
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warnw("redis_ping_failed", "addr", cfg.Redis.Addr, "error", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out single-holder leases. A Locker without a client always
// grants the lease.
type Locker struct {
	client *goredis.Client
	log    *zap.SugaredLogger
}

func NewLocker(client *goredis.Client, log *zap.SugaredLogger) *Locker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Locker{client: client, log: log}
}

// Acquire tries to take key for ttl. ok is false when another holder has it.
// release is always safe to call.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	noop := func() {}
	if l == nil || l.client == nil {
		return noop, true, nil
	}
	token := tool.GenerateUUIDV7()
	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return noop, false, err
	}
	if !ok {
		return noop, false, nil
	}
	return func() {
		// the caller's context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			l.log.Warnw("lock_release_failed", "key", key, "error", err)
		}
	}, true, nil
}

var Module = fx.Options(
	fx.Provide(NewClient),
	fx.Provide(NewLocker),
)
