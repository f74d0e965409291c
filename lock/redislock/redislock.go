// Package redislock implements settlement.Locker on Redis so that several
// engine processes sharing one database still hold a single writer per
// driver.
//
// The lock is a key set with SET NX and a TTL. The value is a random token
// and release deletes the key only while it still carries that token, so a
// holder whose TTL expired cannot release someone else's lock.
//
// The TTL is fixed at acquisition and never extended. A reconciliation that
// outlives it loses exclusivity; optimistic versions on plans and
// settlements still reject the loser's write, which is then retried. Size
// LOCK_TTL to at least RETRY_MAX_ELAPSED; config validation enforces it.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const releaseTimeout = 2 * time.Second

type Config struct {
	Prefix string
	TTL    time.Duration
}

func DefaultConfig() Config {
	return Config{Prefix: "settlement:lock:", TTL: 30 * time.Second}
}

type Locker struct {
	rdb      redis.Cmdable
	cfg      Config
	log      *zap.SugaredLogger
	newToken func() string
}

type Option func(*Locker)

// WithTokens replaces the token generator. Tests use it to make the
// release script arguments predictable.
func WithTokens(f func() string) Option { return func(l *Locker) { l.newToken = f } }

func New(rdb redis.Cmdable, cfg Config, opts ...Option) *Locker {
	l := &Locker{
		rdb:      rdb,
		cfg:      cfg,
		log:      logger.GetLogger().Named("redislock"),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Locker) key(driverID settlement.DriverID) string {
	return l.cfg.Prefix + string(driverID)
}

// TryLock acquires the driver's lock or returns settlement.ErrLockContended.
func (l *Locker) TryLock(ctx context.Context, driverID settlement.DriverID) (func(), error) {
	key := l.key(driverID)
	token := l.newToken()

	ok, err := l.rdb.SetNX(ctx, key, token, l.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, settlement.ErrLockContended
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ctx, key, token) })
	}, nil
}

func (l *Locker) release(ctx context.Context, key, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	n, err := l.rdb.Eval(ctx, releaseScript, []string{key}, token).Int64()
	if err != nil {
		l.log.Errorw("Failed to release driver lock", "key", key, "error", err)
		return
	}
	if n == 0 {
		l.log.Warnw("Driver lock expired before release", "key", key, "ttl", l.cfg.TTL)
	}
}

var _ settlement.Locker = (*Locker)(nil)
