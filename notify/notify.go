// Package notify delivers settlement change events to external
// collaborators. LogNotifier writes them to the structured log;
// RedisNotifier publishes them on a per-driver Redis channel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// LogNotifier is the default when Redis is disabled.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.GetLogger().Named("notify")}
}

func (n *LogNotifier) SettlementChanged(_ context.Context, ev settlement.ChangeEvent) error {
	n.log.Infow("Settlement changed",
		"eventID", ev.ID,
		"driverID", ev.DriverID,
		"week", ev.Week,
		"site", ev.Site,
		"finalTotal", ev.FinalTotal.StringFixed(2),
		"unsigned", ev.Unsigned,
		"removed", ev.Removed,
		"version", ev.Version)
	return nil
}

type Config struct {
	ChannelPrefix  string
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{ChannelPrefix: "settlements", PublishTimeout: 5 * time.Second}
}

type RedisNotifier struct {
	rdb redis.Cmdable
	cfg Config
}

func NewRedisNotifier(rdb redis.Cmdable, cfg Config) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, cfg: cfg}
}

// Channel returns the channel events of driverID are published on.
func (n *RedisNotifier) Channel(driverID settlement.DriverID) string {
	return fmt.Sprintf("%s:%s", n.cfg.ChannelPrefix, driverID)
}

func (n *RedisNotifier) SettlementChanged(ctx context.Context, ev settlement.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.PublishTimeout)
	defer cancel()

	if err := n.rdb.Publish(ctx, n.Channel(ev.DriverID), string(data)).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []settlement.Notifier

func (m Multi) SettlementChanged(ctx context.Context, ev settlement.ChangeEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.SettlementChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ settlement.Notifier = (*LogNotifier)(nil)
	_ settlement.Notifier = (*RedisNotifier)(nil)
	_ settlement.Notifier = Multi(nil)
)
