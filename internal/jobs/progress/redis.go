package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yungbote/scholarcast-backend/internal/platform/envutil"
	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

// RedisBus mirrors progress events across replicas over a redis pub/sub
// channel. Each replica publishes its own commits to redis and feeds its
// local hub from the forwarder, so every replica sees one copy of every
// event regardless of which one committed it.
type RedisBus struct {
	log     *logger.Logger
	rdb     *redis.Client
	channel string
}

func NewRedisBus(log *logger.Logger) (*RedisBus, error) {
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel := envutil.String("REDIS_PROGRESS_CHANNEL", "video.progress")

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		log:     log.With("component", "progress_redis"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder pumps the redis channel into onEvent until ctx ends.
func (b *RedisBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis progress payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// Relay adapts the RedisBus to the Publisher interface committers use.
// Publishing is best-effort: a redis hiccup logs and drops rather than
// slowing a transition down.
type Relay struct {
	log *logger.Logger
	bus *RedisBus
}

func NewRelay(log *logger.Logger, bus *RedisBus) *Relay {
	return &Relay{log: log.With("component", "progress_relay"), bus: bus}
}

func (r *Relay) Publish(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.log.Warn("progress publish failed", "job_id", ev.JobID, "seq", ev.Seq, "error", err)
	}
}
