// Package redis implements streamstore.Client against Redis Streams,
// using XADD/XGROUP CREATE/XREADGROUP/XACK/XPENDING/XAUTOCLAIM for
// consumer-group and pending-entry-list semantics, following the same
// consumer pattern as other Redis-Streams consumers in this codebase's
// lineage (discover, create-group-idempotently, XReadGroup with the ">"
// marker, XAck on success, XAutoClaim to reclaim entries abandoned by a
// crashed consumer).
package redis

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"github.com/tfp-event-fabric/fabric/pkg/streamstore"
)

// Config configures the Redis Streams adapter.
type Config struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379" validate:"required"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`

	// MaxLen approximately caps each stream's length (0 disables trimming).
	MaxLen int64 `env:"REDIS_STREAM_MAXLEN" env-default:"1000000"`
}

// Client implements streamstore.Client over a single *redis.Client.
type Client struct {
	rdb    *goredis.Client
	maxLen int64
}

// New connects to Redis and verifies the connection with PING.
func New(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis stream store")
	}

	return &Client{rdb: rdb, maxLen: cfg.MaxLen}, nil
}

func (c *Client) Publish(ctx context.Context, streamName string, rec streamstore.Record) error {
	args := &goredis.XAddArgs{
		Stream: streamName,
		Values: rec.ToFields(),
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}
	return c.rdb.XAdd(ctx, args).Err()
}

func (c *Client) EnsureGroup(ctx context.Context, streamName, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, streamName, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrap(err, "failed to create consumer group")
	}
	return nil
}

func (c *Client) ReadGroup(ctx context.Context, streamName, group, consumer string, timeout time.Duration) (*streamstore.Delivery, error) {
	res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamName, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()

	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read from consumer group")
	}

	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			return &streamstore.Delivery{ID: msg.ID, Fields: fields}, nil
		}
	}
	return nil, nil
}

func (c *Client) Claim(ctx context.Context, streamName, group, consumer string, minIdle time.Duration) (*streamstore.Delivery, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   streamName,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()

	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to auto-claim pending entries")
	}

	for _, msg := range msgs {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		return &streamstore.Delivery{ID: msg.ID, Fields: fields}, nil
	}
	return nil, nil
}

func (c *Client) Ack(ctx context.Context, streamName, group, deliveryID string) error {
	return c.rdb.XAck(ctx, streamName, group, deliveryID).Err()
}

func (c *Client) Pending(ctx context.Context, streamName, group string) (int64, error) {
	summary, err := c.rdb.XPending(ctx, streamName, group).Result()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to query pending entries")
	}
	return summary.Count, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
