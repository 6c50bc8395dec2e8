package messaging

import (
	"context"
	"fmt"

	"mailwatch_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Stream names for lifecycle jobs.
const (
	StreamTokenRefresh = "token:refresh"
	StreamWatchRenew   = "watch:renew"
	StreamWatchSetup   = "watch:setup"
	StreamNotify       = "notify:process"
)

// Streams lists every stream the worker consumes.
var Streams = []string{
	StreamTokenRefresh,
	StreamWatchRenew,
	StreamWatchSetup,
	StreamNotify,
}

// RedisProducer publishes lifecycle jobs onto Redis Streams.
type RedisProducer struct {
	client *redis.Client
}

// NewRedisProducer creates a new producer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// publish serializes a job and appends it to a stream.
func (p *RedisProducer) publish(ctx context.Context, stream string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

func (p *RedisProducer) PublishTokenRefresh(ctx context.Context, job *out.TokenRefreshJob) error {
	return p.publish(ctx, StreamTokenRefresh, job)
}

func (p *RedisProducer) PublishWatchRenew(ctx context.Context, job *out.WatchRenewJob) error {
	return p.publish(ctx, StreamWatchRenew, job)
}

func (p *RedisProducer) PublishWatchSetup(ctx context.Context, job *out.WatchSetupJob) error {
	return p.publish(ctx, StreamWatchSetup, job)
}

func (p *RedisProducer) PublishNotification(ctx context.Context, job *out.NotificationJob) error {
	return p.publish(ctx, StreamNotify, job)
}

var _ out.MessageProducer = (*RedisProducer)(nil)
