package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// blockDuration bounds how long ReadGroup waits for new entries before
// returning empty-handed, so the worker's read loop can still observe
// context cancellation between polls.
const blockDuration = 2 * time.Second

// RedisBroker implements Broker over Redis Streams (XGROUP CREATE,
// XREADGROUP, XACK, XADD).
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker connects to the Redis instance at url (a
// redis://[:password@]host:port[/db] URL).
func NewRedisBroker(url string, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return &RedisBroker{client: client, logger: logger.With("component", "stream.RedisBroker")}, nil
}

// EnsureGroup creates the consumer group starting from the beginning of
// the stream ("0"), creating the stream itself if it doesn't exist yet.
// A "BUSYGROUP" error (group already exists) is swallowed.
func (b *RedisBroker) EnsureGroup(ctx context.Context, streamName, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, streamName, group, "0").Err()
	if err != nil && !isGroupExistsErr(err) {
		return err
	}
	return nil
}

func isGroupExistsErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// ReadGroup reads up to count new messages for consumer within group,
// blocking for blockDuration if none are immediately available.
func (b *RedisBroker) ReadGroup(ctx context.Context, streamName, group, consumer string, count int64) ([]Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []Message
	for _, stream := range res {
		for _, entry := range stream.Messages {
			out = append(out, Message{ID: entry.ID, Fields: entry.Values})
		}
	}
	return out, nil
}

// Ack acknowledges id within group on streamName.
func (b *RedisBroker) Ack(ctx context.Context, streamName, group, id string) error {
	return b.client.XAck(ctx, streamName, group, id).Err()
}

// Publish appends fields to streamName via XADD, letting Redis assign the
// entry ID.
func (b *RedisBroker) Publish(ctx context.Context, streamName string, fields map[string]interface{}) (string, error) {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: fields,
	}).Result()
}

// Close closes the underlying Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
