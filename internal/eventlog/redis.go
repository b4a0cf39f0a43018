package eventlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLog implements Log on Redis Streams with length-capped retention.
type RedisLog struct {
	client *redis.Client
	maxLen int64
}

// RedisOptions configures the Redis-backed log.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	MaxLen   int64 // approximate per-stream retention cap
}

// NewRedisLog connects a Redis Streams log provider.
func NewRedisLog(opts RedisOptions) *RedisLog {
	if opts.MaxLen == 0 {
		opts.MaxLen = 50000
	}
	return &RedisLog{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		maxLen: opts.MaxLen,
	}
}

// NewRedisLogFromClient wraps an existing client (used by tests with mocks).
func NewRedisLogFromClient(client *redis.Client, maxLen int64) *RedisLog {
	if maxLen == 0 {
		maxLen = 50000
	}
	return &RedisLog{client: client, maxLen: maxLen}
}

func (l *RedisLog) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (l *RedisLog) Consume(ctx context.Context, stream, group, consumer string, max int64, block time.Duration) ([]Entry, error) {
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoEntries
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}

	var entries []Entry
	for _, s := range res {
		for _, msg := range s.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			entries = append(entries, Entry{ID: msg.ID, Fields: fields})
		}
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	return entries, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group, id string) error {
	if err := l.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s %s: %w", stream, group, id, err)
	}
	return nil
}

func (l *RedisLog) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

func (l *RedisLog) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return l.client.Set(ctx, key, value, ttl).Err()
}

func (l *RedisLog) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (l *RedisLog) SAdd(ctx context.Context, key, member string) (bool, error) {
	added, err := l.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

func (l *RedisLog) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return l.client.SIsMember(ctx, key, member).Result()
}

func (l *RedisLog) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	return l.client.HSet(ctx, key, values...).Err()
}

func (l *RedisLog) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return l.client.HGetAll(ctx, key).Result()
}

func (l *RedisLog) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return l.client.Expire(ctx, key, ttl).Err()
}

func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}
