package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"hl-sentinel/internal/config"
)

// ErrDocumentMissing is returned when a read model document is absent or expired.
var ErrDocumentMissing = errors.New("storage: read model document missing")

// Publisher pushes the read model to an external cache.
type Publisher interface {
	Publish(ctx context.Context, rm ReadModel) error
}

// RedisPublisher stores each read model document as a JSON string with a TTL
// and announces the cycle on <prefix>updates.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisClient dials redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedisPublisher wraps a connected client.
func NewRedisPublisher(client *redis.Client, cfg config.RedisConfig) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}
}

// Key returns the full redis key for a document name.
func (p *RedisPublisher) Key(name string) string {
	return p.prefix + name
}

// Publish writes every document in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, rm ReadModel) error {
	if p == nil || p.client == nil {
		return ErrNotConfigured
	}

	payloads := make(map[string][]byte, 6)
	for name, doc := range rm.documents() {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", name, err)
		}
		payloads[name] = data
	}

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, data := range payloads {
			pipe.Set(ctx, p.Key(name), data, p.ttl)
		}
		pipe.Publish(ctx, p.Key("updates"), rm.GeneratedAt.UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish read model: %w", err)
	}
	return nil
}

// Load decodes one published document into dst.
func (p *RedisPublisher) Load(ctx context.Context, name string, dst any) error {
	if p == nil || p.client == nil {
		return ErrNotConfigured
	}

	data, err := p.client.Get(ctx, p.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrDocumentMissing
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", name, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
