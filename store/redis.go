package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long an unanswered call config is kept.
const DefaultTTL = time.Hour

const keyPrefix = "callagent:call:"

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Redis is a Store backed by Redis, for deployments running several
// replicas behind one webhook URL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Store = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedis(client, cfg.TTL, logger), nil
}

func newRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "store"), zap.String("driver", "redis")),
	}
}

// Save stores cfg as JSON with the configured TTL.
func (r *Redis) Save(ctx context.Context, cfg *CallConfig) error {
	if cfg == nil || cfg.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode call config: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+cfg.ConversationID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save call config: %w", err)
	}
	r.logger.Debug("call config saved", zap.String("conversation_id", cfg.ConversationID))
	return nil
}

// Get loads the config for conversationID.
func (r *Redis) Get(ctx context.Context, conversationID string) (*CallConfig, error) {
	data, err := r.client.Get(ctx, keyPrefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call config: %w", err)
	}
	var cfg CallConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode call config: %w", err)
	}
	return &cfg, nil
}

// Delete removes the config for conversationID.
func (r *Redis) Delete(ctx context.Context, conversationID string) error {
	if err := r.client.Del(ctx, keyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("failed to delete call config: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
