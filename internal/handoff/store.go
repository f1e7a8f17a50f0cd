package handoff

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/fault"
)

// ContextStore parks a packaged task context between Initiate and
// Complete. Entries expire if the target never accepts.
type ContextStore interface {
	Put(ctx context.Context, handoffID string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, handoffID string) ([]byte, error)
	Delete(ctx context.Context, handoffID string) error
}

// RedisStoreConfig configures the redis context store
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix (default: "handoff:")
}

// RedisStore keeps handoff contexts in redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis and returns a context store
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if config.Prefix == "" {
		config.Prefix = "handoff:"
	}

	log.Info().
		Str("redis_addr", config.Addr).
		Str("prefix", config.Prefix).
		Msg("Handoff context store initialized")

	return &RedisStore{client: client, prefix: config.Prefix}, nil
}

// NewRedisStoreWithClient wraps an existing client. Test use.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "handoff:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Put stores a packaged context under the handoff id
func (s *RedisStore) Put(ctx context.Context, handoffID string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+handoffID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store handoff context: %w", err)
	}
	return nil
}

// Get retrieves a packaged context
func (s *RedisStore) Get(ctx context.Context, handoffID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+handoffID).Bytes()
	if err == redis.Nil {
		return nil, fault.New(fault.KindNotFound, "handoff context %s not found", handoffID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load handoff context: %w", err)
	}
	return data, nil
}

// Delete removes a packaged context
func (s *RedisStore) Delete(ctx context.Context, handoffID string) error {
	if err := s.client.Del(ctx, s.prefix+handoffID).Err(); err != nil {
		return fmt.Errorf("failed to delete handoff context: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
