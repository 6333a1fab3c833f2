// Package cursor remembers the last bank card shown to a manual payer so
// rotation survives restarts and is shared between bot replicas.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Store holds the last selected card id.
type Store interface {
	Last(ctx context.Context) (int64, bool, error)
	SetLast(ctx context.Context, cardID int64) error
}

// DefaultKey is the Redis key used when none is configured.
const DefaultKey = "shop:bank_card:last"

// RedisStore keeps the cursor in a single Redis key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts *redis.Options, key string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if key == "" {
		key = DefaultKey
	}
	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return &RedisStore{client: client, key: key}, nil
}

// Last returns the stored card id. ok is false when nothing was stored yet.
func (s *RedisStore) Last(ctx context.Context) (int64, bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read card cursor: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt card cursor %q: %w", val, err)
	}
	return id, true, nil
}

// SetLast stores the card id.
func (s *RedisStore) SetLast(ctx context.Context, cardID int64) error {
	if err := s.client.Set(ctx, s.key, cardID, 0).Err(); err != nil {
		return fmt.Errorf("failed to write card cursor: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is a process-local cursor.
type MemoryStore struct {
	mu  sync.Mutex
	id  int64
	set bool
}

// NewMemoryStore creates an empty in-memory cursor.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Last(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.set, nil
}

func (s *MemoryStore) SetLast(_ context.Context, cardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.set = cardID, true
	return nil
}
