package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/declue/aipilot/internal/domain"
)

// RedisClient is the subset of the go-redis client the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Close() error
}

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires idle snapshots server-side; zero keeps them.
	TTL time.Duration
}

// RedisSnapshotStore keeps snapshots as redis strings under a key prefix.
type RedisSnapshotStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore connects to redis and verifies the connection.
func NewRedisSnapshotStore(ctx context.Context, cfg RedisConfig) (*RedisSnapshotStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisSnapshotStoreWithClient(client, cfg), nil
}

// NewRedisSnapshotStoreWithClient wraps an existing client.
func NewRedisSnapshotStoreWithClient(client RedisClient, cfg RedisConfig) *RedisSnapshotStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = domain.DefaultRedisKeyPrefix
	}
	return &RedisSnapshotStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (s *RedisSnapshotStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisSnapshotStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, mapRedisErr("load session", err)
	}
	return data, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, sessionID string, data []byte) error {
	if err := s.client.Set(ctx, s.key(sessionID), data, s.ttl).Err(); err != nil {
		return mapRedisErr("save session", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return mapRedisErr("delete session", err)
	}
	return nil
}

func (s *RedisSnapshotStore) List(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, mapRedisErr("list sessions", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, s.prefix))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

func (s *RedisSnapshotStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func mapRedisErr(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return domain.ErrStoreClosed
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ domain.SnapshotStore = (*RedisSnapshotStore)(nil)
