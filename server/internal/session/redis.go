package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mission-talk/server/internal/model"
)

const keyPrefix = "missiontalk:session:"

// RedisStore 把会话快照以 JSON 形式存入 Redis，并设置过期时间。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 解析连接串并创建存储，ttl 为 0 时不过期。
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Ping 检查连接是否可用。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.SessionState, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session %s: %w", id, err)
	}

	var state model.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &state, nil
}

func (s *RedisStore) Save(ctx context.Context, state *model.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", state.SessionID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+state.SessionID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session %s: %w", state.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis delete session %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
