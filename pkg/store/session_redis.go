package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"teamchat/internal/util"
)

// RedisSessionStore keeps login sessions in Redis with TTL. The token doubles
// as the per-connection presence session id.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSessionStore builds a Redis-backed session store.
func NewRedisSessionStore(addr, password string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl:    ttl,
		prefix: "teamchat:session:",
	}
}

// NewSession writes a token -> username mapping with TTL.
func (s *RedisSessionStore) NewSession(username string) (string, error) {
	token := util.NewID()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, s.prefix+token, username, s.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// GetUsernameByToken resolves a token to its username and refreshes the TTL,
// so a polling client's session stays alive while it keeps calling.
func (s *RedisSessionStore) GetUsernameByToken(token string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	val, err := s.client.GetEx(ctx, s.prefix+token, s.ttl).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// DeleteSession removes a token mapping.
func (s *RedisSessionStore) DeleteSession(token string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Del(ctx, s.prefix+token).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}
