package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps the redis client used for cross-process coordination.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

const (
	lockTTL      = 10 * time.Second
	lockPollStep = 50 * time.Millisecond
)

// WithLock serializes fn across processes on a SETNX lock. The TTL bounds the
// damage of a crashed holder; callers keep fn short (a check plus an insert).
func (s *Store) WithLock(ctx context.Context, key string, fn func() error) error {
	key = "lock:" + key

	for {
		ok, err := s.rdb.SetNX(ctx, key, 1, lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollStep):
		}
	}
	defer s.rdb.Del(context.WithoutCancel(ctx), key)

	return fn()
}
