package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb        *redis.Client
	dailyLimit int64
}

func New(addr, password string, db int, dailyLimit int64) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Store{rdb: rdb, dailyLimit: dailyLimit}, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func quotaKey(userID uint64) string {
	return fmt.Sprintf("studio:quota:%d:%s", userID, time.Now().UTC().Format("2006-01-02"))
}

// Take reserves one generation from the user's daily budget. Returns false
// when the budget is spent. The counter and its expiry are set in one
// round trip; the key is stamped with the UTC date, so even a key that
// somehow loses its TTL stops counting at midnight.
func (s *Store) Take(ctx context.Context, userID uint64) (bool, error) {
	key := quotaKey(userID)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if incr.Val() > s.dailyLimit {
		return false, nil
	}
	return true, nil
}
