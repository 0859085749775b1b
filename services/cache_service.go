package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ticketing/monitoring"
)

// CacheService is a best-effort read-path cache over Redis. A broken
// cache degrades to calling the producer every time; it never surfaces
// an error into the business path.
type CacheService struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewCacheService(redisClient *redis.Client, logger *zap.Logger) *CacheService {
	return &CacheService{redis: redisClient, logger: logger}
}

// Get returns the cached JSON value for key, or runs producer and caches
// its result for ttl. dest must be a pointer.
func (s *CacheService) Get(ctx context.Context, key string, ttl time.Duration, dest any, producer func(ctx context.Context) (any, error)) error {
	cached, err := s.redis.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(cached, dest); err == nil {
			monitoring.RecordCacheHit()
			return nil
		}
		// Corrupt entry: fall through to the producer and overwrite.
	} else if err != redis.Nil {
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	}
	monitoring.RecordCacheMiss()

	value, err := producer(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return err
	}
	if err := s.redis.Set(ctx, key, payload, ttl).Err(); err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (s *CacheService) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// DeletePattern removes every key matching a glob pattern. SCAN keeps
// the sweep incremental on a shared Redis.
func (s *CacheService) DeletePattern(ctx context.Context, pattern string) {
	var cursor uint64
	for {
		keys, next, err := s.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			s.logger.Warn("cache scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := s.redis.Del(ctx, keys...).Err(); err != nil {
				s.logger.Warn("cache delete failed", zap.String("pattern", pattern), zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
