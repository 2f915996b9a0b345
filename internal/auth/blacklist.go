package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "vdi:token:revoked:"

// RedisBlacklist stores revoked token ids in Redis with a TTL matching the
// token's remaining lifetime, so entries expire with the tokens they ban.
type RedisBlacklist struct {
	rdb *redis.Client
}

func NewRedisBlacklist(rdb *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{rdb: rdb}
}

func (b *RedisBlacklist) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already-expired tokens fail validation anyway.
		return nil
	}
	return b.rdb.Set(ctx, blacklistPrefix+tokenID, "1", ttl).Err()
}

func (b *RedisBlacklist) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, err := b.rdb.Get(ctx, blacklistPrefix+tokenID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
