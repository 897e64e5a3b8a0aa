package trap

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const blockedIPSet = "fraud:blocked_ips"

// RedisBlocklist blocks hostile addresses in Redis so every node in the
// fleet sees the block immediately.
type RedisBlocklist struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBlocklist creates a blocklist. ttl bounds how long an address
// stays blocked; zero means no expiry.
func NewRedisBlocklist(client *redis.Client, ttl time.Duration) *RedisBlocklist {
	return &RedisBlocklist{client: client, ttl: ttl}
}

// Block implements IPBlocklist.
func (b *RedisBlocklist) Block(ctx context.Context, ip string) error {
	if err := b.client.SAdd(ctx, blockedIPSet, ip).Err(); err != nil {
		return err
	}
	if b.ttl > 0 {
		return b.client.Set(ctx, "fraud:blocked_ip:"+ip, 1, b.ttl).Err()
	}
	return nil
}

// IsBlocked reports whether ip is currently blocked.
func (b *RedisBlocklist) IsBlocked(ctx context.Context, ip string) (bool, error) {
	return b.client.SIsMember(ctx, blockedIPSet, ip).Result()
}
