package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TickGuard lets exactly one scheduler process claim a given tick.
type TickGuard interface {
	Claim(ctx context.Context, tick time.Time) (bool, error)
}

// RedisTickGuard claims ticks with SET NX so that duplicated scheduler
// processes sharing one Redis never run the same minute twice.
type RedisTickGuard struct {
	redisClient *redis.Client
	owner       string
	ttl         time.Duration
}

func NewRedisTickGuard(rdb *redis.Client, owner string, ttl time.Duration) *RedisTickGuard {
	return &RedisTickGuard{redisClient: rdb, owner: owner, ttl: ttl}
}

func (g *RedisTickGuard) Claim(ctx context.Context, tick time.Time) (bool, error) {
	key := fmt.Sprintf("deskmeter:tick:%d", tick.UTC().Unix())
	ok, err := g.redisClient.SetNX(ctx, key, g.owner, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim tick %s: %w", key, err)
	}
	return ok, nil
}

// LocalTickGuard is the single-process guard used when no Redis is configured.
type LocalTickGuard struct {
	mu      sync.Mutex
	claimed map[int64]struct{}
	keep    time.Duration
}

func NewLocalTickGuard(keep time.Duration) *LocalTickGuard {
	return &LocalTickGuard{claimed: make(map[int64]struct{}), keep: keep}
}

func (g *LocalTickGuard) Claim(_ context.Context, tick time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := tick.UTC().Unix()
	if _, ok := g.claimed[key]; ok {
		return false, nil
	}
	g.claimed[key] = struct{}{}

	horizon := tick.Add(-g.keep).UTC().Unix()
	for k := range g.claimed {
		if k < horizon {
			delete(g.claimed, k)
		}
	}
	return true, nil
}
