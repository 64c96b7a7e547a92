// Package remoteredis implements lockservice.Strategy over Redis: SET key
// value NX PX=ttl for acquisition, DEL for release, GET for state. A
// remote holder has no local pid to probe, so "dead" is modelled purely as
// TTL expiry — Redis evicting the key is the liveness signal, there is no
// separate IsHolderAlive check to run.
package remoteredis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dataflowhq/dataflowd/internal/lockservice"
)

// Strategy is the Redis-backed remote lockservice.Strategy.
type Strategy struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps client; every acquired lock key is set to expire after ttl.
// The TTL is never renewed: a caller holding the lock longer than ttl
// without releasing it silently loses it.
func New(client *redis.Client, ttl time.Duration) *Strategy {
	return &Strategy{client: client, ttl: ttl}
}

func lockKey(repo, resource string) string {
	return repo + ":" + resource
}

func (s *Strategy) TryAcquire(ctx context.Context, repo, resource string, holder lockservice.Holder) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(repo, resource), holder.Descriptor, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *Strategy) Release(ctx context.Context, repo, resource string, holder lockservice.Holder) error {
	key := lockKey(repo, resource)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil // already released (or expired)
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if val != holder.Descriptor {
		return nil // reclaimed by someone else already
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *Strategy) GetState(ctx context.Context, repo, resource string) (lockservice.State, error) {
	val, err := s.client.Get(ctx, lockKey(repo, resource)).Result()
	if err == redis.Nil {
		return lockservice.State{}, nil
	}
	if err != nil {
		return lockservice.State{}, fmt.Errorf("redis get: %w", err)
	}
	return lockservice.State{Locked: true, Holder: lockservice.Holder{Descriptor: val}}, nil
}

// IsHolderAlive always reports true: a remote holder's liveness is entirely
// expressed by its lock key's TTL, which TryAcquire/GetState already
// observe directly (SET NX PX either finds the key gone, meaning the TTL
// already expired, or present, meaning it hasn't). There is no separate
// out-of-band liveness probe for a remote caller the way a local pid can be
// probed.
func (s *Strategy) IsHolderAlive(ctx context.Context, holder lockservice.Holder) (bool, error) {
	return true, nil
}
