// Package redisstore is a CounterStore over Redis, for deployments that
// want number reservation off the relational hot path. INCR is the
// storage-native atomic increment; the floor is a small Lua script so it
// is equally indivisible.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/store"
)

const keyPrefix = "counter:"

var setFloorScript = redis.NewScript(`
	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	local floor = tonumber(ARGV[1])
	if floor > current then
		redis.call('SET', KEYS[1], ARGV[1])
		return floor
	end
	return current
`)

type CounterStore struct {
	client *redis.Client
}

func New(addr string, password string, db int) *CounterStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &CounterStore{client: client}
}

func (c *CounterStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *CounterStore) Close() error {
	return c.client.Close()
}

func (c *CounterStore) ReserveNext(ctx context.Context, prefix string) (int64, error) {
	if !domain.CounterPrefixRe.MatchString(prefix) {
		return 0, fmt.Errorf("%w: %q", store.ErrInvalidPrefix, prefix)
	}

	seq, err := c.client.Incr(ctx, keyPrefix+prefix).Result()
	if err != nil {
		return 0, counterErr(err)
	}
	return seq, nil
}

func (c *CounterStore) SetFloor(ctx context.Context, prefix string, seq int64) error {
	if !domain.CounterPrefixRe.MatchString(prefix) {
		return fmt.Errorf("%w: %q", store.ErrInvalidPrefix, prefix)
	}
	if seq < 0 {
		return fmt.Errorf("negative floor %d for %s", seq, prefix)
	}

	err := setFloorScript.Run(ctx, c.client, []string{keyPrefix + prefix}, strconv.FormatInt(seq, 10)).Err()
	if err != nil {
		return counterErr(err)
	}
	return nil
}

// counterErr keeps context errors recognizable so callers abort on
// cancellation instead of degrading to a fallback reference.
func counterErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrCounterUnavailable, err)
}
