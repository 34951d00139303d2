package redisclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Counter is an atomic increment-and-fetch counter stored under a single Redis key.
type Counter struct {
	client *redis.Client
	key    string
}

func NewCounter(client *redis.Client, key string) *Counter {
	return &Counter{client: client, key: key}
}

func (c *Counter) Next(ctx context.Context) (int64, error) {
	n, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", c.key, err)
	}
	return n, nil
}

// raises the counter to ARGV[1] when it is lower, then increments
var nextAboveScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call("SET", KEYS[1], floor)
end
return redis.call("INCR", KEYS[1])
`)

// NextAbove returns the next value, which is always greater than floor.
func (c *Counter) NextAbove(ctx context.Context, floor int64) (int64, error) {
	n, err := nextAboveScript.Run(ctx, c.client, []string{c.key}, floor).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment counter %s above %d: %w", c.key, floor, err)
	}
	return n, nil
}
