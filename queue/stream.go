// Package queue implements the durable, priority-aware message log
// backing every goqueue producer/consumer pair: a Redis stream (or, with
// priority enabled, a set of sibling streams sharing one consumer
// group) plus a delayed-entry sorted set promoted by a background sweep
// loop.
package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client narrows redis.UniversalClient down to the stream/zset commands
// goqueue needs, the way the teacher's redis.StreamClient wraps go-redis
// for its own narrower needs. It is exported so the consumer and dlq
// packages can share one thin wrapper instead of each hand-
// rolling go-redis calls.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient wraps rdb.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Raw returns the underlying go-redis client, for callers (health
// checks, cluster introspection) that need the full surface.
func (c *Client) Raw() redis.UniversalClient {
	return c.rdb
}

func (c *Client) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

// EnsureGroup creates stream and group if they don't already exist,
// tolerating the BUSYGROUP error redis raises when the group is already
// there.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

func (c *Client) XReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]redis.XStream, error) {
	if block <= 0 {
		// go-redis sends BLOCK 0 (block forever) for a zero value; a
		// negative Block omits the argument entirely.
		block = -1
	}
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return c.rdb.XAck(ctx, stream, group, ids...).Result()
}

func (c *Client) XDel(ctx context.Context, stream string, ids ...string) (int64, error) {
	return c.rdb.XDel(ctx, stream, ids...).Result()
}

func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}

func (c *Client) XRange(ctx context.Context, stream, start, stop string, count int64) ([]redis.XMessage, error) {
	return c.rdb.XRangeN(ctx, stream, start, stop, count).Result()
}

// XRangeID fetches a single entry by its exact id (XRANGE id id).
func (c *Client) XRangeID(ctx context.Context, stream, id string) (redis.XMessage, bool, error) {
	msgs, err := c.rdb.XRange(ctx, stream, id, id).Result()
	if err != nil {
		return redis.XMessage{}, false, err
	}
	if len(msgs) == 0 {
		return redis.XMessage{}, false, nil
	}
	return msgs[0], true, nil
}

func (c *Client) XInfoGroups(ctx context.Context, stream string) ([]redis.XInfoGroup, error) {
	groups, err := c.rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		// A stream with no group yet (or that doesn't exist) is not a
		// failure worth surfacing to getInfo's caller.
		return nil, nil
	}
	return groups, nil
}

func (c *Client) XAutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64, start string) ([]redis.XMessage, string, error) {
	msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	return msgs, next, err
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatFloat(max),
	}).Result()
}

func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	return c.rdb.ZRem(ctx, key, members...).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
