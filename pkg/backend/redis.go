package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds the optimistic retry loop in Atomic. Contention on a
// single queue is short-lived, so exhausting this means something is
// hammering the watched keys pathologically.
const maxTxRetries = 64

// RedisBackend implements Backend on a shared Redis server.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend creates a backend from Redis connection options and
// verifies connectivity.
func NewRedisBackend(ctx context.Context, opts *redis.Options) (*RedisBackend, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis not reachable: %v", ErrUnavailable, err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

// NewRedisBackendFromURL parses a redis:// URL and connects.
func NewRedisBackendFromURL(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisBackend(ctx, opts)
}

// Ping verifies Redis connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.rdb.Set(ctx, key, value, ttl).Err()
}

func (b *RedisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, value, ttl).Result()
}

// CASSet performs a conditional set: the key is updated to newValue only if
// its current value equals expected (empty expected means "key absent").
func (b *RedisBackend) CASSet(ctx context.Context, key, expected, newValue string) (bool, error) {
	took := false
	err := b.atomicWithRetry(ctx, []string{key}, func(tx Tx) error {
		took = false
		current, ok, err := tx.Get(key)
		if err != nil {
			return err
		}
		if (expected == "" && ok) || (expected != "" && (!ok || current != expected)) {
			return nil
		}
		tx.Set(key, newValue, 0)
		took = true
		return nil
	})
	return took, err
}

func (b *RedisBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.rdb.Del(ctx, keys...).Err()
}

func (b *RedisBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.rdb.Expire(ctx, key, ttl).Err()
}

func (b *RedisBackend) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return b.rdb.IncrBy(ctx, key, n).Result()
}

func (b *RedisBackend) IncrByFloat(ctx context.Context, key string, n float64) (float64, error) {
	return b.rdb.IncrByFloat(ctx, key, n).Result()
}

func (b *RedisBackend) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return b.rdb.HSet(ctx, key, args).Err()
}

func (b *RedisBackend) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := b.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (b *RedisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.rdb.HGetAll(ctx, key).Result()
}

func (b *RedisBackend) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return b.rdb.HIncrBy(ctx, key, field, n).Result()
}

func (b *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (b *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (b *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.rdb.SMembers(ctx, key).Result()
}

func (b *RedisBackend) SCard(ctx context.Context, key string) (int64, error) {
	return b.rdb.SCard(ctx, key).Result()
}

func (b *RedisBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (b *RedisBackend) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.rdb.ZRem(ctx, key, toAny(members)...).Err()
}

func (b *RedisBackend) ZCard(ctx context.Context, key string) (int64, error) {
	return b.rdb.ZCard(ctx, key).Result()
}

func (b *RedisBackend) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := b.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (b *RedisBackend) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	return b.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: limit,
	}).Result()
}

func (b *RedisBackend) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := b.rdb.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return fromRedisZs(zs), nil
}

func (b *RedisBackend) ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error) {
	zs, err := b.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return ScoredMember{}, false, err
	}
	if len(zs) == 0 {
		return ScoredMember{}, false, nil
	}
	return ScoredMember{Member: zs[0].Member.(string), Score: zs[0].Score}, true, nil
}

func (b *RedisBackend) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}

func (b *RedisBackend) XRange(ctx context.Context, stream, afterID string, count int64) ([]StreamEntry, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = b.rdb.XRangeN(ctx, stream, start, "+", count).Result()
	} else {
		msgs, err = b.rdb.XRange(ctx, stream, start, "+").Result()
	}
	if err != nil {
		return nil, err
	}
	return fromRedisXMessages(msgs), nil
}

func (b *RedisBackend) XRevRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = b.rdb.XRevRangeN(ctx, stream, "+", "-", count).Result()
	} else {
		msgs, err = b.rdb.XRevRange(ctx, stream, "+", "-").Result()
	}
	if err != nil {
		return nil, err
	}
	return fromRedisXMessages(msgs), nil
}

func (b *RedisBackend) Publish(ctx context.Context, channel, payload string) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription. Messages are delivered on a
// buffered channel; at-most-once delivery applies, as with Redis Pub/Sub.
func (b *RedisBackend) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	msgs := make(chan PubSubMessage, 32)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(msgs)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case msgs <- PubSubMessage{Channel: msg.Channel, Payload: msg.Payload}:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &redisSubscription{msgs: msgs, cancel: cancel}, nil
}

type redisSubscription struct {
	msgs   chan PubSubMessage
	cancel func()
	once   sync.Once
}

func (s *redisSubscription) Messages() <-chan PubSubMessage { return s.msgs }

func (s *redisSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Atomic runs fn as a WATCH/MULTI/EXEC optimistic transaction, retrying on
// conflict with concurrent writers.
func (b *RedisBackend) Atomic(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	return b.atomicWithRetry(ctx, watch, fn)
}

func (b *RedisBackend) atomicWithRetry(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	txFn := func(rtx *redis.Tx) error {
		t := &redisTx{ctx: ctx, tx: rtx}
		if err := fn(t); err != nil {
			return err
		}
		if len(t.writes) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range t.writes {
				w(pipe)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.rdb.Watch(ctx, txFn, watch...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %d conflicts on %v", ErrTxAborted, maxTxRetries, watch)
}

// redisTx reads on the watched connection and queues writes for the
// MULTI/EXEC pipeline.
type redisTx struct {
	ctx    context.Context
	tx     *redis.Tx
	writes []func(redis.Pipeliner)
}

func (t *redisTx) Get(key string) (string, bool, error) {
	val, err := t.tx.Get(t.ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (t *redisTx) HGetAll(key string) (map[string]string, error) {
	return t.tx.HGetAll(t.ctx, key).Result()
}

func (t *redisTx) SMembers(key string) ([]string, error) {
	return t.tx.SMembers(t.ctx, key).Result()
}

func (t *redisTx) ZRevRangeWithScores(key string, start, stop int64) ([]ScoredMember, error) {
	zs, err := t.tx.ZRevRangeWithScores(t.ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return fromRedisZs(zs), nil
}

func (t *redisTx) ZRangeByScore(key string, min, max float64, limit int64) ([]string, error) {
	return t.tx.ZRangeByScore(t.ctx, key, &redis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: limit,
	}).Result()
}

func (t *redisTx) Set(key, value string, ttl time.Duration) {
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.Set(t.ctx, key, value, ttl) })
}

func (t *redisTx) Del(keys ...string) {
	ks := append([]string(nil), keys...)
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.Del(t.ctx, ks...) })
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.Expire(t.ctx, key, ttl) })
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.HSet(t.ctx, key, args) })
}

func (t *redisTx) SAdd(key string, members ...string) {
	ms := toAny(members)
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.SAdd(t.ctx, key, ms...) })
}

func (t *redisTx) SRem(key string, members ...string) {
	ms := toAny(members)
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.SRem(t.ctx, key, ms...) })
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.writes = append(t.writes, func(p redis.Pipeliner) {
		p.ZAdd(t.ctx, key, redis.Z{Score: score, Member: member})
	})
}

func (t *redisTx) ZRem(key string, members ...string) {
	ms := toAny(members)
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.ZRem(t.ctx, key, ms...) })
}

func (t *redisTx) IncrBy(key string, n int64) {
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.IncrBy(t.ctx, key, n) })
}

func (t *redisTx) Publish(channel, payload string) {
	t.writes = append(t.writes, func(p redis.Pipeliner) { p.Publish(t.ctx, channel, payload) })
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func fromRedisZs(zs []redis.Z) []ScoredMember {
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

func fromRedisXMessages(msgs []redis.XMessage) []StreamEntry {
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			} else {
				fields[k] = fmt.Sprint(v)
			}
		}
		out = append(out, StreamEntry{ID: m.ID, Fields: fields})
	}
	return out
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
