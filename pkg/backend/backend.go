// Package backend abstracts the shared key/value store behind a narrow set
// of atomic primitives. Two implementations exist: a networked Redis backend
// (the primary, shared across processes) and a file-backed fallback used
// when Redis is unreachable. Both present identical observable behavior to
// the rest of the core, modulo timing and cross-process pub/sub.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the backend cannot serve operations, e.g.
// Redis is down and the fallback directory is not writable.
var ErrUnavailable = errors.New("backend unavailable")

// ErrTxAborted is returned by Atomic when the optimistic transaction kept
// conflicting with concurrent writers and the retry budget ran out.
var ErrTxAborted = errors.New("transaction aborted")

// ScoredMember is one sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// StreamEntry is one append-only stream record. IDs are monotonic within a
// stream and totally order its entries.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// PubSubMessage is one message delivered to a subscription.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Subscription is an active pub/sub subscription. Callers must Close it when
// done; the Messages channel is closed on Close or context cancellation.
type Subscription interface {
	Messages() <-chan PubSubMessage
	Close() error
}

// Tx is the view passed to Atomic callbacks. Reads execute immediately
// against the current state; writes are queued and applied atomically when
// the callback returns nil. If the callback returns an error no write is
// applied.
type Tx interface {
	Get(key string) (string, bool, error)
	HGetAll(key string) (map[string]string, error)
	SMembers(key string) ([]string, error)
	ZRevRangeWithScores(key string, start, stop int64) ([]ScoredMember, error)
	ZRangeByScore(key string, min, max float64, limit int64) ([]string, error)

	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	HSet(key string, fields map[string]string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, score float64, member string)
	ZRem(key string, members ...string)
	IncrBy(key string, n int64)
	Publish(channel, payload string)
}

// Backend is the shared key/value store interface the coordination core is
// written against.
//
// Multi-step mutations that must be atomic (task claim, lock acquire,
// dependent promotion) go through Atomic: the Redis implementation uses
// WATCH/MULTI/EXEC optimistic transactions, the file implementation holds
// the store-wide mutator lock for the duration of the callback.
type Backend interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CASSet(ctx context.Context, key, expected, newValue string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, n float64) (float64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error)

	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	// XRange reads entries with IDs greater than afterID ("" = from the
	// beginning), oldest first, up to count entries (0 = no limit).
	XRange(ctx context.Context, stream, afterID string, count int64) ([]StreamEntry, error)
	// XRevRange reads the newest count entries, newest first.
	XRevRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Atomic runs fn under optimistic concurrency. The keys listed in watch
	// are guarded: if any of them is modified concurrently the queued writes
	// are discarded and fn is retried against fresh state.
	Atomic(ctx context.Context, watch []string, fn func(tx Tx) error) error
}
