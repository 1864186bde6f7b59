package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileBackend implements Backend against a directory of JSON/JSONL files on
// the local filesystem. It is the transparent fallback used when Redis is
// unreachable: the same interface, the same observable behavior, correctness
// scoped to a single host. Every mutation holds the store-wide .lock file
// and lands via rename-based atomic writes, so there is one mutator at a
// time; readers take snapshot reads.
//
// Pub/sub is in-process only: subscribers in other OS processes do not
// receive messages. Blocking operations in the core poll the store instead
// of relying on cross-process fan-out, so coordination still converges.
type FileBackend struct {
	root     string
	lockPath string

	mu sync.Mutex // serializes in-process mutators

	pubsub *localPubSub

	lastStreamMs  int64
	lastStreamSeq int64
}

var fileAreas = []string{"tasks", "locks", "agents", "approvals", "board", "audit", "llm", "misc"}

// NewFileBackend creates (or reopens) a file-backed store rooted at dir.
// Returns ErrUnavailable if the directory cannot be created or written.
func NewFileBackend(dir string) (*FileBackend, error) {
	for _, area := range fileAreas {
		if err := os.MkdirAll(filepath.Join(dir, area), 0o755); err != nil {
			return nil, fmt.Errorf("%w: cannot create fallback dir: %v", ErrUnavailable, err)
		}
	}
	// Probe writability up front so sessions fail fast instead of on the
	// first mutation.
	probe := filepath.Join(dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return nil, fmt.Errorf("%w: fallback dir not writable: %v", ErrUnavailable, err)
	}
	os.Remove(probe)

	return &FileBackend{
		root:     dir,
		lockPath: filepath.Join(dir, ".lock"),
		pubsub:   newLocalPubSub(),
	}, nil
}

// Ping verifies the store directory is still writable.
func (b *FileBackend) Ping(ctx context.Context) error {
	probe := filepath.Join(b.root, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	os.Remove(probe)
	return nil
}

// Close shuts down in-process subscriptions. The on-disk state remains.
func (b *FileBackend) Close() error {
	b.pubsub.closeAll()
	return nil
}

// mutate runs fn with the store-wide mutator lock held and applies its
// queued writes if it returns nil.
func (b *FileBackend) mutate(fn func(tx *fileTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acquireDirLock(); err != nil {
		return err
	}
	defer b.releaseDirLock()

	tx := &fileTx{b: b}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (b *FileBackend) Get(ctx context.Context, key string) (string, bool, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (b *FileBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.mutate(func(tx *fileTx) error {
		tx.Set(key, value, ttl)
		return nil
	})
}

func (b *FileBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	took := false
	err := b.mutate(func(tx *fileTx) error {
		if _, ok, err := tx.Get(key); err != nil || ok {
			return err
		}
		tx.Set(key, value, ttl)
		took = true
		return nil
	})
	return took, err
}

func (b *FileBackend) CASSet(ctx context.Context, key, expected, newValue string) (bool, error) {
	took := false
	err := b.mutate(func(tx *fileTx) error {
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

func (b *FileBackend) Del(ctx context.Context, keys ...string) error {
	return b.mutate(func(tx *fileTx) error {
		tx.Del(keys...)
		return nil
	})
}

func (b *FileBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.mutate(func(tx *fileTx) error {
		tx.Expire(key, ttl)
		return nil
	})
}

func (b *FileBackend) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	var out int64
	err := b.mutate(func(tx *fileTx) error {
		rec, err := b.loadRecord(key)
		if err != nil {
			return err
		}
		var current int64
		if rec != nil {
			current, err = strconv.ParseInt(rec.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("value at %s is not an integer: %w", key, err)
			}
		}
		out = current + n
		tx.Set(key, strconv.FormatInt(out, 10), 0)
		return nil
	})
	return out, err
}

func (b *FileBackend) IncrByFloat(ctx context.Context, key string, n float64) (float64, error) {
	var out float64
	err := b.mutate(func(tx *fileTx) error {
		rec, err := b.loadRecord(key)
		if err != nil {
			return err
		}
		var current float64
		if rec != nil {
			current, err = strconv.ParseFloat(rec.Value, 64)
			if err != nil {
				return fmt.Errorf("value at %s is not a float: %w", key, err)
			}
		}
		out = current + n
		tx.Set(key, strconv.FormatFloat(out, 'f', -1, 64), 0)
		return nil
	})
	return out, err
}

func (b *FileBackend) HSet(ctx context.Context, key string, fields map[string]string) error {
	return b.mutate(func(tx *fileTx) error {
		tx.HSet(key, fields)
		return nil
	})
}

func (b *FileBackend) HGet(ctx context.Context, key, field string) (string, bool, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return "", false, err
	}
	val, ok := rec.Fields[field]
	return val, ok, nil
}

func (b *FileBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rec, err := b.loadRecord(key)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if rec != nil {
		for k, v := range rec.Fields {
			out[k] = v
		}
	}
	return out, nil
}

func (b *FileBackend) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	var out int64
	err := b.mutate(func(tx *fileTx) error {
		rec, err := b.loadRecord(key)
		if err != nil {
			return err
		}
		var current int64
		if rec != nil && rec.Fields[field] != "" {
			current, err = strconv.ParseInt(rec.Fields[field], 10, 64)
			if err != nil {
				return fmt.Errorf("field %s.%s is not an integer: %w", key, field, err)
			}
		}
		out = current + n
		tx.HSet(key, map[string]string{field: strconv.FormatInt(out, 10)})
		return nil
	})
	return out, err
}

func (b *FileBackend) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.mutate(func(tx *fileTx) error {
		tx.SAdd(key, members...)
		return nil
	})
}

func (b *FileBackend) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.mutate(func(tx *fileTx) error {
		tx.SRem(key, members...)
		return nil
	})
}

func (b *FileBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return []string{}, err
	}
	out := append([]string(nil), rec.Members...)
	sort.Strings(out)
	return out, nil
}

func (b *FileBackend) SCard(ctx context.Context, key string) (int64, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return 0, err
	}
	return int64(len(rec.Members)), nil
}

func (b *FileBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.mutate(func(tx *fileTx) error {
		tx.ZAdd(key, score, member)
		return nil
	})
}

func (b *FileBackend) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return b.mutate(func(tx *fileTx) error {
		tx.ZRem(key, members...)
		return nil
	})
}

func (b *FileBackend) ZCard(ctx context.Context, key string) (int64, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return 0, err
	}
	return int64(len(rec.Scores)), nil
}

func (b *FileBackend) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return 0, false, err
	}
	score, ok := rec.Scores[member]
	return score, ok, nil
}

func (b *FileBackend) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return []string{}, err
	}
	return zRangeByScore(rec.Scores, min, max, limit), nil
}

func (b *FileBackend) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	rec, err := b.loadRecord(key)
	if err != nil || rec == nil {
		return []ScoredMember{}, err
	}
	return zRevRange(rec.Scores, start, stop), nil
}

func (b *FileBackend) ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error) {
	var popped ScoredMember
	found := false
	err := b.mutate(func(tx *fileTx) error {
		rec, err := b.loadRecord(key)
		if err != nil || rec == nil || len(rec.Scores) == 0 {
			return err
		}
		members := zAscending(rec.Scores)
		popped = members[0]
		found = true
		tx.ZRem(key, popped.Member)
		return nil
	})
	return popped, found, err
}

func (b *FileBackend) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	var id string
	err := b.mutate(func(tx *fileTx) error {
		nowMs := time.Now().UnixMilli()
		// IDs follow Redis stream shape: "{ms}-{seq}", strictly increasing.
		// Re-check the stream tail so IDs stay monotonic even when another
		// process appended since our last write.
		entries, err := b.readStream(stream)
		if err != nil {
			return err
		}
		lastMs, lastSeq := b.lastStreamMs, b.lastStreamSeq
		if len(entries) > 0 {
			ms, seq := parseStreamID(entries[len(entries)-1].ID)
			if ms > lastMs || (ms == lastMs && seq > lastSeq) {
				lastMs, lastSeq = ms, seq
			}
		}
		if nowMs > lastMs {
			b.lastStreamMs, b.lastStreamSeq = nowMs, 0
		} else {
			b.lastStreamMs, b.lastStreamSeq = lastMs, lastSeq+1
		}
		id = fmt.Sprintf("%d-%d", b.lastStreamMs, b.lastStreamSeq)
		return b.appendStream(stream, StreamEntry{ID: id, Fields: fields})
	})
	return id, err
}

func (b *FileBackend) XRange(ctx context.Context, stream, afterID string, count int64) ([]StreamEntry, error) {
	entries, err := b.readStream(stream)
	if err != nil {
		return nil, err
	}
	out := []StreamEntry{}
	for _, e := range entries {
		if afterID != "" && compareStreamIDs(e.ID, afterID) <= 0 {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *FileBackend) XRevRange(ctx context.Context, stream string, count int64) ([]StreamEntry, error) {
	entries, err := b.readStream(stream)
	if err != nil {
		return nil, err
	}
	out := []StreamEntry{}
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *FileBackend) Publish(ctx context.Context, channel, payload string) error {
	b.pubsub.publish(channel, payload)
	return nil
}

func (b *FileBackend) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	return b.pubsub.subscribe(ctx, channels), nil
}

// Atomic runs fn while holding the store-wide mutator lock, which makes the
// whole callback a single atomic section. The watch list is unused: the
// global lock already excludes every other mutator.
func (b *FileBackend) Atomic(ctx context.Context, watch []string, fn func(tx Tx) error) error {
	return b.mutate(func(tx *fileTx) error {
		return fn(tx)
	})
}

// fileTx queues writes during a mutator section and applies them on commit.
// Reads go straight to the snapshot on disk, matching the Redis transaction
// semantics where reads observe pre-transaction state.
type fileTx struct {
	b      *FileBackend
	writes []func() error
	pubs   []PubSubMessage
}

func (t *fileTx) Get(key string) (string, bool, error) {
	rec, err := t.b.loadRecord(key)
	if err != nil || rec == nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (t *fileTx) HGetAll(key string) (map[string]string, error) {
	return t.b.HGetAll(context.Background(), key)
}

func (t *fileTx) SMembers(key string) ([]string, error) {
	return t.b.SMembers(context.Background(), key)
}

func (t *fileTx) ZRevRangeWithScores(key string, start, stop int64) ([]ScoredMember, error) {
	return t.b.ZRevRangeWithScores(context.Background(), key, start, stop)
}

func (t *fileTx) ZRangeByScore(key string, min, max float64, limit int64) ([]string, error) {
	return t.b.ZRangeByScore(context.Background(), key, min, max, limit)
}

func (t *fileTx) Set(key, value string, ttl time.Duration) {
	t.writes = append(t.writes, func() error {
		rec := &record{Type: "string", Value: value}
		if ttl > 0 {
			rec.ExpiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
		}
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) Del(keys ...string) {
	ks := append([]string(nil), keys...)
	t.writes = append(t.writes, func() error {
		for _, k := range ks {
			t.b.removeRecord(k)
		}
		return nil
	})
}

func (t *fileTx) Expire(key string, ttl time.Duration) {
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil || rec == nil {
			return err
		}
		rec.ExpiresAt = time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) HSet(key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &record{Type: "hash", Fields: map[string]string{}}
		}
		if rec.Fields == nil {
			rec.Fields = map[string]string{}
		}
		for k, v := range copied {
			rec.Fields[k] = v
		}
		rec.Type = "hash"
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) SAdd(key string, members ...string) {
	ms := append([]string(nil), members...)
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &record{Type: "set"}
		}
		existing := make(map[string]bool, len(rec.Members))
		for _, m := range rec.Members {
			existing[m] = true
		}
		for _, m := range ms {
			if !existing[m] {
				rec.Members = append(rec.Members, m)
				existing[m] = true
			}
		}
		rec.Type = "set"
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) SRem(key string, members ...string) {
	ms := append([]string(nil), members...)
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil || rec == nil {
			return err
		}
		drop := make(map[string]bool, len(ms))
		for _, m := range ms {
			drop[m] = true
		}
		kept := rec.Members[:0]
		for _, m := range rec.Members {
			if !drop[m] {
				kept = append(kept, m)
			}
		}
		rec.Members = kept
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) ZAdd(key string, score float64, member string) {
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &record{Type: "zset", Scores: map[string]float64{}}
		}
		if rec.Scores == nil {
			rec.Scores = map[string]float64{}
		}
		rec.Scores[member] = score
		rec.Type = "zset"
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) ZRem(key string, members ...string) {
	ms := append([]string(nil), members...)
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil || rec == nil {
			return err
		}
		for _, m := range ms {
			delete(rec.Scores, m)
		}
		return t.b.storeRecord(key, rec)
	})
}

func (t *fileTx) IncrBy(key string, n int64) {
	t.writes = append(t.writes, func() error {
		rec, err := t.b.loadRecord(key)
		if err != nil {
			return err
		}
		var current int64
		if rec != nil {
			current, err = strconv.ParseInt(rec.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("value at %s is not an integer: %w", key, err)
			}
		}
		return t.b.storeRecord(key, &record{Type: "string", Value: strconv.FormatInt(current+n, 10)})
	})
}

func (t *fileTx) Publish(channel, payload string) {
	t.pubs = append(t.pubs, PubSubMessage{Channel: channel, Payload: payload})
}

func (t *fileTx) commit() error {
	for _, w := range t.writes {
		if err := w(); err != nil {
			return err
		}
	}
	for _, p := range t.pubs {
		t.b.pubsub.publish(p.Channel, p.Payload)
	}
	return nil
}

// zAscending sorts a score map ascending by (score, member).
func zAscending(scores map[string]float64) []ScoredMember {
	out := make([]ScoredMember, 0, len(scores))
	for m, s := range scores {
		out = append(out, ScoredMember{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func zRangeByScore(scores map[string]float64, min, max float64, limit int64) []string {
	out := []string{}
	for _, sm := range zAscending(scores) {
		if sm.Score < min || sm.Score > max {
			continue
		}
		out = append(out, sm.Member)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out
}

func zRevRange(scores map[string]float64, start, stop int64) []ScoredMember {
	asc := zAscending(scores)
	// Reverse in place for descending order.
	for i, j := 0, len(asc)-1; i < j; i, j = i+1, j-1 {
		asc[i], asc[j] = asc[j], asc[i]
	}
	n := int64(len(asc))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []ScoredMember{}
	}
	return append([]ScoredMember(nil), asc[start:stop+1]...)
}

func parseStreamID(id string) (int64, int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}

func compareStreamIDs(a, b string) int {
	ams, aseq := parseStreamID(a)
	bms, bseq := parseStreamID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// localPubSub is the in-process pub/sub fabric for the file backend.
type localPubSub struct {
	mu   sync.Mutex
	subs map[*fileSubscription]map[string]bool
}

func newLocalPubSub() *localPubSub {
	return &localPubSub{subs: map[*fileSubscription]map[string]bool{}}
}

func (ps *localPubSub) subscribe(ctx context.Context, channels []string) *fileSubscription {
	sub := &fileSubscription{
		msgs: make(chan PubSubMessage, 32),
		ps:   ps,
	}
	chans := make(map[string]bool, len(channels))
	for _, c := range channels {
		chans[c] = true
	}
	ps.mu.Lock()
	ps.subs[sub] = chans
	ps.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub
}

func (ps *localPubSub) publish(channel, payload string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for sub, chans := range ps.subs {
		if !chans[channel] {
			continue
		}
		select {
		case sub.msgs <- PubSubMessage{Channel: channel, Payload: payload}:
		default:
			// Slow subscriber: drop, matching Redis at-most-once delivery.
		}
	}
}

func (ps *localPubSub) remove(sub *fileSubscription) {
	ps.mu.Lock()
	delete(ps.subs, sub)
	ps.mu.Unlock()
}

func (ps *localPubSub) closeAll() {
	ps.mu.Lock()
	subs := make([]*fileSubscription, 0, len(ps.subs))
	for sub := range ps.subs {
		subs = append(subs, sub)
	}
	ps.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

type fileSubscription struct {
	msgs chan PubSubMessage
	ps   *localPubSub
	once sync.Once
}

func (s *fileSubscription) Messages() <-chan PubSubMessage { return s.msgs }

func (s *fileSubscription) Close() error {
	s.once.Do(func() {
		s.ps.remove(s)
		close(s.msgs)
	})
	return nil
}
