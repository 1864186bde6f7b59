// Package board provides threaded messages and channel broadcasts over the
// shared backend. Threads are durable; real-time fan-out to channel
// adapters rides pub/sub and is best-effort.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// Board stores threads and posts.
type Board struct {
	b backend.Backend
}

// New creates a board handle.
func New(b backend.Backend) *Board {
	return &Board{b: b}
}

// storedPost wraps a Post with a unique id so the sorted-set member stays
// distinct even for identical bodies.
type storedPost struct {
	ID string `json:"id"`
	coord.Post
}

// PostThread creates a new thread on a channel. A non-empty body becomes
// the first post. The thread is announced on the channel's pub/sub topic.
func (bd *Board) PostThread(ctx context.Context, channel, title, body, author string, priority coord.MessagePriority) (*coord.BoardThread, error) {
	if priority == "" {
		priority = coord.PriorityNormal
	}
	now := time.Now()
	thread := &coord.BoardThread{
		ID:        coord.NewID(),
		Channel:   channel,
		Title:     title,
		CreatedBy: author,
		CreatedAt: coord.FormatTime(now),
		Posts:     []coord.Post{},
	}
	if err := bd.b.HSet(ctx, coord.BoardThreadKey(thread.ID), coord.ThreadToHash(thread)); err != nil {
		return nil, fmt.Errorf("failed to write thread: %w", err)
	}
	if err := bd.b.SAdd(ctx, coord.BoardThreadsIndexKey, thread.ID); err != nil {
		return nil, fmt.Errorf("failed to index thread: %w", err)
	}
	if body != "" {
		if err := bd.Reply(ctx, thread.ID, author, body, priority); err != nil {
			return nil, err
		}
		thread.Posts = append(thread.Posts, coord.Post{
			Author:    author,
			Timestamp: thread.CreatedAt,
			Body:      body,
			Priority:  priority,
		})
	}

	bd.announce(ctx, channel, coord.Message{
		Content:   title,
		FromAgent: author,
		Channel:   channel,
		Priority:  priority,
		Type:      coord.MessageAnnouncement,
		ThreadID:  thread.ID,
		Timestamp: thread.CreatedAt,
	})
	return thread, nil
}

// Reply appends a post to a thread. Posts appear in append order within the
// thread.
func (bd *Board) Reply(ctx context.Context, threadID, author, body string, priority coord.MessagePriority) error {
	if priority == "" {
		priority = coord.PriorityNormal
	}
	meta, err := bd.b.HGetAll(ctx, coord.BoardThreadKey(threadID))
	if err != nil {
		return fmt.Errorf("failed to read thread: %w", err)
	}
	if len(meta) == 0 {
		return fmt.Errorf("unknown thread: %s", threadID)
	}
	now := time.Now()
	post := storedPost{
		ID: coord.NewID(),
		Post: coord.Post{
			Author:    author,
			Timestamp: coord.FormatTime(now),
			Body:      body,
			Priority:  priority,
		},
	}
	payload, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("failed to marshal post: %w", err)
	}
	if err := bd.b.ZAdd(ctx, coord.BoardThreadPostsKey(threadID), float64(now.UnixNano()), string(payload)); err != nil {
		return fmt.Errorf("failed to append post: %w", err)
	}

	bd.announce(ctx, meta["channel"], coord.Message{
		Content:   body,
		FromAgent: author,
		Channel:   meta["channel"],
		Priority:  priority,
		Type:      coord.MessageStatus,
		ThreadID:  threadID,
		Timestamp: post.Timestamp,
	})
	return nil
}

// GetThread fetches a thread with its posts in append order.
func (bd *Board) GetThread(ctx context.Context, threadID string) (*coord.BoardThread, error) {
	meta, err := bd.b.HGetAll(ctx, coord.BoardThreadKey(threadID))
	if err != nil {
		return nil, fmt.Errorf("failed to read thread: %w", err)
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("unknown thread: %s", threadID)
	}
	thread := coord.HashToThread(meta)

	members, err := bd.b.ZRevRangeWithScores(ctx, coord.BoardThreadPostsKey(threadID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to read posts: %w", err)
	}
	// ZRevRange returns newest first; flip to append order.
	sort.Slice(members, func(i, j int) bool { return members[i].Score < members[j].Score })
	for _, m := range members {
		var post storedPost
		if err := json.Unmarshal([]byte(m.Member), &post); err != nil {
			continue
		}
		thread.Posts = append(thread.Posts, post.Post)
	}
	return thread, nil
}

// ListThreads returns all threads, optionally filtered by channel, pinned
// threads first, then newest first.
func (bd *Board) ListThreads(ctx context.Context, channel string) ([]coord.BoardThread, error) {
	ids, err := bd.b.SMembers(ctx, coord.BoardThreadsIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	out := []coord.BoardThread{}
	for _, id := range ids {
		meta, err := bd.b.HGetAll(ctx, coord.BoardThreadKey(id))
		if err != nil {
			return nil, err
		}
		if len(meta) == 0 {
			continue
		}
		thread := coord.HashToThread(meta)
		if channel != "" && thread.Channel != channel {
			continue
		}
		out = append(out, *thread)
	}
	createdAt := func(th coord.BoardThread) time.Time {
		ts, err := coord.ParseTime(th.CreatedAt)
		if err != nil {
			return time.Time{}
		}
		return ts
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return createdAt(out[i]).After(createdAt(out[j]))
	})
	return out, nil
}

// Pin sets or clears a thread's pinned flag.
func (bd *Board) Pin(ctx context.Context, threadID string, pinned bool) error {
	meta, err := bd.b.HGetAll(ctx, coord.BoardThreadKey(threadID))
	if err != nil {
		return err
	}
	if len(meta) == 0 {
		return fmt.Errorf("unknown thread: %s", threadID)
	}
	return bd.b.HSet(ctx, coord.BoardThreadKey(threadID), map[string]string{
		"pinned": fmt.Sprintf("%t", pinned),
	})
}

// announce publishes a message on the channel's pub/sub topic for live
// listeners. Best-effort: durable state is already written.
func (bd *Board) announce(ctx context.Context, channel string, msg coord.Message) {
	if channel == "" {
		return
	}
	if payload, err := json.Marshal(msg); err == nil {
		bd.b.Publish(ctx, coord.BoardChannelKey(channel), string(payload))
	}
}

// SubscribeChannel delivers live messages broadcast on a named channel.
func (bd *Board) SubscribeChannel(ctx context.Context, channel string) (backend.Subscription, error) {
	return bd.b.Subscribe(ctx, coord.BoardChannelKey(channel))
}
