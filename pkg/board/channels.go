package board

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/agentcoord/agentcoord/pkg/coord"
)

// Feature identifies an optional adapter capability.
type Feature string

const (
	FeatureThreads        Feature = "threads"
	FeatureDirectMessages Feature = "direct_messages"
)

// Channel is the narrow adapter contract. Adapters that cannot satisfy a
// feature flatten gracefully (e.g. a terminal renders thread replies as
// indented posts); missing adapters never affect core behavior.
type Channel interface {
	Name() string
	Post(msg coord.Message) error
	DirectMessage(msg coord.Message) error
	Reply(threadID string, msg coord.Message) error
	SupportsFeature(f Feature) bool
}

// Manager broadcasts each message to every enabled adapter and reports
// per-adapter success.
type Manager struct {
	mu       sync.RWMutex
	adapters []Channel
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register enables an adapter.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters = append(m.adapters, ch)
}

// Broadcast delivers msg to every adapter, returning each adapter's error
// (nil on success). One failing adapter never blocks the others.
func (m *Manager) Broadcast(msg coord.Message) map[string]error {
	m.mu.RLock()
	adapters := append([]Channel(nil), m.adapters...)
	m.mu.RUnlock()

	results := make(map[string]error, len(adapters))
	for _, ch := range adapters {
		results[ch.Name()] = deliver(ch, msg)
	}
	return results
}

func deliver(ch Channel, msg coord.Message) error {
	switch {
	case msg.ToAgent != "":
		if ch.SupportsFeature(FeatureDirectMessages) {
			return ch.DirectMessage(msg)
		}
		return ch.Post(msg)
	case msg.ThreadID != "":
		if ch.SupportsFeature(FeatureThreads) {
			return ch.Reply(msg.ThreadID, msg)
		}
		// Flatten: thread replies become indented posts.
		flattened := msg
		flattened.Content = "  ↳ " + msg.Content
		flattened.ThreadID = ""
		return ch.Post(flattened)
	default:
		return ch.Post(msg)
	}
}

// TerminalChannel renders messages to a terminal with priority coloring.
// It does not support threads; replies are flattened by the manager.
type TerminalChannel struct {
	out io.Writer
}

// NewTerminalChannel creates a terminal adapter. A nil writer selects
// stdout.
func NewTerminalChannel(out io.Writer) *TerminalChannel {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalChannel{out: out}
}

func (c *TerminalChannel) Name() string { return "terminal" }

func (c *TerminalChannel) SupportsFeature(f Feature) bool {
	return f == FeatureDirectMessages
}

func (c *TerminalChannel) Post(msg coord.Message) error {
	printer := color.New(color.Reset)
	switch msg.Priority {
	case coord.PriorityUrgent:
		printer = color.New(color.FgRed, color.Bold)
	case coord.PriorityHigh:
		printer = color.New(color.FgYellow)
	case coord.PriorityLow:
		printer = color.New(color.Faint)
	}
	target := msg.Channel
	if target == "" {
		target = "board"
	}
	_, err := printer.Fprintf(c.out, "[%s] %s: %s\n", target, msg.FromAgent, msg.Content)
	return err
}

func (c *TerminalChannel) DirectMessage(msg coord.Message) error {
	_, err := color.New(color.FgCyan).Fprintf(c.out, "[dm → %s] %s: %s\n", msg.ToAgent, msg.FromAgent, msg.Content)
	return err
}

func (c *TerminalChannel) Reply(threadID string, msg coord.Message) error {
	return c.Post(msg)
}

// FileChannel appends messages as JSONL to a log file, one message per
// line. It supports threads natively since the thread id is just a field.
type FileChannel struct {
	mu   sync.Mutex
	path string
}

// NewFileChannel creates a file adapter writing to path.
func NewFileChannel(path string) *FileChannel {
	return &FileChannel{path: path}
}

func (c *FileChannel) Name() string { return "file" }

func (c *FileChannel) SupportsFeature(f Feature) bool {
	return f == FeatureThreads || f == FeatureDirectMessages
}

func (c *FileChannel) Post(msg coord.Message) error {
	return c.append(msg)
}

func (c *FileChannel) DirectMessage(msg coord.Message) error {
	return c.append(msg)
}

func (c *FileChannel) Reply(threadID string, msg coord.Message) error {
	msg.ThreadID = threadID
	return c.append(msg)
}

func (c *FileChannel) append(msg coord.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open channel log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// trimIndent is used by tests to compare flattened content.
func trimIndent(s string) string {
	return strings.TrimPrefix(s, "  ↳ ")
}
