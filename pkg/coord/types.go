package coord

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending means the task is waiting to be claimed. It is only
	// visible to claimers once every dependency has completed.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusClaimed means exactly one agent holds the working lease but
	// has not yet reported starting work.
	TaskStatusClaimed TaskStatus = "claimed"

	// TaskStatusInProgress means the claiming agent has explicitly started
	// work via StartTask.
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusCompleted is terminal success.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed is terminal for this record; retries are new records
	// linked by ParentTaskID.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusEscalated means the retry budget is exhausted (or a
	// supervisor escalated manually) and the task awaits human attention.
	TaskStatusEscalated TaskStatus = "escalated"
)

// Validate checks that the status is a known enum value.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusEscalated:
		return nil
	default:
		return fmt.Errorf("unknown task status: %q", s)
	}
}

// RetryPolicy controls how failed tasks are rescheduled.
type RetryPolicy string

const (
	RetryPolicyNone        RetryPolicy = "none"
	RetryPolicyLinear      RetryPolicy = "linear"
	RetryPolicyExponential RetryPolicy = "exponential"
)

// Validate checks that the policy is a known enum value.
func (p RetryPolicy) Validate() error {
	switch p {
	case RetryPolicyNone, RetryPolicyLinear, RetryPolicyExponential:
		return nil
	default:
		return fmt.Errorf("unknown retry policy: %q", p)
	}
}

// EscalationEvent records one failure-handling step in a task's history.
type EscalationEvent struct {
	Timestamp  string `json:"ts"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
	Action     string `json:"action"` // "retried", "escalated", "archived"
}

// Task is the unit of shared work. Tasks are owned by the queue; the
// claiming agent holds an exclusive working lease until it completes or
// fails the task, or its heartbeat lapses and the lease is reclaimed.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"` // higher = more urgent
	Tags        []string `json:"tags"`

	Status    TaskStatus `json:"status"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt string     `json:"updated_at"`

	ClaimedBy   string `json:"claimed_by"`
	ClaimedAt   string `json:"claimed_at"`
	CompletedAt string `json:"completed_at"`

	DependsOn []string `json:"depends_on"`
	Result    string   `json:"result"`
	Error     string   `json:"error"`

	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	RetryPolicy        RetryPolicy       `json:"retry_policy"`
	RetryDelayBase     int               `json:"retry_delay_base"` // seconds
	EscalatedAt        string            `json:"escalated_at"`
	EscalationReason   string            `json:"escalation_reason"`
	EscalationHistory  []EscalationEvent `json:"escalation_history"`
	ParentTaskID       string            `json:"parent_task_id"`

	// Metadata is opaque to the core; higher layers use it for role and
	// workflow routing.
	Metadata map[string]string `json:"metadata"`
}

// Validate checks the task's field values.
func (t *Task) Validate() error {
	if !isValidUUID(t.ID) {
		return fmt.Errorf("invalid task ID: not a valid UUID")
	}
	if t.Title == "" {
		return fmt.Errorf("task title cannot be empty")
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if err := t.RetryPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", t.MaxRetries)
	}
	if t.RetryCount > t.MaxRetries {
		return fmt.Errorf("retry_count %d exceeds max_retries %d", t.RetryCount, t.MaxRetries)
	}
	for i, dep := range t.DependsOn {
		if !isValidUUID(dep) {
			return fmt.Errorf("invalid dependency at index %d: not a valid UUID", i)
		}
	}
	return nil
}

// Leased reports whether the task currently holds a working lease.
func (t *Task) Leased() bool {
	return t.Status == TaskStatusClaimed || t.Status == TaskStatusInProgress
}

// AgentStatus is the lifecycle state of an agent registry record.
type AgentStatus string

const (
	AgentStatusActive     AgentStatus = "active"
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusHung       AgentStatus = "hung"
	AgentStatusTerminated AgentStatus = "terminated"
)

// Validate checks that the status is a known enum value.
func (s AgentStatus) Validate() error {
	switch s {
	case AgentStatusActive, AgentStatusIdle, AgentStatusHung, AgentStatusTerminated:
		return nil
	default:
		return fmt.Errorf("unknown agent status: %q", s)
	}
}

// Agent is a registry record. Only the owning agent writes heartbeats; any
// reader computes hung status from LastHeartbeat regardless of the stored
// Status field.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Role          string      `json:"role"`
	WorkingOn     string      `json:"working_on"`
	Capabilities  []string    `json:"capabilities"`
	RegisteredAt  string      `json:"registered_at"`
	LastHeartbeat string      `json:"last_heartbeat"`
	Status        AgentStatus `json:"status"`
}

// Validate checks the agent's field values.
func (a *Agent) Validate() error {
	if !isValidUUID(a.ID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if a.Name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if err := a.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// HungAfter reports whether the agent's last heartbeat is older than
// threshold relative to now.
func (a *Agent) HungAfter(now time.Time, threshold time.Duration) bool {
	hb, err := ParseTime(a.LastHeartbeat)
	if err != nil {
		return true
	}
	return now.Sub(hb) > threshold
}

// FileLock is an exclusive advisory lock on a canonical file path. At most
// one live lock exists per path; a lock whose ExpiresAt is in the past is
// considered released and may be reaped by any reader.
type FileLock struct {
	Path       string `json:"path"`
	Holder     string `json:"holder"` // agent id
	Intent     string `json:"intent"`
	LockID     string `json:"lock_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l *FileLock) Expired(now time.Time) bool {
	exp, err := ParseTime(l.ExpiresAt)
	if err != nil {
		return true
	}
	return !exp.After(now)
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Validate checks that the status is a known enum value.
func (s ApprovalStatus) Validate() error {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired:
		return nil
	default:
		return fmt.Errorf("unknown approval status: %q", s)
	}
}

// Terminal reports whether the status is one of the frozen end states.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalStatusPending
}

// ApprovalRequest is a blocking request for human-style sign-off. Once the
// request reaches a terminal status the approvals and rejections lists are
// frozen.
type ApprovalRequest struct {
	ID          string `json:"id"`
	Requestor   string `json:"requestor"` // agent id
	ActionType  string `json:"action_type"`
	Description string `json:"description"`

	RequiredRoles        []string `json:"required_roles"`
	RequiredCapabilities []string `json:"required_capabilities"`
	MinApprovals         int      `json:"min_approvals"`

	Approvals  []string `json:"approvals"`  // approver agent ids, in order
	Rejections []string `json:"rejections"` // rejector agent ids, in order

	Status    ApprovalStatus `json:"status"`
	CreatedAt string         `json:"created_at"`
	ExpiresAt string         `json:"expires_at"` // empty = no deadline
}

// Validate checks the approval's field values.
func (r *ApprovalRequest) Validate() error {
	if !isValidUUID(r.ID) {
		return fmt.Errorf("invalid approval ID: not a valid UUID")
	}
	if r.Requestor == "" {
		return fmt.Errorf("requestor cannot be empty")
	}
	if r.MinApprovals < 1 {
		return fmt.Errorf("min_approvals must be >= 1, got %d", r.MinApprovals)
	}
	if err := r.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// MessagePriority orders board messages for adapters.
type MessagePriority string

const (
	PriorityLow    MessagePriority = "low"
	PriorityNormal MessagePriority = "normal"
	PriorityHigh   MessagePriority = "high"
	PriorityUrgent MessagePriority = "urgent"
)

// MessageType classifies board messages for adapters.
type MessageType string

const (
	MessageStatus       MessageType = "status"
	MessageError        MessageType = "error"
	MessageSuccess      MessageType = "success"
	MessageQuestion     MessageType = "question"
	MessageAnnouncement MessageType = "announcement"
)

// Post is one entry inside a board thread.
type Post struct {
	Author    string          `json:"author"`
	Timestamp string          `json:"timestamp"`
	Body      string          `json:"body"`
	Priority  MessagePriority `json:"priority"`
}

// BoardThread is a titled sequence of posts, optionally broadcast to one or
// more named channels.
type BoardThread struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at"`
	Pinned    bool   `json:"pinned"`
	Posts     []Post `json:"posts"`
}

// Message is the structured record channel adapters consume. ToAgent and
// Channel are mutually exclusive addressing modes.
type Message struct {
	Content   string            `json:"content"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Priority  MessagePriority   `json:"priority"`
	Type      MessageType       `json:"type"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditEntry is one immutable record in the decision stream. Sequence ids
// are assigned by the backend's stream semantics and are totally ordered.
type AuditEntry struct {
	ID        string `json:"id"` // monotonic stream id
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Kind      string `json:"kind"` // e.g. "task_claim", "approval", "deployment"
	Context   string `json:"context"`
	Reason    string `json:"reason"`
}

// EscalationNotice is the JSON payload published on the escalations channel
// when a task terminally fails.
type EscalationNotice struct {
	EventType  string `json:"event_type"` // always "task_escalated"
	TaskID     string `json:"task_id"`
	TaskTitle  string `json:"task_title"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
	Timestamp  string `json:"timestamp"`
	ClaimedBy  string `json:"claimed_by"`
}

// NewID allocates a fresh UUID string.
func NewID() string {
	return uuid.New().String()
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
