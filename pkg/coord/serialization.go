package coord

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and backend hashes.
//
// The backend stores data as string-to-string maps. List and map fields are
// JSON-encoded into single hash fields, which keeps individual scalar fields
// queryable while allowing structured values.

func marshalStrings(field string, v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", field, err)
	}
	return string(b), nil
}

func unmarshalStrings(field, raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", field, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// TaskToHash converts a Task to the hash layout stored at task:{id}.
func TaskToHash(t *Task) (map[string]string, error) {
	tags, err := marshalStrings("tags", t.Tags)
	if err != nil {
		return nil, err
	}
	deps, err := marshalStrings("depends_on", t.DependsOn)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(t.EscalationHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal escalation_history: %w", err)
	}
	meta := t.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return map[string]string{
		"id":                 t.ID,
		"title":              t.Title,
		"description":        t.Description,
		"priority":           strconv.Itoa(t.Priority),
		"tags":               tags,
		"status":             string(t.Status),
		"created_at":         t.CreatedAt,
		"updated_at":         t.UpdatedAt,
		"claimed_by":         t.ClaimedBy,
		"claimed_at":         t.ClaimedAt,
		"completed_at":       t.CompletedAt,
		"depends_on":         deps,
		"result":             t.Result,
		"error":              t.Error,
		"retry_count":        strconv.Itoa(t.RetryCount),
		"max_retries":        strconv.Itoa(t.MaxRetries),
		"retry_policy":       string(t.RetryPolicy),
		"retry_delay_base":   strconv.Itoa(t.RetryDelayBase),
		"escalated_at":       t.EscalatedAt,
		"escalation_reason":  t.EscalationReason,
		"escalation_history": string(history),
		"parent_task_id":     t.ParentTaskID,
		"metadata":           string(metaJSON),
	}, nil
}

// HashToTask converts a stored hash back into a Task.
func HashToTask(hash map[string]string) (*Task, error) {
	priority, err := strconv.Atoi(hash["priority"])
	if err != nil {
		return nil, fmt.Errorf("invalid priority field: %w", err)
	}
	tags, err := unmarshalStrings("tags", hash["tags"])
	if err != nil {
		return nil, err
	}
	deps, err := unmarshalStrings("depends_on", hash["depends_on"])
	if err != nil {
		return nil, err
	}
	retryCount, _ := strconv.Atoi(hash["retry_count"])
	maxRetries, _ := strconv.Atoi(hash["max_retries"])
	retryDelayBase, _ := strconv.Atoi(hash["retry_delay_base"])

	history := []EscalationEvent{}
	if raw := hash["escalation_history"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalation_history: %w", err)
		}
	}
	meta := map[string]string{}
	if raw := hash["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &Task{
		ID:                hash["id"],
		Title:             hash["title"],
		Description:       hash["description"],
		Priority:          priority,
		Tags:              tags,
		Status:            TaskStatus(hash["status"]),
		CreatedAt:         hash["created_at"],
		UpdatedAt:         hash["updated_at"],
		ClaimedBy:         hash["claimed_by"],
		ClaimedAt:         hash["claimed_at"],
		CompletedAt:       hash["completed_at"],
		DependsOn:         deps,
		Result:            hash["result"],
		Error:             hash["error"],
		RetryCount:        retryCount,
		MaxRetries:        maxRetries,
		RetryPolicy:       RetryPolicy(hash["retry_policy"]),
		RetryDelayBase:    retryDelayBase,
		EscalatedAt:       hash["escalated_at"],
		EscalationReason:  hash["escalation_reason"],
		EscalationHistory: history,
		ParentTaskID:      hash["parent_task_id"],
		Metadata:          meta,
	}, nil
}

// AgentToHash converts an Agent to the hash layout stored at agent:{id}.
func AgentToHash(a *Agent) (map[string]string, error) {
	caps, err := marshalStrings("capabilities", a.Capabilities)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id":             a.ID,
		"name":           a.Name,
		"role":           a.Role,
		"working_on":     a.WorkingOn,
		"capabilities":   caps,
		"registered_at":  a.RegisteredAt,
		"last_heartbeat": a.LastHeartbeat,
		"status":         string(a.Status),
	}, nil
}

// HashToAgent converts a stored hash back into an Agent.
func HashToAgent(hash map[string]string) (*Agent, error) {
	caps, err := unmarshalStrings("capabilities", hash["capabilities"])
	if err != nil {
		return nil, err
	}
	return &Agent{
		ID:            hash["id"],
		Name:          hash["name"],
		Role:          hash["role"],
		WorkingOn:     hash["working_on"],
		Capabilities:  caps,
		RegisteredAt:  hash["registered_at"],
		LastHeartbeat: hash["last_heartbeat"],
		Status:        AgentStatus(hash["status"]),
	}, nil
}

// FileLockToHash converts a FileLock to the hash layout stored at
// lock:{canonical_path}.
func FileLockToHash(l *FileLock) map[string]string {
	return map[string]string{
		"path":        l.Path,
		"holder":      l.Holder,
		"intent":      l.Intent,
		"lock_id":     l.LockID,
		"acquired_at": l.AcquiredAt,
		"expires_at":  l.ExpiresAt,
	}
}

// HashToFileLock converts a stored hash back into a FileLock.
func HashToFileLock(hash map[string]string) *FileLock {
	return &FileLock{
		Path:       hash["path"],
		Holder:     hash["holder"],
		Intent:     hash["intent"],
		LockID:     hash["lock_id"],
		AcquiredAt: hash["acquired_at"],
		ExpiresAt:  hash["expires_at"],
	}
}

// ApprovalToHash converts an ApprovalRequest to the hash layout stored at
// approval:{id}.
func ApprovalToHash(r *ApprovalRequest) (map[string]string, error) {
	roles, err := marshalStrings("required_roles", r.RequiredRoles)
	if err != nil {
		return nil, err
	}
	caps, err := marshalStrings("required_capabilities", r.RequiredCapabilities)
	if err != nil {
		return nil, err
	}
	approvals, err := marshalStrings("approvals", r.Approvals)
	if err != nil {
		return nil, err
	}
	rejections, err := marshalStrings("rejections", r.Rejections)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"id":                    r.ID,
		"requestor":             r.Requestor,
		"action_type":           r.ActionType,
		"description":           r.Description,
		"required_roles":        roles,
		"required_capabilities": caps,
		"min_approvals":         strconv.Itoa(r.MinApprovals),
		"approvals":             approvals,
		"rejections":            rejections,
		"status":                string(r.Status),
		"created_at":            r.CreatedAt,
		"expires_at":            r.ExpiresAt,
	}, nil
}

// HashToApproval converts a stored hash back into an ApprovalRequest.
func HashToApproval(hash map[string]string) (*ApprovalRequest, error) {
	roles, err := unmarshalStrings("required_roles", hash["required_roles"])
	if err != nil {
		return nil, err
	}
	caps, err := unmarshalStrings("required_capabilities", hash["required_capabilities"])
	if err != nil {
		return nil, err
	}
	approvals, err := unmarshalStrings("approvals", hash["approvals"])
	if err != nil {
		return nil, err
	}
	rejections, err := unmarshalStrings("rejections", hash["rejections"])
	if err != nil {
		return nil, err
	}
	minApprovals, err := strconv.Atoi(hash["min_approvals"])
	if err != nil {
		return nil, fmt.Errorf("invalid min_approvals field: %w", err)
	}
	return &ApprovalRequest{
		ID:                   hash["id"],
		Requestor:            hash["requestor"],
		ActionType:           hash["action_type"],
		Description:          hash["description"],
		RequiredRoles:        roles,
		RequiredCapabilities: caps,
		MinApprovals:         minApprovals,
		Approvals:            approvals,
		Rejections:           rejections,
		Status:               ApprovalStatus(hash["status"]),
		CreatedAt:            hash["created_at"],
		ExpiresAt:            hash["expires_at"],
	}, nil
}

// ThreadToHash converts a BoardThread's metadata to its hash layout. Posts
// are stored separately as a sorted set of JSON documents.
func ThreadToHash(t *BoardThread) map[string]string {
	return map[string]string{
		"id":         t.ID,
		"channel":    t.Channel,
		"title":      t.Title,
		"created_by": t.CreatedBy,
		"created_at": t.CreatedAt,
		"pinned":     strconv.FormatBool(t.Pinned),
	}
}

// HashToThread converts a stored hash back into a BoardThread (without
// posts; callers load the post list separately).
func HashToThread(hash map[string]string) *BoardThread {
	pinned, _ := strconv.ParseBool(hash["pinned"])
	return &BoardThread{
		ID:        hash["id"],
		Channel:   hash["channel"],
		Title:     hash["title"],
		CreatedBy: hash["created_by"],
		CreatedAt: hash["created_at"],
		Pinned:    pinned,
		Posts:     []Post{},
	}
}
