// Package approval implements blocking multi-approver requests: create,
// approve/reject under a caller-supplied policy, and poll-for-decision with
// timeout. Once a request reaches a terminal status its approval and
// rejection lists are frozen.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentcoord/agentcoord/pkg/audit"
	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// DefaultPollInterval paces WaitForDecision's status checks.
const DefaultPollInterval = time.Second

// Policy decides whether an approver satisfies a request's requirements.
// The core is role-agnostic, so the role/capability check is delegated to
// the caller; a nil policy admits everyone (self-approval included).
type Policy func(approverID string) bool

// Workflow provides approval operations over the shared backend. The audit
// log is optional; when present, grants and rejections are recorded.
type Workflow struct {
	b        backend.Backend
	auditLog *audit.Log
}

// New creates a workflow handle. auditLog may be nil.
func New(b backend.Backend, auditLog *audit.Log) *Workflow {
	return &Workflow{b: b, auditLog: auditLog}
}

// CreateOptions describes an approval request.
type CreateOptions struct {
	Requestor            string
	ActionType           string
	Description          string
	RequiredRoles        []string
	RequiredCapabilities []string
	MinApprovals         int           // default: 1
	Timeout              time.Duration // 0 = no deadline
}

// Create writes a new pending request and announces it on the approval
// requests channel.
func (w *Workflow) Create(ctx context.Context, opts CreateOptions) (*coord.ApprovalRequest, error) {
	if opts.MinApprovals <= 0 {
		opts.MinApprovals = 1
	}
	now := time.Now()
	req := &coord.ApprovalRequest{
		ID:                   coord.NewID(),
		Requestor:            opts.Requestor,
		ActionType:           opts.ActionType,
		Description:          opts.Description,
		RequiredRoles:        opts.RequiredRoles,
		RequiredCapabilities: opts.RequiredCapabilities,
		MinApprovals:         opts.MinApprovals,
		Approvals:            []string{},
		Rejections:           []string{},
		Status:               coord.ApprovalStatusPending,
		CreatedAt:            coord.FormatTime(now),
	}
	if opts.Timeout > 0 {
		req.ExpiresAt = coord.FormatTime(now.Add(opts.Timeout))
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid approval request: %w", err)
	}
	hash, err := coord.ApprovalToHash(req)
	if err != nil {
		return nil, err
	}
	if err := w.b.HSet(ctx, coord.ApprovalKey(req.ID), hash); err != nil {
		return nil, fmt.Errorf("failed to write approval: %w", err)
	}
	if err := w.b.SAdd(ctx, coord.PendingApprovalsKey, req.ID); err != nil {
		return nil, fmt.Errorf("failed to index approval: %w", err)
	}

	announcement, _ := json.Marshal(map[string]string{
		"approval_id": req.ID,
		"requestor":   req.Requestor,
		"action_type": req.ActionType,
		"description": req.Description,
	})
	w.b.Publish(ctx, coord.ApprovalRequestsChannel, string(announcement))
	return req, nil
}

// Get fetches one request, lazily expiring it if its deadline has passed.
func (w *Workflow) Get(ctx context.Context, approvalID string) (*coord.ApprovalRequest, error) {
	var req *coord.ApprovalRequest
	err := w.b.Atomic(ctx, []string{coord.ApprovalKey(approvalID)}, func(tx backend.Tx) error {
		var err error
		req, err = w.readAndExpire(tx, approvalID)
		return err
	})
	return req, err
}

// Approve records an approver's sign-off. The request becomes approved once
// it has min_approvals approvals and no rejections. Terminal requests are
// frozen: further calls fail without mutating anything.
func (w *Workflow) Approve(ctx context.Context, approvalID, approverID string, policy Policy) error {
	return w.decide(ctx, approvalID, approverID, policy, true)
}

// Reject records a rejection. Any rejection makes the request rejected.
func (w *Workflow) Reject(ctx context.Context, approvalID, approverID string, policy Policy) error {
	return w.decide(ctx, approvalID, approverID, policy, false)
}

func (w *Workflow) decide(ctx context.Context, approvalID, approverID string, policy Policy, approve bool) error {
	if policy != nil && !policy(approverID) {
		return fmt.Errorf("%w: approver %s does not satisfy the approval policy", coord.ErrPermissionDenied, approverID)
	}
	var outcome coord.ApprovalStatus
	key := coord.ApprovalKey(approvalID)
	err := w.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		req, err := w.readAndExpire(tx, approvalID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: approval already %s", coord.ErrIllegalTransition, req.Status)
		}

		if approve {
			if !contains(req.Approvals, approverID) {
				req.Approvals = append(req.Approvals, approverID)
			}
		} else {
			if !contains(req.Rejections, approverID) {
				req.Rejections = append(req.Rejections, approverID)
			}
		}

		switch {
		case len(req.Rejections) > 0:
			req.Status = coord.ApprovalStatusRejected
		case len(req.Approvals) >= req.MinApprovals:
			req.Status = coord.ApprovalStatusApproved
		}

		hash, err := coord.ApprovalToHash(req)
		if err != nil {
			return err
		}
		tx.HSet(key, hash)
		if req.Status.Terminal() {
			tx.SRem(coord.PendingApprovalsKey, approvalID)
		}
		outcome = req.Status
		return nil
	})
	if err != nil {
		return err
	}
	if w.auditLog != nil && outcome.Terminal() {
		w.auditLog.Record(ctx, approverID, audit.KindApproval, approvalID, string(outcome))
	}
	return nil
}

// WaitForDecision blocks until the request reaches a terminal status or the
// timeout elapses, in which case the request transitions to expired and
// expired is returned. Polling is used so the wait works identically on the
// file fallback, where pub/sub does not cross processes.
func (w *Workflow) WaitForDecision(ctx context.Context, approvalID string, pollInterval, timeout time.Duration) (coord.ApprovalStatus, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	for {
		req, err := w.Get(ctx, approvalID)
		if err != nil {
			return "", err
		}
		if req.Status.Terminal() {
			return req.Status, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return w.expire(ctx, approvalID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ListPending returns every open request.
func (w *Workflow) ListPending(ctx context.Context) ([]coord.ApprovalRequest, error) {
	ids, err := w.b.SMembers(ctx, coord.PendingApprovalsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	out := []coord.ApprovalRequest{}
	for _, id := range ids {
		req, err := w.Get(ctx, id)
		if err != nil {
			if coord.IsNotFound(err) {
				w.b.SRem(ctx, coord.PendingApprovalsKey, id)
				continue
			}
			return nil, err
		}
		if req.Status != coord.ApprovalStatusPending {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

// expire flips a still-pending request to expired.
func (w *Workflow) expire(ctx context.Context, approvalID string) (coord.ApprovalStatus, error) {
	var status coord.ApprovalStatus
	key := coord.ApprovalKey(approvalID)
	err := w.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		req, err := w.readAndExpire(tx, approvalID)
		if err != nil {
			return err
		}
		status = req.Status
		if req.Status != coord.ApprovalStatusPending {
			return nil
		}
		status = coord.ApprovalStatusExpired
		tx.HSet(key, map[string]string{"status": string(coord.ApprovalStatusExpired)})
		tx.SRem(coord.PendingApprovalsKey, approvalID)
		return nil
	})
	return status, err
}

// readAndExpire loads a request inside a transaction, applying the lazy
// deadline transition so readers never observe a stale pending status.
func (w *Workflow) readAndExpire(tx backend.Tx, approvalID string) (*coord.ApprovalRequest, error) {
	key := coord.ApprovalKey(approvalID)
	hash, err := tx.HGetAll(key)
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrUnknownApproval, approvalID)
	}
	req, err := coord.HashToApproval(hash)
	if err != nil {
		return nil, err
	}
	if req.Status == coord.ApprovalStatusPending && req.ExpiresAt != "" {
		if exp, err := coord.ParseTime(req.ExpiresAt); err == nil && time.Now().After(exp) {
			req.Status = coord.ApprovalStatusExpired
			tx.HSet(key, map[string]string{"status": string(coord.ApprovalStatusExpired)})
			tx.SRem(coord.PendingApprovalsKey, approvalID)
		}
	}
	return req, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
