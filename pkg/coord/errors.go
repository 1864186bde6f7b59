package coord

import "errors"

// Error kinds surfaced by the coordination core. Failures of these kinds wrap
// the matching sentinel, so callers can branch with errors.Is regardless of
// the human-readable context added along the way. Other failures, such as
// backend I/O or input validation errors, carry context but no sentinel.
var (
	// ErrBackendUnavailable means neither the networked KV nor the file
	// fallback is usable. A session cannot start in this state.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrUnknownAgent means the referenced agent id does not exist.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownTask means the referenced task id does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownApproval means the referenced approval id does not exist.
	ErrUnknownApproval = errors.New("unknown approval")

	// ErrIllegalTransition means the operation is not allowed in the
	// record's current status (e.g. completing a pending task).
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrLockBusy means the lock is already held by another agent.
	// Callers choose whether to retry; the core never queues.
	ErrLockBusy = errors.New("lock busy")

	// ErrLockStolen means the stored lock id no longer matches the one the
	// caller presented; the TTL expired and someone else acquired the path.
	ErrLockStolen = errors.New("lock stolen")

	// ErrPermissionDenied means the approval policy predicate rejected the
	// approver.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout means a blocking operation reached its deadline. The
	// operation leaves no partial state behind.
	ErrTimeout = errors.New("timeout")

	// ErrBudgetExceeded means the LLM semaphore or cost check refused a
	// slot. Callers may retry later.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// IsNotFound reports whether err is any of the unknown-id kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownAgent) ||
		errors.Is(err, ErrUnknownTask) ||
		errors.Is(err, ErrUnknownApproval)
}
