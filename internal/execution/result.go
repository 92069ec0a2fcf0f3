// Package execution holds the per-run state of a pipeline: the shared-data
// Context actions read and write, and the append-only Record that becomes
// the audit trail.
package execution

import "time"

// Status is the status of a whole pipeline run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final run status.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// ActionStatus is the outcome of one action attempt.
type ActionStatus string

const (
	ActionSuccess   ActionStatus = "success"
	ActionFailed    ActionStatus = "failed"
	ActionTimeout   ActionStatus = "timeout"
	ActionSkipped   ActionStatus = "skipped"
	ActionAborted   ActionStatus = "aborted"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionResult is one attempt of one action. Retries produce one result per
// attempt; skipped, aborted and cancelled actions produce a single result
// with Attempt 0.
type ActionResult struct {
	ActionID    string                 `json:"action_id"`
	ActionType  string                 `json:"action_type"`
	Attempt     int                    `json:"attempt"`
	Status      ActionStatus           `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	DurationMs  int64                  `json:"duration_ms"`
	Async       bool                   `json:"async,omitempty"`
}

// Succeeded reports whether the attempt ended in success.
func (r *ActionResult) Succeeded() bool { return r != nil && r.Status == ActionSuccess }

// Ran reports whether the action was actually invoked for this result.
func (r *ActionResult) Ran() bool {
	switch r.Status {
	case ActionSuccess, ActionFailed, ActionTimeout:
		return true
	}
	return false
}

// NotRun builds the result for an action that was never invoked.
func NotRun(actionID, actionType string, status ActionStatus, reason string, at time.Time) ActionResult {
	return ActionResult{
		ActionID:    actionID,
		ActionType:  actionType,
		Status:      status,
		Error:       reason,
		StartedAt:   at,
		CompletedAt: at,
	}
}
