// Package pipeline holds the pipeline model and compiles stored definitions
// into the immutable Set the executor dispatches against.
package pipeline

import (
	"sort"
	"time"
)

// DefaultPriority is used when a definition does not set one.
const DefaultPriority = 100

// Pipeline is a named workflow of filters and actions.
type Pipeline struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Enabled     bool                   `json:"enabled"`
	Priority    int                    `json:"priority"`
	StopOnMatch bool                   `json:"stop_on_match"`
	StopOnError bool                   `json:"stop_on_error"`
	IsSystem    bool                   `json:"is_system"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Stats       Statistics             `json:"statistics"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Filters     []Filter               `json:"filters"`
	Actions     []Action               `json:"actions"`
}

// Statistics are maintained by the store as runs complete.
type Statistics struct {
	ExecutionCount int64      `json:"execution_count"`
	SuccessCount   int64      `json:"success_count"`
	LastExecuted   *time.Time `json:"last_executed,omitempty"`
}

// SuccessRate is the percentage of successful runs, 0 when never run.
func (s Statistics) SuccessRate() float64 {
	if s.ExecutionCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.ExecutionCount) * 100
}

// Filter is one predicate of a pipeline.
type Filter struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"filter_type"`
	Config    map[string]interface{} `json:"filter_config"`
	Order     int                    `json:"filter_order"`
	Negated   bool                   `json:"is_negated"`
	Required  bool                   `json:"is_required"`
	CreatedAt time.Time              `json:"created_at"`
}

// Action is one step of a pipeline.
type Action struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"action_type"`
	Config          map[string]interface{} `json:"action_config"`
	Order           int                    `json:"action_order"`
	ContinueOnError bool                   `json:"continue_on_error"`
	Async           bool                   `json:"is_async"`
	TimeoutMs       int                    `json:"timeout_ms,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	RetryDelayMs    int                    `json:"retry_delay_ms"`
	ConditionType   string                 `json:"condition_type,omitempty"`
	ConditionConfig map[string]interface{} `json:"condition_config,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Timeout is the per-attempt deadline; zero means none.
func (a Action) Timeout() time.Duration { return time.Duration(a.TimeoutMs) * time.Millisecond }

// RetryDelay is the pause between attempts.
func (a Action) RetryDelay() time.Duration { return time.Duration(a.RetryDelayMs) * time.Millisecond }

// Attempts is the maximum number of attempts, always at least one.
func (a Action) Attempts() int {
	if a.RetryCount < 0 {
		return 1
	}
	return a.RetryCount + 1
}

// SortFilters orders filters by filter_order, ties by creation order.
func SortFilters(fs []Filter) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Order != fs[j].Order {
			return fs[i].Order < fs[j].Order
		}
		return fs[i].CreatedAt.Before(fs[j].CreatedAt)
	})
}

// SortActions orders actions by action_order, ties by creation order.
func SortActions(as []Action) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].Order != as[j].Order {
			return as[i].Order < as[j].Order
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}

// SortPipelines orders pipelines by ascending priority, ties by id.
func SortPipelines(ps []Pipeline) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}
