package domain

import (
	"encoding/json"
	"time"
)

// Task states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

type Task struct {
	ID                string          `json:"id"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	State             string          `json:"state"`
	NextRunAt         time.Time       `json:"next_run_at"`
	VisibilityTimeout int             `json:"visibility_timeout"` // seconds
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	ScheduleID        *string         `json:"schedule_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Schedule enqueues a task of TaskType for every minute matching CronExpr,
// read in Timezone (system zone when empty).
type Schedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	Timezone    string          `json:"timezone,omitempty"`
	TaskType    string          `json:"task_type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
	LastRun     *time.Time      `json:"last_run,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FiringKey identifies the task enqueued for one schedule boundary.
func FiringKey(scheduleID string, at time.Time) string {
	return scheduleID + "@" + at.UTC().Format(time.RFC3339)
}
