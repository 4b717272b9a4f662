package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("job not found")

// Job is one tracked unit of background work. Result is only set on success,
// Error only on failure. Once Status is terminal the record never changes.
type Job struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Operation  string          `json:"operation"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}
