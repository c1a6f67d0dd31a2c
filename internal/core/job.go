// Package core defines the job model shared by the store, the worker and the
// API: statuses, payload shapes, the retry policy, the error taxonomy and the
// id/time helpers. Everything that persists or crosses the wire is defined
// here so the other packages agree on one vocabulary.
package core

import (
	"encoding/json"
	"time"
)

// Version is reported by the server info metric and the health endpoint.
const Version = "1.2.0"

// Job statuses. A job moves queued -> running -> {succeeded | failed},
// with running -> queued for retries and reaper reclaims.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// TimeFormat is the canonical timestamp layout: UTC with millisecond
// precision. Lexicographic order equals chronological order, which the
// store relies on for run_at and updated_at comparisons.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical format, converting to UTC first.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time in the canonical format.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// Job is one unit of deferred work tracked in the jobs table.
type Job struct {
	ID          int64   `json:"id"`
	JobID       string  `json:"job_id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Priority    int     `json:"priority"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	RecordingID int64   `json:"recording_id"`
	Payload     Payload `json:"payload"`
	Error       string  `json:"error,omitempty"`
	DedupeKey   string  `json:"dedupe_key,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	RunAt       string  `json:"run_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return StatusTerminal(j.Status)
}

// StatusTerminal reports whether a status string is final.
func StatusTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Payload is the persisted JSON bag on a job row. Parameters are written
// once at enqueue and never mutated; Progress is written only through the
// store's UpdateProgress; Result is written once by MarkSucceeded.
type Payload struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Progress   ProgressState   `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ProgressState is the mutable half of the payload, surfaced to progress
// stream subscribers.
type ProgressState struct {
	Percent int            `json:"percent"`
	Message string         `json:"message,omitempty"`
	Metrics map[string]any `json:"performance_metrics,omitempty"`
}

// ValidTransition reports whether a status change follows the state machine.
// No transition may skip a state: queued jobs must be claimed before they can
// finish, and terminal jobs only move again through the administrative retry.
func ValidTransition(from, to string) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusQueued
	case StatusFailed:
		// Administrative requeue only.
		return to == StatusQueued
	default:
		return false
	}
}

// EnqueueRequest is the wire form of a job submission.
type EnqueueRequest struct {
	RecordingID int64           `json:"recording_id"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

// ParseEnqueueRequest decodes a submission body. Unknown fields are ignored
// so older clients keep working; validation is a separate step.
func ParseEnqueueRequest(data []byte) (*EnqueueRequest, error) {
	var req EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewInvalidRequestError("Request body is not valid JSON.", map[string]any{
			"error": err.Error(),
		})
	}
	return &req, nil
}
