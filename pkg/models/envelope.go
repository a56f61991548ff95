package models

import "time"

// RunStatus is the status reported to clients in an Envelope.
type RunStatus string

const (
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusProcessing RunStatus = "processing"
	StatusCancelled  RunStatus = "cancelled"
	StatusTimeout    RunStatus = "timeout"
	StatusRejected   RunStatus = "rejected"
	StatusNoConfig   RunStatus = "no_config"
)

// ErrorBody describes a failure. Partial is true when some turns were durably
// persisted before the failure, so blind retries may duplicate user turns.
type ErrorBody struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	Partial    bool           `json:"partial"`
	RetryAfter int            `json:"retryAfterSeconds,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Envelope is the single response shape of the workflow endpoint.
type Envelope struct {
	RequestID string       `json:"requestId"`
	Status    RunStatus    `json:"status"`
	Response  string       `json:"response,omitempty"`
	History   *HistoryPage `json:"history,omitempty"`
	TaskID    string       `json:"taskId,omitempty"`
	Message   string       `json:"message,omitempty"`
	Error     *ErrorBody   `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
