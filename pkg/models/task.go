package models

import "time"

// TaskStatus is the lifecycle state of an asynchronous generation.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// AsyncTaskHandle represents an in-flight or finished long-running generation.
type AsyncTaskHandle struct {
	TaskID     string     `json:"taskId"`
	SessionKey string     `json:"sessionKey"`
	RequestID  string     `json:"requestId,omitempty"`
	Status     TaskStatus `json:"status"`
	Message    string     `json:"message,omitempty"`
	ResultRef  string     `json:"resultRef,omitempty"`
	Result     string     `json:"result,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
