package types

import "time"

// TaskState describes where a background extraction job currently is.
type TaskState string

const (
	TaskIdle    TaskState = "idle"
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
)

// ProcessingTask is the bookkeeping record for one background extraction
// task per (name, thread). HistoryCheckpoint is the index into the turn log
// up to which turns have already been submitted; it is monotonically
// non-decreasing and advances only when a job is actually enqueued.
type ProcessingTask struct {
	Name              string    `json:"name"`
	ThreadID          string    `json:"thread_id"`
	JobID             string    `json:"job_id,omitempty"`
	State             TaskState `json:"state"`
	HistoryCheckpoint int       `json:"history_checkpoint"`
	SubmittedAt       time.Time `json:"submitted_at,omitempty"`
}

// InFlight reports whether a job for this task is queued or running.
func (t ProcessingTask) InFlight() bool {
	return t.State == TaskQueued || t.State == TaskRunning
}
