// Package events provides event types and publishing infrastructure for swarm.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventRunStarted indicates a run began executing.
	EventRunStarted EventType = "run_started"
	// EventRunCompleted indicates the scheduler decided the run is done.
	EventRunCompleted EventType = "run_completed"
	// EventRunStopped indicates the run was stopped externally.
	EventRunStopped EventType = "run_stopped"

	// EventTaskAssigned indicates a worker claimed a task.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task attempt failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task was skipped by resume commit match.
	EventTaskSkipped EventType = "task_skipped"
	// EventTaskRequeued indicates a failed or orphaned task returned to pending.
	EventTaskRequeued EventType = "task_requeued"

	// EventWorkerStarted indicates a worker registered and began its loop.
	EventWorkerStarted EventType = "worker_started"
	// EventWorkerIdle indicates a worker found no claimable task this pass.
	EventWorkerIdle EventType = "worker_idle"
	// EventWorkerStale indicates the scheduler declared a worker stale.
	EventWorkerStale EventType = "worker_stale"
	// EventWorkerExited indicates a worker loop returned.
	EventWorkerExited EventType = "worker_exited"

	// EventMergeConflict indicates a file kept conflict markers after merge.
	EventMergeConflict EventType = "merge_conflict"
	// EventTokens indicates a token usage update for a task.
	EventTokens EventType = "tokens"
)

// Event represents a published event. RunID is the subscription key.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, runID string, data any) Event {
	return Event{
		Type:  eventType,
		RunID: runID,
		Data:  data,
		Time:  time.Now(),
	}
}

// TaskUpdate describes a task transition.
type TaskUpdate struct {
	TaskID    int64  `json:"task_id"`
	WorkerNum int    `json:"worker_num,omitempty"`
	Status    string `json:"status"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// WorkerUpdate describes a worker transition.
type WorkerUpdate struct {
	WorkerID  string `json:"worker_id"`
	WorkerNum int    `json:"worker_num"`
	Status    string `json:"status"`
	TaskID    int64  `json:"task_id,omitempty"`
}

// TokenUpdate carries accumulated token usage for a task.
type TokenUpdate struct {
	TaskID       int64 `json:"task_id"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
}

// ConflictData names a file that kept merge conflict markers.
type ConflictData struct {
	File    string `json:"file"`
	Workers []int  `json:"workers"`
}

// RunStarted carries the initial shape of a run.
type RunStarted struct {
	Mode    string `json:"mode"`
	Total   int    `json:"total"`
	Workers int    `json:"workers"`
}

// RunDone summarizes a finished run.
type RunDone struct {
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}
