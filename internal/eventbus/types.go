package eventbus

import "time"

// Repeated task event types.
const (
	TaskStarted  = "task.started"
	TaskStopping = "task.stopping"
	TaskStopped  = "task.stopped"
	RunFinished  = "task.run.finished"
	RunFailed    = "task.run.failed"
)

// TaskEvent is the payload of task.started/stopping/stopped.
type TaskEvent struct {
	Name     string        `json:"name"`
	Runtime  string        `json:"runtime,omitempty"`
	Interval time.Duration `json:"interval"`
	Error    string        `json:"error,omitempty"`
}

// RunEvent is the payload of task.run.*.
type RunEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
