// Package tracing collects tasks that describe what the kernel is working on,
// such as the resolution of one page fault, and forwards them to tracers.
package tracing

// A TaskStep represents a milestone in the processing of a task.
type TaskStep struct {
	Time float64 `json:"time"`
	What string  `json:"what"`
}

// A Task is a unit of work with a recorded lifetime.
type Task struct {
	ID         string      `json:"id"`
	ParentID   string      `json:"parent_id"`
	Kind       string      `json:"kind"`
	What       string      `json:"what"`
	Location   string      `json:"location"`
	StartTime  float64     `json:"start_time"`
	EndTime    float64     `json:"end_time"`
	Steps      []TaskStep  `json:"steps"`
	Detail     interface{} `json:"-"`
	ParentTask *Task       `json:"-"`
}

// TaskFilter is a function that can filter interesting tasks. If this function
// returns true, the task is considered useful.
type TaskFilter func(t Task) bool
