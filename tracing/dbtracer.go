package tracing

import (
	"fmt"
	"sync"

	"github.com/sarchlab/shiba/datarecording"
	"github.com/tebeka/atexit"
)

type taskTableEntry struct {
	ID        string  `json:"id" shiba_data:"index"`
	ParentID  string  `json:"parent_id" shiba_data:"index"`
	Kind      string  `json:"kind" shiba_data:"index"`
	What      string  `json:"what" shiba_data:"index"`
	Location  string  `json:"location" shiba_data:"index"`
	StartTime float64 `json:"start_time" shiba_data:"index"`
	EndTime   float64 `json:"end_time" shiba_data:"index"`
}

// A traceIndexEntry describes one tracing session and the table that holds
// its tasks.
type traceIndexEntry struct {
	TableName    string  `json:"table_name" shiba_data:"unique"`
	SessionStart float64 `json:"session_start" shiba_data:"index"`
	SessionEnd   float64 `json:"session_end" shiba_data:"index"`
}

// DBTracer is a tracer that can store tasks into a database.
// DBTracers can connect with different backends so that the tasks can be
// stored in different types of databases (e.g., SQLite files, ClickHouse).
type DBTracer struct {
	mu         sync.Mutex
	timeTeller TimeTeller
	backend    datarecording.DataRecorder

	startTime, endTime float64

	tracingTasks  map[string]Task
	isTracingFlag bool

	traceCount       int
	currentTableName string
	sessionStartTime float64
	sessionEndTime   float64
}

// NewDBTracer creates a new DBTracer.
func NewDBTracer(
	timeTeller TimeTeller,
	dataRecorder datarecording.DataRecorder,
) *DBTracer {
	dataRecorder.CreateTable("trace", traceIndexEntry{})
	dataRecorder.CreateTable("trace_milestones", Milestone{})

	t := &DBTracer{
		timeTeller:   timeTeller,
		backend:      dataRecorder,
		tracingTasks: make(map[string]Task),
	}

	atexit.Register(func() {
		t.Terminate()
	})

	return t
}

// IsTracing returns true while a tracing session is open.
func (t *DBTracer) IsTracing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isTracingFlag
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startingTaskMustBeValid(task)

	task.StartTime = t.timeTeller.CurrentTime()
	if t.endTime > 0 && task.StartTime > t.endTime {
		return
	}

	t.tracingTasks[task.ID] = task
}

func (t *DBTracer) startingTaskMustBeValid(task Task) {
	if task.ID == "" {
		panic("task ID must be set")
	}

	if task.Kind == "" {
		panic("task kind must be set")
	}

	if task.What == "" {
		panic("task what must be set")
	}

	if task.Location == "" {
		panic("task location must be set")
	}
}

// StepTask marks a step of a task.
func (t *DBTracer) StepTask(_ Task) {
	// Do nothing for now.
}

// AddMilestone adds a milestone.
func (t *DBTracer) AddMilestone(milestone Milestone) {
	t.backend.InsertData("trace_milestones", milestone)
}

// EndTask marks the end of a task.
func (t *DBTracer) EndTask(task Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task.EndTime = t.timeTeller.CurrentTime()

	if t.startTime > 0 && task.EndTime < t.startTime {
		delete(t.tracingTasks, task.ID)
		return
	}

	originalTask, ok := t.tracingTasks[task.ID]
	if !ok {
		return
	}

	originalTask.EndTime = task.EndTime

	// Write immediately if a session is open
	if t.isTracingFlag && t.currentTableName != "" {
		t.writeTaskToDB(originalTask)
	}

	delete(t.tracingTasks, task.ID)
}

// Terminate terminates the tracer.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracingTasks = nil
	t.backend.Flush()
}

// SetTimeRange sets the time range of the tracer. Tasks that fall completely
// outside the range are dropped.
func (t *DBTracer) SetTimeRange(startTime, endTime float64) {
	t.startTime = startTime
	t.endTime = endTime
}

// EnableTracing opens a tracing session. Tasks that end while the session is
// open are written to a fresh session table.
func (t *DBTracer) EnableTracing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracingTasks = make(map[string]Task)

	t.isTracingFlag = true
	t.traceCount++
	t.sessionStartTime = t.timeTeller.CurrentTime()
	t.sessionEndTime = 0
	t.currentTableName = fmt.Sprintf("trace%d", t.traceCount)
	t.backend.CreateTable(t.currentTableName, taskTableEntry{})
}

// StopTracingAtCurrentTime closes the tracing session, writes the session
// index entry, and finalizes the tasks that are still in flight.
func (t *DBTracer) StopTracingAtCurrentTime() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isTracingFlag {
		return
	}

	t.sessionEndTime = t.timeTeller.CurrentTime()

	traceIndex := traceIndexEntry{
		TableName:    t.currentTableName,
		SessionStart: t.sessionStartTime,
		SessionEnd:   t.sessionEndTime,
	}
	t.backend.InsertData("trace", traceIndex)

	t.writeOngoingTasks()

	t.isTracingFlag = false
	t.tracingTasks = make(map[string]Task)
	t.backend.Flush()
}

func (t *DBTracer) writeTaskToDB(task Task) {
	taskTable := taskTableEntry{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Location:  task.Location,
		StartTime: task.StartTime,
		EndTime:   task.EndTime,
	}
	t.backend.InsertData(t.currentTableName, taskTable)
}

// writeOngoingTasks writes the tasks that have not ended yet, using the
// session end time as their end time.
func (t *DBTracer) writeOngoingTasks() {
	if t.currentTableName == "" {
		return
	}

	for _, task := range t.tracingTasks {
		if task.StartTime <= t.sessionEndTime {
			tempTask := task
			tempTask.EndTime = t.sessionEndTime
			t.writeTaskToDB(tempTask)
		}
	}
}
