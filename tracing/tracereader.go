package tracing

// TaskQuery is used to define the tasks to be queried. Not all the fields have
// to be set. If a field is empty, the criterion is ignored.
type TaskQuery struct {
	// Use Table to select the tracing session to read from. If empty, the
	// first session table, "trace1", is used.
	Table string

	// Use ID to select a single task by its ID.
	ID string

	// Use ParentID to select all the tasks that are children of a task.
	ParentID string

	// Use Kind to select all the tasks that are of a kind.
	Kind string

	// Use Location to select all the tasks recorded at a location.
	Location string

	// Enable time range selection.
	EnableTimeRange bool

	// Use StartTime and EndTime to select tasks that overlap with the given
	// time range.
	StartTime, EndTime float64

	// EnableParentTask will also query the parent task of the selected tasks.
	EnableParentTask bool
}

// A TraceSession describes one tracing session stored in a trace database,
// naming the table that holds its tasks.
type TraceSession struct {
	TableName string
	StartTime float64
	EndTime   float64
}

// TraceReader can parse a trace database.
type TraceReader interface {
	// ListSessions returns all the tracing sessions stored in the database.
	ListSessions() []TraceSession

	// ListLocations returns all the locations that appear in one session
	// table.
	ListLocations(tableName string) []string

	// ListTasks queries tasks.
	ListTasks(query TaskQuery) []Task
}
