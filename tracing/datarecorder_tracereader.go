package tracing

import (
	"database/sql"
	"fmt"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// DataRecorderTraceReader reads tasks back from a SQLite database written by a
// DBTracer.
type DataRecorderTraceReader struct {
	*sql.DB
}

// NewDataRecorderTraceReader opens the trace database file with the given
// name.
func NewDataRecorderTraceReader(filename string) *DataRecorderTraceReader {
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	return &DataRecorderTraceReader{
		DB: db,
	}
}

// ListSessions returns the sessions recorded in the trace index table.
func (r *DataRecorderTraceReader) ListSessions() []TraceSession {
	rows, err := r.Query(
		"SELECT TableName, SessionStart, SessionEnd FROM trace")
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	sessions := []TraceSession{}
	for rows.Next() {
		s := TraceSession{}
		err := rows.Scan(&s.TableName, &s.StartTime, &s.EndTime)
		if err != nil {
			panic(err)
		}
		sessions = append(sessions, s)
	}

	return sessions
}

// ListLocations returns the distinct locations used in one session table.
func (r *DataRecorderTraceReader) ListLocations(tableName string) []string {
	if tableName == "" {
		tableName = "trace1"
	}

	var locations []string

	rows, err := r.Query("SELECT DISTINCT Location FROM " + tableName)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	for rows.Next() {
		var location string
		err := rows.Scan(&location)
		if err != nil {
			panic(err)
		}
		locations = append(locations, location)
	}

	return locations
}

// ListTasks queries tasks from the session table the query names.
func (r *DataRecorderTraceReader) ListTasks(query TaskQuery) []Task {
	sqlStr := r.prepareTaskQueryStr(query)

	rows, err := r.Query(sqlStr)
	if err != nil {
		panic(err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t := r.scanTask(rows, query.EnableParentTask)
		tasks = append(tasks, t)
	}

	return tasks
}

func (r *DataRecorderTraceReader) scanTask(
	rows *sql.Rows,
	withParent bool,
) Task {
	t := Task{}

	if !withParent {
		err := rows.Scan(
			&t.ID,
			&t.ParentID,
			&t.Kind,
			&t.What,
			&t.Location,
			&t.StartTime,
			&t.EndTime,
		)
		if err != nil {
			panic(err)
		}

		return t
	}

	// The parent columns come from a LEFT JOIN and can be NULL when the
	// parent task is not in the same session.
	var (
		ptID        sql.NullString
		ptParentID  sql.NullString
		ptKind      sql.NullString
		ptWhat      sql.NullString
		ptLocation  sql.NullString
		ptStartTime sql.NullFloat64
		ptEndTime   sql.NullFloat64
	)

	err := rows.Scan(
		&t.ID,
		&t.ParentID,
		&t.Kind,
		&t.What,
		&t.Location,
		&t.StartTime,
		&t.EndTime,
		&ptID,
		&ptParentID,
		&ptKind,
		&ptWhat,
		&ptLocation,
		&ptStartTime,
		&ptEndTime,
	)
	if err != nil {
		panic(err)
	}

	if ptID.Valid {
		t.ParentTask = &Task{
			ID:        ptID.String,
			ParentID:  ptParentID.String,
			Kind:      ptKind.String,
			What:      ptWhat.String,
			Location:  ptLocation.String,
			StartTime: ptStartTime.Float64,
			EndTime:   ptEndTime.Float64,
		}
	}

	return t
}

func (r *DataRecorderTraceReader) prepareTaskQueryStr(query TaskQuery) string {
	table := query.Table
	if table == "" {
		table = "trace1"
	}

	sqlStr := `
		SELECT
			t.ID,
			t.ParentID,
			t.Kind,
			t.What,
			t.Location,
			t.StartTime,
			t.EndTime
	`

	if query.EnableParentTask {
		sqlStr += `,
			pt.ID,
			pt.ParentID,
			pt.Kind,
			pt.What,
			pt.Location,
			pt.StartTime,
			pt.EndTime
		`
	}

	sqlStr += `
		FROM ` + table + ` t
	`

	if query.EnableParentTask {
		sqlStr += `
			LEFT JOIN ` + table + ` pt
			ON t.ParentID = pt.ID
		`
	}

	sqlStr = r.addQueryConditionsToQueryStr(sqlStr, query)

	return sqlStr
}

func (r *DataRecorderTraceReader) addQueryConditionsToQueryStr(
	sqlStr string,
	query TaskQuery,
) string {
	sqlStr += `
		WHERE 1=1
	`

	if query.ID != "" {
		sqlStr += `
			AND t.ID = '` + query.ID + `'
		`
	}

	if query.ParentID != "" {
		sqlStr += `
			AND t.ParentID = '` + query.ParentID + `'
		`
	}

	if query.Kind != "" {
		sqlStr += `
			AND t.Kind = '` + query.Kind + `'
		`
	}

	if query.Location != "" {
		sqlStr += `
			AND t.Location = '` + query.Location + `'
		`
	}

	if query.EnableTimeRange {
		sqlStr += fmt.Sprintf(
			"AND t.EndTime > %.15f AND t.StartTime < %.15f",
			query.StartTime,
			query.EndTime)
	}

	return sqlStr
}
