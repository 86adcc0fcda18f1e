package datarecording

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// An execInfo entry is one property of the recorded program execution.
type execInfo struct {
	Property string
	Value    string
}

// execRecorder records how the program that produced a database was run.
type execRecorder struct {
	tablename string
	recorder  DataRecorder
	entries   []execInfo
}

// Start logs the current execution.
func (e *execRecorder) Start() {
	currentTime := time.Now()
	startTime := currentTime.Format("2006-01-02 15:04:05.000000000")
	timeEntry := execInfo{"Start Time", startTime}
	e.entries = append(e.entries, timeEntry)

	cmd := strings.Join(os.Args, " ")
	cmdEntry := execInfo{"Command", cmd}
	e.entries = append(e.entries, cmdEntry)

	ex, err := os.Executable()
	if err != nil {
		panic(err)
	}

	cwd := filepath.Dir(ex)
	cwdEntry := execInfo{"Working Directory", cwd}
	e.entries = append(e.entries, cwdEntry)
}

// End writes the collected entries along with the program exit time.
func (e *execRecorder) End() {
	for _, entry := range e.entries {
		e.recorder.InsertData(e.tablename, entry)
	}

	endTime := time.Now()
	endValue := endTime.Format("2006-01-02 15:04:05.000000000")
	timeEntry := execInfo{"End Time", endValue}
	e.recorder.InsertData(e.tablename, timeEntry)

	e.entries = nil

	e.recorder.Flush()
}

// newExecRecorderWithWriter creates a new execRecorder with the given
// recorder and sets up the exec_info table.
func newExecRecorderWithWriter(recorder DataRecorder) *execRecorder {
	e := &execRecorder{
		recorder: recorder,
		entries:  []execInfo{},
	}

	setupTable(e)

	return e
}

func setupTable(e *execRecorder) {
	name := "exec_info"
	e.tablename = name

	sampleEntry := execInfo{}
	e.recorder.CreateTable(name, sampleEntry)
}
