package tracing

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// CSVTracer is a task tracer that can store the tasks into a CSV file.
type CSVTracer struct {
	path string
	file *os.File

	lock          sync.Mutex
	inflightTasks map[string]Task
	tasks         []Task
	bufferSize    int
}

// NewCSVTracer creates a new CSVTracer. If the path is empty, a file name is
// generated from a fresh ID. Init must be called before the tracer is used.
func NewCSVTracer(path string) *CSVTracer {
	return &CSVTracer{
		path:          path,
		inflightTasks: make(map[string]Task),
		bufferSize:    1000,
	}
}

// Init creates the tracing csv file and writes the header line.
func (t *CSVTracer) Init() {
	if t.path == "" {
		t.path = "shiba_trace_" + xid.New().String()
	}

	filename := t.path + ".csv"
	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	file, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	t.file = file

	fmt.Fprintf(file, "ID, ParentID, Kind, What, Location, Start, End\n")

	atexit.Register(func() {
		t.Flush()
		err := t.file.Close()
		if err != nil {
			panic(err)
		}
	})
}

// StartTask records the start of a task.
func (t *CSVTracer) StartTask(task Task) {
	t.lock.Lock()
	t.inflightTasks[task.ID] = task
	t.lock.Unlock()
}

// StepTask does nothing.
func (t *CSVTracer) StepTask(task Task) {
	// Do nothing for now.
}

// EndTask writes the completed task to the buffer, flushing the buffer to the
// file when it is full.
func (t *CSVTracer) EndTask(task Task) {
	t.lock.Lock()
	defer t.lock.Unlock()

	originalTask, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}
	originalTask.EndTime = task.EndTime
	delete(t.inflightTasks, task.ID)

	t.tasks = append(t.tasks, originalTask)
	if len(t.tasks) >= t.bufferSize {
		t.flushLocked()
	}
}

// Flush flushes the buffered tasks to the CSV file.
func (t *CSVTracer) Flush() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.flushLocked()
}

func (t *CSVTracer) flushLocked() {
	for _, task := range t.tasks {
		fmt.Fprintf(t.file, "%s, %s, %s, %s, %s, %.10f, %.10f\n",
			task.ID,
			task.ParentID,
			task.Kind,
			task.What,
			task.Location,
			task.StartTime,
			task.EndTime,
		)
	}

	t.tasks = nil
}
