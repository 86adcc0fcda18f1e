// Package datarecording provides backends that store structured records
// produced during a run, such as frame operations, address-space operations,
// and fault-resolution traces.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/fatih/structs"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// DataRecorder is a backend that can record and store data.
type DataRecorder interface {
	// CreateTable creates a new table that stores entries of the same type as
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any)

	// InsertData writes a same-type entry into a table that already exists.
	InsertData(tableName string, entry any)

	// ListTables returns a slice containing names of all tables.
	ListTables() []string

	// Flush flushes all the buffered entries into the database.
	Flush()

	// Close flushes the remaining data and closes the backend.
	Close() error
}

// A locationEntry is a row of the shared location table. Location strings are
// interned so that repeated locations are stored as small integers.
type locationEntry struct {
	ID     int
	Locale string
}

// New creates a DataRecorder that stores data in a SQLite database at the
// given path. The ".sqlite3" suffix is appended to the path. If the path is
// empty, a unique file name is generated.
func New(path string) DataRecorder {
	w := &sqliteWriter{
		dbName:      path,
		batchSize:   100000,
		tables:      make(map[string]*table),
		locationIDs: make(map[string]int),
	}

	w.Init()

	w.exec = newExecRecorderWithWriter(w)
	w.exec.Start()

	atexit.Register(func() { w.Flush() })

	return w
}

// NewWithDB creates a new DataRecorder with a given database.
func NewWithDB(db *sql.DB) DataRecorder {
	w := &sqliteWriter{
		DB:          db,
		batchSize:   100000,
		tables:      make(map[string]*table),
		locationIDs: make(map[string]int),
	}

	w.exec = newExecRecorderWithWriter(w)
	w.exec.Start()

	atexit.Register(func() { w.Flush() })

	return w
}

// A tableColumn describes one stored column of a table.
type tableColumn struct {
	name       string
	fieldIndex int
	isLocation bool
}

type table struct {
	structType reflect.Type
	columns    []tableColumn
	entries    []any
}

func (t *table) hasLocation() bool {
	for _, c := range t.columns {
		if c.isLocation {
			return true
		}
	}

	return false
}

// sqliteWriter is the writer that writes data into SQLite database.
type sqliteWriter struct {
	*sql.DB
	statement *sql.Stmt

	dbName     string
	tables     map[string]*table
	batchSize  int
	tableCount int
	entryCount int

	locationIDs       map[string]int
	locationTableMade bool

	exec *execRecorder
}

// Init establishes a connection to the database.
func (t *sqliteWriter) Init() {
	if t.dbName == "" {
		t.dbName = "shiba_data_recording_" + xid.New().String()
	}

	filename := t.dbName + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	t.DB = db
}

func (t *sqliteWriter) isAllowedType(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Uintptr,
		reflect.Float32,
		reflect.Float64,
		reflect.Complex64,
		reflect.Complex128,
		reflect.String,
		reflect.UnsafePointer:
		return true
	default:
		return false
	}
}

// tableColumns derives the stored columns of an entry type. Unexported fields
// and fields tagged `shiba_data:"ignore"` are skipped. Fields tagged
// `shiba_data:"location"` must be strings and are interned through the shared
// location table.
func (t *sqliteWriter) tableColumns(sampleEntry any) ([]tableColumn, error) {
	structType := reflect.TypeOf(sampleEntry)
	if structType == nil || structType.Kind() != reflect.Struct {
		return nil, errors.New("entry is invalid")
	}

	names := structs.Names(sampleEntry)
	columns := make([]tableColumn, 0, len(names))

	nameIndex := 0
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if field.PkgPath != "" {
			continue
		}

		name := names[nameIndex]
		nameIndex++

		tag := field.Tag.Get("shiba_data")
		if tag == "ignore" {
			continue
		}

		if tag == "location" && field.Type.Kind() != reflect.String {
			return nil, errors.New("location field must be a string")
		}

		if !t.isAllowedType(field.Type.Kind()) {
			return nil, errors.New("entry is invalid")
		}

		columns = append(columns, tableColumn{
			name:       name,
			fieldIndex: i,
			isLocation: tag == "location",
		})
	}

	return columns, nil
}

func (t *sqliteWriter) CreateTable(tableName string, sampleEntry any) {
	columns, err := t.tableColumns(sampleEntry)
	if err != nil {
		panic(err)
	}

	t.tableCount++

	fields := make([]string, 0, len(columns))
	for _, c := range columns {
		fields = append(fields, c.name)
	}

	createTableSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + strings.Join(fields, ", \n\t") + "\n" + `);`
	t.mustExecute(createTableSQL)

	tableInfo := &table{
		structType: reflect.TypeOf(sampleEntry),
		columns:    columns,
		entries:    []any{},
	}
	t.tables[tableName] = tableInfo

	if tableInfo.hasLocation() && !t.locationTableMade {
		t.locationTableMade = true
		t.CreateTable("location", locationEntry{})
	}
}

func (t *sqliteWriter) InsertData(tableName string, entry any) {
	table, exists := t.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if table.hasLocation() {
		entry = t.internLocations(table, entry)
	}

	table.entries = append(table.entries, entry)

	t.entryCount++
	if t.entryCount >= t.batchSize {
		t.Flush()
	}
}

// internLocations returns a copy of the entry with every location field
// replaced by the index of the location string in the location table.
func (t *sqliteWriter) internLocations(table *table, entry any) any {
	v := reflect.New(table.structType).Elem()
	v.Set(reflect.ValueOf(entry))

	for _, c := range table.columns {
		if !c.isLocation {
			continue
		}

		field := v.Field(c.fieldIndex)
		id := t.locationID(field.String())
		field.SetString(strconv.Itoa(id))
	}

	return v.Interface()
}

func (t *sqliteWriter) locationID(locale string) int {
	id, ok := t.locationIDs[locale]
	if !ok {
		id = len(t.locationIDs)
		t.locationIDs[locale] = id
		t.InsertData("location", locationEntry{ID: id, Locale: locale})
	}

	return id
}

func (t *sqliteWriter) ListTables() []string {
	tables := make([]string, 0, len(t.tables))
	for table := range t.tables {
		tables = append(tables, table)
	}

	return tables
}

func (t *sqliteWriter) Flush() {
	if t.entryCount == 0 {
		return
	}

	t.mustExecute("BEGIN TRANSACTION")
	defer t.mustExecute("COMMIT TRANSACTION")

	for tableName, table := range t.tables {
		if len(table.entries) == 0 {
			continue
		}

		t.prepareStatement(tableName, table)

		for _, entry := range table.entries {
			v := make([]any, 0, len(table.columns))

			value := reflect.ValueOf(entry)
			for _, c := range table.columns {
				v = append(v, value.Field(c.fieldIndex).Interface())
			}

			_, err := t.statement.Exec(v...)
			if err != nil {
				panic(err)
			}
		}

		table.entries = nil

		t.statement.Close()
		t.statement = nil
	}

	t.entryCount = 0
}

// Close records the execution end time, flushes the remaining entries, and
// closes the database.
func (t *sqliteWriter) Close() error {
	if t.exec != nil {
		t.exec.End()
		t.exec = nil
	}

	t.Flush()

	return t.DB.Close()
}

func (t *sqliteWriter) mustExecute(query string) sql.Result {
	res, err := t.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

func (t *sqliteWriter) prepareStatement(tableName string, table *table) {
	n := make([]string, len(table.columns))
	for i := range n {
		n[i] = "?"
	}

	entryToFill := "(" + strings.Join(n, ", ") + ")"
	sqlStr := "INSERT INTO " + tableName + " VALUES " + entryToFill

	stmt, err := t.Prepare(sqlStr)
	if err != nil {
		panic(err)
	}

	t.statement = stmt
}
