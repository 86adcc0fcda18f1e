package datarecording

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/tebeka/atexit"
)

// FastClickHouseRecorder is a high-performance ClickHouse data recorder
// that avoids reflection on the insert path and uses type-specific batch
// handlers.
type FastClickHouseRecorder struct {
	conn      clickhouse.Conn
	mu        sync.Mutex
	batchSize int

	// Table-specific batches (zero-allocation, type-safe)
	execInfoBatch   []execInfoEntry
	taskTableBatch  []taskTableEntryDB
	traceIndexBatch []traceIndexEntryDB
	milestoneBatch  []milestoneTableEntryDB
	frameOpBatch    []frameOpEntryDB
	spaceOpBatch    []spaceOpEntryDB
	faultEventBatch []faultEventEntryDB
	locationBatch   []locationEntry

	// Track which tables exist
	tables map[string]tableType

	// Entry counter
	entryCount int

	// For execRecorder
	execRecorder *execRecorder
}

type tableType int

const (
	tableTypeExecInfo tableType = iota
	tableTypeTask
	tableTypeTraceIndex
	tableTypeMilestone
	tableTypeFrameOp
	tableTypeSpaceOp
	tableTypeFaultEvent
	tableTypeLocation
)

// Internal struct types that match the external ones
type execInfoEntry struct {
	Property string
	Value    string
}

type taskTableEntryDB struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

type traceIndexEntryDB struct {
	TableName    string
	SessionStart float64
	SessionEnd   float64
}

type milestoneTableEntryDB struct {
	ID               string
	TaskID           string
	BlockingCategory string
	BlockingReason   string
	BlockingLocation string
	Time             float64
}

type frameOpEntryDB struct {
	Op          string
	Addr        uint64
	PageCount   uint64
	BlockOrder  int64
	RegionStart uint64
	Time        float64
}

type spaceOpEntryDB struct {
	Op        string
	Space     string
	Virt      uint64
	PageCount uint64
	Time      float64
}

type faultEventEntryDB struct {
	Space   string
	Addr    uint64
	Outcome string
	Time    float64
}

// NewFastClickHouseRecorder creates a new high-performance ClickHouse
// recorder.
func NewFastClickHouseRecorder(
	host string,
	port int,
	database string,
	username string,
	password string,
	batchSize int,
) DataRecorder {
	if batchSize == 0 {
		batchSize = 100000
	}

	// Create ClickHouse connection using native protocol
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      time.Second * 30,
		MaxOpenConns:     5,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		BlockBufferSize:  10,
	})
	if err != nil {
		panic(fmt.Errorf("failed to connect to ClickHouse: %w", err))
	}

	// Verify connection
	if err := conn.Ping(context.Background()); err != nil {
		panic(fmt.Errorf("failed to ping ClickHouse: %w", err))
	}

	recorder := &FastClickHouseRecorder{
		conn:      conn,
		batchSize: batchSize,
		tables:    make(map[string]tableType),
	}

	// Register atexit handler
	atexit.Register(func() {
		recorder.Flush()
	})

	// Create exec recorder
	execRecorder := newExecRecorderWithWriter(recorder)
	execRecorder.Start()
	recorder.execRecorder = execRecorder

	return recorder
}

// CreateTable creates a table with ClickHouse-optimized schema.
func (r *FastClickHouseRecorder) CreateTable(tableName string, sampleEntry any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Determine table type and create appropriate schema
	var createSQL string
	var tType tableType

	// Type switch to avoid reflection
	switch sampleEntry.(type) {
	case execInfoEntry, execInfo:
		tType = tableTypeExecInfo
		createSQL = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				Property String,
				Value String
			) ENGINE = MergeTree()
			ORDER BY Property
		`, tableName)

	default:
		// Check by field matching for external types
		createSQL, tType = detectTableTypeAndCreateSQL(tableName, sampleEntry)
	}

	// Execute table creation
	err := r.conn.Exec(context.Background(), createSQL)
	if err != nil {
		panic(fmt.Errorf("failed to create table %s: %w", tableName, err))
	}

	r.tables[tableName] = tType
}

// detectTableTypeAndCreateSQL matches the sample entry to one of the known
// table shapes by its type name. Matching by name keeps this package from
// importing the packages that define the row types.
func detectTableTypeAndCreateSQL(
	tableName string,
	sample any,
) (string, tableType) {
	sampleStr := fmt.Sprintf("%T", sample)

	if strings.Contains(sampleStr, "taskTableEntry") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				ID String,
				ParentID String,
				Kind String,
				What String,
				Location String,
				StartTime Float64,
				EndTime Float64
			) ENGINE = MergeTree()
			ORDER BY (ID, StartTime)
		`, tableName), tableTypeTask
	}

	if strings.Contains(sampleStr, "traceIndexEntry") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				TableName String,
				SessionStart Float64,
				SessionEnd Float64
			) ENGINE = MergeTree()
			ORDER BY TableName
		`, tableName), tableTypeTraceIndex
	}

	if strings.Contains(sampleStr, "Milestone") ||
		strings.Contains(sampleStr, "milestoneTableEntry") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				ID String,
				TaskID String,
				BlockingCategory String,
				BlockingReason String,
				BlockingLocation String,
				Time Float64
			) ENGINE = MergeTree()
			ORDER BY (TaskID, Time)
		`, tableName), tableTypeMilestone
	}

	if strings.Contains(sampleStr, "frameOpEntry") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				Op String,
				Addr UInt64,
				PageCount UInt64,
				BlockOrder Int64,
				RegionStart UInt64,
				Time Float64
			) ENGINE = MergeTree()
			ORDER BY (Time, Addr)
		`, tableName), tableTypeFrameOp
	}

	if strings.Contains(sampleStr, "spaceOpEntry") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				Op String,
				Space String,
				Virt UInt64,
				PageCount UInt64,
				Time Float64
			) ENGINE = MergeTree()
			ORDER BY (Time, Virt)
		`, tableName), tableTypeSpaceOp
	}

	if strings.Contains(sampleStr, "faultEventEntry") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				Space String,
				Addr UInt64,
				Outcome String,
				Time Float64
			) ENGINE = MergeTree()
			ORDER BY (Time, Addr)
		`, tableName), tableTypeFaultEvent
	}

	if strings.Contains(sampleStr, "location") {
		return fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				ID Int32,
				Locale String
			) ENGINE = MergeTree()
			ORDER BY ID
		`, tableName), tableTypeLocation
	}

	panic(fmt.Sprintf("unknown table type: %T", sample))
}

// InsertData inserts data using type-specific fast paths.
func (r *FastClickHouseRecorder) InsertData(tableName string, entry any) {
	r.mu.Lock()

	tType, exists := r.tables[tableName]
	if !exists {
		r.mu.Unlock()
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	// Type-specific batch append (zero reflection on the fast path)
	switch tType {
	case tableTypeExecInfo:
		if e, ok := entry.(execInfoEntry); ok {
			r.execInfoBatch = append(r.execInfoBatch, e)
		} else if e, ok := entry.(execInfo); ok {
			r.execInfoBatch = append(r.execInfoBatch, execInfoEntry{
				Property: e.Property,
				Value:    e.Value,
			})
		} else {
			r.mu.Unlock()
			panic(fmt.Sprintf("invalid entry type for execInfo: %T", entry))
		}

	case tableTypeTask:
		converted := r.convertToTaskEntry(entry)
		r.taskTableBatch = append(r.taskTableBatch, converted)

	case tableTypeTraceIndex:
		converted := r.convertToTraceIndexEntry(entry)
		r.traceIndexBatch = append(r.traceIndexBatch, converted)

	case tableTypeMilestone:
		converted := r.convertToMilestoneEntry(entry)
		r.milestoneBatch = append(r.milestoneBatch, converted)

	case tableTypeFrameOp:
		converted := r.convertToFrameOpEntry(entry)
		r.frameOpBatch = append(r.frameOpBatch, converted)

	case tableTypeSpaceOp:
		converted := r.convertToSpaceOpEntry(entry)
		r.spaceOpBatch = append(r.spaceOpBatch, converted)

	case tableTypeFaultEvent:
		converted := r.convertToFaultEventEntry(entry)
		r.faultEventBatch = append(r.faultEventBatch, converted)

	case tableTypeLocation:
		if e, ok := entry.(locationEntry); ok {
			r.locationBatch = append(r.locationBatch, e)
		} else {
			r.locationBatch = append(r.locationBatch,
				extractLocationEntry(entry))
		}

	default:
		r.mu.Unlock()
		panic(fmt.Sprintf("unknown table type: %d", tType))
	}

	r.entryCount++

	if r.entryCount >= r.batchSize {
		r.mu.Unlock()
		r.Flush()
		return
	}

	r.mu.Unlock()
}

// Type conversion helpers. The direct assertion covers the in-package row
// types; the extract functions cover same-shape types from other packages.
func (r *FastClickHouseRecorder) convertToTaskEntry(entry any) taskTableEntryDB {
	if t, ok := entry.(taskTableEntryDB); ok {
		return t
	}
	return extractTaskTableEntry(entry)
}

func (r *FastClickHouseRecorder) convertToTraceIndexEntry(
	entry any,
) traceIndexEntryDB {
	if t, ok := entry.(traceIndexEntryDB); ok {
		return t
	}
	return extractTraceIndexEntry(entry)
}

func (r *FastClickHouseRecorder) convertToMilestoneEntry(
	entry any,
) milestoneTableEntryDB {
	if m, ok := entry.(milestoneTableEntryDB); ok {
		return m
	}
	return extractMilestoneTableEntry(entry)
}

func (r *FastClickHouseRecorder) convertToFrameOpEntry(
	entry any,
) frameOpEntryDB {
	if f, ok := entry.(frameOpEntryDB); ok {
		return f
	}
	return extractFrameOpEntry(entry)
}

func (r *FastClickHouseRecorder) convertToSpaceOpEntry(
	entry any,
) spaceOpEntryDB {
	if s, ok := entry.(spaceOpEntryDB); ok {
		return s
	}
	return extractSpaceOpEntry(entry)
}

func (r *FastClickHouseRecorder) convertToFaultEventEntry(
	entry any,
) faultEventEntryDB {
	if f, ok := entry.(faultEventEntryDB); ok {
		return f
	}
	return extractFaultEventEntry(entry)
}

// ListTables returns all table names.
func (r *FastClickHouseRecorder) ListTables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tables := make([]string, 0, len(r.tables))
	for name := range r.tables {
		tables = append(tables, name)
	}
	return tables
}

// Flush writes all batched data to ClickHouse using bulk inserts.
func (r *FastClickHouseRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entryCount == 0 {
		return
	}

	ctx := context.Background()

	// Flush each table batch
	for tableName, tType := range r.tables {
		switch tType {
		case tableTypeExecInfo:
			if len(r.execInfoBatch) > 0 {
				r.flushExecInfo(ctx, tableName)
			}
		case tableTypeTask:
			if len(r.taskTableBatch) > 0 {
				r.flushTaskTable(ctx, tableName)
			}
		case tableTypeTraceIndex:
			if len(r.traceIndexBatch) > 0 {
				r.flushTraceIndex(ctx, tableName)
			}
		case tableTypeMilestone:
			if len(r.milestoneBatch) > 0 {
				r.flushMilestoneTable(ctx, tableName)
			}
		case tableTypeFrameOp:
			if len(r.frameOpBatch) > 0 {
				r.flushFrameOps(ctx, tableName)
			}
		case tableTypeSpaceOp:
			if len(r.spaceOpBatch) > 0 {
				r.flushSpaceOps(ctx, tableName)
			}
		case tableTypeFaultEvent:
			if len(r.faultEventBatch) > 0 {
				r.flushFaultEvents(ctx, tableName)
			}
		case tableTypeLocation:
			if len(r.locationBatch) > 0 {
				r.flushLocation(ctx, tableName)
			}
		}
	}

	r.entryCount = 0
}

func (r *FastClickHouseRecorder) flushExecInfo(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.execInfoBatch {
		err = batch.Append(entry.Property, entry.Value)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.execInfoBatch = r.execInfoBatch[:0] // Reset slice, keep capacity
}

func (r *FastClickHouseRecorder) flushTaskTable(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.taskTableBatch {
		err = batch.Append(
			entry.ID,
			entry.ParentID,
			entry.Kind,
			entry.What,
			entry.Location,
			entry.StartTime,
			entry.EndTime,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.taskTableBatch = r.taskTableBatch[:0]
}

func (r *FastClickHouseRecorder) flushTraceIndex(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.traceIndexBatch {
		err = batch.Append(
			entry.TableName,
			entry.SessionStart,
			entry.SessionEnd,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.traceIndexBatch = r.traceIndexBatch[:0]
}

func (r *FastClickHouseRecorder) flushMilestoneTable(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.milestoneBatch {
		err = batch.Append(
			entry.ID,
			entry.TaskID,
			entry.BlockingCategory,
			entry.BlockingReason,
			entry.BlockingLocation,
			entry.Time,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.milestoneBatch = r.milestoneBatch[:0]
}

func (r *FastClickHouseRecorder) flushFrameOps(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.frameOpBatch {
		err = batch.Append(
			entry.Op,
			entry.Addr,
			entry.PageCount,
			entry.BlockOrder,
			entry.RegionStart,
			entry.Time,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.frameOpBatch = r.frameOpBatch[:0]
}

func (r *FastClickHouseRecorder) flushSpaceOps(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.spaceOpBatch {
		err = batch.Append(
			entry.Op,
			entry.Space,
			entry.Virt,
			entry.PageCount,
			entry.Time,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.spaceOpBatch = r.spaceOpBatch[:0]
}

func (r *FastClickHouseRecorder) flushFaultEvents(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.faultEventBatch {
		err = batch.Append(
			entry.Space,
			entry.Addr,
			entry.Outcome,
			entry.Time,
		)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.faultEventBatch = r.faultEventBatch[:0]
}

func (r *FastClickHouseRecorder) flushLocation(
	ctx context.Context,
	tableName string,
) {
	batch, err := r.conn.PrepareBatch(ctx,
		fmt.Sprintf("INSERT INTO %s", tableName))
	if err != nil {
		panic(fmt.Errorf("failed to prepare batch for %s: %w", tableName, err))
	}

	for _, entry := range r.locationBatch {
		err = batch.Append(entry.ID, entry.Locale)
		if err != nil {
			panic(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	err = batch.Send()
	if err != nil {
		panic(fmt.Errorf("failed to send batch: %w", err))
	}

	r.locationBatch = r.locationBatch[:0]
}

// Close flushes remaining data and closes the connection.
func (r *FastClickHouseRecorder) Close() error {
	if r.execRecorder != nil {
		r.execRecorder.End()
		r.execRecorder = nil
	}

	r.Flush()

	err := r.conn.Close()
	if err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}

	return nil
}
