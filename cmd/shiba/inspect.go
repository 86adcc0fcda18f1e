package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/sarchlab/shiba/datarecording"
)

var (
	inspectTable string
	inspectLimit int
	inspectWhere string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [database]",
	Short: "List and dump the tables of a recorded run",
	Long: `List and dump the tables of a recorded run. Without --table the ` +
		`tables and their row counts are listed. With --table the rows of ` +
		`that table are dumped, newest first by record order.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cmd.SilenceUsage = true
		runInspect(args[0])
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectTable, "table", "",
		"dump this table instead of listing all tables")
	inspectCmd.Flags().IntVar(&inspectLimit, "limit", 20,
		"maximum number of rows to dump, 0 dumps all of them")
	inspectCmd.Flags().StringVar(&inspectWhere, "where", "",
		"SQL filter for the dumped rows, without the WHERE keyword")
	rootCmd.AddCommand(inspectCmd)
}

// The row types mirror the schemas the recorder and the tracer write.
// Address columns hold the signed two's-complement form of the address.

type frameOpRow struct {
	Time        float64
	Op          string
	Addr        int64
	PageCount   uint64
	BlockOrder  int64
	RegionStart int64
}

type spaceOpRow struct {
	Time      float64
	Op        string
	Space     string `shiba_data:"location"`
	Virt      int64
	PageCount uint64
}

type faultEventRow struct {
	Time    float64
	Space   string `shiba_data:"location"`
	Addr    int64
	Outcome string
}

type swapRow struct {
	Time float64
	From string `shiba_data:"location"`
	To   string `shiba_data:"location"`
}

type locationRow struct {
	ID     int
	Locale string
}

type execInfoRow struct {
	Property string
	Value    string
}

type traceSessionRow struct {
	TableName    string
	SessionStart float64
	SessionEnd   float64
}

type milestoneRow struct {
	ID               string
	TaskID           string
	BlockingCategory string
	BlockingReason   string
	BlockingLocation string
	Time             float64
}

type taskRow struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

// Tracing sessions write their tasks into numbered tables.
var taskTablePattern = regexp.MustCompile(`^trace[0-9]+$`)

func runInspect(dbFilename string) {
	if _, err := os.Stat(dbFilename); err != nil {
		log.Fatalf("Error: cannot open %s: %v", dbFilename, err)
	}

	reader := datarecording.NewReader(dbFilename)
	defer reader.Close()

	if inspectTable == "" {
		listTables(reader)
		return
	}

	dumpTable(reader, inspectTable)
}

func listTables(reader datarecording.DataReader) {
	for _, name := range reader.ListTables() {
		sample, known := rowSample(name)
		if !known {
			fmt.Println(name)
			continue
		}

		reader.MapTable(name, sample)
		_, total, err := reader.Query(context.Background(), name,
			datarecording.QueryParams{Limit: 1})
		if err != nil {
			fmt.Println(name)
			continue
		}

		fmt.Printf("%-20s %d rows\n", name, total)
	}
}

func dumpTable(reader datarecording.DataReader, tableName string) {
	sample, known := rowSample(tableName)
	if !known {
		log.Fatalf("Error: no known schema for table %s.", tableName)
	}
	reader.MapTable(tableName, sample)

	rows, total, err := reader.Query(context.Background(), tableName,
		datarecording.QueryParams{
			Where: inspectWhere,
			Limit: inspectLimit,
		})
	if err != nil {
		log.Fatalf("Error querying %s: %v", tableName, err)
	}

	for _, row := range rows {
		fmt.Println(formatRow(row))
	}
	fmt.Printf("%d of %d rows\n", len(rows), total)
}

func rowSample(tableName string) (any, bool) {
	switch tableName {
	case "frame_ops":
		return frameOpRow{}, true
	case "space_ops":
		return spaceOpRow{}, true
	case "fault_events":
		return faultEventRow{}, true
	case "swaps":
		return swapRow{}, true
	case "location":
		return locationRow{}, true
	case "exec_info":
		return execInfoRow{}, true
	case "trace":
		return traceSessionRow{}, true
	case "trace_milestones":
		return milestoneRow{}, true
	}

	if taskTablePattern.MatchString(tableName) {
		return taskRow{}, true
	}

	return nil, false
}

func formatRow(row any) string {
	switch r := row.(type) {
	case *frameOpRow:
		return fmt.Sprintf(
			"%.6f %-8s addr=0x%08x pages=%d order=%d region=0x%x",
			r.Time, r.Op, uint64(r.Addr), r.PageCount, r.BlockOrder,
			uint64(r.RegionStart))
	case *spaceOpRow:
		return fmt.Sprintf("%.6f %-8s %s virt=0x%x pages=%d",
			r.Time, r.Op, r.Space, uint64(r.Virt), r.PageCount)
	case *faultEventRow:
		return fmt.Sprintf("%.6f fault %s addr=0x%x outcome=%s",
			r.Time, r.Space, uint64(r.Addr), r.Outcome)
	case *swapRow:
		return fmt.Sprintf("%.6f swap %s -> %s", r.Time, r.From, r.To)
	case *locationRow:
		return fmt.Sprintf("%4d %s", r.ID, r.Locale)
	case *execInfoRow:
		return fmt.Sprintf("%-20s %s", r.Property, r.Value)
	case *traceSessionRow:
		return fmt.Sprintf("%s %.6f..%.6f",
			r.TableName, r.SessionStart, r.SessionEnd)
	case *milestoneRow:
		return fmt.Sprintf("%.6f task=%s %s/%s at %s", r.Time, r.TaskID,
			r.BlockingCategory, r.BlockingReason, r.BlockingLocation)
	case *taskRow:
		return fmt.Sprintf("%.6f..%.6f %s %s %s", r.StartTime, r.EndTime,
			r.Kind, r.What, r.Location)
	}

	return fmt.Sprintf("%+v", row)
}
