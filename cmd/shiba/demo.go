package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/sarchlab/shiba/kernel"
	"github.com/sarchlab/shiba/machine"
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/monitoring"
	"github.com/sarchlab/shiba/vm/space"
)

var (
	demoMemoryMB   uint64
	demoSpaceCount int
	demoNoMonitor  bool
	demoPort       int
	demoOpen       bool
	demoWait       bool
	demoOutput     string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a canned workload on a modeled kernel and record the events",
	Long: `Run a canned workload on a modeled kernel and record the events. ` +
		`The workload creates user spaces, touches on-demand memory, fans a ` +
		`shared mapping out into every space, swaps spaces in and out, and ` +
		`tears everything down again. Every operation is recorded in a ` +
		`SQLite database that "shiba inspect" can dump.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.SilenceUsage = true
		runDemo()
	},
}

func init() {
	demoCmd.Flags().Uint64Var(&demoMemoryMB, "memory-mb", 64,
		"modeled physical memory size in MiB")
	demoCmd.Flags().IntVar(&demoSpaceCount, "spaces", 3,
		"number of user spaces the workload creates")
	demoCmd.Flags().BoolVar(&demoNoMonitor, "no-monitor", false,
		"run without the monitoring server")
	demoCmd.Flags().IntVar(&demoPort, "port", 0,
		"monitoring server port, 0 picks a free one")
	demoCmd.Flags().BoolVar(&demoOpen, "open", false,
		"open the monitoring dashboard in a browser, implies --wait")
	demoCmd.Flags().BoolVar(&demoWait, "wait", false,
		"keep the dashboard reachable after the workload until interrupted")
	demoCmd.Flags().StringVar(&demoOutput, "output", "",
		"database file name, the .sqlite3 suffix is appended")
	rootCmd.AddCommand(demoCmd)
}

func runDemo() {
	if demoNoMonitor && (demoPort != 0 || demoOpen || demoWait) {
		log.Fatalf("Error: --port, --open, and --wait need the monitoring " +
			"server, which --no-monitor disables.")
	}
	if demoMemoryMB == 0 {
		log.Fatalf("Error: --memory-mb must be at least 1.")
	}
	if demoSpaceCount < 1 {
		log.Fatalf("Error: --spaces must be at least 1.")
	}

	builder := machine.MakeBuilder().
		WithKernelBuilder(kernel.MakeBuilder().
			WithMemorySize(demoMemoryMB * mem.MB))
	if demoNoMonitor {
		builder = builder.WithoutMonitoring()
	}
	if demoPort != 0 {
		builder = builder.WithMonitorPort(demoPort)
	}
	if demoOutput != "" {
		builder = builder.WithOutputFileName(demoOutput)
	}

	m := builder.Build()
	defer m.Terminate()

	if demoOpen {
		url := fmt.Sprintf("http://localhost:%d", m.Monitor().ActualPort())
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open %s: %v\n", url, err)
		}
	}

	runWorkload(m)
	printSummary(m.Kernel())
	fmt.Printf("Events recorded to %s.sqlite3\n", outputName(m))

	if demoOpen || demoWait {
		waitForInterrupt()
	}
}

func runWorkload(m *machine.Machine) {
	k := m.Kernel()

	const (
		anonPages     = 64
		preboundPages = 32
		sharedPages   = 16
		touchStride   = 8
	)

	spaceCount := uint64(demoSpaceCount)

	var bar *monitoring.ProgressBar
	if m.Monitor() != nil {
		bar = m.Monitor().CreateProgressBar("Demo workload", 4*spaceCount+4)
	}
	step := func() {
		if bar != nil {
			bar.IncrementFinished(1)
		}
	}

	spaces := make([]*space.Space, 0, demoSpaceCount)
	for i := 0; i < demoSpaceCount; i++ {
		s, err := k.NewSpace()
		dieOnErr(err)

		spaces = append(spaces, s)
		step()
	}

	// Anonymous memory binds frame by frame as the touches fault the
	// pages in.
	anon := make([]uint64, len(spaces))
	for i, s := range spaces {
		virt, err := s.Allocate(anonPages, 0)
		dieOnErr(err)
		anon[i] = virt

		for page := uint64(0); page < anonPages; page += touchStride {
			addr := virt + page*mem.PageSize
			dieOnErr(k.WriteVirtual(s, addr, []byte{byte(i), byte(page)}))
		}
		step()
	}

	// Prebound memory pays for every frame up front.
	prebound, err := spaces[0].Allocate(preboundPages,
		space.FlagPrebound|space.FlagZero)
	dieOnErr(err)
	step()

	// One shared mapping fanned out into every space. Each space sees
	// the window at its own virtual address.
	shared, err := space.NewMapping(k.Frames(), k.Phys(), sharedPages, 0)
	dieOnErr(err)

	sharedVirt := make([]uint64, len(spaces))
	for i, s := range spaces {
		virt, err := s.InsertMapping(shared, 0, sharedPages, 0, 0, 0)
		dieOnErr(err)
		sharedVirt[i] = virt
	}

	message := []byte("written once, visible in every space")
	dieOnErr(k.WriteVirtual(spaces[0], sharedVirt[0], message))
	step()

	for i, s := range spaces {
		got, err := k.ReadVirtual(s, sharedVirt[i], uint64(len(message)))
		dieOnErr(err)

		if string(got) != string(message) {
			log.Fatalf("Error: space %s read %q through the shared mapping.",
				s.Name(), got)
		}
		step()
	}

	// Swap each space in, touch its memory as the loaded space, and
	// load the kernel space back.
	for i, s := range spaces {
		prev := k.Swap(s)
		_, err := k.ReadVirtual(nil, anon[i], 8)
		dieOnErr(err)
		k.Swap(prev)
	}
	step()

	// A kernel heap round trip.
	heapVirt, err := k.AllocateKernel(4, space.FlagPrebound|space.FlagZero)
	dieOnErr(err)
	dieOnErr(k.FreeKernel(heapVirt, 4))
	step()

	// Tear down. Destroying a space releases the shared windows it
	// still holds; the final release returns the shared frames.
	dieOnErr(spaces[0].Free(prebound, preboundPages))
	for i, s := range spaces {
		dieOnErr(s.Free(anon[i], anonPages))
		dieOnErr(k.DestroySpace(s))
		step()
	}
	shared.Release()

	if bar != nil {
		m.Monitor().CompleteProgressBar(bar)
	}
}

func printSummary(k *kernel.Kernel) {
	stats := k.Stats()

	fmt.Printf("\nFrames in use:   %d of %d\n",
		stats.FramesInUse, stats.TotalPageCount)
	fmt.Printf("Resolved faults: %s\n", formatCounts(stats.FaultCounts))
	fmt.Printf("Table syncs:     %d\n", stats.TableSyncs)
	fmt.Printf("TLB:             %d hits, %d misses, "+
		"%d page invalidations, %d full flushes\n",
		stats.TLB.Hits, stats.TLB.Misses,
		stats.TLB.PageInvalidations, stats.TLB.FullFlushes)

	for _, s := range stats.Spaces {
		state := "inactive"
		if s.Active {
			state = "active"
		}
		fmt.Printf("Space %-24s %s, %d mappings\n", s.Name, state,
			s.MappingCount)
	}
	fmt.Println()
}

func formatCounts(counts map[string]uint64) string {
	if len(counts) == 0 {
		return "none"
	}

	outcomes := make([]string, 0, len(counts))
	for outcome := range counts {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)

	line := ""
	for i, outcome := range outcomes {
		if i > 0 {
			line += ", "
		}
		line += fmt.Sprintf("%s=%d", outcome, counts[outcome])
	}

	return line
}

func outputName(m *machine.Machine) string {
	if demoOutput != "" {
		return demoOutput
	}
	return "shiba_run_" + m.ID()
}

func waitForInterrupt() {
	fmt.Fprintln(os.Stderr, "Serving the dashboard. Press Ctrl-C to exit.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
}

func dieOnErr(err error) {
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}
