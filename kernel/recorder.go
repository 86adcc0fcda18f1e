package kernel

import (
	"github.com/sarchlab/shiba/datarecording"
	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/pmm"
	"github.com/sarchlab/shiba/tracing"
	"github.com/sarchlab/shiba/vm/fault"
	"github.com/sarchlab/shiba/vm/space"
)

const (
	frameOpsTable    = "frame_ops"
	spaceOpsTable    = "space_ops"
	faultEventsTable = "fault_events"
	swapsTable       = "swaps"
)

// A frameOpEntry is one recorded frame-allocator operation. Addresses
// are stored in their signed two's-complement form since SQLite
// integers are signed.
type frameOpEntry struct {
	Time        float64
	Op          string
	Addr        int64
	PageCount   uint64
	BlockOrder  int64
	RegionStart int64
}

// A spaceOpEntry is one recorded space operation.
type spaceOpEntry struct {
	Time      float64
	Op        string
	Space     string `shiba_data:"location"`
	Virt      int64
	PageCount uint64
}

// A faultEventEntry is one recorded fault resolution.
type faultEventEntry struct {
	Time    float64
	Space   string `shiba_data:"location"`
	Addr    int64
	Outcome string
}

// A swapEntry is one recorded space swap.
type swapEntry struct {
	Time float64
	From string `shiba_data:"location"`
	To   string `shiba_data:"location"`
}

// attachRecorder creates the event tables and hooks the collectors onto
// the frame allocator, the kernel space, the resolver, and the kernel
// itself. Spaces created later are hooked by NewSpace.
func (k *Kernel) attachRecorder() {
	k.recorder.CreateTable(frameOpsTable, frameOpEntry{})
	k.recorder.CreateTable(spaceOpsTable, spaceOpEntry{})
	k.recorder.CreateTable(faultEventsTable, faultEventEntry{})
	k.recorder.CreateTable(swapsTable, swapEntry{})

	k.frames.AcceptHook(&frameOpCollector{
		recorder:   k.recorder,
		timeTeller: k.timeTeller,
	})
	k.kernelSpace.AcceptHook(&spaceOpCollector{
		recorder:   k.recorder,
		timeTeller: k.timeTeller,
	})
	k.resolver.AcceptHook(&faultEventCollector{
		recorder:   k.recorder,
		timeTeller: k.timeTeller,
	})
	k.AcceptHook(&swapCollector{
		recorder:   k.recorder,
		timeTeller: k.timeTeller,
	})
}

type frameOpCollector struct {
	recorder   datarecording.DataRecorder
	timeTeller tracing.TimeTeller
}

func (c *frameOpCollector) Func(ctx hooking.HookCtx) {
	op, ok := ctx.Item.(pmm.FrameOp)
	if !ok {
		return
	}

	c.recorder.InsertData(frameOpsTable, frameOpEntry{
		Time:        c.timeTeller.CurrentTime(),
		Op:          op.Op,
		Addr:        int64(op.Addr),
		PageCount:   op.PageCount,
		BlockOrder:  int64(op.Order),
		RegionStart: int64(op.RegionStart),
	})
}

type spaceOpCollector struct {
	recorder   datarecording.DataRecorder
	timeTeller tracing.TimeTeller
}

func (c *spaceOpCollector) Func(ctx hooking.HookCtx) {
	op, ok := ctx.Item.(space.Op)
	if !ok {
		return
	}

	c.recorder.InsertData(spaceOpsTable, spaceOpEntry{
		Time:      c.timeTeller.CurrentTime(),
		Op:        op.Op,
		Space:     op.Space,
		Virt:      int64(op.Virt),
		PageCount: op.PageCount,
	})
}

type faultEventCollector struct {
	recorder   datarecording.DataRecorder
	timeTeller tracing.TimeTeller
}

func (c *faultEventCollector) Func(ctx hooking.HookCtx) {
	event, ok := ctx.Item.(fault.Event)
	if !ok {
		return
	}

	c.recorder.InsertData(faultEventsTable, faultEventEntry{
		Time:    c.timeTeller.CurrentTime(),
		Space:   event.Space,
		Addr:    int64(event.Addr),
		Outcome: event.Outcome,
	})
}

type swapCollector struct {
	recorder   datarecording.DataRecorder
	timeTeller tracing.TimeTeller
}

func (c *swapCollector) Func(ctx hooking.HookCtx) {
	op, ok := ctx.Item.(SwapOp)
	if !ok {
		return
	}

	c.recorder.InsertData(swapsTable, swapEntry{
		Time: c.timeTeller.CurrentTime(),
		From: op.From,
		To:   op.To,
	})
}
