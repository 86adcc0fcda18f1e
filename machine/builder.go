package machine

import (
	"github.com/rs/xid"
	"github.com/sarchlab/shiba/datarecording"
	"github.com/sarchlab/shiba/kernel"
	"github.com/sarchlab/shiba/monitoring"
	"github.com/sarchlab/shiba/tracing"
)

// Builder can be used to build a machine.
type Builder struct {
	kernelBuilder  kernel.Builder
	monitorOn      bool
	monitorPort    int
	outputFileName string
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		kernelBuilder: kernel.MakeBuilder(),
		monitorOn:     true,
	}
}

// WithKernelBuilder sets the builder of the kernel to run. The machine
// attaches its own data recorder and clock before building.
func (b Builder) WithKernelBuilder(kb kernel.Builder) Builder {
	b.kernelBuilder = kb
	return b
}

// WithoutMonitoring sets the machine to not use monitoring.
func (b Builder) WithoutMonitoring() Builder {
	b.monitorOn = false
	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.outputFileName = filename
	return b
}

// WithMonitorPort sets the port number for the monitoring server.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorPort = port
	return b
}

func (b Builder) parametersMustBeValid() {
	if !b.monitorOn && b.monitorPort != 0 {
		panic("monitor port cannot be set when monitoring is disabled")
	}
}

// Build builds the machine: the recorder, the clock, the tracer, the
// kernel, and, unless disabled, the monitoring server.
func (b Builder) Build() *Machine {
	b.parametersMustBeValid()

	m := &Machine{
		componentNameIndex: make(map[string]int),
	}

	m.id = xid.New().String()

	outputPath := b.outputFileName
	if outputPath == "" {
		outputPath = "shiba_run_" + m.id
	}
	m.dataRecorder = datarecording.New(outputPath)

	m.timeTeller = tracing.NewWallClockTimeTeller()
	m.visTracer = tracing.NewDBTracer(m.timeTeller, m.dataRecorder)

	m.kernel = b.kernelBuilder.
		WithDataRecorder(m.dataRecorder).
		WithTimeTeller(m.timeTeller).
		Build()

	if b.monitorOn {
		m.monitor = monitoring.NewMonitor()
		if b.monitorPort > 0 {
			m.monitor.WithPortNumber(b.monitorPort)
		}
		m.monitor.RegisterKernel(m.kernel)
		m.monitor.RegisterVisTracer(m.visTracer)
		m.monitor.StartServer()
	}

	return m
}
