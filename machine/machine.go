// Package machine assembles a modeled kernel with the services around
// it: data recording, tracing, and the monitoring server.
package machine

import (
	"github.com/sarchlab/shiba/datarecording"
	"github.com/sarchlab/shiba/kernel"
	"github.com/sarchlab/shiba/monitoring"
	"github.com/sarchlab/shiba/tracing"
)

// A Component is a named part of the machine.
type Component interface {
	Name() string
}

// A Machine provides the services required to run a modeled kernel.
type Machine struct {
	id string

	kernel       *kernel.Kernel
	dataRecorder datarecording.DataRecorder
	timeTeller   tracing.TimeTeller
	monitor      *monitoring.Monitor
	visTracer    *tracing.DBTracer

	components         []Component
	componentNameIndex map[string]int
}

// ID returns the unique ID of the machine.
func (m *Machine) ID() string {
	return m.id
}

// Kernel returns the kernel that the machine runs.
func (m *Machine) Kernel() *kernel.Kernel {
	return m.kernel
}

// DataRecorder returns the data recorder used in the machine.
func (m *Machine) DataRecorder() datarecording.DataRecorder {
	return m.dataRecorder
}

// TimeTeller returns the clock that stamps recorded events.
func (m *Machine) TimeTeller() tracing.TimeTeller {
	return m.timeTeller
}

// Monitor returns the monitor used in the machine. It is nil when
// monitoring is disabled.
func (m *Machine) Monitor() *monitoring.Monitor {
	return m.monitor
}

// VisTracer returns the tracer that records tasks for visualization.
func (m *Machine) VisTracer() *tracing.DBTracer {
	return m.visTracer
}

// RegisterComponent registers a component with the machine. Registered
// components become inspectable through the monitor.
func (m *Machine) RegisterComponent(c Component) {
	name := c.Name()
	if _, ok := m.componentNameIndex[name]; ok {
		panic("component " + name + " already registered")
	}

	m.components = append(m.components, c)
	m.componentNameIndex[name] = len(m.components) - 1

	if m.monitor != nil {
		m.monitor.RegisterComponent(c)
	}
}

// GetComponentByName returns the component with the given name.
func (m *Machine) GetComponentByName(name string) Component {
	return m.components[m.componentNameIndex[name]]
}

// Components returns all registered components.
func (m *Machine) Components() []Component {
	return m.components
}

// Terminate terminates the machine.
func (m *Machine) Terminate() {
	m.dataRecorder.Close()
}
