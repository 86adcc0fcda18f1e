// Package fault resolves modeled page faults with escalating scope: the
// faulting space first, then the kernel space, then the registered fault
// hooks. Anything that survives all three is left for the caller to treat as
// fatal.
package fault

import (
	"github.com/rs/xid"

	"github.com/sarchlab/shiba/hooking"
	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/tracing"
	"github.com/sarchlab/shiba/vm/space"
)

// HookPosEvent is triggered once per fault with an Event describing the
// resolution outcome.
var HookPosEvent = &hooking.HookPos{Name: "FaultEvent"}

// The outcomes a fault resolution can end with.
const (
	OutcomeSpace     = "space"
	OutcomeKernel    = "kernel"
	OutcomeHook      = "hook"
	OutcomeFinal     = "final"
	OutcomeUnhandled = "unhandled"
)

// An Event describes the resolution of one fault. It is the hook item at
// HookPosEvent.
type Event struct {
	Space   string
	Addr    uint64
	Outcome string
}

// A Resolver drives fault resolution across the escalation ladder. It is
// hookable so that tracers and recorders can observe every fault.
type Resolver struct {
	*hooking.HookableBase
	name     string
	kernel   *space.Space
	registry *Registry

	lock   mem.SpinLock
	counts map[string]uint64
}

// NewResolver creates a resolver that escalates to the given kernel space
// and registry. A nil registry gets a fresh empty one.
func NewResolver(
	name string,
	kernel *space.Space,
	registry *Registry,
) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}

	return &Resolver{
		HookableBase: hooking.NewHookableBase(),
		name:         name,
		kernel:       kernel,
		registry:     registry,
		counts:       make(map[string]uint64),
	}
}

// Name returns the name of the resolver.
func (r *Resolver) Name() string {
	return r.name
}

// Registry returns the hook registry consulted after both spaces fail.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Counts returns the number of resolved faults per outcome.
func (r *Resolver) Counts() map[string]uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()

	counts := make(map[string]uint64, len(r.counts))
	for outcome, count := range r.counts {
		counts[outcome] = count
	}

	return counts
}

// Resolve handles a fault at addr taken while s was active. It reports
// whether the faulting access can be retried. A false return means the fault
// is permanently unresolved and the caller decides whether that is fatal.
func (r *Resolver) Resolve(s *space.Space, addr uint64) bool {
	taskID := xid.New().String()
	tracing.StartTask(taskID, "", r, "fault", "resolve", nil)

	if s.ResolveFault(addr) {
		return r.finish(taskID, s, addr, OutcomeSpace, true)
	}

	if s != r.kernel {
		tracing.AddTaskStep(taskID, r, "kernel escalation")
		if r.kernel.ResolveFault(addr) {
			return r.finish(taskID, s, addr, OutcomeKernel, true)
		}
	}

	tracing.AddTaskStep(taskID, r, "registry")
	switch r.registry.Dispatch(s, addr) {
	case Handled:
		return r.finish(taskID, s, addr, OutcomeHook, true)
	case HandledFinal:
		return r.finish(taskID, s, addr, OutcomeFinal, false)
	}

	return r.finish(taskID, s, addr, OutcomeUnhandled, false)
}

func (r *Resolver) finish(
	taskID string,
	s *space.Space,
	addr uint64,
	outcome string,
	resolved bool,
) bool {
	r.lock.Lock()
	r.counts[outcome]++
	r.lock.Unlock()

	if r.NumHooks() > 0 {
		r.InvokeHook(hooking.HookCtx{
			Domain: r,
			Pos:    HookPosEvent,
			Item: Event{
				Space:   s.Name(),
				Addr:    addr,
				Outcome: outcome,
			},
		})
	}

	tracing.EndTask(taskID, r)

	return resolved
}
