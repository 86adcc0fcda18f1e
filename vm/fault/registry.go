package fault

import (
	"fmt"

	"github.com/sarchlab/shiba/mem"
	"github.com/sarchlab/shiba/vm/space"
)

// A Disposition is a fault hook's verdict on a fault.
type Disposition int

const (
	// NotHandled passes the fault on to the next hook.
	NotHandled Disposition = iota

	// Handled means the hook resolved the fault and the access can be
	// retried.
	Handled

	// HandledFinal means the hook owns the fault and it will never be
	// resolved. No further hooks are consulted.
	HandledFinal
)

func (d Disposition) String() string {
	switch d {
	case NotHandled:
		return "not handled"
	case Handled:
		return "handled"
	case HandledFinal:
		return "handled final"
	}

	return fmt.Sprintf("disposition(%d)", int(d))
}

// A Hook is consulted when a fault cannot be resolved by the faulting space
// or the kernel space, in the order hooks were registered.
type Hook interface {
	Name() string
	HandleFault(s *space.Space, addr uint64) Disposition
}

// A Registry keeps fault hooks in registration order. The first hook that
// claims a fault wins.
type Registry struct {
	lock  mem.SpinLock
	hooks []Hook
}

// NewRegistry creates an empty fault hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a hook. Hook names must be unique.
func (r *Registry) Register(h Hook) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, registered := range r.hooks {
		if registered.Name() == h.Name() {
			panic(fmt.Sprintf(
				"fault hook %s is already registered", h.Name()))
		}
	}

	r.hooks = append(r.hooks, h)
}

// Unregister removes the hook with the given name. It reports whether the
// hook was registered.
func (r *Registry) Unregister(name string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	for i, registered := range r.hooks {
		if registered.Name() == name {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return true
		}
	}

	return false
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.hooks)
}

// Dispatch consults the hooks in order until one claims the fault. Hooks run
// without the registry lock held, so a hook may register or unregister hooks.
func (r *Registry) Dispatch(s *space.Space, addr uint64) Disposition {
	r.lock.Lock()
	hooks := make([]Hook, len(r.hooks))
	copy(hooks, r.hooks)
	r.lock.Unlock()

	for _, h := range hooks {
		d := h.HandleFault(s, addr)
		if d != NotHandled {
			return d
		}
	}

	return NotHandled
}
