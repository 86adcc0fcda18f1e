package mem

import (
	"runtime"
	"sync/atomic"
)

// A SpinLock is a test-and-set lock of the kind a kernel would use around
// short critical sections. The zero value is an unlocked lock.
//
// Goroutines stand in for CPUs here, so a waiter yields the processor instead
// of burning cycles, but the locking discipline callers must follow is the
// same as on real hardware.
type SpinLock struct {
	state uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	for !l.TryLock() {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without spinning. It returns true if
// the lock was acquired.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock releases the lock. Unlocking a lock that is not held is a bug and
// panics.
func (l *SpinLock) Unlock() {
	if atomic.SwapUint32(&l.state, 0) == 0 {
		panic("unlock of an unlocked SpinLock")
	}
}
