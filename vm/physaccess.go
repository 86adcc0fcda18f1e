package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/shiba/mem"
)

// PhysAccess is the paging code's only doorway to the modeled physical
// memory. An access outside the modeled range is a paging bug, not a
// recoverable condition, and panics.
type PhysAccess struct {
	storage *mem.Storage
}

// NewPhysAccess returns an accessor bounded to the given storage.
func NewPhysAccess(storage *mem.Storage) *PhysAccess {
	return &PhysAccess{storage: storage}
}

// Capacity returns the number of physical bytes the accessor can reach.
func (a *PhysAccess) Capacity() uint64 {
	return a.storage.Capacity()
}

// ReadBytes returns byteCount bytes of physical memory starting at addr.
func (a *PhysAccess) ReadBytes(addr, byteCount uint64) []byte {
	data, err := a.storage.Read(addr, byteCount)
	if err != nil {
		panic(fmt.Sprintf("physical read at 0x%x: %s", addr, err))
	}
	return data
}

// WriteBytes stores data into physical memory starting at addr.
func (a *PhysAccess) WriteBytes(addr uint64, data []byte) {
	if err := a.storage.Write(addr, data); err != nil {
		panic(fmt.Sprintf("physical write at 0x%x: %s", addr, err))
	}
}

// Zero clears byteCount bytes of physical memory starting at addr.
func (a *PhysAccess) Zero(addr, byteCount uint64) {
	if err := a.storage.Zero(addr, byteCount); err != nil {
		panic(fmt.Sprintf("physical zero at 0x%x: %s", addr, err))
	}
}

// ReadU64 returns the little-endian 64-bit word at addr.
func (a *PhysAccess) ReadU64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(a.ReadBytes(addr, 8))
}

// WriteU64 stores v as a little-endian 64-bit word at addr.
func (a *PhysAccess) WriteU64(addr, v uint64) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, v)
	a.WriteBytes(addr, data)
}

// With passes a byteCount-long copy of physical memory at addr to fn
// and writes it back when fn returns.
func (a *PhysAccess) With(addr, byteCount uint64, fn func(data []byte)) {
	data := a.ReadBytes(addr, byteCount)
	fn(data)
	a.WriteBytes(addr, data)
}
