package mem

import (
	"fmt"
	"sync"
)

// A Storage keeps the data of the modeled physical memory.
//
// The storage manages its bytes in page-sized units and only materializes a
// unit the first time it is written, so a large modeled memory costs nothing
// until it is used. Reads from untouched memory observe zeros.
//
// Storage is safe for concurrent use.
type Storage struct {
	mu       sync.RWMutex
	unitSize uint64
	capacity uint64
	units    map[uint64][]byte
}

// NewStorage creates a storage object with the given capacity in bytes.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		unitSize: PageSize,
		capacity: capacity,
		units:    make(map[uint64][]byte),
	}
}

// Capacity returns the number of bytes the storage models.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) checkRange(addr, n uint64) error {
	if addr > s.capacity || n > s.capacity-addr {
		return fmt.Errorf(
			"access of %d bytes at 0x%x is beyond the storage capacity 0x%x",
			n, addr, s.capacity)
	}
	return nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr
	return
}

// Read returns n bytes starting at addr.
func (s *Storage) Read(addr, n uint64) ([]byte, error) {
	if err := s.checkRange(addr, n); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]byte, n)
	done := uint64(0)
	for done < n {
		baseAddr, inUnitAddr := s.parseAddress(addr + done)
		chunk := s.unitSize - inUnitAddr
		if left := n - done; left < chunk {
			chunk = left
		}

		if unit, ok := s.units[baseAddr]; ok {
			copy(res[done:done+chunk], unit[inUnitAddr:inUnitAddr+chunk])
		}
		done += chunk
	}

	return res, nil
}

// Write stores data starting at addr.
func (s *Storage) Write(addr uint64, data []byte) error {
	n := uint64(len(data))
	if err := s.checkRange(addr, n); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	done := uint64(0)
	for done < n {
		baseAddr, inUnitAddr := s.parseAddress(addr + done)
		chunk := s.unitSize - inUnitAddr
		if left := n - done; left < chunk {
			chunk = left
		}

		unit, ok := s.units[baseAddr]
		if !ok {
			unit = make([]byte, s.unitSize)
			s.units[baseAddr] = unit
		}
		copy(unit[inUnitAddr:inUnitAddr+chunk], data[done:done+chunk])
		done += chunk
	}

	return nil
}

// Zero clears n bytes starting at addr. Units fully covered by the range are
// returned to the untouched pool.
func (s *Storage) Zero(addr, n uint64) error {
	if err := s.checkRange(addr, n); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	done := uint64(0)
	for done < n {
		baseAddr, inUnitAddr := s.parseAddress(addr + done)
		chunk := s.unitSize - inUnitAddr
		if left := n - done; left < chunk {
			chunk = left
		}

		if inUnitAddr == 0 && chunk == s.unitSize {
			delete(s.units, baseAddr)
		} else if unit, ok := s.units[baseAddr]; ok {
			clear(unit[inUnitAddr : inUnitAddr+chunk])
		}
		done += chunk
	}

	return nil
}
