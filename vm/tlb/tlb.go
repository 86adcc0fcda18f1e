// Package tlb models a set-associative translation lookaside buffer.
//
// The TLB caches page-granular virtual-to-physical translations produced
// by walks of the live page tables. It counts hits, misses, and the
// different invalidation kinds so that tests and the monitor can observe
// how a mapping change propagates.
package tlb

import (
	"container/list"
	"sync/atomic"

	"github.com/sarchlab/shiba/mem"
)

type entry struct {
	vpn   uint64
	frame uint64
}

// set is one associativity set. The visit list keeps LRU order, least
// recently used at the front.
type set struct {
	capacity int
	elements map[uint64]*list.Element
	visits   *list.List
}

func newSet(capacity int) *set {
	return &set{
		capacity: capacity,
		elements: make(map[uint64]*list.Element),
		visits:   list.New(),
	}
}

func (s *set) lookup(vpn uint64) (uint64, bool) {
	elem, ok := s.elements[vpn]
	if !ok {
		return 0, false
	}
	s.visits.MoveToBack(elem)
	return elem.Value.(*entry).frame, true
}

func (s *set) fill(vpn, frame uint64) {
	if elem, ok := s.elements[vpn]; ok {
		elem.Value.(*entry).frame = frame
		s.visits.MoveToBack(elem)
		return
	}

	if s.visits.Len() >= s.capacity {
		victim := s.visits.Front()
		delete(s.elements, victim.Value.(*entry).vpn)
		s.visits.Remove(victim)
	}

	s.elements[vpn] = s.visits.PushBack(&entry{vpn: vpn, frame: frame})
}

func (s *set) evict(vpn uint64) {
	if elem, ok := s.elements[vpn]; ok {
		delete(s.elements, vpn)
		s.visits.Remove(elem)
	}
}

func (s *set) evictRange(firstVPN, lastVPN uint64) {
	var victims []*list.Element
	for elem := s.visits.Front(); elem != nil; elem = elem.Next() {
		vpn := elem.Value.(*entry).vpn
		if vpn >= firstVPN && vpn <= lastVPN {
			victims = append(victims, elem)
		}
	}
	for _, elem := range victims {
		delete(s.elements, elem.Value.(*entry).vpn)
		s.visits.Remove(elem)
	}
}

func (s *set) clear() {
	s.elements = make(map[uint64]*list.Element)
	s.visits.Init()
}

// TLB is a set-associative translation cache with LRU replacement
// within each set. It is safe for concurrent use.
type TLB struct {
	name     string
	numSets  int
	numWays  int
	pageSize uint64

	lock mem.SpinLock
	sets []*set

	hits               atomic.Uint64
	misses             atomic.Uint64
	pageInvalidations  atomic.Uint64
	rangeInvalidations atomic.Uint64
	fullFlushes        atomic.Uint64
}

// Name returns the name of the TLB.
func (t *TLB) Name() string {
	return t.name
}

// NumSets returns the number of associativity sets.
func (t *TLB) NumSets() int {
	return t.numSets
}

// NumWays returns the number of ways per set.
func (t *TLB) NumWays() int {
	return t.numWays
}

func (t *TLB) vpn(vaddr uint64) uint64 {
	return vaddr / t.pageSize
}

func (t *TLB) setOf(vpn uint64) *set {
	return t.sets[vpn%uint64(t.numSets)]
}

// Lookup returns the cached frame base for the page containing vaddr.
func (t *TLB) Lookup(vaddr uint64) (uint64, bool) {
	vpn := t.vpn(vaddr)

	t.lock.Lock()
	frame, ok := t.setOf(vpn).lookup(vpn)
	t.lock.Unlock()

	if ok {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
	return frame, ok
}

// Fill caches the translation of the page containing vaddr to the
// page-aligned frame base.
func (t *TLB) Fill(vaddr, frame uint64) {
	vpn := t.vpn(vaddr)

	t.lock.Lock()
	t.setOf(vpn).fill(vpn, frame)
	t.lock.Unlock()
}

// InvalidatePage discards the cached translation for the page
// containing vaddr, if any.
func (t *TLB) InvalidatePage(vaddr uint64) {
	vpn := t.vpn(vaddr)

	t.lock.Lock()
	t.setOf(vpn).evict(vpn)
	t.lock.Unlock()

	t.pageInvalidations.Add(1)
}

// InvalidateRange discards every cached translation for pages that
// overlap [start, end).
func (t *TLB) InvalidateRange(start, end uint64) {
	if end <= start {
		return
	}
	firstVPN := t.vpn(start)
	lastVPN := t.vpn(end - 1)

	t.lock.Lock()
	for _, s := range t.sets {
		s.evictRange(firstVPN, lastVPN)
	}
	t.lock.Unlock()

	t.rangeInvalidations.Add(1)
}

// InvalidateAll discards every cached translation.
func (t *TLB) InvalidateAll() {
	t.lock.Lock()
	for _, s := range t.sets {
		s.clear()
	}
	t.lock.Unlock()

	t.fullFlushes.Add(1)
}

// Hits returns the number of lookups answered from the cache.
func (t *TLB) Hits() uint64 {
	return t.hits.Load()
}

// Misses returns the number of lookups that fell through to a walk.
func (t *TLB) Misses() uint64 {
	return t.misses.Load()
}

// PageInvalidations returns the number of single-page invalidations.
func (t *TLB) PageInvalidations() uint64 {
	return t.pageInvalidations.Load()
}

// RangeInvalidations returns the number of range invalidations.
func (t *TLB) RangeInvalidations() uint64 {
	return t.rangeInvalidations.Load()
}

// FullFlushes returns the number of whole-TLB flushes.
func (t *TLB) FullFlushes() uint64 {
	return t.fullFlushes.Load()
}
