package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/vmspace/area"
	"github.com/outofforest/vmspace/translation"
	"github.com/outofforest/vmspace/types"
)

// AddressSpace is the virtual memory context of a team or the kernel.
//
// Lock order:
//
//	registry lock
//	  AddressSpace.lock
//	    translation map lock
//
// The reference counter is the only field mutated without holding any lock.
type AddressSpace struct {
	id       types.AddressSpaceID
	name     string
	base     types.VirtualAddress
	size     uint64
	isKernel bool

	refCount  atomic.Int64
	state     atomic.Uint32
	destroyed atomic.Bool

	// lock is nil while the kernel address space is bootstrapped.
	lock        *sync.RWMutex
	writeLocked atomic.Bool
	areas       area.List
	changeCount atomic.Uint64

	translationMap translation.Map

	faultCount           atomic.Uint64
	scannedFaults        atomic.Uint64
	scanVA               atomic.Uint64
	workingSetSize       atomic.Uint64
	minWorkingSet        uint64
	maxWorkingSet        uint64
	lastWorkingSetAdjust atomic.Int64
}

// ID returns ID of the address space.
func (s *AddressSpace) ID() types.AddressSpaceID {
	return s.id
}

// Name returns name of the address space.
func (s *AddressSpace) Name() string {
	return s.name
}

// Base returns the first address of the virtual range.
func (s *AddressSpace) Base() types.VirtualAddress {
	return s.base
}

// Size returns the size of the virtual range.
func (s *AddressSpace) Size() uint64 {
	return s.size
}

// End returns the first address after the virtual range.
func (s *AddressSpace) End() types.VirtualAddress {
	return s.base + types.VirtualAddress(s.size)
}

// Contains checks if the range belongs to the address space.
func (s *AddressSpace) Contains(base types.VirtualAddress, size uint64) bool {
	end, ok := types.End(base, size)
	return ok && base >= s.base && end <= s.End()
}

// IsKernel tells if this is the kernel address space.
func (s *AddressSpace) IsKernel() bool {
	return s.isKernel
}

// RefCount returns the current number of references.
func (s *AddressSpace) RefCount() int64 {
	return s.refCount.Load()
}

// State returns the state of the address space. Callers which got the space by ID must check it themselves,
// spaces being deleted are still returned by Get.
func (s *AddressSpace) State() types.State {
	return types.State(s.state.Load())
}

// Destroyed tells if the space has been physically destroyed. Nobody holding a reference ever sees true.
func (s *AddressSpace) Destroyed() bool {
	return s.destroyed.Load()
}

// TranslationMap returns the translation map of the address space.
func (s *AddressSpace) TranslationMap() translation.Map {
	return s.translationMap
}

// ChangeCount returns the counter bumped on each modification of the area list.
func (s *AddressSpace) ChangeCount() uint64 {
	return s.changeCount.Load()
}

// FaultCount returns the number of page faults recorded.
func (s *AddressSpace) FaultCount() uint64 {
	return s.faultCount.Load()
}

// RecordFault increments the page fault counter.
func (s *AddressSpace) RecordFault() {
	s.faultCount.Add(1)
}

// TakeFaultDelta returns the number of faults recorded since the previous call.
func (s *AddressSpace) TakeFaultDelta() uint64 {
	current := s.faultCount.Load()
	return current - s.scannedFaults.Swap(current)
}

// ScanVA returns the position of the page scanner.
func (s *AddressSpace) ScanVA() types.VirtualAddress {
	return types.VirtualAddress(s.scanVA.Load())
}

// SetScanVA moves the position of the page scanner, wrapping to the base if va is outside of the range.
func (s *AddressSpace) SetScanVA(va types.VirtualAddress) {
	if va < s.base || va >= s.End() {
		va = s.base
	}
	s.scanVA.Store(uint64(va))
}

// WorkingSet returns the current working set size and its bounds.
func (s *AddressSpace) WorkingSet() (size, minSize, maxSize uint64) {
	return s.workingSetSize.Load(), s.minWorkingSet, s.maxWorkingSet
}

// LastWorkingSetAdjust returns the time working set was adjusted last time.
func (s *AddressSpace) LastWorkingSetAdjust() time.Time {
	return time.Unix(0, s.lastWorkingSetAdjust.Load())
}

// AdjustWorkingSet sets new working set size, clamped to the bounds.
func (s *AddressSpace) AdjustWorkingSet(size uint64) uint64 {
	size = min(max(size, s.minWorkingSet), s.maxWorkingSet)
	s.workingSetSize.Store(size)
	s.lastWorkingSetAdjust.Store(time.Now().UnixNano())
	return size
}

// Lock locks the address space for writing.
func (s *AddressSpace) Lock() {
	if s.lock != nil {
		s.lock.Lock()
	}
	s.writeLocked.Store(true)
}

// Unlock unlocks the address space locked for writing.
func (s *AddressSpace) Unlock() {
	s.writeLocked.Store(false)
	if s.lock != nil {
		s.lock.Unlock()
	}
}

// RLock locks the address space for reading.
func (s *AddressSpace) RLock() {
	if s.lock != nil {
		s.lock.RLock()
	}
}

// RUnlock unlocks the address space locked for reading.
func (s *AddressSpace) RUnlock() {
	if s.lock != nil {
		s.lock.RUnlock()
	}
}

// TryRLock tries to lock the address space for reading without waiting.
func (s *AddressSpace) TryRLock() bool {
	return s.lock == nil || s.lock.TryRLock()
}

// AssertLocked panics if the address space is not locked for writing.
func (s *AddressSpace) AssertLocked() {
	if !s.writeLocked.Load() {
		panic(errors.Errorf("address space %d: area list modified without holding the lock", s.id))
	}
}

// LockState describes the state of the lock, used by diagnostics.
func (s *AddressSpace) LockState() string {
	switch {
	case s.lock == nil:
		return "bootstrap"
	case s.writeLocked.Load():
		return "write-locked"
	default:
		return "unlocked"
	}
}

// Areas iterates over areas of the address space. Caller must hold the lock.
func (s *AddressSpace) Areas() func(func(*area.Area) bool) {
	return s.areas.Iterator()
}

// NumOfAreas returns the number of areas. Caller must hold the lock.
func (s *AddressSpace) NumOfAreas() uint64 {
	return s.areas.Len()
}

// AreaHint returns the most recently looked up area.
func (s *AddressSpace) AreaHint() *area.Area {
	return s.areas.Hint()
}

// LookupArea returns the area containing the address. Caller must hold the lock, at least for reading.
func (s *AddressSpace) LookupArea(address types.VirtualAddress) *area.Area {
	return s.areas.Lookup(address)
}

func (s *AddressSpace) insertArea(a *area.Area) error {
	s.AssertLocked()

	if err := s.areas.Insert(a); err != nil {
		return err
	}
	s.changeCount.Add(1)
	return nil
}

func (s *AddressSpace) removeArea(a *area.Area) {
	s.AssertLocked()

	s.areas.Remove(a)
	s.changeCount.Add(1)
}

// popArea unlinks the first area, it returns nil if there are no areas left.
func (s *AddressSpace) popArea() *area.Area {
	s.AssertLocked()

	a := s.areas.PopFront()
	if a != nil {
		s.changeCount.Add(1)
	}
	return a
}

// enableLocking attaches the lock to the kernel address space created during bootstrap.
func (s *AddressSpace) enableLocking() {
	if s.lock == nil {
		s.lock = &sync.RWMutex{}
	}
}
