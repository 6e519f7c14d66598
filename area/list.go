package area

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/vmspace/types"
)

var (
	// ErrOverlap is returned if new area overlaps with existing one.
	ErrOverlap = errors.New("area overlaps with existing one")

	// ErrOutOfRange is returned if area does not fit into the range of the address space.
	ErrOutOfRange = errors.New("area is out of range")

	// ErrNoSpace is returned if there is no free range big enough for the area.
	ErrNoSpace = errors.New("no free virtual range")
)

// List is the list of areas ordered by base address.
// It is not synchronized, owner of the list is responsible for locking. Lookup may be called by many readers
// concurrently, the hint is the only field it modifies.
type List struct {
	head  *Area
	tail  *Area
	hint  atomic.Pointer[Area]
	count uint64
}

// Insert links area into the list keeping it sorted by base address.
func (l *List) Insert(a *Area) error {
	if a.Size == 0 {
		return errors.Wrapf(ErrOutOfRange, "area %q has zero size", a.Name)
	}
	if _, ok := types.End(a.Base, a.Size); !ok {
		return errors.Wrapf(ErrOutOfRange, "area %q overflows", a.Name)
	}

	var prev *Area
	next := l.head
	for next != nil && next.Base < a.Base {
		prev = next
		next = next.next
	}

	if prev != nil && prev.End() > a.Base {
		return errors.Wrapf(ErrOverlap, "area %q overlaps with %q", a.Name, prev.Name)
	}
	if next != nil && a.End() > next.Base {
		return errors.Wrapf(ErrOverlap, "area %q overlaps with %q", a.Name, next.Name)
	}

	a.prev = prev
	a.next = next
	if prev == nil {
		l.head = a
	} else {
		prev.next = a
	}
	if next == nil {
		l.tail = a
	} else {
		next.prev = a
	}
	l.count++

	return nil
}

// Remove unlinks area from the list.
func (l *List) Remove(a *Area) {
	if a.prev == nil {
		l.head = a.next
	} else {
		a.prev.next = a.next
	}
	if a.next == nil {
		l.tail = a.prev
	} else {
		a.next.prev = a.prev
	}
	l.hint.CompareAndSwap(a, nil)

	a.prev = nil
	a.next = nil
	l.count--
}

// PopFront unlinks and returns the first area of the list.
func (l *List) PopFront() *Area {
	a := l.head
	if a != nil {
		l.Remove(a)
	}
	return a
}

// Lookup returns the area containing the address.
// The last area found is cached, so repeated lookups in the same area are cheap.
func (l *List) Lookup(address types.VirtualAddress) *Area {
	if hint := l.hint.Load(); hint != nil && hint.Contains(address) {
		return hint
	}

	for a := l.head; a != nil && a.Base <= address; a = a.next {
		if a.Contains(address) {
			l.hint.Store(a)
			return a
		}
	}
	return nil
}

// Find returns the area with the ID.
func (l *List) Find(id types.AreaID) *Area {
	for a := l.head; a != nil; a = a.next {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// FindSlot returns the lowest base address inside [rangeBase, rangeBase+rangeSize) where area of the size fits.
func (l *List) FindSlot(size uint64, rangeBase types.VirtualAddress, rangeSize uint64) (types.VirtualAddress, error) {
	rangeEnd, ok := types.End(rangeBase, rangeSize)
	if !ok || size == 0 {
		return 0, errors.WithStack(ErrOutOfRange)
	}

	candidate := rangeBase
	for a := l.head; a != nil; a = a.next {
		if a.End() <= candidate {
			continue
		}
		if a.Base >= candidate && uint64(a.Base-candidate) >= size {
			break
		}
		candidate = a.End()
	}

	if candidate > rangeEnd || uint64(rangeEnd-candidate) < size {
		return 0, errors.Wrapf(ErrNoSpace, "no free range of size 0x%x", size)
	}
	return candidate, nil
}

// Hint returns the most recently looked up area.
func (l *List) Hint() *Area {
	return l.hint.Load()
}

// Len returns the number of areas in the list.
func (l *List) Len() uint64 {
	return l.count
}

// Iterator iterates over areas in the list.
func (l *List) Iterator() func(func(*Area) bool) {
	return func(yield func(*Area) bool) {
		for a := l.head; a != nil; {
			// Area might be unlinked by the consumer.
			next := a.next
			if !yield(a) {
				return
			}
			a = next
		}
	}
}
