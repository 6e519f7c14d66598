package area_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/vmspace/area"
	"github.com/outofforest/vmspace/types"
)

func collectNames(l *area.List) []string {
	names := []string{}
	for a := range l.Iterator() {
		names = append(names, a.Name)
	}
	return names
}

func newArea(id types.AreaID, name string, base types.VirtualAddress, size uint64) *area.Area {
	return &area.Area{
		ID:         id,
		Name:       name,
		Base:       base,
		Size:       size,
		Protection: types.ProtectionRead | types.ProtectionWrite,
	}
}

func TestInsertKeepsOrder(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	requireT.NoError(l.Insert(newArea(1, "c", 0x5000, 0x1000)))
	requireT.NoError(l.Insert(newArea(2, "a", 0x1000, 0x1000)))
	requireT.NoError(l.Insert(newArea(3, "b", 0x2000, 0x2000)))
	requireT.NoError(l.Insert(newArea(4, "d", 0x8000, 0x1000)))

	requireT.Equal([]string{"a", "b", "c", "d"}, collectNames(&l))
	requireT.EqualValues(4, l.Len())
}

func TestInsertRejectsOverlap(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	requireT.NoError(l.Insert(newArea(1, "a", 0x2000, 0x2000)))

	err := l.Insert(newArea(2, "b", 0x3000, 0x1000))
	requireT.True(errors.Is(err, area.ErrOverlap))

	err = l.Insert(newArea(3, "c", 0x1000, 0x1001))
	requireT.True(errors.Is(err, area.ErrOverlap))

	err = l.Insert(newArea(4, "d", 0x2000, 0x1000))
	requireT.True(errors.Is(err, area.ErrOverlap))

	requireT.NoError(l.Insert(newArea(5, "e", 0x1000, 0x1000)))
	requireT.NoError(l.Insert(newArea(6, "f", 0x4000, 0x1000)))

	requireT.Equal([]string{"e", "a", "f"}, collectNames(&l))
}

func TestInsertRejectsInvalidSize(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	requireT.True(errors.Is(l.Insert(newArea(1, "a", 0x1000, 0)), area.ErrOutOfRange))
	requireT.True(errors.Is(l.Insert(newArea(2, "b", 0xfffffffffffff000, 0x2000)), area.ErrOutOfRange))
	requireT.Zero(l.Len())
}

func TestLookupUsesHint(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	a := newArea(1, "a", 0x1000, 0x1000)
	b := newArea(2, "b", 0x3000, 0x1000)
	requireT.NoError(l.Insert(a))
	requireT.NoError(l.Insert(b))

	requireT.Nil(l.Hint())
	requireT.Same(b, l.Lookup(0x3fff))
	requireT.Same(b, l.Hint())
	requireT.Same(b, l.Lookup(0x3000))
	requireT.Same(a, l.Lookup(0x1000))
	requireT.Same(a, l.Hint())

	requireT.Nil(l.Lookup(0x2000))
	requireT.Nil(l.Lookup(0x4000))
	requireT.Same(a, l.Hint())
}

func TestRemoveInvalidatesHint(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	a := newArea(1, "a", 0x1000, 0x1000)
	b := newArea(2, "b", 0x2000, 0x1000)
	c := newArea(3, "c", 0x3000, 0x1000)
	requireT.NoError(l.Insert(a))
	requireT.NoError(l.Insert(b))
	requireT.NoError(l.Insert(c))

	requireT.Same(b, l.Lookup(0x2800))
	l.Remove(b)
	requireT.Nil(l.Hint())
	requireT.Nil(l.Lookup(0x2800))
	requireT.Equal([]string{"a", "c"}, collectNames(&l))

	l.Remove(c)
	l.Remove(a)
	requireT.Zero(l.Len())
	requireT.Empty(collectNames(&l))

	requireT.NoError(l.Insert(b))
	requireT.Equal([]string{"b"}, collectNames(&l))
}

func TestPopFront(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	requireT.NoError(l.Insert(newArea(1, "b", 0x2000, 0x1000)))
	requireT.NoError(l.Insert(newArea(2, "a", 0x1000, 0x1000)))

	requireT.Equal("a", l.PopFront().Name)
	requireT.Equal("b", l.PopFront().Name)
	requireT.Nil(l.PopFront())
	requireT.Zero(l.Len())
}

func TestIteratorAllowsRemoval(t *testing.T) {
	requireT := require.New(t)

	var l area.List
	for i := range types.AreaID(5) {
		requireT.NoError(l.Insert(newArea(i, string(rune('a'+i)), types.VirtualAddress(i+1)*0x1000, 0x1000)))
	}

	for a := range l.Iterator() {
		if a.ID%2 == 0 {
			l.Remove(a)
		}
	}
	requireT.Equal([]string{"b", "d"}, collectNames(&l))
	requireT.Equal("d", l.Find(3).Name)
	requireT.Nil(l.Find(4))
}

func TestFindSlot(t *testing.T) {
	requireT := require.New(t)

	var l area.List

	base, err := l.FindSlot(0x1000, 0x10000, 0x10000)
	requireT.NoError(err)
	requireT.EqualValues(0x10000, base)

	requireT.NoError(l.Insert(newArea(1, "a", 0x10000, 0x1000)))
	requireT.NoError(l.Insert(newArea(2, "b", 0x12000, 0x2000)))

	base, err = l.FindSlot(0x1000, 0x10000, 0x10000)
	requireT.NoError(err)
	requireT.EqualValues(0x11000, base)

	base, err = l.FindSlot(0x2000, 0x10000, 0x10000)
	requireT.NoError(err)
	requireT.EqualValues(0x14000, base)

	base, err = l.FindSlot(0xc000, 0x10000, 0x10000)
	requireT.NoError(err)
	requireT.EqualValues(0x14000, base)

	_, err = l.FindSlot(0xc001, 0x10000, 0x10000)
	requireT.True(errors.Is(err, area.ErrNoSpace))

	_, err = l.FindSlot(0, 0x10000, 0x10000)
	requireT.True(errors.Is(err, area.ErrOutOfRange))
}
