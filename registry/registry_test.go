package registry

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newCollidingRegistry(buckets uint64) *Registry[uint64, string] {
	r := New[uint64, string](Config{Buckets: buckets})
	r.hashKeyFunc = func(key *uint64) uint64 {
		return *key % 2
	}
	return r
}

func collectKeys(r *Registry[uint64, string]) []string {
	values := []string{}
	r.ForEach(func(v string) bool {
		values = append(values, v)
		return true
	})
	sort.Strings(values)
	return values
}

func TestInsertLookup(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{})
	requireT.Len(r.buckets, DefaultBuckets)

	r.Insert(7, "seven")
	r.Insert(8, "eight")

	v, exists := r.Lookup(7)
	requireT.True(exists)
	requireT.Equal("seven", v)

	v, exists = r.Lookup(8)
	requireT.True(exists)
	requireT.Equal("eight", v)

	v, exists = r.Lookup(9)
	requireT.False(exists)
	requireT.Empty(v)

	requireT.EqualValues(2, r.Len())
}

func TestInsertTwicePanics(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 4})
	r.Insert(1, "one")
	requireT.Panics(func() {
		r.Insert(1, "uno")
	})

	v, exists := r.Lookup(1)
	requireT.True(exists)
	requireT.Equal("one", v)
}

func TestCollisions(t *testing.T) {
	requireT := require.New(t)

	r := newCollidingRegistry(16)
	for i := range uint64(10) {
		r.Insert(i, string(rune('a'+i)))
	}
	requireT.EqualValues(10, r.Len())

	requireT.True(r.Remove(4))
	requireT.False(r.Remove(4))
	requireT.True(r.Remove(0))
	requireT.True(r.Remove(9))

	_, exists := r.Lookup(4)
	requireT.False(exists)

	v, exists := r.Lookup(6)
	requireT.True(exists)
	requireT.Equal("g", v)

	requireT.Equal([]string{"b", "c", "d", "f", "g", "h", "i"}, collectKeys(r))
	requireT.EqualValues(7, r.Len())
}

func TestRemovedNodesAreReused(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 4})
	r.Insert(1, "one")
	requireT.True(r.Remove(1))
	requireT.NotNil(r.freeNodes)
	requireT.Empty(r.freeNodes.value)

	r.Insert(2, "two")
	requireT.Nil(r.freeNodes)
	requireT.Equal([]string{"two"}, collectKeys(r))
}

func TestView(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, *int](Config{Buckets: 4})
	counter := 0
	r.Insert(3, &counter)

	requireT.True(r.View(3, func(v *int) {
		*v++
	}))
	requireT.False(r.View(4, func(v *int) {
		requireT.Fail("must not be called")
	}))
	requireT.Equal(1, counter)
}

func TestRemoveIf(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 4})
	r.Insert(1, "one")

	requireT.False(r.RemoveIf(1, func(v string) bool {
		requireT.Equal("one", v)
		return false
	}))
	_, exists := r.Lookup(1)
	requireT.True(exists)

	requireT.True(r.RemoveIf(1, func(string) bool {
		return true
	}))
	_, exists = r.Lookup(1)
	requireT.False(exists)

	requireT.False(r.RemoveIf(1, func(string) bool {
		requireT.Fail("must not be called")
		return true
	}))
}

func TestForEachStops(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 4})
	r.Insert(1, "one")
	r.Insert(2, "two")
	r.Insert(3, "three")

	var visited int
	r.ForEach(func(string) bool {
		visited++
		return visited < 2
	})
	requireT.Equal(2, visited)
}

func TestTryForEach(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 4})
	r.Insert(1, "one")

	var visited int
	requireT.True(r.TryForEach(func(string) bool {
		visited++
		return true
	}))
	requireT.Equal(1, visited)

	r.lock.Lock()
	requireT.False(r.TryForEach(func(string) bool {
		visited++
		return true
	}))
	r.ForEachUnlocked(func(string) bool {
		visited++
		return true
	})
	r.lock.Unlock()

	requireT.Equal(2, visited)
}

func TestBootstrap(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 4, Bootstrap: true})
	requireT.Nil(r.lock)

	r.Insert(1, "one")
	v, exists := r.Lookup(1)
	requireT.True(exists)
	requireT.Equal("one", v)
	requireT.True(r.TryForEach(func(string) bool { return true }))

	r.EnableLocking()
	requireT.NotNil(r.lock)
	lock := r.lock

	r.EnableLocking()
	requireT.Same(lock, r.lock)

	v, exists = r.Lookup(1)
	requireT.True(exists)
	requireT.Equal("one", v)
}

func TestForEachUnlockedSurvivesRemoval(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, string](Config{Buckets: 1})
	for i, v := range []string{"a", "b", "c", "d"} {
		r.Insert(uint64(i), v)
	}
	// Chain is d -> c -> b -> a, a goes to the free list first.
	requireT.True(r.Remove(0))

	visited := []string{}
	r.ForEachUnlocked(func(v string) bool {
		visited = append(visited, v)
		if v == "d" {
			// Writer unlinks the node the walker is standing on.
			requireT.True(r.Remove(3))
		}
		return true
	})

	requireT.Equal([]string{"d", "c", "b"}, visited)
	requireT.Equal([]string{"b", "c"}, collectKeys(r))

	// Released nodes are still reused.
	r.Insert(10, "x")
	r.Insert(11, "y")
	requireT.Nil(r.freeNodes)
	requireT.Equal([]string{"b", "c", "x", "y"}, collectKeys(r))
}

func TestForEachUnlockedFromRemovedNode(t *testing.T) {
	requireT := require.New(t)

	r := New[uint64, *int](Config{Buckets: 1})
	values := []int{0, 1, 2}
	for i := range values {
		r.Insert(uint64(i), &values[i])
	}
	// Chain is 2 -> 1 -> 0.
	head := r.buckets[0]
	requireT.True(r.Remove(2))
	requireT.True(r.Remove(1))

	// Walker which stepped on the head before it was unlinked reaches the live entry instead of the free list.
	var seen []*int
	for n := head; n != nil; n = n.next {
		seen = append(seen, n.value)
	}
	requireT.Equal([]*int{nil, nil, &values[0]}, seen)
}

type typedKey uint32

func TestNamedIntegerKeys(t *testing.T) {
	requireT := require.New(t)

	r := New[typedKey, string](Config{Buckets: 8})
	for i := range typedKey(100) {
		r.Insert(i, "v")
	}
	for i := range typedKey(100) {
		_, exists := r.Lookup(i)
		requireT.True(exists)
	}
	_, exists := r.Lookup(100)
	requireT.False(exists)
	requireT.EqualValues(100, r.Len())
}
