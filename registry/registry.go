package registry

import (
	"sync"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/outofforest/mass"
	"github.com/outofforest/photon"
)

// DefaultBuckets is the default number of buckets in the registry.
const DefaultBuckets = 1024

// Config stores registry configuration.
type Config struct {
	Buckets uint64

	// Bootstrap means the registry is created before locks may be used. Caller must guarantee that it is accessed
	// from single goroutine until EnableLocking is called.
	Bootstrap bool
}

// Key is the type of registry keys. Keys are hashed by their raw bytes, so only integer kinds are allowed.
type Key interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// New creates new registry.
func New[K Key, V any](config Config) *Registry[K, V] {
	if config.Buckets == 0 {
		config.Buckets = DefaultBuckets
	}

	r := &Registry[K, V]{
		buckets:     make([]*node[K, V], config.Buckets),
		massNode:    mass.New[node[K, V]](config.Buckets),
		hashKeyFunc: hashKey[K],
	}
	if !config.Bootstrap {
		r.lock = &sync.RWMutex{}
	}
	return r
}

type node[K Key, V any] struct {
	key   K
	value V
	next  *node[K, V]

	// nextFree links released nodes. next is left untouched so unlocked walkers standing on a removed node
	// still reach its former successors.
	nextFree *node[K, V]
}

// Registry is the hash table with fixed number of buckets protected by single readers/writer lock.
// The lock protects the structure of the table only, never the values stored in it.
type Registry[K Key, V any] struct {
	lock        *sync.RWMutex
	buckets     []*node[K, V]
	massNode    *mass.Mass[node[K, V]]
	freeNodes   *node[K, V]
	count       uint64
	hashKeyFunc func(key *K) uint64
}

// EnableLocking attaches the lock to the registry created in bootstrap mode.
func (r *Registry[K, V]) EnableLocking() {
	if r.lock == nil {
		r.lock = &sync.RWMutex{}
	}
}

// Insert adds the value to the registry. Key must not be present already.
func (r *Registry[K, V]) Insert(key K, value V) {
	r.writeLock()
	defer r.writeUnlock()

	bucket := r.bucket(&key)
	for n := *bucket; n != nil; n = n.next {
		if n.key == key {
			panic(errors.Errorf("registry: key %v inserted twice", key))
		}
	}

	n := r.newNode()
	n.key = key
	n.value = value
	n.next = *bucket
	*bucket = n
	r.count++
}

// Lookup returns the value stored under the key.
// Nothing guarantees that the value is still valid when the lock is released. Use View if it matters.
func (r *Registry[K, V]) Lookup(key K) (V, bool) {
	r.readLock()
	defer r.readUnlock()

	if n := r.find(&key); n != nil {
		return n.value, true
	}

	var v V
	return v, false
}

// View calls fn with the value stored under the key while read lock is held.
// It returns false if key does not exist.
func (r *Registry[K, V]) View(key K, fn func(value V)) bool {
	r.readLock()
	defer r.readUnlock()

	n := r.find(&key)
	if n == nil {
		return false
	}
	fn(n.value)
	return true
}

// Remove removes the key from the registry.
func (r *Registry[K, V]) Remove(key K) bool {
	return r.RemoveIf(key, func(V) bool { return true })
}

// RemoveIf calls fn with the value stored under the key while write lock is held and removes the entry
// if fn returns true. It returns true if entry has been removed.
func (r *Registry[K, V]) RemoveIf(key K, fn func(value V) bool) bool {
	r.writeLock()
	defer r.writeUnlock()

	for next := r.bucket(&key); *next != nil; next = &(*next).next {
		n := *next
		if n.key != key {
			continue
		}
		if !fn(n.value) {
			return false
		}

		*next = n.next
		r.count--
		r.releaseNode(n)
		return true
	}

	return false
}

// ForEach calls fn for each value while read lock is held. Iteration stops if fn returns false.
func (r *Registry[K, V]) ForEach(fn func(value V) bool) {
	r.readLock()
	defer r.readUnlock()

	r.forEach(fn)
}

// TryForEach works like ForEach but never waits for the lock. It returns false without calling fn if lock is
// taken by a writer.
func (r *Registry[K, V]) TryForEach(fn func(value V) bool) bool {
	if r.lock != nil {
		if !r.lock.TryRLock() {
			return false
		}
		defer r.lock.RUnlock()
	}

	r.forEach(fn)
	return true
}

// ForEachUnlocked iterates over the registry without taking the lock. Result is a best-effort view, it is used by
// diagnostics only. Entries removed concurrently may be reported with zero value, fn must tolerate it.
func (r *Registry[K, V]) ForEachUnlocked(fn func(value V) bool) {
	r.forEach(fn)
}

// Len returns the number of entries in the registry.
func (r *Registry[K, V]) Len() uint64 {
	r.readLock()
	defer r.readUnlock()

	return r.count
}

func (r *Registry[K, V]) forEach(fn func(value V) bool) {
	for _, n := range r.buckets {
		for ; n != nil; n = n.next {
			if !fn(n.value) {
				return
			}
		}
	}
}

func (r *Registry[K, V]) find(key *K) *node[K, V] {
	for n := *r.bucket(key); n != nil; n = n.next {
		if n.key == *key {
			return n
		}
	}
	return nil
}

func (r *Registry[K, V]) bucket(key *K) **node[K, V] {
	return &r.buckets[r.hashKeyFunc(key)%uint64(len(r.buckets))]
}

// newNode must be called with write lock held.
func (r *Registry[K, V]) newNode() *node[K, V] {
	if n := r.freeNodes; n != nil {
		r.freeNodes = n.nextFree
		n.nextFree = nil
		return n
	}
	return r.massNode.New()
}

// releaseNode must be called with write lock held.
func (r *Registry[K, V]) releaseNode(n *node[K, V]) {
	var v V
	n.value = v
	n.nextFree = r.freeNodes
	r.freeNodes = n
}

func (r *Registry[K, V]) readLock() {
	if r.lock != nil {
		r.lock.RLock()
	}
}

func (r *Registry[K, V]) readUnlock() {
	if r.lock != nil {
		r.lock.RUnlock()
	}
}

func (r *Registry[K, V]) writeLock() {
	if r.lock != nil {
		r.lock.Lock()
	}
}

func (r *Registry[K, V]) writeUnlock() {
	if r.lock != nil {
		r.lock.Unlock()
	}
}

func hashKey[K Key](key *K) uint64 {
	return xxhash.Sum64(photon.NewFromValue[K](key).B)
}
