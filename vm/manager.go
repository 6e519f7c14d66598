package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/vmspace/registry"
	"github.com/outofforest/vmspace/team"
	"github.com/outofforest/vmspace/translation"
	"github.com/outofforest/vmspace/types"
)

// Init creates the address space manager together with the kernel address space.
//
// This is the first phase of the two-phase bootstrap. Until InitPostLocking is called, neither the registry nor
// the kernel address space has a lock, so manager must be used by a single goroutine and only the kernel address
// space exists.
func Init(ctx context.Context, config Config) (*Manager, error) {
	if config.Buckets == 0 {
		config.Buckets = registry.DefaultBuckets
	}
	if config.TranslationFactory == nil {
		config.TranslationFactory = translation.NewFactory(translation.Config{})
	}

	m := &Manager{
		config: config,
		log:    logger.Get(ctx),
		registry: registry.New[types.AddressSpaceID, *AddressSpace](registry.Config{
			Buckets:   config.Buckets,
			Bootstrap: true,
		}),
	}
	m.areas = lo.Ternary[AreaManager](config.AreaManager != nil, config.AreaManager, m)
	m.nextID.Store(uint64(config.KernelID))

	kernel, err := m.newSpace(config.KernelName, config.KernelID, config.KernelBase, config.KernelSize, true)
	if err != nil {
		return nil, err
	}
	m.registry.Insert(kernel.id, kernel)
	m.kernel = kernel

	m.log.Info("Kernel address space created",
		zap.Uint64("id", uint64(kernel.id)),
		zap.Uint64("base", uint64(kernel.base)),
		zap.Uint64("size", kernel.size))

	return m, nil
}

// Manager manages the lifecycle of address spaces.
type Manager struct {
	config   Config
	log      *zap.Logger
	registry *registry.Registry[types.AddressSpaceID, *AddressSpace]
	areas    AreaManager
	kernel   *AddressSpace

	ready      atomic.Bool
	postLock   sync.Once
	nextID     atomic.Uint64
	nextAreaID atomic.Uint64
}

// InitPostLocking is the second phase of the bootstrap. It attaches locks to the registry and the kernel address
// space. After it returns, manager may be used concurrently and user address spaces may be created.
func (m *Manager) InitPostLocking() {
	m.postLock.Do(func() {
		m.registry.EnableLocking()
		m.kernel.enableLocking()
		m.ready.Store(true)

		m.log.Info("Address space locking enabled")
	})
}

// NextID returns the next unused address space ID.
func (m *Manager) NextID() types.AddressSpaceID {
	for {
		if id := types.AddressSpaceID(m.nextID.Add(1)); id != m.config.KernelID {
			return id
		}
	}
}

// Create creates new user address space. Returned space holds one reference owned by the caller, it is released
// by Delete.
func (m *Manager) Create(
	name string,
	id types.AddressSpaceID,
	base types.VirtualAddress,
	size uint64,
	isKernel bool,
) (*AddressSpace, error) {
	if isKernel {
		return nil, errors.WithStack(ErrKernelExists)
	}
	if !m.ready.Load() {
		return nil, errors.WithStack(ErrNotReady)
	}
	if id == m.config.KernelID {
		return nil, errors.Wrapf(ErrReservedID, "id: %d", id)
	}

	s, err := m.newSpace(name, id, base, size, false)
	if err != nil {
		return nil, err
	}
	m.registry.Insert(s.id, s)

	m.log.Debug("Address space created",
		zap.Uint64("id", uint64(s.id)),
		zap.String("name", s.name),
		zap.Uint64("base", uint64(s.base)),
		zap.Uint64("size", s.size))

	return s, nil
}

// Get returns the address space and takes a reference on it. The reference must be released with Put.
// Spaces being deleted are returned too, until the last reference is dropped.
func (m *Manager) Get(id types.AddressSpaceID) (*AddressSpace, bool) {
	var space *AddressSpace
	m.registry.View(id, func(s *AddressSpace) {
		// Registry's read lock is held, so the last Put can't remove the space in the meantime.
		s.refCount.Add(1)
		space = s
	})
	return space, space != nil
}

// GetKernel returns the kernel address space and takes a reference on it.
func (m *Manager) GetKernel() *AddressSpace {
	m.kernel.refCount.Add(1)
	return m.kernel
}

// GetCurrentUser returns the address space of the team the calling thread belongs to and takes a reference on it.
// It returns false if the context does not belong to any team.
func (m *Manager) GetCurrentUser(ctx context.Context) (*AddressSpace, bool) {
	id, ok := team.CurrentAddressSpaceID(ctx)
	if !ok {
		return nil, false
	}
	return m.Get(id)
}

// Kernel returns the kernel address space without taking a reference.
func (m *Manager) Kernel() *AddressSpace {
	return m.kernel
}

// Put releases the reference. When the last reference is released, space is removed from the registry and
// destroyed. Removal and the final decrement happen under the registry write lock, so concurrent Get either
// takes its reference before or doesn't find the space at all.
func (m *Manager) Put(s *AddressSpace) {
	// Fast path: as long as someone else holds a reference, the count can't reach zero here.
	for {
		count := s.refCount.Load()
		if count <= 1 {
			break
		}
		if s.refCount.CompareAndSwap(count, count-1) {
			return
		}
	}

	var registered, last bool
	m.registry.RemoveIf(s.id, func(v *AddressSpace) bool {
		if v != s {
			return false
		}
		registered = true

		count := s.refCount.Add(-1)
		switch {
		case count < 0:
			panic(errors.Errorf("address space %d: reference count dropped below zero", s.id))
		case count > 0:
			return false
		case s.isKernel:
			panic(errors.Errorf("address space %d: tried to destroy the kernel address space", s.id))
		}

		last = true
		return true
	})

	if !registered {
		panic(errors.Errorf("address space %d: reference released on unregistered space", s.id))
	}
	if last {
		m.destroy(s)
	}
}

// Delete marks the space for deletion, deletes all its areas and releases the reference obtained from Create.
// Space is destroyed once all the other references are released.
func (m *Manager) Delete(s *AddressSpace) {
	if s.isKernel {
		panic(errors.Errorf("address space %d: tried to delete the kernel address space", s.id))
	}

	s.Lock()
	if s.State() == types.StateDeletion {
		s.Unlock()
		m.log.Warn("Address space is being deleted already", zap.Uint64("id", uint64(s.id)))
		return
	}
	// From now on no area may be added to the space.
	s.state.Store(uint32(types.StateDeletion))
	s.Unlock()

	m.areas.DeleteAllAreas(s)
	m.Put(s)
}

// Walk calls fn for each address space. Reference is held on the space while fn is running, so fn may block.
// Iteration stops if fn returns false.
func (m *Manager) Walk(fn func(s *AddressSpace) bool) {
	spaces := make([]*AddressSpace, 0, m.registry.Len())
	m.registry.ForEach(func(s *AddressSpace) bool {
		s.refCount.Add(1)
		spaces = append(spaces, s)
		return true
	})

	cont := true
	for _, s := range spaces {
		if cont {
			cont = fn(s)
		}
		m.Put(s)
	}
}

// ForEach calls fn for each address space while registry is locked for reading. No reference is taken, so fn
// must not keep the space after returning and must not call Put or Delete.
func (m *Manager) ForEach(fn func(s *AddressSpace) bool) {
	m.registry.ForEach(fn)
}

// TryForEach works like ForEach but returns false immediately if registry is locked for writing.
func (m *Manager) TryForEach(fn func(s *AddressSpace) bool) bool {
	return m.registry.TryForEach(fn)
}

// ForEachUnlocked iterates over address spaces without locking the registry. Only for diagnostics.
func (m *Manager) ForEachUnlocked(fn func(s *AddressSpace) bool) {
	m.registry.ForEachUnlocked(fn)
}

// NumOfSpaces returns the number of registered address spaces.
func (m *Manager) NumOfSpaces() uint64 {
	return m.registry.Len()
}

func (m *Manager) newSpace(
	name string,
	id types.AddressSpaceID,
	base types.VirtualAddress,
	size uint64,
	isKernel bool,
) (*AddressSpace, error) {
	if _, ok := types.End(base, size); !ok || size == 0 {
		return nil, errors.Wrapf(ErrInvalidRange, "base: 0x%x, size: 0x%x", base, size)
	}

	s := &AddressSpace{
		id:            id,
		name:          name,
		base:          base,
		size:          size,
		isKernel:      isKernel,
		minWorkingSet: m.config.WorkingSet.Min,
		maxWorkingSet: m.config.WorkingSet.Max,
	}
	s.refCount.Store(1)
	s.state.Store(uint32(types.StateNormal))
	s.scanVA.Store(uint64(base))
	s.workingSetSize.Store(lo.Ternary(isKernel, m.config.WorkingSet.Kernel, m.config.WorkingSet.User))
	s.lastWorkingSetAdjust.Store(time.Now().UnixNano())

	var err error
	s.translationMap, err = m.config.TranslationFactory.Create(isKernel)
	if err != nil {
		return nil, errors.Wrapf(ErrNoMemory, "creating translation map of address space %d failed: %s", id, err)
	}

	// Kernel space gets its lock in InitPostLocking.
	if !isKernel {
		s.lock = &sync.RWMutex{}
	}

	return s, nil
}

// destroy is called once, after the space has been removed from the registry, without holding any of its locks.
func (m *Manager) destroy(s *AddressSpace) {
	if s.State() != types.StateDeletion {
		// Owner released its reference with Put instead of Delete. Nobody else holds a reference, so the lock is not
		// needed to change the state.
		m.log.Warn("Address space released without being deleted", zap.Uint64("id", uint64(s.id)))
		s.state.Store(uint32(types.StateDeletion))
	}
	if n := s.areas.Len(); n != 0 {
		panic(errors.Errorf("address space %d: destroyed with %d areas", s.id, n))
	}
	if !s.destroyed.CompareAndSwap(false, true) {
		panic(errors.Errorf("address space %d: destroyed twice", s.id))
	}

	s.translationMap.Destroy()
	s.translationMap = nil

	m.log.Debug("Address space destroyed", zap.Uint64("id", uint64(s.id)), zap.String("name", s.name))
}
