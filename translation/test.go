package translation

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/vmspace/alloc"
	"github.com/outofforest/vmspace/types"
)

// NewTestFactory creates factory used in tests. It tracks created and destroyed maps.
func NewTestFactory() *TestFactory {
	return &TestFactory{
		factory: NewFactory(Config{}),
	}
}

// TestFactory is the factory recording the lifecycle of maps it creates.
type TestFactory struct {
	factory *PageTableFactory

	mu        sync.Mutex
	fail      bool
	created   uint64
	destroyed uint64
}

// FailNext causes next Create to fail with out of memory error.
func (f *TestFactory) FailNext() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fail = true
}

// Create creates new map.
func (f *TestFactory) Create(isKernel bool) (Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		f.fail = false
		return nil, errors.Wrap(alloc.ErrNoMemory, "injected failure")
	}

	m, err := f.factory.Create(isKernel)
	if err != nil {
		return nil, err
	}
	f.created++
	return &testMap{inner: m, factory: f}, nil
}

// Stats returns the number of maps created and destroyed.
func (f *TestFactory) Stats() (created, destroyed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.created, f.destroyed
}

var _ Map = &testMap{}

type testMap struct {
	inner   Map
	factory *TestFactory
}

func (m *testMap) Map(va types.VirtualAddress, pa types.PhysicalAddress, protection types.Protection) error {
	return m.inner.Map(va, pa, protection)
}

func (m *testMap) Unmap(va types.VirtualAddress) bool {
	return m.inner.Unmap(va)
}

func (m *testMap) UnmapRange(base types.VirtualAddress, size uint64) uint64 {
	return m.inner.UnmapRange(base, size)
}

func (m *testMap) Query(va types.VirtualAddress) (types.PhysicalAddress, types.Protection, bool) {
	return m.inner.Query(va)
}

func (m *testMap) MappedPages() uint64 {
	return m.inner.MappedPages()
}

func (m *testMap) IsKernel() bool {
	return m.inner.IsKernel()
}

func (m *testMap) Destroy() {
	m.inner.Destroy()

	m.factory.mu.Lock()
	defer m.factory.mu.Unlock()

	m.factory.destroyed++
}
