package translation

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/photon"
	"github.com/outofforest/vmspace/alloc"
	"github.com/outofforest/vmspace/types"
)

const (
	entriesPerTable = types.PageSize / types.UInt64Length
	pageShift       = 12
	tableShift      = 9
	tableMask       = entriesPerTable - 1
)

// Entry bits.
const (
	entryPresent   entry = 1 << 0
	entryGlobal    entry = 1 << 5
	protectionMask entry = 0x0f << protectionShift
	addressMask    entry = ^entry(types.PageSize - 1)

	protectionShift = 1
)

// ErrDestroyed is returned if map is used after being destroyed.
var ErrDestroyed = errors.New("translation map has been destroyed")

type entry uint64

type table [entriesPerTable]entry

// Config stores configuration of page table factory.
type Config struct {
	UseHugePages bool
}

// NewFactory creates factory of page tables.
func NewFactory(config Config) *PageTableFactory {
	return &PageTableFactory{
		config: config,
	}
}

// PageTableFactory creates page tables.
type PageTableFactory struct {
	config Config
}

// Create creates new page table.
func (f *PageTableFactory) Create(isKernel bool) (Map, error) {
	return NewPageTable(f.config, isKernel)
}

// NewPageTable creates new two-level page table. The root directory page is allocated immediately so running out
// of memory is reported at creation time.
func NewPageTable(config Config, isKernel bool) (*PageTable, error) {
	root, deallocFunc, err := alloc.AllocatePages(1, types.PageSize, config.UseHugePages)
	if err != nil {
		return nil, errors.Wrap(err, "allocating root page table failed")
	}

	return &PageTable{
		config:      config,
		isKernel:    isKernel,
		root:        photon.FromPointer[table](root),
		directory:   map[uint64]*table{},
		deallocFunc: []func(){deallocFunc},
	}, nil
}

// PageTable is the translation map storing entries in page-sized tables allocated outside of go heap.
// Root table covers first 2MB of the address space, remaining tables are stored in the directory.
type PageTable struct {
	config   Config
	isKernel bool

	mu          sync.Mutex
	root        *table
	directory   map[uint64]*table
	deallocFunc []func()
	mapped      uint64
	destroyed   bool
}

// Map maps the virtual page containing va to the physical page containing pa.
func (pt *PageTable) Map(va types.VirtualAddress, pa types.PhysicalAddress, protection types.Protection) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.destroyed {
		return errors.WithStack(ErrDestroyed)
	}

	t, err := pt.table(tableIndex(va), true)
	if err != nil {
		return err
	}

	e := &t[entryIndex(va)]
	if *e&entryPresent == 0 {
		pt.mapped++
	}

	*e = entry(pa)&addressMask | entry(protection)<<protectionShift&protectionMask | entryPresent
	if pt.isKernel {
		*e |= entryGlobal
	}
	return nil
}

// Unmap removes the mapping of the virtual page containing va.
func (pt *PageTable) Unmap(va types.VirtualAddress) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.destroyed {
		return false
	}

	t, _ := pt.table(tableIndex(va), false)
	if t == nil {
		return false
	}
	return pt.clear(&t[entryIndex(va)])
}

// UnmapRange removes all the mappings in the range.
func (pt *PageTable) UnmapRange(base types.VirtualAddress, size uint64) uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.destroyed || size == 0 {
		return 0
	}

	firstPage := uint64(base) >> pageShift
	lastPage := (uint64(base) + size - 1) >> pageShift
	if lastPage < firstPage {
		// Range overflows, cut it at the end of address space.
		lastPage = ^uint64(0) >> pageShift
	}

	var unmapped uint64
	unmapTable := func(tIndex uint64, t *table) {
		if tIndex < firstPage>>tableShift || tIndex > lastPage>>tableShift {
			return
		}

		from := max(firstPage, tIndex<<tableShift)
		to := min(lastPage, tIndex<<tableShift|tableMask)
		for page := from; page <= to; page++ {
			if pt.clear(&t[page&tableMask]) {
				unmapped++
			}
		}
	}

	unmapTable(0, pt.root)
	for tIndex, t := range pt.directory {
		unmapTable(tIndex, t)
	}
	return unmapped
}

// Query returns the physical address and protection va is mapped to.
func (pt *PageTable) Query(va types.VirtualAddress) (types.PhysicalAddress, types.Protection, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.destroyed {
		return 0, 0, false
	}

	t, _ := pt.table(tableIndex(va), false)
	if t == nil {
		return 0, 0, false
	}

	e := t[entryIndex(va)]
	if e&entryPresent == 0 {
		return 0, 0, false
	}

	return types.PhysicalAddress(e&addressMask) | types.PhysicalAddress(va)&(types.PageSize-1),
		types.Protection((e & protectionMask) >> protectionShift), true
}

// MappedPages returns the number of mapped pages.
func (pt *PageTable) MappedPages() uint64 {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	return pt.mapped
}

// IsKernel tells if map belongs to the kernel address space.
func (pt *PageTable) IsKernel() bool {
	return pt.isKernel
}

// Destroy releases memory allocated for the tables.
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.destroyed {
		panic(errors.New("translation map destroyed twice"))
	}
	pt.destroyed = true

	for _, deallocFunc := range pt.deallocFunc {
		deallocFunc()
	}
	pt.deallocFunc = nil
	pt.root = nil
	pt.directory = nil
	pt.mapped = 0
}

func (pt *PageTable) table(index uint64, create bool) (*table, error) {
	if index == 0 {
		return pt.root, nil
	}
	if t := pt.directory[index]; t != nil || !create {
		return t, nil
	}

	p, deallocFunc, err := alloc.AllocatePages(1, types.PageSize, pt.config.UseHugePages)
	if err != nil {
		return nil, errors.Wrap(err, "allocating page table failed")
	}

	t := photon.FromPointer[table](p)
	pt.directory[index] = t
	pt.deallocFunc = append(pt.deallocFunc, deallocFunc)
	return t, nil
}

func (pt *PageTable) clear(e *entry) bool {
	if *e&entryPresent == 0 {
		return false
	}
	*e = 0
	pt.mapped--
	return true
}

func tableIndex(va types.VirtualAddress) uint64 {
	return uint64(va) >> (pageShift + tableShift)
}

func entryIndex(va types.VirtualAddress) uint64 {
	return uint64(va) >> pageShift & tableMask
}
