package translation

import (
	"github.com/outofforest/vmspace/types"
)

// Map is the translation map of one address space. It translates virtual pages into physical ones.
type Map interface {
	// Map maps the virtual page containing va to the physical page containing pa.
	Map(va types.VirtualAddress, pa types.PhysicalAddress, protection types.Protection) error

	// Unmap removes the mapping of the virtual page containing va. It returns false if page was not mapped.
	Unmap(va types.VirtualAddress) bool

	// UnmapRange removes all the mappings in the range and returns the number of pages unmapped.
	UnmapRange(base types.VirtualAddress, size uint64) uint64

	// Query returns the physical address and protection va is mapped to.
	Query(va types.VirtualAddress) (types.PhysicalAddress, types.Protection, bool)

	// MappedPages returns the number of mapped pages.
	MappedPages() uint64

	// IsKernel tells if map belongs to the kernel address space.
	IsKernel() bool

	// Destroy releases all the resources owned by the map. Map must not be used afterwards.
	Destroy()
}

// Factory creates translation maps.
type Factory interface {
	Create(isKernel bool) (Map, error)
}
