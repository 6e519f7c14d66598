package area

import (
	"github.com/outofforest/vmspace/types"
)

// Area is the named, contiguous range of virtual memory inside an address space.
type Area struct {
	ID         types.AreaID
	Name       string
	Base       types.VirtualAddress
	Size       uint64
	Protection types.Protection
	Wiring     types.Wiring

	prev *Area
	next *Area
}

// End returns the first address after the area.
func (a *Area) End() types.VirtualAddress {
	return a.Base + types.VirtualAddress(a.Size)
}

// Contains checks if address belongs to the area.
func (a *Area) Contains(address types.VirtualAddress) bool {
	return address >= a.Base && address-a.Base < types.VirtualAddress(a.Size)
}
