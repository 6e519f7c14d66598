package types

const (
	// PageSize is the size of the virtual memory page.
	PageSize = 4096

	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8
)

type (
	// AddressSpaceID is the type for address space ID.
	AddressSpaceID uint64

	// AreaID is the type for area ID.
	AreaID uint64

	// TeamID is the type for team ID.
	TeamID uint64

	// VirtualAddress represents the virtual address.
	VirtualAddress uint64

	// PhysicalAddress represents the physical address.
	PhysicalAddress uint64
)

// KernelID is the reserved ID of the kernel address space. It is never handed out to teams.
const KernelID AddressSpaceID = 0

// State enumerates possible address space states.
type State uint32

const (
	// StateNormal means address space is in use.
	StateNormal State = iota

	// StateDeletion means address space is being torn down and no new areas may be added.
	StateDeletion
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDeletion:
		return "deletion"
	default:
		return "unknown"
	}
}

// Protection defines access rights of the area.
type Protection uint8

// Protection flags.
const (
	ProtectionRead Protection = 1 << iota
	ProtectionWrite
	ProtectionExecute
	ProtectionUser
)

func (p Protection) String() string {
	b := []byte("----")
	if p&ProtectionRead != 0 {
		b[0] = 'r'
	}
	if p&ProtectionWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtectionExecute != 0 {
		b[2] = 'x'
	}
	if p&ProtectionUser != 0 {
		b[3] = 'u'
	}
	return string(b)
}

// Wiring defines how physical pages are attached to the area.
type Wiring uint8

const (
	// WiringLazy means pages are mapped on fault.
	WiringLazy Wiring = iota

	// WiringFull means pages are mapped when area is created.
	WiringFull

	// WiringAlreadyWired means area covers memory which is mapped already.
	WiringAlreadyWired
)

// Placement defines how the base address of new area is chosen.
type Placement uint8

const (
	// PlacementAny means any free range of the address space may be used.
	PlacementAny Placement = iota

	// PlacementExact means area must start at requested address.
	PlacementExact
)

// End returns the first address after range [base, base+size). Second value is false if range overflows.
func End(base VirtualAddress, size uint64) (VirtualAddress, bool) {
	end := base + VirtualAddress(size)
	return end, end >= base
}
