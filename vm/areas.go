package vm

import (
	"github.com/pkg/errors"

	"github.com/outofforest/vmspace/area"
	"github.com/outofforest/vmspace/types"
)

// AreaManager tears down areas of the address space being deleted.
type AreaManager interface {
	DeleteAllAreas(s *AddressSpace)
}

// AreaConfig describes the area to create.
type AreaConfig struct {
	Name       string
	Placement  types.Placement
	Base       types.VirtualAddress
	Size       uint64
	Protection types.Protection
	Wiring     types.Wiring
}

// CreateArea creates new area in the address space. Caller must hold a reference on the space.
// Area holds its own reference on the space until it is deleted.
func (m *Manager) CreateArea(s *AddressSpace, config AreaConfig) (*area.Area, error) {
	size := (config.Size + types.PageSize - 1) &^ (types.PageSize - 1)
	if size == 0 || size < config.Size {
		return nil, errors.Wrapf(ErrInvalidRange, "area %q: size: 0x%x", config.Name, config.Size)
	}
	if config.Placement == types.PlacementExact && config.Base%types.PageSize != 0 {
		return nil, errors.Wrapf(ErrInvalidRange, "area %q: unaligned base: 0x%x", config.Name, config.Base)
	}

	a := &area.Area{
		ID:         types.AreaID(m.nextAreaID.Add(1)),
		Name:       config.Name,
		Base:       config.Base,
		Size:       size,
		Protection: config.Protection,
		Wiring:     config.Wiring,
	}

	s.Lock()
	defer s.Unlock()

	if s.State() == types.StateDeletion {
		return nil, errors.Wrapf(ErrSpaceDeleting, "address space %d", s.id)
	}

	switch config.Placement {
	case types.PlacementAny:
		base, err := s.areas.FindSlot(size, s.base, s.size)
		if err != nil {
			return nil, err
		}
		a.Base = base
	case types.PlacementExact:
		if !s.Contains(a.Base, size) {
			return nil, errors.Wrapf(ErrInvalidRange, "area %q: 0x%x-0x%x is outside of the address space %d",
				a.Name, a.Base, a.End(), s.id)
		}
	default:
		return nil, errors.Errorf("unknown placement %d", config.Placement)
	}

	if err := s.insertArea(a); err != nil {
		return nil, err
	}
	s.refCount.Add(1)

	return a, nil
}

// DeleteArea deletes the area and releases the reference it holds on the address space.
func (m *Manager) DeleteArea(s *AddressSpace, id types.AreaID) error {
	s.Lock()
	a := s.areas.Find(id)
	if a == nil {
		s.Unlock()
		return errors.Wrapf(ErrAreaNotFound, "area %d in address space %d", id, s.id)
	}
	s.removeArea(a)
	s.translationMap.UnmapRange(a.Base, a.Size)
	s.Unlock()

	m.Put(s)
	return nil
}

// LookupArea returns the area containing the address.
func (m *Manager) LookupArea(s *AddressSpace, address types.VirtualAddress) (*area.Area, bool) {
	s.RLock()
	defer s.RUnlock()

	a := s.areas.Lookup(address)
	return a, a != nil
}

// DeleteAllAreas deletes all the areas of the address space being deleted.
func (m *Manager) DeleteAllAreas(s *AddressSpace) {
	s.Lock()
	if s.State() != types.StateDeletion {
		s.Unlock()
		panic(errors.Errorf("address space %d: areas deleted before entering deletion state", s.id))
	}

	var deleted uint64
	for a := s.popArea(); a != nil; a = s.popArea() {
		s.translationMap.UnmapRange(a.Base, a.Size)
		deleted++
	}
	s.Unlock()

	// Caller of Delete still holds its reference, so none of these puts destroys the space.
	for range deleted {
		m.Put(s)
	}
}
