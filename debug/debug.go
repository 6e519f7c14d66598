package debug

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/vmspace/area"
	"github.com/outofforest/vmspace/types"
	"github.com/outofforest/vmspace/vm"
)

var (
	// ErrUsage is returned if command arguments are invalid.
	ErrUsage = errors.New("invalid usage")

	// ErrSpaceNotFound is returned if requested address space does not exist.
	ErrSpaceNotFound = errors.New("address space not found")
)

// Command is the diagnostic command exposed to the debugger console.
type Command struct {
	Name        string
	Usage       string
	Description string
	Run         func(w io.Writer, m *vm.Manager, args []string) error
}

// Commands returns diagnostic commands of the address space manager.
func Commands() []Command {
	return []Command{
		{
			Name:        "aspaces",
			Usage:       "aspaces",
			Description: "list all address spaces",
			Run: func(w io.Writer, m *vm.Manager, args []string) error {
				if len(args) != 0 {
					return errors.Wrap(ErrUsage, "usage: aspaces")
				}
				return ListSpaces(w, m)
			},
		},
		{
			Name:        "aspace",
			Usage:       "aspace <id|name>",
			Description: "dump info about a particular address space",
			Run: func(w io.Writer, m *vm.Manager, args []string) error {
				if len(args) != 1 {
					return errors.Wrap(ErrUsage, "usage: aspace <id|name>")
				}
				return DumpSpace(w, m, args[0])
			},
		},
	}
}

// ListSpaces prints one line for each address space. It never waits for locks, if registry is busy the walk is done
// without locking and output is marked as such.
func ListSpaces(w io.Writer, m *vm.Manager) error {
	spaces, locked := collect(m)

	if _, err := fmt.Fprintf(w, "%-18s %-8s %-32s %-18s %-18s\n", "address", "id", "name", "base", "size"); err != nil {
		return errors.WithStack(err)
	}
	for _, s := range spaces {
		if _, err := fmt.Fprintf(w, "%-18p %-8d %-32s 0x%016x 0x%016x\n",
			s, s.ID(), s.Name(), s.Base(), s.Size()); err != nil {
			return errors.WithStack(err)
		}
	}
	if !locked {
		if _, err := fmt.Fprintln(w, "registry is busy, listing obtained without locking"); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// DumpSpace prints details of the address space. If arg starts with 0x it is parsed as hexadecimal ID, otherwise
// it is the name of the space.
func DumpSpace(w io.Writer, m *vm.Manager, arg string) error {
	match, err := matcher(arg)
	if err != nil {
		return err
	}

	spaces, registryLocked := collect(m)
	s, found := lo.Find(spaces, match)
	if !found {
		return errors.Wrapf(ErrSpaceNotFound, "address space %q", arg)
	}

	// Lock state has to be captured before we take the read lock ourselves.
	lockState := s.LockState()
	spaceLocked := s.TryRLock()
	if spaceLocked {
		defer s.RUnlock()
	}

	p := printer{w: w}
	p.printf("address space %p:\n", s)
	p.printf("id:                 0x%x\n", s.ID())
	p.printf("name:               %q\n", s.Name())
	p.printf("kernel:             %t\n", s.IsKernel())
	p.printf("state:              %s\n", s.State())
	p.printf("ref_count:          %d\n", s.RefCount())
	p.printf("fault_count:        %d\n", s.FaultCount())
	size, minSize, maxSize := s.WorkingSet()
	p.printf("working_set:        %d (min %d, max %d)\n", size, minSize, maxSize)
	p.printf("scan_va:            0x%x\n", s.ScanVA())
	if tm := s.TranslationMap(); tm != nil {
		p.printf("translation_map:    %p (%d pages mapped)\n", tm, tm.MappedPages())
	}
	p.printf("base:               0x%x\n", s.Base())
	p.printf("size:               0x%x\n", s.Size())
	p.printf("change_count:       %d\n", s.ChangeCount())
	p.printf("lock:               %s\n", lockState)
	p.printf("area_hint:          %s\n", areaRef(s.AreaHint()))
	p.printf("area_count:         %d\n", s.NumOfAreas())
	p.printf("areas:\n")
	for a := range s.Areas() {
		p.printf("  id: 0x%-6x base: 0x%016x size: 0x%-12x prot: %s wiring: %d name: %s\n",
			a.ID, a.Base, a.Size, a.Protection, a.Wiring, a.Name)
	}
	if busy := lo.Compact([]string{
		lo.Ternary(registryLocked, "", "registry"),
		lo.Ternary(spaceLocked, "", "address space"),
	}); len(busy) != 0 {
		p.printf("%s busy, dump obtained without locking\n", strings.Join(busy, " and "))
	}
	return p.err
}

func matcher(arg string) (func(s *vm.AddressSpace) bool, error) {
	if hex, ok := strings.CutPrefix(arg, "0x"); ok {
		id, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrUsage, "invalid address space id %q", arg)
		}
		return func(s *vm.AddressSpace) bool {
			return s.ID() == types.AddressSpaceID(id)
		}, nil
	}
	if arg == "" {
		return nil, errors.Wrap(ErrUsage, "empty address space name")
	}
	return func(s *vm.AddressSpace) bool {
		return s.Name() == arg
	}, nil
}

func collect(m *vm.Manager) ([]*vm.AddressSpace, bool) {
	var spaces []*vm.AddressSpace
	add := func(s *vm.AddressSpace) bool {
		// Unlocked walk may step on an entry being removed.
		if s != nil {
			spaces = append(spaces, s)
		}
		return true
	}
	if m.TryForEach(add) {
		return spaces, true
	}
	m.ForEachUnlocked(add)
	return spaces, false
}

func areaRef(a *area.Area) string {
	if a == nil {
		return "none"
	}
	return fmt.Sprintf("0x%x (%s)", a.ID, a.Name)
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
	p.err = errors.WithStack(p.err)
}
