package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/vmspace/scanner"
	"github.com/outofforest/vmspace/types"
	"github.com/outofforest/vmspace/vm"
)

func TestScan(t *testing.T) {
	requireT := require.New(t)
	m, _ := vm.NewForTest(t)

	s, err := m.Create("team", m.NextID(), 0x10000, 0x8000, false)
	requireT.NoError(err)
	defer m.Delete(s)

	requireT.NoError(s.TranslationMap().Map(0x10000, 0x100000, types.ProtectionRead))
	requireT.NoError(s.TranslationMap().Map(0x14000, 0x101000, types.ProtectionRead))
	for range 10 {
		s.RecordFault()
	}

	sc := scanner.New(m, scanner.Config{Workers: 2, PagesPerScan: 4})

	results, err := sc.Scan(vm.NewTestContext())
	requireT.NoError(err)
	requireT.Len(results, 2)

	result, found := lo.Find(results, func(r scanner.Result) bool { return r.ID == s.ID() })
	requireT.True(found)
	requireT.EqualValues(10, result.Faults)
	requireT.EqualValues(1, result.MappedPages)
	requireT.Equal(vm.DefaultConfig.WorkingSet.User+10, result.WorkingSet)
	requireT.EqualValues(0x14000, s.ScanVA())

	results, err = sc.Scan(vm.NewTestContext())
	requireT.NoError(err)
	result, found = lo.Find(results, func(r scanner.Result) bool { return r.ID == s.ID() })
	requireT.True(found)
	requireT.Zero(result.Faults)
	requireT.EqualValues(1, result.MappedPages)
	requireT.EqualValues(233, result.WorkingSet)
	requireT.EqualValues(0x10000, s.ScanVA())

	// Scanner releases all the references it takes.
	requireT.EqualValues(1, s.RefCount())
	requireT.EqualValues(1, m.Kernel().RefCount())
}

func TestScanSkipsDestroyedSpaces(t *testing.T) {
	requireT := require.New(t)
	m, factory := vm.NewForTest(t)

	s, err := m.Create("team", m.NextID(), vm.UserBase, vm.UserSize, false)
	requireT.NoError(err)
	m.Delete(s)

	results, err := scanner.New(m, scanner.DefaultConfig).Scan(vm.NewTestContext())
	requireT.NoError(err)
	requireT.Len(results, 1)
	requireT.EqualValues(types.KernelID, results[0].ID)

	_, destroyed := factory.Stats()
	requireT.EqualValues(1, destroyed)
}

func TestRun(t *testing.T) {
	requireT := require.New(t)
	m, _ := vm.NewForTest(t)

	s, err := m.Create("team", m.NextID(), vm.UserBase, vm.UserSize, false)
	requireT.NoError(err)
	defer m.Delete(s)

	ctx, cancel := context.WithTimeout(vm.NewTestContext(), 200*time.Millisecond)
	defer cancel()

	sc := scanner.New(m, scanner.Config{Interval: 10 * time.Millisecond, Workers: 1, PagesPerScan: 16})
	requireT.ErrorIs(sc.Run(ctx), context.DeadlineExceeded)

	size, _, _ := s.WorkingSet()
	requireT.Less(size, vm.DefaultConfig.WorkingSet.User)
	requireT.EqualValues(1, s.RefCount())
}
