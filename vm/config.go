package vm

import (
	"github.com/outofforest/vmspace/registry"
	"github.com/outofforest/vmspace/translation"
	"github.com/outofforest/vmspace/types"
)

// WorkingSetConfig stores default working set bounds, expressed in pages.
type WorkingSetConfig struct {
	Kernel uint64
	User   uint64
	Min    uint64
	Max    uint64
}

// Config stores configuration of the address space manager.
type Config struct {
	// Buckets is the number of buckets in the address space registry.
	Buckets uint64

	KernelID   types.AddressSpaceID
	KernelName string
	KernelBase types.VirtualAddress
	KernelSize uint64

	WorkingSet WorkingSetConfig

	// TranslationFactory creates translation maps for new address spaces.
	TranslationFactory translation.Factory

	// AreaManager tears down areas of deleted address spaces. Built-in area manager is used if nil.
	AreaManager AreaManager
}

// DefaultConfig is the default configuration of the address space manager.
var DefaultConfig = Config{
	Buckets:    registry.DefaultBuckets,
	KernelID:   types.KernelID,
	KernelName: "kernel_land",
	KernelBase: 0x80000000,
	KernelSize: 0x80000000,
	WorkingSet: WorkingSetConfig{
		Kernel: 1024,
		User:   256,
		Min:    4,
		Max:    4096,
	},
}

// UserBase and UserSize define the default virtual range of user address spaces.
const (
	UserBase types.VirtualAddress = 0x1000
	UserSize uint64               = 0x80000000 - 0x1000
)
