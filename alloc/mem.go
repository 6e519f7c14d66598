package alloc

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNoMemory is returned if memory cannot be allocated.
var ErrNoMemory = errors.New("out of memory")

// Huge page sizes supported by the kernel.
const (
	hugePageSize2M = 2 * 1024 * 1024
	hugePageSize1G = 1024 * 1024 * 1024
)

// AllocatePages allocates zeroed, page-aligned memory big enough to store count pages of pageSize bytes.
// Returned function releases the memory.
func AllocatePages(count, pageSize uint64, useHugePages bool) (unsafe.Pointer, func(), error) {
	if count == 0 || pageSize == 0 {
		return nil, nil, errors.Wrap(ErrNoMemory, "zero-sized allocation")
	}

	opts := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if useHugePages {
		opts |= unix.MAP_HUGETLB
	}

	size := uintptr(count * pageSize)
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_READ|unix.PROT_WRITE, opts)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrNoMemory, "mmap of 0x%x bytes failed: %s", size, err)
	}

	return p, func() {
		// munmap must receive the size rounded up to the real page size, otherwise it fails and memory leaks.
		// There is no way to ask for the huge page size, so both possible ones are tried.
		if useHugePages {
			if err := unmap(p, size, hugePageSize2M); err == nil {
				return
			}
			_ = unmap(p, size, hugePageSize1G)
			return
		}
		_ = unmap(p, size, uintptr(os.Getpagesize()))
	}, nil
}

func unmap(p unsafe.Pointer, size, pageSize uintptr) error {
	return unix.MunmapPtr(p, (size+pageSize-1)/pageSize*pageSize)
}
