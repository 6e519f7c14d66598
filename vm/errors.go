package vm

import "github.com/pkg/errors"

var (
	// ErrNoMemory is returned if resources required by the address space cannot be allocated.
	ErrNoMemory = errors.New("no memory")

	// ErrNotReady is returned if user address space is created before locking is enabled.
	ErrNotReady = errors.New("address space manager is not fully initialized")

	// ErrReservedID is returned if user address space is created with the kernel ID.
	ErrReservedID = errors.New("address space ID is reserved for the kernel")

	// ErrKernelExists is returned if second kernel address space is requested.
	ErrKernelExists = errors.New("kernel address space exists already")

	// ErrInvalidRange is returned if virtual range of the address space or area is invalid.
	ErrInvalidRange = errors.New("invalid virtual range")

	// ErrSpaceDeleting is returned if area is added to the address space being deleted.
	ErrSpaceDeleting = errors.New("address space is being deleted")

	// ErrAreaNotFound is returned if area does not exist.
	ErrAreaNotFound = errors.New("area does not exist")
)
