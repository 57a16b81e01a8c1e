package gc

import (
	"errors"
	"unsafe"
)

// ErrTransientOOM is the out-of-band failure signal a raw allocator can
// use to distinguish a failure the collector should treat as
// recoverable by running a collection and retrying once, as opposed to a
// permanent allocator failure.
var ErrTransientOOM = errors.New("gc: transient out-of-memory")

// System is the raw byte allocator the collector delegates to — malloc,
// calloc, realloc and free semantics. Realloc takes the
// old size explicitly: a real C realloc recovers it from allocator-private
// metadata keyed by ptr, which Go gives this package no portable way to
// read back out of a bare unsafe.Pointer, so the collector (which already
// tracks it in the AllocationRecord) passes it through instead.
//
// Tests substitute a fake System to exercise the retry-after-collect path
// deterministically; production code uses defaultSystem, backed by Go's
// own runtime allocator, which in practice never returns ErrTransientOOM —
// Go exposes no recoverable allocation-failure signal; real exhaustion
// panics the process, as it would for any Go program.
type System interface {
	Malloc(size uintptr) (unsafe.Pointer, error)
	Calloc(count, size uintptr) (unsafe.Pointer, error)
	Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) (unsafe.Pointer, error)
	Free(ptr unsafe.Pointer)
}

// defaultSystem backs every managed region with a Go byte slice kept alive
// only by the AllocationRecord that owns it; once the record is unlinked
// and dropped, Go's own garbage collector reclaims the backing slice. This
// is the intentional boundary this collector sits behind: the interpreter
// treats gc.Collector as its memory authority, while gc.Collector itself
// still ultimately sits on top of a memory-safe host allocator.
type defaultSystem struct{}

func (defaultSystem) Malloc(size uintptr) (unsafe.Pointer, error) {
	buf := make([]byte, size)
	return rawPointer(buf), nil
}

func (defaultSystem) Calloc(count, size uintptr) (unsafe.Pointer, error) {
	buf := make([]byte, count*size) // make zeroes new slices; no separate memset needed
	return rawPointer(buf), nil
}

func (defaultSystem) Realloc(ptr unsafe.Pointer, oldSize, newSize uintptr) (unsafe.Pointer, error) {
	buf := make([]byte, newSize)
	if ptr != nil && oldSize > 0 {
		n := oldSize
		if newSize < n {
			n = newSize
		}
		src := unsafe.Slice((*byte)(ptr), oldSize)
		copy(buf, src[:n])
	}
	return rawPointer(buf), nil
}

func (defaultSystem) Free(unsafe.Pointer) {
	// Nothing to do: defaultSystem's regions are ordinary Go slices: once
	// the owning AllocationRecord is dropped, Go's runtime GC reclaims the
	// backing array on its own schedule.
}

// rawPointer returns a stable address for buf, including the length-zero
// case where indexing [0] would panic.
func rawPointer(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return unsafe.Pointer(&struct{}{})
	}
	return unsafe.Pointer(&buf[0])
}
