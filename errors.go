package gpupool

import "github.com/pkg/errors"

// Exhaustion errors are recoverable: the caller may trigger explicit garbage
// collection or eviction, reduce the request size, or fall back to an unpooled
// direct allocation.
var (
	// ErrInsufficientSpace is returned when no free fragment in a heap can satisfy
	// an allocation request after alignment
	ErrInsufficientSpace error = errors.New("no free fragment large enough for the requested allocation")
	// ErrPoolExhausted is returned when satisfying a buffer allocation would push
	// the pool past its memory budget
	ErrPoolExhausted error = errors.New("allocating a new chunk would exceed the pool memory budget")
)

// Creation failures surface device-level resource exhaustion per request and are
// not retried automatically.
var (
	ErrTextureCreationFailed error = errors.New("the device failed to create a texture")
	ErrBufferCreationFailed  error = errors.New("the device failed to create a buffer")
	ErrHeapCreationFailed    error = errors.New("the device failed to create heap memory")
)

// Conflict errors signal an incorrect lifetime or aliasing assumption in the
// caller. They are raised immediately and never silently ignored.
var (
	// ErrAliasConflict is returned when an allocation names an alias group that is
	// currently active
	ErrAliasConflict error = errors.New("the requested alias group is currently active")
	// ErrResourceNotInHeap is returned when a heap is asked to free an allocation
	// it does not own
	ErrResourceNotInHeap error = errors.New("the allocation does not belong to this heap")
	// ErrBufferNotInPool is returned when a pool is asked to free a buffer
	// allocation it does not own
	ErrBufferNotInPool error = errors.New("the allocation does not belong to this buffer pool")
	// ErrTextureNotActive is returned when a texture handle being released is not
	// in the pool's active set
	ErrTextureNotActive error = errors.New("the texture handle is not checked out of this pool")
)

// Compilation failures are surfaced per request with the originating error
// attached. A failed key is not cached, so a later caller can retry after an
// external fix.
var (
	ErrCompilationFailed error = errors.New("pipeline compilation failed")
	// ErrAsyncCompilation is returned when an in-flight compile finishes with
	// neither a pipeline nor an error
	ErrAsyncCompilation error = errors.New("pipeline compilation produced no result")
	// ErrTooManyCompiles is returned from Precompile when the maximum number of
	// in-flight compilations are already outstanding
	ErrTooManyCompiles error = errors.New("too many pipeline compilations in flight")
)
