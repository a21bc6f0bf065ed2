package gpupool

import "context"

// Texture is an opaque GPU texture object created by a Device
type Texture interface {
	// Size returns the texture's memory footprint in bytes
	Size() int
	// Release returns the texture's memory to the device
	Release()
}

// Buffer is an opaque GPU buffer object created by a Device
type Buffer interface {
	Size() int
	Release()
}

// HeapMemory is one contiguous region of device memory that a ResourceHeap
// sub-allocates from
type HeapMemory interface {
	Size() int
	Release()
}

// Pipeline is an opaque compiled GPU pipeline object
type Pipeline interface {
	Release()
}

// Device is the opaque factory contract every manager consumes. Implementations
// wrap a real GPU API; tests substitute fakes. All methods must be safe to call
// from multiple goroutines.
type Device interface {
	// CreateTexture creates a standalone texture from a descriptor
	CreateTexture(descriptor TextureDescriptor) (Texture, error)
	// CreatePlacedTexture creates a texture backed by an existing region of heap
	// memory at the given byte offset
	CreatePlacedTexture(descriptor TextureDescriptor, memory HeapMemory, offset int) (Texture, error)
	// CreateBuffer creates a buffer of the requested size for the given usage type
	CreateBuffer(size int, bufferType BufferType) (Buffer, error)
	// CreateHeapMemory allocates one contiguous region of device memory
	CreateHeapMemory(size int) (HeapMemory, error)
	// MemoryBudget returns the device's hint for how many bytes this process
	// should keep resident
	MemoryBudget() int
}

// PipelineCompiler produces compiled pipelines from descriptors. Compilation is
// the slow path of the system and is expected to suspend the calling goroutine;
// the provided context is cancelled when the owning cache is cleared or torn down.
type PipelineCompiler interface {
	CompilePipeline(ctx context.Context, descriptor PipelineDescriptor) (Pipeline, error)
}
