// Package gpupool provides the GPU resource management layer beneath a real-time
// layer-compositing renderer. It supplies textures, buffers, raw device memory, and
// compiled pipeline objects to rendering code on demand while minimizing allocation
// stalls, shader-compile latency, and fragmentation.
//
// Four managers cooperate, each an independent lock domain:
//
//   - ResourceHeap (and HeapManager) sub-allocates byte ranges from fixed-size
//     regions of device memory, with named aliasing groups and fragment coalescing.
//   - BufferPool manages growable collections of fixed-size buffer chunks segmented
//     by usage type, each chunk an independent free-list allocator.
//   - TexturePool caches whole GPU texture objects keyed by a structural descriptor
//     and recycles them across frames with priority- and age-based eviction.
//   - PipelineStateCache compiles and caches pipeline objects keyed by a content
//     hash, deduplicating concurrent identical compiles.
//
// The device itself is an opaque factory behind the Device interface; gpupool never
// talks to a GPU API directly.
package gpupool
