package metadata

import (
	"math"

	"github.com/aChase55/gpupool/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BlockAllocationHandle is a numeric handle used to identify individual allocations
// within a block's metadata. Handles are issued at allocation time and remain stable
// for the life of the allocation regardless of how free regions around it change.
type BlockAllocationHandle uint64

const (
	// NoAllocation is the BlockAllocationHandle value returned when no allocation exists
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes a single live allocation within a block: where it lives,
// how large it is, and the consumer-provided userdata attached to it.
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
}

// AllocationRequest indicates where and how the metadata intends to place a new
// allocation. It is produced by FreeListMetadata.CreateAllocationRequest and can be
// applied to the actual memory system consuming memutils before being committed to
// the metadata with FreeListMetadata.Alloc.
type AllocationRequest struct {
	// Offset is the aligned offset within the block where the allocation will be placed
	Offset int
	// Size is the size in bytes that will be consumed by the allocation
	Size int

	// fragmentIndex identifies the free region the request was carved from, so that
	// Alloc can verify the request is still valid when it is committed
	fragmentIndex int
}

// BlockMetadata represents a single large allocation of memory within some system. It
// manages suballocations within the block, allowing allocations to be requested and
// freed, as well as enumerated and queried.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. The size parameter is the
	// size in bytes of the block of memory the metadata will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the
	// implementation is functioning correctly, it should not be possible for this
	// method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the
	// block. Adjacent regions of free memory are merged into a single region.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block
	SumFreeSize() int
	// LargestFreeRegion returns the size in bytes of the largest single free region
	LargestFreeRegion() int
	// MayHaveFreeRegion returns a heuristic indicating whether the block could
	// support a new allocation of the provided size. It must be fast and must not
	// produce false negatives.
	MayHaveFreeRegion(size int) bool
	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where
	// the implementation would prefer to allocate the requested memory. The boolean
	// return is false when no free region can satisfy the request.
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation within
	// the block. The implementation must return an error if the request is no longer
	// valid.
	Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error)
	// Free frees a suballocation within the block, causing it to become a free
	// region once again. The implementation must return an error if the provided
	// handle does not map to a live allocation within this block.
	Free(allocHandle BlockAllocationHandle) error

	// AllocationOffset returns the offset in bytes within the block for a live
	// allocation, or an error if the handle is unknown.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userdata value provided by the consumer for a
	// live allocation, or an error if the handle is unknown.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddDetailedStatistics sums this block's allocation statistics into the
	// statistics currently present in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics
	// currently present in the provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations and restores a single free region
	// spanning the block
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)
}
