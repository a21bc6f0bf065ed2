package metadata

import (
	"github.com/aChase55/gpupool/memutils"
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Fragment is a contiguous region of free memory within a block
type Fragment struct {
	Offset int
	Size   int
}

// FreeListMetadata is a BlockMetadata implementation that manages the block as a
// first-fit free list. Free regions are kept sorted by offset, split when an
// allocation is carved out of them, and merged with their neighbors when an
// allocation is returned.
//
// This metadata never relocates live allocations: Defragment only merges adjacent
// free regions and reorders the scan order, so it improves placement of future
// allocations without touching current ones.
type FreeListMetadata struct {
	size        int
	sumFreeSize int

	fragments   []Fragment
	allocations *swiss.Map[BlockAllocationHandle, Suballocation]
	nextHandle  BlockAllocationHandle
}

var _ BlockMetadata = &FreeListMetadata{}

func NewFreeListMetadata() *FreeListMetadata {
	return &FreeListMetadata{
		allocations: swiss.NewMap[BlockAllocationHandle, Suballocation](42),
	}
}

// Init prepares the metadata for allocations, beginning with a single free
// fragment spanning the whole block.
func (m *FreeListMetadata) Init(size int) {
	m.size = size
	m.sumFreeSize = size
	m.fragments = []Fragment{{Offset: 0, Size: size}}
}

func (m *FreeListMetadata) Size() int        { return m.size }
func (m *FreeListMetadata) SumFreeSize() int { return m.sumFreeSize }

func (m *FreeListMetadata) AllocationCount() int {
	return m.allocations.Count()
}

func (m *FreeListMetadata) FreeRegionsCount() int {
	return len(m.fragments)
}

func (m *FreeListMetadata) IsEmpty() bool {
	return m.allocations.Count() == 0
}

func (m *FreeListMetadata) LargestFreeRegion() int {
	largest := 0
	for _, frag := range m.fragments {
		if frag.Size > largest {
			largest = frag.Size
		}
	}
	return largest
}

func (m *FreeListMetadata) MayHaveFreeRegion(size int) bool {
	return m.LargestFreeRegion() >= size
}

// FragmentationRatio is 0 when free space is one contiguous region and trends
// toward 1 as free space becomes scattered across many small regions.
func (m *FreeListMetadata) FragmentationRatio() float64 {
	return memutils.FragmentationRatio(m.LargestFreeRegion(), m.sumFreeSize)
}

// CreateAllocationRequest scans the free fragments in their current order and
// returns a request for the first one that can fit allocSize after aligning the
// fragment's offset up to allocAlignment. The boolean return is false when no
// fragment fits.
func (m *FreeListMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("allocation sizes must be positive")
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, AllocationRequest{}, err
	}

	for fragIndex, frag := range m.fragments {
		alignedOffset := memutils.AlignUp(frag.Offset, allocAlignment)
		padding := alignedOffset - frag.Offset
		if padding+allocSize > frag.Size {
			continue
		}

		return true, AllocationRequest{
			Offset:        alignedOffset,
			Size:          padding + allocSize,
			fragmentIndex: fragIndex,
		}, nil
	}

	return false, AllocationRequest{}, nil
}

// Alloc commits a request produced by CreateAllocationRequest, splitting the
// source fragment into the allocated region and a remainder that is reinserted
// into the free list sorted by offset.
func (m *FreeListMetadata) Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error) {
	if request.fragmentIndex >= len(m.fragments) {
		return NoAllocation, errors.New("allocation request is no longer valid for this metadata")
	}

	frag := m.fragments[request.fragmentIndex]
	padding := request.Offset - frag.Offset
	if padding < 0 || request.Size > frag.Size {
		return NoAllocation, errors.New("allocation request is no longer valid for this metadata")
	}

	// The padding before the aligned offset stays free, the remainder after the
	// allocation is reinserted, and the fragment itself is consumed.
	allocSize := request.Size - padding
	remainderOffset := request.Offset + allocSize
	remainderSize := frag.Offset + frag.Size - remainderOffset

	m.fragments = append(m.fragments[:request.fragmentIndex], m.fragments[request.fragmentIndex+1:]...)
	if padding > 0 {
		m.insertFragment(Fragment{Offset: frag.Offset, Size: padding})
	}
	if remainderSize > 0 {
		m.insertFragment(Fragment{Offset: remainderOffset, Size: remainderSize})
	}

	handle := m.nextHandle
	m.nextHandle++
	m.allocations.Put(handle, Suballocation{
		Offset:   request.Offset,
		Size:     allocSize,
		UserData: userData,
	})
	m.sumFreeSize -= allocSize

	return handle, nil
}

// Free returns an allocation's region to the free list and merges it with any
// offset-adjacent free neighbors in both directions.
func (m *FreeListMetadata) Free(allocHandle BlockAllocationHandle) error {
	suballoc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return cerrors.Wrapf(ErrUnknownAllocation, "handle %d", allocHandle)
	}

	m.allocations.Delete(allocHandle)
	m.sumFreeSize += suballoc.Size
	m.insertFragment(Fragment{Offset: suballoc.Offset, Size: suballoc.Size})

	return nil
}

// insertFragment places a fragment into the free list sorted by offset and merges
// it with adjacent neighbors. The list may be temporarily ordered by size after a
// Defragment call, so order is restored here before merging.
func (m *FreeListMetadata) insertFragment(frag Fragment) {
	m.fragments = append(m.fragments, frag)
	m.sortByOffset()
	m.mergeAdjacentFragments()
}

func (m *FreeListMetadata) sortByOffset() {
	slices.SortFunc(m.fragments, func(a, b Fragment) bool {
		return a.Offset < b.Offset
	})
}

// mergeAdjacentFragments requires the fragment list to be sorted by offset
func (m *FreeListMetadata) mergeAdjacentFragments() {
	merged := m.fragments[:0]
	for _, frag := range m.fragments {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.Offset+last.Size == frag.Offset {
				last.Size += frag.Size
				continue
			}
		}
		merged = append(merged, frag)
	}
	m.fragments = merged
}

// Defragment merges adjacent free regions and reorders the free list by
// descending size so that the first-fit scan lands in large regions first. Live
// allocations are never relocated.
func (m *FreeListMetadata) Defragment() {
	m.sortByOffset()
	m.mergeAdjacentFragments()
	slices.SortFunc(m.fragments, func(a, b Fragment) bool {
		return a.Size > b.Size
	})
}

func (m *FreeListMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return 0, cerrors.Wrapf(ErrUnknownAllocation, "handle %d", allocHandle)
	}
	return suballoc.Offset, nil
}

func (m *FreeListMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return nil, cerrors.Wrapf(ErrUnknownAllocation, "handle %d", allocHandle)
	}
	return suballoc.UserData, nil
}

// Validate checks the conservation invariant (free bytes plus allocated bytes
// equals block capacity), that no free fragments overlap, and that no adjacent
// free fragments were left unmerged.
func (m *FreeListMetadata) Validate() error {
	totalFree := 0
	for _, frag := range m.fragments {
		if frag.Size <= 0 {
			return cerrors.Errorf("free fragment at offset %d has non-positive size %d", frag.Offset, frag.Size)
		}
		totalFree += frag.Size
	}

	if totalFree != m.sumFreeSize {
		return cerrors.Errorf("free fragments total %d bytes but the metadata expected %d", totalFree, m.sumFreeSize)
	}

	totalAllocated := 0
	var iterErr error
	m.allocations.Iter(func(handle BlockAllocationHandle, suballoc Suballocation) bool {
		if suballoc.Offset < 0 || suballoc.Offset+suballoc.Size > m.size {
			iterErr = cerrors.Errorf("allocation %d (offset %d, size %d) lies outside the block", handle, suballoc.Offset, suballoc.Size)
			return true
		}
		totalAllocated += suballoc.Size
		return false
	})
	if iterErr != nil {
		return iterErr
	}

	if totalFree+totalAllocated != m.size {
		return cerrors.Errorf("free bytes %d + allocated bytes %d != block size %d", totalFree, totalAllocated, m.size)
	}

	sorted := make([]Fragment, len(m.fragments))
	copy(sorted, m.fragments)
	slices.SortFunc(sorted, func(a, b Fragment) bool { return a.Offset < b.Offset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Offset+sorted[i-1].Size > sorted[i].Offset {
			return cerrors.Errorf("free fragments at offsets %d and %d overlap", sorted[i-1].Offset, sorted[i].Offset)
		}
		if sorted[i-1].Offset+sorted[i-1].Size == sorted[i].Offset {
			return cerrors.Errorf("free fragments at offsets %d and %d are adjacent but unmerged", sorted[i-1].Offset, sorted[i].Offset)
		}
	}

	return nil
}

func (m *FreeListMetadata) Clear() {
	m.allocations = swiss.NewMap[BlockAllocationHandle, Suballocation](42)
	m.sumFreeSize = m.size
	m.fragments = []Fragment{{Offset: 0, Size: m.size}}
}

func (m *FreeListMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocations.Count()
	stats.AllocationBytes += m.size - m.sumFreeSize
}

func (m *FreeListMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	m.allocations.Iter(func(handle BlockAllocationHandle, suballoc Suballocation) bool {
		stats.AddAllocation(suballoc.Size)
		return false
	})

	for _, frag := range m.fragments {
		stats.AddUnusedRange(frag.Size)
	}
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.sumFreeSize)
	json.Name("Allocations").Int(m.allocations.Count())
	json.Name("UnusedRanges").Int(len(m.fragments))

	arrayState := json.Name("FreeFragments").Array()
	for _, frag := range m.fragments {
		obj := arrayState.Object()
		obj.Name("Offset").Int(frag.Offset)
		obj.Name("Size").Int(frag.Size)
		obj.End()
	}
	arrayState.End()
}
