package gpupool

import (
	"log/slog"
	"sync/atomic"

	"github.com/aChase55/gpupool/internal/utils"
	"github.com/aChase55/gpupool/memutils"
	"github.com/aChase55/gpupool/memutils/metadata"
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// HeapAllocation identifies a byte range sub-allocated from a ResourceHeap. The
// value is opaque outside this package apart from its placement fields; pass it
// back to ResourceHeap.Free when the range is no longer needed.
type HeapAllocation struct {
	Offset     int
	Size       int
	Alignment  uint
	AliasGroup string

	handle metadata.BlockAllocationHandle
	heapID int
}

// ResourceHeap owns one contiguous region of device memory and sub-allocates
// byte ranges from it for textures and buffers. Resources with non-overlapping
// lifetimes may share ranges through named alias groups; the heap checks group
// conflicts at allocation time but the activation protocol is cooperative.
//
// All methods are safe for concurrent use when the heap was created with
// useMutex true.
type ResourceHeap struct {
	logger *slog.Logger
	name   string
	id     int

	memory   HeapMemory
	metadata *metadata.FreeListMetadata

	// alias group name -> currently active
	aliasGroups map[string]bool

	mutex utils.OptionalRWMutex
}

var nextHeapID atomic.Int64

// CreateResourceHeap allocates one region of device memory of the given size and
// prepares it for sub-allocation.
func CreateResourceHeap(device Device, name string, size int, useMutex bool, logger *slog.Logger) (*ResourceHeap, error) {
	logger = resolveLogger(logger)

	if size <= 0 {
		return nil, cerrors.Errorf("heap %s requested with non-positive size %d", name, size)
	}

	memory, err := device.CreateHeapMemory(size)
	if err != nil {
		return nil, cerrors.Wrapf(cerrors.Mark(err, ErrHeapCreationFailed), "heap %s, size %d", name, size)
	}

	md := metadata.NewFreeListMetadata()
	md.Init(size)

	heap := &ResourceHeap{
		logger:      logger,
		name:        name,
		id:          int(nextHeapID.Add(1)),
		memory:      memory,
		metadata:    md,
		aliasGroups: map[string]bool{},
		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
	}

	logger.Debug("ResourceHeap::Create", slog.String("name", name), slog.Int("size", size))
	return heap, nil
}

func (h *ResourceHeap) Name() string { return h.name }

func (h *ResourceHeap) Size() int { return h.metadata.Size() }

// Memory exposes the backing device memory so callers can place resources at
// allocated offsets.
func (h *ResourceHeap) Memory() HeapMemory { return h.memory }

// Allocate finds the first free fragment that can fit size bytes after aligning
// up to alignment, splits it, and records the allocation. An empty aliasGroup
// means the allocation does not alias. Allocating into an alias group that is
// currently active fails with ErrAliasConflict; no fragment large enough fails
// with ErrInsufficientSpace.
func (h *ResourceHeap) Allocate(size int, alignment uint, aliasGroup string) (HeapAllocation, error) {
	h.logger.Debug("ResourceHeap::Allocate", slog.String("heap", h.name), slog.Int("size", size))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if aliasGroup != "" && h.aliasGroups[aliasGroup] {
		return HeapAllocation{}, cerrors.Wrapf(ErrAliasConflict, "heap %s, alias group %s", h.name, aliasGroup)
	}

	success, request, err := h.metadata.CreateAllocationRequest(size, alignment)
	if err != nil {
		return HeapAllocation{}, err
	}
	if !success {
		return HeapAllocation{}, cerrors.Wrapf(ErrInsufficientSpace, "heap %s, size %d, alignment %d, free %d",
			h.name, size, alignment, h.metadata.SumFreeSize())
	}

	handle, err := h.metadata.Alloc(request, aliasGroup)
	if err != nil {
		return HeapAllocation{}, err
	}
	memutils.DebugValidate(h.metadata)

	return HeapAllocation{
		Offset:     request.Offset,
		Size:       size,
		Alignment:  alignment,
		AliasGroup: aliasGroup,
		handle:     handle,
		heapID:     h.id,
	}, nil
}

// Free returns an allocation's range to the free list and merges it with any
// offset-adjacent free neighbors. Freeing an allocation this heap does not own
// fails with ErrResourceNotInHeap.
func (h *ResourceHeap) Free(allocation HeapAllocation) error {
	h.logger.Debug("ResourceHeap::Free", slog.String("heap", h.name), slog.Int("offset", allocation.Offset))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if allocation.heapID != h.id {
		return cerrors.Wrapf(ErrResourceNotInHeap, "heap %s, offset %d", h.name, allocation.Offset)
	}

	err := h.metadata.Free(allocation.handle)
	if cerrors.Is(err, metadata.ErrUnknownAllocation) {
		return cerrors.Wrapf(ErrResourceNotInHeap, "heap %s, offset %d", h.name, allocation.Offset)
	}
	if err != nil {
		return err
	}

	memutils.DebugValidate(h.metadata)
	return nil
}

// ActivateAliasGroup marks a named alias group as live, so allocations naming the
// same group fail until it is deactivated. The heap does not enforce temporal
// safety beyond this conflict check.
func (h *ResourceHeap) ActivateAliasGroup(name string) {
	h.logger.Debug("ResourceHeap::ActivateAliasGroup", slog.String("heap", h.name), slog.String("group", name))

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.aliasGroups[name] = true
}

// DeactivateAliasGroup clears a named alias group's live marker
func (h *ResourceHeap) DeactivateAliasGroup(name string) {
	h.logger.Debug("ResourceHeap::DeactivateAliasGroup", slog.String("heap", h.name), slog.String("group", name))

	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.aliasGroups, name)
}

// AliasGroupActive reports whether a named alias group is currently live
func (h *ResourceHeap) AliasGroupActive(name string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.aliasGroups[name]
}

// FragmentationRatio is 0 when free space is one contiguous block, trending
// toward 1 as free space becomes scattered.
func (h *ResourceHeap) FragmentationRatio() float64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.metadata.FragmentationRatio()
}

// Defragment merges adjacent free fragments and reorders the free list by
// descending size, improving placement of future allocations. Live resources are
// never relocated.
func (h *ResourceHeap) Defragment() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	before := h.metadata.FragmentationRatio()
	h.metadata.Defragment()
	memutils.DebugValidate(h.metadata)

	h.logger.Debug("ResourceHeap::Defragment",
		slog.String("heap", h.name),
		slog.Float64("fragmentationBefore", before),
		slog.Float64("fragmentationAfter", h.metadata.FragmentationRatio()),
	)
}

// AllocationCount returns the number of live allocations in the heap
func (h *ResourceHeap) AllocationCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.metadata.AllocationCount()
}

// SumFreeSize returns the number of free bytes remaining in the heap
func (h *ResourceHeap) SumFreeSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.metadata.SumFreeSize()
}

// AddDetailedStatistics sums this heap's allocation statistics into stats
func (h *ResourceHeap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	h.metadata.AddDetailedStatistics(stats)
}

// AddStatistics sums this heap's allocation statistics into stats
func (h *ResourceHeap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	h.metadata.AddStatistics(stats)
}

// HeapJsonData populates a json object with diagnostic information about this heap
func (h *ResourceHeap) HeapJsonData(json jwriter.ObjectState) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	json.Name("Name").String(h.name)
	json.Name("FragmentationRatio").Float64(h.metadata.FragmentationRatio())

	groups := json.Name("ActiveAliasGroups").Array()
	for name, active := range h.aliasGroups {
		if active {
			groups.String(name)
		}
	}
	groups.End()

	h.metadata.BlockJsonData(json)
}

// Destroy releases the heap's device memory. It fails if any allocations remain
// live, since freeing the backing memory would leave them dangling.
func (h *ResourceHeap) Destroy() error {
	h.logger.Debug("ResourceHeap::Destroy", slog.String("heap", h.name))

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.metadata.IsEmpty() {
		return cerrors.Errorf("heap %s still has %d live allocations", h.name, h.metadata.AllocationCount())
	}

	h.memory.Release()
	h.memory = nil
	return nil
}
