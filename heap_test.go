package gpupool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func createTestHeap(t *testing.T, size int) *ResourceHeap {
	t.Helper()

	heap, err := CreateResourceHeap(newFakeDevice(size*2), "test", size, true, nil)
	require.NoError(t, err)
	return heap
}

func TestHeapAllocateAndFree(t *testing.T) {
	heap := createTestHeap(t, 1024)

	alloc, err := heap.Allocate(100, 1, "")
	require.NoError(t, err)
	require.Equal(t, 0, alloc.Offset)
	require.Equal(t, 1, heap.AllocationCount())
	require.Equal(t, 924, heap.SumFreeSize())

	require.NoError(t, heap.Free(alloc))
	require.Equal(t, 0, heap.AllocationCount())
	require.Equal(t, 1024, heap.SumFreeSize())
	require.NoError(t, heap.Destroy())
}

func TestHeapFragmentationScenario(t *testing.T) {
	heap := createTestHeap(t, 1048576)

	a, err := heap.Allocate(262144, 1, "")
	require.NoError(t, err)
	b, err := heap.Allocate(262144, 1, "")
	require.NoError(t, err)

	// One contiguous 512KiB fragment remains
	require.Equal(t, 0.0, heap.FragmentationRatio())

	// Freeing A while B remains leaves 0-256KiB and 512KiB-1MiB free: 768KiB
	// total with a 512KiB largest fragment
	require.NoError(t, heap.Free(a))
	require.Equal(t, 786432, heap.SumFreeSize())
	require.InDelta(t, 1.0/3.0, heap.FragmentationRatio(), 0.001)

	require.NoError(t, heap.Free(b))
	require.Equal(t, 0.0, heap.FragmentationRatio())
	require.NoError(t, heap.Destroy())
}

func TestHeapInsufficientSpace(t *testing.T) {
	heap := createTestHeap(t, 1024)

	_, err := heap.Allocate(2048, 1, "")
	require.ErrorIs(t, err, ErrInsufficientSpace)

	// Fill the heap, then overflow it
	_, err = heap.Allocate(1024, 1, "")
	require.NoError(t, err)
	_, err = heap.Allocate(1, 1, "")
	require.ErrorIs(t, err, ErrInsufficientSpace)
}

func TestHeapAliasConflict(t *testing.T) {
	heap := createTestHeap(t, 1024)

	alloc, err := heap.Allocate(256, 1, "shadow-pass")
	require.NoError(t, err)
	require.Equal(t, "shadow-pass", alloc.AliasGroup)

	heap.ActivateAliasGroup("shadow-pass")
	require.True(t, heap.AliasGroupActive("shadow-pass"))

	_, err = heap.Allocate(256, 1, "shadow-pass")
	require.ErrorIs(t, err, ErrAliasConflict)

	// Other groups are unaffected
	_, err = heap.Allocate(256, 1, "bloom-pass")
	require.NoError(t, err)

	heap.DeactivateAliasGroup("shadow-pass")
	_, err = heap.Allocate(256, 1, "shadow-pass")
	require.NoError(t, err)
}

func TestHeapFreeForeignAllocation(t *testing.T) {
	heap := createTestHeap(t, 1024)
	other := createTestHeap(t, 1024)

	alloc, err := other.Allocate(100, 1, "")
	require.NoError(t, err)

	require.ErrorIs(t, heap.Free(alloc), ErrResourceNotInHeap)

	require.NoError(t, other.Free(alloc))
	require.ErrorIs(t, other.Free(alloc), ErrResourceNotInHeap)
}

func TestHeapConservation(t *testing.T) {
	heap := createTestHeap(t, 4096)

	var allocs []HeapAllocation
	for i := 0; i < 8; i++ {
		alloc, err := heap.Allocate(256, 64, "")
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	// freeSize + usedSize == totalSize after every mutation
	require.Equal(t, 4096-8*256, heap.SumFreeSize())

	for i := 0; i < len(allocs); i += 2 {
		require.NoError(t, heap.Free(allocs[i]))
	}
	require.Equal(t, 4096-4*256, heap.SumFreeSize())

	heap.Defragment()
	require.Equal(t, 4096-4*256, heap.SumFreeSize())
}

func TestHeapDestroyWithLiveAllocations(t *testing.T) {
	heap := createTestHeap(t, 1024)

	alloc, err := heap.Allocate(100, 1, "")
	require.NoError(t, err)

	require.Error(t, heap.Destroy())
	require.NoError(t, heap.Free(alloc))
	require.NoError(t, heap.Destroy())
}

func TestHeapCreationFailure(t *testing.T) {
	device := newFakeDevice(1024)
	device.failHeaps = true

	_, err := CreateResourceHeap(device, "test", 1024, true, nil)
	require.ErrorIs(t, err, ErrHeapCreationFailed)
}

func TestHeapManagerBudgetFractions(t *testing.T) {
	device := newFakeDevice(1000)

	manager, err := CreateHeapManager(device, HeapManagerCreateInfo{UseMutex: true})
	require.NoError(t, err)

	main := manager.Heap("main")
	require.NotNil(t, main)
	require.Equal(t, 500, main.Size())

	transient := manager.Heap("transient")
	require.NotNil(t, transient)
	require.Equal(t, 250, transient.Size())

	require.Nil(t, manager.Heap("missing"))
	require.NoError(t, manager.Destroy())
}

func TestHeapManagerCustomHeaps(t *testing.T) {
	manager, err := CreateHeapManager(newFakeDevice(1000), HeapManagerCreateInfo{UseMutex: true})
	require.NoError(t, err)

	heap, err := manager.CreateHeap("streaming", 128)
	require.NoError(t, err)
	require.Equal(t, 128, heap.Size())

	_, err = manager.CreateHeap("streaming", 128)
	require.Error(t, err)

	alloc, err := heap.Allocate(64, 1, "")
	require.NoError(t, err)
	require.Error(t, manager.DestroyHeap("streaming"))

	require.NoError(t, heap.Free(alloc))
	require.NoError(t, manager.DestroyHeap("streaming"))
	require.Error(t, manager.DestroyHeap("streaming"))
}

func TestHeapManagerGarbageCollect(t *testing.T) {
	manager, err := CreateHeapManager(newFakeDevice(1 << 20), HeapManagerCreateInfo{UseMutex: true})
	require.NoError(t, err)

	main := manager.Heap("main")
	a, err := main.Allocate(1024, 1, "")
	require.NoError(t, err)
	b, err := main.Allocate(1024, 1, "")
	require.NoError(t, err)
	c, err := main.Allocate(1024, 1, "")
	require.NoError(t, err)

	require.NoError(t, main.Free(a))
	require.NoError(t, main.Free(c))
	require.Greater(t, main.FragmentationRatio(), 0.0)

	// The sweep coalesces what it can; freeing b afterward restores one region
	manager.GarbageCollect()
	require.NoError(t, main.Free(b))
	manager.GarbageCollect()
	require.Equal(t, 0.0, main.FragmentationRatio())
}

func TestHeapManagerStatsString(t *testing.T) {
	manager, err := CreateHeapManager(newFakeDevice(1000), HeapManagerCreateInfo{UseMutex: true})
	require.NoError(t, err)

	_, err = manager.Heap("main").Allocate(100, 1, "")
	require.NoError(t, err)

	stats := manager.BuildStatsString()
	require.Contains(t, string(stats), "\"Heaps\"")
	require.Contains(t, string(stats), "\"main\"")
	require.Contains(t, string(stats), "\"transient\"")
}
