package gpupool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolAlignsRequests(t *testing.T) {
	pool := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{UseMutex: true})

	// Uniform buffers bind at 256-byte boundaries
	alloc, err := pool.Allocate(100, BufferTypeUniform)
	require.NoError(t, err)
	require.Equal(t, 256, alloc.Size)
	require.Equal(t, 0, alloc.Offset)

	next, err := pool.Allocate(100, BufferTypeUniform)
	require.NoError(t, err)
	require.Equal(t, 256, next.Offset)

	// Vertex buffers only need 16
	vert, err := pool.Allocate(100, BufferTypeVertex)
	require.NoError(t, err)
	require.Equal(t, 112, vert.Size)

	require.NoError(t, pool.Free(alloc))
	require.NoError(t, pool.Free(next))
	require.NoError(t, pool.Free(vert))
	require.NoError(t, pool.Destroy())
}

func TestBufferPoolConservation(t *testing.T) {
	pool := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{UseMutex: true})

	var allocs []BufferAllocation
	for i := 0; i < 10; i++ {
		alloc, err := pool.Allocate(1024, BufferTypeVertex)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	stats := pool.Statistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 10, stats.AllocationCount)
	require.Equal(t, 10*1024, stats.AllocationBytes)

	for _, alloc := range allocs {
		require.NoError(t, pool.Free(alloc))
	}

	stats = pool.Statistics()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.AllocationBytes)
	require.NoError(t, pool.Destroy())
}

func TestBufferPoolCoalescesOnFree(t *testing.T) {
	device := newFakeDevice(64 << 20)
	pool := CreateBufferPool(device, BufferPoolCreateInfo{UseMutex: true})

	// Fill one vertex chunk completely with four quarters
	quarter := bufferTypeProps[BufferTypeVertex].DefaultChunkSize / 4
	var allocs []BufferAllocation
	for i := 0; i < 4; i++ {
		alloc, err := pool.Allocate(quarter, BufferTypeVertex)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	require.Equal(t, 1, device.bufferCreates)

	for _, alloc := range allocs {
		require.NoError(t, pool.Free(alloc))
	}

	// A full-chunk allocation only fits if the four freed quarters coalesced
	full, err := pool.Allocate(4*quarter, BufferTypeVertex)
	require.NoError(t, err)
	require.Equal(t, 1, device.bufferCreates)
	require.NoError(t, pool.Free(full))
}

func TestBufferPoolGrowsChunks(t *testing.T) {
	device := newFakeDevice(64 << 20)
	pool := CreateBufferPool(device, BufferPoolCreateInfo{UseMutex: true})

	// A request larger than half the default chunk size doubles instead
	big := bufferTypeProps[BufferTypeStaging].DefaultChunkSize
	alloc, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	require.Equal(t, 2*big, alloc.Buffer.Size())

	// Filling the first chunk creates a second one
	second, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	third, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	require.Equal(t, 2, device.bufferCreates)

	require.NoError(t, pool.Free(alloc))
	require.NoError(t, pool.Free(second))
	require.NoError(t, pool.Free(third))
}

func TestBufferPoolBudgetExhaustion(t *testing.T) {
	pool := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{
		MemoryBudget: bufferTypeProps[BufferTypeVertex].DefaultChunkSize,
		UseMutex:     true,
	})

	alloc, err := pool.Allocate(1024, BufferTypeVertex)
	require.NoError(t, err)

	// The first chunk consumed the whole budget
	_, err = pool.Allocate(bufferTypeProps[BufferTypeVertex].DefaultChunkSize, BufferTypeVertex)
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, pool.Free(alloc))
	require.NoError(t, pool.Destroy())
}

func TestBufferPoolCreationFailure(t *testing.T) {
	device := newFakeDevice(64 << 20)
	device.failBuffers = true
	pool := CreateBufferPool(device, BufferPoolCreateInfo{UseMutex: true})

	_, err := pool.Allocate(1024, BufferTypeVertex)
	require.ErrorIs(t, err, ErrBufferCreationFailed)
}

func TestBufferPoolFreeForeignAllocation(t *testing.T) {
	pool := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{UseMutex: true})
	other := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{UseMutex: true})

	alloc, err := other.Allocate(1024, BufferTypeIndex)
	require.NoError(t, err)

	require.ErrorIs(t, pool.Free(alloc), ErrBufferNotInPool)
	require.NoError(t, other.Free(alloc))
	require.ErrorIs(t, other.Free(alloc), ErrBufferNotInPool)
}

func TestBufferPoolMaintainShrinks(t *testing.T) {
	device := newFakeDevice(64 << 20)
	pool := CreateBufferPool(device, BufferPoolCreateInfo{UseMutex: true})

	// Force two staging chunks, then drain them both
	big := bufferTypeProps[BufferTypeStaging].DefaultChunkSize
	first, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	second, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	third, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Statistics().BlockCount)

	require.NoError(t, pool.Free(first))
	require.NoError(t, pool.Free(second))
	require.NoError(t, pool.Free(third))

	// Maintenance keeps at least one chunk per type
	pool.Maintain()
	require.Equal(t, 1, pool.Statistics().BlockCount)

	pool.Maintain()
	require.Equal(t, 1, pool.Statistics().BlockCount)
	require.NoError(t, pool.Destroy())
}

func TestBufferPoolMaintainSkipsLiveChunks(t *testing.T) {
	pool := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{UseMutex: true})

	big := bufferTypeProps[BufferTypeStaging].DefaultChunkSize
	first, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	second, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	third, err := pool.Allocate(big, BufferTypeStaging)
	require.NoError(t, err)
	require.NoError(t, pool.Free(first))
	require.NoError(t, pool.Free(second))

	// The drained chunk is released; the chunk holding the live allocation is not
	pool.Maintain()
	stats := pool.Statistics()
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1, stats.AllocationCount)

	require.NoError(t, pool.Free(third))
	require.NoError(t, pool.Destroy())
}

func TestBufferPoolStatsString(t *testing.T) {
	pool := CreateBufferPool(newFakeDevice(64<<20), BufferPoolCreateInfo{UseMutex: true})

	alloc, err := pool.Allocate(1024, BufferTypeUniform)
	require.NoError(t, err)

	stats := string(pool.BuildStatsString())
	require.Contains(t, stats, "\"Uniform\"")
	require.Contains(t, stats, "\"Utilization\"")

	require.NoError(t, pool.Free(alloc))
}
