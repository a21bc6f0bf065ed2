package gpupool

import (
	"log/slog"

	"github.com/aChase55/gpupool/internal/utils"
	"github.com/aChase55/gpupool/memutils"
	"github.com/aChase55/gpupool/memutils/metadata"
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// bufferTypeProperties fixes the chunk sizing and alignment rules per usage type.
// Uniform and storage buffers bind at coarser boundaries than vertex data, so
// their alignment is larger.
type bufferTypeProperties struct {
	DefaultChunkSize int
	Alignment        uint
}

var bufferTypeProps = map[BufferType]bufferTypeProperties{
	BufferTypeVertex:  {DefaultChunkSize: 4 * 1024 * 1024, Alignment: 16},
	BufferTypeIndex:   {DefaultChunkSize: 2 * 1024 * 1024, Alignment: 16},
	BufferTypeUniform: {DefaultChunkSize: 1 * 1024 * 1024, Alignment: 256},
	BufferTypeStorage: {DefaultChunkSize: 4 * 1024 * 1024, Alignment: 256},
	BufferTypeStaging: {DefaultChunkSize: 8 * 1024 * 1024, Alignment: 64},
}

// BufferAllocation identifies a byte range carved out of a pooled buffer chunk.
// Buffer is the chunk's underlying device buffer and Offset the range's position
// within it.
type BufferAllocation struct {
	Buffer Buffer
	Offset int
	Size   int
	Type   BufferType

	handle  metadata.BlockAllocationHandle
	chunkID int
}

// bufferChunk is a single device buffer managed as an independent free-list
// allocator.
type bufferChunk struct {
	id       int
	buffer   Buffer
	metadata *metadata.FreeListMetadata
}

func (c *bufferChunk) utilization() float64 {
	size := c.metadata.Size()
	if size == 0 {
		return 0
	}
	return float64(size-c.metadata.SumFreeSize()) / float64(size)
}

// BufferPoolCreateInfo configures a BufferPool.
type BufferPoolCreateInfo struct {
	// MemoryBudget caps the total bytes of chunk capacity across all usage types.
	// Zero means the device's memory budget hint.
	MemoryBudget int
	// Logger receives debug-level operation logs. Nil disables logging.
	Logger *slog.Logger
	// Tuning supplies the shrink threshold. The zero value is replaced with
	// DefaultTuning's buffer pool section.
	Tuning BufferPoolTuning
	// UseMutex should be true unless the consumer guarantees external
	// synchronization
	UseMutex bool
}

// BufferPool provides type-segmented, growable buffer capacity without a full
// device allocation per request. Requests are served from existing chunks when
// possible, emptiest-first; new chunks are created only while the memory budget
// allows.
type BufferPool struct {
	logger *slog.Logger
	device Device
	tuning BufferPoolTuning

	memoryBudget int
	totalBytes   int
	nextChunkID  int

	chunks map[BufferType][]*bufferChunk
	mutex  utils.OptionalRWMutex
}

// CreateBufferPool builds an empty pool. Chunks are created lazily on first
// demand per usage type.
func CreateBufferPool(device Device, createInfo BufferPoolCreateInfo) *BufferPool {
	logger := resolveLogger(createInfo.Logger)

	tuning := createInfo.Tuning
	if tuning.ShrinkUtilizationThreshold == 0 {
		tuning = DefaultTuning().BufferPool
	}

	budget := createInfo.MemoryBudget
	if budget <= 0 {
		budget = device.MemoryBudget()
	}

	return &BufferPool{
		logger:       logger,
		device:       device,
		tuning:       tuning,
		memoryBudget: budget,
		nextChunkID:  1,
		chunks:       map[BufferType][]*bufferChunk{},
		mutex:        utils.OptionalRWMutex{UseMutex: createInfo.UseMutex},
	}
}

// Allocate carves size bytes out of a chunk of the given usage type, aligning
// the request up to the type's required alignment. Existing chunks are searched
// emptiest-first; when none fits, a new chunk sized max(2x request, type default)
// is created if the memory budget allows. Exceeding the budget fails with
// ErrPoolExhausted; a device refusal fails with ErrBufferCreationFailed.
func (p *BufferPool) Allocate(size int, bufferType BufferType) (BufferAllocation, error) {
	p.logger.Debug("BufferPool::Allocate", slog.String("type", bufferType.String()), slog.Int("size", size))

	props, ok := bufferTypeProps[bufferType]
	if !ok {
		return BufferAllocation{}, cerrors.Errorf("unknown buffer type %d", bufferType)
	}
	if size <= 0 {
		return BufferAllocation{}, cerrors.Errorf("buffer allocation sizes must be positive, got %d", size)
	}

	alignedSize := memutils.AlignUp(size, props.Alignment)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Emptiest chunks first, so bursty allocations refill drained chunks before
	// touching busy ones
	typeChunks := p.chunks[bufferType]
	slices.SortStableFunc(typeChunks, func(a, b *bufferChunk) bool {
		return a.utilization() < b.utilization()
	})

	for _, chunk := range typeChunks {
		if !chunk.metadata.MayHaveFreeRegion(alignedSize) {
			continue
		}

		allocation, ok := p.allocFromChunk(chunk, alignedSize, props.Alignment, bufferType)
		if ok {
			return allocation, nil
		}
	}

	// No existing chunk fits; grow if the budget allows
	chunkSize := 2 * alignedSize
	if chunkSize < props.DefaultChunkSize {
		chunkSize = props.DefaultChunkSize
	}

	if p.totalBytes+chunkSize > p.memoryBudget {
		return BufferAllocation{}, cerrors.Wrapf(ErrPoolExhausted, "type %s, request %d, budget %d, in use %d",
			bufferType, alignedSize, p.memoryBudget, p.totalBytes)
	}

	buffer, err := p.device.CreateBuffer(chunkSize, bufferType)
	if err != nil {
		return BufferAllocation{}, cerrors.Wrapf(cerrors.Mark(err, ErrBufferCreationFailed),
			"type %s, chunk size %d", bufferType, chunkSize)
	}

	md := metadata.NewFreeListMetadata()
	md.Init(chunkSize)
	chunk := &bufferChunk{
		id:       p.nextChunkID,
		buffer:   buffer,
		metadata: md,
	}
	p.nextChunkID++
	p.chunks[bufferType] = append(p.chunks[bufferType], chunk)
	p.totalBytes += chunkSize

	p.logger.Debug("BufferPool::Allocate created chunk",
		slog.String("type", bufferType.String()),
		slog.Int("chunkSize", chunkSize),
		slog.Int("totalBytes", p.totalBytes),
	)

	allocation, ok := p.allocFromChunk(chunk, alignedSize, props.Alignment, bufferType)
	if !ok {
		// A fresh chunk sized from the request can always fit it
		return BufferAllocation{}, cerrors.Errorf("freshly created %s chunk rejected an allocation of %d bytes", bufferType, alignedSize)
	}
	return allocation, nil
}

func (p *BufferPool) allocFromChunk(chunk *bufferChunk, alignedSize int, alignment uint, bufferType BufferType) (BufferAllocation, bool) {
	success, request, err := chunk.metadata.CreateAllocationRequest(alignedSize, alignment)
	if err != nil || !success {
		return BufferAllocation{}, false
	}

	handle, err := chunk.metadata.Alloc(request, nil)
	if err != nil {
		return BufferAllocation{}, false
	}
	memutils.DebugValidate(chunk.metadata)

	return BufferAllocation{
		Buffer:  chunk.buffer,
		Offset:  request.Offset,
		Size:    alignedSize,
		Type:    bufferType,
		handle:  handle,
		chunkID: chunk.id,
	}, true
}

// Free returns an allocation's range to its owning chunk and coalesces it with
// adjacent free ranges. Freeing an allocation the pool does not own fails with
// ErrBufferNotInPool.
func (p *BufferPool) Free(allocation BufferAllocation) error {
	p.logger.Debug("BufferPool::Free", slog.String("type", allocation.Type.String()), slog.Int("offset", allocation.Offset))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, chunk := range p.chunks[allocation.Type] {
		if chunk.id != allocation.chunkID {
			continue
		}

		err := chunk.metadata.Free(allocation.handle)
		if cerrors.Is(err, metadata.ErrUnknownAllocation) {
			return cerrors.Wrapf(ErrBufferNotInPool, "type %s, offset %d", allocation.Type, allocation.Offset)
		}
		if err != nil {
			return err
		}
		memutils.DebugValidate(chunk.metadata)
		return nil
	}

	return cerrors.Wrapf(ErrBufferNotInPool, "type %s, offset %d", allocation.Type, allocation.Offset)
}

// Maintain bounds growth from bursty allocation patterns: chunks whose
// utilization sits below the shrink threshold are released, provided more than
// one chunk exists for the type. A chunk with live allocations is never removed,
// since the pool cannot relocate them. Maintenance is best-effort housekeeping
// and never raises.
func (p *BufferPool) Maintain() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for bufferType, typeChunks := range p.chunks {
		if len(typeChunks) <= 1 {
			continue
		}

		kept := make([]*bufferChunk, 0, len(typeChunks))
		remaining := len(typeChunks)
		for _, chunk := range typeChunks {
			// Live allocations cannot be relocated, so only drained chunks are
			// actually released
			if remaining > 1 && chunk.metadata.IsEmpty() &&
				chunk.utilization() < p.tuning.ShrinkUtilizationThreshold {

				remaining--
				p.totalBytes -= chunk.metadata.Size()
				chunk.buffer.Release()
				p.logger.Debug("BufferPool::Maintain released chunk",
					slog.String("type", bufferType.String()),
					slog.Int("chunkSize", chunk.metadata.Size()),
				)
				continue
			}
			kept = append(kept, chunk)
		}
		p.chunks[bufferType] = kept
	}
}

// Statistics aggregates chunk and allocation counts across every usage type
func (p *BufferPool) Statistics() memutils.Statistics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	var stats memutils.Statistics
	for _, typeChunks := range p.chunks {
		for _, chunk := range typeChunks {
			chunk.metadata.AddStatistics(&stats)
		}
	}
	return stats
}

// BuildStatsString returns a JSON document describing every chunk grouped by
// usage type, intended for periodic logging or dashboards.
func (p *BufferPool) BuildStatsString() []byte {
	writer := jwriter.NewWriter()

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	objState := writer.Object()
	objState.Name("MemoryBudget").Int(p.memoryBudget)
	objState.Name("TotalBytes").Int(p.totalBytes)

	for bufferType, typeChunks := range p.chunks {
		arrayState := objState.Name(bufferType.String()).Array()
		for _, chunk := range typeChunks {
			chunkObj := arrayState.Object()
			chunkObj.Name("Utilization").Float64(chunk.utilization())
			chunk.metadata.BlockJsonData(chunkObj)
			chunkObj.End()
		}
		arrayState.End()
	}

	objState.End()
	return writer.Bytes()
}

// Destroy releases every chunk. It fails if any chunk still has live
// allocations.
func (p *BufferPool) Destroy() error {
	p.logger.Debug("BufferPool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for bufferType, typeChunks := range p.chunks {
		for _, chunk := range typeChunks {
			if !chunk.metadata.IsEmpty() {
				return cerrors.Errorf("a %s chunk still has %d live allocations", bufferType, chunk.metadata.AllocationCount())
			}
		}
	}

	for bufferType, typeChunks := range p.chunks {
		for _, chunk := range typeChunks {
			chunk.buffer.Release()
		}
		delete(p.chunks, bufferType)
	}
	p.totalBytes = 0
	return nil
}
