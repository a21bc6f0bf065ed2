package gpupool

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aChase55/gpupool/internal/utils"
	"github.com/aChase55/gpupool/memutils"
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// TextureHandle identifies a texture checked out of a TexturePool. Handles are
// issued at creation time and never reused, so identity does not depend on
// pointer semantics.
type TextureHandle uint64

// PooledTexture wraps a GPU texture with the bookkeeping the pool uses to decide
// retention: when it was created, when it was last touched, how often it has been
// used, and its retention priority.
type PooledTexture struct {
	handle     TextureHandle
	texture    Texture
	descriptor TextureDescriptor
	priority   Priority

	creationTime   time.Time
	lastAccessTime time.Time
	accessCount    int
	isFromPool     bool

	heapAllocation *HeapAllocation
}

func (t *PooledTexture) Handle() TextureHandle           { return t.handle }
func (t *PooledTexture) Texture() Texture                { return t.texture }
func (t *PooledTexture) Descriptor() TextureDescriptor   { return t.descriptor }
func (t *PooledTexture) Priority() Priority              { return t.priority }
func (t *PooledTexture) CreationTime() time.Time         { return t.creationTime }
func (t *PooledTexture) LastAccessTime() time.Time       { return t.lastAccessTime }
func (t *PooledTexture) AccessCount() int                { return t.accessCount }

// IsFromPool reports whether the most recent acquire was served from the pool
// rather than a fresh device allocation.
func (t *PooledTexture) IsFromPool() bool { return t.isFromPool }

// TexturePoolCreateInfo configures a TexturePool.
type TexturePoolCreateInfo struct {
	// MemoryBudget caps the bytes tracked across active and available textures
	// and anchors the pressure thresholds. Zero means the device's budget hint.
	MemoryBudget int
	// Heap, when non-nil, backs new textures with heap placements, falling back
	// to standalone device allocations when the heap is full
	Heap *ResourceHeap
	// Logger receives debug-level operation logs. Nil disables logging.
	Logger *slog.Logger
	// Tuning supplies caps, weights, idle limits, and pressure thresholds. The
	// zero value is replaced with DefaultTuning's texture pool section.
	Tuning TexturePoolTuning
	// UseMutex should be true unless the consumer guarantees external
	// synchronization
	UseMutex bool
}

// TexturePool amortizes the cost of creating GPU texture objects by recycling
// them across acquires with identical descriptors. Released textures are handed
// back most-recently-returned first for cache locality.
//
// A texture is always in exactly one of two sets: active (checked out) or
// available (retained for reuse). Set transitions happen inside a single
// critical section, and eviction only ever considers the available set.
type TexturePool struct {
	logger *slog.Logger
	device Device
	heap   *ResourceHeap
	tuning TexturePoolTuning

	memoryBudget int
	currentBytes int
	pressure     MemoryPressure
	nextHandle   TextureHandle

	active    *swiss.Map[TextureHandle, *PooledTexture]
	available map[TextureDescriptor][]*PooledTexture

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	discards  atomic.Uint64

	mutex utils.OptionalRWMutex
	now   func() time.Time
}

// CreateTexturePool builds an empty pool around a device.
func CreateTexturePool(device Device, createInfo TexturePoolCreateInfo) *TexturePool {
	logger := resolveLogger(createInfo.Logger)

	tuning := createInfo.Tuning
	if len(tuning.EvictionWeights) == 0 {
		tuning = DefaultTuning().TexturePool
	}

	budget := createInfo.MemoryBudget
	if budget <= 0 {
		budget = device.MemoryBudget()
	}

	return &TexturePool{
		logger:       logger,
		device:       device,
		heap:         createInfo.Heap,
		tuning:       tuning,
		memoryBudget: budget,
		nextHandle:   1,
		active:       swiss.NewMap[TextureHandle, *PooledTexture](42),
		available:    map[TextureDescriptor][]*PooledTexture{},
		mutex:        utils.OptionalRWMutex{UseMutex: createInfo.UseMutex},
		now:          time.Now,
	}
}

// Acquire returns a texture matching the descriptor, recycling the most recently
// returned candidate when one is available and creating a new texture otherwise.
// The texture stays checked out until it is passed to Release.
func (p *TexturePool) Acquire(descriptor TextureDescriptor, priority Priority) (*PooledTexture, error) {
	p.logger.Debug("TexturePool::Acquire", slog.Int("width", descriptor.Width), slog.Int("height", descriptor.Height))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()

	stack := p.available[descriptor]
	if len(stack) > 0 {
		// LIFO: the most recently returned texture is the most likely to still be
		// warm in caches
		texture := stack[len(stack)-1]
		p.available[descriptor] = stack[:len(stack)-1]

		texture.priority = priority
		texture.lastAccessTime = now
		texture.accessCount++
		texture.isFromPool = true
		p.active.Put(texture.handle, texture)

		p.hits.Add(1)
		p.updatePressure()
		return texture, nil
	}

	texture, heapAllocation, err := p.createTexture(descriptor)
	if err != nil {
		return nil, err
	}

	pooled := &PooledTexture{
		handle:         p.nextHandle,
		texture:        texture,
		descriptor:     descriptor,
		priority:       priority,
		creationTime:   now,
		lastAccessTime: now,
		accessCount:    1,
		isFromPool:     false,
		heapAllocation: heapAllocation,
	}
	p.nextHandle++

	p.active.Put(pooled.handle, pooled)
	p.currentBytes += texture.Size()
	p.misses.Add(1)
	p.updatePressure()

	return pooled, nil
}

// createTexture runs under the pool lock. Placement in the configured heap is
// attempted first; a full heap downgrades to a standalone device allocation
// rather than failing the acquire.
func (p *TexturePool) createTexture(descriptor TextureDescriptor) (Texture, *HeapAllocation, error) {
	if p.heap != nil {
		allocation, err := p.heap.Allocate(descriptor.FootprintBytes(), 256, "")
		if err == nil {
			texture, placeErr := p.device.CreatePlacedTexture(descriptor, p.heap.Memory(), allocation.Offset)
			if placeErr != nil {
				if freeErr := p.heap.Free(allocation); freeErr != nil {
					p.logger.Warn("TexturePool::Acquire failed to return heap placement", slog.Any("error", freeErr))
				}
				return nil, nil, cerrors.Wrapf(cerrors.Mark(placeErr, ErrTextureCreationFailed),
					"placed texture %dx%d", descriptor.Width, descriptor.Height)
			}
			return texture, &allocation, nil
		}
		if !cerrors.Is(err, ErrInsufficientSpace) {
			return nil, nil, err
		}
	}

	texture, err := p.device.CreateTexture(descriptor)
	if err != nil {
		return nil, nil, cerrors.Wrapf(cerrors.Mark(err, ErrTextureCreationFailed),
			"texture %dx%d format %s", descriptor.Width, descriptor.Height, descriptor.Format)
	}
	return texture, nil, nil
}

// Release returns a checked-out texture to the pool. The texture is discarded
// instead of retained when its priority is Disposable, when memory pressure is
// Urgent or worse, or when the per-key cap is full (in which case the oldest
// pooled candidate is dropped to make room). Releasing a handle that is not
// active fails with ErrTextureNotActive.
func (p *TexturePool) Release(handle TextureHandle) error {
	p.logger.Debug("TexturePool::Release", slog.Uint64("handle", uint64(handle)))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	texture, ok := p.active.Get(handle)
	if !ok {
		return cerrors.Wrapf(ErrTextureNotActive, "handle %d", handle)
	}

	// Atomic set transition: removal from active and insertion into available (or
	// discard) happen inside this one critical section
	p.active.Delete(handle)
	texture.lastAccessTime = p.now()

	if texture.priority == PriorityDisposable || p.pressure >= MemoryPressureUrgent {
		p.destroyTexture(texture)
		p.discards.Add(1)
		p.updatePressure()
		return nil
	}

	stack := append(p.available[texture.descriptor], texture)
	if len(stack) > p.tuning.MaxAvailablePerKey {
		// Retain the newest candidates; the oldest excess is dropped, not pooled
		oldest := stack[0]
		stack = stack[1:]
		p.destroyTexture(oldest)
		p.discards.Add(1)
	}
	p.available[texture.descriptor] = stack

	p.updatePressure()
	return nil
}

// destroyTexture runs under the pool lock
func (p *TexturePool) destroyTexture(texture *PooledTexture) {
	p.currentBytes -= texture.texture.Size()
	texture.texture.Release()

	if texture.heapAllocation != nil {
		if err := p.heap.Free(*texture.heapAllocation); err != nil {
			p.logger.Warn("TexturePool failed to free heap placement", slog.Any("error", err))
		}
	}
}

// evictionScore ranks a pooled texture's desirability as an eviction victim:
// hours idle, scaled by size in megabytes, divided by how often it has been
// used, scaled by its priority weight. Higher scores are evicted first.
func (p *TexturePool) evictionScore(texture *PooledTexture, now time.Time) float64 {
	idleHours := now.Sub(texture.lastAccessTime).Hours()
	if idleHours < 0 {
		idleHours = 0
	}
	sizeMB := memutils.BytesToMB(texture.texture.Size())

	accessCount := texture.accessCount
	if accessCount < 1 {
		accessCount = 1
	}

	return idleHours * sizeMB * (1.0 / float64(accessCount)) * p.tuning.evictionWeight(texture.priority)
}

// EvictToFit destroys available textures, highest eviction score first, until at
// least bytesNeeded bytes have been freed or the available set is exhausted.
// Checked-out textures are never touched. The number of bytes actually freed is
// returned.
func (p *TexturePool) EvictToFit(bytesNeeded int) int {
	p.logger.Debug("TexturePool::EvictToFit", slog.Int("bytesNeeded", bytesNeeded))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()

	candidates := make([]*PooledTexture, 0, len(p.available))
	for _, stack := range p.available {
		candidates = append(candidates, stack...)
	}
	slices.SortFunc(candidates, func(a, b *PooledTexture) bool {
		return p.evictionScore(a, now) > p.evictionScore(b, now)
	})

	freed := 0
	for _, victim := range candidates {
		if freed >= bytesNeeded {
			break
		}
		freed += victim.texture.Size()
		p.removeFromAvailable(victim)
		p.destroyTexture(victim)
		p.evictions.Add(1)
	}

	p.updatePressure()
	return freed
}

// GarbageCollect sweeps the available set and discards any texture whose idle
// time exceeds its priority's limit. Best-effort housekeeping; never raises.
func (p *TexturePool) GarbageCollect() {
	p.logger.Debug("TexturePool::GarbageCollect")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()

	for descriptor, stack := range p.available {
		kept := stack[:0]
		for _, texture := range stack {
			if now.Sub(texture.lastAccessTime) > p.tuning.maxIdle(texture.priority) {
				p.destroyTexture(texture)
				p.evictions.Add(1)
				continue
			}
			kept = append(kept, texture)
		}
		if len(kept) == 0 {
			delete(p.available, descriptor)
		} else {
			p.available[descriptor] = kept
		}
	}

	p.updatePressure()
}

// updatePressure runs under the pool lock after every mutation
func (p *TexturePool) updatePressure() {
	utilization := 0.0
	if p.memoryBudget > 0 {
		utilization = float64(p.currentBytes) / float64(p.memoryBudget)
	}

	newPressure := pressureForUtilization(utilization, &p.tuning)
	if newPressure != p.pressure {
		p.logger.Debug("TexturePool pressure changed",
			slog.String("from", p.pressure.String()),
			slog.String("to", newPressure.String()),
			slog.Float64("utilization", utilization),
		)
		p.pressure = newPressure
	}
}

// removeFromAvailable runs under the pool lock
func (p *TexturePool) removeFromAvailable(texture *PooledTexture) {
	stack := p.available[texture.descriptor]
	for i, candidate := range stack {
		if candidate.handle == texture.handle {
			p.available[texture.descriptor] = append(stack[:i], stack[i+1:]...)
			if len(p.available[texture.descriptor]) == 0 {
				delete(p.available, texture.descriptor)
			}
			return
		}
	}
}

// Pressure returns the pool's current memory pressure level
func (p *TexturePool) Pressure() MemoryPressure {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.pressure
}

// TexturePoolStatistics is a read-only snapshot of the pool's state
type TexturePoolStatistics struct {
	ActiveCount    int
	AvailableCount int
	CurrentBytes   int
	MemoryBudget   int
	Utilization    float64
	Pressure       MemoryPressure

	Hits      uint64
	Misses    uint64
	Evictions uint64
	Discards  uint64
}

// Statistics returns a snapshot of counts, utilization, and pressure
func (p *TexturePool) Statistics() TexturePoolStatistics {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	availableCount := 0
	for _, stack := range p.available {
		availableCount += len(stack)
	}

	utilization := 0.0
	if p.memoryBudget > 0 {
		utilization = float64(p.currentBytes) / float64(p.memoryBudget)
	}

	return TexturePoolStatistics{
		ActiveCount:    p.active.Count(),
		AvailableCount: availableCount,
		CurrentBytes:   p.currentBytes,
		MemoryBudget:   p.memoryBudget,
		Utilization:    utilization,
		Pressure:       p.pressure,
		Hits:           p.hits.Load(),
		Misses:         p.misses.Load(),
		Evictions:      p.evictions.Load(),
		Discards:       p.discards.Load(),
	}
}

// BuildStatsString returns a JSON document describing the pool, intended for
// periodic logging or dashboards.
func (p *TexturePool) BuildStatsString() []byte {
	writer := jwriter.NewWriter()
	stats := p.Statistics()

	objState := writer.Object()
	objState.Name("ActiveCount").Int(stats.ActiveCount)
	objState.Name("AvailableCount").Int(stats.AvailableCount)
	objState.Name("CurrentBytes").Int(stats.CurrentBytes)
	objState.Name("MemoryBudget").Int(stats.MemoryBudget)
	objState.Name("Utilization").Float64(stats.Utilization)
	objState.Name("Pressure").String(stats.Pressure.String())
	objState.Name("Hits").Int(int(stats.Hits))
	objState.Name("Misses").Int(int(stats.Misses))
	objState.Name("Evictions").Int(int(stats.Evictions))
	objState.Name("Discards").Int(int(stats.Discards))
	objState.End()

	return writer.Bytes()
}

// Destroy releases every pooled texture. It fails while any texture remains
// checked out.
func (p *TexturePool) Destroy() error {
	p.logger.Debug("TexturePool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.active.Count() > 0 {
		return cerrors.Errorf("the texture pool still has %d textures checked out", p.active.Count())
	}

	for descriptor, stack := range p.available {
		for _, texture := range stack {
			p.destroyTexture(texture)
		}
		delete(p.available, descriptor)
	}
	return nil
}
