package gpupool

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aChase55/gpupool/internal/utils"
	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// pipelineCacheEntry is a compiled pipeline plus the access history the
// LFU-with-LRU-tiebreak eviction policy ranks by.
type pipelineCacheEntry struct {
	pipeline Pipeline
	key      uint64

	creationDate   time.Time
	lastAccessDate time.Time
	accessCount    int
}

// accessFrequency is accesses per second of entry age. Older, rarely used
// entries rank lowest and are evicted first.
func (e *pipelineCacheEntry) accessFrequency(now time.Time) float64 {
	ageSeconds := now.Sub(e.creationDate).Seconds()
	if ageSeconds < 1 {
		ageSeconds = 1
	}
	return float64(e.accessCount) / ageSeconds
}

// pendingCompilation is one in-flight compile that any number of callers can
// attach to. done is closed exactly once, after pipeline/err are set.
type pendingCompilation struct {
	done     chan struct{}
	pipeline Pipeline
	err      error
}

// PipelineCacheCreateInfo configures a PipelineStateCache.
type PipelineCacheCreateInfo struct {
	// Logger receives debug-level operation logs. Nil disables logging.
	Logger *slog.Logger
	// Tuning supplies the cache size, eviction target, and compile back-pressure
	// limit. The zero value is replaced with DefaultTuning's pipeline cache
	// section.
	Tuning PipelineCacheTuning
	// UseMutex should be true unless the consumer guarantees external
	// synchronization
	UseMutex bool
}

// PipelineStateCache compiles GPU pipeline objects once per distinct combination
// of shader functions and fixed-function state, and serves later requests from
// cache. Concurrent requests for the same uncompiled descriptor attach to a
// single in-flight compile rather than compiling twice.
type PipelineStateCache struct {
	logger   *slog.Logger
	compiler PipelineCompiler
	tuning   PipelineCacheTuning

	entries *swiss.Map[uint64, *pipelineCacheEntry]
	pending map[uint64]*pendingCompilation

	// rootCtx covers every in-flight compile; Clear and Destroy cancel it.
	// Guarded by mutex: compile paths snapshot it before unlocking.
	rootCtx    context.Context
	cancelRoot context.CancelFunc

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	mutex utils.OptionalRWMutex
	now   func() time.Time
}

// CreatePipelineStateCache builds an empty cache around a compiler.
func CreatePipelineStateCache(compiler PipelineCompiler, createInfo PipelineCacheCreateInfo) *PipelineStateCache {
	logger := resolveLogger(createInfo.Logger)

	tuning := createInfo.Tuning
	if tuning.MaxCacheSize == 0 {
		tuning = DefaultTuning().PipelineCache
	}

	rootCtx, cancel := context.WithCancel(context.Background())

	return &PipelineStateCache{
		logger:     logger,
		compiler:   compiler,
		tuning:     tuning,
		entries:    swiss.NewMap[uint64, *pipelineCacheEntry](42),
		pending:    map[uint64]*pendingCompilation{},
		rootCtx:    rootCtx,
		cancelRoot: cancel,
		mutex:      utils.OptionalRWMutex{UseMutex: createInfo.UseMutex},
		now:        time.Now,
	}
}

// Get returns the compiled pipeline for the descriptor, compiling it on first
// request. When a compile for the same key is already in flight, the caller
// suspends until that compile finishes instead of starting a second one, so N
// concurrent requests for one descriptor cost exactly one compile. A failed
// compile is surfaced to every waiter and is not cached, so a later Get retries.
//
// ctx cancels this caller's wait, not the underlying compile.
func (c *PipelineStateCache) Get(ctx context.Context, descriptor PipelineDescriptor) (Pipeline, error) {
	key := descriptor.CacheKey()

	c.mutex.Lock()

	if entry, ok := c.entries.Get(key); ok {
		entry.accessCount++
		entry.lastAccessDate = c.now()
		c.mutex.Unlock()

		c.hits.Add(1)
		return entry.pipeline, nil
	}

	if inFlight, ok := c.pending[key]; ok {
		// Attachers are served by the in-flight compile, not a new one
		c.hits.Add(1)
		c.mutex.Unlock()
		return c.awaitCompilation(ctx, descriptor, inFlight)
	}

	// Miss with no compile in flight: this caller starts one
	inFlight := &pendingCompilation{done: make(chan struct{})}
	c.pending[key] = inFlight
	c.misses.Add(1)
	compileCtx := c.rootCtx
	c.mutex.Unlock()

	c.compile(compileCtx, descriptor, key, inFlight)
	return c.awaitCompilation(ctx, descriptor, inFlight)
}

// compile runs the compiler outside any lock, then publishes the result and
// removes the pending marker in one critical section. The marker is removed on
// success and failure alike so failed keys stay retryable. ctx is the caller's
// snapshot of rootCtx, taken under the lock that registered the marker.
func (c *PipelineStateCache) compile(ctx context.Context, descriptor PipelineDescriptor, key uint64, inFlight *pendingCompilation) {
	c.logger.Debug("PipelineStateCache::compile", slog.String("label", descriptor.Label))

	pipeline, err := c.compiler.CompilePipeline(ctx, descriptor)

	c.mutex.Lock()
	registered := c.pending[key] == inFlight
	if registered {
		delete(c.pending, key)
		if err == nil && pipeline != nil {
			now := c.now()
			c.entries.Put(key, &pipelineCacheEntry{
				pipeline:       pipeline,
				key:            key,
				creationDate:   now,
				lastAccessDate: now,
				accessCount:    1,
			})
			c.evictIfNeeded()
		}
	}
	c.mutex.Unlock()

	if !registered {
		// Clear or Destroy dropped this flight's marker while the compiler was
		// running: the result has no home in the cache and must not leak
		if pipeline != nil {
			pipeline.Release()
			pipeline = nil
		}
		if err == nil {
			err = context.Canceled
		}
	}

	inFlight.pipeline = pipeline
	inFlight.err = err
	close(inFlight.done)
}

// awaitCompilation attaches a caller to an in-flight compile.
func (c *PipelineStateCache) awaitCompilation(ctx context.Context, descriptor PipelineDescriptor, inFlight *pendingCompilation) (Pipeline, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inFlight.done:
	}

	if inFlight.err != nil {
		return nil, cerrors.Wrapf(cerrors.Mark(inFlight.err, ErrCompilationFailed),
			"pipeline %s", descriptor.Label)
	}
	if inFlight.pipeline == nil {
		return nil, cerrors.Wrapf(ErrAsyncCompilation, "pipeline %s", descriptor.Label)
	}
	return inFlight.pipeline, nil
}

// Precompile fires a best-effort background compile for the descriptor. It is
// skipped when the pipeline is already cached or compiling, and rejected with
// ErrTooManyCompiles once the in-flight limit is reached, as back-pressure
// against compile storms.
func (c *PipelineStateCache) Precompile(descriptor PipelineDescriptor) error {
	key := descriptor.CacheKey()

	c.mutex.Lock()

	if _, ok := c.entries.Get(key); ok {
		c.mutex.Unlock()
		return nil
	}
	if _, ok := c.pending[key]; ok {
		c.mutex.Unlock()
		return nil
	}
	if len(c.pending) >= c.tuning.MaxPendingCompilations {
		c.mutex.Unlock()
		return cerrors.Wrapf(ErrTooManyCompiles, "%d compilations in flight", c.tuning.MaxPendingCompilations)
	}

	inFlight := &pendingCompilation{done: make(chan struct{})}
	c.pending[key] = inFlight
	c.misses.Add(1)
	compileCtx := c.rootCtx
	c.mutex.Unlock()

	go func() {
		c.compile(compileCtx, descriptor, key, inFlight)
		// Best-effort: failures are logged, not raised
		if inFlight.err != nil {
			c.logger.Warn("PipelineStateCache::Precompile failed",
				slog.String("label", descriptor.Label),
				slog.Any("error", inFlight.err),
			)
		}
	}()

	return nil
}

// evictIfNeeded runs under the cache lock. When the entry count exceeds the
// maximum it evicts down to the configured target, lowest access frequency
// first, ties broken by oldest last access.
func (c *PipelineStateCache) evictIfNeeded() {
	if c.entries.Count() <= c.tuning.MaxCacheSize {
		return
	}

	target := int(float64(c.tuning.MaxCacheSize) * c.tuning.EvictionTargetRatio)
	now := c.now()

	ranked := make([]*pipelineCacheEntry, 0, c.entries.Count())
	c.entries.Iter(func(key uint64, entry *pipelineCacheEntry) bool {
		ranked = append(ranked, entry)
		return false
	})
	slices.SortFunc(ranked, func(a, b *pipelineCacheEntry) bool {
		freqA := a.accessFrequency(now)
		freqB := b.accessFrequency(now)
		if freqA != freqB {
			return freqA < freqB
		}
		return a.lastAccessDate.Before(b.lastAccessDate)
	})

	for _, victim := range ranked {
		if c.entries.Count() <= target {
			break
		}
		c.entries.Delete(victim.key)
		victim.pipeline.Release()
		c.evictions.Add(1)
	}

	c.logger.Debug("PipelineStateCache evicted entries", slog.Int("remaining", c.entries.Count()))
}

// Clear releases every cached pipeline and cancels all in-flight compiles.
// Cancellation is coarse-grained: individual waits cannot be cancelled, but
// tearing the cache down aborts everything outstanding.
func (c *PipelineStateCache) Clear() {
	c.logger.Debug("PipelineStateCache::Clear")

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cancelRoot()
	c.rootCtx, c.cancelRoot = context.WithCancel(context.Background())

	// Dropping the markers tells in-flight compiles to release their results
	// instead of publishing into the fresh cache
	c.pending = map[uint64]*pendingCompilation{}

	c.entries.Iter(func(key uint64, entry *pipelineCacheEntry) bool {
		entry.pipeline.Release()
		return false
	})
	c.entries = swiss.NewMap[uint64, *pipelineCacheEntry](42)
}

// PipelineCacheStatistics is a read-only snapshot of the cache's state
type PipelineCacheStatistics struct {
	EntryCount   int
	PendingCount int

	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Statistics returns hit, miss, and eviction counts plus current sizes
func (c *PipelineStateCache) Statistics() PipelineCacheStatistics {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return PipelineCacheStatistics{
		EntryCount:   c.entries.Count(),
		PendingCount: len(c.pending),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
	}
}

// BuildStatsString returns a JSON document describing the cache, intended for
// periodic logging or dashboards.
func (c *PipelineStateCache) BuildStatsString() []byte {
	writer := jwriter.NewWriter()
	stats := c.Statistics()

	objState := writer.Object()
	objState.Name("EntryCount").Int(stats.EntryCount)
	objState.Name("PendingCount").Int(stats.PendingCount)
	objState.Name("Hits").Int(int(stats.Hits))
	objState.Name("Misses").Int(int(stats.Misses))
	objState.Name("Evictions").Int(int(stats.Evictions))
	objState.End()

	return writer.Bytes()
}

// Destroy clears the cache and cancels outstanding compiles permanently.
func (c *PipelineStateCache) Destroy() {
	c.logger.Debug("PipelineStateCache::Destroy")

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cancelRoot()
	c.pending = map[uint64]*pendingCompilation{}
	c.entries.Iter(func(key uint64, entry *pipelineCacheEntry) bool {
		entry.pipeline.Release()
		return false
	})
	c.entries = swiss.NewMap[uint64, *pipelineCacheEntry](42)
}
