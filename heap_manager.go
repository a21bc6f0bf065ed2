package gpupool

import (
	"log/slog"

	"github.com/aChase55/gpupool/internal/utils"
	"github.com/aChase55/gpupool/memutils"
	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// HeapManagerCreateInfo configures a HeapManager.
type HeapManagerCreateInfo struct {
	// Logger receives debug-level operation logs. Nil disables logging.
	Logger *slog.Logger
	// Tuning supplies the named heap budget fractions. The zero value is replaced
	// with DefaultTuning's heap section.
	Tuning HeapTuning
	// UseMutex should be true unless the consumer guarantees external
	// synchronization
	UseMutex bool
}

// HeapManager owns multiple named resource heaps sized as configured fractions of
// the device memory budget, typically a long-lived "main" heap and a short-lived
// "transient" heap. It also runs the global garbage-collection sweep across all
// heaps.
type HeapManager struct {
	logger   *slog.Logger
	device   Device
	useMutex bool

	heaps map[string]*ResourceHeap
	mutex utils.OptionalRWMutex
}

// CreateHeapManager builds one heap per entry in the tuning's budget fractions,
// each sized as that fraction of the device's memory budget.
func CreateHeapManager(device Device, createInfo HeapManagerCreateInfo) (*HeapManager, error) {
	logger := resolveLogger(createInfo.Logger)

	tuning := createInfo.Tuning
	if len(tuning.BudgetFractions) == 0 {
		tuning = DefaultTuning().Heap
	}

	manager := &HeapManager{
		logger:   logger,
		device:   device,
		useMutex: createInfo.UseMutex,
		heaps:    make(map[string]*ResourceHeap, len(tuning.BudgetFractions)),
		mutex:    utils.OptionalRWMutex{UseMutex: createInfo.UseMutex},
	}

	budget := device.MemoryBudget()

	// Deterministic creation order keeps failure behavior reproducible
	names := maps.Keys(tuning.BudgetFractions)
	slices.Sort(names)

	for _, name := range names {
		size := int(float64(budget) * tuning.BudgetFractions[name])
		heap, err := CreateResourceHeap(device, name, size, createInfo.UseMutex, logger)
		if err != nil {
			manager.destroyAllHeaps()
			return nil, err
		}
		manager.heaps[name] = heap
	}

	return manager, nil
}

// Heap returns the named heap, or nil when no heap has that name
func (m *HeapManager) Heap(name string) *ResourceHeap {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.heaps[name]
}

// CreateHeap adds an explicitly sized heap alongside the budget-fraction heaps
func (m *HeapManager) CreateHeap(name string, size int) (*ResourceHeap, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.heaps[name]; exists {
		return nil, cerrors.Errorf("a heap named %s already exists", name)
	}

	heap, err := CreateResourceHeap(m.device, name, size, m.useMutex, m.logger)
	if err != nil {
		return nil, err
	}
	m.heaps[name] = heap
	return heap, nil
}

// DestroyHeap releases the named heap's device memory. It fails when the heap is
// unknown or still has live allocations.
func (m *HeapManager) DestroyHeap(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	heap, exists := m.heaps[name]
	if !exists {
		return cerrors.Errorf("no heap named %s exists", name)
	}

	err := heap.Destroy()
	if err != nil {
		return err
	}
	delete(m.heaps, name)
	return nil
}

// GarbageCollect sweeps all heaps, coalescing free fragments and reordering each
// free list. Housekeeping is best-effort and never raises to the caller.
func (m *HeapManager) GarbageCollect() {
	m.logger.Debug("HeapManager::GarbageCollect")

	m.mutex.RLock()
	heaps := maps.Values(m.heaps)
	m.mutex.RUnlock()

	for _, heap := range heaps {
		heap.Defragment()
	}
}

// AddStatistics sums allocation statistics across all heaps into stats
func (m *HeapManager) AddStatistics(stats *memutils.Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, heap := range m.heaps {
		heap.AddStatistics(stats)
	}
}

// BuildStatsString returns a JSON document describing every heap, intended for
// periodic logging or dashboards.
func (m *HeapManager) BuildStatsString() []byte {
	writer := jwriter.NewWriter()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	objState := writer.Object()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, heap := range m.heaps {
		heap.AddDetailedStatistics(&stats)
	}
	totalObj := objState.Name("Total").Object()
	stats.PrintJson(totalObj)
	totalObj.End()

	names := maps.Keys(m.heaps)
	slices.Sort(names)

	heapsObj := objState.Name("Heaps").Object()
	for _, name := range names {
		heapObj := heapsObj.Name(name).Object()
		m.heaps[name].HeapJsonData(heapObj)
		heapObj.End()
	}
	heapsObj.End()

	objState.End()
	return writer.Bytes()
}

// Destroy tears down every heap. It fails on the first heap that still has live
// allocations.
func (m *HeapManager) Destroy() error {
	m.logger.Debug("HeapManager::Destroy")

	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.destroyAllHeaps()
}

func (m *HeapManager) destroyAllHeaps() error {
	for name, heap := range m.heaps {
		err := heap.Destroy()
		if err != nil {
			return err
		}
		delete(m.heaps, name)
	}
	return nil
}
