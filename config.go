package gpupool

import (
	"time"

	"github.com/BurntSushi/toml"
	cerrors "github.com/cockroachdb/errors"
)

// TuningConfig collects the policy constants of every manager: eviction score
// scaling, priority weights, idle timeouts, pressure thresholds, and growth
// limits. These are heuristics rather than laws, so they can be loaded from a
// TOML file and adjusted per title without code changes.
type TuningConfig struct {
	Heap          HeapTuning          `toml:"heap"`
	BufferPool    BufferPoolTuning    `toml:"buffer_pool"`
	TexturePool   TexturePoolTuning   `toml:"texture_pool"`
	PipelineCache PipelineCacheTuning `toml:"pipeline_cache"`
}

type HeapTuning struct {
	// BudgetFractions sizes each named heap as a fraction of the device memory
	// budget. The defaults carve out a long-lived "main" heap and a smaller
	// "transient" heap for single-frame resources.
	BudgetFractions map[string]float64 `toml:"budget_fractions"`
}

type BufferPoolTuning struct {
	// ShrinkUtilizationThreshold is the utilization ratio below which a chunk
	// becomes eligible for removal during maintenance
	ShrinkUtilizationThreshold float64 `toml:"shrink_utilization_threshold"`
}

type TexturePoolTuning struct {
	// MaxAvailablePerKey caps how many released textures are retained per
	// descriptor key
	MaxAvailablePerKey int `toml:"max_available_per_key"`

	// EvictionWeights holds one multiplier per priority tier, ordered
	// Critical..Disposable. Higher weights make a tier more evictable.
	EvictionWeights []float64 `toml:"eviction_weights"`
	// MaxIdleSeconds holds one garbage-collection idle limit per priority tier,
	// ordered Critical..Disposable
	MaxIdleSeconds []int `toml:"max_idle_seconds"`

	WarningPressureThreshold  float64 `toml:"warning_pressure_threshold"`
	UrgentPressureThreshold   float64 `toml:"urgent_pressure_threshold"`
	CriticalPressureThreshold float64 `toml:"critical_pressure_threshold"`
}

func (t *TexturePoolTuning) evictionWeight(priority Priority) float64 {
	return t.EvictionWeights[priority]
}

func (t *TexturePoolTuning) maxIdle(priority Priority) time.Duration {
	return time.Duration(t.MaxIdleSeconds[priority]) * time.Second
}

type PipelineCacheTuning struct {
	// MaxCacheSize is the entry count that triggers eviction
	MaxCacheSize int `toml:"max_cache_size"`
	// EvictionTargetRatio is the fraction of MaxCacheSize to evict down to
	EvictionTargetRatio float64 `toml:"eviction_target_ratio"`
	// MaxPendingCompilations bounds in-flight compiles started by Precompile
	MaxPendingCompilations int `toml:"max_pending_compilations"`
}

// DefaultTuning returns the tuning the managers were calibrated with: idle ages
// measured in hours, sizes in megabytes, and priority weights spanning 0.1 for
// Critical through 5.0 for Disposable.
func DefaultTuning() TuningConfig {
	return TuningConfig{
		Heap: HeapTuning{
			BudgetFractions: map[string]float64{
				"main":      0.5,
				"transient": 0.25,
			},
		},
		BufferPool: BufferPoolTuning{
			ShrinkUtilizationThreshold: 0.25,
		},
		TexturePool: TexturePoolTuning{
			MaxAvailablePerKey:        8,
			EvictionWeights:           []float64{0.1, 0.5, 1.0, 2.0, 5.0},
			MaxIdleSeconds:            []int{3600, 1800, 600, 300, 60},
			WarningPressureThreshold:  0.70,
			UrgentPressureThreshold:   0.85,
			CriticalPressureThreshold: 0.95,
		},
		PipelineCache: PipelineCacheTuning{
			MaxCacheSize:           256,
			EvictionTargetRatio:    0.8,
			MaxPendingCompilations: 16,
		},
	}
}

// LoadTuning reads a TOML tuning file over the defaults, so partial files only
// override the constants they name.
func LoadTuning(path string) (TuningConfig, error) {
	config := DefaultTuning()
	_, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TuningConfig{}, cerrors.Wrapf(err, "failed to read tuning file %s", path)
	}

	if err = config.Validate(); err != nil {
		return TuningConfig{}, err
	}
	return config, nil
}

// Validate checks that the tuning values are internally consistent
func (c *TuningConfig) Validate() error {
	totalFraction := 0.0
	for name, fraction := range c.Heap.BudgetFractions {
		if fraction <= 0 || fraction > 1 {
			return cerrors.Errorf("heap %s has budget fraction %f outside (0, 1]", name, fraction)
		}
		totalFraction += fraction
	}
	if totalFraction > 1 {
		return cerrors.Errorf("heap budget fractions total %f, exceeding the device budget", totalFraction)
	}

	if c.BufferPool.ShrinkUtilizationThreshold < 0 || c.BufferPool.ShrinkUtilizationThreshold >= 1 {
		return cerrors.Errorf("buffer pool shrink threshold %f is outside [0, 1)", c.BufferPool.ShrinkUtilizationThreshold)
	}

	if len(c.TexturePool.EvictionWeights) != priorityCount {
		return cerrors.Errorf("texture pool needs %d eviction weights, got %d", priorityCount, len(c.TexturePool.EvictionWeights))
	}
	if len(c.TexturePool.MaxIdleSeconds) != priorityCount {
		return cerrors.Errorf("texture pool needs %d idle limits, got %d", priorityCount, len(c.TexturePool.MaxIdleSeconds))
	}
	if c.TexturePool.MaxAvailablePerKey < 1 {
		return cerrors.Errorf("texture pool per-key cap must be at least 1, got %d", c.TexturePool.MaxAvailablePerKey)
	}
	if c.TexturePool.WarningPressureThreshold >= c.TexturePool.UrgentPressureThreshold ||
		c.TexturePool.UrgentPressureThreshold >= c.TexturePool.CriticalPressureThreshold {
		return cerrors.New("texture pool pressure thresholds must be strictly increasing")
	}

	if c.PipelineCache.MaxCacheSize < 1 {
		return cerrors.Errorf("pipeline cache size must be at least 1, got %d", c.PipelineCache.MaxCacheSize)
	}
	if c.PipelineCache.EvictionTargetRatio <= 0 || c.PipelineCache.EvictionTargetRatio > 1 {
		return cerrors.Errorf("pipeline cache eviction target ratio %f is outside (0, 1]", c.PipelineCache.EvictionTargetRatio)
	}
	if c.PipelineCache.MaxPendingCompilations < 1 {
		return cerrors.Errorf("pipeline cache must allow at least 1 pending compilation, got %d", c.PipelineCache.MaxPendingCompilations)
	}

	return nil
}
