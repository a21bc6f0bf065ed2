package gpupool

// MemoryPressure is a coarse four-level signal gating how aggressively pooled
// resources are discarded rather than retained. It is recomputed from current
// utilization after every acquire, release, and garbage collection.
type MemoryPressure uint32

const (
	MemoryPressureNormal MemoryPressure = iota
	MemoryPressureWarning
	MemoryPressureUrgent
	MemoryPressureCritical
)

var memoryPressureNames = map[MemoryPressure]string{
	MemoryPressureNormal:   "Normal",
	MemoryPressureWarning:  "Warning",
	MemoryPressureUrgent:   "Urgent",
	MemoryPressureCritical: "Critical",
}

func (p MemoryPressure) String() string {
	return memoryPressureNames[p]
}

// pressureForUtilization maps a utilization ratio onto a pressure level using the
// tuning thresholds (0.70/0.85/0.95 by default).
func pressureForUtilization(utilization float64, tuning *TexturePoolTuning) MemoryPressure {
	switch {
	case utilization >= tuning.CriticalPressureThreshold:
		return MemoryPressureCritical
	case utilization >= tuning.UrgentPressureThreshold:
		return MemoryPressureUrgent
	case utilization >= tuning.WarningPressureThreshold:
		return MemoryPressureWarning
	default:
		return MemoryPressureNormal
	}
}
