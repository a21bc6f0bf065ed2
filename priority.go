package gpupool

// Priority is a pooled resource's retention class. It controls how long the
// resource may sit idle before garbage collection discards it and how heavily the
// eviction score weighs it under memory pressure.
type Priority uint32

const (
	// PriorityCritical resources are retained as long as possible
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	// PriorityDisposable resources are never returned to the pool on release
	PriorityDisposable
)

const priorityCount = int(PriorityDisposable) + 1

var priorityNames = map[Priority]string{
	PriorityCritical:   "Critical",
	PriorityHigh:       "High",
	PriorityNormal:     "Normal",
	PriorityLow:        "Low",
	PriorityDisposable: "Disposable",
}

func (p Priority) String() string {
	return priorityNames[p]
}
