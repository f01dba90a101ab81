// Package model defines the data structures shared across ilcov subsystems.
package model

// Path represents a file system path.
type Path string

// Hit is a single recorded visit of a sequence point, identified by the
// owning module's id and the 0-based point id assigned at instrumentation
// time.
type Hit struct {
	ModuleID string
	PointID  int
}

// HitTable maps module ids to per-point visit counts. Point ids and counts
// are always non-negative. A HitTable is not safe for concurrent use on its
// own; the recorder guards it with a mutex.
type HitTable map[string]map[int]int

// Visit increments the counter for the given module/point pair, creating
// the nested map on first use.
func (t HitTable) Visit(moduleID string, pointID int) {
	points, ok := t[moduleID]
	if !ok {
		points = make(map[int]int)
		t[moduleID] = points
	}

	points[pointID]++
}

// Empty reports whether the table holds no hits at all.
func (t HitTable) Empty() bool {
	return len(t) == 0
}
