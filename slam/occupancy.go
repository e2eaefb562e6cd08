package slam

import (
	"fmt"
	"log"
	"sync"
)

// OccupancyMap blends laser evidence into a pair of grids. Updates read the
// current grid and write the next one; the ring then rotates so exactly one
// grid is readable as current at any time.
type OccupancyMap struct {
	mu          sync.RWMutex
	ring        *Ring[*Grid]
	dOccupancy  float64
	minDistance float64
	divisor     int

	// per-cell marks so each cell takes at most one hit and one free
	// contribution per scan
	marks []uint32
	gen   uint32
}

const (
	markHit  = 1
	markFree = 2
)

// NewOccupancyMap creates an all-unknown map from the grid config section
func NewOccupancyMap(cfg GridConfig) *OccupancyMap {
	return &OccupancyMap{
		ring:        NewRing(NewGrid(cfg.Size, cfg.Extent), NewGrid(cfg.Size, cfg.Extent)),
		dOccupancy:  cfg.DOccupancy,
		minDistance: cfg.MinimumLaserDistance,
		divisor:     cfg.DownsampleBy,
		marks:       make([]uint32, cfg.Size*cfg.Size),
	}
}

// Update blends one scan taken at pose into the map. Beam endpoints are
// nudged toward occupied and the cells before them toward free, both by
// dOccupancy and clamped to [-1, 1]. Invalid or too-short beams are skipped.
func (m *OccupancyMap) Update(pose Pose, scan LaserScan) error {
	if !pose.IsFinite() {
		return fmt.Errorf("map update at non-finite pose %+v: %w", pose, ErrSensorDataMismatch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.ring.Current()
	next := m.ring.Next()
	if err := next.CopyFrom(current); err != nil {
		return err
	}

	origin, _ := next.WorldToCell(pose.Position())
	toWorld := pose.Matrix()
	m.gen++

	ends := make([]Cell, 0, scan.Len())
	for i := 0; i < scan.Len(); i++ {
		if !scan.Valid(i, m.minDistance) {
			continue
		}
		end, _ := next.WorldToCell(TransformPoint(scan.Endpoint(i), toWorld))
		ends = append(ends, end)
		if m.mark(next, end, markHit) {
			next.Add(end, m.dOccupancy)
		}
	}

	for _, end := range ends {
		traceLine(origin, end, func(c Cell) bool {
			if c == end {
				return false
			}
			if m.mark(next, c, markFree) {
				next.Add(c, -m.dOccupancy)
			}
			return true
		})
	}

	m.ring.Rotate()
	if len(ends) == 0 {
		log.Printf("[MAP] scan had no usable beams")
	}
	return nil
}

// mark records a contribution of the given kind for cell c and reports
// whether it should be applied. Hits take precedence over free marks.
func (m *OccupancyMap) mark(g *Grid, c Cell, kind uint32) bool {
	if !g.InBounds(c) {
		return false
	}
	i := g.index(c)
	state := m.marks[i]
	if state>>2 != m.gen {
		state = m.gen << 2
	}
	if state&kind != 0 || (kind == markFree && state&markHit != 0) {
		return false
	}
	m.marks[i] = state | kind
	return true
}

// Current returns the readable grid. Callers must not retain it across a
// later Update; use Snapshot for that.
func (m *OccupancyMap) Current() *Grid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Current()
}

// Snapshot returns a deep copy of the current grid
func (m *OccupancyMap) Snapshot() *Grid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Current().Clone()
}

// Downsampled regenerates the reduced grid used by the particle filter and
// the planner from the current full-resolution grid.
func (m *OccupancyMap) Downsampled() (*Grid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Current().Downsample(m.divisor)
}

// Window resamples the area around center into a size×size grid of
// extent meters, the local map the planner works on.
func (m *OccupancyMap) Window(center Point, size int, extent float64) *Grid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Current().Window(center, size, extent)
}

// Reset clears both buffers to unknown
func (m *OccupancyMap) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range []*Grid{m.ring.Current(), m.ring.Next()} {
		clear(g.Cells)
	}
	clear(m.marks)
	m.gen = 0
}
