package slam

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// CycleResult summarizes one scan cycle
type CycleResult struct {
	Cycle      int        `json:"cycle"`
	Delta      PoseDelta  `json:"delta"`
	Pose       Pose       `json:"pose"`
	Landmarks  []Landmark `json:"landmarks"` // world frame, as observed this cycle
	Correction Correction `json:"correction"`
	Rejected   bool       `json:"rejected"` // the vector map refused this cycle's correction
}

// Engine runs the localization and mapping pipeline. Odometry ticks
// accumulate a motion delta; every scan then drives one filter cycle, one
// map update and one landmark registration, in that order.
type Engine struct {
	cfg   Config
	laser LaserModel

	odometry *Odometry
	filter   *ParticleFilter
	grid     *OccupancyMap
	corners  *CornerExtractor
	vmap     *VectorMap

	// cycleMu serializes scan cycles
	cycleMu sync.Mutex
	cycle   int

	pendingMu sync.Mutex
	pending   PoseDelta
}

// NewEngine builds the pipeline from a validated config. seed makes the
// particle filter reproducible.
func NewEngine(cfg *Config, seed uint64) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	filter, err := NewParticleFilter(cfg.Filter, seed)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      *cfg,
		laser:    cfg.LaserModel(),
		odometry: NewOdometry(cfg.Odometry),
		filter:   filter,
		grid:     NewOccupancyMap(cfg.Grid),
		corners:  NewCornerExtractor(cfg.Corners, cfg.Grid.MinimumLaserDistance),
		vmap:     NewVectorMap(cfg.VectorMap),
	}, nil
}

// HandleTicks integrates cumulative encoder counts and adds the resulting
// motion to the delta consumed by the next scan.
func (e *Engine) HandleTicks(ticks OdometryTicks) PoseDelta {
	d := e.odometry.Update(ticks)
	if d.IsZero() {
		return d
	}

	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending = composeDeltas(e.pending, d)
	return d
}

// takePending returns and clears the accumulated delta
func (e *Engine) takePending() PoseDelta {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	d := e.pending
	e.pending = PoseDelta{}
	return d
}

// composeDeltas chains b after a, both in the local frame a started from
func composeDeltas(a, b PoseDelta) PoseDelta {
	p := Pose{X: a.DX, Y: a.DY, Angle: a.DAngle}.Apply(b)
	return PoseDelta{DX: p.X, DY: p.Y, DAngle: p.Angle}
}

// HandleScan runs one full cycle for a sweep of ranges
func (e *Engine) HandleScan(ctx context.Context, ranges []float64) (CycleResult, error) {
	scan, err := NewScan(e.laser, ranges)
	if err != nil {
		return CycleResult{}, err
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	delta := e.takePending()
	res := CycleResult{Cycle: e.cycle + 1, Delta: delta}

	pfGrid, err := e.grid.Downsampled()
	if err != nil {
		return res, fmt.Errorf("downsampling map: %w", err)
	}
	pose, err := e.filter.Step(ctx, delta, scan, pfGrid)
	if err != nil {
		return res, err
	}

	if err := e.grid.Update(pose, scan); err != nil {
		return res, fmt.Errorf("updating map: %w", err)
	}

	toWorld := pose.Matrix()
	observed := e.corners.Extract(scan)
	res.Landmarks = make([]Landmark, len(observed))
	for i, l := range observed {
		res.Landmarks[i] = l.Transformed(toWorld)
	}

	correction, err := e.vmap.CorrectAndMerge(res.Landmarks)
	switch {
	case errors.Is(err, ErrTransformRejected):
		log.Printf("[MAP] Cycle %d: %v", res.Cycle, err)
		res.Rejected = true
	case err != nil:
		return res, err
	default:
		res.Correction = correction
		if correction.Matched > 0 && correction.Transform != Identity() {
			e.filter.Shift(correction.Transform)
			pose = TransformPose(pose, correction.Transform)
		}
	}

	e.cycle = res.Cycle
	res.Pose = pose
	return res, nil
}

// PlanningGrid returns a private snapshot for the planner: a window around
// the robot when one is configured, else the downsampled global grid.
func (e *Engine) PlanningGrid(pose Pose) (*Grid, error) {
	if e.cfg.Planner.WindowCells > 0 {
		return e.grid.Window(pose.Position(), e.cfg.Planner.WindowCells, e.cfg.Planner.WindowExtent), nil
	}
	return e.grid.Downsampled()
}

// MergePeer folds a peer's landmark set into the local vector map
func (e *Engine) MergePeer(robotID string, set LandmarkSet) (merged, added int) {
	merged, added = e.vmap.Merge(set)
	log.Printf("[MAP] Merged %d landmarks from %s (%d new)", merged, robotID, added)
	return merged, added
}

// Reset clears every buffer and restarts at pose
func (e *Engine) Reset(pose Pose) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.odometry.Reset()
	e.takePending()
	e.filter.Reset(pose)
	e.grid.Reset()
	e.vmap.Reset()
	e.cycle = 0
}

// Pose returns the latest best pose
func (e *Engine) Pose() Pose { return e.filter.Estimate() }

// Particles returns a copy of the particle population
func (e *Engine) Particles() []Particle { return e.filter.Particles() }

// Landmarks returns the vector map in insertion order
func (e *Engine) Landmarks() []Landmark { return e.vmap.Landmarks() }

// LandmarkSet returns the vector map keyed by id
func (e *Engine) LandmarkSet() LandmarkSet { return e.vmap.Set() }

// Map returns the occupancy map
func (e *Engine) Map() *OccupancyMap { return e.grid }

// Cycles returns how many scan cycles have completed
func (e *Engine) Cycles() int {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.cycle
}

// Config returns the engine's configuration
func (e *Engine) Config() Config { return e.cfg }
