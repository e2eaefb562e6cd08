package slam

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// PlanResult is delivered for the latest destination request
type PlanResult struct {
	Seq      uint64             `json:"seq"`
	Request  DestinationRequest `json:"request"`
	Start    Pose               `json:"start"`
	Path     Path               `json:"path"`
	Err      error              `json:"-"`
	Duration time.Duration      `json:"duration"`
}

// Planner runs path searches off the sensor loop. Every request takes a
// new sequence number; a result is delivered only if no newer request was
// made while it was being computed. In-flight searches are not cancelled.
type Planner struct {
	cfg      PlannerConfig
	onResult func(PlanResult)

	seq       atomic.Uint64
	deliverMu sync.Mutex
	wg        sync.WaitGroup
}

// NewPlanner creates a planner that reports results to onResult
func NewPlanner(cfg PlannerConfig, onResult func(PlanResult)) *Planner {
	return &Planner{cfg: cfg, onResult: onResult}
}

// Request starts a search from pose to the requested destination on a
// frozen snapshot and returns its sequence number. snapshot must not be
// modified afterwards.
func (p *Planner) Request(ctx context.Context, req DestinationRequest, pose Pose, snapshot *Grid) uint64 {
	seq := p.seq.Add(1)
	log.Printf("[PLAN] Request #%d to (%.2f, %.2f)", seq, req.X, req.Y)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		started := time.Now()
		path, err := p.Plan(ctx, req, pose, snapshot)
		p.deliver(PlanResult{
			Seq:      seq,
			Request:  req,
			Start:    pose,
			Path:     path,
			Err:      err,
			Duration: time.Since(started),
		})
	}()
	return seq
}

// deliver hands res to the callback unless a newer request exists
func (p *Planner) deliver(res PlanResult) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	if latest := p.seq.Load(); res.Seq != latest {
		log.Printf("[PLAN] Dropping stale result #%d (latest #%d)", res.Seq, latest)
		return
	}
	if res.Err != nil {
		log.Printf("[PLAN] Request #%d failed: %v", res.Seq, res.Err)
	} else {
		log.Printf("[PLAN] Request #%d: %d steps, cost %.2f, %d expansions in %v",
			res.Seq, res.Path.Steps(), res.Path.Cost, res.Path.Expanded, res.Duration)
	}
	if p.onResult != nil {
		p.onResult(res)
	}
}

// Plan runs a search synchronously. World positions outside the grid are
// reported as ErrOutOfBounds.
func (p *Planner) Plan(ctx context.Context, req DestinationRequest, pose Pose, grid *Grid) (Path, error) {
	if grid == nil {
		return Path{}, fmt.Errorf("planning without a map: %w", ErrNotInitialized)
	}
	start, ok := grid.WorldToCell(pose.Position())
	if !ok {
		return Path{}, fmt.Errorf("robot at (%.2f, %.2f) is off the map: %w", pose.X, pose.Y, ErrOutOfBounds)
	}
	dest, ok := grid.WorldToCell(Point{X: req.X, Y: req.Y})
	if !ok {
		return Path{}, fmt.Errorf("destination (%.2f, %.2f) is off the map: %w", req.X, req.Y, ErrOutOfBounds)
	}
	return FindPath(ctx, grid, start, dest, SearchOptionsFromConfig(p.cfg, req.Algorithm))
}

// Latest returns the sequence number of the newest request
func (p *Planner) Latest() uint64 {
	return p.seq.Load()
}

// Wait blocks until every in-flight search has finished
func (p *Planner) Wait() {
	p.wg.Wait()
}
