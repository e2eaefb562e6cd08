package slam

import (
	"math"
	"sync"

	"github.com/google/uuid"
)

// CornerExtractor finds corners and occluding edges in laser scans. The
// most recent output is kept for readers on other goroutines.
type CornerExtractor struct {
	cfg         CornerConfig
	minDistance float64

	mu   sync.Mutex
	last []Landmark
}

// NewCornerExtractor creates an extractor. Beams shorter than minDistance
// are treated as invalid.
func NewCornerExtractor(cfg CornerConfig, minDistance float64) *CornerExtractor {
	if cfg.Neighborhood <= 0 {
		cfg.Neighborhood = 1
	}
	return &CornerExtractor{cfg: cfg, minDistance: minDistance}
}

// scanGeometry caches per-beam endpoints and continuity for one scan
type scanGeometry struct {
	scan   LaserScan
	points []Point
	valid  []bool
	// breaks[i] counts discontinuities between beams j and j+1 for j < i
	breaks []int
}

func (e *CornerExtractor) geometry(scan LaserScan) *scanGeometry {
	n := scan.Len()
	g := &scanGeometry{
		scan:   scan,
		points: make([]Point, n),
		valid:  make([]bool, n),
		breaks: make([]int, n+1),
	}
	for i := 0; i < n; i++ {
		g.valid[i] = scan.Valid(i, e.minDistance)
		if g.valid[i] {
			g.points[i] = scan.Endpoint(i)
		}
	}
	for i := 0; i < n; i++ {
		jump := i == n-1 || !g.valid[i] || !g.valid[i+1] ||
			math.Abs(scan.Ranges[i+1]-scan.Ranges[i]) > e.cfg.DiscontinuityThreshold
		g.breaks[i+1] = g.breaks[i]
		if jump && i < n-1 {
			g.breaks[i+1]++
		}
	}
	return g
}

// continuous reports whether beams a through b form one unbroken surface
func (g *scanGeometry) continuous(a, b int) bool {
	if a < 0 || b >= len(g.points) || a > b {
		return false
	}
	for i := a; i <= b; i++ {
		if !g.valid[i] {
			return false
		}
	}
	return g.breaks[b]-g.breaks[a] == 0
}

// farther reports whether beam j sees past beam i by more than the
// discontinuity threshold, counting no-return beams as infinitely far.
func (g *scanGeometry) farther(i, j int, threshold float64) bool {
	if j < 0 || j >= len(g.points) {
		return false
	}
	r := g.scan.Ranges[j]
	if !isFinite(r) || r > g.scan.MaxRange {
		return true
	}
	return g.valid[j] && r-g.scan.Ranges[i] > threshold
}

// curvature returns the deviation from a straight line at each beam,
// measured between the endpoints Neighborhood beams away on either side.
// Beams whose neighbourhood crosses a discontinuity read zero.
func (e *CornerExtractor) curvature(g *scanGeometry) []float64 {
	k := e.cfg.Neighborhood
	out := make([]float64, len(g.points))
	for i := range out {
		if !g.continuous(i-k, i+k) {
			continue
		}
		p := g.points[i]
		out[i] = math.Pi - angleBetween(sub(g.points[i-k], p), sub(g.points[i+k], p))
	}
	return out
}

// Extract returns the corners and occluding edges of scan as landmarks in
// the robot frame, each with a fresh ID and a single observation.
func (e *CornerExtractor) Extract(scan LaserScan) []Landmark {
	g := e.geometry(scan)
	k := e.cfg.Neighborhood
	curv := e.curvature(g)

	var out []Landmark

	// walk the curvature sequence, emitting the peak of every
	// high-curvature run once it falls back below the threshold
	peak := -1
	for i, c := range curv {
		if peak >= 0 {
			if c > curv[peak] {
				peak = i
			} else if c < e.cfg.UpperAngleThreshold {
				p := g.points[peak]
				out = append(out, newLandmark(KindCorner, p,
					direction(p, g.points[peak-k]), direction(p, g.points[peak+k])))
				peak = -1
			}
		} else if c > e.cfg.UpperAngleThreshold {
			peak = i
		}
	}

	// occluding edges: the near side of a jump where the surface leading
	// up to it is straight
	for i := range g.points {
		if !g.valid[i] {
			continue
		}
		p := g.points[i]
		if g.farther(i, i+1, e.cfg.DiscontinuityThreshold) && g.continuous(i-2*k, i) &&
			turn(g.points[i-2*k], g.points[i-k], p) < e.cfg.LowerAngleThreshold {
			out = append(out, newLandmark(KindEdge, p, direction(p, g.points[i-k]), math.NaN()))
		}
		if g.farther(i, i-1, e.cfg.DiscontinuityThreshold) && g.continuous(i, i+2*k) &&
			turn(g.points[i+2*k], g.points[i+k], p) < e.cfg.LowerAngleThreshold {
			out = append(out, newLandmark(KindEdge, p, math.NaN(), direction(p, g.points[i+k])))
		}
	}

	e.mu.Lock()
	e.last = out
	e.mu.Unlock()

	return out
}

// Last returns a copy of the landmarks found by the most recent Extract
func (e *CornerExtractor) Last() []Landmark {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Landmark, len(e.last))
	copy(out, e.last)
	return out
}

func newLandmark(kind LandmarkKind, p Point, start, end float64) Landmark {
	return Landmark{
		ID:         uuid.New(),
		Kind:       kind,
		Position:   p,
		StartAngle: start,
		EndAngle:   end,
		Count:      1,
	}
}

func sub(a, b Point) Point {
	return Point{X: a.X - b.X, Y: a.Y - b.Y}
}

// angleBetween returns the unsigned angle between two vectors in [0, pi]
func angleBetween(u, v Point) float64 {
	cross := u.X*v.Y - u.Y*v.X
	dot := u.X*v.X + u.Y*v.Y
	return math.Atan2(math.Abs(cross), dot)
}

// direction returns the bearing from a to b
func direction(a, b Point) float64 {
	return math.Atan2(b.Y-a.Y, b.X-a.X)
}

// turn returns how far the polyline a→b→c bends at b
func turn(a, b, c Point) float64 {
	return math.Abs(AngleDifference(direction(b, c), direction(a, b)))
}
