package slam

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// Search failures
var (
	ErrNoPath          = errors.New("no path")
	ErrSearchBudget    = errors.New("search budget exceeded")
	ErrOutOfBounds     = errors.New("cell out of bounds")
	ErrBlockedEndpoint = errors.New("destination blocked")
)

// Search algorithms
const (
	AlgorithmAStar    = "astar"
	AlgorithmDijkstra = "dijkstra"
)

// SearchOptions controls one path search
type SearchOptions struct {
	OccupancyThreshold float64
	Connectivity       int    // 4 or 8
	Algorithm          string // AlgorithmAStar (default) or AlgorithmDijkstra
	MaxNodes           int
	MaxDuration        time.Duration
}

// SearchOptionsFromConfig builds search options from the planner section
func SearchOptionsFromConfig(cfg PlannerConfig, algorithm string) SearchOptions {
	return SearchOptions{
		OccupancyThreshold: cfg.OccupancyThreshold,
		Connectivity:       cfg.Connectivity,
		Algorithm:          algorithm,
		MaxNodes:           cfg.MaxNodes,
		MaxDuration:        cfg.MaxDuration,
	}
}

// Path is an ordered route from start to destination, both included
type Path struct {
	Cells    []Cell  `json:"cells"`
	Points   []Point `json:"points"`
	Cost     float64 `json:"cost"`
	Expanded int     `json:"expanded"`
}

// Steps returns the number of moves along the path
func (p Path) Steps() int {
	if len(p.Cells) == 0 {
		return 0
	}
	return len(p.Cells) - 1
}

// searchNode is an arena entry; parent indexes the arena, -1 for the root
type searchNode struct {
	cell   Cell
	parent int32
	g      float64
}

type frontierItem struct {
	f    float64
	seq  uint64
	node int32
}

// frontier is a min-heap on f, ties broken by insertion order
type frontier []frontierItem

func (q frontier) Len() int { return len(q) }
func (q frontier) Less(i, j int) bool {
	if q[i].f != q[j].f {
		return q[i].f < q[j].f
	}
	return q[i].seq < q[j].seq
}
func (q frontier) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *frontier) Push(x any)   { *q = append(*q, x.(frontierItem)) }
func (q *frontier) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type move struct {
	dx, dy int
	cost   float64
}

var (
	moves4 = []move{{1, 0, 1}, {-1, 0, 1}, {0, 1, 1}, {0, -1, 1}}
	moves8 = append(append([]move{}, moves4...),
		move{1, 1, math.Sqrt2}, move{-1, 1, math.Sqrt2}, move{1, -1, math.Sqrt2}, move{-1, -1, math.Sqrt2})
)

// FindPath searches grid for the cheapest route from start to dest. Cells
// above the occupancy threshold are obstacles; diagonal moves may not cut
// between two obstacles. The start cell is never treated as blocked.
func FindPath(ctx context.Context, grid *Grid, start, dest Cell, opts SearchOptions) (Path, error) {
	if !grid.InBounds(start) {
		return Path{}, fmt.Errorf("start %v: %w", start, ErrOutOfBounds)
	}
	if !grid.InBounds(dest) {
		return Path{}, fmt.Errorf("destination %v: %w", dest, ErrOutOfBounds)
	}

	blocked := func(c Cell) bool {
		return !grid.InBounds(c) || grid.At(c) > opts.OccupancyThreshold
	}
	if dest != start && blocked(dest) {
		return Path{}, fmt.Errorf("destination %v: %w", dest, ErrBlockedEndpoint)
	}

	var moves []move
	var h func(Cell) float64
	switch opts.Connectivity {
	case 4:
		moves = moves4
		h = func(c Cell) float64 { return float64(abs(c.X-dest.X) + abs(c.Y-dest.Y)) }
	case 8, 0:
		moves = moves8
		h = func(c Cell) float64 {
			dx, dy := float64(abs(c.X-dest.X)), float64(abs(c.Y-dest.Y))
			return dx + dy + (math.Sqrt2-2)*math.Min(dx, dy)
		}
	default:
		return Path{}, fmt.Errorf("connectivity must be 4 or 8, got %d", opts.Connectivity)
	}
	switch opts.Algorithm {
	case AlgorithmAStar, "":
	case AlgorithmDijkstra:
		h = func(Cell) float64 { return 0 }
	default:
		return Path{}, fmt.Errorf("unknown search algorithm %q", opts.Algorithm)
	}

	var deadline time.Time
	if opts.MaxDuration > 0 {
		deadline = time.Now().Add(opts.MaxDuration)
	}

	best := make([]float64, grid.Size*grid.Size)
	for i := range best {
		best[i] = math.Inf(1)
	}

	nodes := []searchNode{{cell: start, parent: -1}}
	best[grid.index(start)] = 0
	var seq uint64
	q := &frontier{{f: h(start), seq: seq, node: 0}}

	expanded := 0
	for q.Len() > 0 {
		item := heap.Pop(q).(frontierItem)
		n := nodes[item.node]
		if n.g > best[grid.index(n.cell)] {
			continue // superseded by a cheaper entry
		}
		if n.cell == dest {
			return buildPath(grid, nodes, item.node, expanded), nil
		}

		expanded++
		if expanded%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Path{}, err
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return Path{}, fmt.Errorf("search exceeded %v after %d expansions: %w", opts.MaxDuration, expanded, ErrSearchBudget)
			}
		}

		for _, m := range moves {
			next := Cell{X: n.cell.X + m.dx, Y: n.cell.Y + m.dy}
			if blocked(next) {
				continue
			}
			if m.dx != 0 && m.dy != 0 &&
				(blocked(Cell{X: n.cell.X + m.dx, Y: n.cell.Y}) || blocked(Cell{X: n.cell.X, Y: n.cell.Y + m.dy})) {
				continue
			}

			g := n.g + m.cost
			idx := grid.index(next)
			if g >= best[idx] {
				continue
			}
			best[idx] = g

			if opts.MaxNodes > 0 && len(nodes) >= opts.MaxNodes {
				return Path{}, fmt.Errorf("search created %d nodes: %w", len(nodes), ErrSearchBudget)
			}
			nodes = append(nodes, searchNode{cell: next, parent: item.node, g: g})
			seq++
			heap.Push(q, frontierItem{f: g + h(next), seq: seq, node: int32(len(nodes) - 1)})
		}
	}

	return Path{}, fmt.Errorf("from %v to %v after %d expansions: %w", start, dest, expanded, ErrNoPath)
}

func buildPath(grid *Grid, nodes []searchNode, last int32, expanded int) Path {
	var cells []Cell
	for i := last; i >= 0; i = nodes[i].parent {
		cells = append(cells, nodes[i].cell)
	}
	slices.Reverse(cells)

	points := make([]Point, len(cells))
	for i, c := range cells {
		points[i] = grid.CellToWorld(c)
	}
	return Path{Cells: cells, Points: points, Cost: nodes[last].g, Expanded: expanded}
}
