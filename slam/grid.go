package slam

import (
	"fmt"
	"math"
)

// Occupancy values: -1 confidently free, +1 confidently occupied, 0 unknown.
const (
	OccupancyFree     = -1.0
	OccupancyUnknown  = 0.0
	OccupancyOccupied = 1.0
)

// Grid is a square occupancy grid. Cell (0,0) is the bottom-left corner;
// columns grow with world X and rows with world Y. Center is the world
// position of the grid's middle.
type Grid struct {
	Size   int
	Extent float64
	Center Point
	Cells  []float32
}

// NewGrid creates an all-unknown grid of size×size cells covering extent
// meters per side, centred on the world origin.
func NewGrid(size int, extent float64) *Grid {
	return &Grid{
		Size:   size,
		Extent: extent,
		Cells:  make([]float32, size*size),
	}
}

// CellSize returns the side length of one cell in meters
func (g *Grid) CellSize() float64 {
	return g.Extent / float64(g.Size)
}

// InBounds reports whether c addresses a cell of the grid
func (g *Grid) InBounds(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < g.Size && c.Y < g.Size
}

func (g *Grid) index(c Cell) int {
	return c.Y*g.Size + c.X
}

// At returns the value of cell c; out-of-bounds cells read as unknown
func (g *Grid) At(c Cell) float64 {
	if !g.InBounds(c) {
		return OccupancyUnknown
	}
	return float64(g.Cells[g.index(c)])
}

// Set stores v clamped to [-1, 1]
func (g *Grid) Set(c Cell, v float64) {
	if !g.InBounds(c) {
		return
	}
	g.Cells[g.index(c)] = float32(clampOccupancy(v))
}

// Add nudges cell c by d, clamping the result to [-1, 1]
func (g *Grid) Add(c Cell, d float64) {
	if !g.InBounds(c) {
		return
	}
	i := g.index(c)
	g.Cells[i] = float32(clampOccupancy(float64(g.Cells[i]) + d))
}

// WorldToCell returns the cell containing p and whether it lies on the grid
func (g *Grid) WorldToCell(p Point) (Cell, bool) {
	cs := g.CellSize()
	half := g.Extent / 2
	c := Cell{
		X: int(math.Floor((p.X - g.Center.X + half) / cs)),
		Y: int(math.Floor((p.Y - g.Center.Y + half) / cs)),
	}
	return c, g.InBounds(c)
}

// CellToWorld returns the world position of the centre of c
func (g *Grid) CellToWorld(c Cell) Point {
	cs := g.CellSize()
	half := g.Extent / 2
	return Point{
		X: g.Center.X - half + (float64(c.X)+0.5)*cs,
		Y: g.Center.Y - half + (float64(c.Y)+0.5)*cs,
	}
}

// Clone returns a deep copy
func (g *Grid) Clone() *Grid {
	out := &Grid{Size: g.Size, Extent: g.Extent, Center: g.Center, Cells: make([]float32, len(g.Cells))}
	copy(out.Cells, g.Cells)
	return out
}

// CopyFrom overwrites g with the contents of src, which must have the same
// dimensions.
func (g *Grid) CopyFrom(src *Grid) error {
	if src.Size != g.Size {
		return fmt.Errorf("copy grid of size %d into size %d: %w", src.Size, g.Size, ErrSensorDataMismatch)
	}
	g.Extent = src.Extent
	g.Center = src.Center
	copy(g.Cells, src.Cells)
	return nil
}

// Downsample reduces the grid by an integer divisor. Each output cell holds
// the maximum of its divisor×divisor block so thin obstacles survive.
func (g *Grid) Downsample(divisor int) (*Grid, error) {
	if divisor <= 0 || g.Size%divisor != 0 {
		return nil, fmt.Errorf("downsample %d cells by %d: %w", g.Size, divisor, ErrSensorDataMismatch)
	}

	size := g.Size / divisor
	out := &Grid{Size: size, Extent: g.Extent, Center: g.Center, Cells: make([]float32, size*size)}

	for by := 0; by < size; by++ {
		for bx := 0; bx < size; bx++ {
			best := float32(OccupancyFree)
			for y := by * divisor; y < (by+1)*divisor; y++ {
				row := g.Cells[y*g.Size+bx*divisor : y*g.Size+(bx+1)*divisor]
				for _, v := range row {
					if v > best {
						best = v
					}
				}
			}
			out.Cells[by*size+bx] = best
		}
	}

	return out, nil
}

// Window resamples a square region of extent meters centred on center into
// a size×size grid. Output cells take the maximum of the source cells they
// overlap. Regions off the source grid read as unknown.
func (g *Grid) Window(center Point, size int, extent float64) *Grid {
	out := &Grid{Size: size, Extent: extent, Center: center, Cells: make([]float32, size*size)}
	half := out.CellSize() / 2

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := Cell{X: x, Y: y}
			mid := out.CellToWorld(c)

			minCell, _ := g.WorldToCell(Point{X: mid.X - half + 1e-9, Y: mid.Y - half + 1e-9})
			maxCell, _ := g.WorldToCell(Point{X: mid.X + half - 1e-9, Y: mid.Y + half - 1e-9})

			best := math.Inf(-1)
			for sy := minCell.Y; sy <= maxCell.Y; sy++ {
				for sx := minCell.X; sx <= maxCell.X; sx++ {
					if v := g.At(Cell{X: sx, Y: sy}); v > best {
						best = v
					}
				}
			}
			out.Set(c, best)
		}
	}

	return out
}

// Count returns how many cells are above threshold (occupied) and how many
// are below -threshold (free)
func (g *Grid) Count(threshold float64) (occupied, free int) {
	for _, v := range g.Cells {
		switch {
		case float64(v) > threshold:
			occupied++
		case float64(v) < -threshold:
			free++
		}
	}
	return occupied, free
}

func clampOccupancy(v float64) float64 {
	if math.IsNaN(v) {
		return OccupancyUnknown
	}
	return math.Max(OccupancyFree, math.Min(OccupancyOccupied, v))
}
