package slam

// traceLine walks the cells of the Bresenham line from a to b inclusive,
// stopping early when visit returns false.
func traceLine(a, b Cell, visit func(c Cell) bool) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}

	err := dx + dy
	x, y := a.X, a.Y
	for {
		if !visit(Cell{X: x, Y: y}) {
			return
		}
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

// rayOutcome classifies a beam cast through the grid
type rayOutcome int

const (
	rayMiss       rayOutcome = iota // nothing occupied along the beam
	rayObstructed                   // an occupied cell lies before the endpoint
	rayHit                          // the endpoint cell is occupied
)

// castRay compares a predicted beam from origin to end against the grid
func castRay(g *Grid, origin, end Cell, threshold float64) rayOutcome {
	if g.At(end) > threshold {
		return rayHit
	}
	outcome := rayMiss
	traceLine(origin, end, func(c Cell) bool {
		if c == end {
			return false
		}
		if !g.InBounds(c) {
			return true
		}
		if g.At(c) > threshold {
			outcome = rayObstructed
			return false
		}
		return true
	})
	return outcome
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
