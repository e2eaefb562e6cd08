package slam

import (
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// 8-connected neighbours, cardinal first so chains prefer straight steps
var neighbors8 = [8]Cell{
	{X: 1, Y: 0}, {X: -1, Y: 0}, {X: 0, Y: 1}, {X: 0, Y: -1},
	{X: 1, Y: 1}, {X: 1, Y: -1}, {X: -1, Y: 1}, {X: -1, Y: -1},
}

// VectorizeWalls turns the occupied cells of g into wall polylines in world
// meters. Each 8-connected component is walked from an end cell; branches
// left over by the walk become polylines of their own. Single cells are
// dropped. Polylines are simplified with tolerance meters.
func VectorizeWalls(g *Grid, threshold, tolerance float64) [][]Point {
	occupied := func(c Cell) bool { return g.InBounds(c) && g.At(c) > threshold }
	visited := make([]bool, len(g.Cells))

	var walls [][]Point
	for y := 0; y < g.Size; y++ {
		for x := 0; x < g.Size; x++ {
			start := Cell{X: x, Y: y}
			if !occupied(start) || visited[g.index(start)] {
				continue
			}

			component := floodComponent(g, start, occupied, visited)
			if len(component) < 2 {
				continue
			}
			for _, chain := range orderChains(component) {
				if len(chain) < 2 {
					continue
				}
				points := make([]Point, len(chain))
				for i, c := range chain {
					points[i] = g.CellToWorld(c)
				}
				walls = append(walls, SimplifyPath(points, tolerance))
			}
		}
	}
	return walls
}

// floodComponent collects the 8-connected component containing start
func floodComponent(g *Grid, start Cell, occupied func(Cell) bool, visited []bool) []Cell {
	visited[g.index(start)] = true
	queue := []Cell{start}
	var component []Cell

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		component = append(component, c)

		for _, n := range neighbors8 {
			next := Cell{X: c.X + n.X, Y: c.Y + n.Y}
			if occupied(next) && !visited[g.index(next)] {
				visited[g.index(next)] = true
				queue = append(queue, next)
			}
		}
	}
	return component
}

// orderChains walks a component into ordered cell chains. The first chain
// starts at an end cell (degree ≤ 1) when there is one.
func orderChains(component []Cell) [][]Cell {
	in := make(map[Cell]bool, len(component))
	for _, c := range component {
		in[c] = true
	}
	degree := func(c Cell) int {
		d := 0
		for _, n := range neighbors8 {
			if in[Cell{X: c.X + n.X, Y: c.Y + n.Y}] {
				d++
			}
		}
		return d
	}

	walked := make(map[Cell]bool, len(component))
	walk := func(from Cell) []Cell {
		chain := []Cell{from}
		walked[from] = true
		for cur := from; ; {
			moved := false
			for _, n := range neighbors8 {
				next := Cell{X: cur.X + n.X, Y: cur.Y + n.Y}
				if in[next] && !walked[next] {
					walked[next] = true
					chain = append(chain, next)
					cur = next
					moved = true
					break
				}
			}
			if !moved {
				return chain
			}
		}
	}

	start := component[0]
	for _, c := range component {
		if degree(c) <= 1 {
			start = c
			break
		}
	}

	chains := [][]Cell{walk(start)}
	for _, c := range component {
		if walked[c] {
			continue
		}
		// attach the branch to the walked cell it grows from
		branch := walk(c)
		for _, n := range neighbors8 {
			anchor := Cell{X: c.X + n.X, Y: c.Y + n.Y}
			if in[anchor] && walked[anchor] && !slices.Contains(branch, anchor) {
				branch = append([]Cell{anchor}, branch...)
				break
			}
		}
		chains = append(chains, branch)
	}
	return chains
}

// WallsFeature exports wall polylines as one MultiLineString feature
func WallsFeature(walls [][]Point) *geojson.Feature {
	mls := make(orb.MultiLineString, len(walls))
	for i, w := range walls {
		mls[i] = toLineString(w)
	}
	f := geojson.NewFeature(mls)
	f.Properties["layerType"] = "wall"
	f.Properties["segments"] = len(walls)
	return f
}
