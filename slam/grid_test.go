package slam

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uniformScan builds a scan with the default geometry where every beam
// reads r.
func uniformScan(r float64) LaserScan {
	model := DefaultLaserModel()
	ranges := make([]float64, model.Samples)
	for i := range ranges {
		ranges[i] = r
	}
	return LaserScan{LaserModel: model, Ranges: ranges}
}

func TestRing(t *testing.T) {
	r := NewRing("a", "b")
	assert.Equal(t, "a", r.Current())
	assert.Equal(t, "b", r.Next())

	r.Rotate()
	assert.Equal(t, "b", r.Current())
	assert.Equal(t, "a", r.Next())

	r.Rotate()
	assert.Equal(t, "a", r.Current())
}

func TestGrid_WorldCellRoundTrip(t *testing.T) {
	g := NewGrid(100, 10)

	tests := []struct {
		name   string
		point  Point
		want   Cell
		inside bool
	}{
		{"origin is centre", Point{X: 0, Y: 0}, Cell{X: 50, Y: 50}, true},
		{"bottom left corner", Point{X: -5, Y: -5}, Cell{X: 0, Y: 0}, true},
		{"just inside top right", Point{X: 4.99, Y: 4.99}, Cell{X: 99, Y: 99}, true},
		{"off the right edge", Point{X: 5.01, Y: 0}, Cell{X: 100, Y: 50}, false},
		{"negative side", Point{X: -0.05, Y: 0.15}, Cell{X: 49, Y: 51}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := g.WorldToCell(tt.point)
			if got != tt.want || ok != tt.inside {
				t.Errorf("WorldToCell(%v) = %v, %v; want %v, %v", tt.point, got, ok, tt.want, tt.inside)
			}
		})
	}

	centre := g.CellToWorld(Cell{X: 50, Y: 50})
	if !almostEqual(centre.X, 0.05) || !almostEqual(centre.Y, 0.05) {
		t.Errorf("CellToWorld(50,50) = %v, want (0.05, 0.05)", centre)
	}
}

func TestGrid_AddClamps(t *testing.T) {
	g := NewGrid(4, 1)
	c := Cell{X: 1, Y: 2}

	for i := 0; i < 20; i++ {
		g.Add(c, 0.3)
	}
	assert.Equal(t, 1.0, g.At(c))

	for i := 0; i < 20; i++ {
		g.Add(c, -0.3)
	}
	assert.Equal(t, -1.0, g.At(c))

	g.Set(c, 7)
	assert.Equal(t, 1.0, g.At(c))

	// out of bounds is ignored and reads unknown
	g.Add(Cell{X: -1, Y: 0}, 1)
	assert.Equal(t, 0.0, g.At(Cell{X: -1, Y: 0}))
}

func TestGrid_Downsample(t *testing.T) {
	g := NewGrid(8, 8)
	for i := range g.Cells {
		g.Cells[i] = -1
	}
	g.Set(Cell{X: 5, Y: 6}, 0.8)

	small, err := g.Downsample(4)
	require.NoError(t, err)
	require.Equal(t, 2, small.Size)
	assert.Equal(t, 8.0, small.Extent)

	assert.InDelta(t, -1.0, small.At(Cell{X: 0, Y: 0}), 1e-6)
	assert.InDelta(t, 0.8, small.At(Cell{X: 1, Y: 1}), 1e-6, "obstacle must survive the reduction")

	_, err = g.Downsample(3)
	assert.True(t, errors.Is(err, ErrSensorDataMismatch))
}

func TestGrid_Window(t *testing.T) {
	g := NewGrid(100, 10)
	g.Set(Cell{X: 60, Y: 50}, 1)

	w := g.Window(Point{X: 1, Y: 0}, 10, 2)
	c, ok := w.WorldToCell(g.CellToWorld(Cell{X: 60, Y: 50}))
	require.True(t, ok)
	assert.Equal(t, 1.0, w.At(c))
	assert.Equal(t, Point{X: 1, Y: 0}, w.Center)

	// regions off the source read as unknown
	far := g.Window(Point{X: 100, Y: 100}, 4, 1)
	for _, v := range far.Cells {
		assert.Equal(t, float32(0), v)
	}
}

func TestTraceLine(t *testing.T) {
	tests := []struct {
		name string
		a, b Cell
		want int
	}{
		{"single cell", Cell{X: 2, Y: 2}, Cell{X: 2, Y: 2}, 1},
		{"horizontal", Cell{X: 0, Y: 0}, Cell{X: 5, Y: 0}, 6},
		{"diagonal", Cell{X: 0, Y: 0}, Cell{X: 4, Y: 4}, 5},
		{"steep backwards", Cell{X: 3, Y: 9}, Cell{X: 1, Y: 0}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cells []Cell
			traceLine(tt.a, tt.b, func(c Cell) bool {
				cells = append(cells, c)
				return true
			})
			require.Len(t, cells, tt.want)
			assert.Equal(t, tt.a, cells[0])
			assert.Equal(t, tt.b, cells[len(cells)-1])
		})
	}
}

func TestCastRay(t *testing.T) {
	g := NewGrid(20, 20)
	g.Set(Cell{X: 10, Y: 5}, 1)

	origin := Cell{X: 0, Y: 5}
	assert.Equal(t, rayHit, castRay(g, origin, Cell{X: 10, Y: 5}, 0))
	assert.Equal(t, rayObstructed, castRay(g, origin, Cell{X: 15, Y: 5}, 0))
	assert.Equal(t, rayMiss, castRay(g, origin, Cell{X: 8, Y: 5}, 0))
	assert.Equal(t, rayMiss, castRay(g, origin, Cell{X: 15, Y: 5}, 1), "threshold above stored value")
}

func TestOccupancyMap_UpdateMarksWallsAndFreeSpace(t *testing.T) {
	m := NewOccupancyMap(GridConfig{Size: 200, Extent: 20, DOccupancy: 0.2, DownsampleBy: 10, MinimumLaserDistance: 0.1})
	before := m.Current()

	require.NoError(t, m.Update(Pose{}, uniformScan(3)))

	g := m.Current()
	assert.NotSame(t, before, g, "ring must rotate after an update")

	wall, _ := g.WorldToCell(Point{X: 3, Y: 0})
	free, _ := g.WorldToCell(Point{X: 1.5, Y: 0})
	behind, _ := g.WorldToCell(Point{X: -3, Y: 0}) // outside the 270° field of view

	assert.InDelta(t, 0.2, g.At(wall), 1e-6)
	assert.InDelta(t, -0.2, g.At(free), 1e-6)
	assert.InDelta(t, 0.0, g.At(behind), 1e-6)
}

func TestOccupancyMap_ClampInvariant(t *testing.T) {
	m := NewOccupancyMap(GridConfig{Size: 100, Extent: 10, DOccupancy: 0.2, DownsampleBy: 10, MinimumLaserDistance: 0.1})
	rng := rand.New(rand.NewSource(1234))

	for i := 0; i < 30; i++ {
		scan := uniformScan(0)
		for j := range scan.Ranges {
			scan.Ranges[j] = 0.2 + rng.Float64()*6
		}
		pose := Pose{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Angle: rng.Float64() * 2 * math.Pi}
		require.NoError(t, m.Update(pose, scan))
	}

	for _, v := range m.Current().Cells {
		if v < -1 || v > 1 {
			t.Fatalf("cell value %v outside [-1, 1]", v)
		}
	}
}

func TestOccupancyMap_SkipsInvalidBeams(t *testing.T) {
	m := NewOccupancyMap(GridConfig{Size: 100, Extent: 10, DOccupancy: 0.2, DownsampleBy: 10, MinimumLaserDistance: 0.5})

	scan := uniformScan(0.3) // below the minimum laser distance
	scan.Ranges[0] = math.NaN()
	scan.Ranges[1] = math.Inf(1)
	scan.Ranges[2] = 45 // beyond max range
	require.NoError(t, m.Update(Pose{}, scan))

	occupied, free := m.Current().Count(0.01)
	assert.Zero(t, occupied)
	assert.Zero(t, free)
}

func TestOccupancyMap_RejectsNonFinitePose(t *testing.T) {
	m := NewOccupancyMap(GridConfig{Size: 10, Extent: 1, DOccupancy: 0.2, DownsampleBy: 1})
	err := m.Update(Pose{X: math.NaN()}, uniformScan(1))
	assert.True(t, errors.Is(err, ErrSensorDataMismatch))
}

func TestOccupancyMap_SnapshotIsIsolated(t *testing.T) {
	m := NewOccupancyMap(GridConfig{Size: 100, Extent: 10, DOccupancy: 0.2, DownsampleBy: 10, MinimumLaserDistance: 0.1})
	snap := m.Snapshot()

	require.NoError(t, m.Update(Pose{}, uniformScan(2)))
	require.NoError(t, m.Update(Pose{}, uniformScan(2)))

	occupied, free := snap.Count(0.01)
	assert.Zero(t, occupied+free, "snapshot must not observe later updates")

	small, err := m.Downsampled()
	require.NoError(t, err)
	assert.Equal(t, 10, small.Size)

	m.Reset()
	occupied, free = m.Current().Count(0.01)
	assert.Zero(t, occupied+free)
}
