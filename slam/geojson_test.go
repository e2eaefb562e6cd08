package slam

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimplifyPath(t *testing.T) {
	straight := []Point{{0, 0}, {1, 0.01}, {2, 0}, {3, 0.01}, {4, 0}}

	got := SimplifyPath(straight, 0.05)
	assert.Equal(t, []Point{{0, 0}, {4, 0}}, got)

	// a real turn survives
	turn := []Point{{0, 0}, {1, 0}, {2, 0}, {2, 1}, {2, 2}}
	got = SimplifyPath(turn, 0.05)
	assert.Equal(t, []Point{{0, 0}, {2, 0}, {2, 2}}, got)
}

func TestSimplifyPath_ZeroToleranceCopies(t *testing.T) {
	in := []Point{{0, 0}, {1, 0}, {2, 0}}
	out := SimplifyPath(in, 0)
	require.Equal(t, in, out)

	out[0].X = 42
	assert.Equal(t, 0.0, in[0].X, "result must not alias the input")
}

func TestPathLength(t *testing.T) {
	assert.Equal(t, 0.0, PathLength(nil))
	assert.Equal(t, 0.0, PathLength([]Point{{1, 1}}))
	assert.InDelta(t, 7.0, PathLength([]Point{{0, 0}, {3, 4}, {3, 6}}), 1e-12)
}

func TestLandmarkBound(t *testing.T) {
	_, ok := LandmarkBound(nil)
	assert.False(t, ok)

	b, ok := LandmarkBound([]Landmark{
		{Position: Point{X: -1, Y: 2}},
		{Position: Point{X: 3, Y: -4}},
	})
	require.True(t, ok)
	assert.Equal(t, orb.Point{-1, -4}, b.Min)
	assert.Equal(t, orb.Point{3, 2}, b.Max)
}

func TestLandmarkFeature(t *testing.T) {
	l := newLandmark(KindEdge, Point{X: 1.5, Y: -2}, math.NaN(), 0.25)

	f := LandmarkFeature(l, "may")
	assert.Equal(t, l.ID.String(), f.ID)
	assert.Equal(t, orb.Point{1.5, -2}, f.Geometry)
	assert.Equal(t, "edge", f.Properties["kind"])
	assert.Equal(t, "may", f.Properties["robotId"])
	assert.NotContains(t, f.Properties, "startAngle")
	assert.Equal(t, 0.25, f.Properties["endAngle"])
	assert.NotContains(t, f.Properties, "variance", "single observation has no variance")

	// NaN must never reach the encoder
	_, err := json.Marshal(f)
	assert.NoError(t, err)
}

func TestLandmarkFeature_Variance(t *testing.T) {
	l := newLandmark(KindCorner, Point{}, 0, 1)
	l.observe(Landmark{Position: Point{X: 0.2, Y: 0}, StartAngle: 0, EndAngle: 1})

	f := LandmarkFeature(l, "")
	assert.NotContains(t, f.Properties, "robotId")
	v, ok := f.Properties["variance"].([]float64)
	require.True(t, ok)
	assert.InDelta(t, 0.02, v[0], 1e-12)
	assert.InDelta(t, 0, v[1], 1e-12)
}

func TestLandmarksToFeatureCollection(t *testing.T) {
	fc := LandmarksToFeatureCollection([]Landmark{
		newLandmark(KindCorner, Point{X: 1}, 0, 1),
		newLandmark(KindEdge, Point{Y: 1}, math.NaN(), math.NaN()),
	}, "may")
	require.Len(t, fc.Features, 2)

	data, err := fc.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)
}

func TestPathFeature(t *testing.T) {
	points := []Point{{0, 0}, {1, 0}, {2, 0}, {2, 2}}
	f := PathFeature(points, 0.01, map[string]interface{}{"seq": uint64(3)})

	ls, ok := f.Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Len(t, ls, 3)
	assert.Equal(t, 3, f.Properties["waypoints"])
	assert.InDelta(t, 4.0, f.Properties["length"], 1e-12)
	assert.Equal(t, uint64(3), f.Properties["seq"])
}

func TestPoseAndParticlesFeature(t *testing.T) {
	f := PoseFeature("may", Pose{X: 1, Y: 2, Angle: 0.5})
	assert.Equal(t, "may", f.ID)
	assert.Equal(t, orb.Point{1, 2}, f.Geometry)
	assert.Equal(t, 0.5, f.Properties["angle"])

	pf := ParticlesFeature([]Particle{{Pose: Pose{X: 1}}, {Pose: Pose{Y: 1}}})
	mp, ok := pf.Geometry.(orb.MultiPoint)
	require.True(t, ok)
	assert.Len(t, mp, 2)
	assert.Equal(t, 2, pf.Properties["particles"])
}
