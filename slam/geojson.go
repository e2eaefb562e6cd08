package slam

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// Exports use world meters as planar GeoJSON coordinates (x, y).

func toOrbPoint(p Point) orb.Point {
	return orb.Point{p.X, p.Y}
}

func toLineString(points []Point) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = toOrbPoint(p)
	}
	return ls
}

func fromLineString(ls orb.LineString) []Point {
	points := make([]Point, len(ls))
	for i, p := range ls {
		points[i] = Point{X: p[0], Y: p[1]}
	}
	return points
}

// SimplifyPath applies Douglas-Peucker with the given tolerance in meters.
// Endpoints are always kept; a non-positive tolerance returns a copy.
func SimplifyPath(points []Point, tolerance float64) []Point {
	if tolerance <= 0 || len(points) < 3 {
		return append([]Point(nil), points...)
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(toLineString(points)).(orb.LineString)
	if !ok {
		return append([]Point(nil), points...)
	}
	return fromLineString(simplified)
}

// PathLength returns the polyline length in meters
func PathLength(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}
	return planar.Length(toLineString(points))
}

// LandmarkBound returns the bounding box of the landmark positions
func LandmarkBound(landmarks []Landmark) (orb.Bound, bool) {
	if len(landmarks) == 0 {
		return orb.Bound{}, false
	}
	mp := make(orb.MultiPoint, len(landmarks))
	for i, l := range landmarks {
		mp[i] = toOrbPoint(l.Position)
	}
	return mp.Bound(), true
}

// LandmarkFeature converts a landmark into a Point feature. NaN angles are
// left out of the properties.
func LandmarkFeature(l Landmark, robotID string) *geojson.Feature {
	f := geojson.NewFeature(toOrbPoint(l.Position))
	f.ID = l.ID.String()
	f.Properties["kind"] = string(l.Kind)
	f.Properties["count"] = l.Count
	if robotID != "" {
		f.Properties["robotId"] = robotID
	}
	if !math.IsNaN(l.StartAngle) {
		f.Properties["startAngle"] = l.StartAngle
	}
	if !math.IsNaN(l.EndAngle) {
		f.Properties["endAngle"] = l.EndAngle
	}
	if l.Count > 1 {
		v := l.Variance()
		f.Properties["variance"] = []float64{v.X, v.Y}
	}
	return f
}

// LandmarksToFeatureCollection exports a landmark list
func LandmarksToFeatureCollection(landmarks []Landmark, robotID string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, l := range landmarks {
		fc.Append(LandmarkFeature(l, robotID))
	}
	return fc
}

// PathFeature converts planned waypoints into a LineString feature,
// simplified with tolerance
func PathFeature(points []Point, tolerance float64, props map[string]interface{}) *geojson.Feature {
	simplified := SimplifyPath(points, tolerance)
	f := geojson.NewFeature(toLineString(simplified))
	for k, v := range props {
		f.Properties[k] = v
	}
	f.Properties["length"] = PathLength(simplified)
	f.Properties["waypoints"] = len(simplified)
	return f
}

// PoseFeature converts a pose into a Point feature carrying its heading
func PoseFeature(robotID string, pose Pose) *geojson.Feature {
	f := geojson.NewFeature(toOrbPoint(pose.Position()))
	f.ID = robotID
	f.Properties["robotId"] = robotID
	f.Properties["angle"] = pose.Angle
	return f
}

// ParticlesFeature exports the particle population as a MultiPoint
func ParticlesFeature(particles []Particle) *geojson.Feature {
	mp := make(orb.MultiPoint, len(particles))
	for i, p := range particles {
		mp[i] = toOrbPoint(p.Pose.Position())
	}
	f := geojson.NewFeature(mp)
	f.Properties["particles"] = len(particles)
	return f
}
