package slam

import (
	"math"
)

// Point represents a 2D coordinate in world meters
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is a robot position in world meters plus heading in radians.
// Angle is kept in (-pi, pi].
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Angle float64 `json:"angle"`
}

// PoseDelta is a motion increment expressed in the robot's local frame at
// the time it was integrated.
type PoseDelta struct {
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	DAngle float64 `json:"dAngle"`
}

// Position returns the translational part of the pose
func (p Pose) Position() Point {
	return Point{X: p.X, Y: p.Y}
}

// Apply composes a local-frame delta onto the pose
func (p Pose) Apply(d PoseDelta) Pose {
	cos := math.Cos(p.Angle)
	sin := math.Sin(p.Angle)
	return Pose{
		X:     p.X + cos*d.DX - sin*d.DY,
		Y:     p.Y + sin*d.DX + cos*d.DY,
		Angle: NormalizeAngle(p.Angle + d.DAngle),
	}
}

// Matrix returns the rigid transform mapping robot-frame points into the world
func (p Pose) Matrix() AffineMatrix {
	return CreateRotationTranslation(p.Angle, p.X, p.Y)
}

// IsFinite reports whether every component of the pose is a real number
func (p Pose) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Angle)
}

// Distance returns the translational norm of the delta
func (d PoseDelta) Distance() float64 {
	return math.Hypot(d.DX, d.DY)
}

// IsZero reports whether the delta moves the robot at all
func (d PoseDelta) IsZero() bool {
	return d.DX == 0 && d.DY == 0 && d.DAngle == 0
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// OdometryTicks holds cumulative wheel-encoder counts
type OdometryTicks struct {
	Left  int64 `json:"l"`
	Right int64 `json:"r"`
}

// Cell addresses a grid cell by column and row
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// DestinationRequest asks the planner for a path to a world position
type DestinationRequest struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Algorithm string  `json:"algorithm,omitempty"` // "astar" (default) or "dijkstra"
}

// LivePosition is the latest pose of a robot as shown on the HTTP endpoints
type LivePosition struct {
	RobotID   string  `json:"robotId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Angle     float64 `json:"angle"` // radians, 0 = East, CCW
	Timestamp int64   `json:"timestamp"`
	Color     string  `json:"color,omitempty"`
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
