package slam

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// TransformPoint applies an affine transform to a point
// x' = a*x + b*y + tx
// y' = c*x + d*y + ty
func TransformPoint(p Point, m AffineMatrix) Point {
	return Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// TransformPoints applies an affine transform to multiple points
func TransformPoints(points []Point, m AffineMatrix) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = TransformPoint(p, m)
	}
	return result
}

// TransformPose moves a pose by a rigid transform, rotating its heading by
// the transform's rotation.
func TransformPose(p Pose, m AffineMatrix) Pose {
	pos := TransformPoint(p.Position(), m)
	return Pose{X: pos.X, Y: pos.Y, Angle: NormalizeAngle(p.Angle + RotationAngle(m))}
}

// NormalizeAngle wraps an angle in radians to (-pi, pi].
func NormalizeAngle(angle float64) float64 {
	angle = math.Remainder(angle, 2*math.Pi)
	if angle <= -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}

// AngleDifference returns the signed shortest rotation from b to a
func AngleDifference(a, b float64) float64 {
	return NormalizeAngle(a - b)
}

// CircularMean averages angles on the unit circle. weights may be nil.
// Returns 0 when the vectors cancel out.
func CircularMean(angles, weights []float64) float64 {
	if len(angles) == 0 {
		return 0
	}
	mean := stat.CircularMean(angles, weights)
	if math.IsNaN(mean) {
		return 0
	}
	return NormalizeAngle(mean)
}

// RotationAngle extracts the rotation of a rigid transform via atan2(C, A)
func RotationAngle(m AffineMatrix) float64 {
	return math.Atan2(m.C, m.A)
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// InvertMatrix computes the inverse of an affine transform
// Returns identity if matrix is singular (determinant ~= 0)
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < 1e-12 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{A: cos, B: -sin, Tx: 0, C: sin, D: cos, Ty: 0}
}

// CreateRotationTranslation creates a combined rotation + translation transform
// Rotation (radians) is applied first around the origin, then translation
func CreateRotationTranslation(angle, tx, ty float64) AffineMatrix {
	rot := Rotation(angle)
	rot.Tx = tx
	rot.Ty = ty
	return rot
}

// IsFinite reports whether every matrix entry is a real number
func (m AffineMatrix) IsFinite() bool {
	return isFinite(m.A) && isFinite(m.B) && isFinite(m.C) &&
		isFinite(m.D) && isFinite(m.Tx) && isFinite(m.Ty)
}

// Magnitude is |rotation| + |translation|, the size of a correction
func (m AffineMatrix) Magnitude() float64 {
	return math.Abs(RotationAngle(m)) + math.Hypot(m.Tx, m.Ty)
}

// Distance calculates Euclidean distance between two points
func Distance(p1, p2 Point) float64 {
	return math.Hypot(p2.X-p1.X, p2.Y-p1.Y)
}

// Centroid calculates the center of mass of a set of points
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point{X: sumX / n, Y: sumY / n}
}

// CalculateRigidTransform computes the rotation + translation that maps
// source onto target in the least-squares sense (orthogonal Procrustes).
// The rotation comes from the SVD of the cross-covariance
// W = sum(outer(target_c, source_c)): R = U * V^T, t = tgt - R * src.
// Returns identity for fewer than two pairs or a degenerate solution.
func CalculateRigidTransform(source, target []Point) AffineMatrix {
	n := len(source)
	if n < 2 || n != len(target) {
		return Identity()
	}

	srcCentroid := Centroid(source)
	tgtCentroid := Centroid(target)

	// W = [w11 w12]
	//     [w21 w22]
	var w11, w12, w21, w22 float64
	for i := range source {
		sx := source[i].X - srcCentroid.X
		sy := source[i].Y - srcCentroid.Y
		tx := target[i].X - tgtCentroid.X
		ty := target[i].Y - tgtCentroid.Y

		w11 += tx * sx
		w12 += tx * sy
		w21 += ty * sx
		w22 += ty * sy
	}

	svd := SVD2x2(Mat2{w11, w12, w21, w22})
	r := svd.U.Mul(svd.V.T())
	if r.Det() < 0 {
		// Reflection; keep a proper rotation.
		r = svd.U.Mul(Mat2{1, 0, 0, -1}).Mul(svd.V.T())
	}
	if !r.IsFinite() {
		return Identity()
	}

	a, b, c, d := r[0], r[1], r[2], r[3]
	tx := tgtCentroid.X - (a*srcCentroid.X + b*srcCentroid.Y)
	ty := tgtCentroid.Y - (c*srcCentroid.X + d*srcCentroid.Y)

	m := AffineMatrix{A: a, B: b, Tx: tx, C: c, D: d, Ty: ty}
	if !m.IsFinite() {
		return Identity()
	}
	return m
}
