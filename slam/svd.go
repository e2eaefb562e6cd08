package slam

import "math"

// Mat2 is a row-major 2x2 matrix: [m00 m01; m10 m11]
type Mat2 [4]float64

// Rotation2 returns the matrix rotating by angle radians counter-clockwise
func Rotation2(angle float64) Mat2 {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return Mat2{cos, -sin, sin, cos}
}

// Mul returns m * o
func (m Mat2) Mul(o Mat2) Mat2 {
	return Mat2{
		m[0]*o[0] + m[1]*o[2], m[0]*o[1] + m[1]*o[3],
		m[2]*o[0] + m[3]*o[2], m[2]*o[1] + m[3]*o[3],
	}
}

// T returns the transpose
func (m Mat2) T() Mat2 {
	return Mat2{m[0], m[2], m[1], m[3]}
}

// Det returns the determinant
func (m Mat2) Det() float64 {
	return m[0]*m[3] - m[1]*m[2]
}

// IsFinite reports whether no entry is NaN or infinite
func (m Mat2) IsFinite() bool {
	for _, v := range m {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

// SVD holds a decomposition M = U * diag(S) * V^T
type SVD struct {
	U Mat2
	S [2]float64
	V Mat2
}

// SVD2x2 decomposes a 2x2 matrix in closed form.
//
// With e = (m00+m11)/2, f = (m00-m11)/2, g = (m10+m01)/2, h = (m10-m01)/2,
// q = sqrt(e²+h²) and r = sqrt(f²+g²), the singular values are q+r and
// q-r, and M = Rot(phi) * diag(q+r, q-r) * Rot(theta) where
// theta = (atan2(h,e) - atan2(g,f))/2 and phi = (atan2(h,e) + atan2(g,f))/2.
// When q-r is negative the second singular value is made positive by
// flipping the second right singular vector.
func SVD2x2(m Mat2) SVD {
	e := (m[0] + m[3]) / 2
	f := (m[0] - m[3]) / 2
	g := (m[2] + m[1]) / 2
	h := (m[2] - m[1]) / 2

	q := math.Sqrt(e*e + h*h)
	r := math.Sqrt(f*f + g*g)

	a1 := math.Atan2(g, f)
	a2 := math.Atan2(h, e)
	theta := (a2 - a1) / 2
	phi := (a2 + a1) / 2

	u := Rotation2(phi)
	vt := Rotation2(theta)
	s := [2]float64{q + r, q - r}

	if s[1] < 0 {
		s[1] = -s[1]
		vt[2], vt[3] = -vt[2], -vt[3]
	}

	return SVD{U: u, S: s, V: vt.T()}
}
