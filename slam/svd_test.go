package slam

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func reconstruct(s SVD) Mat2 {
	return s.U.Mul(Mat2{s.S[0], 0, 0, s.S[1]}).Mul(s.V.T())
}

func TestSVD2x2_Reconstructs(t *testing.T) {
	tests := []struct {
		name string
		m    Mat2
	}{
		{"identity", Mat2{1, 0, 0, 1}},
		{"rotation", Rotation2(0.6)},
		{"diagonal", Mat2{3, 0, 0, 1}},
		{"swapped diagonal", Mat2{1, 0, 0, 3}},
		{"reflection", Mat2{1, 0, 0, -1}},
		{"general", Mat2{2, -1, 0.5, 3}},
		{"negative determinant", Mat2{1, 2, 3, 4}},
		{"rank one", Mat2{1, 2, 2, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SVD2x2(tt.m)
			got := reconstruct(s)
			for i := range got {
				if math.Abs(got[i]-tt.m[i]) > 1e-9 {
					t.Fatalf("U*S*V^T = %v, want %v", got, tt.m)
				}
			}
			if s.S[0] < s.S[1] || s.S[1] < 0 {
				t.Errorf("singular values %v not ordered and non-negative", s.S)
			}
			if math.Abs(math.Abs(s.U.Det())-1) > 1e-9 || math.Abs(math.Abs(s.V.Det())-1) > 1e-9 {
				t.Errorf("U and V must be orthonormal: det(U)=%v det(V)=%v", s.U.Det(), s.V.Det())
			}
		})
	}
}

func TestSVD2x2_MatchesGonum(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))

	for i := 0; i < 200; i++ {
		m := Mat2{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}

		var ref mat.SVD
		if ok := ref.Factorize(mat.NewDense(2, 2, m[:]), mat.SVDFull); !ok {
			t.Fatalf("gonum SVD failed for %v", m)
		}
		want := ref.Values(nil)
		sort.Sort(sort.Reverse(sort.Float64Slice(want)))

		got := SVD2x2(m).S
		if math.Abs(got[0]-want[0]) > 1e-9 || math.Abs(got[1]-want[1]) > 1e-9 {
			t.Fatalf("SVD2x2(%v).S = %v, gonum = %v", m, got, want)
		}
	}
}
