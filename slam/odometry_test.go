package slam

import (
	"math"
	"testing"
)

func testOdometry() *Odometry {
	return NewOdometry(OdometryConfig{BaseWidth: 0.5, MetersPerTick: 0.001})
}

func TestOdometry_FirstUpdateCapturesBaseline(t *testing.T) {
	o := testOdometry()

	got := o.Update(OdometryTicks{Left: 123456, Right: 654321})
	if !got.IsZero() {
		t.Errorf("first Update = %+v, want zero delta", got)
	}
	if o.Pose() != (Pose{}) {
		t.Errorf("Pose after baseline = %+v, want origin", o.Pose())
	}
}

func TestOdometry_Update(t *testing.T) {
	tests := []struct {
		name  string
		left  int64
		right int64
		want  PoseDelta
	}{
		{
			name: "straight ahead",
			left: 1000, right: 1000,
			want: PoseDelta{DX: 1, DY: 0, DAngle: 0},
		},
		{
			name: "spin in place",
			left: -250, right: 250,
			want: PoseDelta{DX: 0, DY: 0, DAngle: 1},
		},
		{
			name: "arc left",
			left: 500, right: 1000,
			want: PoseDelta{
				DX:     0.75 * math.Cos(0.5),
				DY:     0.75 * math.Sin(0.5),
				DAngle: 1,
			},
		},
		{
			name: "reverse",
			left: -400, right: -400,
			want: PoseDelta{DX: -0.4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOdometry()
			o.Update(OdometryTicks{Left: 10, Right: 20})
			got := o.Update(OdometryTicks{Left: 10 + tt.left, Right: 20 + tt.right})

			if math.Abs(got.DX-tt.want.DX) > 1e-9 || math.Abs(got.DY-tt.want.DY) > 1e-9 ||
				math.Abs(got.DAngle-tt.want.DAngle) > 1e-9 {
				t.Errorf("Update() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOdometry_IntegratesPose(t *testing.T) {
	o := testOdometry()
	o.Update(OdometryTicks{})

	// Quarter turn on the spot, then one meter straight.
	quarter := int64(math.Round(math.Pi / 2 * 0.5 / 2 / 0.001))
	o.Update(OdometryTicks{Left: -quarter, Right: quarter})
	o.Update(OdometryTicks{Left: -quarter + 1000, Right: quarter + 1000})

	got := o.Pose()
	if math.Abs(got.X) > 1e-2 || math.Abs(got.Y-1) > 1e-2 {
		t.Errorf("Pose = %+v, want approximately (0, 1)", got)
	}
	if math.Abs(got.Angle-math.Pi/2) > 1e-2 {
		t.Errorf("Pose.Angle = %v, want pi/2", got.Angle)
	}
}

func TestOdometry_EncoderWrap(t *testing.T) {
	o := NewOdometry(OdometryConfig{BaseWidth: 0.5, MetersPerTick: 0.001, EncoderBits: 16})
	o.Update(OdometryTicks{Left: 65530, Right: 65530})

	got := o.Update(OdometryTicks{Left: 4, Right: 4})
	if math.Abs(got.DX-0.010) > 1e-12 {
		t.Errorf("DX across wrap = %v, want 0.010", got.DX)
	}
}

func TestOdometry_EncoderWidths(t *testing.T) {
	tests := []struct {
		name      string
		bits      int
		prev, cur int64
		wantDX    float64
	}{
		{"32 bits forward", 32, 1000, 1100, 0.1},
		{"32 bits across wrap", 32, 1<<32 - 50, 50, 0.1},
		{"32 bits backward", 32, 1100, 1000, -0.1},
		{"63 bits forward", 63, 1000, 1100, 0.1},
		{"63 bits across wrap", 63, 1<<63 - 50, 50, 0.1},
		{"63 bits backward", 63, 1100, 1000, -0.1},
		{"64 bits forward", 64, 1000, 1100, 0.1},
		{"64 bits across wrap", 64, math.MaxInt64 - 49, math.MinInt64 + 50, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOdometry(OdometryConfig{BaseWidth: 0.5, MetersPerTick: 0.001, EncoderBits: tt.bits})
			o.Update(OdometryTicks{Left: tt.prev, Right: tt.prev})

			got := o.Update(OdometryTicks{Left: tt.cur, Right: tt.cur})
			if math.Abs(got.DX-tt.wantDX) > 1e-9 {
				t.Errorf("DX = %v, want %v", got.DX, tt.wantDX)
			}
			if got.DAngle != 0 {
				t.Errorf("DAngle = %v, want 0", got.DAngle)
			}
		})
	}
}

func TestOdometry_UnwrappedJumpAcceptedAsIs(t *testing.T) {
	o := testOdometry()
	o.Update(OdometryTicks{})

	got := o.Update(OdometryTicks{Left: 1 << 40, Right: 1 << 40})
	if got.DX != float64(int64(1)<<40)*0.001 {
		t.Errorf("DX = %v, want jump taken verbatim", got.DX)
	}
}

func TestOdometry_Reset(t *testing.T) {
	o := testOdometry()
	o.Update(OdometryTicks{})
	o.Update(OdometryTicks{Left: 1000, Right: 1000})

	o.Reset()
	if o.Pose() != (Pose{}) {
		t.Errorf("Pose after Reset = %+v, want origin", o.Pose())
	}
	if got := o.Update(OdometryTicks{Left: 5000, Right: 9000}); !got.IsZero() {
		t.Errorf("Update after Reset = %+v, want zero (new baseline)", got)
	}
}
