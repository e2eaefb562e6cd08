package slam

import (
	"math"
	"sync"
)

// Odometry integrates cumulative wheel-encoder counts of a differential
// drive into local-frame pose deltas using the midpoint model:
//
//	dCenter = (dLeft + dRight) / 2
//	dAngle  = (dRight - dLeft) / baseWidth
//	dx      = dCenter * cos(dAngle/2)
//	dy      = dCenter * sin(dAngle/2)
type Odometry struct {
	mu            sync.Mutex
	baseWidth     float64
	metersPerTick float64
	encoderBits   int

	hasBaseline bool
	prev        OdometryTicks
	pose        Pose
}

// NewOdometry creates an integrator from the odometry config section
func NewOdometry(cfg OdometryConfig) *Odometry {
	return &Odometry{
		baseWidth:     cfg.BaseWidth,
		metersPerTick: cfg.MetersPerTick,
		encoderBits:   cfg.EncoderBits,
	}
}

// Update consumes the latest cumulative counts and returns the motion since
// the previous call. The first call only records the baseline.
func (o *Odometry) Update(ticks OdometryTicks) PoseDelta {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.hasBaseline {
		o.prev = ticks
		o.hasBaseline = true
		return PoseDelta{}
	}

	dLeft := o.tickDelta(ticks.Left, o.prev.Left)
	dRight := o.tickDelta(ticks.Right, o.prev.Right)
	o.prev = ticks

	delta := o.deltaFromTicks(dLeft, dRight)
	o.pose = o.pose.Apply(delta)
	return delta
}

func (o *Odometry) deltaFromTicks(dLeft, dRight int64) PoseDelta {
	left := float64(dLeft) * o.metersPerTick
	right := float64(dRight) * o.metersPerTick

	center := (left + right) / 2
	dAngle := (right - left) / o.baseWidth

	return PoseDelta{
		DX:     center * math.Cos(dAngle/2),
		DY:     center * math.Sin(dAngle/2),
		DAngle: dAngle,
	}
}

// tickDelta returns cur - prev, unwrapping counters that roll over at
// encoderBits by sign-extending the low encoderBits bits of the
// difference. Jumps are otherwise taken as-is.
func (o *Odometry) tickDelta(cur, prev int64) int64 {
	d := cur - prev
	if o.encoderBits <= 0 || o.encoderBits >= 64 {
		return d
	}
	sh := uint(64 - o.encoderBits)
	return (d << sh) >> sh
}

// Pose returns the dead-reckoned pose since the last reset
func (o *Odometry) Pose() Pose {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pose
}

// Reset zeroes the integrated pose and forgets the tick baseline
func (o *Odometry) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hasBaseline = false
	o.prev = OdometryTicks{}
	o.pose = Pose{}
}
