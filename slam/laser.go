package slam

import (
	"errors"
	"fmt"
	"math"
)

// ErrSensorDataMismatch is returned when a measurement array does not match
// the configured sensor or grid geometry.
var ErrSensorDataMismatch = errors.New("sensor data mismatch")

// LaserModel describes the scanner geometry. Index 0 is at AngleStart and
// angles increase counter-clockwise.
type LaserModel struct {
	Samples        int     `json:"samples"`
	AngleStart     float64 `json:"angleStart"`
	AngleIncrement float64 `json:"angleIncrement"`
	MinRange       float64 `json:"minRange"`
	MaxRange       float64 `json:"maxRange"`
}

// DefaultLaserModel returns the 1081-beam, 270° scanner the robot carries
func DefaultLaserModel() LaserModel {
	return LaserModel{
		Samples:        1081,
		AngleStart:     -0.75 * math.Pi,
		AngleIncrement: 1.5 * math.Pi / 1080,
		MinRange:       0.1,
		MaxRange:       30.0,
	}
}

// LaserScan is one sweep of range readings in meters
type LaserScan struct {
	LaserModel
	Ranges []float64 `json:"ranges"`
}

// NewScan wraps raw ranges with the given model, rejecting arrays whose
// length differs from the model's sample count.
func NewScan(model LaserModel, ranges []float64) (LaserScan, error) {
	if len(ranges) != model.Samples {
		return LaserScan{}, fmt.Errorf("laser scan has %d ranges, want %d: %w", len(ranges), model.Samples, ErrSensorDataMismatch)
	}
	return LaserScan{LaserModel: model, Ranges: ranges}, nil
}

// Len returns the number of beams
func (s LaserScan) Len() int {
	return len(s.Ranges)
}

// Angle returns the robot-frame bearing of beam i
func (s LaserScan) Angle(i int) float64 {
	return s.AngleStart + float64(i)*s.AngleIncrement
}

// Valid reports whether beam i carries a usable range. minDistance further
// raises the model's minimum when positive.
func (s LaserScan) Valid(i int, minDistance float64) bool {
	r := s.Ranges[i]
	if !isFinite(r) {
		return false
	}
	lo := math.Max(s.MinRange, minDistance)
	return r >= lo && r <= s.MaxRange
}

// Endpoint returns the robot-frame position hit by beam i
func (s LaserScan) Endpoint(i int) Point {
	a := s.Angle(i)
	r := s.Ranges[i]
	return Point{X: r * math.Cos(a), Y: r * math.Sin(a)}
}
