package slam

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// ErrTransformRejected is returned when a registration correction is larger
// than the configured transform magnitude restriction.
var ErrTransformRejected = errors.New("transform rejected")

// LandmarkKind distinguishes corners from occluding edges
type LandmarkKind string

const (
	KindCorner LandmarkKind = "corner"
	KindEdge   LandmarkKind = "edge"
)

// Landmark is a re-recognizable map point. Position is the running mean of
// its observations and M2X/M2Y the running sums of squared deviations.
// StartAngle and EndAngle give the directions of the surfaces meeting at
// the point; NaN marks an open side.
type Landmark struct {
	ID         uuid.UUID
	Kind       LandmarkKind
	Position   Point
	StartAngle float64
	EndAngle   float64
	Count      int
	M2X        float64
	M2Y        float64
}

// LandmarkSet is a landmark collection keyed by identity, as exchanged
// between robots.
type LandmarkSet map[uuid.UUID]Landmark

// Variance returns the sample variance of the position per axis
func (l Landmark) Variance() Point {
	if l.Count < 2 {
		return Point{}
	}
	n := float64(l.Count - 1)
	return Point{X: l.M2X / n, Y: l.M2Y / n}
}

// Transformed returns the landmark moved by a rigid transform
func (l Landmark) Transformed(m AffineMatrix) Landmark {
	rot := RotationAngle(m)
	l.Position = TransformPoint(l.Position, m)
	l.StartAngle = rotateAngle(l.StartAngle, rot)
	l.EndAngle = rotateAngle(l.EndAngle, rot)
	return l
}

func rotateAngle(a, rot float64) float64 {
	if math.IsNaN(a) {
		return a
	}
	return NormalizeAngle(a + rot)
}

// observe folds one observation into the running statistics
func (l *Landmark) observe(o Landmark) {
	l.Count++
	n := float64(l.Count)

	dx := o.Position.X - l.Position.X
	dy := o.Position.Y - l.Position.Y
	l.Position.X += dx / n
	l.Position.Y += dy / n
	l.M2X += dx * (o.Position.X - l.Position.X)
	l.M2Y += dy * (o.Position.Y - l.Position.Y)

	l.StartAngle = blendAngle(l.StartAngle, o.StartAngle, 1/n)
	l.EndAngle = blendAngle(l.EndAngle, o.EndAngle, 1/n)
}

// combine merges another landmark's aggregated statistics into l
func (l *Landmark) combine(o Landmark) {
	if o.Count <= 0 {
		return
	}
	na, nb := float64(l.Count), float64(o.Count)
	n := na + nb

	dx := o.Position.X - l.Position.X
	dy := o.Position.Y - l.Position.Y
	l.Position.X += dx * nb / n
	l.Position.Y += dy * nb / n
	l.M2X += o.M2X + dx*dx*na*nb/n
	l.M2Y += o.M2Y + dy*dy*na*nb/n
	l.Count += o.Count

	l.StartAngle = blendAngle(l.StartAngle, o.StartAngle, nb/n)
	l.EndAngle = blendAngle(l.EndAngle, o.EndAngle, nb/n)
}

// blendAngle moves mean toward sample by fraction along the shorter arc. A
// NaN mean adopts the sample; a NaN sample leaves the mean alone.
func blendAngle(mean, sample, fraction float64) float64 {
	switch {
	case math.IsNaN(sample):
		return mean
	case math.IsNaN(mean):
		return sample
	}
	return NormalizeAngle(mean + AngleDifference(sample, mean)*fraction)
}

type landmarkJSON struct {
	ID         uuid.UUID    `json:"id"`
	Kind       LandmarkKind `json:"kind,omitempty"`
	X          float64      `json:"x"`
	Y          float64      `json:"y"`
	StartAngle *float64     `json:"startAngle,omitempty"`
	EndAngle   *float64     `json:"endAngle,omitempty"`
	Count      int          `json:"count"`
	M2X        float64      `json:"m2x"`
	M2Y        float64      `json:"m2y"`
}

func anglePtr(a float64) *float64 {
	if math.IsNaN(a) {
		return nil
	}
	return &a
}

func angleOrNaN(a *float64) float64 {
	if a == nil {
		return math.NaN()
	}
	return *a
}

// MarshalJSON encodes NaN angles as absent fields
func (l Landmark) MarshalJSON() ([]byte, error) {
	return json.Marshal(landmarkJSON{
		ID:         l.ID,
		Kind:       l.Kind,
		X:          l.Position.X,
		Y:          l.Position.Y,
		StartAngle: anglePtr(l.StartAngle),
		EndAngle:   anglePtr(l.EndAngle),
		Count:      l.Count,
		M2X:        l.M2X,
		M2Y:        l.M2Y,
	})
}

// UnmarshalJSON restores absent angles as NaN
func (l *Landmark) UnmarshalJSON(data []byte) error {
	var raw landmarkJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*l = Landmark{
		ID:         raw.ID,
		Kind:       raw.Kind,
		Position:   Point{X: raw.X, Y: raw.Y},
		StartAngle: angleOrNaN(raw.StartAngle),
		EndAngle:   angleOrNaN(raw.EndAngle),
		Count:      raw.Count,
		M2X:        raw.M2X,
		M2Y:        raw.M2Y,
	}
	return nil
}

// Correction is the outcome of one registration and merge cycle
type Correction struct {
	Transform AffineMatrix `json:"transform"`
	Matched   int          `json:"matched"`
	Added     int          `json:"added"`
}

// VectorMap holds the sparse landmark map. Landmarks are never removed;
// once MaxLandmarks is reached new observations without a match are
// dropped.
type VectorMap struct {
	mu        sync.RWMutex
	cfg       VectorMapConfig
	landmarks map[uuid.UUID]*Landmark
	order     []uuid.UUID
}

// NewVectorMap creates an empty landmark map
func NewVectorMap(cfg VectorMapConfig) *VectorMap {
	return &VectorMap{
		cfg:       cfg,
		landmarks: make(map[uuid.UUID]*Landmark),
	}
}

// CorrectAndMerge matches world-frame observations against the map,
// registers the matches to find the rigid correction that aligns them,
// and merges the corrected observations. With fewer than two matches the
// correction is the identity. A correction beyond the magnitude
// restriction returns ErrTransformRejected and leaves the map untouched.
func (v *VectorMap) CorrectAndMerge(observed []Landmark) (Correction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	matches := make([]*Landmark, len(observed))
	var source, target []Point
	for i, o := range observed {
		if l := v.nearest(o.Position); l != nil {
			matches[i] = l
			source = append(source, o.Position)
			target = append(target, l.Position)
		}
	}

	result := Correction{Transform: Identity(), Matched: len(source)}
	if len(source) >= 2 {
		result.Transform = CalculateRigidTransform(source, target)
	}

	if limit := v.cfg.TransformMagnitudeRestriction; limit > 0 && result.Transform.Magnitude() > limit {
		return result, fmt.Errorf("correction magnitude %.3f exceeds %.3f: %w",
			result.Transform.Magnitude(), limit, ErrTransformRejected)
	}

	for i, o := range observed {
		o = o.Transformed(result.Transform)
		if matches[i] != nil {
			matches[i].observe(o)
			continue
		}
		if v.insert(o) {
			result.Added++
		}
	}

	return result, nil
}

// nearest returns the closest landmark within the merge radius, or nil
func (v *VectorMap) nearest(p Point) *Landmark {
	var best *Landmark
	bestDist := v.cfg.MergeRadius
	for _, id := range v.order {
		l := v.landmarks[id]
		if d := Distance(p, l.Position); d < bestDist {
			best, bestDist = l, d
		}
	}
	return best
}

func (v *VectorMap) insert(l Landmark) bool {
	if v.cfg.MaxLandmarks > 0 && len(v.order) >= v.cfg.MaxLandmarks {
		log.Printf("[MAP] Landmark limit %d reached, dropping observation at (%.2f, %.2f)",
			v.cfg.MaxLandmarks, l.Position.X, l.Position.Y)
		return false
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if _, exists := v.landmarks[l.ID]; exists {
		l.ID = uuid.New()
	}
	if l.Count <= 0 {
		l.Count = 1
	}
	v.landmarks[l.ID] = &l
	v.order = append(v.order, l.ID)
	return true
}

// Merge folds a remote landmark set into the map by identity: known IDs
// combine statistics, new IDs are inserted. Applying the same set twice
// counts its observations twice.
func (v *VectorMap) Merge(set LandmarkSet) (merged, added int) {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})

	v.mu.Lock()
	defer v.mu.Unlock()

	for _, id := range ids {
		remote := set[id]
		remote.ID = id
		if l, ok := v.landmarks[id]; ok {
			l.combine(remote)
			merged++
			continue
		}
		if v.insert(remote) {
			added++
		}
	}
	return merged, added
}

// Landmarks returns copies of all landmarks in insertion order
func (v *VectorMap) Landmarks() []Landmark {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Landmark, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, *v.landmarks[id])
	}
	return out
}

// Set returns the landmarks keyed by ID for transmission to peers
func (v *VectorMap) Set() LandmarkSet {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(LandmarkSet, len(v.landmarks))
	for id, l := range v.landmarks {
		out[id] = *l
	}
	return out
}

// Get returns the landmark with the given ID
func (v *VectorMap) Get(id uuid.UUID) (Landmark, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	l, ok := v.landmarks[id]
	if !ok {
		return Landmark{}, false
	}
	return *l, true
}

// Len returns the number of landmarks
func (v *VectorMap) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.order)
}

// Reset drops every landmark
func (v *VectorMap) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.landmarks = make(map[uuid.UUID]*Landmark)
	v.order = nil
}
