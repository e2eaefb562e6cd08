package slam

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNotInitialized is returned when an operation runs before the state it
// depends on exists.
var ErrNotInitialized = errors.New("not initialized")

// Particle is one weighted pose hypothesis
type Particle struct {
	Pose   Pose    `json:"pose"`
	Weight float64 `json:"weight"`
}

// ParticleFilter tracks a fixed-size population of pose hypotheses. Each
// Step resamples from the previous weights, propagates through the motion
// model and reweights against an occupancy grid, strictly in that order.
type ParticleFilter struct {
	mu         sync.Mutex
	cfg        FilterConfig
	particles  []Particle
	scratch    []Particle
	logWeights []float64
	rng        *rand.Rand
	noise      distuv.Normal
	estimate   Pose
}

// NewParticleFilter creates a filter with every particle at the origin.
// The seed makes noise and resampling reproducible.
func NewParticleFilter(cfg FilterConfig, seed uint64) (*ParticleFilter, error) {
	if cfg.Particles <= 0 {
		return nil, fmt.Errorf("particle filter needs at least one particle, got %d", cfg.Particles)
	}
	if cfg.BeamStride <= 0 {
		cfg.BeamStride = 1
	}
	if cfg.LikelihoodTemper <= 0 {
		cfg.LikelihoodTemper = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	pf := &ParticleFilter{
		cfg:        cfg,
		particles:  make([]Particle, cfg.Particles),
		scratch:    make([]Particle, cfg.Particles),
		logWeights: make([]float64, cfg.Particles),
		rng:        rng,
		noise:      distuv.Normal{Mu: 0, Sigma: 1, Src: rng},
	}
	pf.Reset(Pose{})
	return pf, nil
}

// Reset places every particle at pose with uniform weight
func (pf *ParticleFilter) Reset(pose Pose) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	w := 1 / float64(len(pf.particles))
	for i := range pf.particles {
		pf.particles[i] = Particle{Pose: pose, Weight: w}
	}
	pf.estimate = pose
}

// Step runs one filter cycle and returns the weighted-mean pose. grid is
// read only and must stay stable for the duration of the call. On error
// the previous estimate is returned and the population is left as
// propagated.
func (pf *ParticleFilter) Step(ctx context.Context, delta PoseDelta, scan LaserScan, grid *Grid) (Pose, error) {
	if grid == nil {
		return pf.Estimate(), fmt.Errorf("particle filter step without a map: %w", ErrNotInitialized)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()

	pf.resample()
	pf.propagate(delta)
	if err := pf.weigh(ctx, scan, grid); err != nil {
		return pf.estimate, fmt.Errorf("weighting particles: %w", err)
	}

	pf.estimate = pf.weightedMean()
	return pf.estimate, nil
}

// resample draws a new population with low-variance systematic sampling
// and resets every weight to 1/N.
func (pf *ParticleFilter) resample() {
	n := len(pf.particles)
	step := 1 / float64(n)

	total := 0.0
	for _, p := range pf.particles {
		total += p.Weight
	}
	if total <= 0 || !isFinite(total) {
		for i := range pf.particles {
			pf.particles[i].Weight = step
		}
		total = 1
	}

	u := pf.rng.Float64() * step
	cumulative := pf.particles[0].Weight / total
	i := 0
	for m := 0; m < n; m++ {
		target := u + float64(m)*step
		for target > cumulative && i < n-1 {
			i++
			cumulative += pf.particles[i].Weight / total
		}
		pf.scratch[m] = Particle{Pose: pf.particles[i].Pose, Weight: step}
	}
	pf.particles, pf.scratch = pf.scratch, pf.particles
}

// propagate moves every particle by delta through a rotate, translate,
// rotate decomposition with independent Gaussian noise per particle and
// per axis.
func (pf *ParticleFilter) propagate(delta PoseDelta) {
	trans := delta.Distance()
	rot1 := 0.0
	if trans > 1e-9 {
		rot1 = math.Atan2(delta.DY, delta.DX)
	}
	rot2 := NormalizeAngle(delta.DAngle - rot1)

	n := pf.cfg.Noise
	sigmaRot1 := n.RotationErrorFromRotation*math.Abs(rot1) + n.RotationErrorFromTranslation*trans
	sigmaRot2 := n.RotationErrorFromRotation*math.Abs(rot2) + n.RotationErrorFromTranslation*trans
	sigmaTrans := n.TranslationErrorFromTranslation*trans + n.TranslationErrorFromRotation*(math.Abs(rot1)+math.Abs(rot2))

	for i := range pf.particles {
		p := &pf.particles[i].Pose
		r1 := rot1 + pf.sample(sigmaRot1)
		t := trans + pf.sample(sigmaTrans)
		r2 := rot2 + pf.sample(sigmaRot2)

		heading := p.Angle + r1
		p.X += t * math.Cos(heading)
		p.Y += t * math.Sin(heading)
		p.Angle = NormalizeAngle(heading + r2)
	}
}

func (pf *ParticleFilter) sample(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return pf.noise.Rand() * sigma
}

// weigh scores every particle by ray-casting strided beams into grid, then
// normalizes the weights to sum to one.
func (pf *ParticleFilter) weigh(ctx context.Context, scan LaserScan, grid *Grid) error {
	beams := make([]Point, 0, scan.Len()/pf.cfg.BeamStride+1)
	for i := 0; i < scan.Len(); i += pf.cfg.BeamStride {
		if scan.Valid(i, 0) {
			beams = append(beams, scan.Endpoint(i))
		}
	}
	if len(beams) == 0 {
		pf.uniform()
		return nil
	}

	n := len(pf.particles)
	chunk := (n + pf.cfg.Workers - 1) / pf.cfg.Workers

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pf.cfg.Workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				pf.logWeights[i] = pf.score(pf.particles[i].Pose, beams, grid)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	weights := make([]float64, n)
	if !normalizeLogWeights(pf.logWeights, pf.cfg.LikelihoodTemper, weights) {
		log.Printf("[PF] Weights degenerate across %d particles, falling back to uniform", n)
	}
	for i := range pf.particles {
		pf.particles[i].Weight = weights[i]
	}
	return nil
}

// score returns the summed log-probability of the robot-frame beam
// endpoints as seen from pose.
func (pf *ParticleFilter) score(pose Pose, beams []Point, grid *Grid) float64 {
	origin, _ := grid.WorldToCell(pose.Position())
	toWorld := pose.Matrix()

	total := 0.0
	for _, b := range beams {
		end, _ := grid.WorldToCell(TransformPoint(b, toWorld))
		switch castRay(grid, origin, end, pf.cfg.OccupancyThreshold) {
		case rayHit:
			total += pf.cfg.HitLogProb
		case rayObstructed:
			total += pf.cfg.ObstructedLogProb
		default:
			total += pf.cfg.MissLogProb
		}
	}
	return total
}

// normalizeLogWeights exponentiates log-weights shifted by their maximum and
// scaled by temper, writing weights that sum to one into out. When the
// result is degenerate every weight is set to 1/N and false is returned.
func normalizeLogWeights(logWeights []float64, temper float64, out []float64) bool {
	n := len(logWeights)
	maxLW := math.Inf(-1)
	for _, lw := range logWeights {
		if lw > maxLW {
			maxLW = lw
		}
	}

	sum := 0.0
	for i, lw := range logWeights {
		out[i] = math.Exp((lw - maxLW) * temper)
		sum += out[i]
	}

	if sum <= 0 || !isFinite(sum) {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return false
	}
	for i := range out {
		out[i] /= sum
	}
	return true
}

func (pf *ParticleFilter) uniform() {
	w := 1 / float64(len(pf.particles))
	for i := range pf.particles {
		pf.particles[i].Weight = w
	}
}

// weightedMean averages positions linearly and headings on the circle
func (pf *ParticleFilter) weightedMean() Pose {
	angles := make([]float64, len(pf.particles))
	weights := make([]float64, len(pf.particles))

	var x, y, total float64
	for i, p := range pf.particles {
		x += p.Pose.X * p.Weight
		y += p.Pose.Y * p.Weight
		total += p.Weight
		angles[i] = p.Pose.Angle
		weights[i] = p.Weight
	}
	if total <= 0 || !isFinite(total) {
		return pf.estimate
	}

	return Pose{
		X:     x / total,
		Y:     y / total,
		Angle: NormalizeAngle(CircularMean(angles, weights)),
	}
}

// Shift moves every particle and the estimate by a world-frame correction
func (pf *ParticleFilter) Shift(m AffineMatrix) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	for i := range pf.particles {
		pf.particles[i].Pose = TransformPose(pf.particles[i].Pose, m)
	}
	pf.estimate = TransformPose(pf.estimate, m)
}

// Estimate returns the pose computed by the last Step
func (pf *ParticleFilter) Estimate() Pose {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.estimate
}

// BestParticle returns the highest-weight particle of the population
func (pf *ParticleFilter) BestParticle() Particle {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	best := pf.particles[0]
	for _, p := range pf.particles[1:] {
		if p.Weight > best.Weight {
			best = p
		}
	}
	return best
}

// Particles returns a copy of the current population
func (pf *ParticleFilter) Particles() []Particle {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	out := make([]Particle, len(pf.particles))
	copy(out, pf.particles)
	return out
}

// EffectiveSampleSize returns 1/Σw², N for a uniform population and 1 when
// a single particle carries all the weight.
func (pf *ParticleFilter) EffectiveSampleSize() float64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	sq := 0.0
	for _, p := range pf.particles {
		sq += p.Weight * p.Weight
	}
	if sq == 0 {
		return 0
	}
	return 1 / sq
}
