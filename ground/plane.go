package ground

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/spatial/r3"
)

// degenerateEpsilon is the distance (metres) below which points are treated as
// coincident, or as lying on the same line
const degenerateEpsilon = 1e-9

// pcgStream is the fixed second word of the PCG state; the seed varies the first
const pcgStream = 0x9e3779b97f4a7c15

// RansacConfig tunes the robust plane fit
type RansacConfig struct {
	MaxIterations   int     // Number of sampled hypotheses
	InlierThreshold float64 // Max |n·p + d| for a point to count as inlier (metres)
	Seed            uint64  // Sampling seed; equal seeds give equal results
}

// DefaultRansacConfig returns settings suited to a roadside lidar scan
func DefaultRansacConfig() RansacConfig {
	return RansacConfig{
		MaxIterations:   500,
		InlierThreshold: 0.1,
		Seed:            1,
	}
}

// PlaneEstimator fits the dominant plane of a cloud
type PlaneEstimator struct {
	Config RansacConfig
}

// NewPlaneEstimator creates an estimator with the given tuning
func NewPlaneEstimator(cfg RansacConfig) *PlaneEstimator {
	return &PlaneEstimator{Config: cfg}
}

// Estimate runs EstimatePlane with the estimator's configuration
func (e *PlaneEstimator) Estimate(points []Point3) (PlaneFit, error) {
	return EstimatePlane(points, e.Config)
}

// EstimatePlane fits a plane to points with RANSAC.
//
// Every iteration samples three distinct points, builds the plane through them
// and counts the points within InlierThreshold. The hypothesis with the most
// inliers is kept; on equal counts the earlier one wins. A deterministic
// non-collinear triple is scored before the random samples, so a model is
// returned whenever the input spans a plane.
//
// The returned normal is unit length and its sign is chosen so that D >= 0.
// points is not modified.
func EstimatePlane(points []Point3, cfg RansacConfig) (PlaneFit, error) {
	n := len(points)
	if n < 3 {
		return PlaneFit{}, fmt.Errorf("%w: need at least 3 points, got %d", ErrDegenerateInput, n)
	}

	a, b, c, ok := spanningTriple(points)
	if !ok {
		return PlaneFit{}, fmt.Errorf("%w: %d points do not span a plane", ErrDegenerateInput, n)
	}

	threshold := cfg.InlierThreshold
	if threshold <= 0 {
		threshold = DefaultRansacConfig().InlierThreshold
	}

	best := PlaneFit{Total: n, Inliers: -1}
	if model, ok := planeThrough(points[a], points[b], points[c]); ok {
		best.Model = model
		best.Inliers = countInliers(points, model, threshold)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, pcgStream))
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		i, j, k := sampleTriple(rng, n)
		model, ok := planeThrough(points[i], points[j], points[k])
		if !ok {
			continue
		}
		if count := countInliers(points, model, threshold); count > best.Inliers {
			best.Model = model
			best.Inliers = count
		}
	}

	if best.Inliers < 0 {
		return PlaneFit{}, fmt.Errorf("%w: no valid plane hypothesis", ErrDegenerateInput)
	}
	return best, nil
}

// CountInliers returns how many points lie within threshold of model
func CountInliers(points []Point3, model PlaneModel, threshold float64) int {
	return countInliers(points, model, threshold)
}

func countInliers(points []Point3, model PlaneModel, threshold float64) int {
	count := 0
	for _, p := range points {
		// NaN distances fail the comparison and are never counted
		if math.Abs(model.Distance(p)) <= threshold {
			count++
		}
	}
	return count
}

// planeThrough returns the canonical plane through three points, or false
// when they are (nearly) collinear or not finite.
func planeThrough(a, b, c Point3) (PlaneModel, bool) {
	cross := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
	norm := r3.Norm(cross)
	if !isFinite(norm) || norm < degenerateEpsilon {
		return PlaneModel{}, false
	}
	normal := r3.Scale(1/norm, cross)
	return canonicalPlane(PlaneModel{Normal: normal, D: -r3.Dot(normal, a)}), true
}

// canonicalPlane flips the model so that D >= 0. For planes through the
// origin the first non-zero normal component in z, y, x order is made positive.
func canonicalPlane(m PlaneModel) PlaneModel {
	flip := m.D < 0
	if m.D == 0 {
		switch {
		case m.Normal.Z != 0:
			flip = m.Normal.Z < 0
		case m.Normal.Y != 0:
			flip = m.Normal.Y < 0
		default:
			flip = m.Normal.X < 0
		}
	}
	if flip {
		m.Normal = r3.Scale(-1, m.Normal)
		m.D = -m.D
	}
	return m
}

// spanningTriple finds indices of three finite points that are neither
// coincident nor collinear
func spanningTriple(points []Point3) (int, int, int, bool) {
	first := -1
	for i, p := range points {
		if isFinitePoint(p) {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, 0, 0, false
	}
	p0 := points[first]

	// Farthest point from p0 fixes the line direction
	second, maxDist := -1, 0.0
	for i, p := range points {
		if !isFinitePoint(p) {
			continue
		}
		if d := r3.Norm(r3.Sub(p, p0)); d > maxDist {
			second, maxDist = i, d
		}
	}
	if second < 0 || maxDist < degenerateEpsilon {
		return 0, 0, 0, false
	}
	dir := r3.Scale(1/maxDist, r3.Sub(points[second], p0))

	// Farthest point from that line fixes the plane
	third, maxOff := -1, 0.0
	for i, p := range points {
		if !isFinitePoint(p) {
			continue
		}
		if d := r3.Norm(r3.Cross(dir, r3.Sub(p, p0))); d > maxOff {
			third, maxOff = i, d
		}
	}
	if third < 0 || maxOff < degenerateEpsilon {
		return 0, 0, 0, false
	}
	return first, second, third, true
}

// sampleTriple draws three distinct indices in [0, n)
func sampleTriple(rng *rand.Rand, n int) (int, int, int) {
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}
	lo, hi := min(i, j), max(i, j)
	k := rng.IntN(n - 2)
	if k >= lo {
		k++
	}
	if k >= hi {
		k++
	}
	return i, j, k
}

func isFinitePoint(p Point3) bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}
