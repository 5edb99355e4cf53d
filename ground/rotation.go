package ground

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// minNormalNorm is the smallest normal magnitude accepted for alignment
	minNormalNorm = 1e-9
	// parallelEpsilon bounds |n × ẑ| below which n is treated as (anti)parallel to ẑ
	parallelEpsilon = 1e-12
)

// Rotation is a proper 3x3 rotation matrix (orthonormal, determinant 1).
// The zero value behaves as the identity.
type Rotation struct {
	m *r3.Mat
}

// IdentityRotation returns the rotation that leaves every point unchanged
func IdentityRotation() Rotation {
	return Rotation{m: r3.NewMat([]float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})}
}

// AxisAngle returns the right-handed rotation by angle radians about axis.
// axis must be unit length.
func AxisAngle(axis Point3, angle float64) Rotation {
	sin, cos := math.Sincos(angle)

	// Rodrigues: R·v = v cosθ + (k × v) sinθ + k (k·v)(1 − cosθ)
	col := func(e Point3) Point3 {
		v := r3.Scale(cos, e)
		v = r3.Add(v, r3.Scale(sin, r3.Cross(axis, e)))
		return r3.Add(v, r3.Scale(r3.Dot(axis, e)*(1-cos), axis))
	}
	c0 := col(Point3{X: 1})
	c1 := col(Point3{Y: 1})
	c2 := col(Point3{Z: 1})

	return Rotation{m: r3.NewMat([]float64{
		c0.X, c1.X, c2.X,
		c0.Y, c1.Y, c2.Y,
		c0.Z, c1.Z, c2.Z,
	})}
}

// AlignToVertical derives the minimal rotation mapping normal onto (0,0,1).
// A normal already pointing up yields the identity; one pointing straight
// down yields a half turn about the x axis.
func AlignToVertical(normal Point3) (Rotation, error) {
	if err := validateNormal(normal); err != nil {
		return Rotation{}, err
	}

	n := r3.Unit(normal)
	cos := math.Max(-1, math.Min(1, r3.Dot(n, Vertical)))
	axis := r3.Cross(n, Vertical)

	if r3.Norm(axis) < parallelEpsilon {
		if cos > 0 {
			return IdentityRotation(), nil
		}
		return AxisAngle(Point3{X: 1}, math.Pi), nil
	}

	return AxisAngle(r3.Unit(axis), math.Acos(cos)), nil
}

func (r Rotation) mat() *r3.Mat {
	if r.m == nil {
		return IdentityRotation().m
	}
	return r.m
}

// Apply returns R·p
func (r Rotation) Apply(p Point3) Point3 {
	return r.mat().MulVec(p)
}

// ApplyInverse returns Rᵀ·p, undoing Apply
func (r Rotation) ApplyInverse(p Point3) Point3 {
	return r.mat().MulVecTrans(p)
}

// Inverse returns the transpose rotation
func (r Rotation) Inverse() Rotation {
	m := r.mat()
	vals := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			vals = append(vals, m.At(j, i))
		}
	}
	return Rotation{m: r3.NewMat(vals)}
}

// At returns element (i, j)
func (r Rotation) At(i, j int) float64 {
	return r.mat().At(i, j)
}

// Det returns the determinant; 1 for a proper rotation
func (r Rotation) Det() float64 {
	return r.mat().Det()
}

// Angle returns the rotation magnitude in degrees
func (r Rotation) Angle() float64 {
	m := r.mat()
	trace := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	c := math.Max(-1, math.Min(1, (trace-1)/2))
	return math.Acos(c) * 180 / math.Pi
}

// String renders the matrix row by row
func (r Rotation) String() string {
	m := r.mat()
	return fmt.Sprintf("[[%.6f %.6f %.6f] [%.6f %.6f %.6f] [%.6f %.6f %.6f]]",
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 0), m.At(1, 1), m.At(1, 2),
		m.At(2, 0), m.At(2, 1), m.At(2, 2))
}

// validateNormal rejects normals that cannot be normalised
func validateNormal(n Point3) error {
	if !isFinite(n.X) || !isFinite(n.Y) || !isFinite(n.Z) {
		return fmt.Errorf("%w: normal (%g, %g, %g) is not finite", ErrInvalidPlaneModel, n.X, n.Y, n.Z)
	}
	if r3.Norm(n) < minNormalNorm {
		return fmt.Errorf("%w: normal (%g, %g, %g) has near-zero magnitude", ErrInvalidPlaneModel, n.X, n.Y, n.Z)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
