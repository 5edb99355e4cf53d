package ground

import (
	"maps"
	"time"

	"github.com/seqsense/pcgol/pc"
	"gonum.org/v1/gonum/spatial/r3"
)

// AlignedSuffix is appended to the identifier of every aligned frame
const AlignedSuffix = "-aligned"

// Point3 is a single cloud point in metres
type Point3 = r3.Vec

// Vertical is the canonical up axis the ground normal is rotated onto
var Vertical = Point3{X: 0, Y: 0, Z: 1}

// Frame is one point-cloud scan as delivered by a sensor
type Frame struct {
	ID     string            `json:"id"`
	Seq    uint64            `json:"seq"`
	Stamp  time.Time         `json:"stamp"`
	Points []Point3          `json:"-"`
	Meta   map[string]string `json:"meta,omitempty"`

	// source is the decoded wire cloud; its non-xyz fields are re-emitted
	// when the frame is encoded. Never modified.
	source *pc.PointCloud
}

// Len returns the number of points in the frame
func (f *Frame) Len() int {
	return len(f.Points)
}

// derive returns a copy of f's metadata with a fresh point slice of size n.
// The identifier carries the aligned suffix.
func (f *Frame) derive(n int) *Frame {
	return &Frame{
		ID:     f.ID + AlignedSuffix,
		Seq:    f.Seq,
		Stamp:  f.Stamp,
		Points: make([]Point3, n),
		Meta:   maps.Clone(f.Meta),
		source: f.source,
	}
}

// PlaneModel describes the plane Normal·p + D = 0.
// Normal is unit length for estimated models.
type PlaneModel struct {
	Normal Point3  `json:"normal"`
	D      float64 `json:"d"`
}

// PlaneFromCoefficients builds a model from the configured (nx, ny, nz, d) tuple.
// The normal is not rescaled; Validate reports unusable values.
func PlaneFromCoefficients(c [4]float64) PlaneModel {
	return PlaneModel{
		Normal: Point3{X: c[0], Y: c[1], Z: c[2]},
		D:      c[3],
	}
}

// Coefficients returns the model as an (nx, ny, nz, d) tuple
func (m PlaneModel) Coefficients() [4]float64 {
	return [4]float64{m.Normal.X, m.Normal.Y, m.Normal.Z, m.D}
}

// Distance returns the signed distance of p from the plane.
// Only meaningful when Normal is unit length.
func (m PlaneModel) Distance(p Point3) float64 {
	return r3.Dot(m.Normal, p) + m.D
}

// PlaneFit is the result of a robust plane estimate
type PlaneFit struct {
	Model   PlaneModel `json:"model"`
	Inliers int        `json:"inliers"`
	Total   int        `json:"total"`
}

// InlierFraction returns the share of points supporting the model
func (f PlaneFit) InlierFraction() float64 {
	if f.Total == 0 {
		return 0
	}
	return float64(f.Inliers) / float64(f.Total)
}
