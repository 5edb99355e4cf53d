package ground

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"gonum.org/v1/gonum/spatial/r3"
)

// Diagnostics summarises one aligned frame for logs, the pose topic and the
// HTTP /pose endpoint
type Diagnostics struct {
	RunID    string    `json:"run_id"`
	SensorID string    `json:"sensor_id"`
	FrameID  string    `json:"frame_id"`
	Seq      uint64    `json:"seq"`
	Stamp    time.Time `json:"stamp"`
	Points   int       `json:"points"`

	// Active plane that drove the alignment, as [nx, ny, nz, d]
	Plane     [4]float64 `json:"plane_normal_and_offset"`
	Estimated bool       `json:"estimated"`

	// Live estimate, present whenever the plane was fitted for this frame
	Estimate       *[4]float64 `json:"estimate,omitempty"`
	Inliers        int         `json:"inliers,omitempty"`
	InlierFraction float64     `json:"inlier_fraction,omitempty"`
	// Angle between the estimate and the active plane, degrees
	EstimateDrift float64 `json:"estimate_drift_deg,omitempty"`

	TiltDegrees  float64 `json:"tilt_deg"`
	SensorHeight float64 `json:"sensor_height"`

	// XY extent of the aligned cloud: [min_x, min_y, max_x, max_y]
	Footprint     [4]float64 `json:"footprint"`
	FootprintArea float64    `json:"footprint_area"`
	// Horizontal distance from the sensor to the footprint centre
	CentreRange float64 `json:"centre_range"`

	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// NewRunID returns the identifier shared by all diagnostics of one process
func NewRunID() string {
	return uuid.NewString()
}

// NewDiagnostics derives the report for one aligned frame.
// in is the frame before alignment.
func NewDiagnostics(runID, sensorID string, in *Frame, res *Result) *Diagnostics {
	d := &Diagnostics{
		RunID:        runID,
		SensorID:     sensorID,
		FrameID:      in.ID,
		Seq:          in.Seq,
		Stamp:        in.Stamp,
		Points:       in.Len(),
		Plane:        res.Plane.Coefficients(),
		Estimated:    res.Estimated,
		TiltDegrees:  res.Rotation.Angle(),
		SensorHeight: res.Plane.D,
	}

	if res.Fit != nil {
		est := res.Fit.Model.Coefficients()
		d.Estimate = &est
		d.Inliers = res.Fit.Inliers
		d.InlierFraction = res.Fit.InlierFraction()
		d.EstimateDrift = normalAngle(res.Fit.Model.Normal, res.Plane.Normal)
	}
	if res.DiagnosticErr != nil {
		d.Error = res.DiagnosticErr.Error()
		d.ErrorKind = ErrorKind(res.DiagnosticErr)
	}

	if res.Frame != nil {
		if bound, ok := footprint(res.Frame.Points); ok {
			d.Footprint = [4]float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()}
			d.FootprintArea = math.Abs(planar.Area(bound))
			d.CentreRange = planar.Distance(orb.Point{0, 0}, bound.Center())
		}
	}
	return d
}

// LogFields renders the diagnostics as zap key-value pairs
func (d *Diagnostics) LogFields() []any {
	kv := []any{
		"sensor", d.SensorID,
		"frame", d.FrameID,
		"points", d.Points,
		"plane", d.Plane,
		"tilt_deg", round(d.TiltDegrees, 3),
		"height", round(d.SensorHeight, 3),
	}
	if d.Estimate != nil {
		kv = append(kv,
			"estimate", *d.Estimate,
			"inliers", d.Inliers,
			"inlier_fraction", round(d.InlierFraction, 3),
		)
	}
	if d.Error != "" {
		kv = append(kv, "diagnostic_error", d.Error)
	}
	return kv
}

// footprint returns the XY bound of the finite points
func footprint(points []Point3) (orb.Bound, bool) {
	mp := make(orb.MultiPoint, 0, len(points))
	for _, p := range points {
		if isFinitePoint(p) {
			mp = append(mp, orb.Point{p.X, p.Y})
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}, false
	}
	return mp.Bound(), true
}

// normalAngle is the angle between two plane normals in degrees, ignoring sign
func normalAngle(a, b Point3) float64 {
	na, nb := r3.Norm(a), r3.Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	c := math.Abs(r3.Dot(a, b)) / (na * nb)
	return math.Acos(math.Min(1, c)) * 180 / math.Pi
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
