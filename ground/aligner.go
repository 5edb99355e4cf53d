package ground

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// chunkSize is the number of points handed to one worker at a time
const chunkSize = 8192

// AlignerConfig selects where the ground plane comes from and how frames are processed
type AlignerConfig struct {
	// Plane is the static ground plane. When set, live estimation never drives
	// the alignment.
	Plane *PlaneModel
	// LiveEstimation fits the plane on every frame when no static plane is set.
	LiveEstimation bool
	// Diagnose also fits the plane when a static plane is in use, so the
	// estimate can be reported for calibration.
	Diagnose bool
	// Ransac tunes the plane estimator.
	Ransac RansacConfig
	// RequireNonEmpty rejects frames without points with ErrEmptyFrame.
	RequireNonEmpty bool
	// Workers is the number of goroutines transforming point ranges; 0 or 1
	// transforms sequentially.
	Workers int
}

// Result is one aligned frame with the geometry that produced it
type Result struct {
	Frame    *Frame
	Plane    PlaneModel
	Rotation Rotation
	// Fit is set whenever the plane was estimated for this frame.
	Fit *PlaneFit
	// Estimated reports whether Plane came from Fit rather than configuration.
	Estimated bool
	// DiagnosticErr holds a failed diagnostic-only fit; the frame itself is valid.
	DiagnosticErr error
}

// Aligner rotates frames so the ground plane becomes horizontal at z = 0
type Aligner struct {
	cfg       AlignerConfig
	estimator *PlaneEstimator
}

// NewAligner validates cfg and returns an aligner. A static plane or live
// estimation is required.
func NewAligner(cfg AlignerConfig) (*Aligner, error) {
	if cfg.Plane != nil {
		if err := cfg.Plane.Validate(); err != nil {
			return nil, err
		}
		plane := *cfg.Plane
		cfg.Plane = &plane
	} else if !cfg.LiveEstimation {
		return nil, errors.New("aligner needs a static plane or live estimation")
	}
	if cfg.Ransac.MaxIterations <= 0 {
		cfg.Ransac.MaxIterations = DefaultRansacConfig().MaxIterations
	}
	if cfg.Ransac.InlierThreshold <= 0 {
		cfg.Ransac.InlierThreshold = DefaultRansacConfig().InlierThreshold
	}
	return &Aligner{
		cfg:       cfg,
		estimator: NewPlaneEstimator(cfg.Ransac),
	}, nil
}

// Config returns the aligner's effective configuration
func (a *Aligner) Config() AlignerConfig {
	return a.cfg
}

// UsesLiveEstimation reports whether the plane is fitted per frame
func (a *Aligner) UsesLiveEstimation() bool {
	return a.cfg.Plane == nil
}

// Align resolves the active plane for frame and returns the aligned frame.
// The input frame is never modified.
func (a *Aligner) Align(frame *Frame) (*Result, error) {
	if frame == nil {
		return nil, errNilFrame
	}
	if frame.Len() == 0 && a.cfg.RequireNonEmpty {
		return nil, &FrameError{FrameID: frame.ID, Err: ErrEmptyFrame}
	}

	result := &Result{}

	switch {
	case a.cfg.Plane != nil:
		result.Plane = *a.cfg.Plane
		if a.cfg.Diagnose && frame.Len() > 0 {
			fit, err := a.estimator.Estimate(frame.Points)
			if err != nil {
				result.DiagnosticErr = err
			} else {
				result.Fit = &fit
			}
		}
	case frame.Len() == 0:
		// Nothing to fit; an empty frame maps to an empty frame.
		result.Plane = PlaneModel{Normal: Vertical}
	default:
		fit, err := a.estimator.Estimate(frame.Points)
		if err != nil {
			return nil, &FrameError{FrameID: frame.ID, Err: err}
		}
		result.Fit = &fit
		result.Plane = fit.Model
		result.Estimated = true
	}

	out, rot, err := AlignFrame(frame, result.Plane, a.cfg.Workers)
	if err != nil {
		return nil, &FrameError{FrameID: frame.ID, Err: err}
	}
	result.Frame = out
	result.Rotation = rot
	return result, nil
}

// AlignFrame rotates every point of frame by the rotation taking plane's
// normal to vertical, then adds plane.D to z. The output has the same length
// and order as the input and its ID carries AlignedSuffix.
func AlignFrame(frame *Frame, plane PlaneModel, workers int) (*Frame, Rotation, error) {
	if err := plane.Validate(); err != nil {
		return nil, Rotation{}, err
	}
	rot, err := AlignToVertical(plane.Normal)
	if err != nil {
		return nil, Rotation{}, err
	}

	out := frame.derive(frame.Len())
	TransformPoints(out.Points, frame.Points, rot, plane.D, workers)
	return out, rot, nil
}

// TransformPoints writes R·src[i] + (0, 0, offset) to dst[i].
// dst and src must have equal length; they may alias.
func TransformPoints(dst, src []Point3, rot Rotation, offset float64, workers int) {
	if len(dst) != len(src) {
		panic(fmt.Sprintf("ground: TransformPoints length mismatch %d != %d", len(dst), len(src)))
	}
	if workers <= 1 || len(src) <= chunkSize {
		transformRange(dst, src, rot, offset)
		return
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for start := 0; start < len(src); start += chunkSize {
		end := min(start+chunkSize, len(src))
		g.Go(func() error {
			transformRange(dst[start:end], src[start:end], rot, offset)
			return nil
		})
	}
	_ = g.Wait()
}

func transformRange(dst, src []Point3, rot Rotation, offset float64) {
	for i, p := range src {
		q := rot.Apply(p)
		q.Z += offset
		dst[i] = q
	}
}

// Validate reports whether the model can drive an alignment
func (m PlaneModel) Validate() error {
	if err := validateNormal(m.Normal); err != nil {
		return err
	}
	if !isFinite(m.D) {
		return fmt.Errorf("%w: offset %g is not finite", ErrInvalidPlaneModel, m.D)
	}
	return nil
}
