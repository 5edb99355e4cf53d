package ground

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
)

// pcdVersion is written into headers built from scratch
const pcdVersion = 0.7

// DecodeFrame parses a PCD payload (ascii, binary or binary_compressed)
// into a frame with the given identifier
func DecodeFrame(r io.Reader, id string) (*Frame, error) {
	cloud, err := pc.Unmarshal(r)
	if err != nil {
		return nil, fmt.Errorf("decoding PCD: %w", err)
	}
	points, err := cloudPoints(cloud)
	if err != nil {
		return nil, err
	}
	return &Frame{ID: id, Points: points, source: cloud}, nil
}

// DecodeFrameBytes is DecodeFrame over an in-memory payload
func DecodeFrameBytes(payload []byte, id string) (*Frame, error) {
	if len(payload) == 0 {
		return nil, errors.New("decoding PCD: empty payload")
	}
	return DecodeFrame(bytes.NewReader(payload), id)
}

// ReadFrameFile loads a PCD file. The frame ID is the file path.
func ReadFrameFile(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	frame, err := DecodeFrame(f, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

// EncodeFrame writes f as a binary PCD. When the frame was decoded from PCD
// and still has the same number of points, every non-xyz field of the
// original cloud is kept.
func EncodeFrame(w io.Writer, f *Frame) error {
	cloud, err := frameCloud(f)
	if err != nil {
		return err
	}
	if err := pc.Marshal(cloud, w); err != nil {
		return fmt.Errorf("encoding PCD: %w", err)
	}
	return nil
}

// EncodeFrameBytes is EncodeFrame into a fresh buffer
func EncodeFrameBytes(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFrameFile stores f as a PCD file at path
func WriteFrameFile(path string, f *Frame) error {
	data, err := EncodeFrameBytes(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func cloudPoints(cloud *pc.PointCloud) ([]Point3, error) {
	if cloud.Points == 0 {
		return nil, nil
	}
	it, err := cloud.Vec3Iterator()
	if err != nil {
		return nil, fmt.Errorf("reading xyz fields: %w", err)
	}

	n := it.Len()
	points := make([]Point3, n)
	for i := 0; i < n; i++ {
		v := it.Vec3()
		points[i] = Point3{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
		it.Incr()
	}
	return points, nil
}

// frameCloud builds the wire cloud for f, reusing the layout of its source
// cloud when possible
func frameCloud(f *Frame) (*pc.PointCloud, error) {
	n := len(f.Points)

	if src := f.source; src != nil && src.Points == n && n > 0 {
		cloud := &pc.PointCloud{
			PointCloudHeader: src.PointCloudHeader.Clone(),
			Points:           n,
			Data:             slices.Clone(src.Data),
		}
		if err := writePoints(cloud, f.Points); err == nil {
			return cloud, nil
		}
		// Non-float32 coordinates; fall through to a plain xyz cloud
	}

	cloud := &pc.PointCloud{
		PointCloudHeader: xyzHeader(n),
		Points:           n,
		Data:             make([]byte, 3*4*n),
	}
	if err := writePoints(cloud, f.Points); err != nil {
		return nil, fmt.Errorf("writing xyz fields: %w", err)
	}
	return cloud, nil
}

func writePoints(cloud *pc.PointCloud, points []Point3) error {
	if len(points) == 0 {
		return nil
	}
	it, err := cloud.Vec3Iterator()
	if err != nil {
		return err
	}
	for _, p := range points {
		it.SetVec3(mat.Vec3{float32(p.X), float32(p.Y), float32(p.Z)})
		it.Incr()
	}
	return nil
}

func xyzHeader(n int) pc.PointCloudHeader {
	return pc.PointCloudHeader{
		Version:   pcdVersion,
		Fields:    []string{"x", "y", "z"},
		Size:      []int{4, 4, 4},
		Type:      []string{"F", "F", "F"},
		Count:     []int{1, 1, 1},
		Width:     n,
		Height:    1,
		Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
	}
}
