package ground

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seqsense/pcgol/mat"
	"github.com/seqsense/pcgol/pc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// intensityCloud builds an x y z intensity cloud with the given points
func intensityCloud(t *testing.T, pts []mat.Vec3, intensity []float32) []byte {
	t.Helper()
	cloud := &pc.PointCloud{
		PointCloudHeader: pc.PointCloudHeader{
			Version:   0.7,
			Fields:    []string{"x", "y", "z", "intensity"},
			Size:      []int{4, 4, 4, 4},
			Type:      []string{"F", "F", "F", "F"},
			Count:     []int{1, 1, 1, 1},
			Width:     len(pts),
			Height:    1,
			Viewpoint: []float32{0, 0, 0, 1, 0, 0, 0},
		},
		Points: len(pts),
		Data:   make([]byte, 16*len(pts)),
	}
	it, err := cloud.Vec3Iterator()
	require.NoError(t, err)
	for _, p := range pts {
		it.SetVec3(p)
		it.Incr()
	}
	for i, v := range intensity {
		binary.LittleEndian.PutUint32(cloud.Data[16*i+12:], math.Float32bits(v))
	}

	var buf bytes.Buffer
	require.NoError(t, pc.Marshal(cloud, &buf))
	return buf.Bytes()
}

func TestDecodeFrame_Binary(t *testing.T) {
	payload := intensityCloud(t,
		[]mat.Vec3{{1, 2, 3}, {-4, 5.5, 0}},
		[]float32{10, 20})

	frame, err := DecodeFrameBytes(payload, "north")
	require.NoError(t, err)

	assert.Equal(t, "north", frame.ID)
	assert.Equal(t, []Point3{{X: 1, Y: 2, Z: 3}, {X: -4, Y: 5.5, Z: 0}}, frame.Points)
}

func TestDecodeFrame_ASCII(t *testing.T) {
	payload := strings.Join([]string{
		"# .PCD v0.7 - Point Cloud Data file format",
		"VERSION 0.7",
		"FIELDS x y z",
		"SIZE 4 4 4",
		"TYPE F F F",
		"COUNT 1 1 1",
		"WIDTH 2",
		"HEIGHT 1",
		"VIEWPOINT 0 0 0 1 0 0 0",
		"POINTS 2",
		"DATA ascii",
		"1 2 3",
		"0.5 -1 4",
		"",
	}, "\n")

	frame, err := DecodeFrame(strings.NewReader(payload), "ascii")
	require.NoError(t, err)
	assert.Equal(t, []Point3{{X: 1, Y: 2, Z: 3}, {X: 0.5, Y: -1, Z: 4}}, frame.Points)
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := DecodeFrameBytes(nil, "x")
	require.Error(t, err)

	_, err = DecodeFrameBytes([]byte("not a point cloud"), "x")
	require.Error(t, err)
}

func TestEncodeFrame_KeepsExtraFields(t *testing.T) {
	payload := intensityCloud(t,
		[]mat.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		[]float32{7, 8, 9})

	frame, err := DecodeFrameBytes(payload, "s")
	require.NoError(t, err)

	al, err := NewAligner(AlignerConfig{Plane: planePtr([4]float64{0, 0, 1, 2.5})})
	require.NoError(t, err)
	res, err := al.Align(frame)
	require.NoError(t, err)

	out, err := EncodeFrameBytes(res.Frame)
	require.NoError(t, err)

	cloud, err := pc.Unmarshal(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z", "intensity"}, cloud.Fields)
	assert.Equal(t, 3, cloud.Points)

	it, err := cloud.Vec3Iterator()
	require.NoError(t, err)
	for i, want := range []float32{7, 8, 9} {
		assert.InDelta(t, 2.5, it.Vec3()[2], 1e-6, "z of point %d", i)
		got := math.Float32frombits(binary.LittleEndian.Uint32(cloud.Data[16*i+12:]))
		assert.Equal(t, want, got, "intensity of point %d", i)
		it.Incr()
	}

	// The source frame still decodes to its original coordinates
	assert.Equal(t, 0.0, frame.Points[0].Z)
}

func TestEncodeFrame_PlainPoints(t *testing.T) {
	frame := &Frame{ID: "synthetic", Points: []Point3{{X: 1.5, Y: -2, Z: 0.25}}}

	out, err := EncodeFrameBytes(frame)
	require.NoError(t, err)

	back, err := DecodeFrameBytes(out, "back")
	require.NoError(t, err)
	assert.Equal(t, frame.Points, back.Points)
	assert.Equal(t, []string{"x", "y", "z"}, back.source.Fields)
}

func TestEncodeFrame_Empty(t *testing.T) {
	out, err := EncodeFrameBytes(&Frame{ID: "empty"})
	require.NoError(t, err)

	cloud, err := pc.Unmarshal(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 0, cloud.Points)
}

func TestFrameFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.pcd")
	frame := &Frame{ID: "f", Points: []Point3{{X: 1}, {Y: 2}, {Z: 3}}}

	require.NoError(t, WriteFrameFile(path, frame))
	loaded, err := ReadFrameFile(path)
	require.NoError(t, err)

	assert.Equal(t, path, loaded.ID)
	assert.Equal(t, frame.Points, loaded.Points)

	_, err = ReadFrameFile(filepath.Join(t.TempDir(), "missing.pcd"))
	require.Error(t, err)
}
