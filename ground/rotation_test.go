package ground

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func randomUnit(rng *rand.Rand) Point3 {
	for {
		v := Point3{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64()*2 - 1}
		if n := r3.Norm(v); n > 0.1 && n <= 1 {
			return r3.Unit(v)
		}
	}
}

func assertProperRotation(t *testing.T, rot Rotation) {
	t.Helper()
	assert.InDelta(t, 1.0, rot.Det(), 1e-9, "determinant")
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var dot float64
			for k := 0; k < 3; k++ {
				dot += rot.At(k, i) * rot.At(k, j)
			}
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, dot, 1e-9, "column %d·%d", i, j)
		}
	}
}

func TestAlignToVertical_Identity(t *testing.T) {
	rot, err := AlignToVertical(Vertical)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.Equal(t, want, rot.At(i, j))
		}
	}
	assert.Equal(t, 0.0, rot.Angle())
}

func TestAlignToVertical_MapsNormalOntoVertical(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 200; i++ {
		n := randomUnit(rng)
		rot, err := AlignToVertical(n)
		require.NoError(t, err)

		got := rot.Apply(n)
		if !cmp.Equal(got, Vertical, cmpopts.EquateApprox(0, 1e-9)) {
			t.Fatalf("R·n = %v for n = %v, want (0,0,1)", got, n)
		}
		assertProperRotation(t, rot)
	}
}

func TestAlignToVertical_NonUnitNormal(t *testing.T) {
	rot, err := AlignToVertical(Point3{X: 0, Y: 3, Z: 3})
	require.NoError(t, err)

	got := rot.Apply(r3.Unit(Point3{Y: 1, Z: 1}))
	assert.True(t, cmp.Equal(got, Vertical, approx), "got %v", got)
	assert.InDelta(t, 45.0, rot.Angle(), 1e-9)
}

func TestAlignToVertical_AntiParallel(t *testing.T) {
	down := Point3{Z: -1}

	rot, err := AlignToVertical(down)
	require.NoError(t, err)

	assertProperRotation(t, rot)
	assert.True(t, cmp.Equal(rot.Apply(down), Vertical, approx), "got %v", rot.Apply(down))
	assert.InDelta(t, 180.0, rot.Angle(), 1e-9)
}

func TestAlignToVertical_NearlyAntiParallel(t *testing.T) {
	n := r3.Unit(Point3{X: 1e-14, Z: -1})

	rot, err := AlignToVertical(n)
	require.NoError(t, err)

	assertProperRotation(t, rot)
	got := rot.Apply(n)
	assert.InDelta(t, 1.0, got.Z, 1e-9)
}

func TestAlignToVertical_InvalidNormal(t *testing.T) {
	tests := []struct {
		name   string
		normal Point3
	}{
		{"zero", Point3{}},
		{"tiny", Point3{X: 1e-12, Y: 1e-12}},
		{"nan", Point3{X: math.NaN(), Z: 1}},
		{"inf", Point3{Z: math.Inf(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AlignToVertical(tt.normal)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPlaneModel), "got %v", err)
		})
	}
}

func TestRotation_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	points := make([]Point3, 50)
	for i := range points {
		points[i] = Point3{X: rng.NormFloat64() * 20, Y: rng.NormFloat64() * 20, Z: rng.NormFloat64() * 3}
	}

	for i := 0; i < 50; i++ {
		rot, err := AlignToVertical(randomUnit(rng))
		require.NoError(t, err)
		inv := rot.Inverse()

		for _, p := range points {
			back := rot.ApplyInverse(rot.Apply(p))
			if !cmp.Equal(back, p, cmpopts.EquateApprox(0, 1e-9)) {
				t.Fatalf("ApplyInverse(Apply(%v)) = %v", p, back)
			}
			back = inv.Apply(rot.Apply(p))
			if !cmp.Equal(back, p, cmpopts.EquateApprox(0, 1e-9)) {
				t.Fatalf("Inverse().Apply(Apply(%v)) = %v", p, back)
			}
		}
	}
}

func TestRotation_ZeroValueIsIdentity(t *testing.T) {
	var rot Rotation
	p := Point3{X: 1, Y: 2, Z: 3}
	assert.Equal(t, p, rot.Apply(p))
	assert.Equal(t, 1.0, rot.Det())
}

func TestAxisAngle_QuarterTurn(t *testing.T) {
	rot := AxisAngle(Point3{Z: 1}, math.Pi/2)
	got := rot.Apply(Point3{X: 1})
	assert.True(t, cmp.Equal(got, Point3{Y: 1}, cmpopts.EquateApprox(0, 1e-12)), "got %v", got)
}
