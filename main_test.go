package main

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunService(ctx context.Context) error {
	m.called["RunService"] = true
	return nil
}
func (m *mockApp) RunEstimate(out io.Writer) error { m.called["RunEstimate"] = true; return nil }
func (m *mockApp) RunAlign(out io.Writer) error    { m.called["RunAlign"] = true; return nil }
func (m *mockApp) RunPreview(out io.Writer) error  { m.called["RunPreview"] = true; return nil }

func TestRun_Commands(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Serve",
			args:           []string{"serve", "--config", "/etc/groundalign.yaml", "--http", ":9090", "--log-level", "debug"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "/etc/groundalign.yaml", opts.ConfigFile)
				assert.Equal(t, ":9090", opts.HTTPAddr)
				assert.Equal(t, "debug", opts.LogLevel)
			},
		},
		{
			name:           "ServeDefaults",
			args:           []string{"serve"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "config.yaml", opts.ConfigFile)
				assert.Empty(t, opts.HTTPAddr)
			},
		},
		{
			name:           "Estimate",
			args:           []string{"estimate", "scan.pcd", "--iterations", "50", "--threshold", "0.05", "--seed", "7"},
			expectedCalled: "RunEstimate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "scan.pcd", opts.Input)
				assert.Equal(t, 50, opts.Iterations)
				assert.Equal(t, 0.05, opts.Threshold)
				assert.Equal(t, uint64(7), opts.Seed)
			},
		},
		{
			name:           "EstimateDefaults",
			args:           []string{"estimate", "scan.pcd"},
			expectedCalled: "RunEstimate",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, 500, opts.Iterations)
				assert.Equal(t, 0.1, opts.Threshold)
				assert.Equal(t, uint64(1), opts.Seed)
			},
		},
		{
			name:           "AlignStaticPlane",
			args:           []string{"align", "scan.pcd", "-o", "out.pcd", "--plane=-0.1448,-0.1477,0.9784,4.1168", "--workers", "4"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "out.pcd", opts.Output)
				assert.Equal(t, []float64{-0.1448, -0.1477, 0.9784, 4.1168}, opts.Plane)
				assert.Equal(t, 4, opts.Workers)
				assert.False(t, opts.Live)
			},
		},
		{
			name:           "AlignSensor",
			args:           []string{"align", "scan.pcd", "--sensor", "north", "-c", "site.yaml"},
			expectedCalled: "RunAlign",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "north", opts.Sensor)
				assert.Equal(t, "site.yaml", opts.ConfigFile)
			},
		},
		{
			name:           "PreviewHeightMap",
			args:           []string{"preview", "scan.pcd", "--format", "height", "--live"},
			expectedCalled: "RunPreview",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "height", opts.Format)
				assert.True(t, opts.Live)
			},
		},
		{
			name:           "PreviewDefaultFormat",
			args:           []string{"preview", "scan.pcd"},
			expectedCalled: "RunPreview",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "svg", opts.Format)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			require.NoError(t, run(tt.args, &out, app))

			assert.True(t, app.called[tt.expectedCalled], "expected %s to be called", tt.expectedCalled)
			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"EstimateWithoutInput", []string{"estimate"}},
		{"AlignTooManyArgs", []string{"align", "a.pcd", "b.pcd"}},
		{"PreviewUnknownFormat", []string{"preview", "scan.pcd", "--format", "bmp"}},
		{"ServeRejectsArgs", []string{"serve", "extra"}},
		{"UnknownFlag", []string{"align", "a.pcd", "--bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			require.Error(t, run(tt.args, &out, app))
			assert.Empty(t, app.called)
		})
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out, newMockApp()))
	assert.Contains(t, out.String(), "groundalign version: "+Version)
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--help"}, &out, newMockApp()))
	for _, cmd := range []string{"serve", "estimate", "align", "preview", "version"} {
		assert.Contains(t, out.String(), cmd)
	}
}

func TestMain_Version(t *testing.T) {
	assert.NotEmpty(t, Version)
}
