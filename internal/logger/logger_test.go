package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got, s)
	}

	_, ok := ParseLogLevel("verbose")
	require.False(t, ok)
}

func TestFromContext_FallsBackToGlobal(t *testing.T) {
	assert.Same(t, Logger(), FromContext(context.Background()))
	//nolint:staticcheck // nil context is accepted
	assert.Same(t, Logger(), FromContext(nil))
}

func TestWithKV_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zap.NewAtomicLevelAt(zap.DebugLevel))

	ctx := ToContext(context.Background(), l)
	ctx = WithName(ctx, "align")
	ctx = WithKV(ctx, "sensor", "north")

	InfoKV(ctx, "frame aligned", "points", 42)
	DebugKV(ctx, "detail")
	require.NoError(t, FromContext(ctx).Sync())

	out := buf.String()
	assert.Contains(t, out, "align")
	assert.Contains(t, out, "frame aligned")
	assert.Contains(t, out, `"sensor": "north"`)
	assert.Contains(t, out, `"points": 42`)
	assert.Contains(t, out, "DEBUG")
}

func TestNewWithWriter_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zap.NewAtomicLevelAt(zap.WarnLevel))
	ctx := ToContext(context.Background(), l)

	Infof(ctx, "hidden %d", 1)
	Warnf(ctx, "shown %d", 2)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown 2")
}

func TestSetLevel(t *testing.T) {
	prev := Level()
	t.Cleanup(func() { SetLevel(prev) })

	SetLevel(zapcore.ErrorLevel)
	assert.Equal(t, zapcore.ErrorLevel, Level())
}
