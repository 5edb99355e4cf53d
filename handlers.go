package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kwv/groundalign/ground"
	"github.com/kwv/groundalign/internal/logger"
)

// newHTTPServer creates an HTTP handler with the health, pose and preview endpoints
func newHTTPServer(stateTracker *ground.StateTracker, preview *ground.PreviewRenderer) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debugf(r.Context(), "[HTTP] /health request from %s", r.RemoteAddr)
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasFrames bool      `json:"has_frames"`
			Sensors   int       `json:"sensors"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasFrames: stateTracker.HasFrames(),
			Sensors:   len(stateTracker.Statuses()),
		}
		writeJSON(w, r, status)
	})

	// Latest status and diagnostics of every sensor
	mux.HandleFunc("GET /pose", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, stateTracker.Statuses())
	})

	mux.HandleFunc("GET /pose/{sensor}", func(w http.ResponseWriter, r *http.Request) {
		status, ok := stateTracker.Status(r.PathValue("sensor"))
		if !ok {
			http.Error(w, "Unknown sensor", http.StatusNotFound)
			return
		}
		writeJSON(w, r, status)
	})

	// Latest aligned frame as /preview/{sensor}.svg, .png or -height.png
	mux.HandleFunc("GET /preview/{file}", func(w http.ResponseWriter, r *http.Request) {
		sensorID, contentType, render := previewTarget(r.PathValue("file"), preview)
		if render == nil {
			http.Error(w, "Unknown preview format", http.StatusNotFound)
			return
		}

		frame, ok := stateTracker.Frame(sensorID)
		if !ok {
			http.Error(w, "No aligned frame available", http.StatusServiceUnavailable)
			return
		}

		// Render fully before writing so a failure can still set the status
		var buf bytes.Buffer
		if err := render(&buf, frame); err != nil {
			if errors.Is(err, ground.ErrNothingToRender) {
				http.Error(w, "No drawable points", http.StatusServiceUnavailable)
				return
			}
			logger.Errorf(r.Context(), "[HTTP] rendering preview for %s: %v", sensorID, err)
			http.Error(w, "Rendering failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := buf.WriteTo(w); err != nil {
			logger.Warnf(r.Context(), "[HTTP] writing preview for %s: %v", sensorID, err)
		}
	})

	return mux
}

type renderFunc func(w *bytes.Buffer, frame *ground.Frame) error

// previewTarget splits a preview file name into sensor, content type and renderer
func previewTarget(file string, preview *ground.PreviewRenderer) (string, string, renderFunc) {
	if id, ok := strings.CutSuffix(file, "-height.png"); ok && id != "" {
		return id, "image/png", func(w *bytes.Buffer, f *ground.Frame) error { return preview.RenderHeightMapPNG(w, f) }
	}
	if id, ok := strings.CutSuffix(file, ".png"); ok && id != "" {
		return id, "image/png", func(w *bytes.Buffer, f *ground.Frame) error { return preview.RenderSideViewPNG(w, f) }
	}
	if id, ok := strings.CutSuffix(file, ".svg"); ok && id != "" {
		return id, "image/svg+xml", func(w *bytes.Buffer, f *ground.Frame) error { return preview.RenderSideViewSVG(w, f) }
	}
	return "", "", nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf(r.Context(), "[HTTP] encoding %s response: %v", r.URL.Path, err)
	}
}
