package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/groundalign/ground"
	"github.com/kwv/groundalign/internal/logger"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *ground.Config
	StateTracker *ground.StateTracker
	MQTTClient   *ground.MQTTClient
	Publisher    *ground.Publisher
	Pipeline     *ground.Pipeline
	Preview      *ground.PreviewRenderer

	opts AppOptions
	// logOut replaces the log sink when set
	logOut io.Writer
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: ground.NewStateTracker(),
		Preview:      ground.NewPreviewRenderer(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// setupLogging installs the logger at the flag level, falling back to configLevel
func (a *App) setupLogging(configLevel string) error {
	name := a.opts.LogLevel
	if name == "" {
		name = configLevel
	}
	level, ok := logger.ParseLogLevel(name)
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	logger.SetLevel(level)
	if a.logOut != nil {
		logger.SetLogger(logger.NewWithWriter(a.logOut, nil))
	}
	return nil
}

// setupOfflineLogging keeps stdout free for command output
func (a *App) setupOfflineLogging() error {
	if a.logOut == nil {
		a.logOut = os.Stderr
	}
	return a.setupLogging("")
}

// RunService aligns frames received over MQTT until ctx is done
func (a *App) RunService(ctx context.Context) error {
	config, err := ground.LoadConfig(a.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", a.opts.ConfigFile, err)
	}
	a.Config = config
	if err := a.setupLogging(config.LogLevel); err != nil {
		return err
	}
	ctx = logger.WithName(ctx, "groundalign")
	logger.Infof(ctx, "groundalign %s: loaded config from %s", Version, a.opts.ConfigFile)

	// The MQTT handler is only invoked after Start, once the pipeline exists
	var pipeline *ground.Pipeline
	client, err := ground.NewMQTTClient(ctx, config, func(sensorID string, frame *ground.Frame, err error) {
		pipeline.HandleFrame(sensorID, frame, err)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT: %w", err)
	}
	a.MQTTClient = client
	a.Publisher = ground.NewPublisher(client.Client(), config.MQTT.PublishPrefix)

	pipeline, err = ground.NewPipeline(config, a.Publisher, a.StateTracker)
	if err != nil {
		return err
	}
	a.Pipeline = pipeline

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Run(gctx)
	})
	client.Start(gctx)

	addr := a.opts.HTTPAddr
	if addr == "" {
		addr = config.HTTPAddr
	}
	if addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newHTTPServer(a.StateTracker, a.Preview),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Infof(ctx, "[HTTP] starting server on %s", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, sc := range config.Sensors {
		logger.InfoKV(ctx, "[MQTT] sensor",
			"sensor", sc.ID,
			"subscribe", sc.Topic,
			"points", ground.PointsTopic(a.Publisher.Prefix(), sc.ID),
			"pose", ground.PoseTopic(a.Publisher.Prefix(), sc.ID))
	}
	logger.Info(ctx, "service running, press Ctrl+C to stop")

	err = g.Wait()
	logger.Info(ctx, "shutting down service")
	client.Disconnect()
	return err
}

// RunEstimate fits the ground plane of the input cloud and prints it
func (a *App) RunEstimate(out io.Writer) error {
	if err := a.setupOfflineLogging(); err != nil {
		return err
	}
	frame, err := ground.ReadFrameFile(a.opts.Input)
	if err != nil {
		return err
	}

	fit, err := ground.NewPlaneEstimator(a.ransacConfig()).Estimate(frame.Points)
	if err != nil {
		return &ground.FrameError{FrameID: frame.ID, Err: err}
	}
	rot, err := ground.AlignToVertical(fit.Model.Normal)
	if err != nil {
		return err
	}

	c := fit.Model.Coefficients()
	fmt.Fprintf(out, "plane_normal_and_offset: [%.6f, %.6f, %.6f, %.6f]\n", c[0], c[1], c[2], c[3])
	fmt.Fprintf(out, "inliers: %d/%d (%.1f%%)\n", fit.Inliers, fit.Total, 100*fit.InlierFraction())
	fmt.Fprintf(out, "tilt: %.3f deg\n", rot.Angle())
	fmt.Fprintf(out, "height: %.3f m\n", fit.Model.D)
	return nil
}

// RunAlign aligns the input cloud and writes it as PCD
func (a *App) RunAlign(out io.Writer) error {
	if err := a.setupOfflineLogging(); err != nil {
		return err
	}
	ctx := logger.WithName(context.Background(), "align")

	cfg, sensorID, err := a.alignerConfig(true)
	if err != nil {
		return err
	}
	frame, err := ground.ReadFrameFile(a.opts.Input)
	if err != nil {
		return err
	}
	res, err := a.align(ctx, *cfg, sensorID, frame)
	if err != nil {
		return err
	}

	if a.opts.Output == "" {
		return ground.EncodeFrame(out, res.Frame)
	}
	if err := ground.WriteFrameFile(a.opts.Output, res.Frame); err != nil {
		return err
	}
	logger.Infof(ctx, "[ALIGN] wrote %d points to %s", res.Frame.Len(), a.opts.Output)
	return nil
}

// RunPreview renders the input cloud, aligned first when a plane source is given
func (a *App) RunPreview(out io.Writer) error {
	if err := a.setupOfflineLogging(); err != nil {
		return err
	}
	ctx := logger.WithName(context.Background(), "preview")

	frame, err := ground.ReadFrameFile(a.opts.Input)
	if err != nil {
		return err
	}
	cfg, sensorID, err := a.alignerConfig(false)
	if err != nil {
		return err
	}
	if cfg != nil {
		res, err := a.align(ctx, *cfg, sensorID, frame)
		if err != nil {
			return err
		}
		frame = res.Frame
	}

	w := out
	if a.opts.Output != "" {
		f, err := os.Create(a.opts.Output)
		if err != nil {
			return fmt.Errorf("creating %s: %w", a.opts.Output, err)
		}
		defer f.Close()
		w = f
	}

	switch a.opts.Format {
	case "png":
		err = a.Preview.RenderSideViewPNG(w, frame)
	case "height":
		err = a.Preview.RenderHeightMapPNG(w, frame)
	default:
		err = a.Preview.RenderSideViewSVG(w, frame)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", frame.ID, err)
	}
	return nil
}

func (a *App) align(ctx context.Context, cfg ground.AlignerConfig, sensorID string, frame *ground.Frame) (*ground.Result, error) {
	aligner, err := ground.NewAligner(cfg)
	if err != nil {
		return nil, err
	}
	res, err := aligner.Align(frame)
	if err != nil {
		return nil, err
	}
	diag := ground.NewDiagnostics(ground.NewRunID(), sensorID, frame, res)
	logger.InfoKV(ctx, "[ALIGN] diagnostics", diag.LogFields()...)
	return res, nil
}

func (a *App) ransacConfig() ground.RansacConfig {
	return ground.RansacConfig{
		MaxIterations:   a.opts.Iterations,
		InlierThreshold: a.opts.Threshold,
		Seed:            a.opts.Seed,
	}
}

// alignerConfig resolves the plane source from --sensor, --plane or --live.
// Without any of them it returns nil, or an error when required is set.
func (a *App) alignerConfig(required bool) (*ground.AlignerConfig, string, error) {
	if a.opts.Sensor != "" {
		config, err := ground.LoadConfig(a.opts.ConfigFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config %s: %w", a.opts.ConfigFile, err)
		}
		sc := config.SensorByID(a.opts.Sensor)
		if sc == nil {
			return nil, "", fmt.Errorf("sensor %q not found in %s", a.opts.Sensor, a.opts.ConfigFile)
		}
		cfg, err := config.AlignerConfig(*sc)
		if err != nil {
			return nil, "", err
		}
		if a.opts.Workers > 0 {
			cfg.Workers = a.opts.Workers
		}
		return &cfg, sc.ID, nil
	}

	cfg := &ground.AlignerConfig{
		LiveEstimation: a.opts.Live,
		Ransac:         a.ransacConfig(),
		Workers:        a.opts.Workers,
	}
	switch {
	case len(a.opts.Plane) > 0:
		if len(a.opts.Plane) != 4 {
			return nil, "", fmt.Errorf("--plane needs 4 values, got %d", len(a.opts.Plane))
		}
		plane := ground.PlaneFromCoefficients([4]float64(a.opts.Plane))
		if err := plane.Validate(); err != nil {
			return nil, "", err
		}
		cfg.Plane = &plane
	case a.opts.Live:
	case required:
		return nil, "", errors.New("a plane source is required: --plane, --live or --sensor")
	default:
		return nil, "", nil
	}
	return cfg, "", nil
}
