package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kwv/groundalign/ground"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line to the App
type AppOptions struct {
	ConfigFile string
	LogLevel   string
	HTTPAddr   string

	Input  string
	Output string
	Sensor string

	Plane      []float64
	Live       bool
	Iterations int
	Threshold  float64
	Seed       uint64
	Workers    int

	Format string // svg, png or height
}

// appRunner is the part of App the command line drives
type appRunner interface {
	ApplyOptions(opts AppOptions)
	RunService(ctx context.Context) error
	RunEstimate(out io.Writer) error
	RunAlign(out io.Writer) error
	RunPreview(out io.Writer) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		os.Exit(1)
	}
}

// run executes the command line in args against app
func run(args []string, out io.Writer, app appRunner) error {
	root := newRootCmd(out, app)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(out io.Writer, app appRunner) *cobra.Command {
	var opts AppOptions
	ransac := ground.DefaultRansacConfig()

	root := &cobra.Command{
		Use:   "groundalign",
		Short: "Align roadside point clouds to their ground plane.",
		Long: `groundalign rotates and lifts roadside lidar point clouds so that the ground
plane becomes the horizontal plane z = 0.

The plane comes from configuration (plane_normal_and_offset) or is estimated
per frame with RANSAC.`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Align sensor frames received over MQTT and publish the results.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			app.ApplyOptions(opts)
			return app.RunService(ctx)
		},
	}
	serveCmd.Flags().StringVar(&opts.HTTPAddr, "http", "", "serve health, pose and preview endpoints on this address (e.g. :8080)")

	// Flags shared by the offline commands
	planeFlags := func(cmd *cobra.Command) {
		cmd.Flags().Float64SliceVar(&opts.Plane, "plane", nil, "static ground plane as a,b,c,d with a*x + b*y + c*z + d = 0")
		cmd.Flags().BoolVar(&opts.Live, "live", false, "estimate the ground plane from the cloud")
		cmd.Flags().StringVar(&opts.Sensor, "sensor", "", "take the plane source and RANSAC settings of this configured sensor")
		cmd.Flags().IntVar(&opts.Workers, "workers", 0, "goroutines transforming points (0 transforms sequentially)")
	}
	ransacFlags := func(cmd *cobra.Command) {
		cmd.Flags().IntVar(&opts.Iterations, "iterations", ransac.MaxIterations, "RANSAC iterations")
		cmd.Flags().Float64Var(&opts.Threshold, "threshold", ransac.InlierThreshold, "RANSAC inlier distance in metres")
		cmd.Flags().Uint64Var(&opts.Seed, "seed", ransac.Seed, "RANSAC sampling seed")
	}

	estimateCmd := &cobra.Command{
		Use:   "estimate <cloud.pcd>",
		Short: "Fit the ground plane of a PCD file and print it.",
		Long: `Fits the dominant plane of the cloud and prints it in the form accepted by
plane_normal_and_offset, together with the inlier count and the sensor tilt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Input = args[0]
			app.ApplyOptions(opts)
			return app.RunEstimate(cmd.OutOrStdout())
		},
	}
	ransacFlags(estimateCmd)

	alignCmd := &cobra.Command{
		Use:   "align <cloud.pcd>",
		Short: "Align a PCD file to its ground plane.",
		Long: `Aligns the cloud with a static plane (--plane or --sensor) or a live estimate
(--live) and writes the result as binary PCD to --output, or to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Input = args[0]
			app.ApplyOptions(opts)
			return app.RunAlign(cmd.OutOrStdout())
		},
	}
	alignCmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output PCD file (default stdout)")
	planeFlags(alignCmd)
	ransacFlags(alignCmd)

	previewCmd := &cobra.Command{
		Use:   "preview <cloud.pcd>",
		Short: "Render a PCD file as a side elevation or height map.",
		Long: `Renders the cloud as an SVG or PNG side elevation (x against z) or as a PNG
height map seen from above. With --plane, --live or --sensor the cloud is
aligned first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Input = args[0]
			switch opts.Format {
			case "svg", "png", "height":
			default:
				return fmt.Errorf("unknown format %q (want svg, png or height)", opts.Format)
			}
			app.ApplyOptions(opts)
			return app.RunPreview(cmd.OutOrStdout())
		},
	}
	previewCmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output image file (default stdout)")
	previewCmd.Flags().StringVarP(&opts.Format, "format", "f", "svg", "image format: svg, png or height")
	planeFlags(previewCmd)
	ransacFlags(previewCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "groundalign version: %s\n", Version)
		},
	}

	root.AddCommand(serveCmd, estimateCmd, alignCmd, previewCmd, versionCmd)
	return root
}
