package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"osfista/internal/models"
	"osfista/pkg/config"
	"osfista/pkg/dataset"
	"osfista/pkg/geometry"
	"osfista/pkg/projection"
	"osfista/pkg/reconstruction"
	"osfista/pkg/regularization"
	"osfista/pkg/visualization"
)

// errNoSystemMatrix is returned when the input container carries no projection operator
var errNoSystemMatrix = errors.New("input has no /system_matrix; a projection operator is required")

func runReconstruct(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyFlagOverrides(cmd, cfg); err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	data, err := dataset.Load(inputPath)
	if err != nil {
		return err
	}
	logger.Info("loaded input",
		slog.String("path", inputPath),
		slog.Int("detector_rows", data.Sinogram.Rows),
		slog.Int("angles", data.Sinogram.Angles),
		slog.Int("detector_cols", data.Sinogram.Cols),
		slog.String("volume", fmt.Sprintf("%dx%dx%d", data.Width, data.Height, data.Depth)))

	res, err := reconstruct(ctx, cfg, data, logger)
	if err != nil {
		return err
	}

	if err := dataset.WriteResult(outputPath, res, data.Sinogram.Rows, data.Sinogram.Cols); err != nil {
		return err
	}
	logger.Info("wrote reconstruction",
		slog.String("path", outputPath),
		slog.Duration("total", time.Since(start)))

	if res.Metrics != nil {
		logger.Info("validation metrics",
			slog.Float64("rmse", res.Metrics.RMSE),
			slog.Float64("ssim", res.Metrics.SSIM))
	}

	if extractSlices {
		exportSlices(res.Volume, slicesDir, logger)
	}
	return nil
}

// applyFlagOverrides copies explicitly set command-line flags over cfg and
// validates the result
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	changed := false
	if logLevel != "" {
		cfg.LogLevel = logLevel
		changed = true
	}
	if f := cmd.Flags().Lookup("cores"); f != nil && f.Changed {
		cfg.Cores = cores
		changed = true
	}
	if !changed {
		return nil
	}
	return cfg.Validate()
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// reconstruct wires a loaded dataset and a configuration into a solver run
func reconstruct(ctx context.Context, cfg *config.Config, data *dataset.Data, logger *slog.Logger) (*reconstruction.Result, error) {
	proj, err := buildProjector(cfg, data)
	if err != nil {
		return nil, err
	}

	roi := data.ROI
	if r := cfg.RegionOfInterest; r != nil {
		roi, err = reconstruction.BoxMask(data.Width, data.Height, data.Depth, r.X, r.Y, r.Z, r.Width, r.Height, r.Depth)
		if err != nil {
			return nil, fmt.Errorf("region_of_interest: %w", err)
		}
	}

	r, err := reconstruction.NewReconstructor(proj, &reconstruction.Params{
		Sinogram:          data.Sinogram,
		Weights:           data.Weights,
		Width:             data.Width,
		Height:            data.Height,
		Depth:             data.Depth,
		Iterations:        cfg.NumberOfIterations,
		Subsets:           cfg.Subsets,
		RingAlpha:         cfg.RingAlpha,
		RingLambdaRL1:     cfg.RingLambdaRL1,
		LipschitzConstant: cfg.LipschitzConstant,
		PowerIterations:   cfg.PowerIterations,
		Regularizer:       buildRegularizer(cfg, logger),
		GroundTruth:       data.GroundTruth,
		ROI:               roi,
		CheckFinite:       cfg.CheckFinite,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	return r.Reconstruct(ctx, nil)
}

// buildProjector wraps the dataset's system matrix for the configured geometry.
// 2D geometries use a per-slice matrix over Width*Height pixels and need one
// detector row per slice; 3D geometries use a matrix over the whole volume.
func buildProjector(cfg *config.Config, data *dataset.Data) (projection.Projector, error) {
	geom := geometry.Geometry{Type: cfg.DeviceModel.Type, Angles: data.Angles, Detector: data.Detector}
	kind, err := geom.Kind()
	if err != nil {
		return nil, err
	}
	if data.SystemMatrix == nil {
		return nil, errNoSystemMatrix
	}

	sino := data.Sinogram
	if len(geom.Angles) != sino.Angles {
		return nil, fmt.Errorf("%w: %d angles for %d projections", projection.ErrShape, len(geom.Angles), sino.Angles)
	}

	_, voxels := data.SystemMatrix.Dims()
	var op *projection.MatrixOperator
	switch kind {
	case geometry.Geometry2D:
		if sino.Rows != data.Depth {
			return nil, fmt.Errorf("%w: %s geometry needs one detector row per slice, got %d rows for %d slices",
				projection.ErrShape, geom.Type, sino.Rows, data.Depth)
		}
		if voxels != data.Width*data.Height {
			return nil, fmt.Errorf("%w: slice matrix has %d columns for %dx%d pixels",
				projection.ErrShape, voxels, data.Width, data.Height)
		}
		op, err = projection.NewMatrixOperator(data.SystemMatrix, 1, sino.Angles, sino.Cols)
	default:
		if voxels != data.Width*data.Height*data.Depth {
			return nil, fmt.Errorf("%w: volume matrix has %d columns for %dx%dx%d voxels",
				projection.ErrShape, voxels, data.Width, data.Height, data.Depth)
		}
		op, err = projection.NewMatrixOperator(data.SystemMatrix, sino.Rows, sino.Angles, sino.Cols)
	}
	if err != nil {
		return nil, err
	}
	return projection.New(kind, op, cfg.Cores)
}

// buildRegularizer assembles the per-subset regulariser. Configured external
// denoisers are not bundled with the CLI and are skipped with a warning.
func buildRegularizer(cfg *config.Config, logger *slog.Logger) regularization.Regularizer {
	if p := cfg.Regularizer; p != nil {
		logger.Warn("regularizer configured but not available in the command-line tool; continuing without it",
			slog.String("algorithm", p.Algorithm),
			slog.Float64("regularization_parameter", p.RegularizationParameter))
	}
	if !cfg.Nonnegativity {
		return nil
	}
	return regularization.Chain{regularization.Nonnegativity{}}
}

// exportSlices writes JPEG slices along every axis; failures are logged, not fatal
func exportSlices(vol *models.Volume, dir string, logger *slog.Logger) {
	viewer := visualization.NewViewer(vol)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		n, err := viewer.SaveSliceSequence(axis, axisDir)
		if err != nil {
			logger.Warn("failed to save slices", slog.String("axis", axis), slog.Any("error", err))
			continue
		}
		logger.Info("saved slices", slog.String("axis", axis), slog.Int("count", n), slog.String("dir", axisDir))
	}
}
