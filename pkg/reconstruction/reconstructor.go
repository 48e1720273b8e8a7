// Package reconstruction implements ordered-subsets FISTA reconstruction with
// an optional ring-artifact model.
//
// Each outer iteration sweeps the angle subsets in schedule order. Every
// subset performs one gradient step on the weighted least-squares data term,
// an optional regulariser call, and a FISTA momentum update. When the ring
// model is enabled a per-detector bias r is subtracted from every residual and
// updated once per outer iteration with a soft-thresholded gradient step.
package reconstruction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"osfista/internal/models"
	"osfista/pkg/projection"
	"osfista/pkg/regularization"
	"osfista/pkg/subsets"
)

// Params holds the reconstruction inputs and tuning parameters.
type Params struct {
	// Sinogram is the measured projection data (rows, angles, cols)
	Sinogram *models.Sinogram

	// Weights are per-reading data weights with the sinogram's shape; nil means unit weights
	Weights *models.Sinogram

	// Width, Height and Depth are the reconstruction volume dimensions
	Width, Height, Depth int

	// Iterations is the number of outer iterations
	Iterations int

	// Subsets is the number of ordered subsets. Ignored when Schedule is set.
	Subsets int

	// Schedule overrides the contiguous subset split
	Schedule *subsets.Schedule

	// RingAlpha scales the ring bias inside the residual
	RingAlpha float64

	// RingLambdaRL1 is the ring soft-threshold; 0 disables the ring model
	RingLambdaRL1 float64

	// LipschitzConstant sizes the gradient step 1/L. 0 means estimate it with
	// PowerIterations iterations of the power method.
	LipschitzConstant float64
	PowerIterations   int

	// Regularizer is applied after every subset step; nil skips regularisation
	Regularizer regularization.Regularizer

	// GroundTruth enables the per-iteration RMSE trace
	GroundTruth *models.Volume

	// ROI restricts the RMSE to voxels where the mask is true; nil means all voxels
	ROI []bool

	// CheckFinite aborts the run with ErrNonFinite when the image becomes NaN or Inf
	CheckFinite bool

	// Logger receives progress records; nil uses slog.Default()
	Logger *slog.Logger
}

// Result is the outcome of a reconstruction run
type Result struct {
	// Volume is the final image estimate
	Volume *models.Volume

	// Objective holds ½‖residual‖² summed over the subsets of each outer iteration
	Objective []float64

	// RMSE holds the error against the ground truth per outer iteration; nil without ground truth
	RMSE []float64

	// Ring is the final ring bias (rows x cols); nil when the ring model is disabled
	Ring []float64

	// Lipschitz is the constant used for the gradient step
	Lipschitz float64

	// Metrics compares the final volume with the ground truth when one was supplied
	Metrics *ValidationMetrics
}

// Reconstructor runs ordered-subsets FISTA against a projector.
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params

	// projector is the forward/back-projection oracle
	projector projection.Projector

	// schedule is the subset partition swept every outer iteration
	schedule subsets.Schedule

	// lipschitz is the step bound, estimated lazily when not configured
	lipschitz float64

	logger *slog.Logger
}

// NewReconstructor validates the inputs and creates a reconstructor.
// All shape inconsistencies are reported here, before any iteration runs.
//
// Parameters:
//   - projector: the projection oracle for the acquisition geometry
//   - params: reconstruction inputs and tuning parameters
//
// Returns:
//   - A Reconstructor ready to run, or an error wrapping ErrShapeMismatch or ErrInvalidParams
func NewReconstructor(projector projection.Projector, params *Params) (*Reconstructor, error) {
	if projector == nil {
		return nil, fmt.Errorf("%w: projector is nil", ErrInvalidParams)
	}
	if params == nil || params.Sinogram == nil {
		return nil, fmt.Errorf("%w: sinogram is required", ErrInvalidParams)
	}
	if err := params.Sinogram.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	if params.Width <= 0 || params.Height <= 0 || params.Depth <= 0 {
		return nil, fmt.Errorf("%w: volume %dx%dx%d", ErrShapeMismatch, params.Width, params.Height, params.Depth)
	}
	if params.Iterations < 1 {
		return nil, fmt.Errorf("%w: iterations must be at least 1, got %d", ErrInvalidParams, params.Iterations)
	}
	if params.RingLambdaRL1 < 0 || math.IsNaN(params.RingLambdaRL1) {
		return nil, fmt.Errorf("%w: ring_lambda_R_L1 must be non-negative, got %v", ErrInvalidParams, params.RingLambdaRL1)
	}
	if params.LipschitzConstant < 0 || math.IsNaN(params.LipschitzConstant) || math.IsInf(params.LipschitzConstant, 0) {
		return nil, fmt.Errorf("%w: %v", ErrLipschitz, params.LipschitzConstant)
	}
	if params.LipschitzConstant == 0 && params.PowerIterations < 1 {
		return nil, fmt.Errorf("%w: no Lipschitz constant and no power iterations to estimate it", ErrLipschitz)
	}

	sino := params.Sinogram
	if w := params.Weights; w != nil {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("%w: weights: %v", ErrShapeMismatch, err)
		}
		if w.Rows != sino.Rows || w.Angles != sino.Angles || w.Cols != sino.Cols {
			return nil, fmt.Errorf("%w: weights %dx%dx%d vs sinogram %dx%dx%d",
				ErrShapeMismatch, w.Rows, w.Angles, w.Cols, sino.Rows, sino.Angles, sino.Cols)
		}
	}

	shape := &models.Volume{Width: params.Width, Height: params.Height, Depth: params.Depth}
	if err := projection.CheckShape(projector, shape, sino); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}

	voxels := params.Width * params.Height * params.Depth
	if gt := params.GroundTruth; gt != nil {
		if err := gt.Validate(); err != nil {
			return nil, fmt.Errorf("%w: ground truth: %v", ErrShapeMismatch, err)
		}
		if gt.Width != params.Width || gt.Height != params.Height || gt.Depth != params.Depth {
			return nil, fmt.Errorf("%w: ground truth %dx%dx%d vs volume %dx%dx%d",
				ErrShapeMismatch, gt.Width, gt.Height, gt.Depth, params.Width, params.Height, params.Depth)
		}
	}
	if params.ROI != nil && len(params.ROI) != voxels {
		return nil, fmt.Errorf("%w: region of interest has %d voxels, volume has %d", ErrShapeMismatch, len(params.ROI), voxels)
	}

	var schedule subsets.Schedule
	if params.Schedule != nil {
		schedule = *params.Schedule
		if err := schedule.Validate(sino.Angles); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
	} else {
		var err error
		schedule, err = subsets.Partition(sino.Angles, params.Subsets)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconstructor{
		params:    params,
		projector: projector,
		schedule:  schedule,
		lipschitz: params.LipschitzConstant,
		logger:    logger,
	}, nil
}

// Schedule returns the subset partition used by the sweep
func (r *Reconstructor) Schedule() subsets.Schedule { return r.schedule }

// ringEnabled reports whether the ring model is active
func (r *Reconstructor) ringEnabled() bool { return r.params.RingLambdaRL1 > 0 }

// Lipschitz returns the Lipschitz constant, running the power method on first
// use when none was configured.
func (r *Reconstructor) Lipschitz(ctx context.Context) (float64, error) {
	if r.lipschitz > 0 {
		return r.lipschitz, nil
	}

	start := time.Now()
	var weights []float64
	if r.params.Weights != nil {
		weights = r.params.Weights.Data
	}
	template := &models.Volume{Width: r.params.Width, Height: r.params.Height, Depth: r.params.Depth}
	l, err := projection.PowerMethod(ctx, r.projector, template, r.params.Sinogram, weights, r.params.PowerIterations)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLipschitz, err)
	}
	if l <= 0 || math.IsNaN(l) || math.IsInf(l, 0) {
		return 0, fmt.Errorf("%w: power method returned %v", ErrLipschitz, l)
	}

	r.logger.Info("estimated Lipschitz constant",
		slog.Float64("lipschitz", l),
		slog.Int("power_iterations", r.params.PowerIterations),
		slog.Duration("duration", time.Since(start)))
	r.lipschitz = l
	return l, nil
}

// Reconstruct runs the configured number of outer iterations starting from x0.
// A nil x0 starts from zeros.
//
// The context is checked between outer iterations only, so a cancelled run
// never leaves the image, momentum and ring state half-updated; the partial
// state is discarded and the context error returned.
func (r *Reconstructor) Reconstruct(ctx context.Context, x0 *models.Volume) (*Result, error) {
	p := r.params
	if x0 == nil {
		x0 = models.NewVolume(p.Width, p.Height, p.Depth)
	} else if x0.Width != p.Width || x0.Height != p.Height || x0.Depth != p.Depth || len(x0.Data) != x0.Len() {
		return nil, fmt.Errorf("%w: initial volume %dx%dx%d vs %dx%dx%d",
			ErrShapeMismatch, x0.Width, x0.Height, x0.Depth, p.Width, p.Height, p.Depth)
	}

	lipschitz, err := r.Lipschitz(ctx)
	if err != nil {
		return nil, err
	}

	state := newSolverState(x0, p.Sinogram, r.schedule, r.ringEnabled())
	result := &Result{
		Objective: make([]float64, p.Iterations),
		Lipschitz: lipschitz,
	}
	if p.GroundTruth != nil {
		result.RMSE = make([]float64, p.Iterations)
	}

	r.logger.Info("starting ordered-subsets FISTA",
		slog.Int("iterations", p.Iterations),
		slog.Int("subsets", r.schedule.Len()),
		slog.Bool("ring_model", r.ringEnabled()),
		slog.Bool("regularizer", p.Regularizer != nil))

	start := time.Now()
	for i := 0; i < p.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		objective, err := r.outerStep(ctx, state, i, lipschitz)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		result.Objective[i] = objective

		attrs := []any{slog.Int("iteration", i), slog.Float64("objective", objective)}
		if p.GroundTruth != nil {
			result.RMSE[i] = RMSE(state.X.Data, p.GroundTruth.Data, p.ROI)
			attrs = append(attrs, slog.Float64("rmse", result.RMSE[i]))
		}
		r.logger.Info("outer iteration complete", attrs...)
	}

	result.Volume = state.X.Clone()
	if r.ringEnabled() {
		result.Ring = make([]float64, len(state.R))
		copy(result.Ring, state.R)
	}
	if p.GroundTruth != nil {
		m := CalculateMetrics(p.GroundTruth.Data, result.Volume.Data, p.ROI)
		result.Metrics = &m
	}

	r.logger.Info("reconstruction finished", slog.Duration("duration", time.Since(start)))
	return result, nil
}

// outerStep runs one outer iteration: ring gradient step, subset sweep,
// ring soft-threshold and extrapolation. It returns the iteration objective.
func (r *Reconstructor) outerStep(ctx context.Context, s *SolverState, iteration int, lipschitz float64) (float64, error) {
	p := r.params
	ring := r.ringEnabled()

	if ring {
		copy(s.ROld, s.R)
		// The full projection buffer is only populated after the first sweep
		if iteration > 0 {
			subsetResidual(s.fullResidual, s.fullProj, p.Sinogram, p.Weights, s.allAngles, s.Rx, p.RingAlpha)
			updateRingFromResidual(s.R, s.Rx, s.fullResidual.Data,
				p.Sinogram.Rows, p.Sinogram.Angles, p.Sinogram.Cols, lipschitz)
		}
	}

	objective, err := r.sweep(ctx, s, iteration, lipschitz)
	if err != nil {
		return 0, err
	}

	if ring {
		SoftThreshold(s.R, s.R, p.RingLambdaRL1)
		extrapolate(s.Rx, s.R, s.ROld, (s.TOld-1)/s.T)
	}
	return objective, nil
}

// sweep performs one gradient and momentum step per subset in schedule order
// and returns the summed subset objective.
func (r *Reconstructor) sweep(ctx context.Context, s *SolverState, iteration int, lipschitz float64) (float64, error) {
	p := r.params
	ring := r.ringEnabled()

	var objective float64
	for k, group := range r.schedule.Groups {
		s.XOld.CopyFrom(s.X)
		s.TOld = s.T

		proj := s.subProj[k]
		if err := r.projector.Forward(ctx, s.Xt, group.Indices, proj); err != nil {
			return 0, fmt.Errorf("subset %d forward projection: %w", k, err)
		}

		residual := s.subResidual[k]
		if ring {
			objective += subsetResidual(residual, proj, p.Sinogram, p.Weights, group.Indices, s.Rx, p.RingAlpha)
			s.fullProj.Scatter(proj, group.Indices)
		} else {
			objective += subsetResidual(residual, proj, p.Sinogram, p.Weights, group.Indices, nil, 0)
		}

		if err := r.projector.Backward(ctx, residual, group.Indices, s.grad); err != nil {
			return 0, fmt.Errorf("subset %d back projection: %w", k, err)
		}

		// X = X_t − (1/L)·∇
		floats.AddScaledTo(s.X.Data, s.Xt.Data, -1/lipschitz, s.grad.Data)

		if p.Regularizer != nil {
			out, err := regularization.Apply(ctx, p.Regularizer, s.X)
			if err != nil {
				return 0, fmt.Errorf("subset %d regularizer: %w", k, err)
			}
			if out != s.X {
				s.X.CopyFrom(out)
			}
		}

		if p.CheckFinite && !allFinite(s.X.Data) {
			return 0, fmt.Errorf("%w: iteration %d subset %d", ErrNonFinite, iteration, k)
		}

		s.T = NextMomentum(s.TOld)
		extrapolate(s.Xt.Data, s.X.Data, s.XOld.Data, (s.TOld-1)/s.T)

		r.logger.Debug("subset step",
			slog.Int("iteration", iteration),
			slog.Int("subset", k),
			slog.Int("angles", group.Count()),
			slog.Float64("t", s.T))
	}
	return objective, nil
}

func allFinite(data []float64) bool {
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
