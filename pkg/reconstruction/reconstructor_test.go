package reconstruction

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"osfista/internal/models"
	"osfista/pkg/projection"
	"osfista/pkg/regularization"
	"osfista/pkg/subsets"
)

// quietLogger discards solver progress output in tests
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identityMatrix(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

// reshapeProjector maps angle a, column c to pixel (x=c, y=a) of a single slice,
// so forward and back projection are both identity reshapes.
func reshapeProjector(t *testing.T, angles, cols int) projection.Projector {
	t.Helper()
	op, err := projection.NewMatrixOperator(identityMatrix(angles*cols), 1, angles, cols)
	require.NoError(t, err)
	return &projection.Slices{Op: op}
}

func randomSinogram(rows, angles, cols int, seed int64, lo, hi float64) *models.Sinogram {
	rng := rand.New(rand.NewSource(seed))
	s := models.NewSinogram(rows, angles, cols)
	for i := range s.Data {
		s.Data[i] = lo + (hi-lo)*rng.Float64()
	}
	return s
}

type referenceRun struct {
	x         []float64
	objective []float64
	ring      []float64
}

// referenceOSFISTA runs the ordered-subsets FISTA recurrence directly on
// pixels for the identity-reshape geometry (one detector row).
func referenceOSFISTA(b, w []float64, angles, cols int, groups [][]int, iterations int, lipschitz, alpha, lambda float64) referenceRun {
	n := angles * cols
	weight := func(i int) float64 {
		if w == nil {
			return 1
		}
		return w[i]
	}

	x := make([]float64, n)
	xt := make([]float64, n)
	xold := make([]float64, n)
	grad := make([]float64, n)
	fullP := make([]float64, n)
	r := make([]float64, cols)
	rx := make([]float64, cols)
	rold := make([]float64, cols)
	t, told := 1.0, 1.0
	ring := lambda > 0

	var run referenceRun
	for it := 0; it < iterations; it++ {
		if ring {
			copy(rold, r)
			if it > 0 {
				for c := 0; c < cols; c++ {
					sum := 0.0
					for a := 0; a < angles; a++ {
						i := a*cols + c
						sum += weight(i) * (fullP[i] - b[i] - alpha*rx[c])
					}
					r[c] = rx[c] - sum/lipschitz
				}
			}
		}

		obj := 0.0
		for _, g := range groups {
			copy(xold, x)
			told = t
			for i := range grad {
				grad[i] = 0
			}
			for _, a := range g {
				for c := 0; c < cols; c++ {
					i := a*cols + c
					v := xt[i] - b[i]
					if ring {
						v -= alpha * rx[c]
						fullP[i] = xt[i]
					}
					v *= weight(i)
					obj += 0.5 * v * v
					grad[i] = v
				}
			}
			for i := range x {
				x[i] = xt[i] - grad[i]/lipschitz
			}
			t = (1 + math.Sqrt(1+4*told*told)) / 2
			for i := range xt {
				xt[i] = x[i] + (told-1)/t*(x[i]-xold[i])
			}
		}

		if ring {
			for c := range r {
				m := math.Abs(r[c]) - lambda
				if m < 0 {
					m = 0
				}
				if r[c] < 0 {
					m = -m
				}
				r[c] = m
			}
			for c := range rx {
				rx[c] = r[c] + (told-1)/t*(r[c]-rold[c])
			}
		}
		run.objective = append(run.objective, obj)
	}
	run.x = x
	run.ring = r
	return run
}

// TestEndToEndMatchesReference reconstructs a 4x4x1 volume from 4 angles split
// into 2 subsets and compares against the pixel-level recurrence.
func TestEndToEndMatchesReference(t *testing.T) {
	const angles, cols = 4, 4
	sino := randomSinogram(1, angles, cols, 1, 0, 1)

	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:          sino,
		Width:             cols,
		Height:            angles,
		Depth:             1,
		Iterations:        3,
		Subsets:           2,
		LipschitzConstant: 1,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	schedule := r.Schedule()
	require.Equal(t, 2, schedule.Len())
	assert.Equal(t, []int{0, 1}, schedule.Groups[0].Indices)
	assert.Equal(t, []int{2, 3}, schedule.Groups[1].Indices)

	res, err := r.Reconstruct(context.Background(), nil)
	require.NoError(t, err)

	want := referenceOSFISTA(sino.Data, nil, angles, cols, [][]int{{0, 1}, {2, 3}}, 3, 1, 0, 0)
	assert.InDeltaSlice(t, want.x, res.Volume.Data, 1e-6)
	assert.InDeltaSlice(t, want.objective, res.Objective, 1e-9)

	// With an identity operator and L=1 every subset step puts its pixels on
	// the data. Pixel (1,3) belongs to the second subset, and by the third
	// sweep the momentum on the first subset's pixels has died out, so the
	// whole image equals the sinogram.
	assert.InDelta(t, sino.Data[sino.Index(0, 3, 1)], res.Volume.Data[res.Volume.Index(1, 3, 0)], 1e-12)
	assert.InDeltaSlice(t, sino.Data, res.Volume.Data, 1e-12)

	// The first sweep starts from zero; in the second only the second subset
	// sees a residual, -Q·c2·(1+c3) with c_k = (t_{k-1}-1)/t_k.
	t1 := NextMomentum(1)
	t2 := NextMomentum(t1)
	t3 := NextMomentum(t2)
	c2, c3 := (t1-1)/t2, (t2-1)/t3
	second := sino.Data[2*cols : 4*cols]
	assert.InDelta(t, 0.5*floats.Dot(sino.Data, sino.Data), res.Objective[0], 1e-12)
	assert.InDelta(t, 0.5*math.Pow(c2*(1+c3), 2)*floats.Dot(second, second), res.Objective[1], 1e-12)
	assert.Nil(t, res.Ring)
	assert.Nil(t, res.RMSE)
	assert.Equal(t, 1.0, res.Lipschitz)
}

// TestRingModelMatchesReference exercises the ring update, soft-threshold and
// extrapolation together with data weights.
func TestRingModelMatchesReference(t *testing.T) {
	const angles, cols = 6, 3
	sino := randomSinogram(1, angles, cols, 2, 0, 2)
	weights := randomSinogram(1, angles, cols, 3, 0.5, 1.5)

	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:          sino,
		Weights:           weights,
		Width:             cols,
		Height:            angles,
		Depth:             1,
		Iterations:        4,
		Subsets:           3,
		RingAlpha:         0.5,
		RingLambdaRL1:     0.01,
		LipschitzConstant: 2,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	res, err := r.Reconstruct(context.Background(), nil)
	require.NoError(t, err)

	want := referenceOSFISTA(sino.Data, weights.Data, angles, cols, [][]int{{0, 1}, {2, 3}, {4, 5}}, 4, 2, 0.5, 0.01)
	assert.InDeltaSlice(t, want.x, res.Volume.Data, 1e-12)
	assert.InDeltaSlice(t, want.objective, res.Objective, 1e-12)
	require.Len(t, res.Ring, cols)
	assert.InDeltaSlice(t, want.ring, res.Ring, 1e-12)
}

// TestRingWithHugeThresholdEqualsPlainLeastSquares checks that a ring variable
// that is always shrunk to zero leaves the image update untouched.
func TestRingWithHugeThresholdEqualsPlainLeastSquares(t *testing.T) {
	const angles, cols = 6, 4
	sino := randomSinogram(1, angles, cols, 4, 0, 1)

	run := func(lambda float64) *Result {
		r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
			Sinogram:          sino,
			Width:             cols,
			Height:            angles,
			Depth:             1,
			Iterations:        3,
			Subsets:           3,
			RingAlpha:         21,
			RingLambdaRL1:     lambda,
			LipschitzConstant: 1.5,
			Logger:            quietLogger(),
		})
		require.NoError(t, err)
		res, err := r.Reconstruct(context.Background(), nil)
		require.NoError(t, err)
		return res
	}

	plain := run(0)
	ring := run(1e9)
	assert.InDeltaSlice(t, plain.Volume.Data, ring.Volume.Data, 1e-12)
	assert.InDeltaSlice(t, plain.Objective, ring.Objective, 1e-12)
	assert.Equal(t, make([]float64, cols), ring.Ring)
}

// orthogonalMatrix returns the Q factor of a random square matrix
func orthogonalMatrix(n int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, n*n)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(n, n, data))
	var q mat.Dense
	qr.QTo(&q)
	return &q
}

// TestObjectiveNonIncreasingOnWellConditionedProblem reconstructs an 8x8x1
// phantom from 16 noiseless angles through an orthogonal system matrix.
func TestObjectiveNonIncreasingOnWellConditionedProblem(t *testing.T) {
	const width, height, angles, cols = 8, 8, 16, 4
	ctx := context.Background()

	op, err := projection.NewMatrixOperator(orthogonalMatrix(width*height, 5), 1, angles, cols)
	require.NoError(t, err)
	proj := &projection.Slices{Op: op}

	phantom := models.NewVolume(width, height, 1)
	rng := rand.New(rand.NewSource(6))
	for i := range phantom.Data {
		phantom.Data[i] = rng.Float64()
	}
	all := make([]int, angles)
	for i := range all {
		all[i] = i
	}
	sino := models.NewSinogram(1, angles, cols)
	require.NoError(t, proj.Forward(ctx, phantom, all, sino))

	r, err := NewReconstructor(proj, &Params{
		Sinogram:        sino,
		Width:           width,
		Height:          height,
		Depth:           1,
		Iterations:      5,
		Subsets:         1,
		PowerIterations: 20,
		GroundTruth:     phantom,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)

	res, err := r.Reconstruct(ctx, nil)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Lipschitz, 1e-9)
	assert.InDelta(t, 0.5*floats.Dot(sino.Data, sino.Data), res.Objective[0], 1e-9)
	for i := 1; i < len(res.Objective); i++ {
		assert.LessOrEqual(t, res.Objective[i], res.Objective[i-1]+1e-9, "iteration %d", i)
	}
	assert.InDeltaSlice(t, phantom.Data, res.Volume.Data, 1e-8)

	require.Len(t, res.RMSE, 5)
	assert.InDelta(t, 0, res.RMSE[4], 1e-8)
	require.NotNil(t, res.Metrics)
	assert.InDelta(t, 1, res.Metrics.SSIM, 1e-6)
}

// TestSlicesAndNativeAgree runs the same two-slice problem through the 2D
// slice-by-slice path and a block-diagonal 3D operator.
func TestSlicesAndNativeAgree(t *testing.T) {
	const width, height, depth, angles, cols = 3, 2, 2, 4, 3
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	slice := mat.NewDense(angles*cols, width*height, nil)
	for i := 0; i < angles*cols; i++ {
		for j := 0; j < width*height; j++ {
			slice.Set(i, j, rng.Float64())
		}
	}
	volume := mat.NewDense(depth*angles*cols, depth*width*height, nil)
	for z := 0; z < depth; z++ {
		for i := 0; i < angles*cols; i++ {
			for j := 0; j < width*height; j++ {
				volume.Set(z*angles*cols+i, z*width*height+j, slice.At(i, j))
			}
		}
	}

	sliceOp, err := projection.NewMatrixOperator(slice, 1, angles, cols)
	require.NoError(t, err)
	volOp, err := projection.NewMatrixOperator(volume, depth, angles, cols)
	require.NoError(t, err)

	sino := randomSinogram(depth, angles, cols, 8, 0, 3)
	run := func(p projection.Projector) *Result {
		r, err := NewReconstructor(p, &Params{
			Sinogram:          sino,
			Width:             width,
			Height:            height,
			Depth:             depth,
			Iterations:        3,
			Subsets:           2,
			RingAlpha:         1,
			RingLambdaRL1:     1e-3,
			LipschitzConstant: 50,
			Logger:            quietLogger(),
		})
		require.NoError(t, err)
		res, err := r.Reconstruct(ctx, nil)
		require.NoError(t, err)
		return res
	}

	twoD := run(&projection.Slices{Op: sliceOp, Workers: 2})
	threeD := run(&projection.Native{Op: volOp})
	assert.InDeltaSlice(t, threeD.Volume.Data, twoD.Volume.Data, 1e-10)
	assert.InDeltaSlice(t, threeD.Objective, twoD.Objective, 1e-10)
	assert.InDeltaSlice(t, threeD.Ring, twoD.Ring, 1e-10)
}

func TestRegularizerRunsOncePerSubset(t *testing.T) {
	const angles, cols = 6, 2
	calls := 0
	reg := regularization.Func(func(_ context.Context, v *models.Volume) (*models.Volume, error) {
		calls++
		out := v.Clone()
		for i := range out.Data {
			out.Data[i] = 0
		}
		return out, nil
	})

	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:          randomSinogram(1, angles, cols, 9, 0, 1),
		Width:             cols,
		Height:            angles,
		Depth:             1,
		Iterations:        2,
		Subsets:           3,
		LipschitzConstant: 1,
		Regularizer:       reg,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	res, err := r.Reconstruct(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, make([]float64, angles*cols), res.Volume.Data)
}

func TestNonnegativityRegularizer(t *testing.T) {
	const angles, cols = 4, 2
	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:          randomSinogram(1, angles, cols, 10, -1, 1),
		Width:             cols,
		Height:            angles,
		Depth:             1,
		Iterations:        3,
		Subsets:           2,
		LipschitzConstant: 1,
		Regularizer:       regularization.Nonnegativity{},
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	res, err := r.Reconstruct(context.Background(), nil)
	require.NoError(t, err)
	for _, v := range res.Volume.Data {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestCheckFinite(t *testing.T) {
	const angles, cols = 4, 2
	poison := regularization.Func(func(_ context.Context, v *models.Volume) (*models.Volume, error) {
		v.Data[0] = math.NaN()
		return v, nil
	})

	params := func(check bool) *Params {
		return &Params{
			Sinogram:          randomSinogram(1, angles, cols, 11, 0, 1),
			Width:             cols,
			Height:            angles,
			Depth:             1,
			Iterations:        2,
			Subsets:           2,
			LipschitzConstant: 1,
			Regularizer:       poison,
			CheckFinite:       check,
			Logger:            quietLogger(),
		}
	}

	r, err := NewReconstructor(reshapeProjector(t, angles, cols), params(true))
	require.NoError(t, err)
	_, err = r.Reconstruct(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNonFinite)

	r, err = NewReconstructor(reshapeProjector(t, angles, cols), params(false))
	require.NoError(t, err)
	_, err = r.Reconstruct(context.Background(), nil)
	assert.NoError(t, err)
}

// failingProjector reports an error from the forward projection
type failingProjector struct{ err error }

func (f failingProjector) Forward(context.Context, *models.Volume, []int, *models.Sinogram) error {
	return f.err
}

func (f failingProjector) Backward(context.Context, *models.Sinogram, []int, *models.Volume) error {
	return f.err
}

func TestOracleFailureAbortsRun(t *testing.T) {
	boom := errors.New("gpu out of memory")
	r, err := NewReconstructor(failingProjector{err: boom}, &Params{
		Sinogram:          randomSinogram(1, 4, 2, 12, 0, 1),
		Width:             2,
		Height:            4,
		Depth:             1,
		Iterations:        2,
		Subsets:           2,
		LipschitzConstant: 1,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	_, err = r.Reconstruct(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestCancellationBetweenIterations(t *testing.T) {
	const angles, cols = 4, 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	cancelling := regularization.Func(func(_ context.Context, v *models.Volume) (*models.Volume, error) {
		calls++
		cancel()
		return v, nil
	})

	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:          randomSinogram(1, angles, cols, 13, 0, 1),
		Width:             cols,
		Height:            angles,
		Depth:             1,
		Iterations:        5,
		Subsets:           2,
		LipschitzConstant: 1,
		Regularizer:       cancelling,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	_, err = r.Reconstruct(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	// The first outer iteration still completes both subsets
	assert.Equal(t, 2, calls)
}

func TestLipschitzEstimatedOnce(t *testing.T) {
	const angles, cols = 4, 3
	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:        randomSinogram(1, angles, cols, 14, 0, 1),
		Width:           cols,
		Height:          angles,
		Depth:           1,
		Iterations:      1,
		Subsets:         2,
		PowerIterations: 10,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)

	l, err := r.Lipschitz(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, l, 1e-12)

	res, err := r.Reconstruct(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, l, res.Lipschitz)
}

func TestZeroOperatorLipschitzIsFatal(t *testing.T) {
	const angles, cols = 4, 3
	op, err := projection.NewMatrixOperator(mat.NewDense(angles*cols, angles*cols, nil), 1, angles, cols)
	require.NoError(t, err)

	r, err := NewReconstructor(&projection.Slices{Op: op}, &Params{
		Sinogram:        randomSinogram(1, angles, cols, 15, 0, 1),
		Width:           cols,
		Height:          angles,
		Depth:           1,
		Iterations:      1,
		Subsets:         1,
		PowerIterations: 5,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)

	_, err = r.Reconstruct(context.Background(), nil)
	assert.ErrorIs(t, err, ErrLipschitz)
}

func TestNewReconstructorValidation(t *testing.T) {
	proj := reshapeProjector(t, 4, 2)
	valid := func() *Params {
		return &Params{
			Sinogram:          models.NewSinogram(1, 4, 2),
			Width:             2,
			Height:            4,
			Depth:             1,
			Iterations:        1,
			Subsets:           2,
			LipschitzConstant: 1,
		}
	}

	tests := []struct {
		name   string
		mutate func(p *Params)
		want   error
	}{
		{"weights shape", func(p *Params) { p.Weights = models.NewSinogram(1, 3, 2) }, ErrShapeMismatch},
		{"ground truth shape", func(p *Params) { p.GroundTruth = models.NewVolume(2, 2, 1) }, ErrShapeMismatch},
		{"roi length", func(p *Params) { p.ROI = make([]bool, 3) }, ErrShapeMismatch},
		{"bad volume", func(p *Params) { p.Depth = 0 }, ErrShapeMismatch},
		{"broken sinogram", func(p *Params) { p.Sinogram.Data = p.Sinogram.Data[:3] }, ErrShapeMismatch},
		{"too many subsets", func(p *Params) { p.Subsets = 5 }, ErrInvalidParams},
		{"zero iterations", func(p *Params) { p.Iterations = 0 }, ErrInvalidParams},
		{"negative ring lambda", func(p *Params) { p.RingLambdaRL1 = -1 }, ErrInvalidParams},
		{"negative lipschitz", func(p *Params) { p.LipschitzConstant = -2 }, ErrLipschitz},
		{"no way to get lipschitz", func(p *Params) { p.LipschitzConstant = 0 }, ErrLipschitz},
		{"detector rows vs slices", func(p *Params) { p.Sinogram = models.NewSinogram(2, 4, 2) }, ErrShapeMismatch},
		{"operator angles", func(p *Params) { p.Sinogram = models.NewSinogram(1, 3, 2) }, ErrShapeMismatch},
		{"operator columns", func(p *Params) { p.Width = 3 }, ErrShapeMismatch},
		{"schedule not a partition", func(p *Params) {
			p.Schedule = &subsets.Schedule{Groups: []subsets.Group{{Indices: []int{0, 1}}, {Indices: []int{1, 2}}}}
		}, ErrShapeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			_, err := NewReconstructor(proj, p)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := NewReconstructor(proj, valid())
	assert.NoError(t, err)

	_, err = NewReconstructor(nil, valid())
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDetectorRowMismatchFailsBeforeIterating(t *testing.T) {
	_, err := NewReconstructor(reshapeProjector(t, 4, 4), &Params{
		Sinogram:          models.NewSinogram(2, 4, 4),
		Width:             4,
		Height:            4,
		Depth:             1,
		Iterations:        1,
		Subsets:           2,
		LipschitzConstant: 1,
		Logger:            quietLogger(),
	})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.ErrorIs(t, err, projection.ErrShape)
}

func TestCustomScheduleIsUsed(t *testing.T) {
	const angles, cols = 4, 2
	sino := randomSinogram(1, angles, cols, 16, 0, 1)
	schedule := &subsets.Schedule{Groups: []subsets.Group{{Indices: []int{0, 2}}, {Indices: []int{1, 3}}}, Angles: angles}

	r, err := NewReconstructor(reshapeProjector(t, angles, cols), &Params{
		Sinogram:          sino,
		Width:             cols,
		Height:            angles,
		Depth:             1,
		Iterations:        2,
		Schedule:          schedule,
		LipschitzConstant: 1,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	res, err := r.Reconstruct(context.Background(), nil)
	require.NoError(t, err)

	want := referenceOSFISTA(sino.Data, nil, angles, cols, [][]int{{0, 2}, {1, 3}}, 2, 1, 0, 0)
	assert.InDeltaSlice(t, want.x, res.Volume.Data, 1e-12)
}

func TestInitialVolumeShapeChecked(t *testing.T) {
	r, err := NewReconstructor(reshapeProjector(t, 4, 2), &Params{
		Sinogram:          models.NewSinogram(1, 4, 2),
		Width:             2,
		Height:            4,
		Depth:             1,
		Iterations:        1,
		Subsets:           1,
		LipschitzConstant: 1,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)

	_, err = r.Reconstruct(context.Background(), models.NewVolume(4, 2, 1))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
