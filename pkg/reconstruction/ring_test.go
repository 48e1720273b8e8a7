package reconstruction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"osfista/internal/models"
)

func TestNextMomentum(t *testing.T) {
	assert.InDelta(t, (1+math.Sqrt(5))/2, NextMomentum(1), 1e-15)

	prev := 1.0
	for i := 0; i < 100; i++ {
		next := NextMomentum(prev)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestSoftThreshold(t *testing.T) {
	src := []float64{-3, -0.5, 0, 0.5, 2, 1}
	dst := make([]float64, len(src))
	SoftThreshold(dst, src, 1)
	assert.InDeltaSlice(t, []float64{-2, 0, 0, 0, 1, 0}, dst, 1e-15)

	// Re-applying the same threshold keeps zeroed entries at zero and
	// shrinks the rest again
	again := make([]float64, len(dst))
	SoftThreshold(again, dst, 1)
	for i, v := range dst {
		if v == 0 {
			assert.Zero(t, again[i], "index %d", i)
		}
	}
	assert.InDeltaSlice(t, []float64{-1, 0, 0, 0, 0, 0}, again, 1e-15)

	// Zero threshold is the identity
	same := make([]float64, len(dst))
	SoftThreshold(same, dst, 0)
	assert.Equal(t, dst, same)

	// In place
	SoftThreshold(src, src, 0.5)
	assert.InDeltaSlice(t, []float64{-2.5, 0, 0, 0, 1.5, 0.5}, src, 1e-15)
}

func TestExtrapolate(t *testing.T) {
	dst := make([]float64, 3)
	extrapolate(dst, []float64{1, 2, 3}, []float64{0, 2, 4}, 0.5)
	assert.Equal(t, []float64{1.5, 2, 2.5}, dst)
}

func TestUpdateRingFromResidual(t *testing.T) {
	// 2 rows, 3 angles, 2 cols
	residual := []float64{
		1, 2, 3, 4, 5, 6,
		-1, 0, 1, 0, 2, 2,
	}
	rx := []float64{10, 20, 30, 40}
	r := make([]float64, 4)
	updateRingFromResidual(r, rx, residual, 2, 3, 2, 2)
	// column sums: row 0 -> 9, 12; row 1 -> 2, 2
	assert.Equal(t, []float64{5.5, 14, 29, 39}, r)
}

func TestSubsetResidualWithoutRing(t *testing.T) {
	measured := &models.Sinogram{Data: []float64{
		1, 2, // angle 0
		3, 4, // angle 1
		5, 6, // angle 2
	}, Rows: 1, Angles: 3, Cols: 2}
	weights := &models.Sinogram{Data: []float64{
		1, 1,
		2, 0.5,
		3, 0,
	}, Rows: 1, Angles: 3, Cols: 2}
	proj := &models.Sinogram{Data: []float64{
		4, 4, // angle 2
		0, 6, // angle 1
	}, Rows: 1, Angles: 2, Cols: 2}
	dst := models.NewSinogram(1, 2, 2)

	objective := subsetResidual(dst, proj, measured, weights, []int{2, 1}, nil, 21)
	want := []float64{
		3 * (4 - 5), 0 * (4 - 6),
		2 * (0 - 3), 0.5 * (6 - 4),
	}
	assert.Equal(t, want, dst.Data)
	assert.InDelta(t, 0.5*(9+0+36+1), objective, 1e-15)

	// Unit weights
	objective = subsetResidual(dst, proj, measured, nil, []int{2, 1}, nil, 0)
	assert.Equal(t, []float64{-1, -2, -3, 2}, dst.Data)
	assert.InDelta(t, 0.5*(1+4+9+4), objective, 1e-15)
}

func TestSubsetResidualWithRing(t *testing.T) {
	measured := &models.Sinogram{Data: []float64{
		1, 1, 1, // row 0, angle 0
		1, 1, 1, // row 0, angle 1
		2, 2, 2, // row 1, angle 0
		2, 2, 2, // row 1, angle 1
	}, Rows: 2, Angles: 2, Cols: 3}
	proj := &models.Sinogram{Data: []float64{
		1, 1, 1,
		2, 2, 2,
	}, Rows: 2, Angles: 1, Cols: 3}
	ringX := []float64{0, 1, 2, 0, -1, 0}
	dst := models.NewSinogram(2, 1, 3)

	subsetResidual(dst, proj, measured, nil, []int{1}, ringX, 0.5)
	assert.Equal(t, []float64{0, -0.5, -1, 0, 0.5, 0}, dst.Data)
}
