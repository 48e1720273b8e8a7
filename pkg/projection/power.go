package projection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"osfista/internal/models"
)

// ErrPowerMethod is returned when the power iteration collapses to zero or
// produces a non-finite estimate.
var ErrPowerMethod = errors.New("projection: power method did not produce a usable estimate")

// PowerMethod estimates the largest eigenvalue of AᵀWA by power iteration,
// which is the Lipschitz constant of the weighted least-squares gradient.
//
// Parameters:
//   - vol: template volume; only its shape is used
//   - sino: template sinogram; only its shape is used
//   - weights: per-reading weights with the sinogram's shape, or nil for unit weights
//   - iterations: number of power iterations
func PowerMethod(ctx context.Context, p Projector, vol *models.Volume, sino *models.Sinogram, weights []float64, iterations int) (float64, error) {
	if iterations < 1 {
		return 0, fmt.Errorf("%w: need at least one iteration, got %d", ErrPowerMethod, iterations)
	}
	if weights != nil && len(weights) != sino.Len() {
		return 0, fmt.Errorf("%w: %d weights for %d readings", ErrShape, len(weights), sino.Len())
	}

	angles := make([]int, sino.Angles)
	for i := range angles {
		angles[i] = i
	}

	x := models.NewVolume(vol.Width, vol.Height, vol.Depth)
	y := models.NewSinogram(sino.Rows, sino.Angles, sino.Cols)

	// Fixed seed keeps the estimate reproducible between runs
	rng := rand.New(rand.NewSource(1))
	for i := range x.Data {
		x.Data[i] = rng.Float64()
	}
	floats.Scale(1/floats.Norm(x.Data, 2), x.Data)

	var s float64
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := p.Forward(ctx, x, angles, y); err != nil {
			return 0, fmt.Errorf("power method forward projection: %w", err)
		}
		if weights != nil {
			floats.Mul(y.Data, weights)
		}
		if err := p.Backward(ctx, y, angles, x); err != nil {
			return 0, fmt.Errorf("power method back projection: %w", err)
		}
		s = floats.Norm(x.Data, 2)
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return 0, fmt.Errorf("%w: norm %v at iteration %d", ErrPowerMethod, s, i)
		}
		floats.Scale(1/s, x.Data)
	}
	return s, nil
}
