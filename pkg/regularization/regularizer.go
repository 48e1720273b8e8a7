// Package regularization defines the image regulariser contract used once per
// subset step. Denoisers such as FGP-TV are supplied by the caller.
package regularization

import (
	"context"
	"fmt"

	"osfista/internal/models"
)

// Params are the tuning knobs passed to an external regulariser
type Params struct {
	// Algorithm names the regulariser, e.g. "FGP_TV" or "ROF_TV"
	Algorithm string `yaml:"algorithm" validate:"omitempty"`

	// RegularizationParameter is the strength of the penalty
	RegularizationParameter float64 `yaml:"regularization_parameter" validate:"gte=0"`

	// NumberOfIterations bounds the inner denoising iterations
	NumberOfIterations int `yaml:"number_of_iterations" validate:"gte=0"`

	// ToleranceConstant stops the inner iterations early
	ToleranceConstant float64 `yaml:"tolerance_constant" validate:"gte=0"`
}

// Regularizer denoises a volume in place and returns it, or returns a new volume
// of the same shape.
type Regularizer interface {
	Apply(ctx context.Context, vol *models.Volume) (*models.Volume, error)
}

// Func adapts a function to the Regularizer interface
type Func func(ctx context.Context, vol *models.Volume) (*models.Volume, error)

// Apply implements Regularizer
func (f Func) Apply(ctx context.Context, vol *models.Volume) (*models.Volume, error) {
	return f(ctx, vol)
}

// Apply runs r on vol. A nil regulariser is the identity.
func Apply(ctx context.Context, r Regularizer, vol *models.Volume) (*models.Volume, error) {
	if r == nil {
		return vol, nil
	}
	out, err := r.Apply(ctx, vol)
	if err != nil {
		return nil, err
	}
	if out == nil || !out.SameShape(vol) || len(out.Data) != len(vol.Data) {
		return nil, fmt.Errorf("regularizer returned a volume with a different shape")
	}
	return out, nil
}

// Chain applies regularisers in order. Nil entries are skipped.
type Chain []Regularizer

// Apply implements Regularizer
func (c Chain) Apply(ctx context.Context, vol *models.Volume) (*models.Volume, error) {
	var err error
	for i, r := range c {
		vol, err = Apply(ctx, r, vol)
		if err != nil {
			return nil, fmt.Errorf("regularizer %d: %w", i, err)
		}
	}
	return vol, nil
}

// Nonnegativity clamps negative voxels to zero
type Nonnegativity struct{}

// Apply implements Regularizer
func (Nonnegativity) Apply(_ context.Context, vol *models.Volume) (*models.Volume, error) {
	for i, v := range vol.Data {
		if v < 0 {
			vol.Data[i] = 0
		}
	}
	return vol, nil
}
