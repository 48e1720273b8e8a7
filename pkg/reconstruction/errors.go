package reconstruction

import "errors"

var (
	// ErrShapeMismatch is returned before iteration when sinogram, weights,
	// volume, ground truth or subset schedule disagree.
	ErrShapeMismatch = errors.New("reconstruction: input shape mismatch")

	// ErrLipschitz is returned when the Lipschitz constant is zero,
	// negative or non-finite after estimation.
	ErrLipschitz = errors.New("reconstruction: invalid Lipschitz constant")

	// ErrNonFinite is returned when finite checking is enabled and the image
	// acquires NaN or Inf values.
	ErrNonFinite = errors.New("reconstruction: non-finite values in image")

	// ErrInvalidParams is returned for out-of-range scalar parameters.
	ErrInvalidParams = errors.New("reconstruction: invalid parameters")
)
