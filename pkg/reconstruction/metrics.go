package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ValidationMetrics holds reconstruction quality metrics against a ground truth.
type ValidationMetrics struct {
	// RMSE (Root Mean Square Error) measures the average squared difference
	// between reference and reconstructed voxel intensities. Lower is better.
	RMSE float64

	// SSIM (Structural Similarity Index) compares luminance, contrast and
	// structure. Values range from -1 to 1, with 1 indicating identical data.
	SSIM float64
}

// CalculateMetrics compares a reconstruction with its reference, restricted to
// the voxels selected by roi (nil selects all).
func CalculateMetrics(reference, reconstructed []float64, roi []bool) ValidationMetrics {
	ref := masked(reference, roi)
	rec := masked(reconstructed, roi)
	return ValidationMetrics{
		RMSE: calculateRMSE(ref, rec),
		SSIM: calculateSSIM(ref, rec),
	}
}

// RMSE computes the root mean square error over the voxels selected by roi
func RMSE(reconstructed, reference []float64, roi []bool) float64 {
	if len(reconstructed) != len(reference) {
		return math.NaN()
	}
	var sum float64
	n := 0
	for i := range reconstructed {
		if roi != nil && !roi[i] {
			continue
		}
		diff := reconstructed[i] - reference[i]
		sum += diff * diff
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// BoxMask builds a region-of-interest mask selecting the box starting at
// (x, y, z) with the given size inside a width x height x depth volume.
func BoxMask(width, height, depth, x, y, z, w, h, d int) ([]bool, error) {
	if x < 0 || y < 0 || z < 0 || w <= 0 || h <= 0 || d <= 0 ||
		x+w > width || y+h > height || z+d > depth {
		return nil, fmt.Errorf("%w: region (%d,%d,%d)+(%d,%d,%d) outside %dx%dx%d volume",
			ErrShapeMismatch, x, y, z, w, h, d, width, height, depth)
	}
	mask := make([]bool, width*height*depth)
	for zz := z; zz < z+d; zz++ {
		for yy := y; yy < y+h; yy++ {
			for xx := x; xx < x+w; xx++ {
				mask[zz*width*height+yy*width+xx] = true
			}
		}
	}
	return mask, nil
}

// masked returns the elements selected by roi, or data itself when roi is nil
func masked(data []float64, roi []bool) []float64 {
	if roi == nil {
		return data
	}
	out := make([]float64, 0, len(data))
	for i, v := range data {
		if roi[i] {
			out = append(out, v)
		}
	}
	return out
}

// calculateRMSE computes the root mean square error
func calculateRMSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	return RMSE(reconstructed, original, nil)
}

// calculateSSIM computes the Structural Similarity Index
func calculateSSIM(original, reconstructed []float64) float64 {
	// Constants for SSIM calculation
	const L = 1.0 // Dynamic range
	const k1 = 0.01
	const k2 = 0.03

	c1 := (k1 * L) * (k1 * L)
	c2 := (k2 * L) * (k2 * L)

	n := len(original)
	if n != len(reconstructed) || n < 2 {
		return 0
	}

	muX := stat.Mean(original, nil)
	muY := stat.Mean(reconstructed, nil)

	sigmaX := stat.Variance(original, nil)
	sigmaY := stat.Variance(reconstructed, nil)
	sigmaXY := stat.Covariance(original, reconstructed, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)

	if den > 0 {
		return num / den
	}
	return 0
}
