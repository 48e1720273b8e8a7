package reconstruction

import "math"

// NextMomentum returns the FISTA coefficient following t: (1+√(1+4t²))/2
func NextMomentum(t float64) float64 {
	return (1 + math.Sqrt(1+4*t*t)) / 2
}

// SoftThreshold writes sign(v)·max(|v|−lambda, 0) of every src element into dst.
// dst and src may alias.
func SoftThreshold(dst, src []float64, lambda float64) {
	for i, v := range src {
		m := math.Abs(v) - lambda
		if m <= 0 {
			dst[i] = 0
			continue
		}
		dst[i] = math.Copysign(m, v)
	}
}

// extrapolate writes x + coef·(x − old) into dst
func extrapolate(dst, x, old []float64, coef float64) {
	for i := range dst {
		dst[i] = x[i] + coef*(x[i]-old[i])
	}
}

// updateRingFromResidual sets r = r_x − (1/L)·Σ_angles residual, where the
// residual has (rows, angles, cols) layout and r has (rows, cols) layout.
func updateRingFromResidual(r, rx, residual []float64, rows, angles, cols int, lipschitz float64) {
	for row := 0; row < rows; row++ {
		for c := 0; c < cols; c++ {
			var sum float64
			for a := 0; a < angles; a++ {
				sum += residual[(row*angles+a)*cols+c]
			}
			r[row*cols+c] = rx[row*cols+c] - sum/lipschitz
		}
	}
}
