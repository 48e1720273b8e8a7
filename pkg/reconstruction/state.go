package reconstruction

import (
	"osfista/internal/models"
	"osfista/pkg/subsets"
)

// SolverState is everything the outer loop and the subset sweep mutate.
// It is owned by a single Reconstruct call and never returned to callers.
type SolverState struct {
	// X is the current image estimate, XOld its value before the last subset step
	X, XOld *models.Volume

	// Xt is the extrapolated iterate that gets projected
	Xt *models.Volume

	// T is the FISTA momentum coefficient, TOld its value before the last subset step
	T, TOld float64

	// R is the ring bias per detector element (rows x cols), ROld its value at
	// the start of the outer iteration, Rx its extrapolation point
	R, ROld, Rx []float64

	grad *models.Volume

	// fullProj collects the forward projection of every subset during a sweep;
	// fullResidual is the ring-model residual over all angles
	fullProj, fullResidual *models.Sinogram

	// per-subset views into shared backing arrays sized for the largest group
	subProj, subResidual []*models.Sinogram

	// allAngles is 0..A-1
	allAngles []int
}

// newSolverState allocates all buffers once for a run
func newSolverState(x0 *models.Volume, sino *models.Sinogram, schedule subsets.Schedule, ring bool) *SolverState {
	s := &SolverState{
		X:    x0.Clone(),
		XOld: x0.Clone(),
		Xt:   x0.Clone(),
		T:    1,
		TOld: 1,
		grad: models.NewVolume(x0.Width, x0.Height, x0.Depth),
	}

	largest := 0
	for _, g := range schedule.Groups {
		if g.Count() > largest {
			largest = g.Count()
		}
	}
	projBuf := make([]float64, sino.Rows*largest*sino.Cols)
	residBuf := make([]float64, sino.Rows*largest*sino.Cols)

	s.subProj = make([]*models.Sinogram, schedule.Len())
	s.subResidual = make([]*models.Sinogram, schedule.Len())
	for i, g := range schedule.Groups {
		n := sino.Rows * g.Count() * sino.Cols
		s.subProj[i] = &models.Sinogram{Data: projBuf[:n], Rows: sino.Rows, Angles: g.Count(), Cols: sino.Cols}
		s.subResidual[i] = &models.Sinogram{Data: residBuf[:n], Rows: sino.Rows, Angles: g.Count(), Cols: sino.Cols}
	}

	if ring {
		plane := sino.PlaneLen()
		s.R = make([]float64, plane)
		s.ROld = make([]float64, plane)
		s.Rx = make([]float64, plane)
		s.fullProj = models.NewSinogram(sino.Rows, sino.Angles, sino.Cols)
		s.fullResidual = models.NewSinogram(sino.Rows, sino.Angles, sino.Cols)
		s.allAngles = make([]int, sino.Angles)
		for i := range s.allAngles {
			s.allAngles[i] = i
		}
	}
	return s
}

// subsetResidual writes W ⊙ (P − S − alpha·r_x) for the listed angles into dst
// and returns ½‖dst‖².
//
// proj and dst hold len(angles) angles; measured and weights are full
// sinograms indexed through angles. A nil weights sinogram means unit
// weights, a nil ringX drops the ring term.
func subsetResidual(dst, proj, measured, weights *models.Sinogram, angles []int, ringX []float64, alpha float64) float64 {
	var objective float64
	cols := measured.Cols
	for row := 0; row < measured.Rows; row++ {
		for k, a := range angles {
			src := measured.Index(row, a, 0)
			out := dst.Index(row, k, 0)
			for c := 0; c < cols; c++ {
				v := proj.Data[out+c] - measured.Data[src+c]
				if ringX != nil {
					v -= alpha * ringX[row*cols+c]
				}
				if weights != nil {
					v *= weights.Data[src+c]
				}
				dst.Data[out+c] = v
				objective += v * v
			}
		}
	}
	return 0.5 * objective
}
