package projection

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"osfista/internal/models"
)

// MatrixOperator applies a precomputed system matrix.
//
// Matrix rows follow sinogram order: (row*Angles + angle)*Cols + col. For use
// as a SliceOperator the matrix describes one slice and Rows must be 1; the
// matrix columns are then the Width*Height pixels of a slice. As a
// VolumeOperator the columns are all voxels of the volume.
type MatrixOperator struct {
	A      mat.Matrix
	Rows   int
	Angles int
	Cols   int
}

// NewMatrixOperator checks that the matrix row count matches the detector layout
func NewMatrixOperator(a mat.Matrix, rows, angles, cols int) (*MatrixOperator, error) {
	r, _ := a.Dims()
	if r != rows*angles*cols {
		return nil, fmt.Errorf("%w: system matrix has %d rows, detector layout needs %d",
			ErrShape, r, rows*angles*cols)
	}
	return &MatrixOperator{A: a, Rows: rows, Angles: angles, Cols: cols}, nil
}

func (m *MatrixOperator) dot(i int, x []float64) float64 {
	if rv, ok := m.A.(mat.RawRowViewer); ok {
		return floats.Dot(rv.RawRowView(i), x)
	}
	_, n := m.A.Dims()
	var sum float64
	for j := 0; j < n; j++ {
		sum += m.A.At(i, j) * x[j]
	}
	return sum
}

func (m *MatrixOperator) addRow(dst []float64, i int, alpha float64) {
	if rv, ok := m.A.(mat.RawRowViewer); ok {
		floats.AddScaled(dst, alpha, rv.RawRowView(i))
		return
	}
	for j := range dst {
		dst[j] += alpha * m.A.At(i, j)
	}
}

func (m *MatrixOperator) checkAngles(angles []int) error {
	for _, a := range angles {
		if a < 0 || a >= m.Angles {
			return fmt.Errorf("%w: angle index %d outside 0..%d", ErrShape, a, m.Angles-1)
		}
	}
	return nil
}

func (m *MatrixOperator) checkColumns(n int) error {
	if _, c := m.A.Dims(); c != n {
		return fmt.Errorf("%w: system matrix has %d columns, image has %d values", ErrShape, c, n)
	}
	return nil
}

// CheckShape implements ShapeChecker. The detector layout must match sino and
// the matrix must have one column per voxel of vol.
func (m *MatrixOperator) CheckShape(vol *models.Volume, sino *models.Sinogram) error {
	if sino.Rows != m.Rows || sino.Angles != m.Angles || sino.Cols != m.Cols {
		return fmt.Errorf("%w: sinogram %dx%dx%d, operator %dx%dx%d",
			ErrShape, sino.Rows, sino.Angles, sino.Cols, m.Rows, m.Angles, m.Cols)
	}
	return m.checkColumns(vol.Width * vol.Height * vol.Depth)
}

// ForwardSlice implements SliceOperator
func (m *MatrixOperator) ForwardSlice(_ context.Context, image []float64, angles []int, dst []float64) error {
	if m.Rows != 1 {
		return fmt.Errorf("%w: slice projection needs a single detector row, have %d", ErrShape, m.Rows)
	}
	if err := m.checkColumns(len(image)); err != nil {
		return err
	}
	if err := m.checkAngles(angles); err != nil {
		return err
	}
	for k, a := range angles {
		for c := 0; c < m.Cols; c++ {
			dst[k*m.Cols+c] = m.dot(a*m.Cols+c, image)
		}
	}
	return nil
}

// BackwardSlice implements SliceOperator
func (m *MatrixOperator) BackwardSlice(_ context.Context, sino []float64, angles []int, dst []float64) error {
	if m.Rows != 1 {
		return fmt.Errorf("%w: slice projection needs a single detector row, have %d", ErrShape, m.Rows)
	}
	if err := m.checkColumns(len(dst)); err != nil {
		return err
	}
	if err := m.checkAngles(angles); err != nil {
		return err
	}
	clear(dst)
	for k, a := range angles {
		for c := 0; c < m.Cols; c++ {
			if v := sino[k*m.Cols+c]; v != 0 {
				m.addRow(dst, a*m.Cols+c, v)
			}
		}
	}
	return nil
}

// ForwardVolume implements VolumeOperator
func (m *MatrixOperator) ForwardVolume(_ context.Context, vol *models.Volume, angles []int, dst *models.Sinogram) error {
	if err := m.checkColumns(len(vol.Data)); err != nil {
		return err
	}
	if err := m.checkAngles(angles); err != nil {
		return err
	}
	if dst.Rows != m.Rows || dst.Cols != m.Cols {
		return fmt.Errorf("%w: sinogram %dx%d detector, operator %dx%d", ErrShape, dst.Rows, dst.Cols, m.Rows, m.Cols)
	}
	for r := 0; r < m.Rows; r++ {
		for k, a := range angles {
			for c := 0; c < m.Cols; c++ {
				dst.Data[dst.Index(r, k, c)] = m.dot((r*m.Angles+a)*m.Cols+c, vol.Data)
			}
		}
	}
	return nil
}

// BackwardVolume implements VolumeOperator
func (m *MatrixOperator) BackwardVolume(_ context.Context, sino *models.Sinogram, angles []int, dst *models.Volume) error {
	if err := m.checkColumns(len(dst.Data)); err != nil {
		return err
	}
	if err := m.checkAngles(angles); err != nil {
		return err
	}
	if sino.Rows != m.Rows || sino.Cols != m.Cols {
		return fmt.Errorf("%w: sinogram %dx%d detector, operator %dx%d", ErrShape, sino.Rows, sino.Cols, m.Rows, m.Cols)
	}
	clear(dst.Data)
	for r := 0; r < m.Rows; r++ {
		for k, a := range angles {
			for c := 0; c < m.Cols; c++ {
				if v := sino.Data[sino.Index(r, k, c)]; v != 0 {
					m.addRow(dst.Data, (r*m.Angles+a)*m.Cols+c, v)
				}
			}
		}
	}
	return nil
}
