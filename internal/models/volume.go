package models

import (
	"fmt"
)

// Volume represents a 3D image volume being reconstructed
type Volume struct {
	// Data is the 3D volume data as a 1D array in row-major order
	// (index z*Width*Height + y*Width + x)
	Data []float64

	// Width is the width of the volume in voxels (X)
	Width int

	// Height is the height of the volume in voxels (Y)
	Height int

	// Depth is the number of slices in the volume (Z)
	Depth int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume with the given dimensions
func NewVolume(width, height, depth int) *Volume {
	v := &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
	}
	v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 1, 1, 1
	return v
}

// Len returns the number of voxels
func (v *Volume) Len() int { return v.Width * v.Height * v.Depth }

// SliceLen returns the number of voxels in one z-slice
func (v *Volume) SliceLen() int { return v.Width * v.Height }

// Index returns the flat index of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// Slice returns a view of the z-th slice. Writes through the view modify the volume.
func (v *Volume) Slice(z int) []float64 {
	n := v.SliceLen()
	return v.Data[z*n : (z+1)*n]
}

// SameShape reports whether both volumes have identical dimensions
func (v *Volume) SameShape(o *Volume) bool {
	return v.Width == o.Width && v.Height == o.Height && v.Depth == o.Depth
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	c := *v
	c.Data = make([]float64, len(v.Data))
	copy(c.Data, v.Data)
	return &c
}

// CopyFrom overwrites v with the contents of src. Shapes must match.
func (v *Volume) CopyFrom(src *Volume) {
	copy(v.Data, src.Data)
}

// Validate checks that the data length agrees with the dimensions
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("volume dimensions must be positive, got %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Len() {
		return fmt.Errorf("volume data has %d elements, expected %d", len(v.Data), v.Len())
	}
	return nil
}

// Sinogram holds projection data indexed (detector-row, angle, detector-column).
//
// For 2D geometries each detector row is the sinogram of the matching volume slice.
type Sinogram struct {
	// Data is stored row-major: (row*Angles + angle)*Cols + col
	Data []float64

	// Rows is the number of detector rows
	Rows int

	// Angles is the number of projection angles
	Angles int

	// Cols is the number of detector columns
	Cols int
}

// NewSinogram allocates a zero-filled sinogram
func NewSinogram(rows, angles, cols int) *Sinogram {
	return &Sinogram{
		Data:   make([]float64, rows*angles*cols),
		Rows:   rows,
		Angles: angles,
		Cols:   cols,
	}
}

// Len returns the number of detector readings
func (s *Sinogram) Len() int { return s.Rows * s.Angles * s.Cols }

// PlaneLen returns the number of detector elements (rows x cols)
func (s *Sinogram) PlaneLen() int { return s.Rows * s.Cols }

// Index returns the flat index of (row, angle, col)
func (s *Sinogram) Index(row, angle, col int) int {
	return (row*s.Angles+angle)*s.Cols + col
}

// Row returns a view of the (angles x cols) sinogram of one detector row
func (s *Sinogram) Row(r int) []float64 {
	n := s.Angles * s.Cols
	return s.Data[r*n : (r+1)*n]
}

// Clone returns a deep copy of the sinogram
func (s *Sinogram) Clone() *Sinogram {
	c := *s
	c.Data = make([]float64, len(s.Data))
	copy(c.Data, s.Data)
	return &c
}

// Scatter writes angle k of sub into angle angles[k] of s.
// sub must have the same rows and cols as s and len(angles) angles.
func (s *Sinogram) Scatter(sub *Sinogram, angles []int) {
	for r := 0; r < s.Rows; r++ {
		for k, a := range angles {
			src := sub.Data[sub.Index(r, k, 0) : sub.Index(r, k, 0)+sub.Cols]
			copy(s.Data[s.Index(r, a, 0):s.Index(r, a, 0)+s.Cols], src)
		}
	}
}

// Validate checks that the data length agrees with the dimensions
func (s *Sinogram) Validate() error {
	if s.Rows <= 0 || s.Angles <= 0 || s.Cols <= 0 {
		return fmt.Errorf("sinogram dimensions must be positive, got %dx%dx%d", s.Rows, s.Angles, s.Cols)
	}
	if len(s.Data) != s.Len() {
		return fmt.Errorf("sinogram data has %d elements, expected %d", len(s.Data), s.Len())
	}
	return nil
}
