// Package projection defines the forward/back-projection contract the solver
// drives and adapts 2D (slice-by-slice) and 3D (whole-volume) operators to it.
//
// The operators themselves live outside this module; the only concrete
// operator here is MatrixOperator, which applies a precomputed system matrix.
package projection

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"osfista/internal/models"
	"osfista/pkg/geometry"
)

var (
	// ErrOperatorMismatch is returned when an operator does not support the
	// geometry family it was paired with.
	ErrOperatorMismatch = errors.New("projection: operator does not support geometry kind")

	// ErrShape is returned when volume and sinogram shapes disagree with the operator.
	ErrShape = errors.New("projection: shape mismatch")
)

// Projector is the forward/adjoint pair consumed by the reconstruction loop.
//
// Forward projects vol for the listed angles into dst, which has
// len(angles) angles. Backward applies the adjoint of Forward for the same
// angle list and overwrites dst.
type Projector interface {
	Forward(ctx context.Context, vol *models.Volume, angles []int, dst *models.Sinogram) error
	Backward(ctx context.Context, sino *models.Sinogram, angles []int, dst *models.Volume) error
}

// ShapeChecker is implemented by projectors and operators that can verify a
// volume/sinogram pair up front. Only the dimensions of vol and sino are read.
type ShapeChecker interface {
	CheckShape(vol *models.Volume, sino *models.Sinogram) error
}

// CheckShape verifies vol and sino against p when p implements ShapeChecker.
// Projectors without the method are accepted.
func CheckShape(p any, vol *models.Volume, sino *models.Sinogram) error {
	if sc, ok := p.(ShapeChecker); ok {
		return sc.CheckShape(vol, sino)
	}
	return nil
}

// SliceOperator projects a single 2D image (Width*Height values) to a
// single-row sinogram (len(angles)*Cols values) and back.
type SliceOperator interface {
	ForwardSlice(ctx context.Context, image []float64, angles []int, dst []float64) error
	BackwardSlice(ctx context.Context, sino []float64, angles []int, dst []float64) error
}

// VolumeOperator projects a whole volume in one call.
type VolumeOperator interface {
	ForwardVolume(ctx context.Context, vol *models.Volume, angles []int, dst *models.Sinogram) error
	BackwardVolume(ctx context.Context, sino *models.Sinogram, angles []int, dst *models.Volume) error
}

// New pairs an operator with a geometry family. The choice between the
// slice-by-slice and the native path is made here, once.
//
// Parameters:
//   - kind: geometry family
//   - op: a SliceOperator for Geometry2D or a VolumeOperator for Geometry3D
//   - workers: maximum number of slices projected concurrently in 2D mode (<=0 means 1)
func New(kind geometry.Kind, op any, workers int) (Projector, error) {
	switch kind {
	case geometry.Geometry2D:
		so, ok := op.(SliceOperator)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a slice operator", ErrOperatorMismatch, op)
		}
		return &Slices{Op: so, Workers: workers}, nil
	case geometry.Geometry3D:
		vo, ok := op.(VolumeOperator)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a volume operator", ErrOperatorMismatch, op)
		}
		return &Native{Op: vo}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrOperatorMismatch, kind)
	}
}

// Slices runs a SliceOperator over every z-slice of the volume. Detector row z
// of the sinogram holds the projection of slice z.
type Slices struct {
	Op      SliceOperator
	Workers int
}

// Forward implements Projector
func (s *Slices) Forward(ctx context.Context, vol *models.Volume, angles []int, dst *models.Sinogram) error {
	if dst.Rows != vol.Depth || dst.Angles != len(angles) {
		return fmt.Errorf("%w: %d slices, %d angles vs sinogram %dx%dx%d",
			ErrShape, vol.Depth, len(angles), dst.Rows, dst.Angles, dst.Cols)
	}
	return s.each(ctx, vol.Depth, func(ctx context.Context, z int) error {
		if err := s.Op.ForwardSlice(ctx, vol.Slice(z), angles, dst.Row(z)); err != nil {
			return fmt.Errorf("forward projection of slice %d: %w", z, err)
		}
		return nil
	})
}

// Backward implements Projector
func (s *Slices) Backward(ctx context.Context, sino *models.Sinogram, angles []int, dst *models.Volume) error {
	if sino.Rows != dst.Depth || sino.Angles != len(angles) {
		return fmt.Errorf("%w: %d slices, %d angles vs sinogram %dx%dx%d",
			ErrShape, dst.Depth, len(angles), sino.Rows, sino.Angles, sino.Cols)
	}
	return s.each(ctx, dst.Depth, func(ctx context.Context, z int) error {
		if err := s.Op.BackwardSlice(ctx, sino.Row(z), angles, dst.Slice(z)); err != nil {
			return fmt.Errorf("back projection of slice %d: %w", z, err)
		}
		return nil
	})
}

// CheckShape implements ShapeChecker. Every slice needs its own detector row,
// and the slice operator is checked against one slice and one row.
func (s *Slices) CheckShape(vol *models.Volume, sino *models.Sinogram) error {
	if sino.Rows != vol.Depth {
		return fmt.Errorf("%w: %d slices vs %d detector rows", ErrShape, vol.Depth, sino.Rows)
	}
	return CheckShape(s.Op,
		&models.Volume{Width: vol.Width, Height: vol.Height, Depth: 1},
		&models.Sinogram{Rows: 1, Angles: sino.Angles, Cols: sino.Cols})
}

// each calls fn for slices 0..n-1, at most Workers at a time. Slices write
// disjoint views so no further synchronisation is needed.
func (s *Slices) each(ctx context.Context, n int, fn func(context.Context, int) error) error {
	workers := s.Workers
	if workers <= 1 {
		for z := 0; z < n; z++ {
			if err := fn(ctx, z); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for z := 0; z < n; z++ {
		z := z
		g.Go(func() error { return fn(gctx, z) })
	}
	return g.Wait()
}

// Native forwards calls to a VolumeOperator
type Native struct {
	Op VolumeOperator
}

// CheckShape implements ShapeChecker by deferring to the volume operator
func (n *Native) CheckShape(vol *models.Volume, sino *models.Sinogram) error {
	return CheckShape(n.Op, vol, sino)
}

// Forward implements Projector
func (n *Native) Forward(ctx context.Context, vol *models.Volume, angles []int, dst *models.Sinogram) error {
	if dst.Angles != len(angles) {
		return fmt.Errorf("%w: %d angles vs sinogram with %d", ErrShape, len(angles), dst.Angles)
	}
	return n.Op.ForwardVolume(ctx, vol, angles, dst)
}

// Backward implements Projector
func (n *Native) Backward(ctx context.Context, sino *models.Sinogram, angles []int, dst *models.Volume) error {
	if sino.Angles != len(angles) {
		return fmt.Errorf("%w: %d angles vs sinogram with %d", ErrShape, len(angles), sino.Angles)
	}
	return n.Op.BackwardVolume(ctx, sino, angles, dst)
}
