// Package dataset reads tomography inputs from HDF5 containers and writes
// reconstruction results back to HDF5.
//
// Input layout:
//
//	/projections            float, (angles, detector rows, detector cols)
//	/angles                 float, projection angles in radians
//	/reconstruction_volume  int, (X, Y, Z) volume size
//	/camera/size            int, (detector cols, detector rows)
//	/camera/spacing         float, (spacing x, spacing y)
//	/weights                optional, same shape as /projections
//	/ground_truth           optional, (Z, Y, X)
//	/roi                    optional, (Z, Y, X), non-zero selects a voxel
//	/system_matrix          optional, (readings, voxels) or (readings, slice pixels)
//
// Output layout:
//
//	/reconstruction  float64, (Z, Y, X)
//	/objective       float64, one value per outer iteration
//	/rmse            float64, present when a ground truth was supplied
//	/ring            float64, (detector rows, detector cols), present when the ring model ran
//	/lipschitz       float64, the step bound used
package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/hdf5"

	"osfista/internal/models"
	"osfista/pkg/geometry"
	"osfista/pkg/reconstruction"
)

var (
	// ErrMissing is returned when a required dataset is absent from the container.
	ErrMissing = errors.New("dataset: required dataset missing")

	// ErrShape is returned when datasets in a container disagree on dimensions.
	ErrShape = errors.New("dataset: inconsistent dimensions")

	// ErrType is returned for datasets whose element type cannot be read as numbers.
	ErrType = errors.New("dataset: unsupported element type")
)

// Data is the content of an input container, already rearranged into the
// solver's (rows, angles, cols) sinogram layout.
type Data struct {
	Sinogram *models.Sinogram

	// Angles are the projection angles in radians
	Angles []float64

	// Width, Height and Depth are the reconstruction volume size
	Width, Height, Depth int

	Detector geometry.Detector

	// Optional inputs; nil when absent
	Weights      *models.Sinogram
	GroundTruth  *models.Volume
	ROI          []bool
	SystemMatrix *mat.Dense
}

// Load reads an input container
func Load(path string) (*Data, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	for _, name := range []string{"projections", "angles", "reconstruction_volume", "camera"} {
		if !f.LinkExists(name) {
			return nil, fmt.Errorf("%w: /%s in %s", ErrMissing, name, path)
		}
	}

	d := &Data{}

	angles, _, err := readFloats(f, "angles")
	if err != nil {
		return nil, err
	}
	d.Angles = angles

	size, _, err := readFloats(f, "reconstruction_volume")
	if err != nil {
		return nil, err
	}
	if len(size) != 3 {
		return nil, fmt.Errorf("%w: /reconstruction_volume has %d values, expected 3", ErrShape, len(size))
	}
	d.Width, d.Height, d.Depth = int(size[0]), int(size[1]), int(size[2])
	if d.Width <= 0 || d.Height <= 0 || d.Depth <= 0 {
		return nil, fmt.Errorf("%w: volume %dx%dx%d", ErrShape, d.Width, d.Height, d.Depth)
	}

	camera, _, err := readFloats(f, "camera/size")
	if err != nil {
		return nil, err
	}
	if len(camera) != 2 {
		return nil, fmt.Errorf("%w: /camera/size has %d values, expected 2", ErrShape, len(camera))
	}
	d.Detector = geometry.Detector{Cols: int(camera[0]), Rows: int(camera[1]), SpacingX: 1, SpacingY: 1}

	if f.LinkExists("camera/spacing") {
		spacing, _, err := readFloats(f, "camera/spacing")
		if err != nil {
			return nil, err
		}
		if len(spacing) != 2 {
			return nil, fmt.Errorf("%w: /camera/spacing has %d values, expected 2", ErrShape, len(spacing))
		}
		d.Detector.SpacingX, d.Detector.SpacingY = spacing[0], spacing[1]
	}

	d.Sinogram, err = readSinogram(f, "projections", len(d.Angles), d.Detector)
	if err != nil {
		return nil, err
	}

	if f.LinkExists("weights") {
		if d.Weights, err = readSinogram(f, "weights", len(d.Angles), d.Detector); err != nil {
			return nil, err
		}
	}

	voxels := d.Width * d.Height * d.Depth
	if f.LinkExists("ground_truth") {
		data, _, err := readFloats(f, "ground_truth")
		if err != nil {
			return nil, err
		}
		if len(data) != voxels {
			return nil, fmt.Errorf("%w: /ground_truth has %d voxels, volume has %d", ErrShape, len(data), voxels)
		}
		d.GroundTruth = models.NewVolume(d.Width, d.Height, d.Depth)
		copy(d.GroundTruth.Data, data)
	}

	if f.LinkExists("roi") {
		data, _, err := readFloats(f, "roi")
		if err != nil {
			return nil, err
		}
		if len(data) != voxels {
			return nil, fmt.Errorf("%w: /roi has %d voxels, volume has %d", ErrShape, len(data), voxels)
		}
		d.ROI = make([]bool, voxels)
		for i, v := range data {
			d.ROI[i] = v != 0
		}
	}

	if f.LinkExists("system_matrix") {
		data, dims, err := readFloats(f, "system_matrix")
		if err != nil {
			return nil, err
		}
		// either one slice (2D geometries) or the whole volume
		if len(dims) != 2 || (int(dims[1]) != voxels && int(dims[1]) != d.Width*d.Height) {
			return nil, fmt.Errorf("%w: /system_matrix dims %v for %d voxels", ErrShape, dims, voxels)
		}
		d.SystemMatrix = mat.NewDense(int(dims[0]), int(dims[1]), data)
	}

	return d, nil
}

// Save writes d as an input container, overwriting any existing file
func Save(path string, d *Data) error {
	if err := d.Sinogram.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrShape, err)
	}
	if d.ROI != nil && len(d.ROI) != d.Width*d.Height*d.Depth {
		return fmt.Errorf("%w: mask has %d voxels, volume has %d", ErrShape, len(d.ROI), d.Width*d.Height*d.Depth)
	}

	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	s := d.Sinogram
	if err := writeFloats(f, "projections", toAngleMajor(s), uint(s.Angles), uint(s.Rows), uint(s.Cols)); err != nil {
		return err
	}
	if err := writeFloats(f, "angles", d.Angles, uint(len(d.Angles))); err != nil {
		return err
	}
	if err := writeInts(f, "reconstruction_volume", []int32{int32(d.Width), int32(d.Height), int32(d.Depth)}); err != nil {
		return err
	}

	camera, err := f.CreateGroup("camera")
	if err != nil {
		return fmt.Errorf("error creating /camera: %w", err)
	}
	defer camera.Close()
	if err := writeInts(camera, "size", []int32{int32(d.Detector.Cols), int32(d.Detector.Rows)}); err != nil {
		return err
	}
	if err := writeFloats(camera, "spacing", []float64{d.Detector.SpacingX, d.Detector.SpacingY}, 2); err != nil {
		return err
	}

	if w := d.Weights; w != nil {
		if err := writeFloats(f, "weights", toAngleMajor(w), uint(w.Angles), uint(w.Rows), uint(w.Cols)); err != nil {
			return err
		}
	}
	if gt := d.GroundTruth; gt != nil {
		if err := writeFloats(f, "ground_truth", gt.Data, uint(gt.Depth), uint(gt.Height), uint(gt.Width)); err != nil {
			return err
		}
	}
	if d.ROI != nil {
		roi := make([]float64, len(d.ROI))
		for i, in := range d.ROI {
			if in {
				roi[i] = 1
			}
		}
		if err := writeFloats(f, "roi", roi, uint(d.Depth), uint(d.Height), uint(d.Width)); err != nil {
			return err
		}
	}
	if m := d.SystemMatrix; m != nil {
		r, c := m.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, m.RawRowView(i)...)
		}
		if err := writeFloats(f, "system_matrix", data, uint(r), uint(c)); err != nil {
			return err
		}
	}
	return nil
}

// WriteResult writes a reconstruction result, overwriting any existing file
func WriteResult(path string, res *reconstruction.Result, ringRows, ringCols int) error {
	if res == nil || res.Volume == nil {
		return fmt.Errorf("%w: no reconstruction to write", ErrMissing)
	}

	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	v := res.Volume
	if err := writeFloats(f, "reconstruction", v.Data, uint(v.Depth), uint(v.Height), uint(v.Width)); err != nil {
		return err
	}
	if err := writeFloats(f, "objective", res.Objective, uint(len(res.Objective))); err != nil {
		return err
	}
	if res.RMSE != nil {
		if err := writeFloats(f, "rmse", res.RMSE, uint(len(res.RMSE))); err != nil {
			return err
		}
	}
	if res.Ring != nil {
		if ringRows*ringCols != len(res.Ring) {
			return fmt.Errorf("%w: ring has %d values, expected %dx%d", ErrShape, len(res.Ring), ringRows, ringCols)
		}
		if err := writeFloats(f, "ring", res.Ring, uint(ringRows), uint(ringCols)); err != nil {
			return err
		}
	}
	return writeFloats(f, "lipschitz", []float64{res.Lipschitz}, 1)
}

// Output is the content of a result container
type Output struct {
	Volume    *models.Volume
	Objective []float64
	RMSE      []float64
	Ring      []float64
	Lipschitz float64
}

// ReadResult reads a container written by WriteResult
func ReadResult(path string) (*Output, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	for _, name := range []string{"reconstruction", "objective", "lipschitz"} {
		if !f.LinkExists(name) {
			return nil, fmt.Errorf("%w: /%s in %s", ErrMissing, name, path)
		}
	}

	data, dims, err := readFloats(f, "reconstruction")
	if err != nil {
		return nil, err
	}
	if len(dims) != 3 {
		return nil, fmt.Errorf("%w: /reconstruction has rank %d", ErrShape, len(dims))
	}
	out := &Output{Volume: models.NewVolume(int(dims[2]), int(dims[1]), int(dims[0]))}
	copy(out.Volume.Data, data)

	if out.Objective, _, err = readFloats(f, "objective"); err != nil {
		return nil, err
	}
	if f.LinkExists("rmse") {
		if out.RMSE, _, err = readFloats(f, "rmse"); err != nil {
			return nil, err
		}
	}
	if f.LinkExists("ring") {
		if out.Ring, _, err = readFloats(f, "ring"); err != nil {
			return nil, err
		}
	}
	l, _, err := readFloats(f, "lipschitz")
	if err != nil {
		return nil, err
	}
	if len(l) == 1 {
		out.Lipschitz = l[0]
	}
	return out, nil
}

// readSinogram reads an (angles, rows, cols) dataset into (rows, angles, cols) order
func readSinogram(f *hdf5.File, name string, angles int, det geometry.Detector) (*models.Sinogram, error) {
	data, dims, err := readFloats(f, name)
	if err != nil {
		return nil, err
	}
	if len(dims) != 3 || int(dims[0]) != angles || int(dims[1]) != det.Rows || int(dims[2]) != det.Cols {
		return nil, fmt.Errorf("%w: /%s dims %v, expected [%d %d %d]", ErrShape, name, dims, angles, det.Rows, det.Cols)
	}

	s := models.NewSinogram(det.Rows, angles, det.Cols)
	for a := 0; a < angles; a++ {
		for r := 0; r < det.Rows; r++ {
			src := (a*det.Rows + r) * det.Cols
			copy(s.Data[s.Index(r, a, 0):s.Index(r, a, 0)+det.Cols], data[src:src+det.Cols])
		}
	}
	return s, nil
}

// toAngleMajor rearranges a sinogram into the (angles, rows, cols) file layout
func toAngleMajor(s *models.Sinogram) []float64 {
	out := make([]float64, len(s.Data))
	for a := 0; a < s.Angles; a++ {
		for r := 0; r < s.Rows; r++ {
			dst := (a*s.Rows + r) * s.Cols
			copy(out[dst:dst+s.Cols], s.Data[s.Index(r, a, 0):s.Index(r, a, 0)+s.Cols])
		}
	}
	return out
}
