// Package visualization exports reconstructed volumes and sinograms as
// grayscale images for inspection.
package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"osfista/internal/models"
)

// ErrAxis is returned for an axis name other than x, y or z.
var ErrAxis = errors.New("visualization: invalid axis")

// Viewer renders slices of a reconstructed volume
type Viewer struct {
	// volume is the reconstruction being viewed
	volume *models.Volume

	// lo and hi map to black and white
	lo, hi float64
}

// NewViewer creates a viewer whose gray window spans the volume's value range
func NewViewer(volume *models.Volume) *Viewer {
	v := &Viewer{volume: volume}
	if len(volume.Data) > 0 {
		v.lo, v.hi = floats.Min(volume.Data), floats.Max(volume.Data)
	}
	return v
}

// SetWindow overrides the intensity window
func (v *Viewer) SetWindow(lo, hi float64) { v.lo, v.hi = lo, hi }

// gray maps a voxel value into the 16-bit window
func (v *Viewer) gray(value float64) color.Gray16 {
	return toGray(value, v.lo, v.hi)
}

func toGray(value, lo, hi float64) color.Gray16 {
	if hi <= lo || math.IsNaN(value) {
		return color.Gray16{}
	}
	n := (value - lo) / (hi - lo)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(65535, n*65535))))}
}

// ExtractSlice renders the plane at position along axis.
// An x slice is depth wide and height tall, a y slice width by depth and a
// z slice width by height.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	vol := v.volume
	limit, err := v.axisLength(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= limit {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, limit, axis)
	}

	var img *image.Gray16
	switch strings.ToLower(axis) {
	case "x":
		img = image.NewGray16(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray16(z, y, v.gray(vol.Data[vol.Index(position, y, z)]))
			}
		}
	case "y":
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, z, v.gray(vol.Data[vol.Index(x, position, z)]))
			}
		}
	default:
		img = image.NewGray16(image.Rect(0, 0, vol.Width, vol.Height))
		slice := vol.Slice(position)
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray16(x, y, v.gray(slice[y*vol.Width+x]))
			}
		}
	}
	return img, nil
}

// ExtractRegion copies a box-shaped subregion into a new volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	vol := v.volume
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > vol.Width || startY+sizeY > vol.Height || startZ+sizeZ > vol.Depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume(sizeX, sizeY, sizeZ)
	region.VoxelSize = vol.VoxelSize
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := vol.Index(startX, startY+y, startZ+z)
			dst := region.Index(0, y, z)
			copy(region.Data[dst:dst+sizeX], vol.Data[src:src+sizeX])
		}
	}
	return region, nil
}

// SaveSliceSequence writes every slice along axis to outputDir as
// slice_<axis>_NNN.jpg and returns the number of files written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	limit, err := v.axisLength(axis)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	axis = strings.ToLower(axis)
	for pos := 0; pos < limit; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := SaveJPEG(img, filename); err != nil {
			return pos, err
		}
	}
	return limit, nil
}

func (v *Viewer) axisLength(axis string) (int, error) {
	switch strings.ToLower(axis) {
	case "x":
		return v.volume.Width, nil
	case "y":
		return v.volume.Height, nil
	case "z":
		return v.volume.Depth, nil
	}
	return 0, fmt.Errorf("%w: %q (must be x, y, or z)", ErrAxis, axis)
}

// SinogramImage renders one detector row of a sinogram with angles down and
// detector columns across. Ring artifacts show up as vertical stripes.
func SinogramImage(s *models.Sinogram, row int) (*image.Gray16, error) {
	if row < 0 || row >= s.Rows {
		return nil, fmt.Errorf("detector row %d outside [0, %d)", row, s.Rows)
	}
	plane := s.Row(row)
	lo, hi := floats.Min(plane), floats.Max(plane)

	img := image.NewGray16(image.Rect(0, 0, s.Cols, s.Angles))
	for a := 0; a < s.Angles; a++ {
		for c := 0; c < s.Cols; c++ {
			img.SetGray16(c, a, toGray(plane[a*s.Cols+c], lo, hi))
		}
	}
	return img, nil
}

// SaveJPEG writes img as a JPEG file
func SaveJPEG(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}
