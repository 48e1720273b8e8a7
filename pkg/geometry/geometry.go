// Package geometry classifies projection geometries into the 2D
// (slice-by-slice) and 3D (whole-volume) families.
package geometry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownGeometry is returned for a geometry type tag that is not recognised.
var ErrUnknownGeometry = errors.New("geometry: unknown geometry type")

// Kind is the projection family a geometry belongs to
type Kind int

const (
	// Geometry2D geometries are projected one volume slice at a time
	Geometry2D Kind = iota
	// Geometry3D geometries are projected in a single call over the whole volume
	Geometry3D
)

func (k Kind) String() string {
	switch k {
	case Geometry2D:
		return "2d"
	case Geometry3D:
		return "3d"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var kinds = map[string]Kind{
	"parallel":       Geometry2D,
	"fanflat":        Geometry2D,
	"fanflat_vec":    Geometry2D,
	"parallel3d":     Geometry3D,
	"parallel3d_vec": Geometry3D,
	"cone":           Geometry3D,
	"cone_vec":       Geometry3D,
}

// Parse maps a geometry type tag such as "parallel" or "cone" to its Kind
func Parse(tag string) (Kind, error) {
	k, ok := kinds[strings.ToLower(strings.TrimSpace(tag))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownGeometry, tag)
	}
	return k, nil
}

// Detector describes the detector plane
type Detector struct {
	Rows, Cols         int
	SpacingX, SpacingY float64
}

// Geometry is the acquisition description shared by the projector and the solver
type Geometry struct {
	// Type is the geometry tag, e.g. "parallel3d"
	Type string
	// Angles are projection angles in radians
	Angles   []float64
	Detector Detector
}

// Kind returns the geometry family of g
func (g Geometry) Kind() (Kind, error) { return Parse(g.Type) }
