package dataset

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// location is a file or group that holds datasets
type location interface {
	OpenDataset(name string) (*hdf5.Dataset, error)
	CreateDataset(name string, dtype *hdf5.Datatype, dspace *hdf5.Dataspace) (*hdf5.Dataset, error)
}

// readFloats reads a little-endian numeric dataset of any common width and
// sign as float64 values and returns them with the dataset dimensions. Data is
// read in the file's own element type and widened here.
func readFloats(loc location, name string) ([]float64, []uint, error) {
	ds, err := loc.OpenDataset(name)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening /%s: %w", name, err)
	}
	defer ds.Close()

	space := ds.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, nil, fmt.Errorf("error reading dimensions of /%s: %w", name, err)
	}
	n := space.SimpleExtentNPoints()

	dtype, err := ds.Datatype()
	if err != nil {
		return nil, nil, fmt.Errorf("error reading type of /%s: %w", name, err)
	}
	defer dtype.Close()

	out := make([]float64, n)
	switch class, size := dtype.Class(), dtype.Size(); {
	case matchesAny(dtype, bigEndianTypes):
		return nil, nil, fmt.Errorf("%w: /%s is stored big-endian", ErrType, name)
	case class == hdf5.T_FLOAT && size == 8:
		err = ds.Read(&out)
	case class == hdf5.T_FLOAT && size == 4:
		err = readWidened[float32](ds, out)
	case class == hdf5.T_INTEGER && matchesAny(dtype, unsignedTypes):
		switch size {
		case 8:
			err = readWidened[uint64](ds, out)
		case 4:
			err = readWidened[uint32](ds, out)
		case 2:
			err = readWidened[uint16](ds, out)
		case 1:
			err = readWidened[uint8](ds, out)
		default:
			return nil, nil, fmt.Errorf("%w: /%s has unsigned integers of size %d", ErrType, name, size)
		}
	case class == hdf5.T_INTEGER:
		switch size {
		case 8:
			err = readWidened[int64](ds, out)
		case 4:
			err = readWidened[int32](ds, out)
		case 2:
			err = readWidened[int16](ds, out)
		case 1:
			err = readWidened[int8](ds, out)
		default:
			return nil, nil, fmt.Errorf("%w: /%s has integers of size %d", ErrType, name, size)
		}
	default:
		return nil, nil, fmt.Errorf("%w: /%s has class %v size %d", ErrType, name, class, size)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error reading /%s: %w", name, err)
	}
	return out, dims, nil
}

// The library exposes no sign or byte-order query, so file types are matched
// against the standard layouts.
var (
	unsignedTypes = []*hdf5.Datatype{
		hdf5.T_STD_U8LE, hdf5.T_STD_U8BE,
		hdf5.T_STD_U16LE, hdf5.T_STD_U16BE,
		hdf5.T_STD_U32LE, hdf5.T_STD_U32BE,
		hdf5.T_STD_U64LE, hdf5.T_STD_U64BE,
	}
	bigEndianTypes = []*hdf5.Datatype{
		hdf5.T_STD_I16BE, hdf5.T_STD_I32BE, hdf5.T_STD_I64BE,
		hdf5.T_STD_U16BE, hdf5.T_STD_U32BE, hdf5.T_STD_U64BE,
		hdf5.T_IEEE_F32BE, hdf5.T_IEEE_F64BE,
	}
)

func matchesAny(dtype *hdf5.Datatype, types []*hdf5.Datatype) bool {
	for _, t := range types {
		if dtype.Equal(t) {
			return true
		}
	}
	return false
}

// readWidened reads ds into a buffer of element type T and widens it into
// out. Dataset.Read copies the file's bytes without conversion, so T must
// have the sign and width of the file type.
func readWidened[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32](ds *hdf5.Dataset, out []float64) error {
	buf := make([]T, len(out))
	if err := ds.Read(&buf); err != nil {
		return err
	}
	for i, v := range buf {
		out[i] = float64(v)
	}
	return nil
}

// writeFloats creates a float64 dataset with the given dimensions
func writeFloats(loc location, name string, data []float64, dims ...uint) error {
	return write(loc, name, hdf5.T_NATIVE_DOUBLE, &data, dims)
}

// writeInts creates a one-dimensional int32 dataset
func writeInts(loc location, name string, data []int32) error {
	return write(loc, name, hdf5.T_NATIVE_INT32, &data, []uint{uint(len(data))})
}

func write(loc location, name string, dtype *hdf5.Datatype, data any, dims []uint) error {
	space, err := hdf5.CreateSimpleDataspace(dims, nil)
	if err != nil {
		return fmt.Errorf("error creating dataspace for /%s: %w", name, err)
	}
	defer space.Close()

	ds, err := loc.CreateDataset(name, dtype, space)
	if err != nil {
		return fmt.Errorf("error creating /%s: %w", name, err)
	}
	defer ds.Close()

	if err := ds.Write(data); err != nil {
		return fmt.Errorf("error writing /%s: %w", name, err)
	}
	return nil
}
