package tensor

import (
	"fmt"
	"reflect"
)

// FromScalar returns a (1, 1, 1) tensor.
func FromScalar(v float32) *Tensor {
	t, _ := FromValues(Shape{Batches: 1, Rows: 1, Cols: 1}, []float32{v})
	return t
}

// FromVector returns a (1, 1, N) tensor.
func FromVector(v []float32) (*Tensor, error) {
	return FromCube([][][]float32{{v}})
}

// FromMatrix returns a (1, R, C) tensor.
func FromMatrix(m [][]float32) (*Tensor, error) {
	return FromCube([][][]float32{m})
}

// FromCube returns a (B, R, C) tensor. Inner slices must all have the
// same length.
func FromCube(c [][][]float32) (*Tensor, error) {
	if len(c) == 0 || len(c[0]) == 0 || len(c[0][0]) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrShapeMismatch)
	}
	shape := Shape{
		Batches: uint32(len(c)),    //nolint:gosec // G115: slice lengths are non-negative
		Rows:    uint32(len(c[0])), //nolint:gosec // G115: slice lengths are non-negative
		Cols:    uint32(len(c[0][0])),
	}
	values := make([]float32, 0, shape.NumElements())
	for b, matrix := range c {
		if len(matrix) != int(shape.Rows) {
			return nil, fmt.Errorf("%w: batch %d has %d rows, want %d", ErrShapeMismatch, b, len(matrix), shape.Rows)
		}
		for r, row := range matrix {
			if len(row) != int(shape.Cols) {
				return nil, fmt.Errorf("%w: batch %d row %d has %d cols, want %d",
					ErrShapeMismatch, b, r, len(row), shape.Cols)
			}
			values = append(values, row...)
		}
	}
	return FromValues(shape, values)
}

// FromNested builds a tensor from a scalar or a nested slice of any
// numeric type, inferring the shape from the nesting depth:
//
//	scalar     -> (1, 1, 1)
//	[]T        -> (1, 1, N)
//	[][]T      -> (1, R, C)
//	[][][]T    -> (B, R, C)
//
// Ragged inner slices fail with ErrShapeMismatch.
func FromNested(v any) (*Tensor, error) {
	rv := reflect.ValueOf(v)
	depth, err := nestingDepth(rv)
	if err != nil {
		return nil, err
	}

	switch depth {
	case 0:
		f, err := toFloat32(rv)
		if err != nil {
			return nil, err
		}
		return FromScalar(f), nil
	case 1:
		row, err := toRow(rv)
		if err != nil {
			return nil, err
		}
		return FromVector(row)
	case 2:
		m, err := toMatrix(rv)
		if err != nil {
			return nil, err
		}
		return FromMatrix(m)
	case 3:
		c := make([][][]float32, rv.Len())
		for i := range c {
			m, err := toMatrix(elem(rv.Index(i)))
			if err != nil {
				return nil, err
			}
			c[i] = m
		}
		return FromCube(c)
	default:
		return nil, fmt.Errorf("%w: nesting depth %d exceeds 3", ErrShapeMismatch, depth)
	}
}

func elem(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

func nestingDepth(v reflect.Value) (int, error) {
	depth := 0
	v = elem(v)
	for v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if v.Len() == 0 {
			return 0, fmt.Errorf("%w: empty array", ErrShapeMismatch)
		}
		depth++
		v = elem(v.Index(0))
	}
	if !v.IsValid() {
		return 0, fmt.Errorf("%w: nil value", ErrShapeMismatch)
	}
	return depth, nil
}

func toFloat32(v reflect.Value) (float32, error) {
	v = elem(v)
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return float32(v.Float()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float32(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float32(v.Uint()), nil
	default:
		return 0, fmt.Errorf("%w: unsupported element %s", ErrShapeMismatch, v.Kind())
	}
}

func toRow(v reflect.Value) ([]float32, error) {
	v = elem(v)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: expected a slice, got %s", ErrShapeMismatch, v.Kind())
	}
	row := make([]float32, v.Len())
	for i := range row {
		f, err := toFloat32(v.Index(i))
		if err != nil {
			return nil, err
		}
		row[i] = f
	}
	return row, nil
}

func toMatrix(v reflect.Value) ([][]float32, error) {
	v = elem(v)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: expected a slice, got %s", ErrShapeMismatch, v.Kind())
	}
	m := make([][]float32, v.Len())
	for i := range m {
		row, err := toRow(v.Index(i))
		if err != nil {
			return nil, err
		}
		m[i] = row
	}
	return m, nil
}
