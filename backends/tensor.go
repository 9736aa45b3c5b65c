package backends

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/x448/float16"
)

type DataType int

const (
	DataTypeUnknown DataType = iota
	DataTypeFloat32
	DataTypeFloat16
	DataTypeInt32
	DataTypeInt64
)

func (d DataType) String() string {
	switch d {
	case DataTypeUnknown:
		return "unknown"
	case DataTypeFloat32:
		return "float32"
	case DataTypeFloat16:
		return "float16"
	case DataTypeInt32:
		return "int32"
	case DataTypeInt64:
		return "int64"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// IsFloat reports whether the data type is stored in the Float32 backing slice.
func (d DataType) IsFloat() bool {
	return d == DataTypeFloat32 || d == DataTypeFloat16
}

// Tensor is a dense row-major host tensor exchanged with the model backends.
// Float16 tensors keep a widened copy in Float32; narrowing happens when the
// tensor is handed to the runtime.
type Tensor struct {
	Shape    Shape
	DataType DataType
	Float32  []float32
	Int32    []int32
	Int64    []int64
}

func NewFloat32Tensor(shape Shape, data []float32) (*Tensor, error) {
	if shape.Elements() != len(data) {
		return nil, fmt.Errorf("shape %s needs %d elements, got %d", shape, shape.Elements(), len(data))
	}
	return &Tensor{Shape: shape, DataType: DataTypeFloat32, Float32: data}, nil
}

func NewInt32Tensor(shape Shape, data []int32) (*Tensor, error) {
	if shape.Elements() != len(data) {
		return nil, fmt.Errorf("shape %s needs %d elements, got %d", shape, shape.Elements(), len(data))
	}
	return &Tensor{Shape: shape, DataType: DataTypeInt32, Int32: data}, nil
}

// Zeros allocates a zero-filled tensor of the given shape and type.
func Zeros(shape Shape, dataType DataType) *Tensor {
	t := &Tensor{Shape: shape.Clone(), DataType: dataType}
	n := shape.Elements()
	switch dataType {
	case DataTypeInt32:
		t.Int32 = make([]int32, n)
	case DataTypeInt64:
		t.Int64 = make([]int64, n)
	default:
		t.Float32 = make([]float32, n)
	}
	return t
}

// CheckData reports an error when the backing slice of the tensor's type does not hold
// exactly Shape.Elements() values.
func (t *Tensor) CheckData() error {
	var n int
	switch t.DataType {
	case DataTypeInt32:
		n = len(t.Int32)
	case DataTypeInt64:
		n = len(t.Int64)
	default:
		n = len(t.Float32)
	}
	if n != t.Len() {
		return fmt.Errorf("%s tensor of shape %s holds %d values, expected %d", t.DataType, t.Shape, n, t.Len())
	}
	return nil
}

func (t *Tensor) Len() int {
	return t.Shape.Elements()
}

// BatchSize returns the leading dimension, or 0 for scalars.
func (t *Tensor) BatchSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return int(t.Shape[0])
}

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{Shape: t.Shape.Clone(), DataType: t.DataType}
	if t.Float32 != nil {
		c.Float32 = append([]float32(nil), t.Float32...)
	}
	if t.Int32 != nil {
		c.Int32 = append([]int32(nil), t.Int32...)
	}
	if t.Int64 != nil {
		c.Int64 = append([]int64(nil), t.Int64...)
	}
	return c
}

// AsType converts between float precisions. Float16 conversion rounds the
// values to half precision so the host copy matches what the runtime sees.
func (t *Tensor) AsType(dataType DataType) (*Tensor, error) {
	if t.DataType == dataType {
		return t, nil
	}
	if !t.DataType.IsFloat() || !dataType.IsFloat() {
		return nil, fmt.Errorf("cannot convert %s tensor to %s", t.DataType, dataType)
	}
	c := t.Clone()
	c.DataType = dataType
	if dataType == DataTypeFloat16 {
		for i, v := range c.Float32 {
			c.Float32[i] = float16.Fromfloat32(v).Float32()
		}
	}
	return c, nil
}

// Scale multiplies every element by s in place and returns the tensor.
func (t *Tensor) Scale(s float32) *Tensor {
	for i := range t.Float32 {
		t.Float32[i] *= s
	}
	return t
}

// rowSize is the number of elements in one slice along dimension 0.
func (t *Tensor) rowSize() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return t.Len() / int(t.Shape[0])
}

// ConcatBatch concatenates tensors along dimension 0. All tensors must share
// the data type and the trailing dimensions.
func ConcatBatch(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("no tensors to concatenate")
	}
	first := tensors[0]
	if len(first.Shape) == 0 {
		return nil, errors.New("cannot concatenate scalar tensors")
	}
	var batch int64
	for _, t := range tensors {
		if err := t.CheckData(); err != nil {
			return nil, err
		}
		if t.DataType != first.DataType {
			return nil, fmt.Errorf("cannot concatenate %s with %s", first.DataType, t.DataType)
		}
		if !t.Shape[1:].Equal(first.Shape[1:]) {
			return nil, fmt.Errorf("cannot concatenate shapes %s and %s", first.Shape, t.Shape)
		}
		batch += t.Shape[0]
	}
	shape := first.Shape.Clone()
	shape[0] = batch
	out := &Tensor{Shape: shape, DataType: first.DataType}
	for _, t := range tensors {
		switch first.DataType {
		case DataTypeInt32:
			out.Int32 = append(out.Int32, t.Int32...)
		case DataTypeInt64:
			out.Int64 = append(out.Int64, t.Int64...)
		default:
			out.Float32 = append(out.Float32, t.Float32...)
		}
	}
	return out, nil
}

// Chunk splits the tensor into n equal parts along dimension 0.
// The parts share the backing array with t.
func (t *Tensor) Chunk(n int) ([]*Tensor, error) {
	if n <= 0 || len(t.Shape) == 0 || int(t.Shape[0])%n != 0 {
		return nil, fmt.Errorf("cannot split shape %s into %d chunks", t.Shape, n)
	}
	if err := t.CheckData(); err != nil {
		return nil, err
	}
	rows := int(t.Shape[0]) / n
	step := rows * t.rowSize()
	chunks := make([]*Tensor, n)
	for i := range n {
		shape := t.Shape.Clone()
		shape[0] = int64(rows)
		c := &Tensor{Shape: shape, DataType: t.DataType}
		lo, hi := i*step, (i+1)*step
		switch t.DataType {
		case DataTypeInt32:
			c.Int32 = t.Int32[lo:hi:hi]
		case DataTypeInt64:
			c.Int64 = t.Int64[lo:hi:hi]
		default:
			c.Float32 = t.Float32[lo:hi:hi]
		}
		chunks[i] = c
	}
	return chunks, nil
}

// RepeatInterleave repeats every row along dimension 0 n times, keeping the
// copies of one row next to each other.
func (t *Tensor) RepeatInterleave(n int) (*Tensor, error) {
	if n <= 0 || len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot repeat shape %s %d times", t.Shape, n)
	}
	if err := t.CheckData(); err != nil {
		return nil, err
	}
	if n == 1 {
		return t, nil
	}
	shape := t.Shape.Clone()
	shape[0] *= int64(n)
	out := Zeros(shape, t.DataType)
	row := t.rowSize()
	for b := range int(t.Shape[0]) {
		for r := range n {
			dst := (b*n + r) * row
			src := b * row
			switch t.DataType {
			case DataTypeInt32:
				copy(out.Int32[dst:dst+row], t.Int32[src:src+row])
			case DataTypeInt64:
				copy(out.Int64[dst:dst+row], t.Int64[src:src+row])
			default:
				copy(out.Float32[dst:dst+row], t.Float32[src:src+row])
			}
		}
	}
	return out, nil
}

// EncodeFloat16 narrows values to IEEE 754 half precision, little endian.
func EncodeFloat16(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// DecodeFloat16 widens little endian IEEE 754 half precision values.
func DecodeFloat16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("float16 data has odd length %d", len(data))
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
	}
	return out, nil
}
