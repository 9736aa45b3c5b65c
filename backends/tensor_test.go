package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

func TestNewTensorElementCount(t *testing.T) {
	_, err := NewFloat32Tensor(NewShape(2, 3), make([]float32, 5))
	assert.Error(t, err)
	_, err = NewInt32Tensor(NewShape(1, 77), make([]int32, 77))
	assert.NoError(t, err)
}

func TestConcatAndChunk(t *testing.T) {
	a, err := NewFloat32Tensor(NewShape(1, 2), []float32{1, 2})
	checkT(t, err)
	b, err := NewFloat32Tensor(NewShape(1, 2), []float32{3, 4})
	checkT(t, err)

	joined, err := ConcatBatch(a, b)
	checkT(t, err)
	assert.Equal(t, NewShape(2, 2), joined.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, joined.Float32)

	chunks, err := joined.Chunk(2)
	checkT(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []float32{1, 2}, chunks[0].Float32)
	assert.Equal(t, []float32{3, 4}, chunks[1].Float32)
	assert.Equal(t, NewShape(1, 2), chunks[1].Shape)

	_, err = joined.Chunk(3)
	assert.Error(t, err)

	c, err := NewFloat32Tensor(NewShape(1, 3), []float32{1, 2, 3})
	checkT(t, err)
	_, err = ConcatBatch(a, c)
	assert.Error(t, err)
	i, err := NewInt32Tensor(NewShape(1, 2), []int32{1, 2})
	checkT(t, err)
	_, err = ConcatBatch(a, i)
	assert.Error(t, err)
}

func TestShortBackingData(t *testing.T) {
	short := &Tensor{Shape: NewShape(2, 4), DataType: DataTypeFloat32, Float32: []float32{1, 2}}
	assert.ErrorContains(t, short.CheckData(), "holds 2 values, expected 8")
	_, err := short.Chunk(2)
	assert.Error(t, err)
	_, err = short.RepeatInterleave(2)
	assert.Error(t, err)
	_, err = ConcatBatch(short, short)
	assert.Error(t, err)

	ids := &Tensor{Shape: NewShape(1, 3), DataType: DataTypeInt64, Int64: []int64{1, 2, 3}}
	assert.NoError(t, ids.CheckData())
}

func TestRepeatInterleave(t *testing.T) {
	in, err := NewFloat32Tensor(NewShape(2, 2), []float32{1, 2, 3, 4})
	checkT(t, err)
	out, err := in.RepeatInterleave(3)
	checkT(t, err)
	assert.Equal(t, NewShape(6, 2), out.Shape)
	assert.Equal(t, []float32{1, 2, 1, 2, 1, 2, 3, 4, 3, 4, 3, 4}, out.Float32)

	same, err := in.RepeatInterleave(1)
	checkT(t, err)
	assert.Same(t, in, same)

	_, err = in.RepeatInterleave(0)
	assert.Error(t, err)
}

func TestAsTypeRoundsToHalf(t *testing.T) {
	in, err := NewFloat32Tensor(NewShape(2), []float32{0.1, 1})
	checkT(t, err)
	half, err := in.AsType(DataTypeFloat16)
	checkT(t, err)
	assert.Equal(t, DataTypeFloat16, half.DataType)
	assert.InDelta(t, 0.1, half.Float32[0], 1e-4)
	assert.NotEqual(t, float32(0.1), half.Float32[0])
	assert.Equal(t, float32(1), half.Float32[1])
	// the source is untouched
	assert.Equal(t, float32(0.1), in.Float32[0])

	ids, err := NewInt32Tensor(NewShape(1), []int32{1})
	checkT(t, err)
	_, err = ids.AsType(DataTypeFloat32)
	assert.Error(t, err)
}

func TestFloat16Encoding(t *testing.T) {
	encoded := EncodeFloat16([]float32{1, -2, 0.5})
	assert.Equal(t, []byte{0x00, 0x3c, 0x00, 0xc0, 0x00, 0x38}, encoded)
	decoded, err := DecodeFloat16(encoded)
	checkT(t, err)
	assert.Equal(t, []float32{1, -2, 0.5}, decoded)

	_, err = DecodeFloat16([]byte{0x00})
	assert.Error(t, err)
}

func TestScaleAndZeros(t *testing.T) {
	z := Zeros(NewShape(1, 4, 2, 2), DataTypeFloat32)
	assert.Equal(t, 16, z.Len())
	assert.Equal(t, 1, z.BatchSize())
	in, err := NewFloat32Tensor(NewShape(2), []float32{0.18215, 1})
	checkT(t, err)
	in.Scale(2)
	assert.InDelta(t, 0.3643, in.Float32[0], 1e-6)
	assert.Len(t, Zeros(NewShape(2, 77), DataTypeInt32).Int32, 154)
}
