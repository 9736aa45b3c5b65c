package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestGorgoniaRoundTrip(t *testing.T) {
	floats, err := NewFloat32Tensor(NewShape(1, 4, 2, 2), []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	checkT(t, err)
	ids, err := NewInt32Tensor(NewShape(2, 3), []int32{49406, 320, 49407, 49406, 49407, 49407})
	checkT(t, err)
	longs := &Tensor{Shape: NewShape(3), DataType: DataTypeInt64, Int64: []int64{1, -2, 3}}

	for _, in := range []*Tensor{floats, ids, longs} {
		g, err := toGorgonia(in)
		checkT(t, err)
		assert.Equal(t, in.Shape.ValuesInt(), []int(g.Shape()))
		out, err := fromGorgonia(g)
		checkT(t, err)
		assert.Equal(t, in, out, in.DataType.String())
	}
}

func TestGorgoniaCopiesInput(t *testing.T) {
	in, err := NewFloat32Tensor(NewShape(2), []float32{1, 2})
	checkT(t, err)
	g, err := toGorgonia(in)
	checkT(t, err)
	in.Float32[0] = 9
	out, err := fromGorgonia(g)
	checkT(t, err)
	assert.Equal(t, []float32{1, 2}, out.Float32)
}

func TestGorgoniaRejectsFloat16(t *testing.T) {
	half := Zeros(NewShape(2, 77, 768), DataTypeFloat16)
	_, err := toGorgonia(half)
	assert.ErrorContains(t, err, "does not support float16")
}

func TestCollectGoOutputs(t *testing.T) {
	meta := []InputOutputInfo{{Name: "latent_sample"}, {Name: "images"}}
	images := tensor.New(tensor.WithShape(1, 3, 1, 1), tensor.WithBacking([]float32{-1, 0, 1}))
	sample := tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float32{0.5}))

	outputs, err := collectGoOutputs(meta, map[string]tensor.Tensor{"images": images, "latent_sample": sample})
	checkT(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, []float32{0.5}, outputs[0].Float32)
	assert.Equal(t, NewShape(1, 3, 1, 1), outputs[1].Shape)

	_, err = collectGoOutputs(meta, map[string]tensor.Tensor{"images": images})
	assert.ErrorContains(t, err, `output "latent_sample" was not produced`)
}

func TestRunGoModelUninitialised(t *testing.T) {
	_, err := runGoModel(&Model{Name: "VAE", Backend: "GO"}, nil)
	assert.ErrorContains(t, err, "not initialised")
}
