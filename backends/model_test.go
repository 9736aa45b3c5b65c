package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/diffbench/options"
)

var unetMeta = []InputOutputInfo{
	{Name: "sample", Dimensions: NewShape(-1, 4, 64, 64), DataType: DataTypeFloat32},
	{Name: "timestep", Dimensions: NewShape(1), DataType: DataTypeFloat32},
	{Name: "encoder_hidden_states", Dimensions: NewShape(-1, 77, 768), DataType: DataTypeFloat16},
}

func TestShapeMatching(t *testing.T) {
	meta := NewShape(-1, 4, 64, 64)
	assert.True(t, meta.Matches(NewShape(2, 4, 64, 64)))
	assert.False(t, meta.Matches(NewShape(2, 4, 32, 32)))
	assert.False(t, meta.Matches(NewShape(2, 4, 64)))
	assert.False(t, meta.IsFixed())
	assert.True(t, NewShape(1, 77).IsFixed())
	assert.Equal(t, "[2 77 768]", NewShape(2, 77, 768).String())
}

func TestConformInputs(t *testing.T) {
	inputs := map[string]*Tensor{
		"encoder_hidden_states": Zeros(NewShape(2, 77, 768), DataTypeFloat32),
		"sample":                Zeros(NewShape(2, 4, 64, 64), DataTypeFloat32),
		"timestep":              Zeros(NewShape(1), DataTypeFloat32),
	}
	ordered, err := ConformInputs(unetMeta, inputs)
	checkT(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, NewShape(2, 4, 64, 64), ordered[0].Shape)
	assert.Equal(t, NewShape(1), ordered[1].Shape)
	assert.Equal(t, DataTypeFloat16, ordered[2].DataType)
}

func TestConformInputsErrors(t *testing.T) {
	_, err := ConformInputs(unetMeta, map[string]*Tensor{
		"sample": Zeros(NewShape(2, 4, 32, 32), DataTypeFloat32),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing input "timestep"`)
	assert.Contains(t, err.Error(), `missing input "encoder_hidden_states"`)
	assert.Contains(t, err.Error(), `input "sample" has shape`)

	_, err = ConformInputs([]InputOutputInfo{{Name: "input_ids", Dimensions: NewShape(-1, 77), DataType: DataTypeInt32}},
		map[string]*Tensor{"input_ids": Zeros(NewShape(1, 77), DataTypeFloat32)})
	assert.Error(t, err)
}

func TestConformInputsWidensIDs(t *testing.T) {
	meta := []InputOutputInfo{{Name: "input_ids", Dimensions: NewShape(-1, 77), DataType: DataTypeInt64}}
	ids, err := NewInt32Tensor(NewShape(1, 77), make([]int32, 77))
	checkT(t, err)
	ids.Int32[0] = 49406
	ordered, err := ConformInputs(meta, map[string]*Tensor{"input_ids": ids})
	checkT(t, err)
	assert.Equal(t, DataTypeInt64, ordered[0].DataType)
	assert.Equal(t, int64(49406), ordered[0].Int64[0])
}

func TestResolveOutputShape(t *testing.T) {
	sample := Zeros(NewShape(2, 4, 64, 64), DataTypeFloat32)
	timestep := Zeros(NewShape(1), DataTypeFloat32)
	shape, ok := ResolveOutputShape(InputOutputInfo{Name: "out_sample", Dimensions: NewShape(-1, 4, -1, -1)}, []*Tensor{sample, timestep})
	assert.True(t, ok)
	assert.Equal(t, NewShape(2, 4, 64, 64), shape)

	_, ok = ResolveOutputShape(InputOutputInfo{Name: "images", Dimensions: NewShape(-1, 3, -1, -1)}, []*Tensor{sample, timestep})
	assert.False(t, ok)
}

func TestLoadModelMissingFile(t *testing.T) {
	opts := options.Defaults()
	opts.Backend = "GO"
	_, err := LoadModel("unet", "./testData/missing.onnx", opts)
	assert.Error(t, err)
}

func TestModelStatistics(t *testing.T) {
	s := ModelStatistics{}
	s.ComputeStatistics(&timings{NumCalls: 4, TotalNS: 400})
	assert.Equal(t, uint64(4), s.ExecutionCount)
	assert.EqualValues(t, 100, s.AvgQueryTime)
	s.ComputeStatistics(&timings{})
	assert.EqualValues(t, 0, s.AvgQueryTime)
}
