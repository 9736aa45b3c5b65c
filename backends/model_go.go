package backends

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/diffbench/util/fileutil"
)

// GoModel runs a graph with the pure Go gonnx interpreter. It is slow and
// float32 only, but needs no native runtime.
type GoModel struct {
	Model   *gonnx.Model
	Destroy func() error
}

func createGoModelBackend(model *Model) error {
	onnxBytes, err := fileutil.ReadFileBytes(model.Path)
	if err != nil {
		return err
	}
	goModel, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return err
	}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	model.GoModel = &GoModel{
		Model: goModel,
		Destroy: func() error {
			return nil
		},
	}
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
			if y.IsDynamic || y.Size <= 0 {
				dimensions[i] = -1
			}
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make(Shape, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
			if y.IsDynamic || y.Size <= 0 {
				dimensions[i] = -1
			}
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func toGorgonia(t *Tensor) (tensor.Tensor, error) {
	shape := t.Shape.ValuesInt()
	switch t.DataType {
	case DataTypeFloat32:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]float32(nil), t.Float32...))), nil
	case DataTypeInt32:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]int32(nil), t.Int32...))), nil
	case DataTypeInt64:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]int64(nil), t.Int64...))), nil
	}
	return nil, fmt.Errorf("the GO backend does not support %s tensors", t.DataType)
}

func fromGorgonia(t tensor.Tensor) (*Tensor, error) {
	dims := t.Shape()
	shape := make(Shape, len(dims))
	for i, d := range dims {
		shape[i] = int64(d)
	}
	switch data := t.Data().(type) {
	case []float32:
		return &Tensor{Shape: shape, DataType: DataTypeFloat32, Float32: append([]float32(nil), data...)}, nil
	case float32:
		return &Tensor{Shape: shape, DataType: DataTypeFloat32, Float32: []float32{data}}, nil
	case []int32:
		return &Tensor{Shape: shape, DataType: DataTypeInt32, Int32: append([]int32(nil), data...)}, nil
	case []int64:
		return &Tensor{Shape: shape, DataType: DataTypeInt64, Int64: append([]int64(nil), data...)}, nil
	default:
		return nil, fmt.Errorf("unsupported output data %T", data)
	}
}

func runGoModel(model *Model, inputs []*Tensor) ([]*Tensor, error) {
	if model.GoModel == nil {
		return nil, errors.New("GO session is not initialised")
	}
	inputMap := map[string]tensor.Tensor{}
	for i, meta := range model.InputsMeta {
		t, err := toGorgonia(inputs[i])
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", meta.Name, err)
		}
		inputMap[meta.Name] = t
	}

	results, err := model.GoModel.Model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	return collectGoOutputs(model.OutputsMeta, results)
}

// collectGoOutputs orders the interpreter results as the graph declares its outputs.
func collectGoOutputs(outputsMeta []InputOutputInfo, results map[string]tensor.Tensor) ([]*Tensor, error) {
	outputs := make([]*Tensor, len(outputsMeta))
	for i, meta := range outputsMeta {
		result, ok := results[meta.Name]
		if !ok {
			return nil, fmt.Errorf("output %q was not produced", meta.Name)
		}
		var err error
		if outputs[i], err = fromGorgonia(result); err != nil {
			return nil, fmt.Errorf("output %q: %w", meta.Name, err)
		}
	}
	return outputs, nil
}
