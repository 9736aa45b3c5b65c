//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"strings"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/diffbench/options"
	"github.com/knights-analytics/diffbench/util/fileutil"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Destroy        func() error
	bound          *boundValues
}

// boundValues are the runtime buffers kept alive between runs when IO binding is enabled.
type boundValues struct {
	signature string
	inputs    []ort.Value
	outputs   []ort.Value
}

func (b *boundValues) release() error {
	if b == nil {
		return nil
	}
	var err error
	for _, v := range b.inputs {
		if v != nil {
			err = errors.Join(err, v.Destroy())
		}
	}
	for _, v := range b.outputs {
		if v != nil {
			err = errors.Join(err, v.Destroy())
		}
	}
	return err
}

func createORTModelBackend(model *Model, options *options.Options) error {
	if !fileutil.IsLocal(model.Path) {
		return fmt.Errorf("onnxruntime can only load models from the local filesystem, got %s", model.Path)
	}
	sessionOptions, ok := options.BackendOptions.(*ort.SessionOptions)
	if !ok || sessionOptions == nil {
		return errors.New("ORT session options have not been initialised")
	}

	inputs, outputs, err := ort.GetInputOutputInfo(model.Path)
	if err != nil {
		return err
	}
	model.InputsMeta = convertORTInputOutputs(inputs)
	model.OutputsMeta = convertORTInputOutputs(outputs)

	session, err := ort.NewDynamicAdvancedSession(
		model.Path,
		GetNames(model.InputsMeta),
		GetNames(model.OutputsMeta),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	ortModel := &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
	}
	if options.IOBinding {
		ortModel.bound = &boundValues{}
	}
	ortModel.Destroy = func() error {
		return errors.Join(ortModel.bound.release(), session.Destroy())
	}
	model.ORTModel = ortModel
	return nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions).Clone(),
			DataType:   convertORTDataType(inputOutput.DataType),
		}
	}
	return inputOutputsStandardised
}

func convertORTDataType(dataType ort.TensorElementDataType) DataType {
	switch dataType {
	case ort.TensorElementDataTypeFloat:
		return DataTypeFloat32
	case ort.TensorElementDataTypeFloat16:
		return DataTypeFloat16
	case ort.TensorElementDataTypeInt32:
		return DataTypeInt32
	case ort.TensorElementDataTypeInt64:
		return DataTypeInt64
	}
	return DataTypeUnknown
}

func newORTValue(t *Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	var value ort.Value
	var err error
	switch t.DataType {
	case DataTypeFloat32:
		value, err = ort.NewTensor(shape, append([]float32(nil), t.Float32...))
	case DataTypeFloat16:
		value, err = ort.NewCustomDataTensor(shape, EncodeFloat16(t.Float32), ort.TensorElementDataTypeFloat16)
	case DataTypeInt32:
		value, err = ort.NewTensor(shape, append([]int32(nil), t.Int32...))
	case DataTypeInt64:
		value, err = ort.NewTensor(shape, append([]int64(nil), t.Int64...))
	default:
		return nil, fmt.Errorf("cannot create a runtime tensor of type %s", t.DataType)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// copyIntoORTValue refreshes a bound runtime tensor with new host data of the same shape.
func copyIntoORTValue(value ort.Value, t *Tensor) error {
	switch v := value.(type) {
	case *ort.Tensor[float32]:
		copy(v.GetData(), t.Float32)
	case *ort.Tensor[int32]:
		copy(v.GetData(), t.Int32)
	case *ort.Tensor[int64]:
		copy(v.GetData(), t.Int64)
	case *ort.CustomDataTensor:
		copy(v.GetData(), EncodeFloat16(t.Float32))
	default:
		return fmt.Errorf("unsupported bound value %T", value)
	}
	return nil
}

// newOutputValues preallocates the float16 outputs, which the runtime cannot hand back as
// typed Go tensors. Other outputs are left nil for onnxruntime to allocate.
func newOutputValues(meta []InputOutputInfo, inputs []*Tensor) ([]ort.Value, error) {
	outputs := make([]ort.Value, len(meta))
	for i, m := range meta {
		if m.DataType != DataTypeFloat16 {
			continue
		}
		shape, ok := ResolveOutputShape(m, inputs)
		if !ok {
			return outputs, fmt.Errorf("cannot resolve shape of float16 output %q from %s", m.Name, m.Dimensions)
		}
		value, err := ort.NewCustomDataTensor(ort.NewShape(shape...), make([]byte, 2*shape.Elements()), ort.TensorElementDataTypeFloat16)
		if err != nil {
			return outputs, err
		}
		outputs[i] = value
	}
	return outputs, nil
}

func signatureOf(inputs []*Tensor) string {
	var sb strings.Builder
	for _, t := range inputs {
		sb.WriteString(t.DataType.String())
		sb.WriteString(t.Shape.String())
	}
	return sb.String()
}

func destroyValues(values []ort.Value) error {
	var err error
	for _, v := range values {
		if v != nil {
			err = errors.Join(err, v.Destroy())
		}
	}
	return err
}

func runORTModel(model *Model, inputs []*Tensor) ([]*Tensor, error) {
	ortModel := model.ORTModel
	if ortModel == nil {
		return nil, errors.New("ORT session is not initialised")
	}
	if ortModel.bound != nil {
		return runORTModelBound(model, inputs)
	}

	inputValues := make([]ort.Value, len(inputs))
	outputValues, err := newOutputValues(model.OutputsMeta, inputs)
	defer func() {
		// values are owned by this call only
		_ = destroyValues(inputValues)
		_ = destroyValues(outputValues)
	}()
	if err != nil {
		return nil, err
	}
	for i, t := range inputs {
		if inputValues[i], err = newORTValue(t); err != nil {
			return nil, err
		}
	}
	if err = ortModel.Session.Run(inputValues, outputValues); err != nil {
		return nil, err
	}
	return convertORTOutputs(outputValues, model.OutputsMeta)
}

func runORTModelBound(model *Model, inputs []*Tensor) ([]*Tensor, error) {
	bound := model.ORTModel.bound
	signature := signatureOf(inputs)
	if bound.signature != signature {
		if err := bound.release(); err != nil {
			return nil, err
		}
		bound.signature = ""
		bound.inputs = make([]ort.Value, len(inputs))
		outputs, err := newOutputValues(model.OutputsMeta, inputs)
		bound.outputs = outputs
		if err != nil {
			return nil, err
		}
		for i, t := range inputs {
			if bound.inputs[i], err = newORTValue(t); err != nil {
				return nil, err
			}
		}
		bound.signature = signature
	} else {
		for i, t := range inputs {
			if err := copyIntoORTValue(bound.inputs[i], t); err != nil {
				return nil, err
			}
		}
	}
	// outputs allocated by the runtime on the first call are passed back on later calls
	if err := model.ORTModel.Session.Run(bound.inputs, bound.outputs); err != nil {
		return nil, err
	}
	return convertORTOutputs(bound.outputs, model.OutputsMeta)
}

func convertORTOutputs(values []ort.Value, meta []InputOutputInfo) ([]*Tensor, error) {
	outputs := make([]*Tensor, len(values))
	for i, value := range values {
		if value == nil {
			return nil, fmt.Errorf("output %q was not produced", meta[i].Name)
		}
		shape := Shape(value.GetShape()).Clone()
		switch v := value.(type) {
		case *ort.Tensor[float32]:
			outputs[i] = &Tensor{Shape: shape, DataType: DataTypeFloat32, Float32: append([]float32(nil), v.GetData()...)}
		case *ort.Tensor[int32]:
			outputs[i] = &Tensor{Shape: shape, DataType: DataTypeInt32, Int32: append([]int32(nil), v.GetData()...)}
		case *ort.Tensor[int64]:
			outputs[i] = &Tensor{Shape: shape, DataType: DataTypeInt64, Int64: append([]int64(nil), v.GetData()...)}
		case *ort.CustomDataTensor:
			if meta[i].DataType != DataTypeFloat16 {
				return nil, fmt.Errorf("output %q has unsupported type %s", meta[i].Name, meta[i].DataType)
			}
			data, err := DecodeFloat16(v.GetData())
			if err != nil {
				return nil, err
			}
			outputs[i] = &Tensor{Shape: shape, DataType: DataTypeFloat16, Float32: data}
		default:
			return nil, fmt.Errorf("output %q has unsupported value %T", meta[i].Name, value)
		}
	}
	return outputs, nil
}
