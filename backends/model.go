package backends

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/diffbench/options"
	"github.com/knights-analytics/diffbench/util/fileutil"
	"github.com/knights-analytics/diffbench/util/safeconv"
)

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. Dynamic dimensions are -1.
	Dimensions Shape
	// The element type, DataTypeUnknown when the backend cannot report it.
	DataType DataType
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// Elements is the number of elements a tensor of this shape holds.
func (s Shape) Elements() int {
	n := 1
	for _, d := range s {
		n *= int(d)
	}
	return n
}

func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Matches reports whether a concrete shape fits a metadata shape in which
// non-positive dimensions are dynamic.
func (s Shape) Matches(concrete Shape) bool {
	if len(s) != len(concrete) {
		return false
	}
	for i, d := range s {
		if d > 0 && d != concrete[i] {
			return false
		}
	}
	return true
}

// IsFixed reports whether every dimension is known.
func (s Shape) IsFixed() bool {
	for _, d := range s {
		if d <= 0 {
			return false
		}
	}
	return true
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// Model is a loaded ONNX graph together with the backend session that runs it.
type Model struct {
	Name        string
	Path        string
	Backend     string
	ORTModel    *ORTModel
	GoModel     *GoModel
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	Timings     *timings
	Destroy     func() error
}

func LoadModel(name string, path string, options *options.Options) (*Model, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of %s model: %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("%s model not found at %s", name, path)
	}

	model := &Model{
		Name:    name,
		Path:    path,
		Backend: options.Backend,
		Timings: &timings{},
	}

	switch options.Backend {
	case "ORT":
		err = createORTModelBackend(model, options)
	case "GO":
		err = createGoModelBackend(model)
	default:
		err = fmt.Errorf("backend %s not recognized", options.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s model: %w", name, err)
	}

	model.Destroy = func() error {
		var destroyErr error
		switch model.Backend {
		case "ORT":
			if model.ORTModel != nil {
				destroyErr = model.ORTModel.Destroy()
				model.ORTModel = nil
			}
		case "GO":
			if model.GoModel != nil {
				destroyErr = model.GoModel.Destroy()
				model.GoModel = nil
			}
		}
		return destroyErr
	}
	return model, nil
}

func (m *Model) GetInputsMeta() []InputOutputInfo {
	return m.InputsMeta
}

func (m *Model) GetOutputsMeta() []InputOutputInfo {
	return m.OutputsMeta
}

// InputMeta looks up the metadata of a named input.
func (m *Model) InputMeta(name string) (InputOutputInfo, bool) {
	for _, meta := range m.InputsMeta {
		if meta.Name == name {
			return meta, true
		}
	}
	return InputOutputInfo{}, false
}

// Run executes the model on named inputs and returns the outputs in graph order.
func (m *Model) Run(inputs map[string]*Tensor) ([]*Tensor, error) {
	ordered, err := ConformInputs(m.InputsMeta, inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}

	start := time.Now()
	var outputs []*Tensor
	switch m.Backend {
	case "ORT":
		outputs, err = runORTModel(m, ordered)
	case "GO":
		outputs, err = runGoModel(m, ordered)
	default:
		err = fmt.Errorf("backend %s not recognized", m.Backend)
	}
	atomic.AddUint64(&m.Timings.NumCalls, 1)
	atomic.AddUint64(&m.Timings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return outputs, nil
}

// GetStatistics returns the accumulated run timings of the model.
func (m *Model) GetStatistics() ModelStatistics {
	statistics := ModelStatistics{Name: m.Name}
	statistics.ComputeStatistics(m.Timings)
	return statistics
}

// ConformInputs orders the inputs as the graph expects them, checks the shapes
// against the metadata and widens or narrows dtypes where the conversion is lossless
// or explicitly requested by the graph (float32 to float16, int32 to int64).
func ConformInputs(inputsMeta []InputOutputInfo, inputs map[string]*Tensor) ([]*Tensor, error) {
	ordered := make([]*Tensor, len(inputsMeta))
	var errs []error
	for i, meta := range inputsMeta {
		input, ok := inputs[meta.Name]
		if !ok || input == nil {
			errs = append(errs, fmt.Errorf("missing input %q", meta.Name))
			continue
		}
		if len(meta.Dimensions) > 0 && !meta.Dimensions.Matches(input.Shape) {
			errs = append(errs, fmt.Errorf("input %q has shape %s, model expects %s", meta.Name, input.Shape, meta.Dimensions))
			continue
		}
		conformed, err := conformDataType(input, meta.DataType)
		if err != nil {
			errs = append(errs, fmt.Errorf("input %q: %w", meta.Name, err))
			continue
		}
		ordered[i] = conformed
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return ordered, nil
}

func conformDataType(t *Tensor, want DataType) (*Tensor, error) {
	if want == DataTypeUnknown || t.DataType == want {
		return t, nil
	}
	switch {
	case t.DataType.IsFloat() && want.IsFloat():
		return t.AsType(want)
	case t.DataType == DataTypeInt32 && want == DataTypeInt64:
		c := &Tensor{Shape: t.Shape.Clone(), DataType: DataTypeInt64, Int64: make([]int64, len(t.Int32))}
		for i, v := range t.Int32 {
			c.Int64[i] = int64(v)
		}
		return c, nil
	}
	return nil, fmt.Errorf("cannot feed %s data to a %s input", t.DataType, want)
}

// ResolveOutputShape fills the dynamic dimensions of an output from the first input
// of the same rank whose shape agrees with the output's fixed dimensions. Denoisers
// return a prediction shaped like their sample, which is what this resolves.
func ResolveOutputShape(meta InputOutputInfo, inputs []*Tensor) (Shape, bool) {
	if meta.Dimensions.IsFixed() {
		return meta.Dimensions.Clone(), true
	}
	for _, input := range inputs {
		if input != nil && meta.Dimensions.Matches(input.Shape) {
			return input.Shape.Clone(), true
		}
	}
	return nil, false
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}
