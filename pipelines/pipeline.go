package pipelines

import (
	"fmt"

	"github.com/knights-analytics/diffbench/backends"
)

// Runner executes one model of a pipeline. *backends.Model implements it.
type Runner interface {
	Run(inputs map[string]*backends.Tensor) ([]*backends.Tensor, error)
	GetInputsMeta() []backends.InputOutputInfo
}

// TextTokenizer turns prompts into fixed length input ids. *backends.Tokenizer implements it.
type TextTokenizer interface {
	Tokenize(texts []string, maxLength int, truncate bool) (*backends.Tensor, error)
}

type statisticsProvider interface {
	GetStatistics() backends.ModelStatistics
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStats() []string // Get the pipeline running stats
	Validate() error    // Validate the pipeline for correctness
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T)

func firstOutput(model string, outputs []*backends.Tensor) (*backends.Tensor, error) {
	if len(outputs) == 0 || outputs[0] == nil {
		return nil, fmt.Errorf("%s returned no outputs", model)
	}
	if err := outputs[0].CheckData(); err != nil {
		return nil, fmt.Errorf("%s output: %w", model, err)
	}
	return outputs[0], nil
}

func statsLine(name string, r any) (string, bool) {
	provider, ok := r.(statisticsProvider)
	if !ok {
		return "", false
	}
	s := provider.GetStatistics()
	return fmt.Sprintf("%s: Total time=%s, Execution count=%d, Average query time=%s",
		name, s.TotalTime, s.ExecutionCount, s.AvgQueryTime), true
}
