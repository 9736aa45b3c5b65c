//go:build cgo && (ORT || ALL)

package diffbench

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/diffbench/backends"
	"github.com/knights-analytics/diffbench/benchmark"
	"github.com/knights-analytics/diffbench/options"
	"github.com/knights-analytics/diffbench/scheduler"
)

// onnxDir holds the exported *_ort_trt.onnx graphs and tokenizer used by the GPU tests.
var onnxDir = func() string {
	if dir := os.Getenv("DIFFBENCH_ONNX_DIR"); dir != "" {
		return dir
	}
	return "./onnx"
}()

const passThroughSchedulerName = "pass-through"

// passThroughScheduler visits evenly spaced timesteps and keeps the latents unchanged, so
// every model runs at its real shapes without needing a scheduler plugin.
type passThroughScheduler struct {
	config    scheduler.Config
	timesteps []float32
}

func newPassThroughScheduler(config scheduler.Config) (scheduler.Scheduler, error) {
	return &passThroughScheduler{config: config}, nil
}

func (s *passThroughScheduler) SetTimesteps(n int) error {
	s.timesteps = make([]float32, n)
	step := s.config.NumTrainTimesteps / float64(n)
	for i := range s.timesteps {
		s.timesteps[i] = float32(s.config.NumTrainTimesteps - 1 - float64(i)*step)
	}
	return nil
}

func (s *passThroughScheduler) Timesteps() []float32 { return s.timesteps }

func (s *passThroughScheduler) InitNoiseSigma() float32 { return 1 }

func (s *passThroughScheduler) ScaleModelInput(sample *backends.Tensor, _ int) (*backends.Tensor, error) {
	return sample, nil
}

func (s *passThroughScheduler) Step(noisePred, latents *backends.Tensor, _ int, _ float32) (*backends.Tensor, error) {
	if noisePred.Len() != latents.Len() {
		return nil, fmt.Errorf("noise prediction shape %s does not match latents %s", noisePred.Shape, latents.Shape)
	}
	return latents, nil
}

func TestORTSessionLifecycle(t *testing.T) {
	session, err := NewORTSession(options.WithOnnxLibraryPath(onnxRuntimeSharedLibrary))
	checkT(t, err)
	_, err = NewORTSession(options.WithOnnxLibraryPath(onnxRuntimeSharedLibrary))
	assert.Error(t, err)
	checkT(t, session.Destroy())
}

func TestORTSessionMissingLibrary(t *testing.T) {
	_, err := NewORTSession(options.WithOnnxLibraryPath("/nonexistent/libonnxruntime.so"))
	assert.Error(t, err)
}

func TestDiffusionPipelineTensorRT(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.SkipNow()
	}
	if _, err := os.Stat(filepath.Join(onnxDir, DefaultCLIPFilename)); err != nil {
		t.Skipf("no exported models in %s", onnxDir)
	}
	if !scheduler.IsRegistered(passThroughSchedulerName) {
		checkT(t, scheduler.Register(passThroughSchedulerName, newPassThroughScheduler))
	}

	session, err := NewORTSession(
		options.WithOnnxLibraryPath(onnxRuntimeGPUSharedLibrary),
		options.WithTensorRT(options.TensorRTFP16(0, 0, t.TempDir())),
		options.WithCuda(map[string]string{"device_id": "0"}),
		options.WithIOBinding(),
	)
	checkT(t, err)
	defer func(session *Session) {
		checkT(t, session.Destroy())
	}(session)

	config := NewDiffusionConfig(onnxDir)
	config.Scheduler = passThroughSchedulerName
	config.Pipeline.DenoisingSteps = 5
	pipeline, err := session.NewDiffusionPipeline(config)
	checkT(t, err)
	checkT(t, pipeline.WarmUp())

	benchmarkConfig := benchmark.DefaultConfig()
	benchmarkConfig.BatchSizes = []int{1, 2}
	benchmarkConfig.WarmupRuns = 1
	benchmarkConfig.DenoisingSteps = 5
	benchmarkConfig.OutputDir = t.TempDir()
	b := benchmark.New(pipeline, benchmarkConfig)
	out := &bytes.Buffer{}
	b.Out = out
	report, err := b.Run(context.Background())
	checkT(t, err)
	require.Len(t, report.Results, 2)
	assert.Len(t, report.Results[1].Images, 2)
	assert.Contains(t, out.String(), "| UNet x 5  |")
	for _, s := range session.GetStatistics() {
		assert.Positive(t, s.ExecutionCount, s.Name)
	}

	// going back to batch size 1 rebinds the runtime buffers
	again, err := pipeline.Run(context.Background(), []string{benchmark.DefaultPrompt}, nil)
	checkT(t, err)
	assert.Equal(t, backends.NewShape(1, 3, 512, 512), again.Images.Shape)
	assert.NoError(t, again.Images.CheckData())
}
