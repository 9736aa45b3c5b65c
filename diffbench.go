package diffbench

import (
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/diffbench/backends"
	"github.com/knights-analytics/diffbench/options"
	"github.com/knights-analytics/diffbench/pipelines"
	"github.com/knights-analytics/diffbench/scheduler"
	"github.com/knights-analytics/diffbench/util/fileutil"
)

const (
	DefaultCLIPFilename     = "clip_ort_trt.onnx"
	DefaultUNetFP16Filename = "unet_fp16_ort_trt.onnx"
	DefaultUNetFP32Filename = "unet_ort_trt.onnx"
	DefaultVAEFilename      = "vae_ort_trt.onnx"
	DefaultTokenizerFile    = "tokenizer.json"
)

// Session loads models and creates pipelines. It holds the runtime environment, which is
// released with Destroy.
type Session struct {
	models             map[string]*backends.Model
	tokenizers         map[string]*backends.Tokenizer
	diffusionPipelines map[string]*pipelines.DiffusionPipeline
	options            *options.Options
	environmentDestroy func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		models:             map[string]*backends.Model{},
		tokenizers:         map[string]*backends.Tokenizer{},
		diffusionPipelines: map[string]*pipelines.DiffusionPipeline{},
		options:            parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

// DiffusionConfig tells the session where the models of a diffusion pipeline live and how
// to run them. Empty file names fall back to the defaults for the denoising precision.
type DiffusionConfig struct {
	Name            string
	OnnxDir         string
	CLIPFilename    string
	UNetFilename    string
	VAEFilename     string
	TokenizerPath   string
	Scheduler       string
	SchedulerConfig scheduler.Config
	Pipeline        pipelines.DiffusionConfig
	Options         []pipelines.PipelineOption[*pipelines.DiffusionPipeline]
}

// DiffusionOption is an option for a diffusion pipeline.
type DiffusionOption = pipelines.PipelineOption[*pipelines.DiffusionPipeline]

// NewDiffusionConfig returns the default configuration. Pipeline.MaxLength is left at 0 so
// the tokenizer's model_max_length is used.
func NewDiffusionConfig(onnxDir string) DiffusionConfig {
	pipelineConfig := pipelines.DefaultDiffusionConfig()
	pipelineConfig.MaxLength = 0
	return DiffusionConfig{
		Name:            "diffusion",
		OnnxDir:         onnxDir,
		Scheduler:       "lmsd",
		SchedulerConfig: scheduler.DefaultConfig(),
		Pipeline:        pipelineConfig,
	}
}

// maxLength is the configured prompt length, or the tokenizer's when none is set.
func (c DiffusionConfig) maxLength(tk *backends.Tokenizer) int {
	if c.Pipeline.MaxLength > 0 {
		return c.Pipeline.MaxLength
	}
	if tk != nil && tk.MaxLength > 0 {
		return tk.MaxLength
	}
	return backends.DefaultMaxLength
}

// ModelPaths resolves the CLIP, UNet and VAE files and the tokenizer.
func (c DiffusionConfig) ModelPaths() (clip, unet, vae, tokenizer string) {
	clipFile, unetFile, vaeFile := c.CLIPFilename, c.UNetFilename, c.VAEFilename
	if clipFile == "" {
		clipFile = DefaultCLIPFilename
	}
	if unetFile == "" {
		unetFile = DefaultUNetFP16Filename
		if c.Pipeline.DenoisingPrecision == pipelines.PrecisionFP32 {
			unetFile = DefaultUNetFP32Filename
		}
	}
	if vaeFile == "" {
		vaeFile = DefaultVAEFilename
	}
	tokenizer = c.TokenizerPath
	if tokenizer == "" {
		tokenizer = fileutil.PathJoinSafe(c.OnnxDir, DefaultTokenizerFile)
	}
	return fileutil.PathJoinSafe(c.OnnxDir, clipFile),
		fileutil.PathJoinSafe(c.OnnxDir, unetFile),
		fileutil.PathJoinSafe(c.OnnxDir, vaeFile),
		tokenizer
}

func (s *Session) tokenizerRuntime() string {
	if s.options.Backend == "ORT" {
		return "RUST"
	}
	return "GO"
}

func (s *Session) loadModel(name string, path string) (*backends.Model, error) {
	if model, ok := s.models[path]; ok {
		return model, nil
	}
	model, err := backends.LoadModel(name, path, s.options)
	if err != nil {
		return nil, err
	}
	s.models[path] = model
	return model, nil
}

func (s *Session) loadTokenizer(path string) (*backends.Tokenizer, error) {
	if tk, ok := s.tokenizers[path]; ok {
		return tk, nil
	}
	tk, err := backends.LoadTokenizer(path, s.tokenizerRuntime())
	if err != nil {
		return nil, err
	}
	s.tokenizers[path] = tk
	return tk, nil
}

// NewDiffusionPipeline loads the models, tokenizer and scheduler of a diffusion pipeline. Models
// are shared between pipelines of the session that use the same files.
func (s *Session) NewDiffusionPipeline(config DiffusionConfig) (*pipelines.DiffusionPipeline, error) {
	if s.options == nil {
		return nil, errors.New("session has been destroyed")
	}
	if config.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}
	if _, ok := s.diffusionPipelines[config.Name]; ok {
		return nil, fmt.Errorf("pipeline %s has already been initialised", config.Name)
	}

	clipPath, unetPath, vaePath, tokenizerPath := config.ModelPaths()
	clip, err := s.loadModel("CLIP", clipPath)
	if err != nil {
		return nil, err
	}
	unet, err := s.loadModel("UNet", unetPath)
	if err != nil {
		return nil, err
	}
	vae, err := s.loadModel("VAE", vaePath)
	if err != nil {
		return nil, err
	}
	tk, err := s.loadTokenizer(tokenizerPath)
	if err != nil {
		return nil, err
	}
	config.Pipeline.MaxLength = config.maxLength(tk)
	sched, err := scheduler.New(config.Scheduler, config.SchedulerConfig, config.Pipeline.DenoisingSteps)
	if err != nil {
		return nil, err
	}

	opts := append([]DiffusionOption{pipelines.WithName(config.Name)}, config.Options...)
	pipeline, err := pipelines.NewDiffusionPipeline(clip, unet, vae, tk, sched, config.Pipeline, opts...)
	if err != nil {
		return nil, err
	}
	s.diffusionPipelines[config.Name] = pipeline
	return pipeline, nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetDiffusionPipeline returns a pipeline created with NewDiffusionPipeline.
func (s *Session) GetDiffusionPipeline(name string) (*pipelines.DiffusionPipeline, error) {
	p, ok := s.diffusionPipelines[name]
	if !ok {
		return nil, &pipelineNotFoundError{pipelineName: name}
	}
	return p, nil
}

// GetStats returns runtime statistics for all initialized pipelines.
func (s *Session) GetStats() []string {
	var stats []string
	for _, p := range s.diffusionPipelines {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// GetStatistics returns the accumulated timings of every loaded model and tokenizer.
func (s *Session) GetStatistics() []backends.ModelStatistics {
	var statistics []backends.ModelStatistics
	for _, model := range s.models {
		statistics = append(statistics, model.GetStatistics())
	}
	for _, tk := range s.tokenizers {
		statistics = append(statistics, tk.GetStatistics())
	}
	return statistics
}

// Destroy deletes the session, its models and the runtime environment, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	log.Info().Msg("Destroying models")
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	for _, tk := range s.tokenizers {
		err = errors.Join(err, tk.Destroy())
	}
	s.models = nil
	s.tokenizers = nil
	s.diffusionPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	log.Info().Msg("Destroying runtime environment")
	err = errors.Join(err, s.environmentDestroy())
	return err
}
