package pipelines

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/diffbench/backends"
	"github.com/knights-analytics/diffbench/scheduler"
)

const (
	PrecisionFP16 = "fp16"
	PrecisionFP32 = "fp32"

	defaultEmbeddingDim = 768
)

// DiffusionConfig holds the generation settings of a text to image run.
type DiffusionConfig struct {
	Height             int
	Width              int
	DenoisingSteps     int
	GuidanceScale      float32
	Seed               uint64
	NumImagesPerPrompt int
	DenoisingPrecision string
	MaxLength          int
	LatentChannels     int
	VAEScalingFactor   float32
}

func DefaultDiffusionConfig() DiffusionConfig {
	return DiffusionConfig{
		Height:             512,
		Width:              512,
		DenoisingSteps:     50,
		GuidanceScale:      7.5,
		NumImagesPerPrompt: 1,
		DenoisingPrecision: PrecisionFP16,
		MaxLength:          backends.DefaultMaxLength,
		LatentChannels:     4,
		VAEScalingFactor:   0.18215,
	}
}

// DiffusionPipeline generates images from prompts with a CLIP text encoder, a UNet
// denoiser guided without a classifier and a VAE decoder.
type DiffusionPipeline struct {
	PipelineName string
	CLIP         Runner
	UNet         Runner
	VAE          Runner
	Tokenizer    TextTokenizer
	Scheduler    scheduler.Scheduler
	Config       DiffusionConfig
	// Progress is called after every denoising step.
	Progress func(step, total int)
}

// DiffusionResult holds the decoded images, shaped (batch, 3, height, width), and the stage latencies.
type DiffusionResult struct {
	Images   *backends.Tensor
	CLIP     time.Duration
	UNet     time.Duration
	VAE      time.Duration
	Pipeline time.Duration
}

// PIPELINE OPTIONS

// WithProgress registers a callback invoked after every denoising step.
func WithProgress(progress func(step, total int)) PipelineOption[*DiffusionPipeline] {
	return func(pipeline *DiffusionPipeline) {
		pipeline.Progress = progress
	}
}

func WithName(name string) PipelineOption[*DiffusionPipeline] {
	return func(pipeline *DiffusionPipeline) {
		pipeline.PipelineName = name
	}
}

// NewDiffusionPipeline assembles and validates a diffusion pipeline.
func NewDiffusionPipeline(clip, unet, vae Runner, tk TextTokenizer, s scheduler.Scheduler, config DiffusionConfig, opts ...PipelineOption[*DiffusionPipeline]) (*DiffusionPipeline, error) {
	pipeline := &DiffusionPipeline{
		PipelineName: "diffusion",
		CLIP:         clip,
		UNet:         unet,
		VAE:          vae,
		Tokenizer:    tk,
		Scheduler:    s,
		Config:       config,
	}
	for _, o := range opts {
		o(pipeline)
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATIONS

// GetStats returns the runtime statistics of the three models.
func (p *DiffusionPipeline) GetStats() []string {
	stats := []string{fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName)}
	for _, r := range []struct {
		name   string
		runner any
	}{{"Tokenizer", p.Tokenizer}, {"CLIP", p.CLIP}, {"UNet", p.UNet}, {"VAE", p.VAE}} {
		if line, ok := statsLine(r.name, r.runner); ok {
			stats = append(stats, line)
		}
	}
	return stats
}

// Validate checks that the pipeline is valid.
func (p *DiffusionPipeline) Validate() error {
	var validationErrors []error
	c := p.Config

	if p.CLIP == nil || p.UNet == nil || p.VAE == nil {
		validationErrors = append(validationErrors, errors.New("the CLIP, UNet and VAE models are required"))
	}
	if p.Tokenizer == nil {
		validationErrors = append(validationErrors, errors.New("a tokenizer is required"))
	}
	if p.Scheduler == nil {
		validationErrors = append(validationErrors, errors.New("a scheduler is required"))
	}
	if c.Height <= 0 || c.Width <= 0 || c.Height%8 != 0 || c.Width%8 != 0 {
		validationErrors = append(validationErrors, fmt.Errorf("height and width must be positive multiples of 8, got %dx%d", c.Height, c.Width))
	}
	if c.DenoisingSteps <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("invalid number of denoising steps %d", c.DenoisingSteps))
	}
	if c.NumImagesPerPrompt <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("invalid number of images per prompt %d", c.NumImagesPerPrompt))
	}
	if c.DenoisingPrecision != PrecisionFP16 && c.DenoisingPrecision != PrecisionFP32 {
		validationErrors = append(validationErrors, fmt.Errorf("denoising precision must be %s or %s, got %q", PrecisionFP16, PrecisionFP32, c.DenoisingPrecision))
	}
	if c.MaxLength <= 0 || c.LatentChannels <= 0 {
		validationErrors = append(validationErrors, errors.New("max length and latent channels must be positive"))
	}
	if c.VAEScalingFactor == 0 {
		validationErrors = append(validationErrors, errors.New("VAE scaling factor cannot be zero"))
	}

	for _, expected := range []struct {
		name   string
		runner Runner
		inputs []string
	}{
		{"CLIP", p.CLIP, []string{"input_ids"}},
		{"UNet", p.UNet, []string{"sample", "timestep", "encoder_hidden_states"}},
		{"VAE", p.VAE, []string{"latent"}},
	} {
		if expected.runner == nil {
			continue
		}
		meta := expected.runner.GetInputsMeta()
		if len(meta) == 0 {
			continue
		}
		names := backends.GetNames(meta)
		for _, input := range expected.inputs {
			if !slices.Contains(names, input) {
				validationErrors = append(validationErrors, fmt.Errorf("%s model has no %q input, inputs are %v", expected.name, input, names))
			}
		}
	}
	return errors.Join(validationErrors...)
}

func (p *DiffusionPipeline) precisionDataType() backends.DataType {
	if p.Config.DenoisingPrecision == PrecisionFP16 {
		return backends.DataTypeFloat16
	}
	return backends.DataTypeFloat32
}

func (p *DiffusionPipeline) latentShape(batch int) backends.Shape {
	return backends.NewShape(int64(batch), int64(p.Config.LatentChannels), int64(p.Config.Height/8), int64(p.Config.Width/8))
}

// embeddingDim reads the hidden size of encoder_hidden_states from the UNet metadata.
func (p *DiffusionPipeline) embeddingDim() int64 {
	for _, meta := range p.UNet.GetInputsMeta() {
		if meta.Name == "encoder_hidden_states" && len(meta.Dimensions) == 3 && meta.Dimensions[2] > 0 {
			return meta.Dimensions[2]
		}
	}
	return defaultEmbeddingDim
}

// WarmUp runs every model once on zeros at batch size 1, so that the runtime builds its
// engines before anything is measured.
func (p *DiffusionPipeline) WarmUp() error {
	c := p.Config
	log.Info().Msg("Loading CLIP model.")
	if _, err := p.CLIP.Run(map[string]*backends.Tensor{
		"input_ids": backends.Zeros(backends.NewShape(1, int64(c.MaxLength)), backends.DataTypeInt32),
	}); err != nil {
		return fmt.Errorf("warming up CLIP: %w", err)
	}

	log.Info().Msg("Loading UNet model.")
	if _, err := p.UNet.Run(map[string]*backends.Tensor{
		"sample":                backends.Zeros(p.latentShape(2), backends.DataTypeFloat32),
		"timestep":              backends.Zeros(backends.NewShape(1), backends.DataTypeFloat32),
		"encoder_hidden_states": backends.Zeros(backends.NewShape(2, int64(c.MaxLength), p.embeddingDim()), p.precisionDataType()),
	}); err != nil {
		return fmt.Errorf("warming up UNet: %w", err)
	}

	log.Info().Msg("Loading VAE model.")
	if _, err := p.VAE.Run(map[string]*backends.Tensor{
		"latent": backends.Zeros(p.latentShape(1), backends.DataTypeFloat32),
	}); err != nil {
		return fmt.Errorf("warming up VAE: %w", err)
	}
	return nil
}

// InitialLatents draws the starting noise for batch images from a standard normal seeded
// by the configured seed, so every run starts from the same latents.
func (p *DiffusionPipeline) InitialLatents(batch int) *backends.Tensor {
	rng := rand.New(rand.NewPCG(p.Config.Seed, p.Config.Seed))
	latents := backends.Zeros(p.latentShape(batch), backends.DataTypeFloat32)
	for i := range latents.Float32 {
		latents.Float32[i] = float32(rng.NormFloat64())
	}
	return latents.Scale(p.Scheduler.InitNoiseSigma())
}

// Run generates NumImagesPerPrompt images for every prompt. negativePrompts holds either one
// prompt used for the whole batch or one per prompt.
func (p *DiffusionPipeline) Run(ctx context.Context, prompts []string, negativePrompts []string) (*DiffusionResult, error) {
	if len(prompts) == 0 {
		return nil, errors.New("no prompts to generate")
	}
	switch len(negativePrompts) {
	case 0:
		negativePrompts = []string{""}
		fallthrough
	case 1:
		broadcast := make([]string, len(prompts))
		for i := range broadcast {
			broadcast[i] = negativePrompts[0]
		}
		negativePrompts = broadcast
	case len(prompts):
	default:
		return nil, fmt.Errorf("got %d negative prompts for %d prompts", len(negativePrompts), len(prompts))
	}

	latents := p.InitialLatents(len(prompts) * p.Config.NumImagesPerPrompt)
	result := &DiffusionResult{}
	start := time.Now()

	embeddings, err := p.encode(prompts, negativePrompts)
	if err != nil {
		return nil, err
	}
	result.CLIP = time.Since(start)

	unetStart := time.Now()
	latents, err = p.denoise(ctx, latents, embeddings)
	if err != nil {
		return nil, err
	}
	latents.Scale(1 / p.Config.VAEScalingFactor)
	result.UNet = time.Since(unetStart)

	vaeStart := time.Now()
	result.Images, err = p.decode(latents)
	if err != nil {
		return nil, err
	}
	result.VAE = time.Since(vaeStart)
	result.Pipeline = time.Since(start)
	return result, nil
}

// encode returns the unconditional embeddings followed by the prompt embeddings, each
// repeated once per image.
func (p *DiffusionPipeline) encode(prompts []string, negativePrompts []string) (*backends.Tensor, error) {
	ids, err := p.Tokenizer.Tokenize(prompts, p.Config.MaxLength, false)
	if err != nil {
		return nil, fmt.Errorf("tokenizing prompts: %w", err)
	}
	text, err := p.embed(ids)
	if err != nil {
		return nil, err
	}

	uncondIDs, err := p.Tokenizer.Tokenize(negativePrompts, int(ids.Shape[len(ids.Shape)-1]), true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing negative prompts: %w", err)
	}
	uncond, err := p.embed(uncondIDs)
	if err != nil {
		return nil, err
	}

	embeddings, err := backends.ConcatBatch(uncond, text)
	if err != nil {
		return nil, err
	}
	return embeddings.AsType(p.precisionDataType())
}

func (p *DiffusionPipeline) embed(ids *backends.Tensor) (*backends.Tensor, error) {
	outputs, err := p.CLIP.Run(map[string]*backends.Tensor{"input_ids": ids})
	if err != nil {
		return nil, err
	}
	embeddings, err := firstOutput("CLIP", outputs)
	if err != nil {
		return nil, err
	}
	if embeddings, err = embeddings.AsType(backends.DataTypeFloat32); err != nil {
		return nil, err
	}
	return embeddings.RepeatInterleave(p.Config.NumImagesPerPrompt)
}

func (p *DiffusionPipeline) denoise(ctx context.Context, latents *backends.Tensor, embeddings *backends.Tensor) (*backends.Tensor, error) {
	timesteps := p.Scheduler.Timesteps()
	if len(timesteps) == 0 {
		return nil, errors.New("scheduler has no timesteps, call SetTimesteps first")
	}
	for i, t := range timesteps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doubled, err := backends.ConcatBatch(latents, latents)
		if err != nil {
			return nil, err
		}
		sample, err := p.Scheduler.ScaleModelInput(doubled, i)
		if err != nil {
			return nil, fmt.Errorf("scaling model input at step %d: %w", i, err)
		}
		timestep, err := backends.NewFloat32Tensor(backends.NewShape(1), []float32{t})
		if err != nil {
			return nil, err
		}
		outputs, err := p.UNet.Run(map[string]*backends.Tensor{
			"sample":                sample,
			"timestep":              timestep,
			"encoder_hidden_states": embeddings,
		})
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		noisePred, err := firstOutput("UNet", outputs)
		if err != nil {
			return nil, err
		}
		noise, err := ApplyGuidance(noisePred, p.Config.GuidanceScale)
		if err != nil {
			return nil, err
		}
		if latents, err = p.Scheduler.Step(noise, latents, i, t); err != nil {
			return nil, fmt.Errorf("scheduler step %d: %w", i, err)
		}
		if p.Progress != nil {
			p.Progress(i+1, len(timesteps))
		}
	}
	return latents, nil
}

func (p *DiffusionPipeline) decode(latents *backends.Tensor) (*backends.Tensor, error) {
	outputs, err := p.VAE.Run(map[string]*backends.Tensor{"latent": latents})
	if err != nil {
		return nil, err
	}
	images, err := firstOutput("VAE", outputs)
	if err != nil {
		return nil, err
	}
	return images.AsType(backends.DataTypeFloat32)
}

// ApplyGuidance splits a noise prediction into its unconditional and text halves and
// blends them as uncond + scale*(text-uncond).
func ApplyGuidance(noisePred *backends.Tensor, scale float32) (*backends.Tensor, error) {
	if !noisePred.DataType.IsFloat() {
		return nil, fmt.Errorf("noise prediction has type %s", noisePred.DataType)
	}
	if noisePred.BatchSize()%2 != 0 {
		return nil, fmt.Errorf("noise prediction batch %d is not even", noisePred.BatchSize())
	}
	if err := noisePred.CheckData(); err != nil {
		return nil, err
	}
	halves, err := noisePred.Chunk(2)
	if err != nil {
		return nil, err
	}
	uncond, text := halves[0].Float32, halves[1].Float32
	guided := backends.Zeros(halves[0].Shape, backends.DataTypeFloat32)
	for i := range guided.Float32 {
		guided.Float32[i] = uncond[i] + scale*(text[i]-uncond[i])
	}
	return guided, nil
}
