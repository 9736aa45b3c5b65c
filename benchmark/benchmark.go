// Package benchmark measures the latency and memory of a diffusion pipeline across batch sizes.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/schollz/progressbar/v3"

	"github.com/knights-analytics/diffbench/backends"
	"github.com/knights-analytics/diffbench/pipelines"
	"github.com/knights-analytics/diffbench/util/imageutil"
)

const DefaultPrompt = "a beautiful photograph of Mt. Fuji during cherry blossom"

// Generator runs one text to image generation. *pipelines.DiffusionPipeline implements it.
type Generator interface {
	Run(ctx context.Context, prompts []string, negativePrompts []string) (*pipelines.DiffusionResult, error)
}

type Config struct {
	BatchSizes     []int
	WarmupRuns     int
	Prompt         string
	NegativePrompt string
	DenoisingSteps int
	Precision      string
	Device         string
	OutputDir      string
	SaveImages     bool
	MeasureMemory  bool
	ReportPath     string
}

func DefaultConfig() Config {
	return Config{
		BatchSizes:     []int{1, 2, 4, 8, 16},
		WarmupRuns:     5,
		Prompt:         DefaultPrompt,
		DenoisingSteps: 50,
		Precision:      pipelines.PrecisionFP16,
		Device:         "cuda",
		OutputDir:      "./output",
		SaveImages:     true,
		MeasureMemory:  true,
	}
}

// BatchResult is the measurement of one batch size.
type BatchResult struct {
	BatchSize int           `json:"batch_size"`
	CLIP      time.Duration `json:"clip"`
	UNet      time.Duration `json:"unet"`
	VAE       time.Duration `json:"vae"`
	Pipeline  time.Duration `json:"pipeline"`
	Images    []string      `json:"images,omitempty"`
	Memory    *MemoryReport `json:"memory,omitempty"`
}

type Report struct {
	Timestamp      time.Time                  `json:"timestamp"`
	Prompt         string                     `json:"prompt"`
	NegativePrompt string                     `json:"negative_prompt"`
	DenoisingSteps int                        `json:"denoising_steps"`
	Precision      string                     `json:"precision"`
	Device         string                     `json:"device"`
	WarmupRuns     int                        `json:"warmup_runs"`
	Results        []BatchResult              `json:"results"`
	Statistics     []backends.ModelStatistics `json:"statistics,omitempty"`
}

type Benchmark struct {
	Pipeline Generator
	Config   Config
	// Out receives the latency tables, stdout when nil.
	Out io.Writer
	// Memory is created from Config.Device on first use when nil.
	Memory     *MemoryMonitor
	ImageSaver func(images *backends.Tensor, dir string, prefix string) ([]string, error)
	// Statistics, when set, adds the model timings to the report.
	Statistics func() []backends.ModelStatistics
}

func New(pipeline Generator, config Config) *Benchmark {
	return &Benchmark{
		Pipeline:   pipeline,
		Config:     config,
		Out:        os.Stdout,
		ImageSaver: imageutil.SaveImages,
	}
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// NewProgressBar returns a bar drawn on stderr when it is a terminal.
func NewProgressBar(total int, description string) *progressbar.ProgressBar {
	visible := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetVisibility(visible),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *Benchmark) validate() error {
	var errs []error
	if b.Pipeline == nil {
		errs = append(errs, errors.New("no pipeline to benchmark"))
	}
	if len(b.Config.BatchSizes) == 0 {
		errs = append(errs, errors.New("no batch sizes to measure"))
	}
	for _, bs := range b.Config.BatchSizes {
		if bs <= 0 {
			errs = append(errs, fmt.Errorf("invalid batch size %d", bs))
		}
	}
	if b.Config.WarmupRuns < 0 {
		errs = append(errs, fmt.Errorf("invalid number of warm-up runs %d", b.Config.WarmupRuns))
	}
	return errors.Join(errs...)
}

// WarmUp runs the pipeline WarmupRuns times on one prompt without reporting anything.
func (b *Benchmark) WarmUp(ctx context.Context) error {
	if b.Config.WarmupRuns == 0 {
		return nil
	}
	log.Info().Msg("Warming up pipeline.")
	bar := NewProgressBar(b.Config.WarmupRuns, "warm-up")
	for range b.Config.WarmupRuns {
		if _, err := b.Pipeline.Run(ctx, []string{b.Config.Prompt}, []string{b.Config.NegativePrompt}); err != nil {
			return fmt.Errorf("warm-up run: %w", err)
		}
		_ = bar.Add(1)
	}
	return bar.Finish()
}

// Run warms the pipeline up, then measures latency and memory for every batch size.
func (b *Benchmark) Run(ctx context.Context) (*Report, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	out := b.Out
	if out == nil {
		out = os.Stdout
	}
	report := &Report{
		Timestamp:      time.Now(),
		Prompt:         b.Config.Prompt,
		NegativePrompt: b.Config.NegativePrompt,
		DenoisingSteps: b.Config.DenoisingSteps,
		Precision:      b.Config.Precision,
		Device:         b.Config.Device,
		WarmupRuns:     b.Config.WarmupRuns,
	}

	if err := b.WarmUp(ctx); err != nil {
		return nil, err
	}

	if b.Config.MeasureMemory && b.Memory == nil {
		monitor, err := NewMemoryMonitor(b.Config.Device)
		if err != nil {
			return nil, err
		}
		b.Memory = monitor
		defer func() {
			if err := monitor.Close(); err != nil {
				log.Warn().Err(err).Msg("closing memory monitor")
			}
			b.Memory = nil
		}()
	}

	for _, bs := range b.Config.BatchSizes {
		result, err := b.measureBatch(ctx, out, bs)
		if err != nil {
			return nil, fmt.Errorf("batch size %d: %w", bs, err)
		}
		report.Results = append(report.Results, *result)
	}

	if b.Statistics != nil {
		report.Statistics = b.Statistics()
	}
	if b.Config.ReportPath != "" {
		if err := WriteReport(report, b.Config.ReportPath); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (b *Benchmark) measureBatch(ctx context.Context, out io.Writer, batchSize int) (*BatchResult, error) {
	if _, err := fmt.Fprintf(out, "\nBatch size = %d\n\n", batchSize); err != nil {
		return nil, err
	}
	prompts := repeat(b.Config.Prompt, batchSize)
	negativePrompts := repeat(b.Config.NegativePrompt, batchSize)

	log.Info().Msg("Measuring latency.")
	run, err := b.Pipeline.Run(ctx, prompts, negativePrompts)
	if err != nil {
		return nil, err
	}
	if err = WriteLatencyTable(out, run, b.Config.DenoisingSteps); err != nil {
		return nil, err
	}
	result := &BatchResult{
		BatchSize: batchSize,
		CLIP:      run.CLIP,
		UNet:      run.UNet,
		VAE:       run.VAE,
		Pipeline:  run.Pipeline,
	}
	if b.Config.SaveImages && b.ImageSaver != nil {
		if result.Images, err = b.ImageSaver(run.Images, b.Config.OutputDir, ImagePrefix(b.Config.Precision, prompts)); err != nil {
			return nil, fmt.Errorf("saving images: %w", err)
		}
	}

	if b.Memory != nil {
		log.Info().Msg("Measuring memory usage.")
		// the measured run prints no table and saves no images
		result.Memory, err = b.Memory.Measure(ctx, func(ctx context.Context) error {
			_, runErr := b.Pipeline.Run(ctx, prompts, negativePrompts)
			return runErr
		})
		if err != nil {
			return nil, fmt.Errorf("measuring memory: %w", err)
		}
		log.Info().Msg("Measured memory usage.")
	}
	return result, nil
}
