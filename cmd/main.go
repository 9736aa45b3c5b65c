package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/knights-analytics/diffbench"
	"github.com/knights-analytics/diffbench/benchmark"
	"github.com/knights-analytics/diffbench/options"
	"github.com/knights-analytics/diffbench/pipelines"
	"github.com/knights-analytics/diffbench/scheduler"
	"github.com/knights-analytics/diffbench/util/checks"
)

var (
	prompt            string
	negativePrompt    string
	height            int
	width             int
	warmupRuns        int
	denoisingSteps    int
	seed              uint64
	onnxDir           string
	device            string
	backend           string
	tokenizerPath     string
	schedulerName     string
	schedulerPlugin   string
	ioBinding         bool
	denoisingPrec     string
	numImages         int
	guidanceScale     float64
	outputDir         string
	sharedLibraryPath string
	trtWorkspaceSize  int64
	trtEngineCache    string
	reportPath        string
	logLevel          string
	skipMemory        bool
	skipImages        bool

	downloadRepo   string
	downloadDest   string
	downloadToken  string
	downloadBranch string
)

func envVars(name string) []string {
	return []string{"DIFFBENCH_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML file with flag values, keyed by flag name",
			EnvVars: envVars("config"),
		},
		altsrc.NewStringFlag(&cli.StringFlag{Name: "prompt", Usage: "Text prompt to guide image generation", Value: benchmark.DefaultPrompt, Destination: &prompt, EnvVars: envVars("prompt")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "negative-prompt", Usage: "The negative prompt to guide image generation", Destination: &negativePrompt, EnvVars: envVars("negative-prompt")}),
		altsrc.NewIntSliceFlag(&cli.IntSliceFlag{Name: "batch-sizes", Usage: "Batch sizes to measure", Value: cli.NewIntSlice(1, 2, 4, 8, 16), EnvVars: envVars("batch-sizes")}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "height", Usage: "Image height, a multiple of 8", Value: 512, Destination: &height, EnvVars: envVars("height")}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "width", Usage: "Image width, a multiple of 8", Value: 512, Destination: &width, EnvVars: envVars("width")}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "num-warmup-runs", Usage: "Pipeline runs before measuring", Value: 5, Destination: &warmupRuns, EnvVars: envVars("num-warmup-runs")}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "denoising-steps", Usage: "Number of inference steps", Value: 50, Destination: &denoisingSteps, EnvVars: envVars("denoising-steps")}),
		altsrc.NewUint64Flag(&cli.Uint64Flag{Name: "seed", Usage: "Seed of the initial latents", Destination: &seed, EnvVars: envVars("seed")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "onnx-dir", Usage: "Directory with the exported ONNX models", Value: "./onnx", Destination: &onnxDir, EnvVars: envVars("onnx-dir")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "device", Usage: "cuda or cpu", Value: "cuda", Destination: &device, EnvVars: envVars("device")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "backend", Usage: "ort or go", Value: "ort", Destination: &backend, EnvVars: envVars("backend")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "tokenizer", Usage: "Path to tokenizer.json, defaults to <onnx-dir>/tokenizer.json", Destination: &tokenizerPath, EnvVars: envVars("tokenizer")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "scheduler", Usage: "Registered scheduler name, lmsd or dpm", Value: "lmsd", Destination: &schedulerName, EnvVars: envVars("scheduler")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "scheduler-plugin", Usage: "Go plugin exporting Schedulers map[string]scheduler.Factory", Destination: &schedulerPlugin, EnvVars: envVars("scheduler-plugin")}),
		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "io-binding", Usage: "Reuse runtime input and output buffers across runs", Destination: &ioBinding, EnvVars: envVars("io-binding")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "denoising-prec", Usage: "Denoiser model precision, fp16 or fp32", Value: pipelines.PrecisionFP16, Destination: &denoisingPrec, EnvVars: envVars("denoising-prec")}),
		altsrc.NewIntFlag(&cli.IntFlag{Name: "num-images", Usage: "Number of images per prompt", Value: 1, Destination: &numImages, EnvVars: envVars("num-images")}),
		altsrc.NewFloat64Flag(&cli.Float64Flag{Name: "guidance-scale", Usage: "Classifier free guidance scale", Value: 7.5, Destination: &guidanceScale, EnvVars: envVars("guidance-scale")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "output-dir", Usage: "Output directory for image artifacts, local or s3://", Value: "./output", Destination: &outputDir, EnvVars: envVars("output-dir")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "onnxruntime-library", Usage: "Path to the onnxruntime shared library", Destination: &sharedLibraryPath, EnvVars: envVars("onnxruntime-library")}),
		altsrc.NewInt64Flag(&cli.Int64Flag{Name: "trt-workspace-size", Usage: "TensorRT workspace size in bytes, 0 keeps the provider default", Destination: &trtWorkspaceSize, EnvVars: envVars("trt-workspace-size")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "trt-engine-cache", Usage: "Directory for cached TensorRT engines", Destination: &trtEngineCache, EnvVars: envVars("trt-engine-cache")}),
		altsrc.NewStringFlag(&cli.StringFlag{Name: "report", Usage: "Write a JSON report to this path, local or s3://", Destination: &reportPath, EnvVars: envVars("report")}),
		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "skip-memory", Usage: "Do not measure memory usage", Destination: &skipMemory, EnvVars: envVars("skip-memory")}),
		altsrc.NewBoolFlag(&cli.BoolFlag{Name: "skip-images", Usage: "Do not save generated images", Destination: &skipImages, EnvVars: envVars("skip-images")}),
	}
}

var runCommand = newRunCommand()

func newRunCommand() *cli.Command {
	flags := runFlags()
	return &cli.Command{
		Name:  "run",
		Usage: "Benchmark a Stable Diffusion pipeline across batch sizes",
		Description: `Run loads the CLIP, UNet and VAE models from --onnx-dir, warms the pipeline up and then measures,
				for every batch size, the latency of each stage and the memory used by a full run.
				Models are expected as clip_ort_trt.onnx, unet_fp16_ort_trt.onnx (unet_ort_trt.onnx for fp32) and vae_ort_trt.onnx.`,
		Flags:  flags,
		Before: altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc("config")),
		Action: func(ctx *cli.Context) error {
			configureLogging(logLevel)
			return runBenchmark(ctx.Context, ctx.IntSlice("batch-sizes"))
		},
	}
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download tokenizer files from the Hugging Face hub",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "repo", Usage: "Repository to download from", Value: diffbench.DefaultTokenizerRepo, Destination: &downloadRepo, EnvVars: envVars("repo")},
		&cli.StringSliceFlag{Name: "file", Usage: "File to download, repeatable", Value: cli.NewStringSlice("tokenizer.json", "tokenizer_config.json"), EnvVars: envVars("file")},
		&cli.StringFlag{Name: "dest", Usage: "Destination directory, local or s3://", Value: "./onnx", Destination: &downloadDest, EnvVars: envVars("dest")},
		&cli.StringFlag{Name: "token", Usage: "Hugging Face access token", Destination: &downloadToken, EnvVars: []string{"DIFFBENCH_TOKEN", "HF_TOKEN"}},
		&cli.StringFlag{Name: "branch", Usage: "Repository revision", Value: "main", Destination: &downloadBranch, EnvVars: envVars("branch")},
	},
	Action: func(ctx *cli.Context) error {
		configureLogging(logLevel)
		downloadOptions := diffbench.NewDownloadOptions()
		downloadOptions.Files = ctx.StringSlice("file")
		downloadOptions.AuthToken = downloadToken
		downloadOptions.Branch = downloadBranch
		downloadOptions.Verbose = isatty.IsTerminal(os.Stderr.Fd())
		paths, err := diffbench.DownloadModel(downloadRepo, downloadDest, downloadOptions)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

func configureLogging(level string) {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.DefaultLogger = log.Logger{
			Level:      log.ParseLevel(level),
			TimeFormat: "15:04:05",
			Writer: &log.ConsoleWriter{
				ColorOutput:    true,
				EndWithMessage: true,
				Writer:         os.Stderr,
			},
		}
		return
	}
	log.DefaultLogger = log.Logger{
		Level:  log.ParseLevel(level),
		Writer: &log.IOWriter{Writer: os.Stderr},
	}
}

func sessionOptions() ([]options.WithOption, error) {
	var opts []options.WithOption
	if backend != "ort" {
		if ioBinding || sharedLibraryPath != "" {
			return nil, errors.New("--io-binding and --onnxruntime-library need --backend ort")
		}
		return opts, nil
	}
	if sharedLibraryPath != "" {
		opts = append(opts, options.WithOnnxLibraryPath(sharedLibraryPath))
	}
	if device == "cuda" {
		opts = append(opts,
			options.WithTensorRT(options.TensorRTFP16(0, trtWorkspaceSize, trtEngineCache)),
			options.WithCuda(map[string]string{"device_id": "0"}),
		)
	}
	if ioBinding {
		opts = append(opts, options.WithIOBinding())
	}
	return opts, nil
}

func newSession() (*diffbench.Session, error) {
	opts, err := sessionOptions()
	if err != nil {
		return nil, err
	}
	switch backend {
	case "ort":
		return diffbench.NewORTSession(opts...)
	case "go":
		if device != "cpu" {
			return nil, errors.New("the go backend only runs on --device cpu")
		}
		return diffbench.NewGoSession(opts...)
	}
	return nil, fmt.Errorf("backend %s not recognized, use ort or go", backend)
}

// denoiseProgress draws one bar per denoising loop on a terminal.
func denoiseProgress() func(step, total int) {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(step, total int) {
		if step == 1 || bar == nil {
			bar = benchmark.NewProgressBar(total, "denoising")
		}
		_ = bar.Set(step)
		if step == total {
			_ = bar.Finish()
		}
	}
}

func diffusionConfig() diffbench.DiffusionConfig {
	config := diffbench.NewDiffusionConfig(onnxDir)
	config.TokenizerPath = tokenizerPath
	config.Scheduler = schedulerName
	config.SchedulerConfig.Device = device
	config.Pipeline.Height = height
	config.Pipeline.Width = width
	config.Pipeline.DenoisingSteps = denoisingSteps
	config.Pipeline.GuidanceScale = float32(guidanceScale)
	config.Pipeline.Seed = seed
	config.Pipeline.NumImagesPerPrompt = numImages
	config.Pipeline.DenoisingPrecision = denoisingPrec
	if progress := denoiseProgress(); progress != nil {
		config.Options = append(config.Options, pipelines.WithProgress(progress))
	}
	return config
}

func benchmarkConfig(batchSizes []int) benchmark.Config {
	config := benchmark.DefaultConfig()
	config.BatchSizes = batchSizes
	config.WarmupRuns = warmupRuns
	config.Prompt = prompt
	config.NegativePrompt = negativePrompt
	config.DenoisingSteps = denoisingSteps
	config.Precision = denoisingPrec
	config.Device = device
	config.OutputDir = outputDir
	config.SaveImages = !skipImages
	config.MeasureMemory = !skipMemory
	config.ReportPath = reportPath
	return config
}

func runBenchmark(ctx context.Context, batchSizes []int) (err error) {
	if schedulerPlugin != "" {
		names, pluginErr := scheduler.LoadPlugin(schedulerPlugin)
		if pluginErr != nil {
			return pluginErr
		}
		log.Info().Strs("schedulers", names).Msg("Loaded scheduler plugin.")
	}
	if !scheduler.IsRegistered(schedulerName) {
		return fmt.Errorf("scheduler %q is not registered, load one with --scheduler-plugin (available: %v)", schedulerName, scheduler.Names())
	}

	session, err := newSession()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, session.Destroy())
	}()

	pipeline, err := session.NewDiffusionPipeline(diffusionConfig())
	if err != nil {
		return err
	}
	if err = pipeline.WarmUp(); err != nil {
		return err
	}

	b := benchmark.New(pipeline, benchmarkConfig(batchSizes))
	b.Statistics = session.GetStatistics
	report, err := b.Run(ctx)
	if err != nil {
		return err
	}
	for _, line := range session.GetStats() {
		log.Info().Msg(line)
	}
	if log.DefaultLogger.Level <= log.DebugLevel {
		for _, statistics := range session.GetStatistics() {
			statistics.Print()
		}
	}
	log.Info().Int("batchSizes", len(report.Results)).Msg("Benchmark complete.")
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "diffbench",
		Usage: "Stable Diffusion latency and memory benchmark on ONNX Runtime with TensorRT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn or error",
				Value:       "info",
				Destination: &logLevel,
				EnvVars:     envVars("log-level"),
			},
		},
		Commands: []*cli.Command{runCommand, downloadCommand},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	checks.Check(newApp().RunContext(ctx, os.Args))
}
