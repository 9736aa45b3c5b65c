package options

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/knights-analytics/diffbench/util/fileutil"
)

type Options struct {
	BackendOptions any
	ORTOptions     *OrtOptions
	Destroy        func() error
	Backend        string
	IOBinding      bool
}

func Defaults() *Options {
	_, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib/libonnxruntime.so"
	}
}

type GraphOptimizationLevel int

const (
	GraphOptimizationLevelDisableAll     GraphOptimizationLevel = 0
	GraphOptimizationLevelEnableBasic    GraphOptimizationLevel = 1
	GraphOptimizationLevelEnableExtended GraphOptimizationLevel = 2
	GraphOptimizationLevelEnableAll      GraphOptimizationLevel = 99
)

type OrtOptions struct {
	LibraryPath            *string
	Telemetry              *bool
	IntraOpNumThreads      *int
	InterOpNumThreads      *int
	CPUMemArena            *bool
	MemPattern             *bool
	GraphOptimizationLevel *GraphOptimizationLevel
	CudaOptions            map[string]string
	TensorRTOptions        map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the full path to the "libonnxruntime.so", "libonnxruntime.dylib" or
// "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		exists, err := fileutil.FileExists(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library does not exist at %q", ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across
// separate graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithGraphOptimizationLevel (ORT only) Sets the graph optimization level for all model sessions.
func WithGraphOptimizationLevel(level GraphOptimizationLevel) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithGraphOptimizationLevel is only supported for ORT backend")
		}
		o.ORTOptions.GraphOptimizationLevel = &level
		return nil
	}
}

// WithCuda (ORT only) sets the options for the CUDA provider. When TensorRT is also enabled, CUDA is
// registered after it and serves the nodes TensorRT does not claim.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		o.ORTOptions.CudaOptions = options
		return nil
	}
}

// WithTensorRT (ORT only) sets the options for the TensorRT provider. The onnxruntime library must be
// built with TensorRT support. Use TensorRTFP16 to build the usual option map.
func WithTensorRT(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTensorRT is only supported for ORT backend")
		}
		o.ORTOptions.TensorRTOptions = options
		return nil
	}
}

// WithIOBinding keeps the runtime input and output buffers of each model bound across runs,
// so repeated calls with the same shapes reuse memory instead of allocating.
func WithIOBinding() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIOBinding is only supported for ORT backend")
		}
		o.IOBinding = true
		return nil
	}
}

// TensorRTFP16 returns TensorRT provider options with fp16 kernels enabled. A zero workspace size
// keeps the provider default, an empty cache path disables the engine cache.
func TensorRTFP16(deviceID int, workspaceSize int64, engineCachePath string) map[string]string {
	trtOptions := map[string]string{
		"device_id":       strconv.Itoa(deviceID),
		"trt_fp16_enable": "1",
	}
	if workspaceSize > 0 {
		trtOptions["trt_max_workspace_size"] = strconv.FormatInt(workspaceSize, 10)
	}
	if engineCachePath != "" {
		trtOptions["trt_engine_cache_enable"] = "1"
		trtOptions["trt_engine_cache_path"] = engineCachePath
	}
	return trtOptions
}
