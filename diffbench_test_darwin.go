//go:build darwin

package diffbench

// onnxRuntimeSharedLibrary is the default ONNX Runtime library path for macOS.
const onnxRuntimeSharedLibrary = "/opt/homebrew/lib/libonnxruntime.dylib"

// onnxRuntimeGPUSharedLibrary is unused on macOS, which has no CUDA.
const onnxRuntimeGPUSharedLibrary = onnxRuntimeSharedLibrary
