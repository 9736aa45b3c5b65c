//go:build linux

package diffbench

// onnxRuntimeSharedLibrary is the default ONNX Runtime library path for Linux.
const onnxRuntimeSharedLibrary = "/usr/lib64/onnxruntime.so"

// onnxRuntimeGPUSharedLibrary is an ONNX Runtime build with the TensorRT and CUDA providers.
const onnxRuntimeGPUSharedLibrary = "/usr/lib64/onnxruntime-gpu/libonnxruntime.so"
