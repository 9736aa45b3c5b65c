//go:build cgo && (ORT || ALL)

package benchmark

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

type gpuSampler struct {
	devices []nvml.Device
	names   []string
}

func nvmlError(ret nvml.Return) error {
	return errors.New(nvml.ErrorString(ret))
}

func newGPUSampler() (memorySampler, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("initialising NVML: %w", nvmlError(ret))
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, errors.Join(fmt.Errorf("counting GPUs: %w", nvmlError(ret)), nvmlError(nvml.Shutdown()))
	}
	if count == 0 {
		_ = nvml.Shutdown()
		return nil, errors.New("no GPU found for memory monitoring")
	}
	s := &gpuSampler{}
	for i := range count {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			_ = nvml.Shutdown()
			return nil, fmt.Errorf("opening GPU %d: %w", i, nvmlError(ret))
		}
		s.devices = append(s.devices, device)
		s.names = append(s.names, fmt.Sprintf("gpu%d", i))
	}
	return s, nil
}

func (s *gpuSampler) Kind() string { return "GPU" }

func (s *gpuSampler) Devices() []string { return s.names }

func (s *gpuSampler) Sample() ([]uint64, error) {
	used := make([]uint64, len(s.devices))
	for i, device := range s.devices {
		memory, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("reading memory of %s: %w", s.names[i], nvmlError(ret))
		}
		used[i] = memory.Used
	}
	return used, nil
}

func (s *gpuSampler) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return nvmlError(ret)
	}
	return nil
}
