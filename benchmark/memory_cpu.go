package benchmark

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

type cpuSampler struct {
	proc *process.Process
}

func newCPUSampler() (memorySampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115
	if err != nil {
		return nil, fmt.Errorf("opening process for memory sampling: %w", err)
	}
	return &cpuSampler{proc: proc}, nil
}

func (s *cpuSampler) Kind() string { return "CPU" }

func (s *cpuSampler) Devices() []string { return []string{"rss"} }

func (s *cpuSampler) Sample() ([]uint64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return nil, err
	}
	return []uint64{info.RSS}, nil
}

func (s *cpuSampler) Close() error { return nil }
