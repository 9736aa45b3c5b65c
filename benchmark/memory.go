package benchmark

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/diffbench/util/safeconv"
)

// DefaultMemoryInterval is how often memory is polled while a measured function runs.
const DefaultMemoryInterval = 5 * time.Millisecond

// DeviceMemory is the memory used on one device around a measured function, in MB.
type DeviceMemory struct {
	Device   string  `json:"device"`
	BeforeMB float64 `json:"before_mb"`
	PeakMB   float64 `json:"peak_mb"`
	DeltaMB  float64 `json:"delta_mb"`
}

// MemoryReport holds the per device usage and the largest increase over all devices.
type MemoryReport struct {
	Kind    string         `json:"kind"`
	Devices []DeviceMemory `json:"devices"`
	UsedMB  float64        `json:"used_mb"`
}

// memorySampler reads the used bytes of every device it watches.
type memorySampler interface {
	Kind() string
	Devices() []string
	Sample() ([]uint64, error)
	Close() error
}

type MemoryMonitor struct {
	sampler  memorySampler
	Interval time.Duration
}

// NewMemoryMonitor watches GPU memory through NVML for the cuda device and the process
// resident set size otherwise.
func NewMemoryMonitor(device string) (*MemoryMonitor, error) {
	var sampler memorySampler
	var err error
	if device == "cuda" {
		sampler, err = newGPUSampler()
	} else {
		sampler, err = newCPUSampler()
	}
	if err != nil {
		return nil, err
	}
	return &MemoryMonitor{sampler: sampler, Interval: DefaultMemoryInterval}, nil
}

func (m *MemoryMonitor) Close() error {
	return m.sampler.Close()
}

// Measure runs fn while polling memory in the background and reports the usage before
// the call and the peak reached during it.
func (m *MemoryMonitor) Measure(ctx context.Context, fn func(ctx context.Context) error) (*MemoryReport, error) {
	before, err := m.sampler.Sample()
	if err != nil {
		return nil, fmt.Errorf("sampling %s memory: %w", m.sampler.Kind(), err)
	}
	peak := append([]uint64(nil), before...)

	var mu sync.Mutex
	var sampleErr error
	record := func() {
		current, err := m.sampler.Sample()
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			sampleErr = err
			return
		}
		for i := range min(len(current), len(peak)) {
			peak[i] = max(peak[i], current[i])
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := m.Interval
		if interval <= 0 {
			interval = DefaultMemoryInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				record()
			}
		}
	}()

	fnErr := fn(ctx)
	close(done)
	wg.Wait()
	record()
	if fnErr != nil {
		return nil, fnErr
	}
	if sampleErr != nil {
		return nil, errors.Join(fmt.Errorf("sampling %s memory", m.sampler.Kind()), sampleErr)
	}

	report := &MemoryReport{Kind: m.sampler.Kind()}
	devices := m.sampler.Devices()
	for i := range before {
		d := DeviceMemory{
			Device:   devices[i],
			BeforeMB: safeconv.BytesToMB(before[i]),
			PeakMB:   safeconv.BytesToMB(peak[i]),
		}
		d.DeltaMB = d.PeakMB - d.BeforeMB
		report.UsedMB = max(report.UsedMB, d.DeltaMB)
		report.Devices = append(report.Devices, d)
	}
	log.Info().Str("kind", report.Kind).
		Str("before", formatMB(report.Devices, func(d DeviceMemory) float64 { return d.BeforeMB })).
		Str("peak", formatMB(report.Devices, func(d DeviceMemory) float64 { return d.PeakMB })).
		Float64("usedMB", report.UsedMB).
		Msg("memory usage")
	return report, nil
}

func formatMB(devices []DeviceMemory, value func(DeviceMemory) float64) string {
	s := ""
	for i, d := range devices {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%.1fMB", d.Device, value(d))
	}
	return s
}
