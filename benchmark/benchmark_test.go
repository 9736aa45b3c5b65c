package benchmark

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/diffbench/backends"
	"github.com/knights-analytics/diffbench/pipelines"
)

func checkT(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Test failed with error %s", err.Error())
	}
}

type fakeGenerator struct {
	batches   []int
	negatives [][]string
	err       error
}

func (f *fakeGenerator) Run(_ context.Context, prompts []string, negativePrompts []string) (*pipelines.DiffusionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, len(prompts))
	f.negatives = append(f.negatives, negativePrompts)
	return &pipelines.DiffusionResult{
		Images:   backends.Zeros(backends.NewShape(int64(len(prompts)), 3, 8, 8), backends.DataTypeFloat32),
		CLIP:     12500 * time.Microsecond,
		UNet:     1234250 * time.Microsecond,
		VAE:      45 * time.Millisecond,
		Pipeline: 1500 * time.Millisecond,
	}, nil
}

type fakeSampler struct {
	calls atomic.Int64
}

func (s *fakeSampler) Kind() string { return "GPU" }

func (s *fakeSampler) Devices() []string { return []string{"gpu0", "gpu1"} }

// Sample reports 1 MB on both devices before the call and grows gpu1 afterwards.
func (s *fakeSampler) Sample() ([]uint64, error) {
	n := s.calls.Add(1)
	if n == 1 {
		return []uint64{1 << 20, 1 << 20}, nil
	}
	return []uint64{1 << 20, 3 << 20}, nil
}

func (s *fakeSampler) Close() error { return nil }

const expectedTable = `|------------|--------------|
|   Module   |   Latency    |
|------------|--------------|
|    CLIP    |     12.50 ms |
| UNet x 50  |   1234.25 ms |
|    VAE     |     45.00 ms |
|------------|--------------|
|  Pipeline  |       1.50 s |
|------------|--------------|
`

func TestWriteLatencyTable(t *testing.T) {
	g := &fakeGenerator{}
	r, err := g.Run(context.Background(), []string{"a"}, nil)
	checkT(t, err)
	buf := &bytes.Buffer{}
	checkT(t, WriteLatencyTable(buf, r, 50))
	assert.Equal(t, expectedTable, buf.String())

	buf.Reset()
	checkT(t, WriteLatencyTable(buf, r, 100))
	assert.Contains(t, buf.String(), "| UNet x 100 |   1234.25 ms |\n")
}

func TestCenter(t *testing.T) {
	assert.Equal(t, "  Latency   ", center("Latency", 12))
	assert.Equal(t, "   VAE    ", center("VAE", 10))
	assert.Equal(t, "UNet x 1000", center("UNet x 1000", 10))
}

func TestImagePrefix(t *testing.T) {
	assert.Equal(t, "sd-fp16-a_beautifu-", ImagePrefix("fp16", []string{DefaultPrompt, DefaultPrompt}))
	assert.Equal(t, "sd-fp32-cat-a_dog_in_a-", ImagePrefix("fp32", []string{"cat", "a dog in a hat", "cat"}))
	assert.Equal(t, "sd-fp16--", ImagePrefix("fp16", []string{""}))
	assert.Equal(t, "sd-fp16-富士山_桜-", ImagePrefix("fp16", []string{"富士山 桜"}))
}

func TestBenchmarkRun(t *testing.T) {
	g := &fakeGenerator{}
	config := DefaultConfig()
	config.BatchSizes = []int{1, 2}
	config.WarmupRuns = 2
	config.NegativePrompt = "blurry"
	config.ReportPath = filepath.Join(t.TempDir(), "report.json")

	var saved []string
	b := New(g, config)
	out := &bytes.Buffer{}
	b.Out = out
	b.Memory = &MemoryMonitor{sampler: &fakeSampler{}, Interval: time.Millisecond}
	b.ImageSaver = func(images *backends.Tensor, dir string, prefix string) ([]string, error) {
		saved = append(saved, prefix)
		assert.Equal(t, "./output", dir)
		return []string{prefix + "1-1000.png"}, nil
	}
	b.Statistics = func() []backends.ModelStatistics {
		return []backends.ModelStatistics{{Name: "UNet", ExecutionCount: 3}}
	}

	report, err := b.Run(context.Background())
	checkT(t, err)

	// two warm-up runs at batch 1, then a latency and a memory run per batch size
	assert.Equal(t, []int{1, 1, 1, 1, 2, 2}, g.batches)
	assert.Equal(t, []string{"blurry", "blurry"}, g.negatives[4])
	assert.Equal(t, []string{"sd-fp16-a_beautifu-", "sd-fp16-a_beautifu-"}, saved)

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "\nBatch size = 1\n\n"+expectedTable))
	assert.Contains(t, text, "\nBatch size = 2\n\n"+expectedTable)
	assert.Equal(t, 2, strings.Count(text, "|  Pipeline  |"))

	require.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.Results[1].BatchSize)
	assert.Equal(t, 1500*time.Millisecond, report.Results[1].Pipeline)
	require.NotNil(t, report.Results[0].Memory)
	assert.InDelta(t, 2.0, report.Results[0].Memory.UsedMB, 1e-9)

	loaded, err := ReadReport(config.ReportPath)
	checkT(t, err)
	assert.Equal(t, DefaultPrompt, loaded.Prompt)
	require.Len(t, loaded.Results, 2)
	assert.Equal(t, report.Results[0].CLIP, loaded.Results[0].CLIP)
	require.Len(t, loaded.Statistics, 1)
	assert.Equal(t, uint64(3), loaded.Statistics[0].ExecutionCount)
}

func TestBenchmarkValidation(t *testing.T) {
	config := DefaultConfig()
	config.BatchSizes = []int{0}
	_, err := New(&fakeGenerator{}, config).Run(context.Background())
	assert.ErrorContains(t, err, "invalid batch size 0")

	config = DefaultConfig()
	config.MeasureMemory = false
	config.SaveImages = false
	b := New(&fakeGenerator{err: errors.New("engine build failed")}, config)
	b.Out = &bytes.Buffer{}
	_, err = b.Run(context.Background())
	assert.ErrorContains(t, err, "engine build failed")
}

func TestMemoryMonitor(t *testing.T) {
	m := &MemoryMonitor{sampler: &fakeSampler{}, Interval: time.Millisecond}
	report, err := m.Measure(context.Background(), func(context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	checkT(t, err)
	require.Len(t, report.Devices, 2)
	assert.Equal(t, "GPU", report.Kind)
	assert.InDelta(t, 1.0, report.Devices[0].BeforeMB, 1e-9)
	assert.InDelta(t, 0.0, report.Devices[0].DeltaMB, 1e-9)
	assert.InDelta(t, 3.0, report.Devices[1].PeakMB, 1e-9)
	assert.InDelta(t, 2.0, report.UsedMB, 1e-9)

	_, err = m.Measure(context.Background(), func(context.Context) error {
		return errors.New("failed")
	})
	assert.Error(t, err)
}

func TestCPUMemoryMonitor(t *testing.T) {
	m, err := NewMemoryMonitor("cpu")
	checkT(t, err)
	defer func() { checkT(t, m.Close()) }()
	report, err := m.Measure(context.Background(), func(context.Context) error {
		buf := make([]byte, 32<<20)
		for i := range buf {
			buf[i] = byte(i)
		}
		return nil
	})
	checkT(t, err)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, "CPU", report.Kind)
	assert.Greater(t, report.Devices[0].BeforeMB, 0.0)
	assert.GreaterOrEqual(t, report.Devices[0].PeakMB, report.Devices[0].BeforeMB)
}
