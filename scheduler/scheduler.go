// Package scheduler defines the noise scheduler contract used by the denoising loop.
// Implementations are provided by registration, either in-process or from a Go plugin.
package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/knights-analytics/diffbench/backends"
)

// Config is the training noise schedule the diffusion models were trained with.
type Config struct {
	NumTrainTimesteps int
	BetaStart         float64
	BetaEnd           float64
	Device            string
}

func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		Device:            "cuda",
	}
}

// Scheduler advances latents across the denoising steps.
type Scheduler interface {
	// SetTimesteps prepares n inference steps.
	SetTimesteps(n int) error
	// Timesteps are the model timesteps in the order they are visited.
	Timesteps() []float32
	InitNoiseSigma() float32
	ScaleModelInput(sample *backends.Tensor, stepIndex int) (*backends.Tensor, error)
	Step(noisePred, latents *backends.Tensor, stepIndex int, timestep float32) (*backends.Tensor, error)
}

type Factory func(Config) (Scheduler, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a scheduler available under name, replacing any earlier registration.
func Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("scheduler name is empty")
	}
	if factory == nil {
		return fmt.Errorf("scheduler %s has no factory", name)
	}
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
	return nil
}

// New creates the named scheduler and sets up its timesteps for steps inference steps.
func New(name string, config Config, steps int) (Scheduler, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("scheduler %q is not registered, available: %v", name, Names())
	}
	if steps <= 0 {
		return nil, fmt.Errorf("invalid number of denoising steps %d", steps)
	}
	s, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler %s: %w", name, err)
	}
	if err = s.SetTimesteps(steps); err != nil {
		return nil, fmt.Errorf("setting %d timesteps on scheduler %s: %w", steps, name, err)
	}
	if n := len(s.Timesteps()); n != steps {
		return nil, fmt.Errorf("scheduler %s produced %d timesteps for %d steps", name, n, steps)
	}
	return s, nil
}

// Names lists the registered schedulers in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsRegistered(name string) bool {
	return slices.Contains(Names(), name)
}

func unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
}
