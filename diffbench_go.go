package diffbench

import (
	"github.com/knights-analytics/diffbench/options"
)

// NewGoSession creates a session running fp32 models on the CPU with the pure Go backend.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
