//go:build !cgo || (!ORT && !ALL)

package diffbench

import (
	"errors"

	"github.com/knights-analytics/diffbench/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL`")
}
