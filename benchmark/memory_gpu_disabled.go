//go:build !cgo || (!ORT && !ALL)

package benchmark

import "errors"

func newGPUSampler() (memorySampler, error) {
	return nil, errors.New("GPU memory monitoring is not enabled, build with -tags ORT or -tags ALL")
}
