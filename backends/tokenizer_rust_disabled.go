//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *Tokenizer) error {
	return errors.New("rust tokenizer is not enabled, build with -tags ORT or -tags ALL")
}

func encodeRust(_ *Tokenizer, _ string, _ bool) ([]uint32, error) {
	return nil, errors.New("rust tokenizer is not enabled")
}
