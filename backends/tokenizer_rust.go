//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

type RustTokenizer struct {
	Tokenizer *tokenizers.Tokenizer
}

func loadRustTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	rustTK, err := tokenizers.FromBytes(tokenizerBytes)
	if err != nil {
		return err
	}
	tk.RustTokenizer = &RustTokenizer{Tokenizer: rustTK}
	tk.Destroy = func() error {
		return rustTK.Close()
	}
	return nil
}

func encodeRust(tk *Tokenizer, text string, addSpecialTokens bool) ([]uint32, error) {
	ids, _ := tk.RustTokenizer.Tokenizer.Encode(text, addSpecialTokens)
	return ids, nil
}
