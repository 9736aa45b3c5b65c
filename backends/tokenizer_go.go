package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/diffbench/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, tk *Tokenizer) error {
	goTK, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return err
	}
	tk.GoTokenizer = &GoTokenizer{Tokenizer: goTK}
	tk.Destroy = func() error {
		return nil
	}
	return nil
}

func encodeGo(tk *Tokenizer, text string, addSpecialTokens bool) ([]uint32, error) {
	encoding, err := tk.GoTokenizer.Tokenizer.EncodeSingle(text, addSpecialTokens)
	if err != nil {
		return nil, err
	}
	return safeconv.IntSliceToUint32Slice(encoding.Ids), nil
}
