package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPadIDs(t *testing.T) {
	row, err := PadIDs([]uint32{49406, 320, 49407}, 6, 49407, false)
	checkT(t, err)
	assert.Equal(t, []int32{49406, 320, 49407, 49407, 49407, 49407}, row)

	_, err = PadIDs([]uint32{49406, 1, 2, 3, 49407}, 4, 49407, false)
	assert.Error(t, err)

	row, err = PadIDs([]uint32{49406, 1, 2, 3, 49407}, 4, 0, true)
	checkT(t, err)
	assert.Equal(t, []int32{49406, 1, 2, 49407}, row)

	_, err = PadIDs(nil, 0, 0, true)
	assert.Error(t, err)
}

func TestPadIDsLeavesInputIntact(t *testing.T) {
	ids := []uint32{49406, 1, 2, 3, 49407}
	_, err := PadIDs(ids, 3, 0, true)
	checkT(t, err)
	assert.Equal(t, []uint32{49406, 1, 2, 3, 49407}, ids)
}

func TestTokenizerConfigPadToken(t *testing.T) {
	assert.Equal(t, "<|endoftext|>", tokenizerConfig{PadToken: "<|endoftext|>"}.padToken())
	assert.Equal(t, "<pad>", tokenizerConfig{PadToken: map[string]any{"content": "<pad>"}}.padToken())
	assert.Equal(t, "", tokenizerConfig{}.padToken())
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "s3://bucket/clip", parentDir("s3://bucket/clip/tokenizer.json"))
	assert.Equal(t, "./onnx", parentDir("./onnx/tokenizer.json"))
	assert.Equal(t, ".", parentDir("tokenizer.json"))
}

func TestLoadTokenizerMissing(t *testing.T) {
	_, err := LoadTokenizer("./testData/missing/tokenizer.json", "GO")
	assert.Error(t, err)
}
