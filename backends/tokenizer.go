package backends

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/diffbench/util/fileutil"
	"github.com/knights-analytics/diffbench/util/safeconv"
)

// DefaultMaxLength is the CLIP text encoder context length.
const DefaultMaxLength = 77

type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *timings
	Destroy          func() error
	Runtime          string
	MaxLength        int
	PadID            uint32
}

// tokenizerConfig holds the fields of tokenizer_config.json that change how prompts are padded.
type tokenizerConfig struct {
	ModelMaxLength float64 `json:"model_max_length"`
	PadToken       any     `json:"pad_token"`
}

func (c tokenizerConfig) padToken() string {
	switch v := c.PadToken.(type) {
	case string:
		return v
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			return content
		}
	}
	return ""
}

// LoadTokenizer loads tokenizer.json from path with the RUST or GO runtime. A
// tokenizer_config.json in the same directory may set the maximum length and pad token.
func LoadTokenizer(path string, runtime string) (*Tokenizer, error) {
	exists, err := fileutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("error checking for existence of tokenizer: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tokenizer not found at %s", path)
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}

	tk := &Tokenizer{
		Runtime:          runtime,
		MaxLength:        DefaultMaxLength,
		TokenizerTimings: &timings{},
	}
	switch runtime {
	case "RUST":
		err = loadRustTokenizer(tokenizerBytes, tk)
	case "GO":
		err = loadGoTokenizer(tokenizerBytes, tk)
	default:
		err = fmt.Errorf("runtime %s not recognized", runtime)
	}
	if err != nil {
		return nil, err
	}

	config, err := readTokenizerConfig(fileutil.PathJoinSafe(parentDir(path), "tokenizer_config.json"))
	if err != nil {
		return nil, errors.Join(err, tk.Destroy())
	}
	if config.ModelMaxLength > 0 && config.ModelMaxLength < 1<<20 {
		tk.MaxLength = int(config.ModelMaxLength)
	}
	if err = tk.resolvePadID(config.padToken()); err != nil {
		return nil, errors.Join(err, tk.Destroy())
	}
	return tk, nil
}

func readTokenizerConfig(path string) (tokenizerConfig, error) {
	var config tokenizerConfig
	exists, err := fileutil.FileExists(path)
	if err != nil || !exists {
		return config, err
	}
	configBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return config, err
	}
	if err = jsoniter.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parsing %s: %w", path, err)
	}
	return config, nil
}

func parentDir(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "."
	}
	return path[:i]
}

// resolvePadID uses the configured pad token when it maps to a single id, and the
// end-of-text token otherwise, which is what CLIP pads with.
func (t *Tokenizer) resolvePadID(padToken string) error {
	if padToken != "" {
		ids, err := t.encode(padToken, false)
		if err != nil {
			return err
		}
		if len(ids) == 1 {
			t.PadID = ids[0]
			return nil
		}
	}
	ids, err := t.encode("", true)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("tokenizer adds no special tokens, set pad_token in tokenizer_config.json")
	}
	t.PadID = ids[len(ids)-1]
	return nil
}

func (t *Tokenizer) encode(text string, addSpecialTokens bool) ([]uint32, error) {
	switch t.Runtime {
	case "RUST":
		return encodeRust(t, text, addSpecialTokens)
	case "GO":
		return encodeGo(t, text, addSpecialTokens)
	}
	return nil, fmt.Errorf("runtime %s not recognized", t.Runtime)
}

// Tokenize encodes texts into int32 input ids of shape (len(texts), maxLength), padded
// with the pad token. A non-positive maxLength uses the tokenizer's MaxLength.
func (t *Tokenizer) Tokenize(texts []string, maxLength int, truncate bool) (*Tensor, error) {
	if maxLength <= 0 {
		maxLength = t.MaxLength
	}
	start := time.Now()
	defer func() {
		atomic.AddUint64(&t.TokenizerTimings.NumCalls, 1)
		atomic.AddUint64(&t.TokenizerTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	}()

	data := make([]int32, 0, len(texts)*maxLength)
	for _, text := range texts {
		ids, err := t.encode(text, true)
		if err != nil {
			return nil, err
		}
		row, err := PadIDs(ids, maxLength, t.PadID, truncate)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", text, err)
		}
		data = append(data, row...)
	}
	return NewInt32Tensor(NewShape(int64(len(texts)), int64(maxLength)), data)
}

// PadIDs pads ids to maxLength with padID. Longer sequences are cut to maxLength
// keeping their final token when truncate is set, and rejected otherwise.
func PadIDs(ids []uint32, maxLength int, padID uint32, truncate bool) ([]int32, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("invalid max length %d", maxLength)
	}
	if len(ids) > maxLength {
		if !truncate {
			return nil, fmt.Errorf("%d tokens exceed the maximum length of %d", len(ids), maxLength)
		}
		last := ids[len(ids)-1]
		ids = append(ids[:maxLength-1:maxLength-1], last)
	}
	row := make([]int32, maxLength)
	for i := range row {
		id := padID
		if i < len(ids) {
			id = ids[i]
		}
		row[i] = safeconv.Uint32ToInt32(id)
	}
	return row, nil
}

// GetStatistics returns the accumulated tokenization timings.
func (t *Tokenizer) GetStatistics() ModelStatistics {
	statistics := ModelStatistics{Name: "tokenizer"}
	statistics.ComputeStatistics(t.TokenizerTimings)
	return statistics
}
