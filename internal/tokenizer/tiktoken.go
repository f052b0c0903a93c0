package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// EncodingGPT2 is the byte-level BPE used by GPT-2.
	EncodingGPT2 = "r50k_base"
	// encodingP50kBase is the encoding name for GPT-3.
	encodingP50kBase = "p50k_base"
	// encodingCL100kBase is the encoding name for GPT-4 and GPT-3.5-turbo.
	encodingCL100kBase = "cl100k_base"
)

// TikToken wraps the pkoukk/tiktoken-go library for OpenAI tokenizers.
//
// Supported encodings:
//   - r50k_base: GPT-2, GPT-3 davinci
//   - p50k_base: GPT-3, Codex
//   - cl100k_base: GPT-4, GPT-3.5-turbo
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

var _ Tokenizer = (*TikToken)(nil)

// NewTikToken creates a new TikToken tokenizer with the specified encoding.
// The BPE ranks are fetched on first use and cached by tiktoken-go.
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}

	return &TikToken{
		encoding: encoding,
		name:     encodingName,
	}, nil
}

// Encode converts text to token IDs. Special tokens in text are encoded as
// plain text.
func (t *TikToken) Encode(text string) ([]int, error) {
	return t.encoding.Encode(text, nil, nil), nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int) (string, error) {
	vocab := t.VocabSize()
	for i, tok := range tokens {
		if tok < 0 || tok >= vocab {
			return "", fmt.Errorf("token %d at %d outside vocabulary of %d", tok, i, vocab)
		}
	}
	return t.encoding.Decode(tokens), nil
}

// VocabSize returns the number of ids the encoding can produce, special
// tokens included.
func (t *TikToken) VocabSize() int {
	switch t.name {
	case encodingCL100kBase:
		return 100277
	case encodingP50kBase:
		return 50281
	default:
		return 50257
	}
}

// EosToken returns the <|endoftext|> id.
func (t *TikToken) EosToken() int {
	if t.name == encodingCL100kBase {
		return 100257
	}
	return 50256
}
