// Package tokenizer converts text to GPT-2 token ids and back, and packs
// ids into the token tensor the model graph takes as input.
package tokenizer

import (
	"fmt"

	"github.com/born-ml/wgt/internal/tensor"
)

// Tokenizer is the interface the text generation path depends on.
type Tokenizer interface {
	// Encode converts text to token IDs.
	Encode(text string) ([]int, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int) (string, error)

	// VocabSize returns the total vocabulary size.
	VocabSize() int

	// EosToken returns the end-of-sequence token ID, or -1.
	EosToken() int
}

// maxExactID is the largest integer float32 holds exactly.
const maxExactID = 1 << 24

// PaddedTensor packs ids into a (1, 1, length) tensor, one float32 per
// id, filling the positions after the last id with 0.
func PaddedTensor(ids []int, length int) (*tensor.Tensor, error) {
	if len(ids) > length {
		return nil, fmt.Errorf("%d token ids do not fit in %d positions", len(ids), length)
	}
	values := make([]float32, length)
	for i, id := range ids {
		if id < 0 || id > maxExactID {
			return nil, fmt.Errorf("token id %d at %d is not representable", id, i)
		}
		values[i] = float32(id)
	}
	return tensor.FromValues(tensor.Shape{Batches: 1, Rows: 1, Cols: uint32(length)}, values)
}
