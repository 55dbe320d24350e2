package embedding

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Truncator cuts text down to a token budget before it is embedded.
type Truncator struct {
	codec     tokenizer.Codec
	maxTokens int
}

// NewTruncator returns a cl100k_base truncator for maxTokens tokens.
func NewTruncator(maxTokens int) (*Truncator, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be positive, got %d", maxTokens)
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Truncator{codec: codec, maxTokens: maxTokens}, nil
}

// Truncate returns text unchanged when it fits, otherwise the decoded prefix
// of its first maxTokens tokens. The second result reports whether text was cut.
func (t *Truncator) Truncate(text string) (string, bool, error) {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return "", false, fmt.Errorf("encode: %w", err)
	}
	if len(ids) <= t.maxTokens {
		return text, false, nil
	}

	out, err := t.codec.Decode(ids[:t.maxTokens])
	if err != nil {
		return "", false, fmt.Errorf("decode: %w", err)
	}
	// A cut inside a multi-byte rune decodes to a partial sequence.
	return strings.ToValidUTF8(out, ""), true, nil
}

// MaxTokens returns the budget.
func (t *Truncator) MaxTokens() int { return t.maxTokens }
