package cairn

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text length in model tokens. The prompt assembler
// budgets with it; character counting is not acceptable there.
type TokenCounter interface {
	Count(text string) int
}

// TokenCounterFunc adapts a plain function to the TokenCounter interface.
type TokenCounterFunc func(text string) int

// Count implements TokenCounter.
func (f TokenCounterFunc) Count(text string) int { return f(text) }

// NewTokenCounter returns a counter backed by the cl100k_base BPE encoding.
// When the encoding cannot be loaded (no dictionary reachable), it falls
// back to EstimateTokens. A budget computed on the estimate stays safe
// because the estimate overshoots for typical English text.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return TokenCounterFunc(EstimateTokens)
	}
	return &bpeCounter{enc: enc}
}

type bpeCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens approximates token count at roughly four bytes per token,
// rounding up. Non-empty text always counts at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
