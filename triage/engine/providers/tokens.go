package providers

import (
	"fmt"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and framing tokens chat APIs add.
const perMessageOverhead = 4

// TiktokenCounter estimates prompt size with a BPE encoding. Without an
// encoding it falls back to four characters per token.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return &TiktokenCounter{}, fmt.Errorf("failed to load tiktoken encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(in ports.ModelInput) int {
	total := c.estimate(in.System) + perMessageOverhead
	for _, m := range in.Messages {
		total += c.estimate(m.Text) + perMessageOverhead
	}
	return total
}

func (c *TiktokenCounter) estimate(s string) int {
	if c.enc == nil {
		return (len(s) + 3) / 4
	}
	return len(c.enc.Encode(s, nil, nil))
}

var _ ports.TokenCounter = (*TiktokenCounter)(nil)
