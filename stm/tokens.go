package stm

import (
	"encoding/json"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage of assembled bundles so the
// downstream prompt assembler can budget without re-tokenizing. It uses
// the cl100k_base encoding when available and a bytes/4 estimate when the
// encoding cannot be loaded (offline environments).
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter. Never fails; at worst it estimates.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// Rough heuristic: ~4 bytes per token for English-ish text.
	return (len(text) + 3) / 4
}

// CountBundle sums the token footprint of a bundle's prompt-visible parts:
// recent turn contents, fact triples, thread titles, and the slots
// document.
func (c *TokenCounter) CountBundle(b *ContextBundle) int {
	total := 0
	for _, turn := range b.Recent {
		total += c.Count(turn.Content)
	}
	for _, fact := range b.Facts {
		total += c.Count(fact.Subject) + c.Count(fact.Predicate) + c.Count(fact.Value)
	}
	for _, thread := range b.OpenThreads {
		total += c.Count(thread.Title)
	}
	if len(b.Slots) > 0 {
		if data, err := json.Marshal(b.Slots); err == nil {
			total += c.Count(string(data))
		}
	}
	return total
}
