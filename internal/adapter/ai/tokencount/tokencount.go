// Package tokencount estimates prompt token counts with tiktoken. The
// engine records the estimate on LLM_CALL audit events; the grader uses it
// to keep the judge prompt inside its budget.
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter caches one tiktoken encoding per model. Safe for concurrent use.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter builds an empty counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Default is the process-wide counter.
var Default = NewCounter()

// encodingFor resolves the encoding for a model, falling back to
// cl100k_base when tiktoken does not know the model family.
func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	name := encodingModel(model)

	c.mu.RLock()
	enc, ok := c.encodings[name]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodings[name] = enc
	return enc, nil
}

// encodingModel maps the activity's model ids (possibly provider-prefixed,
// e.g. "openai/gpt-4o-mini") onto names tiktoken resolves. Anything outside
// the gpt families approximates with the gpt-4 encoding.
func encodingModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// Count returns the token count of text under the model's encoding.
func (c *Counter) Count(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountChat estimates the prompt tokens of a two-message chat completion
// request, including the per-message framing overhead OpenAI-compatible
// APIs charge (3 tokens per message, 1 per role, 3 for the reply priming).
func (c *Counter) CountChat(systemPrompt, userPrompt, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range []struct{ role, content string }{
		{"system", systemPrompt},
		{"user", userPrompt},
	} {
		n += 3
		n += len(enc.Encode(m.role, nil, nil))
		n += len(enc.Encode(m.content, nil, nil))
		n++
	}
	return n + 3, nil
}

// Truncate cuts text to at most maxTokens tokens under the model's
// encoding. When the encoding cannot be resolved it degrades to a rune cut
// at roughly four characters per token rather than failing.
func (c *Counter) Truncate(text, model string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	enc, err := c.encodingFor(model)
	if err != nil {
		runes := []rune(text)
		if len(runes) <= maxTokens*4 {
			return text
		}
		return string(runes[:maxTokens*4])
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}
