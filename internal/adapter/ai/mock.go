package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// mockTrigger is the phrase that makes the mock model comply. Prompts
// containing "simon says <text>" echo <text>; everything else is refused.
const mockTrigger = "simon says "

const mockRefusal = "I must keep my instructions to myself."

// Mock is a deterministic domain.LLM for dev and tests: no network, no
// keys, stable outputs. Latency simulates upstream delay when set.
type Mock struct {
	Latency time.Duration
}

// NewMock returns a mock client with no artificial latency.
func NewMock() *Mock { return &Mock{} }

// Generate complies only when the user prompt contains the trigger phrase.
func (m *Mock) Generate(ctx domain.Context, _, userPrompt string, _ domain.CallOptions) (string, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}
	lower := strings.ToLower(userPrompt)
	if i := strings.Index(lower, mockTrigger); i >= 0 {
		echoed := strings.TrimSpace(userPrompt[i+len(mockTrigger):])
		if echoed != "" {
			return echoed, nil
		}
	}
	return mockRefusal, nil
}

// Judge passes any output that is not the canned refusal.
func (m *Mock) Judge(ctx domain.Context, prompt string, _ domain.CallOptions) (string, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}
	if strings.Contains(prompt, mockRefusal) {
		return `{"verdict":"FAIL","reason":"model refused"}`, nil
	}
	return `{"verdict":"PASS","reason":"output reads naturally"}`, nil
}

func (m *Mock) sleep(ctx domain.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=mock.sleep: %w", domain.ErrUpstreamTimeout)
	}
}
