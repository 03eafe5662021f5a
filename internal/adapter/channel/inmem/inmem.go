// Package inmem is the in-process channel used in dev (no sink URL) and
// in tests. Sent messages are retained for inspection.
package inmem

import (
	"sync"

	"github.com/fairyhunter13/prompt-gauntlet/internal/domain"
)

// keep bounds the retained history so a long-lived dev process does not
// grow without limit.
const keep = 1000

// Message is one recorded outbound message.
type Message struct {
	ChatID string
	Text   string
}

// Channel implements domain.Channel by recording messages in memory.
type Channel struct {
	mu   sync.Mutex
	sent []Message
}

// New returns an empty in-memory channel.
func New() *Channel { return &Channel{} }

// Send records the message.
func (c *Channel) Send(_ domain.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Message{ChatID: chatID, Text: text})
	if len(c.sent) > keep {
		c.sent = c.sent[len(c.sent)-keep:]
	}
	return nil
}

// Sent returns a copy of the recorded messages, oldest first.
func (c *Channel) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}

// Reset drops the recorded history.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}
