// Package chattest provides in-memory chat types for tests.
package chattest

import (
	"sync"

	"github.com/dalnet/chatrelay/internal/chat"
)

// Channel is a chat.Channel that records every line sent to it
type Channel struct {
	*chat.BaseChannel

	mu   sync.Mutex
	sent []string
}

// NewChannel creates a recording channel
func NewChannel(name string) *Channel {
	return &Channel{BaseChannel: chat.NewBaseChannel(name, "", "")}
}

// Send records text and returns it as a message in this channel
func (c *Channel) Send(text string) (chat.Message, error) {
	c.mu.Lock()
	c.sent = append(c.sent, text)
	c.mu.Unlock()
	return chat.NewBaseMessage("", nil, text, c), nil
}

// Sent returns a copy of every line sent so far
func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}
