package discordbridge

import (
	"sync"

	"github.com/dalnet/chatrelay/internal/chat"
)

// User is a Discord account
type User struct {
	chat.BaseUser
	id string
	b  *Bridge
}

// ID returns the Discord snowflake
func (u *User) ID() string { return u.id }

// Send opens a direct message channel and posts text to it
func (u *User) Send(text string) (chat.Message, error) {
	u.b.outbox.Push(outgoing{op: opDirect, userID: u.id, text: text})
	return chat.NewBaseMessage("", nil, text), nil
}

// Channel is a guild text channel or a direct message channel
type Channel struct {
	*chat.BaseChannel
	b *Bridge

	mu sync.RWMutex
	id string
}

// ID returns the channel snowflake once it is known
func (c *Channel) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Channel) setID(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
}

// Send posts text to the channel
func (c *Channel) Send(text string) (chat.Message, error) {
	c.b.outbox.Push(outgoing{op: opSend, channelID: c.ID(), channel: c.Name(), text: text})
	return chat.NewBaseMessage("", nil, text, c), nil
}

// Message is a Discord message; edits, deletes and pins are queued to the
// worker
type Message struct {
	*chat.BaseMessage
	channelID string
	b         *Bridge
}

// Edit replaces the message text
func (m *Message) Edit(text string) error {
	m.b.outbox.Push(outgoing{op: opEdit, channelID: m.channelID, messageID: m.ID(), text: text})
	return nil
}

// Delete removes the message
func (m *Message) Delete() error {
	m.b.outbox.Push(outgoing{op: opDelete, channelID: m.channelID, messageID: m.ID()})
	return nil
}

// Pin pins or unpins the message
func (m *Message) Pin(pinned bool) error {
	m.b.outbox.Push(outgoing{op: opPin, channelID: m.channelID, messageID: m.ID(), pinned: pinned})
	state := chat.Unpinned
	if pinned {
		state = chat.Pinned
	}
	m.SetPinned(state)
	return nil
}
