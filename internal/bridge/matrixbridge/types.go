package matrixbridge

import (
	"maunium.net/go/mautrix/id"

	"github.com/dalnet/chatrelay/internal/chat"
)

// User is a Matrix account
type User struct {
	chat.BaseUser
	id id.UserID
}

// ID returns the full Matrix user id
func (u *User) ID() id.UserID { return u.id }

// Send is unsupported: the bridge does not open direct rooms
func (u *User) Send(string) (chat.Message, error) {
	return nil, chat.ErrUnsupported
}

// Channel is a relay channel backed by one or more Matrix rooms
type Channel struct {
	*chat.BaseChannel
	b *Bridge
}

// Send posts text to every room mapped to the channel
func (c *Channel) Send(text string) (chat.Message, error) {
	c.b.deliver([]chat.Channel{c}, text, false, nil, nil)
	return chat.NewBaseMessage("", nil, text, c), nil
}

// Message is a Matrix room event. Edits and deletes are queued to the worker.
type Message struct {
	*chat.BaseMessage
	room id.RoomID
	b    *Bridge
}

// Room returns the room the event was sent in
func (m *Message) Room() id.RoomID { return m.room }

// Edit replaces the event's text
func (m *Message) Edit(text string) error {
	m.b.outbox.Push(outgoing{op: opEdit, room: m.room, target: id.EventID(m.ID()), text: text})
	return nil
}

// Delete redacts the event
func (m *Message) Delete() error {
	m.b.outbox.Push(outgoing{op: opRedact, room: m.room, target: id.EventID(m.ID())})
	return nil
}
