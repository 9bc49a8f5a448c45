package event

import "github.com/dalnet/chatrelay/internal/chat"

// Emitter is the bridge or plugin that raised an event. Receivers compare it
// against themselves to drop their own echoes.
type Emitter interface {
	Name() string
}

// Key names an event and fixes its payload type at compile time.
type Key[T any] struct {
	name string
}

// NewKey creates a key for a custom event.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the event name.
func (k Key[T]) Name() string {
	return k.name
}

// MessageEvent carries a channel or private message, or a pose.
type MessageEvent struct {
	Emitter Emitter
	Message chat.Message
}

// MembershipEvent carries a join or a leave.
type MembershipEvent struct {
	Emitter  Emitter
	User     chat.User
	Channels []chat.Channel
}

// EditEvent carries a message edit made on the emitting service.
type EditEvent struct {
	Emitter Emitter
	Message chat.Message
	Text    string
}

// DeleteEvent carries a message deletion made on the emitting service.
type DeleteEvent struct {
	Emitter Emitter
	Message chat.Message
}

// NameChangeEvent carries a user renaming themselves.
type NameChangeEvent struct {
	Emitter  Emitter
	User     chat.User
	OldName  string
	Channels []chat.Channel
}

// Standard event vocabulary.
var (
	ReceiveMessage        = NewKey[MessageEvent]("OnReceiveMessage")
	ReceiveMessagePrivate = NewKey[MessageEvent]("OnReceiveMessagePrivate")
	ReceivePose           = NewKey[MessageEvent]("OnReceivePose")
	ReceivePosePrivate    = NewKey[MessageEvent]("OnReceivePosePrivate")
	ReceiveJoin           = NewKey[MembershipEvent]("OnReceiveJoin")
	ReceiveLeave          = NewKey[MembershipEvent]("OnReceiveLeave")
	MessageEdit           = NewKey[EditEvent]("OnMessageEdit")
	MessageDelete         = NewKey[DeleteEvent]("OnMessageDelete")
	UsernameChange        = NewKey[NameChangeEvent]("OnUsernameChange")
)
