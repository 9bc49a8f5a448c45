// Package chat defines the service-neutral users, channels and messages
// that bridges exchange over a domain's event bus. Each bridge implements
// these interfaces for its own service.
package chat

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnsupported is returned by operations a service cannot perform
var ErrUnsupported = errors.New("operation not supported by this service")

// PinState is the pin status of a message on services that support pinning
type PinState int

const (
	PinUnsupported PinState = iota
	Pinned
	Unpinned
)

// User is a person seen on one service
type User interface {
	Username() string
	DisplayName() string
	Send(text string) (Message, error)
}

// Channel is a named room on one service
type Channel interface {
	Name() string
	DisplayName() string
	Description() string
	Members() []User
	SetMembers(members []User)
	Send(text string) (Message, error)
}

// Message is a single chat line sent or received on one service
type Message interface {
	ID() string
	Sender() User
	RawText() string
	// CleanText is RawText with service specific markup removed
	CleanText() string
	Channels() []Channel
	Pinned() PinState
	Date() time.Time
	Pin(pinned bool) error
	Edit(text string) error
	Delete() error
}

// BaseUser carries the identity fields every User shares
type BaseUser struct {
	username    string
	displayName string
}

// NewBaseUser creates a BaseUser
func NewBaseUser(username, displayName string) BaseUser {
	return BaseUser{username: username, displayName: displayName}
}

// Username returns the service local identity
func (u *BaseUser) Username() string { return u.username }

// DisplayName returns the human label, falling back to the username
func (u *BaseUser) DisplayName() string {
	if u.displayName == "" {
		return u.username
	}
	return u.displayName
}

// SetDisplayName updates the human label
func (u *BaseUser) SetDisplayName(name string) { u.displayName = name }

// BaseChannel carries the naming and membership state every Channel shares
type BaseChannel struct {
	name        string
	displayName string
	description string

	mu      sync.RWMutex
	members map[string]User
}

// NewBaseChannel creates a channel; name is lowercased to its canonical form
func NewBaseChannel(name, displayName, description string) *BaseChannel {
	return &BaseChannel{
		name:        strings.ToLower(name),
		displayName: displayName,
		description: description,
		members:     make(map[string]User),
	}
}

// Name returns the canonical lowercased identifier
func (c *BaseChannel) Name() string { return c.name }

// DisplayName returns the undecorated channel name
func (c *BaseChannel) DisplayName() string {
	if c.displayName == "" {
		return c.name
	}
	return c.displayName
}

// Description returns the channel topic, if the service has one
func (c *BaseChannel) Description() string { return c.description }

// Members returns the channel members ordered by username
func (c *BaseChannel) Members() []User {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]User, 0, len(c.members))
	for _, u := range c.members {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username() < out[j].Username() })
	return out
}

// SetMembers replaces the membership with the latest known list
func (c *BaseChannel) SetMembers(members []User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = make(map[string]User, len(members))
	for _, u := range members {
		c.members[strings.ToLower(u.Username())] = u
	}
}

// AddMember adds or replaces a single member
func (c *BaseChannel) AddMember(u User) {
	c.mu.Lock()
	c.members[strings.ToLower(u.Username())] = u
	c.mu.Unlock()
}

// RemoveMember drops a member by username
func (c *BaseChannel) RemoveMember(username string) {
	c.mu.Lock()
	delete(c.members, strings.ToLower(username))
	c.mu.Unlock()
}

// BaseMessage carries the fields every Message shares. Services without
// edit, delete or pin support inherit the ErrUnsupported behaviour.
type BaseMessage struct {
	id        string
	sender    User
	rawText   string
	cleanText string
	channels  []Channel
	date      time.Time

	mu     sync.Mutex
	pinned PinState
}

// NewBaseMessage creates a message. An empty id is replaced by a fresh UUID.
func NewBaseMessage(id string, sender User, rawText string, channels ...Channel) *BaseMessage {
	if id == "" {
		id = uuid.NewString()
	}
	return &BaseMessage{
		id:       id,
		sender:   sender,
		rawText:  rawText,
		channels: channels,
		date:     time.Now(),
		pinned:   PinUnsupported,
	}
}

// ID returns the service native id, or a generated one
func (m *BaseMessage) ID() string { return m.id }

// Sender returns the author, nil for system messages
func (m *BaseMessage) Sender() User { return m.sender }

// RawText returns the text exactly as received
func (m *BaseMessage) RawText() string { return m.rawText }

// CleanText returns the markup-free text, falling back to RawText
func (m *BaseMessage) CleanText() string {
	if m.cleanText == "" {
		return m.rawText
	}
	return m.cleanText
}

// SetCleanText records the markup-free rendering
func (m *BaseMessage) SetCleanText(text string) { m.cleanText = text }

// Channels returns the destination channels, empty for private messages
func (m *BaseMessage) Channels() []Channel { return m.channels }

// Date returns when the message was constructed
func (m *BaseMessage) Date() time.Time { return m.date }

// Pinned returns the pin state
func (m *BaseMessage) Pinned() PinState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned
}

// SetPinned records a pin state reported by the service
func (m *BaseMessage) SetPinned(p PinState) {
	m.mu.Lock()
	m.pinned = p
	m.mu.Unlock()
}

// Pin is unsupported unless a service overrides it
func (m *BaseMessage) Pin(bool) error { return ErrUnsupported }

// Edit is unsupported unless a service overrides it
func (m *BaseMessage) Edit(string) error { return ErrUnsupported }

// Delete is unsupported unless a service overrides it
func (m *BaseMessage) Delete() error { return ErrUnsupported }

// ChannelNames returns the lowercased names of channels
func ChannelNames(channels []Channel) []string {
	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, strings.ToLower(c.Name()))
	}
	return names
}

// SenderName returns the sender's username or an empty string for system messages
func SenderName(m Message) string {
	if m == nil || m.Sender() == nil {
		return ""
	}
	return m.Sender().Username()
}

// StaticUser is a user that cannot be messaged back, such as a game-server
// player or an internal system sender
type StaticUser struct {
	BaseUser
}

// NewStaticUser creates a StaticUser
func NewStaticUser(username string) *StaticUser {
	return &StaticUser{BaseUser: NewBaseUser(username, "")}
}

// Send always fails for a StaticUser
func (u *StaticUser) Send(string) (Message, error) { return nil, ErrUnsupported }
