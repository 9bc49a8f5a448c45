package ircbridge

import (
	"github.com/lrstanley/girc"

	"github.com/dalnet/chatrelay/internal/chat"
)

// sayer is the slice of the IRC client that users and channels write through
type sayer interface {
	Say(channel, text string)
	SayTo(name, text string)
}

// User is an IRC nick
type User struct {
	chat.BaseUser
	out sayer
}

func newUser(nick string, out sayer) *User {
	return &User{BaseUser: chat.NewBaseUser(nick, ""), out: out}
}

// Send delivers a private message to the nick
func (u *User) Send(text string) (chat.Message, error) {
	u.out.SayTo(u.Username(), text)
	return newMessage(nil, text), nil
}

// Channel is an IRC channel, named without its leading '#'
type Channel struct {
	*chat.BaseChannel
	out sayer
}

func newChannel(name string, out sayer) *Channel {
	return &Channel{BaseChannel: chat.NewBaseChannel(name, "#"+name, ""), out: out}
}

// Send posts text to the channel
func (c *Channel) Send(text string) (chat.Message, error) {
	c.out.Say(c.Name(), text)
	return newMessage(nil, text, c), nil
}

// newMessage wraps IRC text; the clean text has formatting codes stripped
func newMessage(sender chat.User, raw string, channels ...chat.Channel) *chat.BaseMessage {
	msg := chat.NewBaseMessage("", sender, raw, channels...)
	msg.SetCleanText(girc.StripRaw(raw))
	return msg
}
