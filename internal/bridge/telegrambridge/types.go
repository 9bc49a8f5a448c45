package telegrambridge

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dalnet/chatrelay/internal/chat"
)

// API is the part of the Bot API client the bridge uses
type API interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// User is a Telegram account; its id doubles as the private chat id
type User struct {
	chat.BaseUser
	id  int64
	api func() API
}

// ID returns the Telegram user id
func (u *User) ID() int64 { return u.id }

// Send writes to the user's private chat
func (u *User) Send(text string) (chat.Message, error) {
	api := u.api()
	if api == nil {
		return nil, errNotStarted
	}
	sent, err := api.Send(tgbotapi.NewMessage(u.id, text))
	if err != nil {
		return nil, err
	}
	return newMessage(api, &sent, nil, text), nil
}

// Channel is a relay channel backed by one or more mapped Telegram chats
type Channel struct {
	*chat.BaseChannel
	b *Bridge
}

// Send writes text to every chat mapped to the channel
func (c *Channel) Send(text string) (chat.Message, error) {
	var first chat.Message
	for _, id := range c.b.chatIDs(c.Name()) {
		sent, err := c.b.send(id, text)
		if err != nil {
			return first, err
		}
		if first == nil {
			first = newMessage(c.b.api, sent, nil, text, c)
		}
	}
	return first, nil
}

// Message is a Telegram message, identified as chat:message
type Message struct {
	*chat.BaseMessage
	api       API
	chatID    int64
	messageID int
}

func newMessage(api API, m *tgbotapi.Message, sender chat.User, text string, channels ...chat.Channel) *Message {
	var chatID int64
	var messageID int
	if m != nil {
		messageID = m.MessageID
		if m.Chat != nil {
			chatID = m.Chat.ID
		}
	}
	return &Message{
		BaseMessage: chat.NewBaseMessage(messageKey(chatID, messageID), sender, text, channels...),
		api:         api,
		chatID:      chatID,
		messageID:   messageID,
	}
}

func messageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// Edit replaces the message text
func (m *Message) Edit(text string) error {
	if m.api == nil {
		return errNotStarted
	}
	_, err := m.api.Request(tgbotapi.NewEditMessageText(m.chatID, m.messageID, text))
	return err
}

// Delete removes the message
func (m *Message) Delete() error {
	if m.api == nil {
		return errNotStarted
	}
	_, err := m.api.Request(tgbotapi.NewDeleteMessage(m.chatID, m.messageID))
	return err
}

// Pin pins or unpins the message in its chat
func (m *Message) Pin(pinned bool) error {
	if m.api == nil {
		return errNotStarted
	}
	var err error
	if pinned {
		_, err = m.api.Request(tgbotapi.PinChatMessageConfig{ChatID: m.chatID, MessageID: m.messageID, DisableNotification: true})
	} else {
		_, err = m.api.Request(tgbotapi.UnpinChatMessageConfig{ChatID: m.chatID, MessageID: m.messageID})
	}
	if err != nil {
		return err
	}
	if pinned {
		m.SetPinned(chat.Pinned)
	} else {
		m.SetPinned(chat.Unpinned)
	}
	return nil
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
