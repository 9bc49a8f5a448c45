package discordbridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Session is the part of a Discord connection the bridge drives. It is only
// used from the bridge's worker goroutine and discordgo's event handlers.
type Session interface {
	AddHandler(handler any) func()
	Open() error
	Close() error
	SelfID() string
	// ResolveChannel returns a channel's name and whether it is a direct
	// message channel
	ResolveChannel(channelID string) (name string, private bool, err error)
	// TextChannels maps lowercased text channel names to their ids
	TextChannels() (map[string]string, error)
	Send(channelID, text string) (string, error)
	Edit(channelID, messageID, text string) error
	Delete(channelID, messageID string) error
	Pin(channelID, messageID string, pinned bool) error
	DirectChannel(userID string) (string, error)
}

// SessionFactory opens a fresh session for every worker run
type SessionFactory func() (Session, error)

var errNotReady = errors.New("discord session is not ready")

type discordSession struct {
	*discordgo.Session
	guildID string
}

// NewSession returns a factory producing discordgo-backed sessions
func NewSession(token, guildID string) SessionFactory {
	return func() (Session, error) {
		s, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		return &discordSession{Session: s, guildID: guildID}, nil
	}
}

func (d *discordSession) AddHandler(handler any) func() {
	return d.Session.AddHandler(handler)
}

func (d *discordSession) SelfID() string {
	if d.State == nil || d.State.User == nil {
		return ""
	}
	return d.State.User.ID
}

func (d *discordSession) ResolveChannel(channelID string) (string, bool, error) {
	ch, err := d.State.Channel(channelID)
	if err != nil {
		if ch, err = d.Channel(channelID); err != nil {
			return "", false, err
		}
	}
	private := ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM
	return strings.ToLower(ch.Name), private, nil
}

func (d *discordSession) TextChannels() (map[string]string, error) {
	if d.State == nil {
		return nil, errNotReady
	}

	var channels []*discordgo.Channel
	if d.guildID != "" {
		var err error
		if channels, err = d.GuildChannels(d.guildID); err != nil {
			return nil, err
		}
	} else {
		d.State.RLock()
		for _, g := range d.State.Guilds {
			channels = append(channels, g.Channels...)
		}
		d.State.RUnlock()
	}

	out := make(map[string]string, len(channels))
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText {
			out[strings.ToLower(ch.Name)] = ch.ID
		}
	}
	return out, nil
}

func (d *discordSession) Send(channelID, text string) (string, error) {
	msg, err := d.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (d *discordSession) Edit(channelID, messageID, text string) error {
	_, err := d.ChannelMessageEdit(channelID, messageID, text)
	return err
}

func (d *discordSession) Delete(channelID, messageID string) error {
	return d.ChannelMessageDelete(channelID, messageID)
}

func (d *discordSession) Pin(channelID, messageID string, pinned bool) error {
	if pinned {
		return d.ChannelMessagePin(channelID, messageID)
	}
	return d.ChannelMessageUnpin(channelID, messageID)
}

func (d *discordSession) DirectChannel(userID string) (string, error) {
	ch, err := d.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}
