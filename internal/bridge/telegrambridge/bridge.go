// Package telegrambridge relays a domain's traffic to and from Telegram
// group chats. Updates are polled from the application loop.
package telegrambridge

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/routing"
	"github.com/dalnet/chatrelay/internal/scheduler"
)

// ErrMissingConfig is returned when a bridge has no telegram section
var ErrMissingConfig = errors.New("telegram bridge requires a telegram section")

var errNotStarted = errors.New("telegram bridge is not started")

// APIFactory connects to the Bot API
type APIFactory func(token string) (API, error)

// Bridge is one Telegram bot attached to a domain
type Bridge struct {
	bridge.Base

	cfg       config.Telegram
	chunkSize int
	newAPI    APIFactory
	api       API

	chats     *routing.Map
	offset    int
	startedAt time.Time
	lastPoll  time.Time
	unmapped  map[int64]bool

	users    *bridge.Registry[int64, *User]
	channels *bridge.Registry[string, *Channel]
}

// Option adjusts a Bridge at construction
type Option func(*Bridge)

// WithAPI replaces the Bot API client factory
func WithAPI(factory APIFactory) Option {
	return func(b *Bridge) { b.newAPI = factory }
}

// New creates a Telegram bridge. The chat map comes from the chat_mapping
// section merged with an optional "<name>.chats" file in the data
// directory.
func New(cfg config.Bridge, deps bridge.Deps, opts ...Option) (*Bridge, error) {
	if cfg.Telegram == nil {
		return nil, ErrMissingConfig
	}

	b := &Bridge{
		Base:      bridge.NewBase(cfg, deps),
		cfg:       *cfg.Telegram,
		chunkSize: cfg.Telegram.ChunkSize,
		newAPI:    connect(cfg.Telegram.RequestTimeout),
		chats:     routing.NewMap(),
		unmapped:  make(map[int64]bool),
		users:     bridge.NewRegistry[int64, *User](),
		channels:  bridge.NewRegistry[string, *Channel](),
	}
	if b.chunkSize <= 0 {
		b.chunkSize = 4000
	}
	for _, opt := range opts {
		opt(b)
	}

	for name, ids := range cfg.Telegram.ChatMapping {
		for _, id := range ids {
			b.chats.Add(name, strconv.FormatInt(id, 10))
		}
	}
	file, err := routing.LoadMap(b.DataPath(cfg.Name + ".chats"))
	if err != nil {
		return nil, fmt.Errorf("load chat map: %w", err)
	}
	b.chats.Merge(file)
	return b, nil
}

// connect builds the Bot API on an HTTP client whose requests give up after
// timeout, since polls run on the update loop.
func connect(timeout time.Duration) APIFactory {
	return func(token string) (API, error) {
		api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, newHTTPClient(timeout))
		if err != nil {
			return nil, fmt.Errorf("connect to telegram: %w", err)
		}
		return api, nil
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Start connects to the Bot API and subscribes to the bus. Messages dated
// before Start are skipped.
func (b *Bridge) Start() error {
	api, err := b.newAPI(b.cfg.Token)
	if err != nil {
		return err
	}
	b.api = api
	b.startedAt = b.Now()
	b.Log.Info().Strs("channels", b.chats.Names).Msg("Connected to Telegram")

	return errors.Join(
		event.Register(b.Bus, event.ReceiveMessage, b.onReceiveMessage),
		event.Register(b.Bus, event.ReceivePose, b.onReceivePose),
		event.Listen(b.Bus, event.ReceiveJoin, b.onReceiveJoin),
		event.Listen(b.Bus, event.ReceiveLeave, b.onReceiveLeave),
		event.Listen(b.Bus, event.UsernameChange, b.onReceiveNameChange),
		event.Listen(b.Bus, event.MessageEdit, b.onMessageEdit),
		event.Listen(b.Bus, event.MessageDelete, b.onMessageDelete),
	)
}

// Update advances the pacing buffer and polls for updates every
// poll_interval
func (b *Bridge) Update(delta time.Duration) {
	b.UpdateBase(delta)
	if b.api == nil {
		return
	}

	now := b.Now()
	if now.Sub(b.lastPoll) < b.cfg.PollInterval {
		return
	}
	b.lastPoll = now
	b.poll()
}

// Stop has nothing to release; the Bot API is stateless HTTP
func (b *Bridge) Stop() error {
	return nil
}

func (b *Bridge) poll() {
	cfg := tgbotapi.NewUpdate(b.offset)
	cfg.Timeout = 0

	updates, err := b.api.GetUpdates(cfg)
	if err != nil {
		b.Log.Debug().Err(err).Msg("Polling updates failed")
		return
	}

	for _, up := range updates {
		if up.UpdateID >= b.offset {
			b.offset = up.UpdateID + 1
		}
		switch {
		case up.Message != nil:
			b.handleMessage(up.Message, false)
		case up.EditedMessage != nil:
			b.handleMessage(up.EditedMessage, true)
		}
	}
}

func (b *Bridge) user(from *tgbotapi.User) *User {
	return b.users.Register(from.ID, func() *User {
		name := from.UserName
		if name == "" {
			name = strings.TrimSpace(from.FirstName + " " + from.LastName)
		}
		display := strings.TrimSpace(from.FirstName + " " + from.LastName)
		return &User{BaseUser: chat.NewBaseUser(name, display), id: from.ID, api: b.client}
	})
}

func (b *Bridge) client() API { return b.api }

func (b *Bridge) channel(name string) *Channel {
	name = strings.ToLower(name)
	return b.channels.Register(name, func() *Channel {
		return &Channel{BaseChannel: chat.NewBaseChannel(name, name, ""), b: b}
	})
}

func (b *Bridge) chatIDs(channel string) []int64 {
	var out []int64
	for _, raw := range b.chats.IDs(channel) {
		id, err := parseChatID(raw)
		if err != nil {
			b.Log.Debug().Str("id", raw).Msg("Ignoring malformed chat id")
			continue
		}
		out = append(out, id)
	}
	return out
}

func (b *Bridge) handleMessage(m *tgbotapi.Message, edited bool) {
	if m.From == nil || m.Chat == nil {
		return
	}
	if !edited && time.Unix(int64(m.Date), 0).Before(b.startedAt) {
		return
	}

	user := b.user(m.From)
	if m.Chat.IsPrivate() {
		msg := newMessage(b.api, m, user, messageText(m))
		if b.Ignored(msg) || !b.Policy.BroadcastsMessages() {
			return
		}
		bridge.Emit(b, b.Bus, event.ReceiveMessagePrivate, msg)
		return
	}

	name, ok := b.chats.ChannelFor(strconv.FormatInt(m.Chat.ID, 10))
	if !ok {
		if !b.unmapped[m.Chat.ID] {
			b.unmapped[m.Chat.ID] = true
			b.Log.Error().Int64("chat_id", m.Chat.ID).Str("title", m.Chat.Title).Msg("Found unmapped chat, check the chat mapping")
		}
		return
	}
	ch := b.channel(name)

	if len(m.NewChatMembers) > 0 {
		for i := range m.NewChatMembers {
			joined := b.user(&m.NewChatMembers[i])
			ch.AddMember(joined)
			b.broadcastMembership(event.ReceiveJoin, joined, ch)
		}
		return
	}
	if m.LeftChatMember != nil {
		left := b.user(m.LeftChatMember)
		ch.RemoveMember(left.Username())
		b.broadcastMembership(event.ReceiveLeave, left, ch)
		return
	}

	ch.AddMember(user)
	msg := newMessage(b.api, m, user, messageText(m), ch)
	if !b.ShouldBroadcast(msg) {
		return
	}
	if edited {
		event.Broadcast(b.Bus, event.MessageEdit, event.EditEvent{Emitter: b, Message: msg, Text: msg.RawText()})
		return
	}
	bridge.Emit(b, b.Bus, event.ReceiveMessage, msg)
}

func (b *Bridge) broadcastMembership(key event.Key[event.MembershipEvent], user *User, ch *Channel) {
	if !b.Policy.CanBroadcastJoinLeave() || b.Policy.Ignored(user.Username()) {
		return
	}
	event.Broadcast(b.Bus, key, event.MembershipEvent{Emitter: b, User: user, Channels: []chat.Channel{ch}})
}

// messageText describes media as "(Telegram Photo): caption"
func messageText(m *tgbotapi.Message) string {
	var kind string
	switch {
	case m.Sticker != nil:
		kind = "Telegram Sticker"
	case len(m.Photo) > 0:
		kind = "Telegram Photo"
	case m.Video != nil:
		kind = "Telegram Video"
	case m.Document != nil:
		kind = "Telegram Document"
	case m.Audio != nil:
		kind = "Telegram Audio"
	case m.Voice != nil:
		kind = "Telegram Voice"
	}

	if kind != "" {
		caption := m.Caption
		if caption == "" {
			caption = "No Caption"
		}
		return fmt.Sprintf("(%s): %s", kind, caption)
	}
	if m.Text == "" {
		return "(No Comment)"
	}
	return m.Text
}

func (b *Bridge) onReceiveMessage(ev event.MessageEvent) (any, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return b.relayMessage(ev, ev.Message.CleanText())
}

func (b *Bridge) onReceivePose(ev event.MessageEvent) (any, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return b.relayMessage(ev, "_"+ev.Message.CleanText()+"_")
}

func (b *Bridge) relayMessage(ev event.MessageEvent, body string) (any, error) {
	if bridge.FromSelf(ev.Emitter, b) || b.Ignored(ev.Message) {
		return nil, nil
	}
	targets := b.targets(ev.Message.Channels())
	if len(targets) == 0 {
		return nil, nil
	}

	key := chat.SenderName(ev.Message)
	if key == "" {
		key = ev.Emitter.Name()
	}
	text := relayLine(ev.Emitter, ev.Message.Sender(), body)

	source, src := ev.Emitter, ev.Message
	b.SendBuffered(key, targets, text, b.chunkSize, func(ts []chat.Channel, chunk string) {
		b.deliver(ts, chunk, source, src)
	})
	return chat.NewBaseMessage("", ev.Message.Sender(), text, targets...), nil
}

func (b *Bridge) onReceiveJoin(ev event.MembershipEvent) {
	b.relayMembership(ev, "joined")
}

func (b *Bridge) onReceiveLeave(ev event.MembershipEvent) {
	b.relayMembership(ev, "left")
}

func (b *Bridge) relayMembership(ev event.MembershipEvent, verb string) {
	if bridge.FromSelf(ev.Emitter, b) || ev.User == nil || !b.Policy.CanReceiveJoinLeave() {
		return
	}
	if b.Policy.Ignored(ev.User.Username()) {
		return
	}
	text := fmt.Sprintf("%s %s.", verb, strings.Join(chat.ChannelNames(ev.Channels), ", "))
	b.deliver(b.targets(ev.Channels), relayLine(ev.Emitter, ev.User, text), nil, nil)
}

func (b *Bridge) onReceiveNameChange(ev event.NameChangeEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.User == nil || b.Policy.Ignored(ev.User.Username()) {
		return
	}
	text := fmt.Sprintf("is now known as %s.", ev.User.DisplayName())
	b.deliver(b.targets(ev.Channels), relayLine(ev.Emitter, chat.NewStaticUser(ev.OldName), text), nil, nil)
}

// onMessageEdit rewrites this bridge's copies of an edited message; extra
// parts of a split message are removed
func (b *Bridge) onMessageEdit(ev event.EditEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil || !b.Policy.ReceivesMessages() {
		return
	}
	mirrors := b.MirrorsOf(ev.Emitter, ev.Message)
	if len(mirrors) == 0 {
		return
	}

	chunks := scheduler.Chunk(relayLine(ev.Emitter, ev.Message.Sender(), ev.Text), b.chunkSize)
	if len(chunks) == 0 {
		return
	}
	for i, mirror := range mirrors {
		msg, err := b.mirrorMessage(mirror.Chat, mirror.ID)
		if err != nil {
			b.Log.Debug().Err(err).Msg("Malformed mirror link")
			continue
		}
		if i == 0 {
			err = msg.Edit(chunks[0])
		} else {
			err = msg.Delete()
		}
		if err != nil {
			b.Log.Warn().Err(err).Msg("Failed to update mirrored message")
		}
	}
}

func (b *Bridge) onMessageDelete(ev event.DeleteEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil {
		return
	}
	for _, mirror := range b.MirrorsOf(ev.Emitter, ev.Message) {
		msg, err := b.mirrorMessage(mirror.Chat, mirror.ID)
		if err == nil {
			err = msg.Delete()
		}
		if err != nil {
			b.Log.Warn().Err(err).Msg("Failed to delete mirrored message")
		}
	}
}

func (b *Bridge) mirrorMessage(chatID, id string) (*Message, error) {
	cid, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}
	mid, err := strconv.Atoi(id)
	if err != nil {
		return nil, err
	}
	return &Message{BaseMessage: chat.NewBaseMessage(messageKey(cid, mid), nil, ""), api: b.api, chatID: cid, messageID: mid}, nil
}

// targets maps relayed channels onto receiving channels that have chats
func (b *Bridge) targets(channels []chat.Channel) []chat.Channel {
	var out []chat.Channel
	for _, ch := range channels {
		name := strings.ToLower(ch.Name())
		if b.Policy.CanReceive(name) && len(b.chats.IDs(name)) > 0 {
			out = append(out, b.channel(name))
		}
	}
	return out
}

func (b *Bridge) deliver(targets []chat.Channel, text string, source event.Emitter, src chat.Message) {
	for _, t := range targets {
		for _, id := range b.chatIDs(t.Name()) {
			sent, err := b.send(id, text)
			if err != nil {
				b.Log.Warn().Err(err).Int64("chat_id", id).Msg("Telegram send failed")
				continue
			}
			b.RecordMirror(source, src, strconv.FormatInt(id, 10), strconv.Itoa(sent.MessageID))
		}
	}
}

func (b *Bridge) send(chatID int64, text string) (*tgbotapi.Message, error) {
	if b.api == nil {
		return nil, errNotStarted
	}
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return nil, err
	}
	return &sent, nil
}

func relayLine(source event.Emitter, sender chat.User, body string) string {
	name := "*"
	if sender != nil {
		name = sender.Username()
	}
	return fmt.Sprintf("<%s: %s> %s", source.Name(), name, body)
}
