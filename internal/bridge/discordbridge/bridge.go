// Package discordbridge relays a domain's traffic to and from Discord.
//
// discordgo runs its own goroutines. The bridge keeps every Discord call on
// one worker goroutine and exchanges work with the update loop through two
// mailboxes: events from Discord are drained and broadcast in Update, and
// sends queued by bus responders are drained by the worker.
package discordbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/scheduler"
	"github.com/dalnet/chatrelay/internal/transport"
)

const (
	flushInterval = 20 * time.Millisecond
	stopTimeout   = 5 * time.Second
)

// ErrMissingConfig is returned when a bridge has no discord section
var ErrMissingConfig = errors.New("discord bridge requires a discord section")

type opKind int

const (
	opSend opKind = iota
	opDirect
	opEdit
	opDelete
	opPin
)

// outgoing is one queued Discord call. A send without a channel id is
// resolved by channel name on the worker.
type outgoing struct {
	op        opKind
	channel   string
	channelID string
	userID    string
	messageID string
	text      string
	pinned    bool

	// set when the send mirrors a message relayed from another bridge
	source event.Emitter
	src    chat.Message
}

type inKind int

const (
	inReady inKind = iota
	inCreate
	inUpdate
	inDelete
)

// incoming is one Discord event, resolved on the handler goroutine
type incoming struct {
	kind      inKind
	id        string
	channelID string
	channel   string
	private   bool
	authorID  string
	author    string
	display   string
	text      string
}

// Bridge is one Discord bot session attached to a domain
type Bridge struct {
	bridge.Base

	chunkSize  int
	newSession SessionFactory
	worker     *bridge.Worker
	backoff    *transport.Backoff
	restartAt  time.Time
	stopped    bool

	inbox  bridge.Mailbox[incoming]
	outbox bridge.Mailbox[outgoing]

	users    *bridge.Registry[string, *User]
	channels *bridge.Registry[string, *Channel]
}

// Option adjusts a Bridge at construction
type Option func(*Bridge)

// WithSession replaces the discordgo session factory
func WithSession(factory SessionFactory) Option {
	return func(b *Bridge) { b.newSession = factory }
}

// New creates a Discord bridge from its configuration
func New(cfg config.Bridge, deps bridge.Deps, opts ...Option) (*Bridge, error) {
	if cfg.Discord == nil {
		return nil, ErrMissingConfig
	}

	b := &Bridge{
		Base:       bridge.NewBase(cfg, deps),
		chunkSize:  cfg.Discord.ChunkSize,
		newSession: NewSession(cfg.Discord.Token, cfg.Discord.GuildID),
		backoff:    transport.NewBackoff(time.Second, time.Minute),
		users:      bridge.NewRegistry[string, *User](),
		channels:   bridge.NewRegistry[string, *Channel](),
	}
	if b.chunkSize <= 0 {
		b.chunkSize = 1900
	}
	for _, opt := range opts {
		opt(b)
	}

	b.worker = bridge.NewWorker(cfg.Name, b.Log, b.run)
	return b, nil
}

// Start subscribes to the bus and launches the Discord worker
func (b *Bridge) Start() error {
	if err := b.subscribe(); err != nil {
		return err
	}
	b.worker.Start()
	return nil
}

// Update restarts a dead worker, broadcasts pending Discord events and
// advances the pacing buffer
func (b *Bridge) Update(delta time.Duration) {
	b.supervise()
	for _, in := range b.inbox.Drain() {
		b.dispatch(in)
	}
	b.UpdateBase(delta)
}

// Stop shuts the worker down
func (b *Bridge) Stop() error {
	b.stopped = true
	return b.worker.Stop(stopTimeout)
}

func (b *Bridge) supervise() {
	if b.stopped || b.worker.Alive() {
		return
	}
	now := b.Now()
	if now.Before(b.restartAt) {
		return
	}
	b.Log.Error().Err(b.worker.Err()).Msg("Discord worker has died, restarting")
	b.worker.Start()
	b.restartAt = now.Add(b.backoff.Next())
}

func (b *Bridge) subscribe() error {
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

// run is the worker body: one session per run, flushed until cancelled
func (b *Bridge) run(ctx context.Context) error {
	sess, err := b.newSession()
	if err != nil {
		return err
	}

	sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		b.inbox.Push(incoming{kind: inReady})
	})
	sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.onCreate(sess, inCreate, m.Message)
	})
	sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		b.onCreate(sess, inUpdate, m.Message)
	})
	sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		if m.Message != nil {
			b.inbox.Push(incoming{kind: inDelete, id: m.ID, channelID: m.ChannelID})
		}
	})

	if err := sess.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer sess.Close()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush(sess)
			return nil
		case <-ticker.C:
			b.flush(sess)
		}
	}
}

// onCreate runs on a discordgo goroutine
func (b *Bridge) onCreate(sess Session, kind inKind, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.ID == sess.SelfID() {
		return
	}
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return
	}

	name, private, err := sess.ResolveChannel(m.ChannelID)
	if err != nil {
		b.Log.Debug().Err(err).Str("channel_id", m.ChannelID).Msg("Unresolvable channel")
		return
	}

	display := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		display = m.Member.Nick
	}

	b.inbox.Push(incoming{
		kind:      kind,
		id:        m.ID,
		channelID: m.ChannelID,
		channel:   name,
		private:   private || m.GuildID == "",
		authorID:  m.Author.ID,
		author:    m.Author.Username,
		display:   display,
		text:      messageText(m),
	})
}

// messageText is the mention-resolved content with attachment URLs appended
func messageText(m *discordgo.Message) string {
	text := m.ContentWithMentionsReplaced()
	if len(m.Attachments) == 0 {
		return text
	}
	if text == "" {
		text = "No Comment"
	}
	urls := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		urls = append(urls, a.URL)
	}
	return fmt.Sprintf("(Discord Attachment: %s): %s", text, strings.Join(urls, "\n"))
}

func (b *Bridge) user(id, username, display string) *User {
	u := b.users.Register(id, func() *User {
		return &User{BaseUser: chat.NewBaseUser(username, display), id: id, b: b}
	})
	if display != "" && u.DisplayName() != display {
		u.SetDisplayName(display)
	}
	return u
}

func (b *Bridge) channel(name, id string) *Channel {
	name = strings.ToLower(name)
	ch := b.channels.Register(name, func() *Channel {
		return &Channel{BaseChannel: chat.NewBaseChannel(name, name, ""), b: b}
	})
	ch.setID(id)
	return ch
}

// dispatch turns one drained Discord event into bus broadcasts
func (b *Bridge) dispatch(in incoming) {
	switch in.kind {
	case inReady:
		b.backoff.Reset()
		b.Log.Info().Msg("Connected to Discord")
		return
	case inDelete:
		msg := &Message{BaseMessage: chat.NewBaseMessage(in.id, nil, ""), channelID: in.channelID, b: b}
		event.Broadcast(b.Bus, event.MessageDelete, event.DeleteEvent{Emitter: b, Message: msg})
		return
	}

	user := b.user(in.authorID, in.author, in.display)
	msg := &Message{channelID: in.channelID, b: b}
	if in.private {
		msg.BaseMessage = chat.NewBaseMessage(in.id, user, in.text)
		if b.Ignored(msg) || !b.Policy.BroadcastsMessages() {
			return
		}
	} else {
		ch := b.channel(in.channel, in.channelID)
		ch.AddMember(user)
		msg.BaseMessage = chat.NewBaseMessage(in.id, user, in.text, ch)
		if !b.ShouldBroadcast(msg) {
			return
		}
	}

	switch {
	case in.kind == inUpdate:
		event.Broadcast(b.Bus, event.MessageEdit, event.EditEvent{Emitter: b, Message: msg, Text: in.text})
	case in.private:
		bridge.Emit(b, b.Bus, event.ReceiveMessagePrivate, msg)
	default:
		bridge.Emit(b, b.Bus, event.ReceiveMessage, msg)
	}
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
	names := chat.ChannelNames(ev.Channels)
	text := fmt.Sprintf("%s %s.", verb, strings.Join(names, ", "))
	b.deliver(b.targets(ev.Channels), relayLine(ev.Emitter, ev.User, text), nil, nil)
}

func (b *Bridge) onReceiveNameChange(ev event.NameChangeEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.User == nil || b.Policy.Ignored(ev.User.Username()) {
		return
	}
	text := fmt.Sprintf("is now known as %s.", ev.User.DisplayName())
	b.deliver(b.targets(ev.Channels), relayLine(ev.Emitter, chat.NewStaticUser(ev.OldName), text), nil, nil)
}

// onMessageEdit rewrites this bridge's mirrors of an edited message. A
// message that was split across several sends keeps only its first part.
func (b *Bridge) onMessageEdit(ev event.EditEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil || !b.Policy.ReceivesMessages() {
		return
	}
	mirrors := b.MirrorsOf(ev.Emitter, ev.Message)
	if len(mirrors) == 0 {
		return
	}

	text := relayLine(ev.Emitter, ev.Message.Sender(), ev.Text)
	chunks := scheduler.Chunk(text, b.chunkSize)
	if len(chunks) == 0 {
		return
	}
	first := mirrors[0]
	b.outbox.Push(outgoing{op: opEdit, channelID: first.Chat, messageID: first.ID, text: chunks[0]})
	for _, m := range mirrors[1:] {
		b.outbox.Push(outgoing{op: opDelete, channelID: m.Chat, messageID: m.ID})
	}
}

func (b *Bridge) onMessageDelete(ev event.DeleteEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil {
		return
	}
	for _, m := range b.MirrorsOf(ev.Emitter, ev.Message) {
		b.outbox.Push(outgoing{op: opDelete, channelID: m.Chat, messageID: m.ID})
	}
}

// targets maps relayed channels onto receiving Discord channels by name
func (b *Bridge) targets(channels []chat.Channel) []chat.Channel {
	var out []chat.Channel
	for _, ch := range channels {
		name := strings.ToLower(ch.Name())
		if b.Policy.CanReceive(name) {
			out = append(out, b.channel(name, ""))
		}
	}
	return out
}

func (b *Bridge) deliver(targets []chat.Channel, text string, source event.Emitter, src chat.Message) {
	for _, t := range targets {
		item := outgoing{op: opSend, channel: t.Name(), text: text, source: source, src: src}
		if ch, ok := t.(*Channel); ok {
			item.channelID = ch.ID()
		}
		b.outbox.Push(item)
	}
}

// flush performs every queued call. It runs on the worker goroutine.
func (b *Bridge) flush(sess Session) {
	items := b.outbox.Drain()
	if len(items) == 0 {
		return
	}

	var byName map[string]string
	for _, item := range items {
		var err error
		switch item.op {
		case opSend:
			id := item.channelID
			if id == "" {
				if byName == nil {
					if byName, err = sess.TextChannels(); err != nil {
						b.Log.Warn().Err(err).Msg("Failed to list Discord channels")
						byName = map[string]string{}
					}
				}
				id = byName[item.channel]
			}
			if id == "" {
				b.Log.Debug().Str("channel", item.channel).Msg("No Discord channel with that name")
				continue
			}
			var msgID string
			if msgID, err = sess.Send(id, item.text); err == nil {
				b.RecordMirror(item.source, item.src, id, msgID)
			}
		case opDirect:
			var id string
			if id, err = sess.DirectChannel(item.userID); err == nil {
				_, err = sess.Send(id, item.text)
			}
		case opEdit:
			err = sess.Edit(item.channelID, item.messageID, item.text)
		case opDelete:
			err = sess.Delete(item.channelID, item.messageID)
		case opPin:
			err = sess.Pin(item.channelID, item.messageID, item.pinned)
		}
		if err != nil {
			b.Log.Warn().Err(err).Int("op", int(item.op)).Msg("Discord call failed")
		}
	}
}

func relayLine(source event.Emitter, sender chat.User, body string) string {
	name := "*"
	if sender != nil {
		name = sender.Username()
	}
	return fmt.Sprintf("**<%s: %s>** %s", source.Name(), name, body)
}
