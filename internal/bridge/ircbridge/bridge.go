// Package ircbridge relays a domain's traffic to and from IRC channels.
package ircbridge

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/irc"
	"github.com/dalnet/chatrelay/internal/storage"
	"github.com/dalnet/chatrelay/internal/transport"
)

// ErrMissingConfig is returned when a bridge has no irc section
var ErrMissingConfig = errors.New("irc bridge requires an irc section")

// Bridge is one IRC server connection attached to a domain
type Bridge struct {
	bridge.Base

	cfg       config.IRC
	client    *irc.Client
	out       sayer
	colors    *colorizer
	chunkSize int

	users    *bridge.Registry[string, *User]
	channels *bridge.Registry[string, *Channel]
}

// Option adjusts a Bridge at construction
type Option func(*Bridge, *irc.Options)

// WithDialer replaces the network dialer
func WithDialer(dial transport.DialFunc) Option {
	return func(_ *Bridge, o *irc.Options) { o.Dial = dial }
}

// New creates an IRC bridge from its configuration. The channel set is the
// union of the broadcasting and receiving channel lists.
func New(cfg config.Bridge, deps bridge.Deps, opts ...Option) (*Bridge, error) {
	if cfg.IRC == nil {
		return nil, ErrMissingConfig
	}

	b := &Bridge{
		Base:      bridge.NewBase(cfg, deps),
		cfg:       *cfg.IRC,
		chunkSize: cfg.IRC.ChunkSize,
		users:     bridge.NewRegistry[string, *User](),
		channels:  bridge.NewRegistry[string, *Channel](),
	}
	if b.chunkSize <= 0 {
		b.chunkSize = irc.LineLimit
	}

	options := irc.Options{
		Address:      net.JoinHostPort(cfg.IRC.Host, strconv.Itoa(cfg.IRC.Port)),
		Nick:         cfg.IRC.Username,
		RealName:     cfg.IRC.RealName,
		Password:     cfg.IRC.Password,
		Channels:     channelUnion(cfg.Generic.BroadcastingChannels, cfg.Generic.ReceivingChannels),
		PingInterval: cfg.IRC.PingInterval,
		Timeout:      cfg.IRC.Timeout,
		ReadTimeout:  cfg.IRC.ReadTimeout,
		Version:      deps.Version,
		Now:          b.Now,
	}
	for _, opt := range opts {
		opt(b, &options)
	}

	b.client = irc.NewClient(options, b.ircEvents(), b.Log)
	b.out = b.client
	return b, nil
}

// openColors loads this bridge's color file, "<name>.userColors.json" in
// the data directory.
func (b *Bridge) openColors() error {
	store, err := storage.LoadColors(b.DataPath(""), b.Name()+"."+storage.ColorsFile)
	if err != nil {
		return fmt.Errorf("load user colors: %w", err)
	}
	b.colors = newColorizer(store)
	return nil
}

// Start loads user colors, subscribes to the bus and dials the server. A
// failed first dial is retried from Update.
func (b *Bridge) Start() error {
	if b.cfg.EnableUserColors {
		if err := b.openColors(); err != nil {
			return err
		}
	}

	if err := b.subscribe(); err != nil {
		return err
	}

	if err := b.client.Connect(); err != nil {
		b.Log.Warn().Err(err).Msg("Initial connect failed, will retry")
	}
	return nil
}

// Update polls the connection and advances the pacing buffer
func (b *Bridge) Update(delta time.Duration) {
	b.client.Update(delta)
	b.UpdateBase(delta)
}

// Stop quits the server
func (b *Bridge) Stop() error {
	return b.client.Close("Relay shutting down")
}

// Client exposes the underlying IRC connection
func (b *Bridge) Client() *irc.Client {
	return b.client
}

func (b *Bridge) subscribe() error {
	return errors.Join(
		event.Register(b.Bus, event.ReceiveMessage, b.onReceiveMessage),
		event.Register(b.Bus, event.ReceivePose, b.onReceivePose),
		event.Listen(b.Bus, event.ReceiveJoin, b.onReceiveJoin),
		event.Listen(b.Bus, event.ReceiveLeave, b.onReceiveLeave),
		event.Listen(b.Bus, event.UsernameChange, b.onReceiveNameChange),
	)
}

func (b *Bridge) ircEvents() irc.Events {
	return irc.Events{
		Message:        b.handleMessage,
		PrivateMessage: b.handlePrivateMessage,
		Pose:           b.handlePose,
		PrivatePose:    b.handlePrivatePose,
		Join:           b.handleJoin,
		Part:           b.handlePart,
		Quit:           b.handleQuit,
		NickChange:     b.handleNickChange,
		UserList:       b.handleUserList,
		Connected: func() {
			b.Log.Info().Msg("Connected to IRC server")
		},
		Disconnected: func(reason error) {
			b.Log.Warn().Err(reason).Msg("Lost IRC connection, retrying")
		},
	}
}

func (b *Bridge) user(nick string) *User {
	return b.users.Register(strings.ToLower(nick), func() *User {
		return newUser(nick, b.out)
	})
}

func (b *Bridge) channel(name string) *Channel {
	name = strings.ToLower(name)
	return b.channels.Register(name, func() *Channel {
		return newChannel(name, b.out)
	})
}

// Inbound: IRC protocol events become bus broadcasts.

func (b *Bridge) handleMessage(nick, channel, text string) {
	b.broadcastLine(event.ReceiveMessage, nick, channel, text)
}

func (b *Bridge) handlePose(nick, channel, text string) {
	b.broadcastLine(event.ReceivePose, nick, channel, text)
}

func (b *Bridge) broadcastLine(key event.Key[event.MessageEvent], nick, channel, text string) {
	user := b.user(nick)
	ch := b.channel(channel)
	ch.AddMember(user)

	msg := newMessage(user, text, ch)
	if !b.ShouldBroadcast(msg) {
		return
	}
	bridge.Emit(b, b.Bus, key, msg)
}

func (b *Bridge) handlePrivateMessage(nick, text string) {
	b.broadcastPrivate(event.ReceiveMessagePrivate, nick, text)
}

func (b *Bridge) handlePrivatePose(nick, text string) {
	b.broadcastPrivate(event.ReceivePosePrivate, nick, text)
}

func (b *Bridge) broadcastPrivate(key event.Key[event.MessageEvent], nick, text string) {
	msg := newMessage(b.user(nick), text)
	if b.Ignored(msg) || !b.Policy.BroadcastsMessages() {
		return
	}
	bridge.Emit(b, b.Bus, key, msg)
}

func (b *Bridge) handleJoin(nick, channel string) {
	user := b.user(nick)
	ch := b.channel(channel)
	ch.AddMember(user)

	if !b.Policy.CanBroadcastJoinLeave() || b.Policy.Ignored(nick) {
		return
	}
	event.Broadcast(b.Bus, event.ReceiveJoin, event.MembershipEvent{
		Emitter:  b,
		User:     user,
		Channels: []chat.Channel{ch},
	})
}

func (b *Bridge) handlePart(nick, channel, _ string) {
	b.handleLeave(nick, []string{channel})
}

func (b *Bridge) handleQuit(nick, _ string, channels []string) {
	b.handleLeave(nick, channels)
}

func (b *Bridge) handleLeave(nick string, channels []string) {
	user := b.user(nick)
	left := make([]chat.Channel, 0, len(channels))
	for _, name := range channels {
		ch := b.channel(name)
		ch.RemoveMember(nick)
		left = append(left, ch)
	}

	if len(left) == 0 || !b.Policy.CanBroadcastJoinLeave() || b.Policy.Ignored(nick) {
		return
	}
	event.Broadcast(b.Bus, event.ReceiveLeave, event.MembershipEvent{
		Emitter:  b,
		User:     user,
		Channels: left,
	})
}

func (b *Bridge) handleNickChange(oldNick, newNick string, channels []string) {
	b.users.Delete(strings.ToLower(oldNick))
	user := b.user(newNick)

	renamed := make([]chat.Channel, 0, len(channels))
	for _, name := range channels {
		ch := b.channel(name)
		ch.RemoveMember(oldNick)
		ch.AddMember(user)
		renamed = append(renamed, ch)
	}

	if strings.EqualFold(newNick, b.client.Nick()) {
		return
	}
	if !b.Policy.CanBroadcastNameChange() || b.Policy.Ignored(newNick) {
		return
	}
	event.Broadcast(b.Bus, event.UsernameChange, event.NameChangeEvent{
		Emitter:  b,
		User:     user,
		OldName:  oldNick,
		Channels: renamed,
	})
}

func (b *Bridge) handleUserList(channel string, nicks []string) {
	members := make([]chat.User, 0, len(nicks))
	for _, nick := range nicks {
		members = append(members, b.user(nick))
	}
	b.channel(channel).SetMembers(members)
}

// Outbound: relayed events from other bridges are written to IRC.

func (b *Bridge) onReceiveMessage(ev event.MessageEvent) (any, error) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil || b.Ignored(ev.Message) {
		return nil, nil
	}
	targets := b.targets(ev.Message.Channels(), b.Policy.CanReceive)
	return b.relay(ev.Emitter, ev.Message.Sender(), targets, Translate(ev.Message.RawText()))
}

func (b *Bridge) onReceivePose(ev event.MessageEvent) (any, error) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil || b.Ignored(ev.Message) {
		return nil, nil
	}
	targets := b.targets(ev.Message.Channels(), b.Policy.CanReceive)
	return b.relay(ev.Emitter, ev.Message.Sender(), targets, "* "+Translate(ev.Message.RawText()))
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
	targets := b.targets(ev.Channels, b.Policy.CanReceive)
	names := make([]string, 0, len(ev.Channels))
	for _, ch := range ev.Channels {
		names = append(names, ch.DisplayName())
	}
	text := fmt.Sprintf("%s %s.", verb, strings.Join(names, ", "))
	if _, err := b.relay(ev.Emitter, ev.User, targets, text); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to relay membership change")
	}
}

func (b *Bridge) onReceiveNameChange(ev event.NameChangeEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.User == nil || b.Policy.Ignored(ev.User.Username()) {
		return
	}
	targets := b.targets(ev.Channels, b.Policy.CanReceive)
	old := chat.NewStaticUser(ev.OldName)
	text := fmt.Sprintf("is now known as %s.", ev.User.DisplayName())
	if _, err := b.relay(ev.Emitter, old, targets, text); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to relay name change")
	}
}

// targets resolves relayed channels to the joined IRC channels allowed to
// receive them
func (b *Bridge) targets(channels []chat.Channel, allow func(string) bool) []chat.Channel {
	var out []chat.Channel
	for _, ch := range channels {
		name := strings.ToLower(ch.Name())
		if !allow(name) || !b.client.KnowsChannel(name) {
			continue
		}
		out = append(out, b.channel(name))
	}
	return out
}

// relay formats one relayed line and queues it through the pacing buffer.
// The returned message describes what was sent.
func (b *Bridge) relay(source event.Emitter, sender chat.User, targets []chat.Channel, body string) (chat.Message, error) {
	if len(targets) == 0 {
		return nil, nil
	}

	key := source.Name()
	label := "*"
	var err error
	if sender != nil {
		key = sender.Username()
		label = bridge.RelayName(sender.Username())
		if b.colors != nil {
			var color int
			color, err = b.colors.colorFor(sender.Username())
			label = paint(label, color)
		}
	}

	line := fmt.Sprintf("%s<%s: %s>%s %s", codeBold, source.Name(), label, codeBold, body)
	b.SendBuffered(key, targets, line, b.chunkSize, b.deliver)
	return newMessage(sender, body, targets...), err
}

func (b *Bridge) deliver(targets []chat.Channel, chunk string) {
	for _, ch := range targets {
		b.out.Say(ch.Name(), chunk)
	}
}

func channelUnion(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, name := range list {
			name = strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "#"))
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
