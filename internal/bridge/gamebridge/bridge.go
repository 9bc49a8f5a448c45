// Package gamebridge relays a domain's traffic to and from a game server
// that speaks a small line protocol over TCP.
package gamebridge

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
	"github.com/dalnet/chatrelay/internal/transport"
)

// SystemSender is the name connection notices are relayed under
const SystemSender = "Internal System"

// ErrMissingConfig is returned when a bridge has no game section
var ErrMissingConfig = errors.New("game bridge requires a game section")

var errHeartbeatTimeout = errors.New("no heartbeat from game server")

// Channel is a relay channel the game server participates in. The server
// has a single chat, so a send reaches every player.
type Channel struct {
	*chat.BaseChannel
	b *Bridge
}

// Send posts text to the server chat as the bridge
func (c *Channel) Send(text string) (chat.Message, error) {
	if err := c.b.actor.Send(encodeMessage(c.b.Name(), c.b.Name(), text)); err != nil {
		return nil, err
	}
	return chat.NewBaseMessage("", nil, text, c), nil
}

// Bridge is one game-server connection attached to a domain
type Bridge struct {
	bridge.Base

	cfg       config.Game
	chunkSize int
	actor     *transport.Actor
	lines     *transport.LineBuffer
	pending   []string

	channels      []chat.Channel
	users         *bridge.Registry[string, *chat.StaticUser]
	system        *chat.StaticUser
	lastHeartbeat time.Time
	troubled      bool
}

// Option adjusts a Bridge at construction
type Option func(*transport.Options)

// WithDialer replaces the network dialer
func WithDialer(dial transport.DialFunc) Option {
	return func(o *transport.Options) { o.Dial = dial }
}

// New creates a game-server bridge from its configuration
func New(cfg config.Bridge, deps bridge.Deps, opts ...Option) (*Bridge, error) {
	if cfg.Game == nil {
		return nil, ErrMissingConfig
	}

	b := &Bridge{
		Base:      bridge.NewBase(cfg, deps),
		cfg:       *cfg.Game,
		chunkSize: cfg.Game.ChunkSize,
		lines:     transport.NewLineBuffer(recordSep),
		users:     bridge.NewRegistry[string, *chat.StaticUser](),
		system:    chat.NewStaticUser(SystemSender),
	}
	if b.chunkSize <= 0 {
		b.chunkSize = 255
	}
	for _, name := range cfg.Game.Channels {
		name = strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "#"))
		if name != "" {
			b.channels = append(b.channels, &Channel{BaseChannel: chat.NewBaseChannel(name, name, ""), b: b})
		}
	}

	options := transport.Options{
		Address:  net.JoinHostPort(cfg.Game.Address, strconv.Itoa(cfg.Game.Port)),
		ReadSize: cfg.Game.ReceiveSize,
		Backoff:  transport.FixedBackoff(cfg.Game.ReconnectDelay),
		Now:      b.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	b.actor = transport.NewActor(options, transport.Hooks{
		OnConnect:    b.onConnect,
		OnData:       b.onData,
		OnDisconnect: b.onDisconnect,
	}, b.Log)
	return b, nil
}

// Start subscribes to the bus and dials the server. A failed first dial is
// announced once and retried on the reconnect delay.
func (b *Bridge) Start() error {
	if err := errors.Join(
		event.Register(b.Bus, event.ReceiveMessage, b.onReceiveMessage),
		event.Register(b.Bus, event.ReceivePose, b.onReceivePose),
	); err != nil {
		return err
	}

	if err := b.actor.Connect(); err != nil {
		b.troubled = true
		b.announce(fmt.Sprintf("Failed to connect to the game server. Will attempt to reconnect on a delay of %s.", b.cfg.ReconnectDelay))
	}
	return nil
}

// Update polls the socket, dispatches records, enforces the heartbeat and
// advances the pacing buffer
func (b *Bridge) Update(delta time.Duration) {
	b.actor.Update(delta)

	lines := b.pending
	b.pending = nil
	for _, line := range lines {
		b.handleLine(line)
	}

	if b.actor.Connected() && b.Now().Sub(b.lastHeartbeat) >= b.cfg.HeartbeatTimeout {
		b.actor.Reconnect(errHeartbeatTimeout)
	}
	b.UpdateBase(delta)
}

// Stop closes the connection
func (b *Bridge) Stop() error {
	return b.actor.Close()
}

// Channels returns the relay channels the server chat is joined to
func (b *Bridge) Channels() []chat.Channel {
	return b.channels
}

func (b *Bridge) onConnect() {
	b.lines.Reset()
	b.pending = nil
	b.lastHeartbeat = b.Now()
	if b.troubled {
		b.troubled = false
		b.announce("Successfully established a connection to the game server after previous connectivity problems.")
	}
}

func (b *Bridge) onData(data []byte) {
	b.pending = append(b.pending, b.lines.Feed(decode(data))...)
}

func (b *Bridge) onDisconnect(reason error) {
	cause := "a socket error"
	if errors.Is(reason, errHeartbeatTimeout) {
		cause = "a timeout"
	}
	b.troubled = true
	b.announce(fmt.Sprintf("Lost the connection to the game server due to %s. Will attempt to reconnect on a delay of %s.", cause, b.cfg.ReconnectDelay))
}

// announce relays a connection notice from the system sender
func (b *Bridge) announce(text string) {
	b.Log.Warn().Msg(text)
	if len(b.channels) == 0 {
		return
	}
	bridge.Emit(b, b.Bus, event.ReceiveMessage, chat.NewBaseMessage("", b.system, text, b.channels...))
}

func (b *Bridge) player(name string) *chat.StaticUser {
	return b.users.Register(strings.ToLower(name), func() *chat.StaticUser {
		return chat.NewStaticUser(name)
	})
}

func (b *Bridge) handleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	rec, err := parseRecord(line)
	if err != nil {
		b.Log.Debug().Err(err).Str("line", line).Msg("Dropping malformed record")
		return
	}

	switch rec.kind {
	case recordHeartbeat:
		b.lastHeartbeat = b.Now()
	case recordMessage:
		msg := chat.NewBaseMessage("", b.player(rec.fields[0]), rec.fields[1], b.channels...)
		if len(b.channels) == 0 || !b.ShouldBroadcast(msg) {
			return
		}
		bridge.Emit(b, b.Bus, event.ReceiveMessage, msg)
	case recordConnect, recordDisconnect:
		user := b.player(rec.fields[0])
		key := event.ReceiveJoin
		for _, ch := range b.channels {
			if rec.kind == recordConnect {
				ch.(*Channel).AddMember(user)
			} else {
				ch.(*Channel).RemoveMember(user.Username())
			}
		}
		if rec.kind == recordDisconnect {
			key = event.ReceiveLeave
		}
		if len(b.channels) == 0 || !b.Policy.CanBroadcastJoinLeave() || b.Policy.Ignored(user.Username()) {
			return
		}
		event.Broadcast(b.Bus, key, event.MembershipEvent{Emitter: b, User: user, Channels: b.channels})
	}
}

func (b *Bridge) onReceiveMessage(ev event.MessageEvent) (any, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return b.relay(ev, ev.Message.CleanText())
}

func (b *Bridge) onReceivePose(ev event.MessageEvent) (any, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return b.relay(ev, "* "+ev.Message.CleanText())
}

// relay sends one MESSAGE record per chunk when any of the message's
// channels is one the server chat receives
func (b *Bridge) relay(ev event.MessageEvent, text string) (any, error) {
	if bridge.FromSelf(ev.Emitter, b) || b.Ignored(ev.Message) {
		return nil, nil
	}
	targets := b.targets(ev.Message.Channels())
	if len(targets) == 0 {
		return nil, nil
	}

	sender := chat.SenderName(ev.Message)
	if sender == "" {
		sender = ev.Emitter.Name()
	}
	source := ev.Emitter.Name()
	b.SendBuffered(sender, targets, text, b.chunkSize, func(_ []chat.Channel, chunk string) {
		if err := b.actor.Send(encodeMessage(sender, source, chunk)); err != nil {
			b.Log.Debug().Err(err).Msg("Dropping message for disconnected game server")
		}
	})
	return chat.NewBaseMessage("", ev.Message.Sender(), text, targets...), nil
}

func (b *Bridge) targets(channels []chat.Channel) []chat.Channel {
	var out []chat.Channel
	for _, want := range channels {
		name := strings.ToLower(want.Name())
		if !b.Policy.CanReceive(name) {
			continue
		}
		for _, ch := range b.channels {
			if ch.Name() == name {
				out = append(out, ch)
			}
		}
	}
	return out
}
