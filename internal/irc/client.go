// Package irc is a cooperative IRC client. It is polled from the
// application's update loop through Update and reports protocol events
// through the callbacks in Events.
package irc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"

	"github.com/dalnet/chatrelay/internal/scheduler"
	"github.com/dalnet/chatrelay/internal/transport"
)

// LineLimit is the longest text payload sent in one PRIVMSG or NOTICE.
const LineLimit = 450

// Options configures a Client.
type Options struct {
	Address  string
	Nick     string
	RealName string
	// Password is used once for NickServ identification and then cleared.
	Password     string
	Channels     []string
	PingInterval time.Duration
	Timeout      time.Duration
	ReadTimeout  time.Duration
	Version      string
	Dial         transport.DialFunc
	Now          func() time.Time
}

// Events receives protocol events. Nil callbacks are skipped. Channel names
// are lowercase without the leading '#'.
type Events struct {
	Message        func(user, channel, text string)
	PrivateMessage func(user, text string)
	Pose           func(user, channel, text string)
	PrivatePose    func(user, text string)
	Join           func(user, channel string)
	Part           func(user, channel, reason string)
	Quit           func(user, reason string, channels []string)
	NickChange     func(oldNick, newNick string, channels []string)
	UserList       func(channel string, users []string)
	Connected      func()
	Disconnected   func(reason error)
}

type handlerFunc func(msg ircmsg.Message)

// Client represents one IRC server connection
type Client struct {
	opts   Options
	events Events
	log    zerolog.Logger

	actor    *transport.Actor
	lines    *transport.LineBuffer
	pending  []string
	write    func(data []byte) error
	handlers map[string]handlerFunc
	ctcp     map[string]ctcpFunc

	mu           sync.RWMutex
	nick         string
	password     string
	identified   bool
	channels     []string
	channelUsers map[string]members
	lastPing     time.Time
}

// NewClient creates a client. It does not dial until Connect or Update.
func NewClient(opts Options, events Events, log zerolog.Logger) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RealName == "" {
		opts.RealName = opts.Nick
	}

	c := &Client{
		opts:         opts,
		events:       events,
		log:          log.With().Str("component", "irc").Logger(),
		lines:        transport.NewLineBuffer("\r\n"),
		nick:         opts.Nick,
		password:     opts.Password,
		channelUsers: make(map[string]members),
		lastPing:     opts.Now(),
	}

	for _, ch := range opts.Channels {
		name := normalizeChannel(ch)
		if name == "" || c.channelUsers[name] != nil {
			continue
		}
		c.channels = append(c.channels, name)
		c.channelUsers[name] = make(members)
	}

	c.actor = transport.NewActor(transport.Options{
		Address:     opts.Address,
		ReadTimeout: opts.ReadTimeout,
		Timeout:     opts.Timeout,
		Dial:        opts.Dial,
		Now:         opts.Now,
	}, transport.Hooks{
		OnConnect:    c.onConnect,
		OnData:       c.onData,
		OnDisconnect: c.onDisconnect,
	}, log)
	c.write = c.actor.Send

	c.registerHandlers()
	c.registerCTCP()
	return c
}

// Connect dials the server.
func (c *Client) Connect() error {
	return c.actor.Connect()
}

// Connected reports whether the transport is up.
func (c *Client) Connected() bool {
	return c.actor.Connected()
}

// Update sends keepalives, drains the socket and dispatches complete lines.
func (c *Client) Update(delta time.Duration) {
	now := c.opts.Now()
	if c.opts.PingInterval > 0 && c.actor.Connected() && now.Sub(c.lastPing) >= c.opts.PingInterval {
		c.send("PING", "keepalive")
		c.lastPing = now
	}

	c.actor.Update(delta)
	c.dispatchPending()
}

func (c *Client) dispatchPending() {
	lines := c.pending
	c.pending = nil
	for _, line := range lines {
		c.handleLine(line)
	}
}

// Close sends QUIT and closes the connection.
func (c *Client) Close(reason string) error {
	if c.actor.Connected() {
		c.send("QUIT", reason)
	}
	return c.actor.Close()
}

// Nick returns the nickname currently in use.
func (c *Client) Nick() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nick
}

// Identified reports whether NickServ identification was sent.
func (c *Client) Identified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// HasPassword reports whether a NickServ password is still held.
func (c *Client) HasPassword() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password != ""
}

// Channels returns the configured channel names.
func (c *Client) Channels() []string {
	return append([]string(nil), c.channels...)
}

// KnowsChannel reports whether name is a configured channel.
func (c *Client) KnowsChannel(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelUsers[normalizeChannel(name)] != nil
}

// ChannelUsers returns the sorted membership of a channel.
func (c *Client) ChannelUsers(channel string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelUsers[normalizeChannel(channel)].names()
}

// Say sends text to a channel, one PRIVMSG per line and chunk.
func (c *Client) Say(channel, text string) {
	c.sayTo("PRIVMSG", "#"+normalizeChannel(channel), text)
}

// SayTo sends text to a user.
func (c *Client) SayTo(name, text string) {
	c.sayTo("PRIVMSG", name, text)
}

// Notice sends a NOTICE to a user or channel.
func (c *Client) Notice(target, text string) {
	c.sayTo("NOTICE", target, text)
}

func (c *Client) sayTo(command, target, text string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		for _, chunk := range scheduler.Chunk(line, LineLimit) {
			c.send(command, target, chunk)
		}
	}
}

func (c *Client) send(command string, params ...string) {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		c.log.Debug().Err(err).Str("command", command).Msg("Dropping unencodable line")
		return
	}
	if err := c.write([]byte(line)); err != nil {
		c.log.Debug().Err(err).Str("command", command).Msg("Send failed")
	}
}

func (c *Client) onConnect() {
	c.lines.Reset()
	c.pending = nil
	c.lastPing = c.opts.Now()

	c.send("NICK", c.Nick())
	c.send("USER", c.opts.Nick, "0", "*", c.opts.RealName)

	if c.events.Connected != nil {
		c.events.Connected()
	}
}

func (c *Client) onData(data []byte) {
	c.pending = append(c.pending, c.lines.Feed(string(data))...)
}

func (c *Client) onDisconnect(reason error) {
	if c.events.Disconnected != nil {
		c.events.Disconnected(reason)
	}
}

// handleLine parses one protocol line and routes it by verb.
func (c *Client) handleLine(raw string) {
	if !utf8.ValidString(raw) {
		if decoded, err := charmap.ISO8859_1.NewDecoder().String(raw); err == nil {
			raw = decoded
		}
	}
	if strings.TrimSpace(raw) == "" {
		return
	}

	msg, err := ircmsg.ParseLine(raw)
	if err != nil {
		c.log.Debug().Err(err).Str("line", raw).Msg("Unparseable line")
		return
	}
	if msg.Command == "" || len(msg.Params) == 0 {
		c.log.Debug().Str("line", raw).Msg("Line too short")
		return
	}

	handler, ok := c.handlers[strings.ToUpper(msg.Command)]
	if !ok {
		c.log.Debug().Str("command", msg.Command).Msg("Unhandled command")
		return
	}
	handler(msg)
}

func (c *Client) isSelf(nick string) bool {
	return strings.EqualFold(nick, c.Nick())
}

func normalizeChannel(name string) string {
	return strings.ToLower(strings.TrimLeft(strings.TrimSpace(name), "#"))
}

// members maps a case-folded nick to the spelling last seen for it, since
// IRC nicks compare case-insensitively.
type members map[string]string

func (m members) add(nick string) {
	m[strings.ToLower(nick)] = nick
}

func (m members) remove(nick string) bool {
	key := strings.ToLower(nick)
	if _, ok := m[key]; !ok {
		return false
	}
	delete(m, key)
	return true
}

func (m members) names() []string {
	out := make([]string, 0, len(m))
	for _, nick := range m {
		out = append(out, nick)
	}
	sort.Strings(out)
	return out
}

func joinChannels(channels []string) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = fmt.Sprintf("#%s", ch)
	}
	return strings.Join(parts, ",")
}
