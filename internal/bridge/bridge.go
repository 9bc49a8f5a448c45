// Package bridge holds what every service adapter shares: the Bridge
// contract, the relay policy and pacing plumbing in Base, identity
// registries and the mailbox used at background-worker boundaries.
package bridge

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/routing"
	"github.com/dalnet/chatrelay/internal/scheduler"
	"github.com/dalnet/chatrelay/internal/storage"
)

// LinkMaxAge is how long mirrored message ids are kept for edits and deletes
const LinkMaxAge = 24 * time.Hour

// Bridge is one chat service attached to a domain
type Bridge interface {
	event.Emitter
	Start() error
	Update(delta time.Duration)
	Stop() error
}

// Deps are the domain-level collaborators handed to every bridge
type Deps struct {
	Bus     *event.Bus
	Log     zerolog.Logger
	DataDir string
	Version string
	// Links may be nil when edit and delete mirroring is unavailable
	Links *storage.LinkStore
	Now   func() time.Time
}

// Base carries the state and helpers every bridge embeds
type Base struct {
	name string
	kind string

	Bus       *event.Bus
	Log       zerolog.Logger
	Policy    *routing.Policy
	Scheduler *scheduler.Scheduler
	Links     *storage.LinkStore
	Version   string
	Now       func() time.Time

	dataDir string
}

// NewBase builds the shared bridge state from its configuration
func NewBase(cfg config.Bridge, deps Deps) Base {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	log := deps.Log.With().Str("bridge", cfg.Name).Str("type", cfg.Type).Logger()
	policy := routing.NewPolicy(cfg.Generic)

	return Base{
		name:      cfg.Name,
		kind:      cfg.Type,
		Bus:       deps.Bus,
		Log:       log,
		Policy:    policy,
		Scheduler: scheduler.New(policy.Delay(), log, scheduler.WithClock(now)),
		Links:     deps.Links,
		Version:   deps.Version,
		Now:       now,
		dataDir:   deps.DataDir,
	}
}

// Name returns the configured bridge name
func (b *Base) Name() string { return b.name }

// Kind returns the bridge type
func (b *Base) Kind() string { return b.kind }

// DataPath returns a per-bridge file path inside the data directory
func (b *Base) DataPath(file string) string {
	return filepath.Join(b.dataDir, file)
}

// SendBuffered hands text to the pacing scheduler under the sender's key
func (b *Base) SendBuffered(sender string, targets []chat.Channel, text string, maxChunk int, fn scheduler.SendFunc) {
	b.Scheduler.Send(sender, targets, text, maxChunk, fn)
}

// UpdateBase advances the pacing scheduler. Bridges call it from Update.
func (b *Base) UpdateBase(time.Duration) {
	b.Scheduler.Update()
}

// Ignored reports whether a message's sender is on the ignore list
func (b *Base) Ignored(msg chat.Message) bool {
	return b.Policy.Ignored(chat.SenderName(msg))
}

// ShouldBroadcast reports whether a local message in channel is relayed out
func (b *Base) ShouldBroadcast(msg chat.Message) bool {
	if b.Ignored(msg) {
		return false
	}
	for _, ch := range msg.Channels() {
		if !b.Policy.CanBroadcast(ch.Name()) {
			return false
		}
	}
	return true
}

// Receivable filters names to the channels this bridge accepts relayed
// messages into
func (b *Base) Receivable(channels []chat.Channel) []string {
	var out []string
	for _, ch := range channels {
		if b.Policy.CanReceive(ch.Name()) {
			out = append(out, strings.ToLower(ch.Name()))
		}
	}
	return out
}

// Emit broadcasts a message event with the bridge as emitter
func Emit(self event.Emitter, bus *event.Bus, key event.Key[event.MessageEvent], msg chat.Message) {
	event.Broadcast(bus, key, event.MessageEvent{Emitter: self, Message: msg})
}

// FromSelf reports whether an event was raised by self
func FromSelf(emitter, self event.Emitter) bool {
	return emitter == self
}

// RecordMirror links a copy this bridge made of src to its source
func (b *Base) RecordMirror(source event.Emitter, src chat.Message, chatID, id string) {
	if b.Links == nil || source == nil || src == nil || id == "" {
		return
	}
	mirror := storage.Mirror{Bridge: b.name, Chat: chatID, ID: id}
	if err := b.Links.Record(source.Name(), src.ID(), mirror); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to record mirrored message")
	}
}

// MirrorsOf returns this bridge's copies of a source message
func (b *Base) MirrorsOf(source event.Emitter, src chat.Message) []storage.Mirror {
	if b.Links == nil || source == nil || src == nil {
		return nil
	}
	mirrors, err := b.Links.Mirrors(source.Name(), src.ID(), b.name)
	if err != nil {
		b.Log.Warn().Err(err).Msg("Failed to look up mirrored messages")
		return nil
	}
	return mirrors
}

// RelayName renders a username for mirroring into another service, with a
// zero-width space after the first character so the mirror does not
// highlight a live user of the same name
func RelayName(name string) string {
	for i := range name {
		if i > 0 {
			return name[:i] + "\u200b" + name[i:]
		}
	}
	return name
}
