// Package seen records the last activity of every user in a domain and
// answers "seen <name>" queries.
package seen

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hako/durafmt"

	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/plugin"
	"github.com/dalnet/chatrelay/internal/plugin/commands"
	"github.com/dalnet/chatrelay/internal/storage"
)

// Activities recorded per user
const (
	actionTalking = "talking"
	actionPosing  = "posing"
	actionJoining = "joining"
	actionLeaving = "leaving"
)

// Plugin tracks user activity in a bitcask store
type Plugin struct {
	plugin.Base

	store *storage.SeenStore
}

// New creates the seen plugin. The store is opened on Start.
func New(cfg config.Plugin, deps plugin.Deps) (*Plugin, error) {
	return &Plugin{Base: plugin.NewBase(cfg, deps)}, nil
}

// Start opens the store and subscribes to user activity
func (p *Plugin) Start() error {
	store, err := storage.OpenSeen(p.DataPath(p.Name() + ".seen"))
	if err != nil {
		return err
	}
	p.store = store

	record := func(action string) func(event.MessageEvent) {
		return func(ev event.MessageEvent) { p.recordMessage(ev, action) }
	}
	membership := func(action string) func(event.MembershipEvent) {
		return func(ev event.MembershipEvent) { p.record(ev.Emitter, ev.User, ev.Channels, action) }
	}
	return errors.Join(
		event.Listen(p.Bus, event.ReceiveMessage, record(actionTalking)),
		event.Listen(p.Bus, event.ReceiveMessagePrivate, record(actionTalking)),
		event.Listen(p.Bus, event.ReceivePose, record(actionPosing)),
		event.Listen(p.Bus, event.ReceiveJoin, membership(actionJoining)),
		event.Listen(p.Bus, event.ReceiveLeave, membership(actionLeaving)),
	)
}

// Stop compacts and closes the store
func (p *Plugin) Stop() error {
	if p.store == nil {
		return nil
	}
	if err := p.store.Merge(); err != nil {
		p.Log.Warn().Err(err).Msg("Failed to compact seen store")
	}
	err := p.store.Close()
	p.store = nil
	return err
}

// Commands contributes the seen command to the command plugin
func (p *Plugin) Commands() []commands.Command {
	return []commands.Command{{
		Name:        "seen",
		Description: "Tells when a user was last active: seen <name>",
		Category:    "Information",
		Scope:       commands.ScopeAll,
		Handler: func(req *commands.Request) {
			if len(req.Args) < 1 {
				req.Reply("Usage: seen <name>")
				return
			}
			req.Reply(p.Describe(req.Args[0]))
		},
	}}
}

// Describe renders the last activity of name
func (p *Plugin) Describe(name string) string {
	if p.store == nil {
		return "The seen database is not available."
	}
	rec, ok, err := p.store.Lookup(name)
	if err != nil {
		p.Log.Error().Err(err).Str("user", name).Msg("Seen lookup failed")
		return "The seen database is not available."
	}
	if !ok {
		return fmt.Sprintf("I have not seen %s.", name)
	}

	ago := p.Now().Sub(rec.Time)
	if ago < time.Second {
		ago = time.Second
	}
	where := ""
	if rec.Channel != "" {
		where = fmt.Sprintf(" in %s", rec.Channel)
	}
	return fmt.Sprintf("%s was last seen %s%s on %s %s ago.",
		rec.Name, rec.Action, where, rec.Bridge, durafmt.Parse(ago.Truncate(time.Second)).LimitFirstN(2).String())
}

func (p *Plugin) recordMessage(ev event.MessageEvent, action string) {
	if ev.Message == nil {
		return
	}
	p.record(ev.Emitter, ev.Message.Sender(), ev.Message.Channels(), action)
}

func (p *Plugin) record(emitter event.Emitter, user chat.User, channels []chat.Channel, action string) {
	if p.store == nil || emitter == nil || user == nil || user.Username() == "" {
		return
	}
	rec := storage.SeenRecord{
		Name:    user.Username(),
		Bridge:  emitter.Name(),
		Channel: strings.Join(chat.ChannelNames(channels), ", "),
		Action:  action,
		Time:    p.Now(),
	}
	if err := p.store.Record(rec); err != nil {
		p.Log.Warn().Err(err).Str("user", rec.Name).Msg("Failed to record activity")
	}
}
