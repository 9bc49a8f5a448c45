// Package commands implements the chat command framework: prefixed
// commands typed in a channel or a private message are looked up in per
// scope tables and resolved by their handlers.
package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/plugin"
	"github.com/dalnet/chatrelay/internal/storage"
)

// Each sender may issue commandBurst commands at once and one more per
// commandInterval after that
const (
	commandInterval = time.Second
	commandBurst    = 3
)

// Scope selects where a command can be invoked
type Scope int

const (
	ScopeChannel Scope = 1 << iota
	ScopePrivate
	ScopeAll = ScopeChannel | ScopePrivate
)

// Handler resolves one command invocation
type Handler func(req *Request)

// Command is one registered chat command
type Command struct {
	Name        string
	Description string
	Category    string
	Scope       Scope
	// Admin commands require a session opened with login
	Admin   bool
	Handler Handler
}

// Provider is implemented by plugins that contribute commands
type Provider interface {
	Commands() []Command
}

// Request is one parsed command invocation
type Request struct {
	Emitter event.Emitter
	Message chat.Message
	Name    string
	Args    []string
	Private bool

	p *Plugin
}

// Sender returns the invoking username
func (r *Request) Sender() string {
	return chat.SenderName(r.Message)
}

// Reply answers the invocation where it was made. Channel replies mention
// the sender.
func (r *Request) Reply(text string) {
	if r.Private {
		if sender := r.Message.Sender(); sender != nil {
			if _, err := sender.Send(text); err != nil {
				r.p.Log.Debug().Err(err).Str("user", r.Sender()).Msg("Private reply failed")
			}
		}
		return
	}
	for _, ch := range r.Message.Channels() {
		if _, err := ch.Send(fmt.Sprintf("@%s %s", r.Sender(), text)); err != nil {
			r.p.Log.Debug().Err(err).Str("channel", ch.Name()).Msg("Channel reply failed")
		}
	}
}

// Admin reports whether the sender holds an admin session
func (r *Request) Admin() bool {
	return r.p.admins[r.p.sessionKey(r.Emitter, r.Sender())]
}

// Plugin is the command framework
type Plugin struct {
	plugin.Base

	prefixes []string
	channel  map[string]Command
	private  map[string]Command
	limiters map[string]*rate.Limiter
	admins   map[string]bool
	audit    []string
}

// New creates the command plugin with its built-in commands
func New(cfg config.Plugin, deps plugin.Deps) (*Plugin, error) {
	p := &Plugin{
		Base:     plugin.NewBase(cfg, deps),
		prefixes: cfg.Prefix,
		channel:  make(map[string]Command),
		private:  make(map[string]Command),
		limiters: make(map[string]*rate.Limiter),
		admins:   make(map[string]bool),
	}
	if len(p.prefixes) == 0 {
		p.prefixes = []string{"]"}
	}

	audit, err := storage.LoadAudit(p.DataDir())
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	p.audit = audit

	p.Add(p.builtins()...)
	return p, nil
}

// Add registers commands. A later command replaces an earlier one of the
// same name and scope.
func (p *Plugin) Add(cmds ...Command) {
	for _, cmd := range cmds {
		name := strings.ToLower(cmd.Name)
		if name == "" || cmd.Handler == nil {
			continue
		}
		if cmd.Scope&ScopeChannel != 0 {
			p.channel[name] = cmd
		}
		if cmd.Scope&ScopePrivate != 0 {
			p.private[name] = cmd
		}
	}
}

// Prefix returns the prefix shown in help output
func (p *Plugin) Prefix() string {
	return p.prefixes[0]
}

// Start subscribes to channel and private messages
func (p *Plugin) Start() error {
	if err := event.Register(p.Bus, event.ReceiveMessage, p.onReceiveMessage); err != nil {
		return err
	}
	return event.Register(p.Bus, event.ReceiveMessagePrivate, p.onReceivePrivateMessage)
}

// Stop persists the audit trail
func (p *Plugin) Stop() error {
	return storage.SaveAudit(p.DataDir(), p.audit)
}

func (p *Plugin) onReceiveMessage(ev event.MessageEvent) (any, error) {
	p.handle(ev, false)
	return nil, nil
}

func (p *Plugin) onReceivePrivateMessage(ev event.MessageEvent) (any, error) {
	p.handle(ev, true)
	return nil, nil
}

func (p *Plugin) handle(ev event.MessageEvent, private bool) {
	if ev.Message == nil || ev.Emitter == nil {
		return
	}
	req, ok := p.parse(ev, private)
	if !ok {
		return
	}

	table := p.channel
	if private {
		table = p.private
	}
	cmd, known := table[req.Name]
	if !known {
		p.Log.Debug().Str("command", req.Name).Bool("private", private).Msg("Received invalid chat command")
		if private {
			req.Reply(fmt.Sprintf("Invalid chat command '%s'.", req.Name))
		} else {
			req.Reply(fmt.Sprintf("Invalid chat command '%s'", req.Name))
		}
		return
	}

	if !p.allow(ev.Emitter, req.Sender()) {
		p.Log.Debug().Str("user", req.Sender()).Str("command", req.Name).Msg("Command rate limited")
		return
	}
	if cmd.Admin && !req.Admin() {
		req.Reply("Sorry, only my admins can issue that command")
		p.logCommand(req, "tried to use "+req.Name+" but wasn't logged in")
		return
	}
	cmd.Handler(req)
}

// parse splits a prefixed message into a command name and arguments
func (p *Plugin) parse(ev event.MessageEvent, private bool) (*Request, bool) {
	text := strings.TrimSpace(ev.Message.CleanText())
	for _, prefix := range p.prefixes {
		if prefix == "" || !strings.HasPrefix(text, prefix) {
			continue
		}
		fields := strings.Fields(text)
		name := strings.ToLower(strings.TrimPrefix(fields[0], prefix))
		if name == "" {
			return nil, false
		}
		return &Request{
			Emitter: ev.Emitter,
			Message: ev.Message,
			Name:    name,
			Args:    fields[1:],
			Private: private,
			p:       p,
		}, true
	}
	return nil, false
}

func (p *Plugin) allow(emitter event.Emitter, user string) bool {
	key := p.sessionKey(emitter, user)
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(commandInterval), commandBurst)
		p.limiters[key] = lim
	}
	return lim.AllowN(p.Now(), 1)
}

func (p *Plugin) sessionKey(emitter event.Emitter, user string) string {
	return strings.ToLower(emitter.Name() + "/" + user)
}

// logCommand appends an entry to the admin audit trail
func (p *Plugin) logCommand(req *Request, action string) {
	timestamp := p.Now().UTC().Format("Mon Jan 02, 2006 at 15:04:05 GMT")
	entry := fmt.Sprintf("%s: %s/%s -> %s", timestamp, req.Emitter.Name(), req.Sender(), action)
	p.audit = storage.AddAudit(p.audit, entry)

	if err := storage.SaveAudit(p.DataDir(), p.audit); err != nil {
		p.Log.Error().Err(err).Msg("Error saving audit trail")
	}
}

// help renders the command tables, channel commands first
func (p *Plugin) help(admin bool) string {
	var b strings.Builder
	p.writeTable(&b, "Available Channel Commands", p.channel, admin)
	p.writeTable(&b, "Available Private Commands", p.private, admin)
	return strings.TrimRight(b.String(), "\n")
}

func (p *Plugin) writeTable(b *strings.Builder, title string, table map[string]Command, admin bool) {
	byCategory := make(map[string][]Command)
	for _, cmd := range table {
		if cmd.Admin && !admin {
			continue
		}
		category := cmd.Category
		if category == "" {
			category = "Uncategorized"
		}
		byCategory[category] = append(byCategory[category], cmd)
	}
	if len(byCategory) == 0 {
		return
	}

	categories := make([]string, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	fmt.Fprintf(b, "%s\n", title)
	for _, category := range categories {
		cmds := byCategory[category]
		sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

		fmt.Fprintf(b, "    Category '%s'\n", category)
		for _, cmd := range cmds {
			line := p.Prefix() + strings.ToLower(cmd.Name)
			if cmd.Description != "" {
				line += " - " + cmd.Description
			}
			fmt.Fprintf(b, "        %s\n", line)
		}
	}
}
