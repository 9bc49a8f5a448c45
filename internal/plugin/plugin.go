// Package plugin holds the contract for domain plugins: components that sit
// on a domain's event bus next to the bridges without owning a chat service.
package plugin

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
)

// Plugin is one plugin attached to a domain
type Plugin interface {
	event.Emitter
	Start() error
	Update(delta time.Duration)
	Stop() error
}

// Control lets admin commands act on the running process
type Control interface {
	Shutdown(reason string)
	Restart(reason string)
}

// Deps are the domain-level collaborators handed to every plugin
type Deps struct {
	Bus     *event.Bus
	Log     zerolog.Logger
	DataDir string
	Version string
	Control Control
	Now     func() time.Time
}

// Base carries the state every plugin embeds
type Base struct {
	name string

	Config  config.Plugin
	Bus     *event.Bus
	Log     zerolog.Logger
	Version string
	Control Control
	Now     func() time.Time

	dataDir string
}

// NewBase builds the shared plugin state from its configuration
func NewBase(cfg config.Plugin, deps Deps) Base {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Type
	}
	return Base{
		name:    name,
		Config:  cfg,
		Bus:     deps.Bus,
		Log:     deps.Log.With().Str("plugin", name).Logger(),
		Version: deps.Version,
		Control: deps.Control,
		Now:     now,
		dataDir: deps.DataDir,
	}
}

// Name returns the configured plugin name
func (b *Base) Name() string { return b.name }

// DataDir returns the directory plugin state is persisted in
func (b *Base) DataDir() string { return b.dataDir }

// DataPath returns a file path inside the data directory
func (b *Base) DataPath(file string) string {
	return filepath.Join(b.dataDir, file)
}

// Update is a no-op for plugins that only react to events
func (b *Base) Update(time.Duration) {}
