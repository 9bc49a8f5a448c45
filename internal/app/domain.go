package app

import (
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/plugin"
	"github.com/dalnet/chatrelay/internal/plugin/commands"
	"github.com/dalnet/chatrelay/internal/storage"
)

// pruneInterval is how often stale message links are dropped
const pruneInterval = time.Hour

// Domain is one broadcast group: its bridges and plugins share one bus and
// never see events from another domain.
type Domain struct {
	Name    string
	Bus     *event.Bus
	Bridges []bridge.Bridge
	Plugins []plugin.Plugin

	log       zerolog.Logger
	links     *storage.LinkStore
	now       func() time.Time
	lastPrune time.Time
}

type domainDeps struct {
	global  config.Global
	log     zerolog.Logger
	version string
	control plugin.Control
	now     func() time.Time
	bridges map[string]BridgeFactory
	plugins map[string]PluginFactory
}

// newDomain builds every bridge and plugin of cfg. A component that fails
// to build is logged and skipped; its siblings still load.
func newDomain(cfg config.Domain, deps domainDeps) *Domain {
	log := deps.log.With().Str("domain", cfg.Name).Logger()
	d := &Domain{
		Name:      cfg.Name,
		Bus:       event.NewBus(log),
		log:       log,
		now:       deps.now,
		lastPrune: deps.now(),
	}

	links, err := storage.OpenLinks(filepath.Join(deps.global.DataDir, cfg.Name+".links.db"))
	if err != nil {
		log.Error().Err(err).Msg("Message link store unavailable, edits and deletes will not be mirrored")
	} else {
		d.links = links
	}

	bridgeDeps := bridge.Deps{
		Bus:     d.Bus,
		Log:     log,
		DataDir: deps.global.DataDir,
		Version: deps.version,
		Links:   d.links,
		Now:     deps.now,
	}
	for _, bc := range cfg.Bridges {
		b, err := buildBridge(deps.bridges, bc, bridgeDeps)
		if err != nil {
			log.Error().Err(err).Str("bridge", bc.Name).Str("type", bc.Type).Msg("Failed to create bridge")
			continue
		}
		d.Bridges = append(d.Bridges, b)
	}

	pluginDeps := plugin.Deps{
		Bus:     d.Bus,
		Log:     log,
		DataDir: deps.global.DataDir,
		Version: deps.version,
		Control: deps.control,
		Now:     deps.now,
	}
	for _, pc := range cfg.Plugins {
		p, err := buildPlugin(deps.plugins, pc, pluginDeps)
		if err != nil {
			log.Error().Err(err).Str("plugin", pc.Name).Str("type", pc.Type).Msg("Failed to create plugin")
			continue
		}
		d.Plugins = append(d.Plugins, p)
	}

	d.wireCommands()
	return d
}

// wireCommands hands every command a plugin provides to the domain's
// command plugins.
func (d *Domain) wireCommands() {
	for _, host := range d.Plugins {
		cmds, ok := host.(*commands.Plugin)
		if !ok {
			continue
		}
		for _, p := range d.Plugins {
			if provider, ok := p.(commands.Provider); ok {
				cmds.Add(provider.Commands()...)
			}
		}
	}
}

// Start starts bridges first, then plugins. A component that fails to start
// is logged and left in place.
func (d *Domain) Start() {
	for _, b := range d.Bridges {
		d.guard("start", "bridge", b.Name(), b.Start)
	}
	for _, p := range d.Plugins {
		d.guard("start", "plugin", p.Name(), p.Start)
	}
	d.log.Info().Int("bridges", len(d.Bridges)).Int("plugins", len(d.Plugins)).Msg("Domain started")
}

// Update ticks every bridge, then every plugin, then prunes stale links.
// Panics propagate to the application loop.
func (d *Domain) Update(delta time.Duration) {
	for _, b := range d.Bridges {
		b.Update(delta)
	}
	for _, p := range d.Plugins {
		p.Update(delta)
	}

	if d.links == nil {
		return
	}
	if now := d.now(); now.Sub(d.lastPrune) >= pruneInterval {
		d.lastPrune = now
		n, err := d.links.Prune(bridge.LinkMaxAge)
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to prune message links")
		} else if n > 0 {
			d.log.Debug().Int64("pruned", n).Msg("Pruned message links")
		}
	}
}

// Stop stops plugins first, then bridges, each group in reverse start
// order. Every stop is isolated so one failure does not keep the others
// running.
func (d *Domain) Stop() {
	for i := len(d.Plugins) - 1; i >= 0; i-- {
		p := d.Plugins[i]
		d.guard("stop", "plugin", p.Name(), p.Stop)
	}
	for i := len(d.Bridges) - 1; i >= 0; i-- {
		b := d.Bridges[i]
		d.guard("stop", "bridge", b.Name(), b.Stop)
	}
	if d.links != nil {
		if err := d.links.Close(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to close message link store")
		}
		d.links = nil
	}
}

func (d *Domain) guard(action, kind, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str(kind, name).Interface("panic", r).Bytes("stack", debug.Stack()).
				Msg(fmt.Sprintf("Panic during %s", action))
		}
	}()
	if err := fn(); err != nil {
		d.log.Error().Err(err).Str(kind, name).Msg(fmt.Sprintf("Failed to %s %s", action, kind))
	}
}
