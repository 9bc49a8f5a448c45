package app

import (
	"fmt"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/bridge/discordbridge"
	"github.com/dalnet/chatrelay/internal/bridge/gamebridge"
	"github.com/dalnet/chatrelay/internal/bridge/ircbridge"
	"github.com/dalnet/chatrelay/internal/bridge/matrixbridge"
	"github.com/dalnet/chatrelay/internal/bridge/telegrambridge"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/plugin"
	"github.com/dalnet/chatrelay/internal/plugin/commands"
	"github.com/dalnet/chatrelay/internal/plugin/seen"
)

// BridgeFactory builds one bridge from its configuration
type BridgeFactory func(cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error)

// PluginFactory builds one plugin from its configuration
type PluginFactory func(cfg config.Plugin, deps plugin.Deps) (plugin.Plugin, error)

// DefaultBridges maps every bridge type to its adapter
func DefaultBridges() map[string]BridgeFactory {
	return map[string]BridgeFactory{
		config.BridgeIRC: func(cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error) {
			b, err := ircbridge.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		config.BridgeDiscord: func(cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error) {
			b, err := discordbridge.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		config.BridgeTelegram: func(cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error) {
			b, err := telegrambridge.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		config.BridgeGame: func(cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error) {
			b, err := gamebridge.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		config.BridgeMatrix: func(cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error) {
			b, err := matrixbridge.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
	}
}

// DefaultPlugins maps every plugin type to its implementation
func DefaultPlugins() map[string]PluginFactory {
	return map[string]PluginFactory{
		config.PluginCommands: func(cfg config.Plugin, deps plugin.Deps) (plugin.Plugin, error) {
			p, err := commands.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		config.PluginSeen: func(cfg config.Plugin, deps plugin.Deps) (plugin.Plugin, error) {
			p, err := seen.New(cfg, deps)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func buildBridge(factories map[string]BridgeFactory, cfg config.Bridge, deps bridge.Deps) (bridge.Bridge, error) {
	factory, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBridgeType, cfg.Type)
	}
	return factory(cfg, deps)
}

func buildPlugin(factories map[string]PluginFactory, cfg config.Plugin, deps plugin.Deps) (plugin.Plugin, error) {
	factory, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown plugin type %q", cfg.Type)
	}
	return factory(cfg, deps)
}
