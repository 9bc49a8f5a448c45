package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Bridge types understood by the application
const (
	BridgeIRC      = "irc"
	BridgeDiscord  = "discord"
	BridgeTelegram = "telegram"
	BridgeGame     = "game"
	BridgeMatrix   = "matrix"
)

// Plugin types understood by the application
const (
	PluginCommands = "commands"
	PluginSeen     = "seen"
)

// ErrUnknownBridgeType is returned for a bridge whose type has no adapter
var ErrUnknownBridgeType = errors.New("unknown bridge type")

// Config holds the whole relay configuration
type Config struct {
	Global  Global   `yaml:"global" toml:"global"`
	Domains []Domain `yaml:"domains" toml:"domains" validate:"required,min=1,dive"`
}

// Global holds settings shared by every domain
type Global struct {
	DataDir        string        `yaml:"data_dir" toml:"data_dir"`
	Log            Log           `yaml:"log" toml:"log"`
	Process        Process       `yaml:"process" toml:"process"`
	BridgeDefaults BridgeGeneric `yaml:"bridge_defaults" toml:"bridge_defaults"`
}

// Log configures the root logger
type Log struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
}

// Process configures the main update loop
type Process struct {
	Sleep       time.Duration `yaml:"sleep" toml:"sleep"`
	AutoRestart bool          `yaml:"auto_restart" toml:"auto_restart"`
}

// Domain is one isolated broadcast group
type Domain struct {
	Name    string   `yaml:"name" toml:"name" validate:"required"`
	Bridges []Bridge `yaml:"bridges" toml:"bridges" validate:"dive"`
	Plugins []Plugin `yaml:"plugins" toml:"plugins" validate:"dive"`
}

// Bridge configures one service adapter
type Bridge struct {
	Name     string        `yaml:"name" toml:"name" validate:"required"`
	Type     string        `yaml:"type" toml:"type" validate:"required"`
	Generic  BridgeGeneric `yaml:"generic" toml:"generic"`
	IRC      *IRC          `yaml:"irc" toml:"irc"`
	Discord  *Discord      `yaml:"discord" toml:"discord"`
	Telegram *Telegram     `yaml:"telegram" toml:"telegram"`
	Game     *Game         `yaml:"game" toml:"game"`
	Matrix   *Matrix       `yaml:"matrix" toml:"matrix"`
}

// BridgeGeneric is the relay policy every bridge shares. Unset fields
// inherit from Global.BridgeDefaults.
type BridgeGeneric struct {
	IgnoreSenders        []string       `yaml:"ignore_senders" toml:"ignore_senders"`
	BroadcastMessages    *bool          `yaml:"broadcast_messages" toml:"broadcast_messages"`
	ReceiveMessages      *bool          `yaml:"receive_messages" toml:"receive_messages"`
	BroadcastJoinLeaves  *bool          `yaml:"broadcast_join_leaves" toml:"broadcast_join_leaves"`
	ReceiveJoinLeaves    *bool          `yaml:"receive_join_leaves" toml:"receive_join_leaves"`
	BroadcastNameChanges *bool          `yaml:"broadcast_name_changes" toml:"broadcast_name_changes"`
	BroadcastingChannels []string       `yaml:"broadcasting_channels" toml:"broadcasting_channels"`
	ReceivingChannels    []string       `yaml:"receiving_channels" toml:"receiving_channels"`
	LargeBlockDelay      *time.Duration `yaml:"large_block_delay" toml:"large_block_delay"`
}

// IRC configures an IRC bridge
type IRC struct {
	Host             string        `yaml:"host" toml:"host" validate:"required"`
	Port             int           `yaml:"port" toml:"port" validate:"required,min=1,max=65535"`
	Username         string        `yaml:"username" toml:"username" validate:"required"`
	Password         string        `yaml:"password" toml:"password"`
	RealName         string        `yaml:"real_name" toml:"real_name"`
	PingInterval     time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	Timeout          time.Duration `yaml:"timeout" toml:"timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	EnableUserColors bool          `yaml:"enable_user_colors" toml:"enable_user_colors"`
	ChunkSize        int           `yaml:"chunk_size" toml:"chunk_size"`
}

// Discord configures a Discord bridge
type Discord struct {
	Token     string `yaml:"token" toml:"token" validate:"required"`
	GuildID   string `yaml:"guild_id" toml:"guild_id"`
	ChunkSize int    `yaml:"chunk_size" toml:"chunk_size"`
}

// Telegram configures a Telegram bridge
type Telegram struct {
	Token        string             `yaml:"token" toml:"token" validate:"required"`
	ChatMapping  map[string][]int64 `yaml:"chat_mapping" toml:"chat_mapping"`
	PollInterval time.Duration      `yaml:"poll_interval" toml:"poll_interval"`
	ChunkSize    int                `yaml:"chunk_size" toml:"chunk_size"`

	// RequestTimeout bounds every Bot API call made from the update loop
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// Game configures a game-server bridge
type Game struct {
	Address          string        `yaml:"address" toml:"address" validate:"required"`
	Port             int           `yaml:"port" toml:"port" validate:"required,min=1,max=65535"`
	ReceiveSize      int           `yaml:"receive_size" toml:"receive_size"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
	Channels         []string      `yaml:"channels" toml:"channels"`
	ChunkSize        int           `yaml:"chunk_size" toml:"chunk_size"`
}

// Matrix configures a Matrix bridge
type Matrix struct {
	Homeserver  string            `yaml:"homeserver" toml:"homeserver" validate:"required,url"`
	UserID      string            `yaml:"user_id" toml:"user_id" validate:"required"`
	AccessToken string            `yaml:"access_token" toml:"access_token" validate:"required"`
	Rooms       map[string]string `yaml:"rooms" toml:"rooms"`
	ChunkSize   int               `yaml:"chunk_size" toml:"chunk_size"`
}

// Plugin configures one plugin in a domain
type Plugin struct {
	Name          string   `yaml:"name" toml:"name"`
	Type          string   `yaml:"type" toml:"type" validate:"required,oneof=commands seen"`
	Prefix        []string `yaml:"prefix" toml:"prefix"`
	AdminPassword string   `yaml:"admin_password" toml:"admin_password"`
}

// Load reads and parses a YAML or TOML configuration file, picked by extension
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the structural constraints declared on the config types
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(c)
}

func (c *Config) applyDefaults() {
	if c.Global.DataDir == "" {
		c.Global.DataDir = "./data"
	}
	if c.Global.Log.Level == "" {
		c.Global.Log.Level = "info"
	}
	if c.Global.Log.Format == "" {
		c.Global.Log.Format = "console"
	}
	if c.Global.Process.Sleep <= 0 {
		c.Global.Process.Sleep = 32 * time.Millisecond
	}

	c.Global.BridgeDefaults = c.Global.BridgeDefaults.Merge(builtinDefaults())

	for d := range c.Domains {
		for b := range c.Domains[d].Bridges {
			bridge := &c.Domains[d].Bridges[b]
			bridge.Type = strings.ToLower(bridge.Type)
			bridge.Generic = bridge.Generic.Merge(c.Global.BridgeDefaults)
			bridge.applyDefaults()
		}
		for p := range c.Domains[d].Plugins {
			plugin := &c.Domains[d].Plugins[p]
			if plugin.Name == "" {
				plugin.Name = plugin.Type
			}
			if len(plugin.Prefix) == 0 {
				plugin.Prefix = []string{"]"}
			}
		}
	}
}

func (b *Bridge) applyDefaults() {
	if b.IRC != nil {
		if b.IRC.PingInterval <= 0 {
			b.IRC.PingInterval = 30 * time.Second
		}
		if b.IRC.Timeout <= 0 {
			b.IRC.Timeout = 60 * time.Second
		}
		if b.IRC.ReadTimeout <= 0 {
			b.IRC.ReadTimeout = 30 * time.Millisecond
		}
		if b.IRC.RealName == "" {
			b.IRC.RealName = "chatrelay"
		}
		if b.IRC.ChunkSize <= 0 {
			b.IRC.ChunkSize = 450
		}
	}
	if b.Discord != nil && b.Discord.ChunkSize <= 0 {
		b.Discord.ChunkSize = 1900
	}
	if b.Telegram != nil {
		if b.Telegram.PollInterval <= 0 {
			b.Telegram.PollInterval = time.Second
		}
		if b.Telegram.ChunkSize <= 0 {
			b.Telegram.ChunkSize = 4000
		}
		if b.Telegram.RequestTimeout <= 0 {
			b.Telegram.RequestTimeout = 5 * time.Second
		}
	}
	if b.Game != nil {
		if b.Game.ReceiveSize <= 0 {
			b.Game.ReceiveSize = 4096
		}
		if b.Game.HeartbeatTimeout <= 0 {
			b.Game.HeartbeatTimeout = 10 * time.Second
		}
		if b.Game.ReconnectDelay <= 0 {
			b.Game.ReconnectDelay = 5 * time.Second
		}
		if b.Game.ChunkSize <= 0 {
			b.Game.ChunkSize = 255
		}
	}
	if b.Matrix != nil && b.Matrix.ChunkSize <= 0 {
		b.Matrix.ChunkSize = 4000
	}
}

func builtinDefaults() BridgeGeneric {
	yes := true
	delay := 2 * time.Second
	return BridgeGeneric{
		IgnoreSenders:        []string{},
		BroadcastMessages:    &yes,
		ReceiveMessages:      &yes,
		BroadcastJoinLeaves:  &yes,
		ReceiveJoinLeaves:    &yes,
		BroadcastNameChanges: &yes,
		BroadcastingChannels: []string{},
		ReceivingChannels:    []string{},
		LargeBlockDelay:      &delay,
	}
}

// Merge returns g with every unset field taken from defaults
func (g BridgeGeneric) Merge(defaults BridgeGeneric) BridgeGeneric {
	if g.IgnoreSenders == nil {
		g.IgnoreSenders = defaults.IgnoreSenders
	}
	if g.BroadcastMessages == nil {
		g.BroadcastMessages = defaults.BroadcastMessages
	}
	if g.ReceiveMessages == nil {
		g.ReceiveMessages = defaults.ReceiveMessages
	}
	if g.BroadcastJoinLeaves == nil {
		g.BroadcastJoinLeaves = defaults.BroadcastJoinLeaves
	}
	if g.ReceiveJoinLeaves == nil {
		g.ReceiveJoinLeaves = defaults.ReceiveJoinLeaves
	}
	if g.BroadcastNameChanges == nil {
		g.BroadcastNameChanges = defaults.BroadcastNameChanges
	}
	if g.BroadcastingChannels == nil {
		g.BroadcastingChannels = defaults.BroadcastingChannels
	}
	if g.ReceivingChannels == nil {
		g.ReceivingChannels = defaults.ReceivingChannels
	}
	if g.LargeBlockDelay == nil {
		g.LargeBlockDelay = defaults.LargeBlockDelay
	}
	return g
}

// Flag reads an optional boolean, treating unset as false
func Flag(b *bool) bool {
	return b != nil && *b
}

// Delay reads an optional duration, treating unset as zero
func Delay(d *time.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return *d
}
