// Package routing decides which events a bridge relays and where service
// native chat ids map onto relay channel names.
package routing

import (
	"strings"
	"time"

	"github.com/dalnet/chatrelay/internal/config"
)

// Policy is a bridge's merged generic relay configuration
type Policy struct {
	broadcastMessages    bool
	receiveMessages      bool
	broadcastJoinLeaves  bool
	receiveJoinLeaves    bool
	broadcastNameChanges bool

	ignored      map[string]bool
	broadcasting map[string]bool
	receiving    map[string]bool
	delay        time.Duration
}

// NewPolicy builds a policy from generic bridge configuration. Unset flags
// read as false, so callers pass configuration already merged with defaults.
func NewPolicy(g config.BridgeGeneric) *Policy {
	return &Policy{
		broadcastMessages:    config.Flag(g.BroadcastMessages),
		receiveMessages:      config.Flag(g.ReceiveMessages),
		broadcastJoinLeaves:  config.Flag(g.BroadcastJoinLeaves),
		receiveJoinLeaves:    config.Flag(g.ReceiveJoinLeaves),
		broadcastNameChanges: config.Flag(g.BroadcastNameChanges),
		ignored:              lowerSet(g.IgnoreSenders),
		broadcasting:         toSet(g.BroadcastingChannels),
		receiving:            toSet(g.ReceivingChannels),
		delay:                config.Delay(g.LargeBlockDelay),
	}
}

// Ignored reports whether messages from sender are dropped
func (p *Policy) Ignored(sender string) bool {
	return p.ignored[strings.ToLower(sender)]
}

// CanBroadcast reports whether a message seen in channel is relayed out
func (p *Policy) CanBroadcast(channel string) bool {
	return p.broadcastMessages && allowed(p.broadcasting, channel)
}

// CanReceive reports whether a relayed message is delivered into channel
func (p *Policy) CanReceive(channel string) bool {
	return p.receiveMessages && allowed(p.receiving, channel)
}

// BroadcastsMessages reports whether local messages are relayed out at all,
// including private ones that carry no channel
func (p *Policy) BroadcastsMessages() bool {
	return p.broadcastMessages
}

// ReceivesMessages reports whether relayed messages are delivered at all
func (p *Policy) ReceivesMessages() bool {
	return p.receiveMessages
}

// CanBroadcastJoinLeave reports whether local joins and leaves are relayed out
func (p *Policy) CanBroadcastJoinLeave() bool {
	return p.broadcastJoinLeaves
}

// CanReceiveJoinLeave reports whether relayed joins and leaves are shown
func (p *Policy) CanReceiveJoinLeave() bool {
	return p.receiveJoinLeaves
}

// CanBroadcastNameChange reports whether local renames are relayed out
func (p *Policy) CanBroadcastNameChange() bool {
	return p.broadcastNameChanges
}

// Delay is the pause between chunks of a long block
func (p *Policy) Delay() time.Duration {
	return p.delay
}

// allowed treats an empty channel list as "every channel"
func allowed(set map[string]bool, channel string) bool {
	return len(set) == 0 || set[canonical(channel)]
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimSpace(item))] = true
	}
	return set
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[canonical(item)] = true
		}
	}
	return set
}
