package irc

import (
	"fmt"
	"strings"
	"time"
)

const ctcpDelim = "\x01"

type ctcpFunc func(nick, target, args string)

func (c *Client) registerCTCP() {
	c.ctcp = map[string]ctcpFunc{
		"ACTION":  c.onCtcpAction,
		"PING":    c.onCtcpPing,
		"TIME":    c.onCtcpTime,
		"VERSION": c.onCtcpVersion,
	}
}

func (c *Client) handleCTCP(nick, target, text string) {
	body := strings.Trim(text, ctcpDelim)
	command, args, _ := strings.Cut(body, " ")
	command = strings.ToUpper(command)

	fn, ok := c.ctcp[command]
	if !ok {
		c.log.Debug().Str("ctcp", command).Str("from", nick).Msg("Unknown CTCP command")
		return
	}
	fn(nick, target, args)
}

func (c *Client) onCtcpAction(nick, target, args string) {
	if strings.HasPrefix(target, "#") {
		channel := normalizeChannel(target)
		if c.KnowsChannel(channel) && c.events.Pose != nil {
			c.events.Pose(nick, channel, args)
		}
		return
	}
	if c.events.PrivatePose != nil {
		c.events.PrivatePose(nick, args)
	}
}

func (c *Client) onCtcpPing(nick, target, args string) {
	params := strings.Fields(args)
	if len(params) != 1 || !c.isSelf(target) {
		return
	}
	c.ctcpReply(nick, "PING", params[0])
}

func (c *Client) onCtcpTime(nick, target, args string) {
	if !c.isSelf(target) {
		return
	}
	c.ctcpReply(nick, "TIME", c.opts.Now().Format(time.RFC1123))
}

func (c *Client) onCtcpVersion(nick, target, args string) {
	if !c.isSelf(target) {
		return
	}
	c.ctcpReply(nick, "VERSION", fmt.Sprintf("chatrelay %s", c.opts.Version))
}

func (c *Client) ctcpReply(nick, command, payload string) {
	c.send("NOTICE", nick, ctcpDelim+command+" "+payload+ctcpDelim)
}
