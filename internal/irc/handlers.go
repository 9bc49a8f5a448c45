package irc

import (
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

// Nick mode prefixes that may precede names in a 353 reply.
const namePrefixes = "@+%&~"

func (c *Client) registerHandlers() {
	c.handlers = make(map[string]handlerFunc)

	c.addCallback("PING", c.onPing)
	c.addCallback("PONG", c.onPong)
	c.addCallback("NOTICE", c.onNotice)
	c.addCallback("PRIVMSG", c.onPrivMsg)
	c.addCallback("JOIN", c.onJoin)
	c.addCallback("PART", c.onPart)
	c.addCallback("QUIT", c.onQuit)
	c.addCallback("NICK", c.onNick)
	c.addCallback("353", c.onNames)      // RPL_NAMREPLY
	c.addCallback("004", c.onServerInfo) // RPL_MYINFO
}

func (c *Client) addCallback(command string, fn handlerFunc) {
	c.handlers[command] = fn
}

func (c *Client) onPing(e ircmsg.Message) {
	c.send("PONG", e.Params[0])
}

func (c *Client) onPong(e ircmsg.Message) {}

func (c *Client) onServerInfo(e ircmsg.Message) {
	if len(c.channels) == 0 {
		return
	}
	c.log.Debug().Msg("Server info received, joining channels")

	channels := joinChannels(c.channels)
	c.send("JOIN", channels)
	c.send("NAMES", channels)
}

func (c *Client) onNotice(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}

	if !strings.Contains(strings.ToLower(e.Source), "nickserv") {
		return
	}
	if !strings.Contains(e.Params[1], "registered") {
		return
	}

	c.mu.Lock()
	if c.identified || c.password == "" {
		c.mu.Unlock()
		return
	}
	password := c.password
	c.identified = true
	c.password = ""
	c.mu.Unlock()

	c.log.Info().Msg("NickServ requested identification")
	c.SayTo("NickServ", "IDENTIFY "+password)
}

func (c *Client) onPrivMsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}

	target := e.Params[0]
	text := e.Params[1]
	nick := e.Nick()

	if strings.HasPrefix(text, ctcpDelim) {
		c.handleCTCP(nick, target, text)
		return
	}

	if strings.HasPrefix(target, "#") {
		channel := normalizeChannel(target)
		if c.KnowsChannel(channel) {
			if c.events.Message != nil {
				c.events.Message(nick, channel, text)
			}
			return
		}
	}

	if c.events.PrivateMessage != nil {
		c.events.PrivateMessage(nick, text)
	}
}

func (c *Client) onJoin(e ircmsg.Message) {
	channel := normalizeChannel(e.Params[0])
	nick := e.Nick()

	c.mu.Lock()
	users, ok := c.channelUsers[channel]
	if !ok || strings.EqualFold(nick, c.nick) {
		c.mu.Unlock()
		return
	}
	users.add(nick)
	c.mu.Unlock()

	c.log.Debug().Str("user", nick).Str("channel", channel).Msg("User joined")
	if c.events.Join != nil {
		c.events.Join(nick, channel)
	}
}

func (c *Client) onPart(e ircmsg.Message) {
	channel := normalizeChannel(e.Params[0])
	nick := e.Nick()

	var reason string
	if len(e.Params) > 1 {
		reason = e.Params[1]
	}

	c.mu.Lock()
	users, ok := c.channelUsers[channel]
	if !ok || strings.EqualFold(nick, c.nick) {
		c.mu.Unlock()
		return
	}
	users.remove(nick)
	c.mu.Unlock()

	c.log.Debug().Str("user", nick).Str("channel", channel).Msg("User left")
	if c.events.Part != nil {
		c.events.Part(nick, channel, reason)
	}
}

func (c *Client) onQuit(e ircmsg.Message) {
	nick := e.Nick()
	if c.isSelf(nick) {
		return
	}

	var left []string
	c.mu.Lock()
	for _, channel := range c.channels {
		if c.channelUsers[channel].remove(nick) {
			left = append(left, channel)
		}
	}
	c.mu.Unlock()

	c.log.Debug().Str("user", nick).Strs("channels", left).Msg("User quit")
	if c.events.Quit != nil {
		c.events.Quit(nick, e.Params[0], left)
	}
}

func (c *Client) onNick(e ircmsg.Message) {
	oldNick := e.Nick()
	newNick := e.Params[0]

	var channels []string
	c.mu.Lock()
	if strings.EqualFold(oldNick, c.nick) {
		c.nick = newNick
	}
	for _, channel := range c.channels {
		users := c.channelUsers[channel]
		if users.remove(oldNick) {
			users.add(newNick)
			channels = append(channels, channel)
		}
	}
	c.mu.Unlock()

	c.log.Debug().Str("old", oldNick).Str("new", newNick).Msg("Nick changed")
	if c.events.NickChange != nil {
		c.events.NickChange(oldNick, newNick, channels)
	}
}

func (c *Client) onNames(e ircmsg.Message) {
	// 353 <me> <symbol> <#channel> :<names>
	if len(e.Params) < 4 {
		return
	}
	channel := normalizeChannel(e.Params[2])

	c.mu.Lock()
	users, ok := c.channelUsers[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	for _, name := range strings.Fields(e.Params[3]) {
		name = strings.TrimLeft(name, namePrefixes)
		if name != "" {
			users.add(name)
		}
	}
	all := users.names()
	c.mu.Unlock()

	c.log.Debug().Str("channel", channel).Int("count", len(all)).Msg("Received user list")
	if c.events.UserList != nil {
		c.events.UserList(channel, all)
	}
}
