package commands

import "fmt"

const adminCategory = "Administration"

func (p *Plugin) builtins() []Command {
	return []Command{
		{
			Name:        "help",
			Description: "The bot tells you to message it with the help command.",
			Scope:       ScopeChannel,
			Handler: func(req *Request) {
				req.Reply("Please private message me to see help.")
			},
		},
		{
			Name:        "help",
			Description: "Displays this help text.",
			Scope:       ScopePrivate,
			Handler: func(req *Request) {
				req.Reply(p.help(req.Admin()))
			},
		},
		{
			Name:        "version",
			Description: "Displays the relay version.",
			Scope:       ScopeAll,
			Handler: func(req *Request) {
				req.Reply(fmt.Sprintf("chatrelay version %s", p.Version))
			},
		},
		{
			Name:        "login",
			Description: "Opens an admin session: login <password>",
			Category:    adminCategory,
			Scope:       ScopePrivate,
			Handler:     p.cmdLogin,
		},
		{
			Name:        "logout",
			Description: "Closes your admin session.",
			Category:    adminCategory,
			Scope:       ScopePrivate,
			Handler:     p.cmdLogout,
		},
		{
			Name:        "restart",
			Description: "Restarts the relay.",
			Category:    adminCategory,
			Scope:       ScopePrivate,
			Admin:       true,
			Handler:     p.cmdRestart,
		},
		{
			Name:        "shutdown",
			Description: "Shuts the relay down.",
			Category:    adminCategory,
			Scope:       ScopePrivate,
			Admin:       true,
			Handler:     p.cmdShutdown,
		},
	}
}

func (p *Plugin) cmdLogin(req *Request) {
	if len(req.Args) < 1 {
		req.Reply("Usage: login <password>")
		return
	}
	if p.Config.AdminPassword == "" {
		req.Reply("Admin commands are disabled.")
		p.logCommand(req, "tried to log in, but no admin password is configured")
		return
	}
	if req.Args[0] != p.Config.AdminPassword {
		req.Reply("Password incorrect")
		p.logCommand(req, "INCORRECT LOGIN ATTEMPT")
		return
	}

	p.admins[p.sessionKey(req.Emitter, req.Sender())] = true
	req.Reply("Password accepted, you are now an admin. Type help for a list of admin-only commands")
	p.logCommand(req, "successful login")
}

func (p *Plugin) cmdLogout(req *Request) {
	if !req.Admin() {
		req.Reply("You're not logged in!")
		p.logCommand(req, "tried to log out, but wasn't logged in")
		return
	}
	delete(p.admins, p.sessionKey(req.Emitter, req.Sender()))
	req.Reply("You have been logged out")
	p.logCommand(req, "logged out")
}

func (p *Plugin) cmdRestart(req *Request) {
	p.logCommand(req, "restart command")
	req.Reply("Restarting")
	if p.Control != nil {
		p.Control.Restart(fmt.Sprintf("restart requested by %s", req.Sender()))
	}
}

func (p *Plugin) cmdShutdown(req *Request) {
	p.logCommand(req, "shutdown command")
	req.Reply("Shutting down")
	if p.Control != nil {
		p.Control.Shutdown(fmt.Sprintf("shutdown requested by %s", req.Sender()))
	}
}
