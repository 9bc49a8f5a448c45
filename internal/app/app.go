// Package app is the composition root: it builds the configured domains and
// drives their cooperative update loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/config"
)

// Version information - set at build time via ldflags in main
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Action is what the process should do once Run returns
type Action int

const (
	// ActionExit ends the process
	ActionExit Action = iota
	// ActionRestart re-executes the process
	ActionRestart
)

// CrashError is returned by Run when the update loop panicked and
// auto-restart is off.
type CrashError struct {
	Value any
	Stack []byte
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("update loop panicked: %v", e.Value)
}

// Options override the application's collaborators. Zero fields fall back
// to the production defaults.
type Options struct {
	Version string
	Now     func() time.Time
	Bridges map[string]BridgeFactory
	Plugins map[string]PluginFactory
}

// Application owns every domain of one configuration
type Application struct {
	cfg  *config.Config
	log  zerolog.Logger
	opts Options

	domains []*Domain

	mu      sync.Mutex
	request *request
}

type request struct {
	action Action
	reason string
}

// New creates an application. Domains are built when Run starts.
func New(cfg *config.Config, log zerolog.Logger, opts Options) *Application {
	if opts.Version == "" {
		opts.Version = Version
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bridges == nil {
		opts.Bridges = DefaultBridges()
	}
	if opts.Plugins == nil {
		opts.Plugins = DefaultPlugins()
	}
	return &Application{
		cfg:  cfg,
		log:  log.With().Str("component", "app").Logger(),
		opts: opts,
	}
}

// Shutdown asks the update loop to stop everything and exit
func (a *Application) Shutdown(reason string) {
	a.ask(ActionExit, reason)
}

// Restart asks the update loop to stop everything and re-execute the process
func (a *Application) Restart(reason string) {
	a.ask(ActionRestart, reason)
}

func (a *Application) ask(action Action, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.request == nil {
		a.request = &request{action: action, reason: reason}
	}
}

func (a *Application) takeRequest() *request {
	a.mu.Lock()
	defer a.mu.Unlock()
	req := a.request
	a.request = nil
	return req
}

// Domains returns the domains of the current run
func (a *Application) Domains() []*Domain {
	return a.domains
}

// Run builds and starts every domain, then ticks them until ctx is done or
// a shutdown or restart is requested. A panic in the loop stops every
// component; the whole setup is then rebuilt when auto_restart is on,
// otherwise Run returns a *CrashError.
func (a *Application) Run(ctx context.Context) (Action, error) {
	for {
		action, err := a.runOnce(ctx)
		var crash *CrashError
		if errors.As(err, &crash) && a.cfg.Global.Process.AutoRestart && ctx.Err() == nil {
			a.log.Warn().Msg("Restarting all domains after crash")
			continue
		}
		return action, err
	}
}

func (a *Application) runOnce(ctx context.Context) (action Action, err error) {
	if err := os.MkdirAll(a.cfg.Global.DataDir, 0755); err != nil {
		return ActionExit, fmt.Errorf("failed to create data directory: %w", err)
	}

	a.setup()
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			a.log.Error().Interface("panic", r).Bytes("stack", stack).Msg("Update loop crashed, stopping all components")
			a.stop()
			action, err = ActionExit, &CrashError{Value: r, Stack: stack}
		}
	}()
	a.start()

	sleep := a.cfg.Global.Process.Sleep
	last := a.opts.Now()
	for {
		if ctx.Err() != nil {
			a.log.Info().Msg("Context done, stopping")
			a.stop()
			return ActionExit, nil
		}
		if req := a.takeRequest(); req != nil {
			a.log.Info().Str("reason", req.reason).Msg("Stop requested")
			a.stop()
			return req.action, nil
		}

		now := a.opts.Now()
		a.update(now.Sub(last))
		last = now

		if wait := sleep - a.opts.Now().Sub(now); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

func (a *Application) setup() {
	a.domains = nil
	for _, dc := range a.cfg.Domains {
		a.domains = append(a.domains, newDomain(dc, domainDeps{
			global:  a.cfg.Global,
			log:     a.log,
			version: a.opts.Version,
			control: a,
			now:     a.opts.Now,
			bridges: a.opts.Bridges,
			plugins: a.opts.Plugins,
		}))
	}
}

func (a *Application) start() {
	for _, d := range a.domains {
		d.Start()
	}
}

func (a *Application) update(delta time.Duration) {
	for _, d := range a.domains {
		d.Update(delta)
	}
}

func (a *Application) stop() {
	for _, d := range a.domains {
		d.Stop()
	}
}
