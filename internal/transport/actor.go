// Package transport owns the stream sockets that cooperative bridges poll
// from the application's update loop.
//
// An Actor never blocks longer than its read timeout. Every transport fault
// ends in a reconnect: silence past the timeout threshold and hard socket
// errors reconnect at once, and failed dials are retried on a bounded
// exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Sentinel errors for the transport.
var (
	ErrNotConnected = errors.New("not connected")
	ErrIdleTimeout  = errors.New("connection idle past timeout")
	ErrClosed       = errors.New("actor closed")
)

// State is the connection state of an Actor.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DialFunc opens a stream connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures an Actor.
type Options struct {
	Address string
	// ReadTimeout bounds each read made during Update.
	ReadTimeout time.Duration
	// Timeout is how long the connection may stay silent before reconnecting.
	// Zero disables idle detection.
	Timeout      time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadSize     int
	// MaxReads caps reads per Update so a busy peer cannot starve the loop.
	MaxReads int
	Dial     DialFunc
	Backoff  *Backoff
	Now      func() time.Time
}

// Hooks receive connection lifecycle callbacks on the updating goroutine.
type Hooks struct {
	OnConnect    func()
	OnData       func(data []byte)
	OnDisconnect func(reason error)
}

// Actor is a reconnecting stream connection polled by Update.
type Actor struct {
	opts  Options
	hooks Hooks
	log   zerolog.Logger

	conn     net.Conn
	state    State
	closed   bool
	idle     time.Duration
	nextDial time.Time
	buf      []byte
}

// NewActor creates a disconnected actor. Call Connect or Update to dial.
func NewActor(opts Options, hooks Hooks, log zerolog.Logger) *Actor {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Millisecond
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = 4096
	}
	if opts.MaxReads <= 0 {
		opts.MaxReads = 64
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackoff(time.Second, time.Minute)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Actor{
		opts:  opts,
		hooks: hooks,
		log:   log.With().Str("component", "transport").Str("address", opts.Address).Logger(),
		state: Disconnected,
		buf:   make([]byte, opts.ReadSize),
	}
}

// State returns the current connection state.
func (a *Actor) State() State {
	return a.state
}

// Connected reports whether the actor holds a live connection.
func (a *Actor) Connected() bool {
	return a.state == Connected
}

// Connect closes any existing connection and dials a new one. On failure the
// next dial is scheduled on the backoff.
func (a *Actor) Connect() error {
	if a.closed {
		return ErrClosed
	}
	a.closeConn()
	a.state = Connecting
	a.idle = 0

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.DialTimeout)
	defer cancel()

	conn, err := a.opts.Dial(ctx, "tcp", a.opts.Address)
	if err != nil {
		delay := a.opts.Backoff.Next()
		a.nextDial = a.opts.Now().Add(delay)
		a.state = Reconnecting
		a.log.Warn().Err(err).Dur("retry_in", delay).Msg("Dial failed")
		return fmt.Errorf("dial %s: %w", a.opts.Address, err)
	}

	a.conn = conn
	a.state = Connected
	a.opts.Backoff.Reset()
	a.log.Info().Msg("Connected")

	if a.hooks.OnConnect != nil {
		a.hooks.OnConnect()
	}
	return nil
}

// Update drains available data, tracks idle time and reconnects on faults.
// delta is the time since the previous Update.
func (a *Actor) Update(delta time.Duration) {
	if a.closed {
		return
	}
	if a.state != Connected {
		if !a.opts.Now().Before(a.nextDial) {
			_ = a.Connect()
		}
		return
	}

	gotData := false
	for i := 0; i < a.opts.MaxReads && a.conn != nil; i++ {
		_ = a.conn.SetReadDeadline(a.opts.Now().Add(a.opts.ReadTimeout))
		n, err := a.conn.Read(a.buf)
		if n > 0 {
			gotData = true
			a.idle = 0
			if a.hooks.OnData != nil {
				chunk := make([]byte, n)
				copy(chunk, a.buf[:n])
				a.hooks.OnData(chunk)
			}
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if !gotData {
				a.idle += delta
				if a.opts.Timeout > 0 && a.idle >= a.opts.Timeout {
					a.idle = 0
					a.Reconnect(ErrIdleTimeout)
				}
			}
			return
		}
		a.Reconnect(err)
		return
	}
}

// Send writes data to the connection. A write failure triggers a reconnect.
func (a *Actor) Send(data []byte) error {
	if a.state != Connected || a.conn == nil {
		return ErrNotConnected
	}
	_ = a.conn.SetWriteDeadline(a.opts.Now().Add(a.opts.WriteTimeout))
	if _, err := a.conn.Write(data); err != nil {
		a.Reconnect(err)
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Reconnect drops the connection, reports reason and dials again at once.
func (a *Actor) Reconnect(reason error) {
	if a.closed {
		return
	}
	a.log.Warn().Err(reason).Msg("Connection lost, reconnecting")
	a.closeConn()
	a.state = Reconnecting
	if a.hooks.OnDisconnect != nil {
		a.hooks.OnDisconnect(reason)
	}
	_ = a.Connect()
}

// Close shuts the connection down for good.
func (a *Actor) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	a.state = Disconnected
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

func (a *Actor) closeConn() {
	if a.conn == nil {
		return
	}
	if err := a.conn.Close(); err != nil {
		a.log.Debug().Err(err).Msg("Close failed")
	}
	a.conn = nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
