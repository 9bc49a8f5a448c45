// Package event implements the per-domain event bus that bridges and
// plugins use to talk to each other.
//
// Every event name is bound to one payload type by its Key. The first
// registration under a name fixes that type and later registrations with a
// different type are rejected. Dispatch runs responders in registration
// order; a responder that errors or panics is logged and recorded in the
// result list without stopping its siblings.
package event

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// Responder handles one event payload and may return a value for result hooks.
type Responder[T any] func(ev T) (any, error)

// ResultHook observes the full result list of one dispatch.
type ResultHook func(results []Result)

// Result is the outcome of one responder invocation.
type Result struct {
	Value    any
	Err      error
	Panicked bool
}

// Bus is a domain-scoped publish/subscribe hub.
type Bus struct {
	log zerolog.Logger

	mu    sync.RWMutex
	slots map[string]any
}

type slot[T any] struct {
	responders []Responder[T]
	hooks      []ResultHook
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:   log.With().Str("component", "event_bus").Logger(),
		slots: make(map[string]any),
	}
}

// lookup returns the slot for name, creating it when create is set. The
// caller must hold b.mu for writing when create is set.
func lookup[T any](b *Bus, name string, create bool) (*slot[T], error) {
	existing, ok := b.slots[name]
	if !ok {
		if !create {
			return nil, nil
		}
		s := &slot[T]{}
		b.slots[name] = s
		return s, nil
	}
	s, ok := existing.(*slot[T])
	if !ok {
		return nil, ErrMismatchedResponder
	}
	return s, nil
}

// Register appends a responder for the event named by key.
func Register[T any](b *Bus, key Key[T], fn Responder[T]) error {
	if fn == nil {
		return ErrNilResponder
	}
	if key.name == "" {
		return ErrInvalidEvent
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := lookup[T](b, key.name, true)
	if err != nil {
		return err
	}
	s.responders = append(s.responders, fn)
	return nil
}

// Listen registers a responder that returns no value.
func Listen[T any](b *Bus, key Key[T], fn func(ev T)) error {
	if fn == nil {
		return ErrNilResponder
	}
	return Register(b, key, func(ev T) (any, error) {
		fn(ev)
		return nil, nil
	})
}

// RegisterResultHook appends a hook that sees every dispatch's results.
func RegisterResultHook[T any](b *Bus, key Key[T], hook ResultHook) error {
	if hook == nil {
		return ErrNilResponder
	}
	if key.name == "" {
		return ErrInvalidEvent
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := lookup[T](b, key.name, true)
	if err != nil {
		return err
	}
	s.hooks = append(s.hooks, hook)
	return nil
}

// Broadcast delivers ev to every responder of key in registration order and
// returns their results. An event nobody listens to returns nil.
func Broadcast[T any](b *Bus, key Key[T], ev T) []Result {
	b.mu.RLock()
	s, err := lookup[T](b, key.name, false)
	var responders []Responder[T]
	var hooks []ResultHook
	if s != nil {
		responders = append(responders, s.responders...)
		hooks = append(hooks, s.hooks...)
	}
	b.mu.RUnlock()

	if err != nil {
		b.log.Error().Err(err).Str("event", key.name).Msg("Broadcast with mismatched payload type")
		return nil
	}
	if len(responders) == 0 {
		return nil
	}

	results := make([]Result, len(responders))
	for i, fn := range responders {
		results[i] = b.invoke(key.name, i, func() (any, error) { return fn(ev) })
	}

	for _, hook := range hooks {
		b.runHook(key.name, hook, results)
	}
	return results
}

func (b *Bus) invoke(name string, index int, call func() (any, error)) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Event: name, Index: index, Value: r, Stack: debug.Stack()}
			b.log.Error().Err(perr).Bytes("stack", perr.Stack).Msg("Responder panicked")
			result = Result{Err: perr, Panicked: true}
		}
	}()

	value, err := call()
	if err != nil {
		rerr := &ResponderError{Event: name, Index: index, Err: err}
		b.log.Error().Err(rerr).Msg("Responder failed")
		return Result{Value: value, Err: rerr}
	}
	return Result{Value: value}
}

func (b *Bus) runHook(name string, hook ResultHook, results []Result) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", name).Interface("panic", r).Msg("Result hook panicked")
		}
	}()
	hook(results)
}
