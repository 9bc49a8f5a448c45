package event

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/chat"
)

type namedEmitter string

func (n namedEmitter) Name() string { return string(n) }

func newTestBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestBroadcastOrder(t *testing.T) {
	bus := newTestBus()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if err := Listen(bus, ReceiveMessage, func(MessageEvent) { order = append(order, i) }); err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
	}

	results := Broadcast(bus, ReceiveMessage, MessageEvent{})
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("Responders ran out of order: %v", order)
	}
}

func TestBroadcastNoResponders(t *testing.T) {
	bus := newTestBus()
	if results := Broadcast(bus, ReceivePose, MessageEvent{}); results != nil {
		t.Errorf("Expected nil results, got %v", results)
	}
}

func TestResponderErrorIsolation(t *testing.T) {
	bus := newTestBus()
	boom := errors.New("boom")

	ran := false
	_ = Register(bus, ReceiveJoin, func(MembershipEvent) (any, error) { return nil, boom })
	_ = Register(bus, ReceiveJoin, func(MembershipEvent) (any, error) { panic("kaboom") })
	_ = Register(bus, ReceiveJoin, func(MembershipEvent) (any, error) {
		ran = true
		return "ok", nil
	})

	results := Broadcast(bus, ReceiveJoin, MembershipEvent{})
	if !ran {
		t.Fatal("Third responder did not run after earlier failures")
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	var rerr *ResponderError
	if !errors.As(results[0].Err, &rerr) || !errors.Is(results[0].Err, boom) {
		t.Errorf("Expected ResponderError wrapping boom, got %v", results[0].Err)
	}
	if !results[1].Panicked || !errors.Is(results[1].Err, ErrResponderPanic) {
		t.Errorf("Expected panic result, got %+v", results[1])
	}
	if results[2].Err != nil || results[2].Value != "ok" {
		t.Errorf("Unexpected third result: %+v", results[2])
	}
}

func TestMismatchedResponder(t *testing.T) {
	bus := newTestBus()

	if err := Listen(bus, NewKey[MessageEvent]("Custom"), func(MessageEvent) {}); err != nil {
		t.Fatalf("First registration failed: %v", err)
	}
	err := Listen(bus, NewKey[DeleteEvent]("Custom"), func(DeleteEvent) {})
	if !errors.Is(err, ErrMismatchedResponder) {
		t.Errorf("Expected ErrMismatchedResponder, got %v", err)
	}

	if results := Broadcast(bus, NewKey[DeleteEvent]("Custom"), DeleteEvent{}); results != nil {
		t.Errorf("Mismatched broadcast should deliver nothing, got %v", results)
	}
}

func TestRegisterValidation(t *testing.T) {
	bus := newTestBus()

	if err := Register[MessageEvent](bus, ReceiveMessage, nil); !errors.Is(err, ErrNilResponder) {
		t.Errorf("Expected ErrNilResponder, got %v", err)
	}
	if err := Listen(bus, Key[MessageEvent]{}, func(MessageEvent) {}); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("Expected ErrInvalidEvent, got %v", err)
	}
	if err := RegisterResultHook(bus, ReceiveMessage, nil); !errors.Is(err, ErrNilResponder) {
		t.Errorf("Expected ErrNilResponder for hook, got %v", err)
	}
}

func TestResultHooks(t *testing.T) {
	bus := newTestBus()

	_ = Register(bus, MessageEdit, func(ev EditEvent) (any, error) { return ev.Text, nil })

	var seen []Result
	_ = RegisterResultHook(bus, MessageEdit, func(r []Result) { panic("hook failure") })
	_ = RegisterResultHook(bus, MessageEdit, func(r []Result) { seen = r })

	Broadcast(bus, MessageEdit, EditEvent{Text: "fixed"})
	if len(seen) != 1 || seen[0].Value != "fixed" {
		t.Errorf("Second hook did not see results: %v", seen)
	}
}

func TestEmitterSelfCheck(t *testing.T) {
	bus := newTestBus()
	irc := namedEmitter("irc")
	discord := namedEmitter("discord")

	var received []string
	for _, self := range []Emitter{irc, discord} {
		self := self
		_ = Listen(bus, ReceiveMessage, func(ev MessageEvent) {
			if ev.Emitter == self {
				return
			}
			received = append(received, self.Name()+":"+ev.Message.RawText())
		})
	}

	msg := chat.NewBaseMessage("", chat.NewStaticUser("alice"), "hi")
	Broadcast(bus, ReceiveMessage, MessageEvent{Emitter: irc, Message: msg})

	if len(received) != 1 || received[0] != "discord:hi" {
		t.Errorf("Expected only discord to receive, got %v", received)
	}
}

func TestReentrantRegister(t *testing.T) {
	bus := newTestBus()

	calls := 0
	_ = Listen(bus, ReceiveLeave, func(MembershipEvent) {
		calls++
		_ = Listen(bus, ReceiveLeave, func(MembershipEvent) { calls++ })
	})

	Broadcast(bus, ReceiveLeave, MembershipEvent{})
	if calls != 1 {
		t.Errorf("Responder added mid-dispatch should wait for the next event, calls=%d", calls)
	}
	Broadcast(bus, ReceiveLeave, MembershipEvent{})
	if calls != 3 {
		t.Errorf("Expected 3 calls after second broadcast, got %d", calls)
	}
}
