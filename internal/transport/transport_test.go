package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLineBufferChunkingIdempotence(t *testing.T) {
	input := ":a PRIVMSG #x :one\r\n:b PING :two\r\n\r\n:c NOTICE me :three\r\npartial"

	whole := NewLineBuffer("\r\n")
	expected := whole.Feed(input)

	for _, size := range []int{1, 2, 3, 7, 16} {
		lb := NewLineBuffer("\r\n")
		var got []string
		for i := 0; i < len(input); i += size {
			end := i + size
			if end > len(input) {
				end = len(input)
			}
			got = append(got, lb.Feed(input[i:end])...)
		}
		if strings.Join(got, "|") != strings.Join(expected, "|") {
			t.Errorf("chunk size %d: got %q, want %q", size, got, expected)
		}
		if lb.Pending() != "partial" {
			t.Errorf("chunk size %d: pending %q", size, lb.Pending())
		}
	}

	if len(expected) != 4 || expected[2] != "" {
		t.Errorf("Unexpected lines %q", expected)
	}
}

func TestLineBufferReset(t *testing.T) {
	lb := NewLineBuffer("\r\n")
	lb.Feed("half")
	lb.Reset()
	lines := lb.Feed(" line\r\n")
	if len(lines) != 1 || lines[0] != " line" {
		t.Errorf("Reset did not drop partial data: %q", lines)
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	b.rand = func(int64) int64 { return 0 }

	want := []time.Duration{1, 2, 4, 5, 5}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("After reset got %v", got)
	}

	b.rand = func(n int64) int64 { return n - 1 }
	if got := b.Next(); got >= 3*time.Second || got < 2*time.Second {
		t.Errorf("Jitter out of range: %v", got)
	}
}

type pipeDialer struct {
	dials   int
	fail    error
	servers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{servers: make(chan net.Conn, 8)}
}

func (p *pipeDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	p.dials++
	if p.fail != nil {
		return nil, p.fail
	}
	client, server := net.Pipe()
	p.servers <- server
	return client, nil
}

func TestActorReceivesData(t *testing.T) {
	pd := newPipeDialer()
	var received []byte
	connects := 0

	a := NewActor(Options{
		Address:     "test:1",
		ReadTimeout: 5 * time.Millisecond,
		Dial:        pd.dial,
	}, Hooks{
		OnConnect: func() { connects++ },
		OnData:    func(b []byte) { received = append(received, b...) },
	}, zerolog.Nop())

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if connects != 1 || a.State() != Connected {
		t.Fatalf("Expected connected state, got %v", a.State())
	}

	server := <-pd.servers
	go func() { _, _ = server.Write([]byte("hello\r\n")) }()

	deadline := time.Now().Add(2 * time.Second)
	for string(received) != "hello\r\n" && time.Now().Before(deadline) {
		a.Update(10 * time.Millisecond)
	}
	if string(received) != "hello\r\n" {
		t.Errorf("Expected data, got %q", received)
	}
	_ = a.Close()
}

func TestActorIdleTimeoutReconnects(t *testing.T) {
	pd := newPipeDialer()
	var reasons []error

	a := NewActor(Options{
		Address:     "test:1",
		ReadTimeout: 2 * time.Millisecond,
		Timeout:     100 * time.Millisecond,
		Dial:        pd.dial,
	}, Hooks{
		OnDisconnect: func(err error) { reasons = append(reasons, err) },
	}, zerolog.Nop())

	_ = a.Connect()
	a.Update(60 * time.Millisecond)
	if pd.dials != 1 {
		t.Fatalf("Reconnected too early, dials=%d", pd.dials)
	}
	a.Update(60 * time.Millisecond)

	if pd.dials != 2 {
		t.Errorf("Expected reconnect after idle timeout, dials=%d", pd.dials)
	}
	if len(reasons) != 1 || !errors.Is(reasons[0], ErrIdleTimeout) {
		t.Errorf("Unexpected disconnect reasons: %v", reasons)
	}
	if a.State() != Connected {
		t.Errorf("Expected connected after reconnect, got %v", a.State())
	}
	_ = a.Close()
}

func TestActorHardErrorReconnects(t *testing.T) {
	pd := newPipeDialer()
	var reasons []error

	a := NewActor(Options{
		Address:     "test:1",
		ReadTimeout: 5 * time.Millisecond,
		Dial:        pd.dial,
	}, Hooks{
		OnDisconnect: func(err error) { reasons = append(reasons, err) },
	}, zerolog.Nop())

	_ = a.Connect()
	server := <-pd.servers
	_ = server.Close()

	a.Update(time.Millisecond)
	if len(reasons) != 1 || !errors.Is(reasons[0], io.EOF) {
		t.Errorf("Expected EOF disconnect, got %v", reasons)
	}
	if pd.dials != 2 {
		t.Errorf("Expected immediate redial, dials=%d", pd.dials)
	}
	_ = a.Close()
}

func TestActorDialBackoff(t *testing.T) {
	pd := newPipeDialer()
	pd.fail = errors.New("refused")

	now := time.Unix(1000, 0)
	b := NewBackoff(time.Second, time.Minute)
	b.rand = func(int64) int64 { return 0 }

	a := NewActor(Options{
		Address: "test:1",
		Dial:    pd.dial,
		Backoff: b,
		Now:     func() time.Time { return now },
	}, Hooks{}, zerolog.Nop())

	if err := a.Connect(); err == nil {
		t.Fatal("Expected dial error")
	}
	a.Update(time.Millisecond)
	if pd.dials != 1 {
		t.Errorf("Dialed before backoff elapsed, dials=%d", pd.dials)
	}

	now = now.Add(time.Second)
	a.Update(time.Millisecond)
	if pd.dials != 2 {
		t.Errorf("Expected second dial, dials=%d", pd.dials)
	}

	now = now.Add(time.Second)
	a.Update(time.Millisecond)
	if pd.dials != 2 {
		t.Errorf("Second delay should be 2s, dials=%d", pd.dials)
	}

	pd.fail = nil
	now = now.Add(time.Second)
	a.Update(time.Millisecond)
	if a.State() != Connected || b.Attempt() != 0 {
		t.Errorf("Expected connected with reset backoff, state=%v attempt=%d", a.State(), b.Attempt())
	}
	_ = a.Close()
}

func TestActorSendNotConnected(t *testing.T) {
	a := NewActor(Options{Address: "test:1"}, Hooks{}, zerolog.Nop())
	if err := a.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestActorSend(t *testing.T) {
	pd := newPipeDialer()
	a := NewActor(Options{Address: "test:1", Dial: pd.dial}, Hooks{}, zerolog.Nop())
	_ = a.Connect()
	server := <-pd.servers

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		got <- string(buf[:n])
	}()

	if err := a.Send([]byte("PING :x\r\n")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if s := <-got; s != "PING :x\r\n" {
		t.Errorf("Server read %q", s)
	}
	_ = a.Close()
}

func TestBackoffStaysCapped(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	b.rand = func(int64) int64 { return 0 }

	for i := 0; i < 70; i++ {
		got := b.Next()
		if i >= 6 && got != time.Minute {
			t.Fatalf("attempt %d: got %v, want %v", i, got, time.Minute)
		}
		if got <= 0 || got > time.Minute {
			t.Fatalf("attempt %d: delay %v out of range", i, got)
		}
	}

	large := NewBackoff(time.Duration(1)<<61, time.Duration(1)<<62+1)
	large.rand = func(int64) int64 { return 0 }
	for i := 0; i < 5; i++ {
		if got := large.Next(); got < time.Duration(1)<<61 {
			t.Fatalf("attempt %d: delay %v overflowed", i, got)
		}
	}
}

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff(5 * time.Second)
	for i := 0; i < 4; i++ {
		if got := b.Next(); got != 5*time.Second {
			t.Errorf("attempt %d: got %v, want 5s", i, got)
		}
	}
}
