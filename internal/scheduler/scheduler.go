// Package scheduler paces long outgoing messages. Text over a service's
// size limit is cut into chunks that go out one per delay interval per
// sender, in FIFO order across every message queued by that sender.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/chat"
)

// SendFunc delivers one chunk to its targets.
type SendFunc func(targets []chat.Channel, chunk string)

type entry struct {
	targets []chat.Channel
	chunks  []string
	send    SendFunc
}

type queue struct {
	entries  []*entry
	lastSent time.Time
}

type delivery struct {
	targets []chat.Channel
	chunk   string
	send    SendFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler holds the long block buffer of every sender.
type Scheduler struct {
	delay time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu     sync.Mutex
	queues map[string]*queue
}

// New creates a scheduler that sends at most one chunk per sender every delay.
func New(delay time.Duration, log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		delay:  delay,
		now:    time.Now,
		log:    log.With().Str("component", "scheduler").Logger(),
		queues: make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send splits message into chunks of at most maxChunk runes. A message that
// fits in one chunk from a sender with nothing pending goes out at once.
// Otherwise a new sender gets its first chunk sent immediately and the rest
// queued, and a sender with a pending queue has the whole message appended.
func (s *Scheduler) Send(sender string, targets []chat.Channel, message string, maxChunk int, fn SendFunc) {
	chunks := Chunk(message, maxChunk)
	if len(chunks) == 0 || fn == nil {
		return
	}

	s.mu.Lock()
	q, pending := s.queues[sender]
	if !pending {
		if len(chunks) > 1 {
			s.queues[sender] = &queue{
				entries:  []*entry{{targets: targets, chunks: chunks[1:], send: fn}},
				lastSent: s.now(),
			}
			s.log.Debug().Str("sender", sender).Int("queued", len(chunks)-1).Msg("Queued long block")
		}
		s.mu.Unlock()
		fn(targets, chunks[0])
		return
	}

	q.entries = append(q.entries, &entry{targets: targets, chunks: chunks, send: fn})
	s.mu.Unlock()
	s.log.Debug().Str("sender", sender).Int("queued", len(chunks)).Msg("Appended to long block")
}

// Update sends the next chunk of every sender whose delay has elapsed and
// retires senders with nothing left.
func (s *Scheduler) Update() {
	now := s.now()

	s.mu.Lock()
	senders := make([]string, 0, len(s.queues))
	for sender := range s.queues {
		senders = append(senders, sender)
	}
	sort.Strings(senders)

	var out []delivery
	for _, sender := range senders {
		q := s.queues[sender]
		if now.Sub(q.lastSent) < s.delay {
			continue
		}
		if len(q.entries) == 0 {
			delete(s.queues, sender)
			continue
		}

		head := q.entries[0]
		out = append(out, delivery{targets: head.targets, chunk: head.chunks[0], send: head.send})
		head.chunks = head.chunks[1:]
		if len(head.chunks) == 0 {
			q.entries = q.entries[1:]
		}
		q.lastSent = now
	}
	s.mu.Unlock()

	for _, d := range out {
		d.send(d.targets, d.chunk)
	}
}

// Pending returns how many chunks are queued for sender.
func (s *Scheduler) Pending(sender string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[sender]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range q.entries {
		n += len(e.chunks)
	}
	return n
}

// Tracking reports whether sender still has a queue, drained or not.
func (s *Scheduler) Tracking(sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[sender]
	return ok
}

// Chunk cuts s into left-to-right pieces of at most size runes. An empty
// string yields no chunks and a non-positive size yields s whole.
func Chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}

	runes := []rune(s)
	if len(runes) <= size {
		return []string{s}
	}

	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
