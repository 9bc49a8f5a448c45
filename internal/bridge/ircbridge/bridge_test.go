package ircbridge

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/chat/chattest"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/storage"
)

type emitter string

func (e emitter) Name() string { return string(e) }

type said struct {
	target string
	text   string
}

type fakeSayer struct {
	mu    sync.Mutex
	lines []said
}

func (f *fakeSayer) Say(channel, text string) {
	f.mu.Lock()
	f.lines = append(f.lines, said{"#" + channel, text})
	f.mu.Unlock()
}

func (f *fakeSayer) SayTo(name, text string) {
	f.mu.Lock()
	f.lines = append(f.lines, said{name, text})
	f.mu.Unlock()
}

func (f *fakeSayer) all() []said {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]said(nil), f.lines...)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBridge(t *testing.T, mutate func(*config.Bridge)) (*Bridge, *fakeSayer, *fakeClock) {
	t.Helper()

	yes := true
	delay := 2 * time.Second
	cfg := config.Bridge{
		Name: "IRC",
		Type: config.BridgeIRC,
		Generic: config.BridgeGeneric{
			BroadcastMessages:    &yes,
			ReceiveMessages:      &yes,
			BroadcastJoinLeaves:  &yes,
			ReceiveJoinLeaves:    &yes,
			BroadcastNameChanges: &yes,
			BroadcastingChannels: []string{"lobby"},
			ReceivingChannels:    []string{"#Lobby", "news"},
			LargeBlockDelay:      &delay,
		},
		IRC: &config.IRC{
			Host:      "irc.example.net",
			Port:      6667,
			Username:  "relay",
			ChunkSize: 450,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b, err := New(cfg, bridge.Deps{
		Bus:     event.NewBus(zerolog.Nop()),
		Log:     zerolog.Nop(),
		DataDir: t.TempDir(),
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	out := &fakeSayer{}
	b.out = out
	if err := b.subscribe(); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return b, out, clock
}

func relayed(sender, text string, channels ...string) chat.Message {
	chans := make([]chat.Channel, 0, len(channels))
	for _, name := range channels {
		chans = append(chans, chattest.NewChannel(name))
	}
	return chat.NewBaseMessage("", chat.NewStaticUser(sender), text, chans...)
}

func TestNewRequiresIRCSection(t *testing.T) {
	_, err := New(config.Bridge{Name: "IRC", Type: config.BridgeIRC}, bridge.Deps{Log: zerolog.Nop()})
	if err != ErrMissingConfig {
		t.Errorf("Expected ErrMissingConfig, got %v", err)
	}
}

func TestChannelUnion(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)
	got := b.Client().Channels()
	want := []string{"lobby", "news"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected channels %v, got %v", want, got)
	}
}

func TestRelayMessageToIRC(t *testing.T) {
	b, out, _ := newTestBridge(t, nil)

	results := event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: emitter("Discord"),
		Message: relayed("alice", "**hi** there", "lobby"),
	})

	lines := out.all()
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line, got %d: %q", len(lines), lines)
	}
	want := "\x02<Discord: a\u200blice>\x02 \x02hi\x02 there"
	if lines[0].target != "#lobby" || lines[0].text != want {
		t.Errorf("Expected %q to #lobby, got %q to %s", want, lines[0].text, lines[0].target)
	}

	if len(results) != 1 || results[0].Value == nil {
		t.Fatalf("Expected the sent message as a result, got %+v", results)
	}
	if msg, ok := results[0].Value.(chat.Message); !ok || len(msg.Channels()) != 1 {
		t.Errorf("Expected result message with one channel, got %#v", results[0].Value)
	}
}

func TestRelaySkipsUnjoinedAndSelf(t *testing.T) {
	b, out, _ := newTestBridge(t, nil)

	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: emitter("Discord"),
		Message: relayed("alice", "hi", "elsewhere"),
	})
	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: b,
		Message: relayed("alice", "hi", "lobby"),
	})

	if lines := out.all(); len(lines) != 0 {
		t.Errorf("Expected nothing sent, got %q", lines)
	}
}

func TestRelayIgnoredSender(t *testing.T) {
	b, out, _ := newTestBridge(t, func(cfg *config.Bridge) {
		cfg.Generic.IgnoreSenders = []string{"Alice"}
	})

	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: emitter("Discord"),
		Message: relayed("alice", "hi", "lobby"),
	})
	if lines := out.all(); len(lines) != 0 {
		t.Errorf("Expected ignored sender to be dropped, got %q", lines)
	}
}

func TestRelayPoseAndMembership(t *testing.T) {
	b, out, _ := newTestBridge(t, nil)
	src := emitter("Telegram")

	event.Broadcast(b.Bus, event.ReceivePose, event.MessageEvent{
		Emitter: src,
		Message: relayed("bob", "waves", "news"),
	})
	event.Broadcast(b.Bus, event.ReceiveJoin, event.MembershipEvent{
		Emitter:  src,
		User:     chat.NewStaticUser("carol"),
		Channels: []chat.Channel{chattest.NewChannel("lobby")},
	})

	lines := out.all()
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %q", lines)
	}
	if lines[0].text != "\x02<Telegram: b\u200bob>\x02 * waves" || lines[0].target != "#news" {
		t.Errorf("Unexpected pose line %+v", lines[0])
	}
	if lines[1].text != "\x02<Telegram: c\u200barol>\x02 joined lobby." {
		t.Errorf("Unexpected join line %q", lines[1].text)
	}
}

func TestRelayMembershipDisabled(t *testing.T) {
	no := false
	b, out, _ := newTestBridge(t, func(cfg *config.Bridge) {
		cfg.Generic.ReceiveJoinLeaves = &no
	})

	event.Broadcast(b.Bus, event.ReceiveLeave, event.MembershipEvent{
		Emitter:  emitter("Discord"),
		User:     chat.NewStaticUser("carol"),
		Channels: []chat.Channel{chattest.NewChannel("lobby")},
	})
	if lines := out.all(); len(lines) != 0 {
		t.Errorf("Expected no membership relay, got %q", lines)
	}
}

func TestRelayNameChange(t *testing.T) {
	b, out, _ := newTestBridge(t, nil)

	event.Broadcast(b.Bus, event.UsernameChange, event.NameChangeEvent{
		Emitter:  emitter("Discord"),
		User:     chat.NewStaticUser("newbie"),
		OldName:  "oldie",
		Channels: []chat.Channel{chattest.NewChannel("lobby")},
	})

	lines := out.all()
	if len(lines) != 1 || lines[0].text != "\x02<Discord: o\u200bldie>\x02 is now known as newbie." {
		t.Errorf("Unexpected name change relay %q", lines)
	}
}

func TestRelayUserColors(t *testing.T) {
	b, out, _ := newTestBridge(t, nil)
	store, err := storage.LoadColors(t.TempDir(), "")
	if err != nil {
		t.Fatalf("LoadColors failed: %v", err)
	}
	b.colors = newColorizer(store)
	b.colors.pick = func(int) int { return 0 }

	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: emitter("Discord"),
		Message: relayed("alice", "hi", "lobby"),
	})

	lines := out.all()
	if len(lines) != 1 || !strings.Contains(lines[0].text, "\x0302a\u200blice\x03") {
		t.Errorf("Expected colored sender, got %q", lines)
	}
}

func TestUserColorsPerBridge(t *testing.T) {
	dir := t.TempDir()
	open := func(name string) *Bridge {
		b, err := New(config.Bridge{
			Name: name,
			Type: config.BridgeIRC,
			IRC:  &config.IRC{Host: "irc.example.net", Port: 6667, Username: "relay", EnableUserColors: true},
		}, bridge.Deps{Bus: event.NewBus(zerolog.Nop()), Log: zerolog.Nop(), DataDir: dir})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := b.openColors(); err != nil {
			t.Fatalf("openColors failed: %v", err)
		}
		return b
	}

	first, second := open("IRC-A"), open("IRC-B")
	if _, err := first.colors.colorFor("alice"); err != nil {
		t.Fatalf("colorFor failed: %v", err)
	}
	if _, err := second.colors.colorFor("bob"); err != nil {
		t.Fatalf("colorFor failed: %v", err)
	}

	reloaded, err := storage.LoadColors(dir, "IRC-A."+storage.ColorsFile)
	if err != nil {
		t.Fatalf("LoadColors failed: %v", err)
	}
	if users := reloaded.Users(); len(users) != 1 || users[0] != "alice" {
		t.Errorf("IRC-A colors were overwritten: %v", users)
	}
}

func TestRelayLongMessageIsPaced(t *testing.T) {
	b, out, clock := newTestBridge(t, nil)

	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: emitter("Discord"),
		Message: relayed("alice", strings.Repeat("x", 900), "lobby"),
	})
	if got := len(out.all()); got != 1 {
		t.Fatalf("Expected first chunk immediately, got %d lines", got)
	}

	b.UpdateBase(0)
	if got := len(out.all()); got != 1 {
		t.Fatalf("Expected no chunk before the delay, got %d lines", got)
	}

	clock.now = clock.now.Add(2 * time.Second)
	b.UpdateBase(0)
	if got := len(out.all()); got != 2 {
		t.Fatalf("Expected second chunk after the delay, got %d lines", got)
	}
}

func TestInboundMessageBroadcast(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	var got []event.MessageEvent
	event.Listen(b.Bus, event.ReceiveMessage, func(ev event.MessageEvent) {
		got = append(got, ev)
	})

	b.handleMessage("Bob", "lobby", "\x02hey\x02 all")
	b.handleMessage("Bob", "secret", "not relayed")

	if len(got) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(got))
	}
	ev := got[0]
	if ev.Emitter != b {
		t.Error("Expected the bridge as emitter")
	}
	if ev.Message.CleanText() != "hey all" || ev.Message.RawText() != "\x02hey\x02 all" {
		t.Errorf("Unexpected texts raw=%q clean=%q", ev.Message.RawText(), ev.Message.CleanText())
	}
	if chat.SenderName(ev.Message) != "Bob" {
		t.Errorf("Expected sender Bob, got %q", chat.SenderName(ev.Message))
	}
	if names := chat.ChannelNames(ev.Message.Channels()); len(names) != 1 || names[0] != "lobby" {
		t.Errorf("Expected channel lobby, got %v", names)
	}
}

func TestInboundUsersAreDeduplicated(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	var senders []chat.User
	event.Listen(b.Bus, event.ReceiveMessage, func(ev event.MessageEvent) {
		senders = append(senders, ev.Message.Sender())
	})

	b.handleMessage("Bob", "lobby", "one")
	b.handleMessage("bob", "lobby", "two")

	if len(senders) != 2 || senders[0] != senders[1] {
		t.Error("Expected the same user object for one nick")
	}
}

func TestInboundPrivateAndPose(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	var private, poses int
	event.Listen(b.Bus, event.ReceiveMessagePrivate, func(ev event.MessageEvent) {
		if len(ev.Message.Channels()) != 0 {
			t.Error("Private message should carry no channels")
		}
		private++
	})
	event.Listen(b.Bus, event.ReceivePose, func(event.MessageEvent) { poses++ })

	b.handlePrivateMessage("Bob", "psst")
	b.handlePose("Bob", "lobby", "dances")

	if private != 1 || poses != 1 {
		t.Errorf("Expected one private message and one pose, got %d and %d", private, poses)
	}
}

func TestInboundMembershipAndRename(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	var joins, leaves []event.MembershipEvent
	var renames []event.NameChangeEvent
	event.Listen(b.Bus, event.ReceiveJoin, func(ev event.MembershipEvent) { joins = append(joins, ev) })
	event.Listen(b.Bus, event.ReceiveLeave, func(ev event.MembershipEvent) { leaves = append(leaves, ev) })
	event.Listen(b.Bus, event.UsernameChange, func(ev event.NameChangeEvent) { renames = append(renames, ev) })

	b.handleJoin("Bob", "lobby")
	b.handleNickChange("Bob", "Robert", []string{"lobby"})
	b.handleQuit("Robert", "bye", []string{"lobby"})

	if len(joins) != 1 || joins[0].User.Username() != "Bob" {
		t.Errorf("Unexpected joins %+v", joins)
	}
	if len(renames) != 1 || renames[0].OldName != "Bob" || renames[0].User.Username() != "Robert" {
		t.Errorf("Unexpected renames %+v", renames)
	}
	if len(leaves) != 1 || leaves[0].User.Username() != "Robert" {
		t.Errorf("Unexpected leaves %+v", leaves)
	}

	if members := b.channel("lobby").Members(); len(members) != 0 {
		t.Errorf("Expected empty lobby after quit, got %d members", len(members))
	}
}

func TestInboundUserList(t *testing.T) {
	b, _, _ := newTestBridge(t, nil)

	b.handleUserList("lobby", []string{"amy", "Bob"})

	members := b.channel("lobby").Members()
	if len(members) != 2 || members[0].Username() != "Bob" || members[1].Username() != "amy" {
		t.Errorf("Unexpected members %v", members)
	}
}

func TestUserAndChannelSend(t *testing.T) {
	b, out, _ := newTestBridge(t, nil)

	if _, err := b.user("Bob").Send("hello"); err != nil {
		t.Fatalf("User.Send failed: %v", err)
	}
	if _, err := b.channel("lobby").Send("hi all"); err != nil {
		t.Fatalf("Channel.Send failed: %v", err)
	}

	lines := out.all()
	if len(lines) != 2 || lines[0] != (said{"Bob", "hello"}) || lines[1] != (said{"#lobby", "hi all"}) {
		t.Errorf("Unexpected sends %q", lines)
	}
}
