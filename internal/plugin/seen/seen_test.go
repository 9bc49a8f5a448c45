package seen

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/chat/chattest"
	"github.com/dalnet/chatrelay/internal/config"
	"github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/plugin"
	"github.com/dalnet/chatrelay/internal/plugin/commands"
)

type emitter string

func (e emitter) Name() string { return string(e) }

type fakeUser struct {
	chat.BaseUser
	inbox []string
}

func (u *fakeUser) Send(text string) (chat.Message, error) {
	u.inbox = append(u.inbox, text)
	return nil, nil
}

func newPlugin(t *testing.T, bus *event.Bus, dir string, now *time.Time) *Plugin {
	t.Helper()
	p, err := New(config.Plugin{Name: "seen", Type: config.PluginSeen}, plugin.Deps{
		Bus:     bus,
		Log:     zerolog.Nop(),
		DataDir: dir,
		Now:     func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return p
}

func TestRecordsActivity(t *testing.T) {
	bus := event.NewBus(zerolog.Nop())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPlugin(t, bus, t.TempDir(), &now)
	defer p.Stop()

	general := chattest.NewChannel("General")
	alice := chat.NewStaticUser("Alice")
	bridgeEvent := event.MessageEvent{Emitter: emitter("IRC"), Message: chat.NewBaseMessage("", alice, "hi", general)}
	event.Broadcast(bus, event.ReceiveMessage, bridgeEvent)

	now = now.Add(90 * time.Second)
	if got, want := p.Describe("alice"), "Alice was last seen talking in general on IRC 1 minute 30 seconds ago."; got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}

	event.Broadcast(bus, event.ReceiveLeave, event.MembershipEvent{Emitter: emitter("Discord"), User: alice, Channels: []chat.Channel{general}})
	now = now.Add(2*time.Hour + 3*time.Minute + 4*time.Second)
	if got, want := p.Describe("ALICE"), "Alice was last seen leaving in general on Discord 2 hours 3 minutes ago."; got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}

	if got := p.Describe("bob"); got != "I have not seen bob." {
		t.Errorf("Unexpected reply for unknown user %q", got)
	}
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	bus := event.NewBus(zerolog.Nop())
	p := newPlugin(t, bus, dir, &now)
	event.Broadcast(bus, event.ReceivePose, event.MessageEvent{
		Emitter: emitter("Game"),
		Message: chat.NewBaseMessage("", chat.NewStaticUser("carol"), "dances"),
	})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	now = now.Add(3 * 24 * time.Hour)
	p = newPlugin(t, event.NewBus(zerolog.Nop()), dir, &now)
	defer p.Stop()
	if got, want := p.Describe("carol"), "carol was last seen posing on Game 3 days ago."; got != want {
		t.Errorf("Describe = %q, want %q", got, want)
	}
}

func TestSeenCommand(t *testing.T) {
	bus := event.NewBus(zerolog.Nop())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPlugin(t, bus, t.TempDir(), &now)
	defer p.Stop()

	cmds, err := commands.New(config.Plugin{Name: "commands", Type: config.PluginCommands, Prefix: []string{"]"}}, plugin.Deps{
		Bus:     bus,
		Log:     zerolog.Nop(),
		DataDir: t.TempDir(),
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("commands.New failed: %v", err)
	}
	cmds.Add(p.Commands()...)
	if err := cmds.Start(); err != nil {
		t.Fatalf("commands.Start failed: %v", err)
	}

	dave := &fakeUser{BaseUser: chat.NewBaseUser("dave", "")}
	event.Broadcast(bus, event.ReceiveMessagePrivate, event.MessageEvent{Emitter: emitter("IRC"), Message: chat.NewBaseMessage("", dave, "]seen")})
	event.Broadcast(bus, event.ReceiveMessagePrivate, event.MessageEvent{Emitter: emitter("IRC"), Message: chat.NewBaseMessage("", dave, "]seen nobody")})

	if len(dave.inbox) != 2 || dave.inbox[0] != "Usage: seen <name>" || dave.inbox[1] != "I have not seen nobody." {
		t.Errorf("Unexpected replies %q", dave.inbox)
	}
}
