package telegrambridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
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

type fakeAPI struct {
	batches  [][]tgbotapi.Update
	offsets  []int
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	nextID   int
}

func (f *fakeAPI) GetUpdates(c tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	f.offsets = append(f.offsets, c.Offset)
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	mc := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, mc)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID, Chat: &tgbotapi.Chat{ID: mc.ChatID}}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestBridge(t *testing.T, dataDir string) (*Bridge, *fakeAPI, *fakeClock) {
	t.Helper()

	if dataDir == "" {
		dataDir = t.TempDir()
	}
	links, err := storage.OpenLinks(filepath.Join(t.TempDir(), "links.db"))
	if err != nil {
		t.Fatalf("OpenLinks failed: %v", err)
	}
	t.Cleanup(func() { links.Close() })

	yes := true
	delay := 2 * time.Second
	cfg := config.Bridge{
		Name: "Telegram",
		Type: config.BridgeTelegram,
		Generic: config.BridgeGeneric{
			BroadcastMessages:    &yes,
			ReceiveMessages:      &yes,
			BroadcastJoinLeaves:  &yes,
			ReceiveJoinLeaves:    &yes,
			BroadcastNameChanges: &yes,
			LargeBlockDelay:      &delay,
		},
		Telegram: &config.Telegram{
			Token:        "token",
			ChatMapping:  map[string][]int64{"Lobby": {-100}},
			PollInterval: time.Second,
			ChunkSize:    4000,
		},
	}

	api := &fakeAPI{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b, err := New(cfg, bridge.Deps{
		Bus:     event.NewBus(zerolog.Nop()),
		Log:     zerolog.Nop(),
		DataDir: dataDir,
		Links:   links,
		Now:     clock.Now,
	}, WithAPI(func(string) (API, error) { return api, nil }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return b, api, clock
}

func groupMessage(clock *fakeClock, chatID int64, from string, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 7,
		Date:      int(clock.now.Unix()) + 1,
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "supergroup", Title: "Lobby"},
		From:      &tgbotapi.User{ID: 42, UserName: from, FirstName: "Alice"},
		Text:      text,
	}
}

func TestNewRequiresTelegramSection(t *testing.T) {
	_, err := New(config.Bridge{Name: "Telegram"}, bridge.Deps{Log: zerolog.Nop()})
	if err != ErrMissingConfig {
		t.Errorf("Expected ErrMissingConfig, got %v", err)
	}
}

func TestChatMapFileIsMerged(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Telegram.chats"), []byte("; comment\nnews: -200 -201\n"), 0644); err != nil {
		t.Fatal(err)
	}
	b, _, _ := newTestBridge(t, dir)

	if ids := b.chatIDs("news"); len(ids) != 2 || ids[0] != -200 {
		t.Errorf("Expected news chats from file, got %v", ids)
	}
	if ids := b.chatIDs("lobby"); len(ids) != 1 || ids[0] != -100 {
		t.Errorf("Expected lobby chat from config, got %v", ids)
	}
}

func TestPollBroadcastsAndAdvancesOffset(t *testing.T) {
	b, api, clock := newTestBridge(t, "")

	var got []event.MessageEvent
	event.Listen(b.Bus, event.ReceiveMessage, func(ev event.MessageEvent) { got = append(got, ev) })

	api.batches = [][]tgbotapi.Update{{
		{UpdateID: 10, Message: groupMessage(clock, -100, "alice", "hello")},
	}}
	b.Update(0)
	b.Update(0)

	if len(api.offsets) != 1 {
		t.Fatalf("Expected one poll within the interval, got %d", len(api.offsets))
	}
	clock.now = clock.now.Add(time.Second)
	b.Update(0)
	if len(api.offsets) != 2 || api.offsets[1] != 11 {
		t.Errorf("Expected second poll from offset 11, got %v", api.offsets)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(got))
	}
	msg := got[0].Message
	if msg.RawText() != "hello" || chat.SenderName(msg) != "alice" || msg.ID() != "-100:7" {
		t.Errorf("Unexpected message text=%q sender=%q id=%q", msg.RawText(), chat.SenderName(msg), msg.ID())
	}
	if names := chat.ChannelNames(msg.Channels()); len(names) != 1 || names[0] != "lobby" {
		t.Errorf("Expected channel lobby, got %v", names)
	}
}

func TestBacklogAndUnmappedChatsAreSkipped(t *testing.T) {
	b, _, clock := newTestBridge(t, "")

	var count int
	event.Listen(b.Bus, event.ReceiveMessage, func(event.MessageEvent) { count++ })

	old := groupMessage(clock, -100, "alice", "old news")
	old.Date = int(clock.now.Unix()) - 60
	b.handleMessage(old, false)

	b.handleMessage(groupMessage(clock, -999, "alice", "where am I"), false)
	b.handleMessage(groupMessage(clock, -999, "alice", "still here"), false)

	if count != 0 {
		t.Errorf("Expected nothing broadcast, got %d", count)
	}
	if !b.unmapped[-999] || len(b.unmapped) != 1 {
		t.Errorf("Expected unmapped chat to be remembered once, got %v", b.unmapped)
	}
}

func TestPrivateChat(t *testing.T) {
	b, _, clock := newTestBridge(t, "")

	var private int
	event.Listen(b.Bus, event.ReceiveMessagePrivate, func(ev event.MessageEvent) {
		if len(ev.Message.Channels()) != 0 {
			t.Error("Private message should carry no channels")
		}
		private++
	})

	m := groupMessage(clock, 42, "alice", "psst")
	m.Chat.Type = "private"
	b.handleMessage(m, false)

	if private != 1 {
		t.Errorf("Expected 1 private broadcast, got %d", private)
	}
}

func TestMembershipAndEdits(t *testing.T) {
	b, _, clock := newTestBridge(t, "")

	var joins, leaves int
	var edits []event.EditEvent
	event.Listen(b.Bus, event.ReceiveJoin, func(event.MembershipEvent) { joins++ })
	event.Listen(b.Bus, event.ReceiveLeave, func(event.MembershipEvent) { leaves++ })
	event.Listen(b.Bus, event.MessageEdit, func(ev event.EditEvent) { edits = append(edits, ev) })

	join := groupMessage(clock, -100, "alice", "")
	join.NewChatMembers = []tgbotapi.User{{ID: 1, UserName: "bob"}, {ID: 2, UserName: "carol"}}
	b.handleMessage(join, false)

	leave := groupMessage(clock, -100, "alice", "")
	leave.LeftChatMember = &tgbotapi.User{ID: 1, UserName: "bob"}
	b.handleMessage(leave, false)

	b.handleMessage(groupMessage(clock, -100, "alice", "fixed"), true)

	if joins != 2 || leaves != 1 {
		t.Errorf("Expected 2 joins and 1 leave, got %d and %d", joins, leaves)
	}
	if len(edits) != 1 || edits[0].Text != "fixed" || edits[0].Message.ID() != "-100:7" {
		t.Errorf("Unexpected edits %+v", edits)
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name string
		msg  tgbotapi.Message
		want string
	}{
		{"text", tgbotapi.Message{Text: "hi"}, "hi"},
		{"empty", tgbotapi.Message{}, "(No Comment)"},
		{"photo", tgbotapi.Message{Photo: []tgbotapi.PhotoSize{{FileID: "p"}}, Caption: "sunset"}, "(Telegram Photo): sunset"},
		{"sticker", tgbotapi.Message{Sticker: &tgbotapi.Sticker{FileID: "s"}}, "(Telegram Sticker): No Caption"},
		{"document", tgbotapi.Message{Document: &tgbotapi.Document{FileID: "d"}, Caption: "notes"}, "(Telegram Document): notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageText(&tt.msg); got != tt.want {
				t.Errorf("messageText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRelayAndMirrorEdits(t *testing.T) {
	b, api, _ := newTestBridge(t, "")
	irc := emitter("IRC")

	src := chat.NewBaseMessage("src1", chat.NewStaticUser("bob"), "hi", chattest.NewChannel("lobby"))
	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{Emitter: irc, Message: src})
	event.Broadcast(b.Bus, event.ReceiveMessage, event.MessageEvent{
		Emitter: irc,
		Message: chat.NewBaseMessage("", chat.NewStaticUser("bob"), "lost", chattest.NewChannel("nowhere")),
	})

	if len(api.sent) != 1 || api.sent[0].ChatID != -100 || api.sent[0].Text != "<IRC: bob> hi" {
		t.Fatalf("Unexpected sends %+v", api.sent)
	}

	event.Broadcast(b.Bus, event.MessageEdit, event.EditEvent{Emitter: irc, Message: src, Text: "hello"})
	event.Broadcast(b.Bus, event.MessageDelete, event.DeleteEvent{Emitter: irc, Message: src})

	if len(api.requests) != 2 {
		t.Fatalf("Expected edit and delete requests, got %d", len(api.requests))
	}
	edit, ok := api.requests[0].(tgbotapi.EditMessageTextConfig)
	if !ok || edit.Text != "<IRC: bob> hello" || edit.MessageID != 1 {
		t.Errorf("Unexpected edit request %#v", api.requests[0])
	}
	if del, ok := api.requests[1].(tgbotapi.DeleteMessageConfig); !ok || del.MessageID != 1 || del.ChatID != -100 {
		t.Errorf("Unexpected delete request %#v", api.requests[1])
	}
}

func TestRelayPoseAndJoin(t *testing.T) {
	b, api, _ := newTestBridge(t, "")
	discord := emitter("Discord")
	lobby := chattest.NewChannel("lobby")

	event.Broadcast(b.Bus, event.ReceivePose, event.MessageEvent{
		Emitter: discord,
		Message: chat.NewBaseMessage("", chat.NewStaticUser("bob"), "waves", lobby),
	})
	event.Broadcast(b.Bus, event.ReceiveJoin, event.MembershipEvent{
		Emitter: discord, User: chat.NewStaticUser("carol"), Channels: []chat.Channel{lobby},
	})

	if len(api.sent) != 2 {
		t.Fatalf("Expected 2 sends, got %d", len(api.sent))
	}
	if api.sent[0].Text != "<Discord: bob> _waves_" || api.sent[1].Text != "<Discord: carol> joined lobby." {
		t.Errorf("Unexpected texts %q and %q", api.sent[0].Text, api.sent[1].Text)
	}
}

func TestUserSendUsesPrivateChat(t *testing.T) {
	b, api, clock := newTestBridge(t, "")

	u := b.user(groupMessage(clock, -100, "alice", "").From)
	if _, err := u.Send("hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(api.sent) != 1 || api.sent[0].ChatID != 42 {
		t.Errorf("Expected a send to chat 42, got %+v", api.sent)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	if got := newHTTPClient(3 * time.Second).Timeout; got != 3*time.Second {
		t.Errorf("Expected 3s timeout, got %v", got)
	}
	if got := newHTTPClient(0).Timeout; got != 5*time.Second {
		t.Errorf("Expected default 5s timeout, got %v", got)
	}
}
