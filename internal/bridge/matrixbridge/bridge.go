// Package matrixbridge relays a domain's traffic to and from Matrix rooms.
//
// The mautrix sync loop runs on a worker goroutine. Room events cross to the
// update loop through the inbox and sends queued by bus responders cross
// back through the outbox, the same split the Discord bridge uses.
package matrixbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/dalnet/chatrelay/internal/bridge"
	"github.com/dalnet/chatrelay/internal/chat"
	"github.com/dalnet/chatrelay/internal/config"
	chatevent "github.com/dalnet/chatrelay/internal/event"
	"github.com/dalnet/chatrelay/internal/routing"
	"github.com/dalnet/chatrelay/internal/scheduler"
	"github.com/dalnet/chatrelay/internal/transport"
)

const (
	flushInterval = 20 * time.Millisecond
	stopTimeout   = 5 * time.Second
)

// ErrMissingConfig is returned when a bridge has no matrix section
var ErrMissingConfig = errors.New("matrix bridge requires a matrix section")

var errSyncEnded = errors.New("sync ended")

type opKind int

const (
	opSend opKind = iota
	opEdit
	opRedact
)

type outgoing struct {
	op     opKind
	room   id.RoomID
	target id.EventID
	text   string
	notice bool

	source chatevent.Emitter
	src    chat.Message
}

type inKind int

const (
	inReady inKind = iota
	inMessage
	inPose
	inEdit
	inRedact
	inJoin
	inLeave
)

// incoming is one room event, reduced on the sync goroutine
type incoming struct {
	kind    inKind
	id      id.EventID
	room    id.RoomID
	sender  id.UserID
	display string
	text    string
}

// Bridge is one Matrix account attached to a domain
type Bridge struct {
	bridge.Base

	chunkSize  int
	rooms      *routing.Map
	newSession SessionFactory
	worker     *bridge.Worker
	backoff    *transport.Backoff
	restartAt  time.Time
	stopped    bool
	startedAt  time.Time

	inbox  bridge.Mailbox[incoming]
	outbox bridge.Mailbox[outgoing]

	users    *bridge.Registry[id.UserID, *User]
	channels *bridge.Registry[string, *Channel]
}

// Option adjusts a Bridge at construction
type Option func(*Bridge)

// WithSession replaces the mautrix session factory
func WithSession(factory SessionFactory) Option {
	return func(b *Bridge) { b.newSession = factory }
}

// New creates a Matrix bridge from its configuration. Rooms come from the
// configured mapping plus an optional "<name>.rooms" map file.
func New(cfg config.Bridge, deps bridge.Deps, opts ...Option) (*Bridge, error) {
	if cfg.Matrix == nil {
		return nil, ErrMissingConfig
	}

	b := &Bridge{
		Base:       bridge.NewBase(cfg, deps),
		chunkSize:  cfg.Matrix.ChunkSize,
		rooms:      routing.NewMap(),
		newSession: NewSession(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken),
		backoff:    transport.NewBackoff(time.Second, time.Minute),
		users:      bridge.NewRegistry[id.UserID, *User](),
		channels:   bridge.NewRegistry[string, *Channel](),
	}
	if b.chunkSize <= 0 {
		b.chunkSize = 4000
	}
	for name, room := range cfg.Matrix.Rooms {
		b.rooms.Add(name, room)
	}
	file, err := routing.LoadMap(b.DataPath(cfg.Name + ".rooms"))
	if err != nil {
		return nil, fmt.Errorf("load room map: %w", err)
	}
	b.rooms.Merge(file)

	for _, opt := range opts {
		opt(b)
	}
	b.worker = bridge.NewWorker(cfg.Name, b.Log, b.run)
	return b, nil
}

// Start subscribes to the bus and launches the sync worker
func (b *Bridge) Start() error {
	b.startedAt = b.Now()
	if err := b.subscribe(); err != nil {
		return err
	}
	b.worker.Start()
	return nil
}

// Update restarts a dead worker, broadcasts pending room events and advances
// the pacing buffer
func (b *Bridge) Update(delta time.Duration) {
	b.supervise()
	for _, in := range b.inbox.Drain() {
		b.dispatch(in)
	}
	b.UpdateBase(delta)
}

// Stop shuts the worker down
func (b *Bridge) Stop() error {
	b.stopped = true
	return b.worker.Stop(stopTimeout)
}

func (b *Bridge) supervise() {
	if b.stopped || b.worker.Alive() {
		return
	}
	now := b.Now()
	if now.Before(b.restartAt) {
		return
	}
	b.Log.Error().Err(b.worker.Err()).Msg("Matrix worker has died, restarting")
	b.worker.Start()
	b.restartAt = now.Add(b.backoff.Next())
}

func (b *Bridge) subscribe() error {
	return errors.Join(
		chatevent.Register(b.Bus, chatevent.ReceiveMessage, b.onReceiveMessage),
		chatevent.Register(b.Bus, chatevent.ReceivePose, b.onReceivePose),
		chatevent.Listen(b.Bus, chatevent.ReceiveJoin, b.onReceiveJoin),
		chatevent.Listen(b.Bus, chatevent.ReceiveLeave, b.onReceiveLeave),
		chatevent.Listen(b.Bus, chatevent.UsernameChange, b.onReceiveNameChange),
		chatevent.Listen(b.Bus, chatevent.MessageEdit, b.onMessageEdit),
		chatevent.Listen(b.Bus, chatevent.MessageDelete, b.onMessageDelete),
	)
}

// run is the worker body: join the mapped rooms, then sync and flush until
// cancelled
func (b *Bridge) run(ctx context.Context) error {
	sess, err := b.newSession()
	if err != nil {
		return err
	}

	for _, name := range b.rooms.Names {
		for _, room := range b.rooms.IDs(name) {
			if err := sess.Join(ctx, id.RoomID(room)); err != nil {
				b.Log.Warn().Err(err).Str("room", room).Msg("Failed to join Matrix room")
			}
		}
	}

	synced := make(chan error, 1)
	go func() {
		synced <- sess.Sync(ctx, func(evt *event.Event) { b.onEvent(sess.UserID(), evt) })
	}()
	b.inbox.Push(incoming{kind: inReady})

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.finalFlush(sess)
			return nil
		case err := <-synced:
			if ctx.Err() != nil {
				b.finalFlush(sess)
				return nil
			}
			if err == nil {
				err = errSyncEnded
			}
			return fmt.Errorf("matrix sync: %w", err)
		case <-ticker.C:
			b.flush(ctx, sess)
		}
	}
}

// finalFlush sends what is still queued once the worker is cancelled
func (b *Bridge) finalFlush(sess Session) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	b.flush(ctx, sess)
}

// onEvent runs on the sync goroutine
func (b *Bridge) onEvent(self id.UserID, evt *event.Event) {
	if evt == nil || evt.Sender == self {
		return
	}
	// the first sync replays room history
	if time.UnixMilli(evt.Timestamp).Before(b.startedAt) {
		return
	}
	if _, ok := b.rooms.ChannelFor(evt.RoomID.String()); !ok {
		return
	}

	in := incoming{id: evt.ID, room: evt.RoomID, sender: evt.Sender}
	switch evt.Type.Type {
	case event.EventMessage.Type:
		content := evt.Content.AsMessage()
		in.kind, in.text = messageKind(content)
		if in.kind == inEdit {
			in.id = content.RelatesTo.GetReplaceID()
		}
	case event.EventRedaction.Type:
		in.kind = inRedact
		in.id = evt.Content.AsRedaction().Redacts
		if in.id == "" {
			in.id = evt.Redacts
		}
	case event.StateMember.Type:
		member := evt.Content.AsMember()
		in.sender = id.UserID(evt.GetStateKey())
		in.display = member.Displayname
		switch member.Membership {
		case event.MembershipJoin:
			in.kind = inJoin
		case event.MembershipLeave, event.MembershipBan:
			in.kind = inLeave
		default:
			return
		}
	default:
		return
	}
	b.inbox.Push(in)
}

// messageKind classifies message content and extracts its relayed text
func messageKind(content *event.MessageEventContent) (inKind, string) {
	if content.RelatesTo != nil && content.RelatesTo.GetReplaceID() != "" {
		body := content.Body
		if content.NewContent != nil {
			body = content.NewContent.Body
		}
		return inEdit, body
	}

	switch content.MsgType {
	case event.MsgEmote:
		return inPose, content.Body
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return inMessage, fmt.Sprintf("(Matrix %s: %s)", attachmentLabel(content.MsgType), content.Body)
	default:
		return inMessage, content.Body
	}
}

func attachmentLabel(t event.MessageType) string {
	switch t {
	case event.MsgImage:
		return "Image"
	case event.MsgVideo:
		return "Video"
	case event.MsgAudio:
		return "Audio"
	default:
		return "File"
	}
}

func (b *Bridge) user(uid id.UserID, display string) *User {
	u := b.users.Register(uid, func() *User {
		local, _, err := uid.Parse()
		if err != nil || local == "" {
			local = uid.String()
		}
		return &User{BaseUser: chat.NewBaseUser(local, display), id: uid}
	})
	if display != "" && u.DisplayName() != display {
		u.SetDisplayName(display)
	}
	return u
}

func (b *Bridge) channel(name string) *Channel {
	name = strings.ToLower(name)
	return b.channels.Register(name, func() *Channel {
		return &Channel{BaseChannel: chat.NewBaseChannel(name, name, ""), b: b}
	})
}

// dispatch turns one drained room event into bus broadcasts
func (b *Bridge) dispatch(in incoming) {
	if in.kind == inReady {
		b.backoff.Reset()
		b.Log.Info().Msg("Connected to Matrix")
		return
	}

	name, ok := b.rooms.ChannelFor(in.room.String())
	if !ok {
		return
	}
	ch := b.channel(name)

	switch in.kind {
	case inJoin, inLeave:
		b.dispatchMembership(in, ch)
		return
	case inRedact:
		msg := &Message{BaseMessage: chat.NewBaseMessage(in.id.String(), nil, "", ch), room: in.room, b: b}
		chatevent.Broadcast(b.Bus, chatevent.MessageDelete, chatevent.DeleteEvent{Emitter: b, Message: msg})
		return
	}

	user := b.user(in.sender, "")
	ch.AddMember(user)
	msg := &Message{BaseMessage: chat.NewBaseMessage(in.id.String(), user, in.text, ch), room: in.room, b: b}
	if !b.ShouldBroadcast(msg) {
		return
	}

	switch in.kind {
	case inEdit:
		chatevent.Broadcast(b.Bus, chatevent.MessageEdit, chatevent.EditEvent{Emitter: b, Message: msg, Text: in.text})
	case inPose:
		bridge.Emit(b, b.Bus, chatevent.ReceivePose, msg)
	default:
		bridge.Emit(b, b.Bus, chatevent.ReceiveMessage, msg)
	}
}

// dispatchMembership relays joins and leaves. A join from a user already in
// the room is a profile update and is relayed as a rename when the display
// name changed.
func (b *Bridge) dispatchMembership(in incoming, ch *Channel) {
	known, seen := b.users.Get(in.sender)
	member := seen && isMember(ch, known.Username())
	oldName := ""
	if seen {
		oldName = known.DisplayName()
	}
	user := b.user(in.sender, in.display)
	if b.Policy.Ignored(user.Username()) {
		return
	}

	switch {
	case in.kind == inLeave:
		ch.RemoveMember(user.Username())
		if b.Policy.CanBroadcastJoinLeave() {
			chatevent.Broadcast(b.Bus, chatevent.ReceiveLeave, chatevent.MembershipEvent{Emitter: b, User: user, Channels: []chat.Channel{ch}})
		}
	case !member:
		ch.AddMember(user)
		if b.Policy.CanBroadcastJoinLeave() {
			chatevent.Broadcast(b.Bus, chatevent.ReceiveJoin, chatevent.MembershipEvent{Emitter: b, User: user, Channels: []chat.Channel{ch}})
		}
	case oldName != user.DisplayName() && b.Policy.CanBroadcastNameChange():
		chatevent.Broadcast(b.Bus, chatevent.UsernameChange, chatevent.NameChangeEvent{Emitter: b, User: user, OldName: oldName, Channels: []chat.Channel{ch}})
	}
}

func isMember(ch *Channel, username string) bool {
	for _, u := range ch.Members() {
		if u.Username() == username {
			return true
		}
	}
	return false
}

func (b *Bridge) onReceiveMessage(ev chatevent.MessageEvent) (any, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return b.relayMessage(ev, ev.Message.CleanText())
}

func (b *Bridge) onReceivePose(ev chatevent.MessageEvent) (any, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return b.relayMessage(ev, "_"+ev.Message.CleanText()+"_")
}

func (b *Bridge) relayMessage(ev chatevent.MessageEvent, body string) (any, error) {
	if bridge.FromSelf(ev.Emitter, b) || b.Ignored(ev.Message) {
		return nil, nil
	}
	targets := b.targets(ev.Message.Channels())
	if len(targets) == 0 {
		return nil, nil
	}

	key := chat.SenderName(ev.Message)
	if key == "" {
		key = ev.Emitter.Name()
	}
	text := relayLine(ev.Emitter, ev.Message.Sender(), body)

	source, src := ev.Emitter, ev.Message
	b.SendBuffered(key, targets, text, b.chunkSize, func(ts []chat.Channel, chunk string) {
		b.deliver(ts, chunk, false, source, src)
	})
	return chat.NewBaseMessage("", ev.Message.Sender(), text, targets...), nil
}

func (b *Bridge) onReceiveJoin(ev chatevent.MembershipEvent) {
	b.relayMembership(ev, "joined")
}

func (b *Bridge) onReceiveLeave(ev chatevent.MembershipEvent) {
	b.relayMembership(ev, "left")
}

func (b *Bridge) relayMembership(ev chatevent.MembershipEvent, verb string) {
	if bridge.FromSelf(ev.Emitter, b) || ev.User == nil || !b.Policy.CanReceiveJoinLeave() {
		return
	}
	if b.Policy.Ignored(ev.User.Username()) {
		return
	}
	text := fmt.Sprintf("%s %s.", verb, strings.Join(chat.ChannelNames(ev.Channels), ", "))
	b.deliver(b.targets(ev.Channels), relayLine(ev.Emitter, ev.User, text), true, nil, nil)
}

func (b *Bridge) onReceiveNameChange(ev chatevent.NameChangeEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.User == nil || b.Policy.Ignored(ev.User.Username()) {
		return
	}
	text := fmt.Sprintf("is now known as %s.", ev.User.DisplayName())
	b.deliver(b.targets(ev.Channels), relayLine(ev.Emitter, chat.NewStaticUser(ev.OldName), text), true, nil, nil)
}

// onMessageEdit rewrites this bridge's mirrors of an edited message. A
// message that was split across several events keeps only its first part.
func (b *Bridge) onMessageEdit(ev chatevent.EditEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil || !b.Policy.ReceivesMessages() {
		return
	}
	mirrors := b.MirrorsOf(ev.Emitter, ev.Message)
	if len(mirrors) == 0 {
		return
	}

	chunks := scheduler.Chunk(relayLine(ev.Emitter, ev.Message.Sender(), ev.Text), b.chunkSize)
	if len(chunks) == 0 {
		return
	}
	first := mirrors[0]
	b.outbox.Push(outgoing{op: opEdit, room: id.RoomID(first.Chat), target: id.EventID(first.ID), text: chunks[0]})
	for _, m := range mirrors[1:] {
		b.outbox.Push(outgoing{op: opRedact, room: id.RoomID(m.Chat), target: id.EventID(m.ID)})
	}
}

func (b *Bridge) onMessageDelete(ev chatevent.DeleteEvent) {
	if bridge.FromSelf(ev.Emitter, b) || ev.Message == nil {
		return
	}
	for _, m := range b.MirrorsOf(ev.Emitter, ev.Message) {
		b.outbox.Push(outgoing{op: opRedact, room: id.RoomID(m.Chat), target: id.EventID(m.ID)})
	}
}

// targets keeps the relayed channels that this bridge receives into and that
// have at least one room
func (b *Bridge) targets(channels []chat.Channel) []chat.Channel {
	var out []chat.Channel
	for _, ch := range channels {
		name := strings.ToLower(ch.Name())
		if b.Policy.CanReceive(name) && len(b.rooms.IDs(name)) > 0 {
			out = append(out, b.channel(name))
		}
	}
	return out
}

func (b *Bridge) deliver(targets []chat.Channel, text string, notice bool, source chatevent.Emitter, src chat.Message) {
	for _, t := range targets {
		for _, room := range b.rooms.IDs(t.Name()) {
			b.outbox.Push(outgoing{op: opSend, room: id.RoomID(room), text: text, notice: notice, source: source, src: src})
		}
	}
}

// flush performs every queued call. It runs on the worker goroutine.
func (b *Bridge) flush(ctx context.Context, sess Session) {
	for _, item := range b.outbox.Drain() {
		var err error
		switch item.op {
		case opSend:
			var eventID id.EventID
			if eventID, err = sess.Send(ctx, item.room, render(item.text, item.notice)); err == nil {
				b.RecordMirror(item.source, item.src, item.room.String(), eventID.String())
			}
		case opEdit:
			content := render(item.text, false)
			content.SetEdit(item.target)
			_, err = sess.Send(ctx, item.room, content)
		case opRedact:
			err = sess.Redact(ctx, item.room, item.target)
		}
		if err != nil {
			b.Log.Warn().Err(err).Int("op", int(item.op)).Str("room", item.room.String()).Msg("Matrix call failed")
		}
	}
}

// render converts relay markdown into Matrix message content
func render(text string, notice bool) *event.MessageEventContent {
	content := format.RenderMarkdown(text, true, false)
	if notice {
		content.MsgType = event.MsgNotice
	}
	return &content
}

func relayLine(source chatevent.Emitter, sender chat.User, body string) string {
	name := "*"
	if sender != nil {
		name = sender.Username()
	}
	return fmt.Sprintf("**<%s: %s>** %s", source.Name(), name, body)
}
