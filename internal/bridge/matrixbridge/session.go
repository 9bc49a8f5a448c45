package matrixbridge

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Session is the part of a Matrix client the bridge drives
type Session interface {
	UserID() id.UserID
	// Sync streams room events to handler until ctx is cancelled
	Sync(ctx context.Context, handler func(evt *event.Event)) error
	Join(ctx context.Context, room id.RoomID) error
	Send(ctx context.Context, room id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	Redact(ctx context.Context, room id.RoomID, target id.EventID) error
}

// SessionFactory creates a fresh session for every worker run
type SessionFactory func() (Session, error)

var errNoSyncer = errors.New("matrix client has no default syncer")

type mautrixSession struct {
	client *mautrix.Client
}

// NewSession returns a factory producing mautrix-backed sessions
func NewSession(homeserver, userID, token string) SessionFactory {
	return func() (Session, error) {
		client, err := mautrix.NewClient(homeserver, id.UserID(userID), token)
		if err != nil {
			return nil, fmt.Errorf("create matrix client: %w", err)
		}
		return &mautrixSession{client: client}, nil
	}
}

func (s *mautrixSession) UserID() id.UserID { return s.client.UserID }

func (s *mautrixSession) Sync(ctx context.Context, handler func(evt *event.Event)) error {
	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errNoSyncer
	}
	forward := func(_ context.Context, evt *event.Event) { handler(evt) }
	syncer.OnEventType(event.EventMessage, forward)
	syncer.OnEventType(event.EventRedaction, forward)
	syncer.OnEventType(event.StateMember, forward)

	err := s.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *mautrixSession) Join(ctx context.Context, room id.RoomID) error {
	_, err := s.client.JoinRoomByID(ctx, room)
	return err
}

func (s *mautrixSession) Send(ctx context.Context, room id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := s.client.SendMessageEvent(ctx, room, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (s *mautrixSession) Redact(ctx context.Context, room id.RoomID, target id.EventID) error {
	_, err := s.client.RedactEvent(ctx, room, target)
	return err
}
