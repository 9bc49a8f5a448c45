package chat

import (
	"errors"
	"testing"
)

func TestBaseChannelNameCanonical(t *testing.T) {
	c := NewBaseChannel("General", "General", "")
	if c.Name() != "general" {
		t.Errorf("Expected lowercased name, got %q", c.Name())
	}
	if c.DisplayName() != "General" {
		t.Errorf("Unexpected display name %q", c.DisplayName())
	}
}

func TestBaseChannelMembers(t *testing.T) {
	c := NewBaseChannel("lobby", "", "")
	c.SetMembers([]User{NewStaticUser("zed"), NewStaticUser("amy")})
	c.AddMember(NewStaticUser("Bob"))
	c.RemoveMember("ZED")

	members := c.Members()
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}
	if members[0].Username() != "Bob" || members[1].Username() != "amy" {
		t.Errorf("Unexpected member order: %s, %s", members[0].Username(), members[1].Username())
	}
}

func TestBaseMessageDefaults(t *testing.T) {
	m := NewBaseMessage("", NewStaticUser("alice"), "**hi**")
	if m.ID() == "" {
		t.Error("Expected generated id")
	}
	if m.CleanText() != "**hi**" {
		t.Errorf("CleanText should fall back to RawText, got %q", m.CleanText())
	}
	m.SetCleanText("hi")
	if m.CleanText() != "hi" {
		t.Errorf("Unexpected clean text %q", m.CleanText())
	}
	if m.Pinned() != PinUnsupported {
		t.Errorf("Expected PinUnsupported, got %v", m.Pinned())
	}
	if err := m.Edit("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported from Edit, got %v", err)
	}
	if err := m.Delete(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported from Delete, got %v", err)
	}
}

func TestSenderName(t *testing.T) {
	if SenderName(nil) != "" {
		t.Error("Expected empty name for nil message")
	}
	if SenderName(NewBaseMessage("1", nil, "system")) != "" {
		t.Error("Expected empty name for system message")
	}
	if SenderName(NewBaseMessage("1", NewStaticUser("bob"), "x")) != "bob" {
		t.Error("Expected bob")
	}
}

type mutedChannel struct {
	*BaseChannel
}

func (c mutedChannel) Send(string) (Message, error) { return nil, ErrUnsupported }

func TestChannelNames(t *testing.T) {
	names := ChannelNames([]Channel{
		mutedChannel{NewBaseChannel("A", "", "")},
		mutedChannel{NewBaseChannel("b", "", "")},
	})
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Unexpected names %v", names)
	}
}
