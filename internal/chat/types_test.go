package chat

import "testing"

func TestHasParticipant(t *testing.T) {
	c := &Conversation{Participants: []string{"alice", "bob"}}

	if !c.HasParticipant("alice") {
		t.Error("alice should be a participant")
	}
	if c.HasParticipant("mallory") {
		t.Error("mallory should not be a participant")
	}
}

func TestOtherParticipant_Direct(t *testing.T) {
	c := &Conversation{Participants: []string{"alice", "bob"}}

	if got := c.OtherParticipant("alice"); got != "bob" {
		t.Errorf("expected bob, got %q", got)
	}
	if got := c.OtherParticipant("bob"); got != "alice" {
		t.Errorf("expected alice, got %q", got)
	}
}

func TestOtherParticipant_Group(t *testing.T) {
	c := &Conversation{
		Participants: []string{"alice", "bob", "carol"},
		IsGroup:      true,
	}
	if got := c.OtherParticipant("alice"); got != "" {
		t.Errorf("group conversation has no single counterpart, got %q", got)
	}
}

func TestNormalizeUnread_FillsMissingAndDropsStale(t *testing.T) {
	c := &Conversation{
		Participants: []string{"alice", "bob"},
		UnreadCounts: map[string]int{
			"bob":    3,
			"mallory": 7, // stale key from a removed participant
		},
	}
	c.NormalizeUnread()

	if len(c.UnreadCounts) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(c.UnreadCounts))
	}
	if c.UnreadCounts["alice"] != 0 {
		t.Errorf("alice should default to 0, got %d", c.UnreadCounts["alice"])
	}
	if c.UnreadCounts["bob"] != 3 {
		t.Errorf("bob should keep 3, got %d", c.UnreadCounts["bob"])
	}
	if _, ok := c.UnreadCounts["mallory"]; ok {
		t.Error("stale key should be dropped")
	}
}

func TestNormalizeUnread_NegativeClampedToZero(t *testing.T) {
	c := &Conversation{
		Participants: []string{"alice"},
		UnreadCounts: map[string]int{"alice": -2},
	}
	c.NormalizeUnread()

	if c.UnreadCounts["alice"] != 0 {
		t.Errorf("negative count should clamp to 0, got %d", c.UnreadCounts["alice"])
	}
}
