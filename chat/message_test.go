package chat

import (
	"testing"
	"time"
)

func TestExpiredHonorsAbsoluteTimestamp(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"no expiry", Message{}, false},
		{"future expiry", Message{ExpiresAt: &future}, false},
		{"past expiry", Message{ExpiresAt: &past}, true},
		{"expiry is exactly now", Message{ExpiresAt: &now}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVisibility(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"plain message", Message{}, true},
		{"expired", Message{ExpiresAt: &past}, false},
		{"deleted for me", Message{DeletedAt: &past}, false},
		{"deleted for everyone leaves a tombstone", Message{DeletedAt: &past, DeletedForEveryone: true}, true},
		{"expired tombstone still hidden", Message{ExpiresAt: &past, DeletedAt: &past, DeletedForEveryone: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Visible(now); got != tt.want {
				t.Errorf("Visible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEditWindow(t *testing.T) {
	now := time.Now()
	msg := Message{SenderID: "alice", CreatedAt: now.Add(-10 * time.Minute)}

	if !msg.Editable("alice", now) {
		t.Error("Author cannot edit inside the window")
	}
	if msg.Editable("bob", now) {
		t.Error("Non-author can edit")
	}
	if msg.Editable("alice", now.Add(10*time.Minute)) {
		t.Error("Edit allowed past the window")
	}
}

func TestDeleteForEveryoneWindow(t *testing.T) {
	now := time.Now()
	msg := Message{SenderID: "alice", CreatedAt: now.Add(-30 * time.Minute)}

	if !msg.DeletableForEveryone("alice", now) {
		t.Error("Author cannot delete inside the window")
	}
	if msg.DeletableForEveryone("bob", now) {
		t.Error("Non-author can delete for everyone")
	}
	if msg.DeletableForEveryone("alice", now.Add(time.Hour)) {
		t.Error("Delete for everyone allowed past the window")
	}
}

func TestFilterVisibleIdempotent(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	msgs := []*Message{
		{ID: "a"},
		{ID: "b", ExpiresAt: &past},
		{ID: "c"},
	}

	once := FilterVisible(msgs, now)
	twice := FilterVisible(once, now)

	if len(once) != 2 || len(twice) != 2 {
		t.Fatalf("FilterVisible lengths = %d, %d, want 2, 2", len(once), len(twice))
	}
	for i := range once {
		if once[i].ID != twice[i].ID {
			t.Error("Second filter pass changed the result")
		}
	}
}

func TestSortByTimeStable(t *testing.T) {
	base := time.Now()
	msgs := []*Message{
		{ID: "late", CreatedAt: base.Add(2 * time.Second)},
		{ID: "early", CreatedAt: base},
		{ID: "mid", CreatedAt: base.Add(time.Second)},
	}

	sorted := SortByTime(msgs)
	order := []string{"early", "mid", "late"}
	for i, want := range order {
		if sorted[i].ID != want {
			t.Errorf("sorted[%d] = %s, want %s", i, sorted[i].ID, want)
		}
	}

	// The input order is untouched.
	if msgs[0].ID != "late" {
		t.Error("SortByTime mutated its input")
	}
}
