package chat

import (
	"sync"
	"time"
)

// Timeline is one chat's ordered local message list. Live inserts append
// at the tail in the order events arrive from the channel; history pages
// prepend at the head. Appends are deduplicated by message ID.
type Timeline struct {
	ChatID string

	messages []*Message
	index    map[string]*Message

	mu sync.Mutex
}

// NewTimeline creates an empty timeline for a chat.
func NewTimeline(chatID string) *Timeline {
	return &Timeline{
		ChatID: chatID,
		index:  make(map[string]*Message),
	}
}

// Append adds a message at the tail. It returns false for a duplicate ID.
func (t *Timeline) Append(m *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.index[m.ID]; dup {
		return false
	}
	t.messages = append(t.messages, m)
	t.index[m.ID] = m
	return true
}

// Prepend inserts an older history page at the head, skipping IDs already
// present.
func (t *Timeline) Prepend(page []*Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]*Message, 0, len(page))
	for _, m := range page {
		if _, dup := t.index[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
		t.index[m.ID] = m
	}
	t.messages = append(fresh, t.messages...)
	return len(fresh)
}

// Get returns a message by ID.
func (t *Timeline) Get(id string) (*Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.index[id]
	return m, ok
}

// Remove drops a message from the timeline (expiry, view-once burn).
func (t *Timeline) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[id]; !ok {
		return false
	}
	delete(t.index, id)
	for i, m := range t.messages {
		if m.ID == id {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			break
		}
	}
	return true
}

// Update applies a mutation to a message in place (edit, delete,
// reaction, read receipt).
func (t *Timeline) Update(id string, apply func(*Message)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.index[id]
	if !ok {
		return false
	}
	apply(m)
	return true
}

// Visible returns the renderable messages at the given instant, in
// receipt order.
func (t *Timeline) Visible(now time.Time) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return FilterVisible(t.messages, now)
}

// Len returns the number of held messages, including hidden ones.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Clear drops all messages.
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = nil
	t.index = make(map[string]*Message)
}
