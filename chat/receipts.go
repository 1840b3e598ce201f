package chat

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// readDebounce is the window over which visible-message IDs are collected
// before one batched mark-read call goes out.
const readDebounce = 500 * time.Millisecond

// MarkReadFunc issues the batched mark-read call to the platform.
type MarkReadFunc func(messageIDs []string) error

// ReadTracker batches read receipts for messages that become visible.
//
// Local state updates optimistically: the read indicator shows as soon as
// the batch is scheduled, independent of network completion, and there is
// no rollback on failure. If the server never confirmed, the message is
// simply re-queued on a later visibility pass.
type ReadTracker struct {
	selfID   string
	mark     MarkReadFunc
	debounce time.Duration

	pending map[string]struct{}
	marked  map[string]time.Time
	timer   *time.Timer
	stopped bool

	mu sync.Mutex
}

// NewReadTracker creates a tracker for the given local user.
func NewReadTracker(selfID string, mark MarkReadFunc) *ReadTracker {
	return &ReadTracker{
		selfID:   selfID,
		mark:     mark,
		debounce: readDebounce,
		pending:  make(map[string]struct{}),
		marked:   make(map[string]time.Time),
	}
}

// Observe records that a message is within the visible viewport. Only
// messages authored by someone else and without a prior read timestamp
// are candidates. The first candidate starts the collection window.
func (t *ReadTracker) Observe(m *Message) {
	if m.SenderID == t.selfID || m.ReadAt != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if _, done := t.marked[m.ID]; done {
		return
	}
	t.pending[m.ID] = struct{}{}

	if t.timer == nil {
		t.timer = time.AfterFunc(t.debounce, t.flush)
	}
}

// LocalReadAt returns the optimistic local read time for a message, if
// one has been recorded.
func (t *ReadTracker) LocalReadAt(messageID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.marked[messageID]
	return at, ok
}

// Flush sends any collected candidates immediately, without waiting for
// the debounce window. Mostly useful in tests and on chat teardown.
func (t *ReadTracker) Flush() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.flush()
}

func (t *ReadTracker) flush() {
	t.mu.Lock()
	t.timer = nil
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}

	ids := make([]string, 0, len(t.pending))
	now := time.Now()
	for id := range t.pending {
		ids = append(ids, id)
		t.marked[id] = now
	}
	t.pending = make(map[string]struct{})
	mark := t.mark
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "flush",
		"count":    len(ids),
	}).Debug("Sending batched read receipts")

	if err := mark(ids); err != nil {
		// Optimistic update stands; eventual consistency is accepted here.
		logrus.WithFields(logrus.Fields{
			"function": "flush",
			"error":    err.Error(),
		}).Warn("Mark-read call failed")
	}
}

// Stop clears the debounce timer and pending set. Called when the chat
// changes so stale callbacks never fire against the wrong chat.
func (t *ReadTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = make(map[string]struct{})
	t.stopped = true
}
