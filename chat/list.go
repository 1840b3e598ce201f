package chat

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/vault"
)

// listDebounce coalesces bursts of new-message signals into one refresh.
const listDebounce = 300 * time.Millisecond

// ChatSummary is one row of the chat list, derived and cached.
type ChatSummary struct {
	ID                 string    `json:"id"`
	Recipient          string    `json:"recipient"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	UnreadCount        int       `json:"unreadCount"`
	Muted              bool      `json:"muted"`
	Time               time.Time `json:"time"`
}

// ListFetcher loads the chat summaries visible in an access mode.
type ListFetcher func(mode vault.AccessMode) ([]ChatSummary, error)

// ListSync keeps the chat list consistent with message activity. Any
// new-message signal schedules a debounced refresh; bursts collapse into
// a single fetch.
type ListSync struct {
	fetch    ListFetcher
	onUpdate func([]ChatSummary)
	debounce time.Duration

	mode    vault.AccessMode
	summaries []ChatSummary
	timer   *time.Timer
	stopped bool

	mu sync.Mutex
}

// NewListSync creates a chat-list synchronizer for the given mode.
func NewListSync(mode vault.AccessMode, fetch ListFetcher, onUpdate func([]ChatSummary)) *ListSync {
	return &ListSync{
		fetch:    fetch,
		onUpdate: onUpdate,
		debounce: listDebounce,
		mode:     mode,
	}
}

// Notify signals message activity and schedules a debounced refresh.
func (ls *ListSync) Notify() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.stopped {
		return
	}
	if ls.timer == nil {
		ls.timer = time.AfterFunc(ls.debounce, ls.refresh)
	}
}

// Refresh fetches the chat list immediately.
func (ls *ListSync) Refresh() {
	ls.mu.Lock()
	if ls.timer != nil {
		ls.timer.Stop()
		ls.timer = nil
	}
	ls.mu.Unlock()
	ls.refresh()
}

func (ls *ListSync) refresh() {
	ls.mu.Lock()
	ls.timer = nil
	if ls.stopped {
		ls.mu.Unlock()
		return
	}
	mode := ls.mode
	ls.mu.Unlock()

	summaries, err := ls.fetch(mode)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "refresh",
			"mode":     mode.String(),
			"error":    err.Error(),
		}).Warn("Chat list refresh failed")
		return
	}

	ls.mu.Lock()
	ls.summaries = summaries
	onUpdate := ls.onUpdate
	ls.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "refresh",
		"mode":     mode.String(),
		"chats":    len(summaries),
	}).Debug("Chat list refreshed")

	if onUpdate != nil {
		onUpdate(summaries)
	}
}

// Summaries returns the last fetched chat list.
func (ls *ListSync) Summaries() []ChatSummary {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]ChatSummary, len(ls.summaries))
	copy(out, ls.summaries)
	return out
}

// Stop cancels any scheduled refresh.
func (ls *ListSync) Stop() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.timer != nil {
		ls.timer.Stop()
		ls.timer = nil
	}
	ls.stopped = true
}
