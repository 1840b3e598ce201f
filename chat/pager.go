package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultPageSize is the fixed history page size.
const DefaultPageSize = 50

// PageFetcher loads one page of message history, newest page first.
// It returns the page and whether older pages remain.
type PageFetcher func(ctx context.Context, chatID string, page, limit int) ([]*Message, bool, error)

// Pager drives cursor-based backward pagination for one chat at a time.
// Switching chats cancels any in-flight page request before the new
// chat's first page loads.
type Pager struct {
	fetch    PageFetcher
	pageSize int

	chatID  string
	page    int
	hasMore bool
	loading bool
	cancel  context.CancelFunc

	mu sync.Mutex
}

// NewPager creates a pager with the given fetcher and page size. A page
// size of zero selects DefaultPageSize.
func NewPager(fetch PageFetcher, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pager{fetch: fetch, pageSize: pageSize, hasMore: true}
}

// Reset points the pager at a chat, aborting any request still in flight
// for the previous one.
func (p *Pager) Reset(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.chatID = chatID
	p.page = 0
	p.hasMore = true
	p.loading = false
}

// HasMore reports whether older pages remain.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore
}

// LoadNext fetches the next (older) page. A page shorter than the page
// size, or an explicit hasMore=false from the platform, stops pagination.
func (p *Pager) LoadNext(ctx context.Context) ([]*Message, error) {
	p.mu.Lock()
	if !p.hasMore || p.loading {
		p.mu.Unlock()
		return nil, nil
	}
	chatID := p.chatID
	page := p.page + 1
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.loading = true
	p.mu.Unlock()

	msgs, more, err := p.fetch(ctx, chatID, page, p.pageSize)
	// The context only needs to outlive the fetch; Reset keeps p.cancel
	// around solely to abort one still in flight.
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.loading = false

	if err != nil {
		if ctx.Err() != nil {
			// Superseded by a chat switch; the result is stale.
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to load page %d: %w", page, err)
	}
	if chatID != p.chatID {
		return nil, context.Canceled
	}

	p.page = page
	p.hasMore = more && len(msgs) >= p.pageSize

	logrus.WithFields(logrus.Fields{
		"function": "LoadNext",
		"chat_id":  chatID,
		"page":     page,
		"count":    len(msgs),
		"has_more": p.hasMore,
	}).Debug("History page loaded")

	return msgs, nil
}

// AnchorScrollTop returns the scroll offset that keeps the previously
// anchored message at the same pixel position after a prepend grew the
// scrollable content.
func AnchorScrollTop(oldTop, oldHeight, newHeight int) int {
	return oldTop + (newHeight - oldHeight)
}
