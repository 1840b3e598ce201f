package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/storage"
)

// maxQueueAttempts bounds replay retries; an item that keeps failing is
// dropped with a user-visible notice rather than retried forever.
const maxQueueAttempts = 5

// SendQueue holds outgoing messages while the network is down and
// replays them on reconnect. Items spill to local storage so a queued
// send survives a restart; for encrypted chats the payload is ciphertext
// only.
type SendQueue struct {
	client *Client
	store  *storage.Store

	onDropped func(item storage.OutboxItem)

	mu sync.Mutex
}

// NewSendQueue creates a queue backed by the given store.
func NewSendQueue(client *Client, store *storage.Store) *SendQueue {
	return &SendQueue{client: client, store: store}
}

// OnDropped registers the notice callback for items abandoned after
// repeated failures.
func (q *SendQueue) OnDropped(fn func(item storage.OutboxItem)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDropped = fn
}

// Enqueue spills a failed send to the outbox.
func (q *SendQueue) Enqueue(req SendMessageRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize queued send: %w", err)
	}

	item := storage.OutboxItem{
		ID:        uuid.NewString(),
		ChatID:    req.ChatID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := q.store.EnqueueOutbox(item); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"chat_id":  req.ChatID,
		"item_id":  item.ID,
	}).Info("Send queued for replay")

	return nil
}

// Len returns the number of queued items.
func (q *SendQueue) Len() int {
	items, err := q.store.LoadOutbox()
	if err != nil {
		return 0
	}
	return len(items)
}

// Replay attempts every queued item in order. Items that succeed leave
// the queue; items that fail at the transport level stay for the next
// replay; items past the attempt budget are dropped with a notice.
func (q *SendQueue) Replay(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.store.LoadOutbox()
	if err != nil {
		return fmt.Errorf("failed to load outbox: %w", err)
	}

	for _, item := range items {
		var req SendMessageRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			q.store.DeleteOutbox(item.ID)
			continue
		}

		_, err := q.client.SendMessage(ctx, req)
		if err == nil {
			q.store.DeleteOutbox(item.ID)
			continue
		}

		var rateLimited *RateLimitedError
		transient := errors.Is(err, ErrNetworkUnavailable) || errors.As(err, &rateLimited)
		if !transient {
			// Rejected outright; retrying cannot help.
			q.dropLocked(item, err)
			continue
		}

		item.Attempts++
		if item.Attempts >= maxQueueAttempts {
			q.dropLocked(item, err)
			continue
		}
		if err := q.store.UpdateOutboxAttempts(item.ID, item.Attempts); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Replay",
				"item_id":  item.ID,
				"error":    err.Error(),
			}).Error("Failed to record replay attempt")
		}

		if rateLimited != nil {
			// The rest of the queue would hit the same limit; stop this
			// pass and let the next replay honor the hint.
			logrus.WithFields(logrus.Fields{
				"function":    "Replay",
				"item_id":     item.ID,
				"retry_after": rateLimited.RetryAfter.String(),
			}).Warn("Replay rate limited, pass abandoned")
			return nil
		}
	}
	return nil
}

func (q *SendQueue) dropLocked(item storage.OutboxItem, cause error) {
	q.store.DeleteOutbox(item.ID)

	logrus.WithFields(logrus.Fields{
		"function": "dropLocked",
		"item_id":  item.ID,
		"chat_id":  item.ChatID,
		"attempts": item.Attempts,
		"error":    cause.Error(),
	}).Warn("Queued send dropped")

	if q.onDropped != nil {
		q.onDropped(item)
	}
}
