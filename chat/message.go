// Package chat implements the client-side message bookkeeping: the
// message model, the per-chat timeline, backward pagination, read
// receipts, and chat-list refresh.
package chat

import (
	"sort"
	"time"
)

// Message is one chat message as exchanged with the platform. Encrypted
// messages carry a ciphertext envelope in Content; the decryption
// pipeline resolves it to plaintext separately, the model itself is never
// mutated with plaintext.
type Message struct {
	ID                 string            `json:"id"`
	ChatID             string            `json:"chatId"`
	SenderID           string            `json:"senderId"`
	Content            string            `json:"content"`
	MediaURL           string            `json:"mediaUrl,omitempty"`
	MediaType          string            `json:"mediaType,omitempty"`
	IsEncrypted        bool              `json:"isEncrypted"`
	IsViewOnce         bool              `json:"isViewOnce"`
	ViewedAt           *time.Time        `json:"viewedAt,omitempty"`
	ExpiresAt          *time.Time        `json:"expiresAt,omitempty"`
	ReplyToID          string            `json:"replyToId,omitempty"`
	EditedAt           *time.Time        `json:"editedAt,omitempty"`
	DeletedAt          *time.Time        `json:"deletedAt,omitempty"`
	DeletedForEveryone bool              `json:"deletedForEveryone"`
	ReadAt             *time.Time        `json:"readAt,omitempty"`
	Reactions          map[string][]string `json:"reactions,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// Windows inside which the author may still modify a message.
const (
	EditWindow             = 15 * time.Minute
	DeleteForEveryoneWindow = time.Hour
)

// Expired reports whether the message's expiry has passed. An expired
// message must be treated as absent from any rendered or counted
// collection, even if it was fetched before expiry.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Visible reports whether the message belongs in the local view. A
// "delete for me" hides the message locally; a delete-for-everyone leaves
// a tombstone that still renders.
func (m *Message) Visible(now time.Time) bool {
	if m.Expired(now) {
		return false
	}
	if m.DeletedAt != nil && !m.DeletedForEveryone {
		return false
	}
	return true
}

// Editable reports whether the given user may still edit the message.
func (m *Message) Editable(userID string, now time.Time) bool {
	return m.SenderID == userID && now.Sub(m.CreatedAt) <= EditWindow
}

// DeletableForEveryone reports whether the given user may still delete
// the message for everyone.
func (m *Message) DeletableForEveryone(userID string, now time.Time) bool {
	return m.SenderID == userID && now.Sub(m.CreatedAt) <= DeleteForEveryoneWindow
}

// FilterVisible returns the messages that belong in the rendered set at
// the given instant. The filter is idempotent.
func FilterVisible(msgs []*Message, now time.Time) []*Message {
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Visible(now) {
			out = append(out, m)
		}
	}
	return out
}

// SortByTime returns a copy sorted by creation timestamp. The timeline
// appends in receipt order, so chronological consumers sort at query
// time.
func SortByTime(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
