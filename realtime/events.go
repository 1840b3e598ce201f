package realtime

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/veilchat/chat"
)

// EventType discriminates events on the channel's internal queue.
type EventType uint8

const (
	// EventMessage is a new-message insert.
	EventMessage EventType = iota
	// EventMessageExpired fires when a message's absolute expiry passes.
	EventMessageExpired
	// EventTyping marks a peer as typing.
	EventTyping
	// EventTypingStopped fires when a typing flag auto-clears.
	EventTypingStopped
	// EventKeyExchange carries a peer's ephemeral public key.
	EventKeyExchange
	// EventPresence reflects a change in the online-user set.
	EventPresence
	// EventStatus reflects a channel state transition.
	EventStatus
)

// TypingEvent is the wire payload of a typing broadcast.
type TypingEvent struct {
	ChatID string    `cbor:"chat_id"`
	UserID string    `cbor:"user_id"`
	At     time.Time `cbor:"at"`
}

// KeyExchangeEvent is the wire payload of an ephemeral key broadcast.
type KeyExchangeEvent struct {
	ChatID    string   `cbor:"chat_id"`
	SenderID  string   `cbor:"sender_id"`
	PublicKey [32]byte `cbor:"public_key"`
}

// PresenceKind distinguishes presence updates.
type PresenceKind uint8

const (
	PresenceJoin PresenceKind = iota
	PresenceLeave
	PresenceHeartbeat
)

// PresenceEvent is the wire payload of a presence update.
type PresenceEvent struct {
	ChatID string       `cbor:"chat_id"`
	UserID string       `cbor:"user_id"`
	Kind   PresenceKind `cbor:"kind"`
	At     time.Time    `cbor:"at"`
}

// StatusEvent reports a channel state transition on the event queue.
// Terminal is set once the retry budget is exhausted; the only way out of
// a terminal status is a full reload.
type StatusEvent struct {
	ChatID   string
	State    ChannelState
	Attempt  int
	Terminal bool
	// Err is ErrChannelExhausted on the terminal transition, nil
	// otherwise.
	Err error
}

// Event is one item on the channel's typed event queue. Exactly one
// payload field is set, matching Type.
type Event struct {
	Type        EventType
	ChatID      string
	MessageID   string
	Message     *chat.Message
	Typing      *TypingEvent
	KeyExchange *KeyExchangeEvent
	Presence    *PresenceEvent
	Status      *StatusEvent
}

// encodeWire serializes a wire payload with CBOR.
func encodeWire(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// decodeWire deserializes a wire payload with CBOR.
func decodeWire(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
