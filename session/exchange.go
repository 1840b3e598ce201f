// Package session implements the per-chat forward-secrecy session layer:
// ephemeral key exchange and the batched decryption pipeline.
//
// Sessions are scoped to the current process lifetime. Nothing here is
// persisted; closing a chat or locking the gate destroys all key material
// and requires a fresh exchange.
package session

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/crypto"
)

// Broadcaster publishes this side's ephemeral public key on a chat's
// channel. The realtime layer provides the implementation.
type Broadcaster func(chatID string, publicKey [32]byte) error

// Session is one chat's forward-secrecy state.
type Session struct {
	ChatID       string
	Local        *crypto.KeyPair
	RemotePublic *[32]byte
	Key          *[32]byte

	// sendCounter numbers this side's outgoing envelopes; seenCounters
	// tracks the peer's. The two directions never share counter space
	// because every nonce is tagged with the sender's public key.
	sendCounter  uint64
	seenCounters map[uint64]struct{}
	broadcasted  bool
}

// Established reports whether a shared session key has been derived.
func (s *Session) Established() bool {
	return s.Key != nil
}

// Exchange manages ephemeral key-exchange sessions, one per open chat.
type Exchange struct {
	broadcast Broadcaster
	sessions  map[string]*Session

	mu sync.Mutex
}

// NewExchange creates an exchange manager that publishes key broadcasts
// through the given broadcaster.
func NewExchange(broadcast Broadcaster) *Exchange {
	return &Exchange{
		broadcast: broadcast,
		sessions:  make(map[string]*Session),
	}
}

// Start creates the chat's ephemeral key pair if needed and broadcasts
// its public part. Called on subscription success.
func (e *Exchange) Start(chatID string) error {
	e.mu.Lock()
	s, err := e.ensureSessionLocked(chatID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	s.broadcasted = true
	pub := s.Local.Public
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"chat_id":    chatID,
		"key_prefix": fmt.Sprintf("%x", pub[:8]),
	}).Debug("Broadcasting ephemeral public key")

	if err := e.broadcast(chatID, pub); err != nil {
		return fmt.Errorf("failed to broadcast ephemeral key: %w", err)
	}
	return nil
}

// HandlePeerKey merges a peer's ephemeral public key into the chat's
// session. The merge is idempotent and order-independent: whichever side
// broadcasts first, both derive the same shared key. If this side had no
// ephemeral pair yet one is synthesized on demand, and if it had not yet
// broadcast it responds with its own public key so an exchange completes
// from either direction.
func (e *Exchange) HandlePeerKey(chatID string, peerPublic [32]byte) error {
	e.mu.Lock()

	s, err := e.ensureSessionLocked(chatID)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	// Ignore our own broadcast echoed back by the channel.
	if peerPublic == s.Local.Public {
		e.mu.Unlock()
		return nil
	}

	if s.Key == nil || s.RemotePublic == nil || *s.RemotePublic != peerPublic {
		key, err := crypto.DeriveSharedSecret(peerPublic, s.Local.Private)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("failed to derive session key: %w", err)
		}
		remote := peerPublic
		s.RemotePublic = &remote
		s.Key = &key

		logrus.WithFields(logrus.Fields{
			"function": "HandlePeerKey",
			"chat_id":  chatID,
		}).Info("Forward-secrecy session established")
	}

	respond := !s.broadcasted
	if respond {
		s.broadcasted = true
	}
	pub := s.Local.Public
	e.mu.Unlock()

	if respond {
		if err := e.broadcast(chatID, pub); err != nil {
			return fmt.Errorf("failed to answer key broadcast: %w", err)
		}
	}
	return nil
}

// SessionKey returns the derived key for a chat, if one exists.
func (e *Exchange) SessionKey(chatID string) ([32]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[chatID]
	if !ok || s.Key == nil {
		return [32]byte{}, false
	}
	return *s.Key, true
}

// sealParams returns everything the send path needs: the session key,
// the local public key that tags outgoing nonces, and a freshly reserved
// counter.
func (e *Exchange) sealParams(chatID string) (key [32]byte, sender [32]byte, counter uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, found := e.sessions[chatID]
	if !found || s.Key == nil {
		return key, sender, 0, false
	}
	s.sendCounter++
	return *s.Key, s.Local.Public, s.sendCounter, true
}

// openParams returns the session key and the peer public key that tags
// incoming nonces.
func (e *Exchange) openParams(chatID string) (key [32]byte, sender [32]byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, found := e.sessions[chatID]
	if !found || s.Key == nil || s.RemotePublic == nil {
		return key, sender, false
	}
	return *s.Key, *s.RemotePublic, true
}

// markCounterSeen records an authenticated peer counter, rejecting
// replays. Only call it after decryption verified the envelope; an
// unauthenticated counter must never be burned.
func (e *Exchange) markCounterSeen(chatID string, counter uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[chatID]
	if !ok {
		return fmt.Errorf("no session for chat %s", chatID)
	}
	if _, seen := s.seenCounters[counter]; seen {
		return fmt.Errorf("counter %d already used in chat %s: possible replay", counter, chatID)
	}
	s.seenCounters[counter] = struct{}{}
	return nil
}

// Close destroys a chat's session and wipes its key material.
func (e *Exchange) Close(chatID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked(chatID)
}

// WipeAll destroys every session. Called on lock.
func (e *Exchange) WipeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for chatID := range e.sessions {
		e.closeLocked(chatID)
	}

	logrus.WithField("function", "WipeAll").Info("All forward-secrecy sessions destroyed")
}

func (e *Exchange) closeLocked(chatID string) {
	s, ok := e.sessions[chatID]
	if !ok {
		return
	}
	if s.Local != nil {
		crypto.WipeKeyPair(s.Local)
	}
	if s.Key != nil {
		crypto.ZeroBytes(s.Key[:])
	}
	delete(e.sessions, chatID)
}

func (e *Exchange) ensureSessionLocked(chatID string) (*Session, error) {
	if s, ok := e.sessions[chatID]; ok {
		return s, nil
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key pair: %w", err)
	}
	s := &Session{
		ChatID:       chatID,
		Local:        kp,
		seenCounters: make(map[uint64]struct{}),
	}
	e.sessions[chatID] = s
	return s, nil
}

// counterNonce builds the deterministic nonce for a forward-secrecy
// counter. The sender's public key tags the nonce so the two directions
// of a chat never share a key+nonce pair, and counters never repeat
// within a direction, so neither do nonces.
func counterNonce(sender [32]byte, counter uint64) crypto.Nonce {
	var nonce crypto.Nonce
	copy(nonce[:16], sender[:16])
	binary.BigEndian.PutUint64(nonce[16:], counter)
	return nonce
}
