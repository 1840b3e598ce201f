package session

import (
	"sync"
	"testing"
)

// pairedExchanges returns two exchanges with an established session for
// the given chat.
func pairedExchanges(t *testing.T, chatID string) (*Exchange, *Exchange) {
	t.Helper()
	recA, recB := &capture{}, &capture{}
	a := NewExchange(recA.broadcaster())
	b := NewExchange(recB.broadcaster())

	if err := a.Start(chatID); err != nil {
		t.Fatalf("A.Start failed: %v", err)
	}
	if err := b.HandlePeerKey(chatID, recA.last()); err != nil {
		t.Fatalf("B.HandlePeerKey failed: %v", err)
	}
	if err := a.HandlePeerKey(chatID, recB.last()); err != nil {
		t.Fatalf("A.HandlePeerKey failed: %v", err)
	}
	return a, b
}

func TestForwardSecrecyRoundTrip(t *testing.T) {
	a, b := pairedExchanges(t, "chat-1")
	sender := NewPipeline(a)
	receiver := NewPipeline(b)

	envelope, err := sender.EncryptForChat("chat-1", "the drop is off")
	if err != nil {
		t.Fatalf("EncryptForChat failed: %v", err)
	}

	receiver.Process("chat-1", []CipherMessage{{ID: "m1", Content: envelope}})

	plain, ok := receiver.Plaintext("m1")
	if !ok {
		t.Fatal("Message not decrypted")
	}
	if plain != "the drop is off" {
		t.Errorf("Plaintext mismatch: %q", plain)
	}
}

func TestBidirectionalRoundTrip(t *testing.T) {
	// Both sides send over the same session. Counters start at 1 in each
	// direction, so the directions must not share keystream.
	a, b := pairedExchanges(t, "chat-1")
	alice := NewPipeline(a)
	bob := NewPipeline(b)

	fromAlice, err := alice.EncryptForChat("chat-1", "same words")
	if err != nil {
		t.Fatalf("Alice EncryptForChat failed: %v", err)
	}
	fromBob, err := bob.EncryptForChat("chat-1", "same words")
	if err != nil {
		t.Fatalf("Bob EncryptForChat failed: %v", err)
	}

	envA, err := ParseEnvelope(fromAlice)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	envB, err := ParseEnvelope(fromBob)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if envA.Counter != 1 || envB.Counter != 1 {
		t.Fatalf("First counters = %d, %d, want 1, 1", envA.Counter, envB.Counter)
	}
	if string(envA.Ciphertext) == string(envB.Ciphertext) {
		t.Error("Identical plaintext produced identical ciphertext in both directions")
	}

	bob.Process("chat-1", []CipherMessage{{ID: "a1", Content: fromAlice}})
	if plain, ok := bob.Plaintext("a1"); !ok || plain != "same words" {
		t.Errorf("Bob failed to decrypt Alice's message: %q ok=%v", plain, ok)
	}
	alice.Process("chat-1", []CipherMessage{{ID: "b1", Content: fromBob}})
	if plain, ok := alice.Plaintext("b1"); !ok || plain != "same words" {
		t.Errorf("Alice failed to decrypt Bob's message: %q ok=%v", plain, ok)
	}

	// Further traffic keeps flowing both ways.
	next, _ := alice.EncryptForChat("chat-1", "second")
	bob.Process("chat-1", []CipherMessage{{ID: "a2", Content: next}})
	if plain, ok := bob.Plaintext("a2"); !ok || plain != "second" {
		t.Errorf("Second message failed: %q ok=%v", plain, ok)
	}
}

func TestForgedCounterDoesNotBlockRealMessage(t *testing.T) {
	// A forged envelope carrying the peer's next counter fails
	// authentication and must not consume that counter.
	a, b := pairedExchanges(t, "chat-1")
	sender := NewPipeline(a)
	receiver := NewPipeline(b)

	forged := &Envelope{FS: true, Ciphertext: []byte("not a real box"), Counter: 1}
	encoded, err := forged.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	receiver.Process("chat-1", []CipherMessage{{ID: "evil", Content: encoded}})
	if !receiver.Failed("evil") {
		t.Fatal("Forged envelope not rejected")
	}

	genuine, err := sender.EncryptForChat("chat-1", "still here")
	if err != nil {
		t.Fatalf("EncryptForChat failed: %v", err)
	}
	receiver.Process("chat-1", []CipherMessage{{ID: "m1", Content: genuine}})
	if plain, ok := receiver.Plaintext("m1"); !ok || plain != "still here" {
		t.Errorf("Genuine counter-1 message failed after forgery: %q ok=%v", plain, ok)
	}
}

func TestLongTermFallback(t *testing.T) {
	// No forward-secrecy session exists; the long-term key carries it.
	var key [32]byte
	key[0] = 7

	rec := &capture{}
	sender := NewPipeline(NewExchange(rec.broadcaster()))
	sender.SetLongTermKey(key)

	receiver := NewPipeline(NewExchange(rec.broadcaster()))
	receiver.SetLongTermKey(key)

	envelope, err := sender.EncryptForChat("chat-1", "fallback path")
	if err != nil {
		t.Fatalf("EncryptForChat failed: %v", err)
	}

	receiver.Process("chat-1", []CipherMessage{{ID: "m1", Content: envelope}})
	plain, ok := receiver.Plaintext("m1")
	if !ok || plain != "fallback path" {
		t.Errorf("Long-term decrypt failed: %q ok=%v", plain, ok)
	}
}

func TestEncryptWithoutAnyKeyFails(t *testing.T) {
	rec := &capture{}
	p := NewPipeline(NewExchange(rec.broadcaster()))
	if _, err := p.EncryptForChat("chat-1", "no keys"); err != ErrNoKeyMaterial {
		t.Errorf("Expected ErrNoKeyMaterial, got %v", err)
	}
}

func TestPermanentFailureAndManualRetry(t *testing.T) {
	rec := &capture{}
	p := NewPipeline(NewExchange(rec.broadcaster()))

	var failures []string
	p.OnFailure(func(chatID, messageID string) {
		failures = append(failures, messageID)
	})

	garbage := CipherMessage{ID: "m1", Content: `{"fs":false,"ciphertext":"aGVsbG8="}`}
	p.Process("chat-1", []CipherMessage{garbage})

	if !p.Failed("m1") {
		t.Fatal("Undecryptable message not in the failure set")
	}
	if len(failures) != 1 {
		t.Fatalf("Expected 1 failure callback, got %d", len(failures))
	}

	// Failed messages are filtered out: no automatic retry.
	if pending := p.Pending([]CipherMessage{garbage}); len(pending) != 0 {
		t.Error("Failed message still pending")
	}
	if p.Schedule("chat-1", []CipherMessage{garbage}) {
		t.Error("Schedule accepted a permanently failed message")
	}

	// Manual retry clears it for exactly one more pass.
	p.Retry("m1")
	if p.Failed("m1") {
		t.Error("Retry did not clear the failure set")
	}
	pending := p.Pending([]CipherMessage{garbage})
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending message after retry, got %d", len(pending))
	}

	p.Process("chat-1", pending)
	if !p.Failed("m1") {
		t.Error("Message did not return to the failure set")
	}
	if len(failures) != 2 {
		t.Errorf("Expected 2 failure callbacks, got %d", len(failures))
	}
}

func TestNonEnvelopeContentFails(t *testing.T) {
	rec := &capture{}
	p := NewPipeline(NewExchange(rec.broadcaster()))

	p.Process("chat-1", []CipherMessage{{ID: "m1", Content: "just plain text"}})
	if !p.Failed("m1") {
		t.Error("Non-envelope content did not fail")
	}
}

func TestScheduleReentrancyGuard(t *testing.T) {
	a, _ := pairedExchanges(t, "chat-1")
	p := NewPipeline(a)

	// Hold the batch open by making the callback block.
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	p.OnFailure(func(chatID, messageID string) {
		once.Do(func() { close(started) })
		<-release
	})

	first := p.Schedule("chat-1", []CipherMessage{{ID: "m1", Content: "garbage"}})
	if !first {
		t.Fatal("First schedule rejected")
	}
	<-started

	// A second batch for the same chat is skipped while one is active.
	if p.Schedule("chat-1", []CipherMessage{{ID: "m2", Content: "garbage"}}) {
		t.Error("Second batch scheduled while one was in flight")
	}

	close(release)
	p.Wait()

	// With the first batch done, scheduling works again.
	if !p.Schedule("chat-1", []CipherMessage{{ID: "m3", Content: "garbage"}}) {
		t.Error("Schedule rejected after the batch finished")
	}
	p.Wait()
}

func TestCachedMessagesNotReprocessed(t *testing.T) {
	a, b := pairedExchanges(t, "chat-1")
	sender := NewPipeline(a)
	receiver := NewPipeline(b)

	envelope, _ := sender.EncryptForChat("chat-1", "once only")
	item := CipherMessage{ID: "m1", Content: envelope}

	receiver.Process("chat-1", []CipherMessage{item})
	if pending := receiver.Pending([]CipherMessage{item}); len(pending) != 0 {
		t.Error("Decrypted message still pending")
	}
}

func TestReplayedCounterRejected(t *testing.T) {
	a, b := pairedExchanges(t, "chat-1")
	sender := NewPipeline(a)
	receiver := NewPipeline(b)

	envelope, _ := sender.EncryptForChat("chat-1", "original")

	receiver.Process("chat-1", []CipherMessage{{ID: "m1", Content: envelope}})
	if _, ok := receiver.Plaintext("m1"); !ok {
		t.Fatal("Original message not decrypted")
	}

	// The same envelope under a new message ID replays the counter.
	receiver.Process("chat-1", []CipherMessage{{ID: "m2", Content: envelope}})
	if !receiver.Failed("m2") {
		t.Error("Replayed counter accepted")
	}
}

func TestClearCacheDropsPlaintext(t *testing.T) {
	a, b := pairedExchanges(t, "chat-1")
	sender := NewPipeline(a)
	receiver := NewPipeline(b)

	envelope, _ := sender.EncryptForChat("chat-1", "ephemeral")
	receiver.Process("chat-1", []CipherMessage{{ID: "m1", Content: envelope}})

	receiver.ClearCache()
	if _, ok := receiver.Plaintext("m1"); ok {
		t.Error("Plaintext survived ClearCache")
	}
}

func TestWipeDestroysKeyMaterial(t *testing.T) {
	var key [32]byte
	key[5] = 9

	rec := &capture{}
	p := NewPipeline(NewExchange(rec.broadcaster()))
	p.SetLongTermKey(key)
	p.Wipe()

	if _, err := p.EncryptForChat("chat-1", "after wipe"); err != ErrNoKeyMaterial {
		t.Errorf("Long-term key survived Wipe: %v", err)
	}
}

func TestBatchBounded(t *testing.T) {
	// More items than the batch size still all get processed.
	a, b := pairedExchanges(t, "chat-1")
	sender := NewPipeline(a)
	receiver := NewPipeline(b)

	items := make([]CipherMessage, 0, 25)
	for i := 0; i < 25; i++ {
		envelope, err := sender.EncryptForChat("chat-1", "msg")
		if err != nil {
			t.Fatalf("EncryptForChat failed: %v", err)
		}
		items = append(items, CipherMessage{ID: string(rune('a' + i)), Content: envelope})
	}

	receiver.Process("chat-1", items)
	for _, item := range items {
		if _, ok := receiver.Plaintext(item.ID); !ok {
			t.Errorf("Message %s not decrypted", item.ID)
		}
	}
}

func TestEnvelopeEncodeParseRoundTrip(t *testing.T) {
	env := &Envelope{FS: true, Ciphertext: []byte{1, 2, 3}, Counter: 42}
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	parsed, err := ParseEnvelope(encoded)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if !parsed.FS || parsed.Counter != 42 {
		t.Error("Envelope fields lost in round trip")
	}

	if _, err := ParseEnvelope("not json"); err != ErrNotEnvelope {
		t.Errorf("Expected ErrNotEnvelope, got %v", err)
	}
}
