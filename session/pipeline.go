package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/crypto"
)

// CipherMessage is one encrypted message queued for decryption.
type CipherMessage struct {
	ID      string
	Content string
}

// DecryptionFailedError marks a message as permanently undecryptable
// until a manual retry.
type DecryptionFailedError struct {
	MessageID string
}

func (e *DecryptionFailedError) Error() string {
	return fmt.Sprintf("decryption failed for message %s", e.MessageID)
}

// ErrNoKeyMaterial is returned from the send path when neither a session
// key nor the long-term key is available.
var ErrNoKeyMaterial = errors.New("no key material available")

// defaultBatchSize bounds how many messages decrypt concurrently so the
// crypto work never starves the event loop.
const defaultBatchSize = 10

// Pipeline decrypts incoming ciphertext messages in bounded batches.
//
// Successful decryptions land in a plaintext cache keyed by message ID.
// A message that fails both the forward-secrecy and the long-term path
// goes into a permanent-failure set and is never retried automatically;
// Retry clears it for exactly one more pass.
type Pipeline struct {
	exchange  *Exchange
	longTerm  *[32]byte
	batchSize int

	cache  map[string]string
	failed map[string]struct{}
	active map[string]bool

	onPlaintext func(chatID, messageID, plaintext string)
	onFailure   func(chatID, messageID string)

	wg sync.WaitGroup
	mu sync.Mutex
}

// NewPipeline creates a decryption pipeline bound to an exchange manager.
func NewPipeline(exchange *Exchange) *Pipeline {
	return &Pipeline{
		exchange:  exchange,
		batchSize: defaultBatchSize,
		cache:     make(map[string]string),
		failed:    make(map[string]struct{}),
		active:    make(map[string]bool),
	}
}

// OnPlaintext registers the callback invoked for each successful
// decryption.
func (p *Pipeline) OnPlaintext(fn func(chatID, messageID, plaintext string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPlaintext = fn
}

// OnFailure registers the callback invoked when a message enters the
// permanent-failure set.
func (p *Pipeline) OnFailure(fn func(chatID, messageID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailure = fn
}

// SetLongTermKey installs the symmetric key derived from the PIN at
// unlock. It is wiped again on lock.
func (p *Pipeline) SetLongTermKey(key [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.longTerm != nil {
		crypto.ZeroBytes(p.longTerm[:])
	}
	k := key
	p.longTerm = &k
}

// Pending filters the given messages down to those that still need work:
// not yet decrypted and not permanently failed.
func (p *Pipeline) Pending(items []CipherMessage) []CipherMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CipherMessage, 0, len(items))
	for _, item := range items {
		if _, done := p.cache[item.ID]; done {
			continue
		}
		if _, dead := p.failed[item.ID]; dead {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Schedule queues a batch of messages for asynchronous decryption. Only
// one batch may be in flight per chat; while one is active further calls
// return false and schedule nothing.
func (p *Pipeline) Schedule(chatID string, items []CipherMessage) bool {
	items = p.Pending(items)
	if len(items) == 0 {
		return false
	}

	p.mu.Lock()
	if p.active[chatID] {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Schedule",
			"chat_id":  chatID,
		}).Debug("Batch already in flight, skipping")
		return false
	}
	p.active[chatID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Process(chatID, items)
	}()
	return true
}

// Wait blocks until all scheduled batches have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Process decrypts a batch synchronously, at most batchSize messages at a
// time.
func (p *Pipeline) Process(chatID string, items []CipherMessage) {
	defer func() {
		p.mu.Lock()
		delete(p.active, chatID)
		p.mu.Unlock()
	}()

	for start := 0; start < len(items); start += p.batchSize {
		end := start + p.batchSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for _, item := range items[start:end] {
			wg.Add(1)
			go func(item CipherMessage) {
				defer wg.Done()
				p.decryptOne(chatID, item)
			}(item)
		}
		wg.Wait()
	}
}

func (p *Pipeline) decryptOne(chatID string, item CipherMessage) {
	plaintext, err := p.tryDecrypt(chatID, item)

	p.mu.Lock()
	onPlaintext, onFailure := p.onPlaintext, p.onFailure
	if err != nil {
		p.failed[item.ID] = struct{}{}
	} else {
		p.cache[item.ID] = plaintext
	}
	p.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "decryptOne",
			"chat_id":    chatID,
			"message_id": item.ID,
			"error":      err.Error(),
		}).Warn("Message added to permanent-failure set")
		if onFailure != nil {
			onFailure(chatID, item.ID)
		}
		return
	}

	if onPlaintext != nil {
		onPlaintext(chatID, item.ID, plaintext)
	}
}

// tryDecrypt attempts the forward-secrecy path first, then falls back to
// the long-term key.
func (p *Pipeline) tryDecrypt(chatID string, item CipherMessage) (string, error) {
	env, err := ParseEnvelope(item.Content)
	if err != nil {
		return "", &DecryptionFailedError{MessageID: item.ID}
	}

	if env.FS {
		if key, sender, ok := p.exchange.openParams(chatID); ok {
			plain, err := crypto.DecryptSymmetric(env.Ciphertext, counterNonce(sender, env.Counter), key)
			if err == nil {
				// The counter is consumed only once the envelope
				// authenticated; a forged counter must not block the
				// peer's real message.
				if err := p.exchange.markCounterSeen(chatID, env.Counter); err != nil {
					return "", &DecryptionFailedError{MessageID: item.ID}
				}
				return string(plain), nil
			}
		}
	}

	p.mu.Lock()
	longTerm := p.longTerm
	p.mu.Unlock()

	if longTerm != nil && len(env.Nonce) == 24 {
		var nonce crypto.Nonce
		copy(nonce[:], env.Nonce)
		plain, err := crypto.DecryptSymmetric(env.Ciphertext, nonce, *longTerm)
		if err == nil {
			return string(plain), nil
		}
	}

	return "", &DecryptionFailedError{MessageID: item.ID}
}

// EncryptForChat encrypts outgoing plaintext, preferring the chat's
// forward-secrecy session and falling back to the long-term key.
func (p *Pipeline) EncryptForChat(chatID, plaintext string) (string, error) {
	if key, sender, counter, ok := p.exchange.sealParams(chatID); ok {
		ciphertext, err := crypto.EncryptSymmetric([]byte(plaintext), counterNonce(sender, counter), key)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt with session key: %w", err)
		}
		env := &Envelope{FS: true, Ciphertext: ciphertext, Counter: counter}
		return env.Encode()
	}

	p.mu.Lock()
	longTerm := p.longTerm
	p.mu.Unlock()

	if longTerm == nil {
		return "", ErrNoKeyMaterial
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, err := crypto.EncryptSymmetric([]byte(plaintext), nonce, *longTerm)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt with long-term key: %w", err)
	}
	env := &Envelope{Ciphertext: ciphertext, Nonce: nonce[:]}
	return env.Encode()
}

// Plaintext returns the cached plaintext for a message, if present.
func (p *Pipeline) Plaintext(messageID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plain, ok := p.cache[messageID]
	return plain, ok
}

// Failed reports whether a message is in the permanent-failure set.
func (p *Pipeline) Failed(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.failed[messageID]
	return ok
}

// Retry removes a message from the permanent-failure set so it re-enters
// the pipeline on the next pass. Each call clears exactly one message
// once.
func (p *Pipeline) Retry(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failed, messageID)
}

// ClearCache drops all cached plaintext. Called when the active chat
// changes.
func (p *Pipeline) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]string)
}

// Wipe clears the plaintext cache and destroys the long-term key. Called
// on lock; nothing may read pipeline state after this.
func (p *Pipeline) Wipe() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache = make(map[string]string)
	p.failed = make(map[string]struct{})
	if p.longTerm != nil {
		crypto.ZeroBytes(p.longTerm[:])
		p.longTerm = nil
	}

	logrus.WithField("function", "Wipe").Info("Decryption pipeline wiped")
}
