// Package veilchat implements the core of a disguised, access-gated,
// end-to-end-encrypted messaging client.
//
// A news-reader façade hides the chat application behind a PIN; a
// secondary panic PIN opens a decoy environment. This package wires the
// pieces together: the access gate decides whether anything below it
// runs at all, the vault verifies PINs, the session layer handles
// per-chat forward secrecy and decryption, the realtime layer streams
// live events, and the platform client talks to the remote REST service.
//
// Example:
//
//	client, err := veilchat.New(veilchat.Options{
//	    Config: cfg,
//	    UserID: "u-123",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnMessage(func(chatID string, msg *chat.Message) {
//	    fmt.Printf("[%s] %s\n", chatID, msg.ID)
//	})
//
//	client.RequestUnlock()
//	if err := client.SubmitPin("1234"); err != nil {
//	    log.Fatal(err)
//	}
//	client.OpenChat("chat-1")
package veilchat

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/chat"
	"github.com/opd-ai/veilchat/config"
	"github.com/opd-ai/veilchat/crypto"
	"github.com/opd-ai/veilchat/gate"
	"github.com/opd-ai/veilchat/platform"
	"github.com/opd-ai/veilchat/realtime"
	"github.com/opd-ai/veilchat/session"
	"github.com/opd-ai/veilchat/storage"
	"github.com/opd-ai/veilchat/vault"
)

// viewOnceLinger is how long a consumed view-once message stays visible.
const viewOnceLinger = 10 * time.Second

// longTermSaltFlag is the storage key of the per-installation salt for
// the PIN-derived long-term key.
const longTermSaltFlag = "longterm_salt"

// ErrLocked is returned for operations that require an unlocked gate.
var ErrLocked = errors.New("client is locked")

// ErrNoActiveChat is returned for chat operations with no chat open.
var ErrNoActiveChat = errors.New("no active chat")

// Options configures a Client.
type Options struct {
	Config    *config.Config
	UserID    string
	AuthToken string

	// HasIdentity reports whether an authenticated identity exists
	// upstream. Nil means yes.
	HasIdentity func() bool

	// Transport overrides the realtime transport; nil dials NATS from
	// the config.
	Transport realtime.Transport
}

// activeChat bundles the per-open-chat machinery that is created on
// OpenChat and torn down on CloseChat or lock.
type activeChat struct {
	chatID   string
	timeline *chat.Timeline
	channel  *realtime.Channel
	tracker  *chat.ReadTracker
	stop     chan struct{}
}

// Client is the assembled messaging core.
type Client struct {
	cfg    *config.Config
	userID string

	store    *storage.Store
	vault    *vault.Vault
	gate     *gate.Gate
	exchange *session.Exchange
	pipeline *session.Pipeline
	rest     *platform.Client
	queue    *platform.SendQueue

	transport realtime.Transport
	ownsConn  bool

	active     *activeChat
	listSync   *chat.ListSync
	lastTyping time.Time

	onMessage       func(chatID string, msg *chat.Message)
	onTyping        func(chatID, userID string, typing bool)
	onPresence      func(chatID string, online []string)
	onChannelDown   func(chatID string, attempts int)
	onDecryptFailed func(chatID, messageID string)
	onChatList      func([]chat.ChatSummary)

	mu sync.Mutex
}

// New assembles a client from the given options.
func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}

	store, err := storage.Open(opts.Config.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state store: %w", err)
	}

	v, err := vault.New(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	transport := opts.Transport
	ownsConn := false
	if transport == nil {
		nt, err := realtime.ConnectNATS(opts.Config.Realtime.URL, opts.Config.Realtime.ClientName)
		if err != nil {
			store.Close()
			return nil, err
		}
		transport = nt
		ownsConn = true
	}

	c := &Client{
		cfg:       opts.Config,
		userID:    opts.UserID,
		store:     store,
		vault:     v,
		rest:      platform.NewClient(opts.Config.Platform.BaseURL, opts.AuthToken),
		transport: transport,
		ownsConn:  ownsConn,
	}
	c.queue = platform.NewSendQueue(c.rest, store)
	c.exchange = session.NewExchange(c.broadcastKey)
	c.pipeline = session.NewPipeline(c.exchange)
	c.pipeline.OnFailure(func(chatID, messageID string) {
		c.mu.Lock()
		fn := c.onDecryptFailed
		c.mu.Unlock()
		if fn != nil {
			fn(chatID, messageID)
		}
	})

	c.gate = gate.New(v, store, opts.HasIdentity)
	c.gate.SetIdleTimeout(opts.Config.Security.IdleLock)
	c.gate.OnUnlocked(c.handleUnlocked)
	c.gate.OnLocked(c.handleLocked)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"user_id":  opts.UserID,
	}).Info("Client assembled")

	return c, nil
}

// broadcastKey routes an ephemeral key broadcast to the chat's channel.
func (c *Client) broadcastKey(chatID string, publicKey [32]byte) error {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()

	if ac == nil || ac.chatID != chatID {
		return fmt.Errorf("no open channel for chat %s", chatID)
	}
	return ac.channel.BroadcastKey(publicKey)
}

// handleUnlocked derives the long-term key from the raw PIN and brings
// the unlocked environment up.
func (c *Client) handleUnlocked(mode vault.AccessMode, pin []byte) {
	salt, err := c.longTermSalt()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleUnlocked",
			"error":    err.Error(),
		}).Error("Failed to obtain long-term salt")
		return
	}
	key := crypto.DeriveKey(pin, salt)
	c.pipeline.SetLongTermKey(key)
	crypto.ZeroBytes(key[:])

	ls := chat.NewListSync(mode, c.fetchChatList, func(summaries []chat.ChatSummary) {
		c.mu.Lock()
		fn := c.onChatList
		c.mu.Unlock()
		if fn != nil {
			fn(summaries)
		}
	})

	c.mu.Lock()
	c.listSync = ls
	c.mu.Unlock()

	go ls.Refresh()
	go c.queue.Replay(context.Background())
}

// handleLocked tears down everything the lock transition must make
// unreachable: channels, sessions, plaintext, and the long-term key.
func (c *Client) handleLocked() {
	c.mu.Lock()
	ac := c.active
	c.active = nil
	ls := c.listSync
	c.listSync = nil
	c.mu.Unlock()

	if ac != nil {
		c.teardownChat(ac)
	}
	if ls != nil {
		ls.Stop()
	}
	c.exchange.WipeAll()
	c.pipeline.Wipe()
}

func (c *Client) fetchChatList(mode vault.AccessMode) ([]chat.ChatSummary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.rest.GetChats(ctx, mode)
}

// longTermSalt returns the per-installation salt, creating it on first
// use.
func (c *Client) longTermSalt() ([]byte, error) {
	existing, err := c.store.GetFlag(longTermSaltFlag)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return hex.DecodeString(existing)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := c.store.SetFlag(longTermSaltFlag, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

// Gate surface.

// RequestUnlock moves the gate from stealth to the PIN prompt.
func (c *Client) RequestUnlock() error { return c.gate.RequestUnlock() }

// SubmitPin submits a PIN at the prompt.
func (c *Client) SubmitPin(pin string) error { return c.gate.SubmitPin(pin) }

// Lock returns the client to stealth, destroying all key material.
func (c *Client) Lock() { c.gate.Lock() }

// Gate exposes the underlying state machine for UI event plumbing
// (blur/focus/visibility/cancel gestures).
func (c *Client) Gate() *gate.Gate { return c.gate }

// SetupDecoyPin configures the panic PIN. Only valid while unlocked in
// main mode.
func (c *Client) SetupDecoyPin(pin string) error {
	mode, unlocked := c.gate.Mode()
	if !unlocked || mode != vault.ModeMain {
		return ErrLocked
	}
	return c.vault.SetupDecoy(pin)
}

// ResetVault destroys all PIN records and local state. This is the
// forgotten-PIN fallback: the caller must have re-authenticated through
// the external sign-in flow first. The gate returns to stealth and the
// next unlock runs first-time setup again.
func (c *Client) ResetVault() error {
	c.gate.Lock()
	if err := c.vault.Reset(); err != nil {
		return err
	}
	if err := c.store.Wipe(); err != nil {
		return err
	}

	logrus.WithField("function", "ResetVault").Warn("Vault reset, first-time setup required")
	return nil
}

// Callback registration.

// OnMessage registers the new-message callback.
func (c *Client) OnMessage(fn func(chatID string, msg *chat.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// OnTyping registers the typing-indicator callback.
func (c *Client) OnTyping(fn func(chatID, userID string, typing bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = fn
}

// OnPresence registers the online-set callback.
func (c *Client) OnPresence(fn func(chatID string, online []string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPresence = fn
}

// OnChannelDown registers the callback for a channel that exhausted its
// reconnect budget. The notice it backs is dismissible only by reload.
func (c *Client) OnChannelDown(fn func(chatID string, attempts int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChannelDown = fn
}

// OnDecryptFailed registers the callback for messages entering the
// permanent-failure set.
func (c *Client) OnDecryptFailed(fn func(chatID, messageID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecryptFailed = fn
}

// OnChatList registers the chat-list update callback.
func (c *Client) OnChatList(fn func([]chat.ChatSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChatList = fn
}

// OnPlaintext registers the decryption-success callback.
func (c *Client) OnPlaintext(fn func(chatID, messageID, plaintext string)) {
	c.pipeline.OnPlaintext(fn)
}

// Chat lifecycle.

// OpenChat establishes the realtime channel and bookkeeping for a chat,
// tearing down the previously open chat first.
func (c *Client) OpenChat(chatID string) error {
	if c.gate.State() != gate.StateUnlocked {
		return ErrLocked
	}

	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != nil {
		c.teardownChat(prev)
		c.pipeline.ClearCache()
	}

	ac := &activeChat{
		chatID:   chatID,
		timeline: chat.NewTimeline(chatID),
		tracker:  chat.NewReadTracker(c.userID, c.markRead),
		stop:     make(chan struct{}),
	}
	ac.channel = realtime.NewChannel(chatID, c.userID, c.transport)
	ac.channel.OnSubscribed(func(id string) {
		if err := c.exchange.Start(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OpenChat",
				"chat_id":  id,
				"error":    err.Error(),
			}).Warn("Key-exchange kickoff failed")
		}
	})

	c.mu.Lock()
	c.active = ac
	c.mu.Unlock()

	go c.eventLoop(ac)
	ac.channel.Open()

	logrus.WithFields(logrus.Fields{
		"function": "OpenChat",
		"chat_id":  chatID,
	}).Info("Chat opened")

	return nil
}

// CloseChat tears down the active chat.
func (c *Client) CloseChat() {
	c.mu.Lock()
	ac := c.active
	c.active = nil
	c.mu.Unlock()

	if ac != nil {
		c.teardownChat(ac)
		c.pipeline.ClearCache()
	}
}

func (c *Client) teardownChat(ac *activeChat) {
	close(ac.stop)
	ac.tracker.Stop()
	ac.channel.Close()
	c.exchange.Close(ac.chatID)
	ac.timeline.Clear()
}

// eventLoop consumes one chat's typed event queue and applies events to
// local state.
func (c *Client) eventLoop(ac *activeChat) {
	for {
		select {
		case <-ac.stop:
			return
		case ev := <-ac.channel.Events():
			c.handleEvent(ac, ev)
		}
	}
}

func (c *Client) handleEvent(ac *activeChat, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventMessage:
		if !ac.timeline.Append(ev.Message) {
			return // duplicate insert
		}
		// Our own sends come back on the wire too; they were sealed in
		// the outgoing direction and must not run through the receive
		// path.
		if ev.Message.IsEncrypted && ev.Message.SenderID != c.userID {
			c.pipeline.Schedule(ac.chatID, []session.CipherMessage{
				{ID: ev.Message.ID, Content: ev.Message.Content},
			})
		}
		c.mu.Lock()
		onMessage := c.onMessage
		ls := c.listSync
		c.mu.Unlock()
		if ls != nil {
			ls.Notify()
		}
		if onMessage != nil {
			onMessage(ac.chatID, ev.Message)
		}

	case realtime.EventMessageExpired:
		ac.timeline.Remove(ev.MessageID)

	case realtime.EventKeyExchange:
		if err := c.exchange.HandlePeerKey(ev.ChatID, ev.KeyExchange.PublicKey); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleEvent",
				"chat_id":  ev.ChatID,
				"error":    err.Error(),
			}).Warn("Peer key merge failed")
		}

	case realtime.EventTyping, realtime.EventTypingStopped:
		c.mu.Lock()
		onTyping := c.onTyping
		c.mu.Unlock()
		if onTyping != nil {
			onTyping(ev.ChatID, ev.Typing.UserID, ev.Type == realtime.EventTyping)
		}

	case realtime.EventPresence:
		c.mu.Lock()
		onPresence := c.onPresence
		c.mu.Unlock()
		if onPresence != nil {
			onPresence(ev.ChatID, ac.channel.OnlineUsers())
		}

	case realtime.EventStatus:
		if ev.Status.Terminal {
			c.mu.Lock()
			onDown := c.onChannelDown
			c.mu.Unlock()
			if onDown != nil {
				onDown(ev.ChatID, ev.Status.Attempt)
			}
		}
	}
}

// Message operations.

// Send encrypts (when requested) and sends a message in the active chat.
// Transport-level failures queue the send for replay.
func (c *Client) Send(ctx context.Context, content string, encrypted bool) (*chat.Message, error) {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac == nil {
		return nil, ErrNoActiveChat
	}

	body := content
	if encrypted {
		var err error
		body, err = c.pipeline.EncryptForChat(ac.chatID, content)
		if err != nil {
			return nil, err
		}
	}

	req := platform.SendMessageRequest{ChatID: ac.chatID, Content: body}
	msg, err := c.rest.SendMessage(ctx, req)
	if err != nil {
		if errors.Is(err, platform.ErrNetworkUnavailable) {
			if qerr := c.queue.Enqueue(req); qerr == nil {
				return nil, err
			}
		}
		return nil, err
	}
	return msg, nil
}

// typingSendInterval throttles outgoing typing broadcasts; keystrokes
// inside the window ride on the previous broadcast.
const typingSendInterval = 2 * time.Second

// SendTyping broadcasts a typing notification in the active chat,
// throttled to one broadcast per interval.
func (c *Client) SendTyping() error {
	c.mu.Lock()
	ac := c.active
	throttled := time.Since(c.lastTyping) < typingSendInterval
	if !throttled {
		c.lastTyping = time.Now()
	}
	c.mu.Unlock()

	if ac == nil {
		return ErrNoActiveChat
	}
	if throttled {
		return nil
	}
	return ac.channel.SendTyping()
}

// LoadOlder loads the next history page into the active chat's timeline
// using the given pager.
func (c *Client) LoadOlder(ctx context.Context, pager *chat.Pager) (int, error) {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac == nil {
		return 0, ErrNoActiveChat
	}

	page, err := pager.LoadNext(ctx)
	if err != nil {
		return 0, err
	}
	added := ac.timeline.Prepend(page)

	pending := make([]session.CipherMessage, 0, len(page))
	for _, m := range page {
		if m.IsEncrypted && m.SenderID != c.userID {
			pending = append(pending, session.CipherMessage{ID: m.ID, Content: m.Content})
		}
	}
	if len(pending) > 0 {
		c.pipeline.Schedule(ac.chatID, pending)
	}
	return added, nil
}

// NewPager creates a pager over the platform history endpoint.
func (c *Client) NewPager() *chat.Pager {
	return chat.NewPager(c.rest.GetMessages, c.cfg.Security.PageSize)
}

// MarkVisible reports a rendered message as visible; read receipts are
// debounced and batched.
func (c *Client) MarkVisible(msg *chat.Message) {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac != nil {
		ac.tracker.Observe(msg)
	}
}

func (c *Client) markRead(messageIDs []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.rest.MarkRead(ctx, messageIDs)
}

// RetryDecrypt clears a message from the permanent-failure set and runs
// it through the pipeline exactly once more.
func (c *Client) RetryDecrypt(messageID string) {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac == nil {
		return
	}

	c.pipeline.Retry(messageID)
	if msg, ok := ac.timeline.Get(messageID); ok && msg.IsEncrypted {
		c.pipeline.Schedule(ac.chatID, []session.CipherMessage{{ID: msg.ID, Content: msg.Content}})
	}
}

// OpenViewOnce consumes a view-once message; its content leaves the
// local view ten seconds later.
func (c *Client) OpenViewOnce(ctx context.Context, messageID string) error {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac == nil {
		return ErrNoActiveChat
	}

	if err := c.rest.MarkViewed(ctx, messageID); err != nil {
		return err
	}
	time.AfterFunc(viewOnceLinger, func() {
		ac.timeline.Remove(messageID)
	})
	return nil
}

// Timeline returns the active chat's timeline.
func (c *Client) Timeline() (*chat.Timeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, false
	}
	return c.active.timeline, true
}

// Plaintext returns the cached plaintext for a decrypted message.
func (c *Client) Plaintext(messageID string) (string, bool) {
	return c.pipeline.Plaintext(messageID)
}

// Connectivity hooks.

// NetworkOnline forces an immediate reconnect of the active channel and
// replays the offline queue.
func (c *Client) NetworkOnline() {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac != nil {
		ac.channel.ForceReconnect()
	}
	go c.queue.Replay(context.Background())
}

// AppForegrounded forces an immediate reconnect when the tab returns to
// the foreground.
func (c *Client) AppForegrounded() {
	c.gate.WindowFocused()
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac != nil {
		ac.channel.ForceReconnect()
	}
}

// Kill locks, tears everything down, and closes the local store.
func (c *Client) Kill() {
	c.gate.Lock()
	if c.ownsConn {
		if nt, ok := c.transport.(*realtime.NATSTransport); ok {
			nt.Close()
		}
	}
	c.store.Close()

	logrus.WithField("function", "Kill").Info("Client shut down")
}
