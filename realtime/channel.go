// Package realtime maintains the live message-synchronization channel:
// one subscription set per open chat, carrying new-message inserts,
// typing broadcasts, key-exchange broadcasts, and presence updates.
//
// Network I/O is decoupled from application state: every incoming event
// is placed on a typed queue that the client consumes, and the
// reconnect/backoff machinery is driven purely by subscription outcomes,
// which makes it testable against a fake transport.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/veilchat/chat"
)

// ChannelState is the channel's connection state.
type ChannelState uint8

const (
	// StateConnecting is the initial subscription attempt.
	StateConnecting ChannelState = iota
	// StateSubscribed means all subjects are live.
	StateSubscribed
	// StateReconnecting means a retry is scheduled after a failure.
	StateReconnecting
	// StateClosed is terminal: either Close was called or the retry
	// budget ran out.
	StateClosed
)

// String returns a human-readable state name.
func (s ChannelState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

// ErrChannelExhausted marks a channel that spent its reconnect budget.
// It rides on the terminal status event; only a full reload clears it.
var ErrChannelExhausted = errors.New("channel exhausted reconnect attempts")

const (
	heartbeatInterval = 30 * time.Second
	eventQueueSize    = 256
)

// typingTTL is how long a typing flag survives without a fresh
// broadcast. Variable so tests can shorten it.
var typingTTL = 3 * time.Second

// Channel is one chat's realtime subscription set and its reconnect
// state machine.
type Channel struct {
	chatID string
	selfID string

	transport Transport
	events    chan Event

	state     ChannelState
	reconnect ReconnectState
	subs      []Subscription

	online       map[string]time.Time
	typingTimers map[string]*time.Timer
	expiryTimers map[string]*time.Timer

	heartbeatStop chan struct{}
	retryTimer    *time.Timer

	onSubscribed  func(chatID string)
	unregisterErr func()
	stopped       bool

	mu sync.Mutex
}

// NewChannel creates a channel for a chat. Call Open to start it.
func NewChannel(chatID, selfID string, transport Transport) *Channel {
	return &Channel{
		chatID:       chatID,
		selfID:       selfID,
		transport:    transport,
		events:       make(chan Event, eventQueueSize),
		state:        StateConnecting,
		online:       make(map[string]time.Time),
		typingTimers: make(map[string]*time.Timer),
		expiryTimers: make(map[string]*time.Timer),
	}
}

// Events returns the typed event queue.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// OnSubscribed registers a hook invoked each time the channel reaches
// Subscribed. The session layer uses it to kick off the key-exchange
// broadcast.
func (c *Channel) OnSubscribed(fn func(chatID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSubscribed = fn
}

// State returns the current connection state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnect returns a snapshot of the retry bookkeeping.
func (c *Channel) Reconnect() ReconnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect
}

// Open starts the first subscription attempt. If the transport reports
// asynchronous connection failures, the channel hooks into them so a
// dropped connection moves it out of Subscribed.
func (c *Channel) Open() {
	if notifier, ok := c.transport.(ErrorNotifier); ok {
		remove := notifier.OnError(c.NotifyTransportError)
		c.mu.Lock()
		c.unregisterErr = remove
		c.mu.Unlock()
	}
	c.trySubscribe()
}

// trySubscribe attempts to subscribe all four subjects. Any failure rolls
// back partial subscriptions and schedules a retry.
func (c *Channel) trySubscribe() {
	c.mu.Lock()
	if c.stopped || c.state == StateSubscribed || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	chatID := c.chatID
	c.mu.Unlock()

	type binding struct {
		subject string
		handler func([]byte)
	}
	bindings := []binding{
		{subjectMessage(chatID), c.handleMessage},
		{subjectTyping(chatID), c.handleTyping},
		{subjectKeyEx(chatID), c.handleKeyExchange},
		{subjectPresence(chatID), c.handlePresence},
	}

	var subs []Subscription
	for _, b := range bindings {
		sub, err := c.transport.Subscribe(b.subject, b.handler)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			c.handleSubscribeFailure(err)
			return
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}
		return
	}
	c.subs = subs
	c.state = StateSubscribed
	// The counter resets exactly here, at the successful subscription.
	c.reconnect.Attempt = 0
	c.reconnect.NextDelay = 0
	c.reconnect.LastStatus = "subscribed"
	hook := c.onSubscribed
	if c.heartbeatStop == nil {
		c.heartbeatStop = make(chan struct{})
		go c.heartbeatLoop(c.heartbeatStop)
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "trySubscribe",
		"chat_id":  chatID,
	}).Info("Channel subscribed")

	c.emit(Event{Type: EventStatus, ChatID: chatID, Status: &StatusEvent{ChatID: chatID, State: StateSubscribed}})
	c.publishPresence(PresenceHeartbeat)

	if hook != nil {
		hook(chatID)
	}
}

// handleSubscribeFailure moves the channel to Reconnecting and schedules
// the next attempt, or to Closed once the budget is spent.
func (c *Channel) handleSubscribeFailure(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.reconnect.Attempt++
	c.reconnect.LastStatus = err.Error()
	attempt := c.reconnect.Attempt

	if attempt > maxReconnectAttempts {
		c.state = StateClosed
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "handleSubscribeFailure",
			"chat_id":  c.chatID,
			"attempts": attempt - 1,
		}).Error("Channel exhausted reconnect attempts")

		c.emit(Event{Type: EventStatus, ChatID: c.chatID, Status: &StatusEvent{
			ChatID: c.chatID, State: StateClosed, Attempt: attempt - 1,
			Terminal: true, Err: ErrChannelExhausted,
		}})
		return
	}

	delay := JitteredBackoffDelay(attempt - 1)
	c.reconnect.NextDelay = delay
	c.state = StateReconnecting
	c.retryTimer = time.AfterFunc(delay, c.trySubscribe)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleSubscribeFailure",
		"chat_id":  c.chatID,
		"attempt":  attempt,
		"delay":    delay.String(),
		"error":    err.Error(),
	}).Warn("Channel subscription failed, retry scheduled")

	c.emit(Event{Type: EventStatus, ChatID: c.chatID, Status: &StatusEvent{
		ChatID: c.chatID, State: StateReconnecting, Attempt: attempt,
	}})
}

// ForceReconnect retries immediately, bypassing the backoff timer. Used
// when the tab returns to the foreground or the network comes back. It
// does nothing while already subscribed, and a terminal channel stays
// terminal.
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	if c.stopped || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ForceReconnect",
		"chat_id":  c.chatID,
	}).Info("Forcing immediate reconnect")

	c.trySubscribe()
}

// NotifyTransportError drops the live subscriptions and re-enters the
// reconnect path. The transport calls it when the underlying connection
// fails; timeouts and read errors land here too.
func (c *Channel) NotifyTransportError(err error) {
	c.mu.Lock()
	if c.stopped || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	c.subs = nil
	if c.state == StateSubscribed {
		c.state = StateReconnecting
	}
	c.mu.Unlock()

	c.handleSubscribeFailure(err)
}

// handleMessage processes a new-message insert from the wire.
func (c *Channel) handleMessage(data []byte) {
	var msg chat.Message
	if err := decodeWire(data, &msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMessage",
			"chat_id":  c.chatID,
			"error":    err.Error(),
		}).Warn("Dropping undecodable message event")
		return
	}

	c.emit(Event{Type: EventMessage, ChatID: c.chatID, MessageID: msg.ID, Message: &msg})

	if msg.ExpiresAt != nil {
		c.scheduleExpiry(msg.ID, *msg.ExpiresAt)
	}
}

// scheduleExpiry arranges removal of a message from the visible set when
// its absolute expiry passes.
func (c *Channel) scheduleExpiry(messageID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if old, ok := c.expiryTimers[messageID]; ok {
		old.Stop()
	}
	c.expiryTimers[messageID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.expiryTimers, messageID)
		c.mu.Unlock()
		c.emit(Event{Type: EventMessageExpired, ChatID: c.chatID, MessageID: messageID})
	})
}

// handleTyping processes a typing broadcast. The flag auto-clears after
// typingTTL.
func (c *Channel) handleTyping(data []byte) {
	var ev TypingEvent
	if err := decodeWire(data, &ev); err != nil || ev.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if old, ok := c.typingTimers[ev.UserID]; ok {
		old.Stop()
	}
	userID := ev.UserID
	c.typingTimers[userID] = time.AfterFunc(typingTTL, func() {
		c.mu.Lock()
		delete(c.typingTimers, userID)
		c.mu.Unlock()
		c.emit(Event{Type: EventTypingStopped, ChatID: c.chatID, Typing: &TypingEvent{ChatID: c.chatID, UserID: userID}})
	})
	c.mu.Unlock()

	c.emit(Event{Type: EventTyping, ChatID: c.chatID, Typing: &ev})
}

// handleKeyExchange processes an ephemeral key broadcast, ignoring our
// own echoed back.
func (c *Channel) handleKeyExchange(data []byte) {
	var ev KeyExchangeEvent
	if err := decodeWire(data, &ev); err != nil || ev.SenderID == c.selfID {
		return
	}
	c.emit(Event{Type: EventKeyExchange, ChatID: c.chatID, KeyExchange: &ev})
}

// handlePresence maintains the online-user set.
func (c *Channel) handlePresence(data []byte) {
	var ev PresenceEvent
	if err := decodeWire(data, &ev); err != nil || ev.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	switch ev.Kind {
	case PresenceLeave:
		delete(c.online, ev.UserID)
	default:
		c.online[ev.UserID] = ev.At
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventPresence, ChatID: c.chatID, Presence: &ev})
}

// heartbeatLoop publishes a presence heartbeat every heartbeatInterval
// while the channel is subscribed.
func (c *Channel) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.State() == StateSubscribed {
				c.publishPresence(PresenceHeartbeat)
			}
		case <-stop:
			return
		}
	}
}

func (c *Channel) publishPresence(kind PresenceKind) {
	data, err := encodeWire(PresenceEvent{
		ChatID: c.chatID,
		UserID: c.selfID,
		Kind:   kind,
		At:     time.Now(),
	})
	if err != nil {
		return
	}
	if err := c.transport.Publish(subjectPresence(c.chatID), data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publishPresence",
			"chat_id":  c.chatID,
			"error":    err.Error(),
		}).Debug("Presence publish failed")
	}
}

// SendTyping broadcasts a typing notification for the local user.
func (c *Channel) SendTyping() error {
	data, err := encodeWire(TypingEvent{ChatID: c.chatID, UserID: c.selfID, At: time.Now()})
	if err != nil {
		return err
	}
	return c.transport.Publish(subjectTyping(c.chatID), data)
}

// BroadcastKey publishes this side's ephemeral public key on the chat's
// key-exchange subject.
func (c *Channel) BroadcastKey(publicKey [32]byte) error {
	data, err := encodeWire(KeyExchangeEvent{ChatID: c.chatID, SenderID: c.selfID, PublicKey: publicKey})
	if err != nil {
		return err
	}
	return c.transport.Publish(subjectKeyEx(c.chatID), data)
}

// OnlineUsers returns the current online-user set.
func (c *Channel) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.online))
	for id := range c.online {
		users = append(users, id)
	}
	return users
}

// TypingUsers returns the users whose typing flag has not yet cleared.
func (c *Channel) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.typingTimers))
	for id := range c.typingTimers {
		users = append(users, id)
	}
	return users
}

// emit places an event on the queue, dropping it with a warning if the
// consumer has fallen too far behind.
func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"chat_id":  c.chatID,
			"type":     ev.Type,
		}).Warn("Event queue full, dropping event")
	}
}

// Close tears the channel down: announce leave, unsubscribe everything,
// stop every timer, and wipe the presence set. Terminal.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	subs := c.subs
	c.subs = nil
	c.state = StateClosed

	unregister := c.unregisterErr
	c.unregisterErr = nil

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	for _, timer := range c.typingTimers {
		timer.Stop()
	}
	c.typingTimers = make(map[string]*time.Timer)
	for _, timer := range c.expiryTimers {
		timer.Stop()
	}
	c.expiryTimers = make(map[string]*time.Timer)
	c.online = make(map[string]time.Time)
	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	c.publishPresence(PresenceLeave)
	for _, s := range subs {
		s.Unsubscribe()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"chat_id":  c.chatID,
	}).Info("Channel closed")
}
