package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the publish/subscribe boundary the channel runs on. The
// production implementation speaks NATS; tests substitute an in-memory
// fake to simulate subscription failures and event delivery.
type Transport interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Publish(subject string, data []byte) error
}

// ErrorNotifier is implemented by transports that learn about connection
// failures asynchronously. Open channels register here so a dropped
// connection pushes them into their reconnect path instead of leaving
// them subscribed to a dead socket. The returned function removes the
// registration.
type ErrorNotifier interface {
	OnError(fn func(error)) func()
}

// Chat subjects, one set per chat ID.
func subjectMessage(chatID string) string  { return "chat." + chatID + ".message" }
func subjectTyping(chatID string) string   { return "chat." + chatID + ".typing" }
func subjectKeyEx(chatID string) string    { return "chat." + chatID + ".keyex" }
func subjectPresence(chatID string) string { return "chat." + chatID + ".presence" }

// NATSTransport is the production Transport over a NATS connection.
type NATSTransport struct {
	conn *nats.Conn

	mu       sync.Mutex
	nextID   int
	onErrors map[int]func(error)
}

// ConnectNATS dials the realtime backend. The socket reconnects on its
// own, but subscription state is owned by the channel layer: a dropped
// connection is reported to every registered channel, which unsubscribes
// and walks its own backoff until the subjects are live again.
func ConnectNATS(url, name string) (*NATSTransport, error) {
	t := &NATSTransport{onErrors: make(map[int]func(error))}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "ConnectNATS",
				"error":    fmt.Sprintf("%v", err),
			}).Warn("Realtime connection lost")
			t.notifyError(fmt.Errorf("realtime connection lost: %w", err))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logrus.WithField("function", "ConnectNATS").Info("Realtime connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime backend: %w", err)
	}
	t.conn = conn
	return t, nil
}

// OnError registers a connection-failure callback and returns its
// removal function.
func (t *NATSTransport) OnError(fn func(error)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.onErrors[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.onErrors, id)
	}
}

func (t *NATSTransport) notifyError(err error) {
	t.mu.Lock()
	fns := make([]func(error), 0, len(t.onErrors))
	for _, fn := range t.onErrors {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe registers a handler for a subject.
func (t *NATSTransport) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Subscribe",
		"subject":  subject,
	}).Debug("Subscribed to subject")

	return &natsSubscription{sub: sub}, nil
}

// Publish sends a payload on a subject.
func (t *NATSTransport) Publish(subject string, data []byte) error {
	return t.conn.Publish(subject, data)
}

// Close tears down the underlying connection.
func (t *NATSTransport) Close() {
	t.conn.Close()
}

// IsConnected reports whether the underlying connection is up.
func (t *NATSTransport) IsConnected() bool {
	return t.conn.IsConnected()
}
