// internal/bus/bus.go
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a channel of page events.
type Topic string

const (
	// TopicLoginSubmit carries LoginSubmit, emitted when the login form is submitted.
	TopicLoginSubmit Topic = "loginSubmit"
	// TopicLoginError carries LoginError, emitted when the portal rejects a password.
	TopicLoginError Topic = "loginError"
)

// LoginSubmit is the credential pair typed into the login form.
type LoginSubmit struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginError is the message shown by the portal under the password field.
type LoginError struct {
	Message string `json:"msg"`
}

// Message is the envelope for data transmitted over the bus.
type Message struct {
	ID        string
	Timestamp time.Time
	Topic     Topic
	Payload   interface{}
}

// Bus delivers page events to subscribers in post order per topic.
type Bus struct {
	logger *zap.Logger

	subscribers map[Topic][]chan Message
	mu          sync.RWMutex
	bufferSize  int

	// processingWg tracks delivered messages not yet acknowledged.
	processingWg sync.WaitGroup
	// activePostsWg tracks Post calls in flight.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New initializes a Bus whose subscriber channels hold bufferSize messages.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("bus"),
		subscribers:  make(map[Topic][]chan Message),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post sends a message onto the bus. Blocks if subscriber buffers are full.
func (b *Bus) Post(ctx context.Context, topic Topic, payload interface{}) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post %s: bus is shut down", topic)
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	msg := Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Topic:     topic,
		Payload:   payload,
	}
	b.logger.Debug("Posting message", zap.String("topic", string(topic)), zap.String("id", msg.ID))

	b.mu.RLock()
	subs := b.subscribers[topic]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	subsCopy := make([]chan Message, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		select {
		case ch <- msg:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return fmt.Errorf("failed to post %s: bus is shutting down", topic)
		}
	}
	return nil
}

// Subscribe returns a channel receiving messages for the given topics and a
// function that removes the subscription.
func (b *Bus) Subscribe(topics ...Topic) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		closed := make(chan Message)
		close(closed)
		return closed, func() {}
	}
	if len(topics) == 0 {
		panic("must subscribe to at least one topic")
	}

	ch := make(chan Message, b.bufferSize)
	subscribed := append([]Topic(nil), topics...)
	for _, topic := range subscribed {
		b.subscribers[topic] = append(b.subscribers[topic], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, topic := range subscribed {
			subs := b.subscribers[topic]
			for i, c := range subs {
				if c == ch {
					b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge signals that a delivered message has been processed.
func (b *Bus) Acknowledge(Message) {
	b.processingWg.Done()
}

// Shutdown stops accepting posts, closes subscriber channels and waits for
// acknowledged processing to finish.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Message]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Topic][]chan Message)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered messages during shutdown.", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Debug("Bus shut down.")
	})
}
