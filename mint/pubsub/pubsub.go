// Package pubsub fans out round outcomes to the guardian's websocket subscribers.
package pubsub

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// subscribers that fall this far behind miss messages
const subscriberBuffer = 64

type Message struct {
	topic   string
	payload []byte
}

func NewMessage(msg []byte, topic string) *Message {
	return &Message{
		topic:   topic,
		payload: msg,
	}
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) Payload() []byte {
	return m.payload
}

type Subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]Subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]Subscribers),
	}
}

func (b *PubSub) Subscribe(topic string) *Subscriber {
	s := NewSubscriber()

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(Subscribers)
	}
	b.topics[topic][s.id] = s
	b.mu.Unlock()

	return s
}

func (b *PubSub) Unsubscribe(s *Subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	b.mu.Unlock()
}

// Subscribers returns how many subscribers a topic has.
func (b *PubSub) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Publish never blocks the caller, which is applying a round.
func (b *PubSub) Publish(topic string, msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.topics[topic] {
		s.signal(NewMessage(msg, topic))
	}
}

type Subscriber struct {
	id       string
	messages chan *Message
	active   bool
	mu       sync.Mutex
}

func NewSubscriber() *Subscriber {
	id := make([]byte, 16)
	rand.Read(id)

	return &Subscriber{
		id:       hex.EncodeToString(id),
		messages: make(chan *Message, subscriberBuffer),
		active:   true,
	}
}

func (s *Subscriber) signal(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		s.active = false
		close(s.messages)
	}
}
