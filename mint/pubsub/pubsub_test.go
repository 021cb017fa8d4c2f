package pubsub

import (
	"testing"
	"time"
)

func receive(t *testing.T, s *Subscriber) *Message {
	select {
	case msg := <-s.GetMessages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestPublishSubscribe(t *testing.T) {
	pubsub := NewPubSub()
	first := pubsub.Subscribe("outputs")
	second := pubsub.Subscribe("outputs")
	other := pubsub.Subscribe("nonces")

	if count := pubsub.Subscribers("outputs"); count != 2 {
		t.Fatalf("expected 2 subscribers but got %v", count)
	}

	pubsub.Publish("outputs", []byte("combined"))
	for _, s := range []*Subscriber{first, second} {
		msg := receive(t, s)
		if msg.Topic() != "outputs" || string(msg.Payload()) != "combined" {
			t.Fatalf("unexpected message %v: %s", msg.Topic(), msg.Payload())
		}
	}

	select {
	case msg := <-other.GetMessages():
		t.Fatalf("subscriber to other topic got message '%s'", msg.Payload())
	default:
	}

	pubsub.Unsubscribe(second, "outputs")
	if count := pubsub.Subscribers("outputs"); count != 1 {
		t.Fatalf("expected 1 subscriber but got %v", count)
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	pubsub := NewPubSub()
	slow := pubsub.Subscribe("outputs")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			pubsub.Publish("outputs", []byte{byte(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if len(slow.GetMessages()) != subscriberBuffer {
		t.Fatalf("expected %v buffered messages but got %v", subscriberBuffer, len(slow.GetMessages()))
	}

	// closing twice and publishing after close are both fine
	slow.Close()
	slow.Close()
	pubsub.Publish("outputs", []byte("after close"))
}
