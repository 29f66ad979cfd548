// Package broker provides in-process pub/sub keyed by topic and detail. The
// relay uses it to fan envelopes out to connection writers and call events
// out to observers.
package broker

import (
	"fmt"
	"sync"

	"ringlink/broker/subscription"
)

// Topics.
const (
	// ClientSocket delivers envelopes to one websocket writer; the detail
	// is the connection ref.
	ClientSocket Topic = iota

	// Calls delivers call bookkeeping events; the detail is the event kind.
	Calls
)

// Call event details.
const (
	INITIATED = Detail("INITIATED")
	ANSWERED  = Detail("ANSWERED")
	ENDED     = Detail("ENDED")
)

// Topic is a coarse message category.
type Topic int

// Detail narrows a topic to one routing key.
type Detail string

type key struct {
	topic  Topic
	detail Detail
}

// Broker routes published messages to every subscription registered for the
// same topic and detail.
type Broker struct {
	mu       sync.RWMutex
	channels map[key][]*subscription.Subscription
}

// New creates a broker.
func New() *Broker {
	return &Broker{
		channels: make(map[key][]*subscription.Subscription),
	}
}

// Publish sends a message to all subscriptions of the topic and detail.
// Subscribers that cannot keep up lose the message rather than stalling
// the publisher.
func (b *Broker) Publish(topic Topic, detail Detail, message any) error {
	b.mu.RLock()
	subs := append([]*subscription.Subscription(nil), b.channels[key{topic, detail}]...)
	b.mu.RUnlock()

	var dropped int
	for _, sub := range subs {
		if err := sub.Send(message); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("message dropped for %d of %d subscribers", dropped, len(subs))
	}
	return nil
}

// Subscribe registers a new subscription for the topic and detail.
func (b *Broker) Subscribe(topic Topic, detail Detail) *subscription.Subscription {
	sub := subscription.New()
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{topic, detail}
	b.channels[k] = append(b.channels[k], sub)
	return sub
}

// Unsubscribe removes and closes the subscription.
func (b *Broker) Unsubscribe(topic Topic, detail Detail, sub *subscription.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{topic, detail}
	subs := b.channels[k]
	for i, s := range subs {
		if s == sub {
			b.channels[k] = append(subs[:i], subs[i+1:]...)
			if len(b.channels[k]) == 0 {
				delete(b.channels, k)
			}
			s.Close()
			return nil
		}
	}
	return fmt.Errorf("subscription not found for topic %d detail %s", topic, detail)
}
