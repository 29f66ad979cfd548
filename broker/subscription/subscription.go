// Package subscription provides the per-subscriber message queue.
package subscription

import "errors"

// ErrFull is returned when the subscriber is too slow to drain its queue.
var ErrFull = errors.New("subscription queue full")

// DefaultQueueSize is the buffer per subscriber.
const DefaultQueueSize = 32

// Subscription is one subscriber's buffered queue.
type Subscription struct {
	queue chan any
}

// New creates a subscription.
func New() *Subscription {
	return &Subscription{
		queue: make(chan any, DefaultQueueSize),
	}
}

// Send enqueues a message without blocking. Delivery order is preserved per
// subscription; a full queue rejects the message instead of stalling the
// publisher.
func (s *Subscription) Send(message any) error {
	select {
	case s.queue <- message:
		return nil
	default:
		return ErrFull
	}
}

// Receive returns the channel to consume messages from.
func (s *Subscription) Receive() <-chan any {
	return s.queue
}

// Close closes the queue. The subscription must already be removed from its
// channel.
func (s *Subscription) Close() {
	close(s.queue)
}
