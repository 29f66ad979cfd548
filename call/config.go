package call

import "time"

// Default values for the call coordinator. If the values are not set, these values are used.
const (
	DefaultDialTimeout = 30 * time.Second
	DefaultRingTimeout = 30 * time.Second
	DefaultQueueSize   = 32
)

// Config contains the configuration for call sessions.
type Config struct {
	// DialTimeout bounds how long a caller waits for a pre-offer answer.
	DialTimeout time.Duration

	// RingTimeout bounds how long an incoming call rings without a local
	// decision.
	RingTimeout time.Duration

	// QueueSize is the per-session event queue capacity.
	QueueSize int
}

// SetDefault fills unset fields with default values.
func (c *Config) SetDefault() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RingTimeout == 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
}
