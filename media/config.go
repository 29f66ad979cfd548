package media

// Default values for the media engine. If the values are not set, these values are used.
const (
	DefaultSTUNServer = "stun:stun.l.google.com:19302"
	DefaultClockRate  = 48000
)

// Config contains the configuration for the WebRTC engine.
type Config struct {
	STUNServers []string
}

// SetDefault fills unset fields with default values.
func (c *Config) SetDefault() {
	if len(c.STUNServers) == 0 {
		c.STUNServers = []string{DefaultSTUNServer}
	}
}
