package metric

// Config defines the configuration for the metrics server.
type Config struct {
	Port int    // Port for metrics server
	Path string // Path for metrics endpoint
}

// Default values for metrics configuration.
const (
	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
)

// SetDefault fills the zero-valued fields with defaults.
func (c *Config) SetDefault() {
	if c.Port == 0 {
		c.Port = DefaultMetricsPort
	}
	if c.Path == "" {
		c.Path = DefaultMetricsPath
	}
}
