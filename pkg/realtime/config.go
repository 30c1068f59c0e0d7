package realtime

import (
	"fmt"
	"net/url"
	"time"
)

// Config controls a Client. Zero numeric and duration fields are replaced
// with defaults by New; booleans are taken as-is, so hand-built configs
// should start from DefaultConfig when auto-reconnect is wanted.
type Config struct {
	// URL is the gateway websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// Token is the opaque credential attached to the dial request. The
	// client never inspects it.
	Token string `yaml:"token"`

	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`

	// ReconnectBackoff selects the wait strategy between attempts:
	// "exponential" (default) or "fixed".
	ReconnectBackoff string `yaml:"reconnect_backoff"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	MaxQueueSize       int `yaml:"max_queue_size"`
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Debug enables the client's debug-level logging.
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the stock client configuration for url and token,
// with auto-reconnect enabled.
func DefaultConfig(url, token string) Config {
	cfg := Config{URL: url, Token: token, AutoReconnect: true}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.ReconnectBackoff == "" {
		c.ReconnectBackoff = BackoffExponential
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 100
	}
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Validate checks the config after defaults are applied. Errors wrap
// ErrInvalidConfig.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: url scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", ErrInvalidConfig)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: reconnect_interval must be positive", ErrInvalidConfig)
	}
	if c.ReconnectBackoff != BackoffExponential && c.ReconnectBackoff != BackoffFixed {
		return fmt.Errorf("%w: reconnect_backoff must be %q or %q", ErrInvalidConfig, BackoffExponential, BackoffFixed)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat interval and timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: max_queue_size must be positive", ErrInvalidConfig)
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("%w: rate_limit_per_second must be positive", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
