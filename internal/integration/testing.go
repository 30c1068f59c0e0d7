package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	RedisAddr   string
	GatewayURL  string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		RedisAddr:   os.Getenv("CHATWIRE_TEST_REDIS_ADDR"),
		GatewayURL:  os.Getenv("CHATWIRE_TEST_GATEWAY_URL"),
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoRedis skips the test if no Redis address is configured
func SkipIfNoRedis(t *testing.T, addr string) {
	t.Helper()
	if addr == "" {
		t.Skip("Skipping Redis integration test: CHATWIRE_TEST_REDIS_ADDR not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
