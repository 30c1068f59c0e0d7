package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"chatwire/internal/adapter/store"
	"chatwire/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Structural validation happens inside Load; the checks below probe
	// the environment the config points at.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway keys", Fn: checkGatewayKeys},
		{Name: "Store", Fn: checkStore},
		{Name: "PubSub backend", Fn: checkPubSub},
		{Name: "Retention", Fn: checkRetention},
		{Name: "Gateway endpoint", Fn: checkGatewayEndpoint},
		{Name: "Realtime endpoint", Fn: checkRealtimeEndpoint},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Println("chatwire doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before running the gateway.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nchatwire should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! chatwire is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports how the config was resolved. A missing file is a
// warning, not a failure: serve runs on defaults plus CHATWIRE_* overrides.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr != nil {
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("defaults invalid: %v", cfgErr),
					Fix:     "Check CHATWIRE_* environment overrides",
				}
			}
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, defaults apply", cfgPath),
				Fix:     "Create config.yaml or point --config / CHATWIRE_CONFIG at one",
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (0600 or 0644)",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkGatewayKeys warns on the open-access setup. Key structure (hex salt,
// 32-byte hash) is already enforced at load time.
func checkGatewayKeys(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	if len(cfg.Gateway.Keys) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no keys configured, the gateway accepts any token",
			Fix:     "Run 'chatwire key <name>' and add the entry under gateway.keys",
		}
	}

	names := make([]string, len(cfg.Gateway.Keys))
	for i, k := range cfg.Gateway.Keys {
		names[i] = k.Name
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d key(s): %s", len(names), strings.Join(names, ", ")),
	}
}

// checkStore opens the SQLite store once, which also runs migrations.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.Store.Path, err),
			Fix:     "Check that the store.path directory exists and is writable",
		}
	}
	st.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("sqlite store at %s", cfg.Store.Path),
	}
}

// checkPubSub pings redis when that backend is selected.
func checkPubSub(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	switch cfg.PubSub.Backend {
	case "", "memory":
		return CheckResult{
			Status:  StatusPass,
			Message: "memory bus, events fan out inside one process",
		}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.PubSub.Redis.Addr,
			Password: cfg.PubSub.Redis.Password,
			DB:       cfg.PubSub.Redis.DB,
		})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		start := time.Now()
		if err := client.Ping(ctx).Err(); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("redis at %s: %v", cfg.PubSub.Redis.Addr, err),
				Fix:     "Start redis or fix pubsub.redis.addr",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("redis reachable at %s (latency: %dms)", cfg.PubSub.Redis.Addr, time.Since(start).Milliseconds()),
		}
	default:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("unknown backend %q", cfg.PubSub.Backend),
			Fix:     "Set pubsub.backend to memory or redis",
		}
	}
}

// checkRetention summarizes the pruning setup. The schedule itself is
// validated at load time.
func checkRetention(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	if !cfg.Retention.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "disabled, rows are kept forever",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("prunes rows older than %s on %q", cfg.Retention.MaxAge, cfg.Retention.Schedule),
	}
}

// checkGatewayEndpoint probes the local gateway's health endpoint. Not
// running is a warning: doctor usually runs before the first serve.
func checkGatewayEndpoint(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	host := cfg.Gateway.Addr
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return probeHealthz("http://"+host+"/healthz", "gateway not running at "+cfg.Gateway.Addr)
}

// checkRealtimeEndpoint probes the gateway the client commands would dial.
func checkRealtimeEndpoint(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	if cfg.Realtime.URL == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "realtime.url not set, tail and send are unavailable",
			Fix:     "Set realtime.url (or CHATWIRE_REALTIME_URL) to the gateway's ws:// endpoint",
		}
	}

	u, err := url.Parse(cfg.Realtime.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("realtime.url: %v", err)}
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return probeHealthz(scheme+"://"+u.Host+"/healthz", "gateway not reachable at "+cfg.Realtime.URL)
}

func probeHealthz(healthURL, downMessage string) CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad health URL: %v", err)}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: downMessage,
			Fix:     "Start it with 'chatwire serve'",
		}
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s returned %d", healthURL, resp.StatusCode),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("responding at %s (latency: %dms)", healthURL, time.Since(start).Milliseconds()),
	}
}

// checkDiskSpace checks available disk space under the store directory.
func checkDiskSpace(cfg *config.Config) CheckResult {
	dataDir := "./data"
	if cfg != nil && cfg.Store.Path != "" {
		dataDir = filepath.Dir(cfg.Store.Path)
	}

	absDir, _ := filepath.Abs(dataDir)

	info, err := os.Stat(absDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusPass,
			Message: "store directory does not exist yet, space check skipped",
		}
	}

	out, err := exec.Command("df", "-h", absDir).Output()
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: "could not determine disk space (df command failed)",
		}
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unexpected df output format",
		}
	}

	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "unexpected df output format",
		}
	}

	available := fields[3]
	usePercent := fields[4]

	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	if pct >= 95 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move store.path to a different partition",
		}
	}
	if pct >= 85 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available),
	}
}
