package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
	case "tail":
		if err := runTail(); err != nil {
			fmt.Fprintf(os.Stderr, "tail: %v\n", err)
			os.Exit(1)
		}
	case "send":
		if err := runSend(); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
	case "key":
		if err := runKey(); err != nil {
			fmt.Fprintf(os.Stderr, "key: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatwire --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatwire - Realtime chat gateway and client toolkit

USAGE:
    chatwire [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the websocket gateway with store, change feed and retention
    tail        Connect as a client and print change events as they arrive
    send        Publish a chat message through the gateway
    key         Generate a gateway API key and its config entry
    doctor      Run health checks on your setup
    daemon      Manage chatwire as a system service
                Subcommands: install, uninstall, status

    (no command) - Same as 'serve'

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

TAIL FLAGS:
    --session ID       Follow one session: its messages and status changes
    --user ID          Follow one user: widget configs and notifications
    --seed             Fetch current rows over the snapshot API first

SEND FLAGS:
    --session ID       Target session (required)
    --sender NAME      visitor, agent or system (default: visitor)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHATWIRE_* variables override config

EXAMPLES:
    chatwire serve                        # Gateway on :8090 with defaults
    chatwire --config /etc/chatwire.yaml  # Serve with a custom config
    chatwire key widget-prod              # Mint an API key for a client
    chatwire tail --session 42 --seed     # Watch one conversation
    chatwire send --session 42 "hello"    # Publish as the visitor
    chatwire doctor                       # Check config, store and endpoints
    chatwire daemon install               # Register with systemd or launchd`)
}

func configPath() string {
	// Check --config flag in os.Args.
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CHATWIRE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
