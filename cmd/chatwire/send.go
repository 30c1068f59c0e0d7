package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatwire/internal/infra/config"
	"chatwire/internal/infra/logger"
	"chatwire/pkg/realtime"
)

type sendFlags struct {
	SessionID int64
	Sender    string
	Wait      time.Duration
}

func parseSendArgs() (sendFlags, string, error) {
	flags := sendFlags{Wait: 15 * time.Second}
	var words []string
	var err error
	for i := 2; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--session" && i+1 < len(os.Args):
			flags.SessionID, err = parseID("--session", os.Args[i+1])
			i++
		case strings.HasPrefix(os.Args[i], "--session="):
			flags.SessionID, err = parseID("--session", strings.TrimPrefix(os.Args[i], "--session="))
		case os.Args[i] == "--sender" && i+1 < len(os.Args):
			flags.Sender = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--sender="):
			flags.Sender = strings.TrimPrefix(os.Args[i], "--sender=")
		case os.Args[i] == "--wait" && i+1 < len(os.Args):
			flags.Wait, err = time.ParseDuration(os.Args[i+1])
			i++
		case strings.HasPrefix(os.Args[i], "--wait="):
			flags.Wait, err = time.ParseDuration(strings.TrimPrefix(os.Args[i], "--wait="))
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			i++ // value consumed by configPath
		case strings.HasPrefix(os.Args[i], "--"):
			// unknown flag, skip
		default:
			words = append(words, os.Args[i])
		}
		if err != nil {
			return flags, "", err
		}
	}

	if flags.SessionID == 0 {
		return flags, "", fmt.Errorf("--session is required")
	}
	switch flags.Sender {
	case "", "visitor", "agent", "system":
	default:
		return flags, "", fmt.Errorf("--sender must be visitor, agent or system")
	}
	text := strings.Join(words, " ")
	if text == "" {
		return flags, "", fmt.Errorf("nothing to send; usage: chatwire send --session ID <message>")
	}
	return flags, text, nil
}

func runSend() error {
	flags, text, err := parseSendArgs()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is not configured (set it or CHATWIRE_REALTIME_URL)")
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	client, err := realtime.New(cfg.Realtime,
		realtime.WithLogger(log),
		realtime.WithStateObserver(func(old, next realtime.ConnectionState) {
			fmt.Fprintf(os.Stderr, "state: %s -> %s\n", old, next)
		}),
	)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		if !cfg.Realtime.AutoReconnect {
			return fmt.Errorf("connect: %w", err)
		}
		fmt.Fprintf(os.Stderr, "connect: %v (message will queue until reconnect)\n", err)
	}

	msg := struct {
		SessionID int64  `json:"session_id"`
		Sender    string `json:"sender,omitempty"`
		Content   string `json:"content"`
	}{flags.SessionID, flags.Sender, text}
	if err := client.SendMessage(msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	// SendMessage parks the payload in the queue when the link is down or
	// the rate budget is spent; wait for the flush before declaring success.
	deadline := time.NewTimer(flags.Wait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for client.Stats().QueuedMessages > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted with %d message(s) still queued", client.Stats().QueuedMessages)
		case <-deadline.C:
			stats := client.Stats()
			return fmt.Errorf("still queued after %s (state %s, attempts %d/%d)",
				flags.Wait, stats.ConnectionState, stats.ReconnectAttempts, stats.MaxReconnectAttempts)
		case <-tick.C:
		}
	}

	// A gateway rejection comes back as an error frame; give it a moment
	// to land in the log before exiting.
	time.Sleep(200 * time.Millisecond)

	sender := flags.Sender
	if sender == "" {
		sender = "visitor"
	}
	fmt.Printf("sent to session %d as %s\n", flags.SessionID, sender)
	return nil
}
