package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"chatwire/internal/adapter/snapshot"
	"chatwire/internal/infra/config"
	"chatwire/internal/infra/logger"
	"chatwire/pkg/realtime"
)

const timeLayout = "15:04:05"

type tailFlags struct {
	SessionID int64
	UserID    int64
	Seed      bool
}

func parseTailFlags() (tailFlags, error) {
	var flags tailFlags
	var err error
	for i := 2; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--session" && i+1 < len(os.Args):
			flags.SessionID, err = parseID("--session", os.Args[i+1])
			i++
		case strings.HasPrefix(os.Args[i], "--session="):
			flags.SessionID, err = parseID("--session", strings.TrimPrefix(os.Args[i], "--session="))
		case os.Args[i] == "--user" && i+1 < len(os.Args):
			flags.UserID, err = parseID("--user", os.Args[i+1])
			i++
		case strings.HasPrefix(os.Args[i], "--user="):
			flags.UserID, err = parseID("--user", strings.TrimPrefix(os.Args[i], "--user="))
		case os.Args[i] == "--seed":
			flags.Seed = true
		}
		if err != nil {
			return flags, err
		}
	}
	return flags, nil
}

func parseID(flag, value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%s: %q is not a positive id", flag, value)
	}
	return id, nil
}

func runTail() error {
	flags, err := parseTailFlags()
	if err != nil {
		return err
	}
	if flags.Seed && flags.SessionID == 0 && flags.UserID == 0 {
		return fmt.Errorf("--seed needs --session or --user")
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

	// Events print to stdout; connection chatter goes to stderr so the
	// stream stays pipeable.
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

	// Subscriptions go in before the dial so no event between connect and
	// subscribe is lost.
	subscribeTail(client, flags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		if !cfg.Realtime.AutoReconnect {
			return fmt.Errorf("connect: %w", err)
		}
		// The retry cycle is already armed; report and keep going.
		fmt.Fprintf(os.Stderr, "connect: %v (retrying)\n", err)
	}

	// Seed after subscribing: a row may print twice, never zero times.
	if flags.Seed {
		if err := seedTail(ctx, cfg, log, flags); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}

func subscribeTail(client *realtime.Client, flags tailFlags) {
	if flags.SessionID == 0 && flags.UserID == 0 {
		// Firehose: every resource, every event type, raw rows.
		for _, resource := range []string{
			realtime.ResourceChatSessions,
			realtime.ResourceChatMessages,
			realtime.ResourceWidgetConfigs,
			realtime.ResourceNotifications,
		} {
			client.Subscribe(resource, nil, "", printEvent)
		}
		return
	}

	if flags.SessionID > 0 {
		realtime.SubscribeChatMessages(client, flags.SessionID, realtime.RowHandler[realtime.ChatMessage]{
			OnAppend: func(m realtime.ChatMessage) {
				fmt.Printf("%s [%s] %s\n", m.CreatedAt.Local().Format(timeLayout), m.Sender, m.Content)
			},
			OnRemove: func(m realtime.ChatMessage) {
				fmt.Printf("%s message %d removed\n", time.Now().Format(timeLayout), m.ID)
			},
		})
		realtime.SubscribeChatSession(client, flags.SessionID, realtime.RowHandler[realtime.ChatSession]{
			OnAppend: func(s realtime.ChatSession) {
				fmt.Printf("%s session %d opened (user %d, widget %d)\n",
					s.CreatedAt.Local().Format(timeLayout), s.ID, s.UserID, s.WidgetID)
			},
			OnReplace: func(s realtime.ChatSession) {
				fmt.Printf("%s session %d is %s\n", s.UpdatedAt.Local().Format(timeLayout), s.ID, s.Status)
			},
			OnRemove: func(s realtime.ChatSession) {
				fmt.Printf("%s session %d removed\n", time.Now().Format(timeLayout), s.ID)
			},
		})
	}

	if flags.UserID > 0 {
		realtime.SubscribeWidgetConfigs(client, flags.UserID, realtime.RowHandler[realtime.WidgetConfig]{
			OnAppend:  printWidget("new"),
			OnReplace: printWidget("updated"),
			OnRemove:  printWidget("removed"),
		})
		realtime.SubscribeNotifications(client, flags.UserID, realtime.RowHandler[realtime.Notification]{
			OnAppend: func(n realtime.Notification) {
				fmt.Printf("%s notification [%s] %s: %s\n",
					n.CreatedAt.Local().Format(timeLayout), n.Kind, n.Title, n.Body)
			},
			OnReplace: func(n realtime.Notification) {
				fmt.Printf("%s notification %d read=%t\n", time.Now().Format(timeLayout), n.ID, n.Read)
			},
		})
	}
}

// seedTail prints the rows the filters currently match, fetched over the
// snapshot API.
func seedTail(ctx context.Context, cfg *config.Config, log *slog.Logger, flags tailFlags) error {
	if cfg.Snapshot.BaseURL == "" {
		return fmt.Errorf("--seed needs snapshot.base_url (set it or CHATWIRE_SNAPSHOT_BASE_URL)")
	}
	sc := snapshot.NewClient(cfg.Snapshot, log)

	type query struct {
		resource string
		filter   string
	}
	var queries []query
	if flags.SessionID > 0 {
		queries = append(queries,
			query{realtime.ResourceChatSessions, fmt.Sprintf("id=eq.%d", flags.SessionID)},
			query{realtime.ResourceChatMessages, fmt.Sprintf("session_id=eq.%d", flags.SessionID)},
		)
	}
	if flags.UserID > 0 {
		queries = append(queries,
			query{realtime.ResourceWidgetConfigs, fmt.Sprintf("user_id=eq.%d", flags.UserID)},
			query{realtime.ResourceNotifications, fmt.Sprintf("user_id=eq.%d", flags.UserID)},
		)
	}

	for _, q := range queries {
		rows, err := sc.Fetch(ctx, q.resource, q.filter)
		if err != nil {
			return fmt.Errorf("seed %s: %w", q.resource, err)
		}
		for _, row := range rows {
			fmt.Printf("seed     %-14s %s\n", q.resource, compactJSON(row))
		}
	}
	return nil
}

func printEvent(ev realtime.ChangeEvent) {
	fmt.Printf("%s %-6s %-14s %s\n",
		ev.CommitTime.Local().Format(timeLayout), ev.Type, ev.Resource, compactJSON(ev.Row()))
}

func printWidget(verb string) func(realtime.WidgetConfig) {
	return func(w realtime.WidgetConfig) {
		fmt.Printf("%s widget %d %s: %q theme=%s active=%t\n",
			time.Now().Format(timeLayout), w.ID, verb, w.Name, w.Theme, w.Active)
	}
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
