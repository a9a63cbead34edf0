// Live chat console - command line client for operators and test visitors
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/chat"
	"github.com/eldtechnologies/livechat/internal/config"
	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/restclient"
	"github.com/eldtechnologies/livechat/internal/transport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConsole()
	exitOnError(err)
	logger := newLogger(cfg)

	client := restclient.New(cfg.ServerURL, cfg.Operator, cfg.Locale)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "sessions", "active":
		list := client.Sessions
		if cmd == "active" {
			list = client.ActiveSessions
		}
		resp, err := list(ctx)
		exitOnError(err)
		for _, r := range resp.Sessions {
			fmt.Printf("  %s  %-9s %-20s %d msgs, %d unread\n", r.ID, r.State, r.Participant.Name, r.MessageCount, r.UnreadCount)
		}

	case "pending":
		resp, err := client.Escalations(ctx)
		exitOnError(err)
		for _, e := range resp.Escalations {
			fmt.Printf("  %s  %s  %s: %s\n", e.RoomID, stamp(e.EscalatedAt), e.Participant.Name, e.FirstMessage)
		}

	case "archived":
		resp, err := client.Archived(ctx)
		exitOnError(err)
		for _, s := range resp.Sessions {
			fmt.Printf("  %s  %s  %s: %s\n", s.RoomID, stamp(s.ClosedAt), s.Participant.Name, s.LastMessage.BodyFor(cfg.Locale))
		}

	case "history":
		need(args, 1, "history <room_id>")
		store := newStore(client, cfg, logger)
		exitOnError(store.LoadHistory(ctx, args[0], models.HistoryQuery{Order: models.SortAsc}))
		for _, m := range store.Messages(args[0]) {
			printMessage(m, cfg.Locale)
		}

	case "read":
		need(args, 1, "read <room_id>")
		exitOnError(client.MarkRead(ctx, args[0]))
		fmt.Println("Marked read:", args[0])

	case "reply":
		need(args, 2, "reply <room_id> <message> [--close]")
		closeRoom := len(args) > 2 && args[2] == "--close"
		msg, err := client.SendManual(ctx, models.ManualRequest{RoomID: args[0], Message: args[1], Close: closeRoom})
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "close":
		need(args, 1, "close <room_id>")
		exitOnError(client.ArchiveRoom(ctx, args[0]))
		fmt.Println("Archived:", args[0])

	case "delete":
		need(args, 1, "delete <message_id>...")
		if len(args) == 1 {
			exitOnError(client.DeleteMessage(ctx, args[0]))
			fmt.Println("Deleted:", args[0])
			return
		}
		res, err := client.DeleteMessages(ctx, args)
		exitOnError(err)
		printJSON(res)

	case "watch":
		room := ""
		if len(args) > 0 {
			room = args[0]
		}
		exitOnError(watch(ctx, client, cfg, logger, room))

	case "visit":
		need(args, 1, "visit <name> [email]")
		p := models.Participant{Name: args[0]}
		if len(args) > 1 {
			p.Email = args[1]
		}
		exitOnError(visit(ctx, client, cfg, logger, p))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`livechat console - operator client for live chat

Usage: console <command> [options]

Commands:
  sessions                      List open conversations
  active                        List conversations taken by an agent
  pending                       List the escalation queue
  archived                      List archived conversations
  history <room>                Print a conversation
  read <room>                   Mark a conversation read
  reply <room> <msg> [--close]  Send an agent message
  close <room>                  Archive a conversation
  delete <id>...                Delete one or more messages
  watch [room]                  Follow live events; lines typed are replies
  visit <name> [email]          Chat as a visitor
  health                        Check server health

Environment:
  LIVECHAT_URL           Server URL (default: http://localhost:8080)
  LIVECHAT_PUSH_URL      Push URL (default: derived from LIVECHAT_URL)
  LIVECHAT_OPERATOR      Operator id sent with agent actions
  LIVECHAT_LOCALE        Display locale (default: en)
  LIVECHAT_ANOMALY_SINK  log, metrics or both (default: both)`)
}

func newLogger(cfg *config.ConsoleConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	if !cfg.IsDevelopment() {
		level = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func anomalyReporter(cfg *config.ConsoleConfig, logger zerolog.Logger) chat.AnomalyReporter {
	switch cfg.AnomalySink {
	case config.AnomalySinkLog:
		return chat.LogAnomalies{Logger: logger}
	case config.AnomalySinkMetrics:
		return chat.MetricAnomalies{}
	default:
		return chat.MultiAnomalies{chat.LogAnomalies{Logger: logger}, chat.MetricAnomalies{}}
	}
}

func newStore(client *restclient.Client, cfg *config.ConsoleConfig, logger zerolog.Logger) *chat.Store {
	return chat.NewStore(client, chat.Options{
		MatchWindow:    cfg.MatchWindow,
		HistoryRetries: cfg.HistoryRetries,
		Anomalies:      anomalyReporter(cfg, logger),
		Logger:         logger,
	})
}

func newPush(cfg *config.ConsoleConfig, logger zerolog.Logger, role string) *transport.Adapter {
	u, err := url.Parse(cfg.PushURL)
	exitOnError(err)
	q := u.Query()
	q.Set("role", role)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.Operator != "" {
		header.Set(models.OperatorHeader, cfg.Operator)
	}
	return transport.New(transport.Options{
		URL:        u.String(),
		Header:     header,
		MinBackoff: cfg.ReconnectMin,
		MaxBackoff: cfg.ReconnectMax,
		QueueSize:  cfg.QueueSize,
		Logger:     logger,
	})
}

// watch follows every room. Typed lines reply to the current room; a line
// starting with "/close" replies and archives, "/open <room>" switches rooms.
func watch(ctx context.Context, client *restclient.Client, cfg *config.ConsoleConfig, logger zerolog.Logger, room string) error {
	push := newPush(cfg, logger, "admin")
	console := chat.NewConsole(newStore(client, cfg, logger), push, logger)

	subs := []*transport.Subscription{
		push.OnMessage(func(m models.Message) { printMessage(m, cfg.Locale) }),
		push.OnEscalation(func(e models.EscalatedRoom) {
			fmt.Printf("** escalated %s (%s): %s\n", e.RoomID, e.Participant.Name, e.FirstMessage)
		}),
		push.OnRoomArchived(func(s models.ArchivedSession) {
			fmt.Printf("** archived %s\n", s.RoomID)
		}),
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	if err := console.Start(ctx); err != nil {
		return err
	}
	defer console.Stop()

	if room != "" {
		if err := console.OpenRoom(ctx, room); err != nil {
			return err
		}
		for _, m := range console.Store().Messages(room) {
			printMessage(m, cfg.Locale)
		}
	}

	return readLines(ctx, func(line string) {
		switch {
		case strings.HasPrefix(line, "/open "):
			if err := console.OpenRoom(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open "))); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		case strings.HasPrefix(line, "/close"):
			body := strings.TrimSpace(strings.TrimPrefix(line, "/close"))
			if body == "" {
				body = "Closing this conversation. Thanks for reaching out!"
			}
			if _, err := console.Reply(ctx, body, true); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		default:
			if _, err := console.Reply(ctx, line, false); err != nil {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		}
	})
}

// visit chats as a visitor. The room is assigned on the first line sent.
func visit(ctx context.Context, client *restclient.Client, cfg *config.ConsoleConfig, logger zerolog.Logger, p models.Participant) error {
	push := newPush(cfg, logger, "visitor")
	v := chat.NewVisitor(newStore(client, cfg, logger), push, p, logger)

	sub := push.OnMessage(func(m models.Message) {
		if m.RoomID == v.Room() {
			printMessage(m, cfg.Locale)
		}
	})
	defer sub.Unsubscribe()

	if err := v.Start(ctx); err != nil {
		return err
	}
	defer v.Stop()

	return readLines(ctx, func(line string) {
		if err := v.Send(ctx, line); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	})
}

// readLines feeds non-empty stdin lines to fn until EOF or ctx is done.
func readLines(ctx context.Context, fn func(string)) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line = strings.TrimSpace(line); line != "" {
				fn(line)
			}
		}
	}
}

func printMessage(m models.Message, locale string) {
	read := " "
	if m.IsRead {
		read = "✓"
	}
	fmt.Printf("[%s] %s %-7s %s\n", stamp(m.CreatedAt), read, m.Origin, m.BodyFor(locale))
}

func stamp(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func need(args []string, n int, syntax string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "Usage: console", syntax)
		os.Exit(1)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
