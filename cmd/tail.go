package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rubiojr/netpulse/pkg/config"
	"github.com/rubiojr/netpulse/pkg/realtime"
	"github.com/rubiojr/netpulse/pkg/syncagent"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var errReconnectExhausted = errors.New("gave up reconnecting")

// TailCommand follows one or more workspaces and prints every event.
//
//	netpulse tail --workspace 42
//	netpulse tail --workspace 42 --workspace 43 --json | jq .
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Stream realtime events for workspaces",
		Flags: []cli.Flag{
			&cli.IntSliceFlag{
				Name:     "workspace",
				Aliases:  []string{"w"},
				Usage:    "Workspace to follow. Can be used multiple times",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "Broker websocket URL (overrides config client.url)",
			},
			&cli.StringSliceFlag{
				Name:  "type",
				Usage: "Only print these event types. Can be used multiple times",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print events as NDJSON",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			workspaces := make([]int64, 0, len(c.IntSlice("workspace")))
			for _, w := range c.IntSlice("workspace") {
				if w <= 0 {
					return fmt.Errorf("invalid workspace %d", w)
				}
				workspaces = append(workspaces, int64(w))
			}
			return tail(ctx, c.String("config"), c.String("url"), workspaces, c.StringSlice("type"), c.Bool("json"))
		},
	}
}

func tail(ctx context.Context, configPath, endpoint string, workspaces []int64, typeFilter []string, asJSON bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if endpoint == "" {
		endpoint = cfg.Client.URL
	}
	types, err := selectEventTypes(typeFilter)
	if err != nil {
		return err
	}
	opts, err := agentOptions(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	opts.OnConnect = func(a *syncagent.Agent) {
		for _, w := range workspaces {
			a.SubscribeToWorkspace(w)
		}
		fmt.Fprintf(os.Stderr, "connected to %s, following workspaces %v\n", endpoint, workspaces)
	}
	opts.OnExhausted = func() { cancel(errReconnectExhausted) }

	agent := syncagent.New(endpoint, opts)
	printer := &eventPrinter{w: os.Stdout, json: asJSON}
	for _, t := range types {
		agent.On(t, printer.print)
	}

	if err := agent.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed, retrying: %v\n", err)
	}
	<-ctx.Done()
	agent.Disconnect()

	if cause := context.Cause(ctx); errors.Is(cause, errReconnectExhausted) {
		return fmt.Errorf("%s: %w after %d attempts", endpoint, cause, agent.Attempts())
	}
	return nil
}

// selectEventTypes validates the --type filter. An empty filter selects
// every event type.
func selectEventTypes(filter []string) ([]realtime.EventType, error) {
	if len(filter) == 0 {
		return realtime.EventTypes(), nil
	}
	seen := make(map[realtime.EventType]bool)
	var out []realtime.EventType
	for _, s := range filter {
		t, err := realtime.ParseEventType(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w (valid types: %s)", err, eventTypeNames())
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// eventPrinter serializes output from concurrently running listeners.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *eventPrinter) print(ev realtime.Event) {
	var line string
	if p.json {
		data, err := realtime.EncodeEvent(ev)
		if err != nil {
			return
		}
		line = string(data)
	} else {
		line = formatEvent(ev)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
}

func formatEvent(ev realtime.Event) string {
	ts := time.UnixMilli(ev.Timestamp).Format("15:04:05.000")
	title := cases.Title(language.English).String(strings.ReplaceAll(string(ev.Type), "_", " "))
	style := typeStyle
	if ev.Type == realtime.EventAlertCreated {
		style = alertStyle
	}
	return fmt.Sprintf("%s %s %s %s",
		timeStyle.Render(ts),
		workspaceStyle.Render(fmt.Sprintf("[ws %d]", ev.WorkspaceID)),
		style.Render(title),
		detailStyle.Render(describePayload(ev.Payload)))
}

func describePayload(p realtime.Payload) string {
	switch v := p.(type) {
	case realtime.DeviceStatusChanged:
		return fmt.Sprintf("device %d is %s", v.DeviceID, v.Status)
	case realtime.AlertCreated:
		return fmt.Sprintf("alert %d (%s): %s", v.AlertID, v.Severity, v.Message)
	case realtime.AlertUpdated:
		return fmt.Sprintf("alert %d is %s", v.AlertID, v.Status)
	case realtime.NetworkStatusChanged:
		return fmt.Sprintf("network %d is %s", v.NetworkID, v.Status)
	case realtime.AgentHeartbeat:
		return fmt.Sprintf("agent %d is %s", v.AgentID, v.Status)
	case realtime.MemberJoined:
		return fmt.Sprintf("user %d joined as %s", v.UserID, v.Role)
	case realtime.MemberLeft:
		return fmt.Sprintf("user %d left", v.UserID)
	default:
		return ""
	}
}

// eventTypeNames lists the accepted --type values for help and errors.
func eventTypeNames() string {
	names := make([]string, 0, len(realtime.EventTypes()))
	for _, t := range realtime.EventTypes() {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
