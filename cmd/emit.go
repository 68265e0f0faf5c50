package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rubiojr/netpulse/pkg/api"
	"github.com/rubiojr/netpulse/pkg/config"
	"github.com/rubiojr/netpulse/pkg/realtime"
	"github.com/urfave/cli/v3"
)

// EmitCommand posts one event to a running server.
//
//	netpulse emit -w 42 --type alert_created \
//	  --data '{"alertId":7,"severity":"critical","message":"Device offline"}'
func EmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "emit",
		Usage: "Publish an event to a workspace through a running server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "workspace",
				Aliases:  []string{"w"},
				Usage:    "Target workspace",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "type",
				Usage:    "Event type: " + eventTypeNames(),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "data",
				Usage: "Event payload as JSON, or - to read it from stdin",
				Value: "-",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Server base URL (defaults to the host in config client.url)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return emitEvent(ctx, c.String("config"), c.String("server"), int64(c.Int("workspace")), c.String("type"), c.String("data"))
		},
	}
}

func emitEvent(ctx context.Context, configPath, server string, workspace int64, eventType, data string) error {
	if workspace <= 0 {
		return fmt.Errorf("invalid workspace %d", workspace)
	}
	if server == "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		server = cfg.Client.URL
	}
	base, err := apiBaseURL(server)
	if err != nil {
		return err
	}

	raw := []byte(data)
	if data == "-" {
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading payload from stdin: %w", err)
		}
	}

	// Catch mistakes before they reach the server.
	t, err := realtime.ParseEventType(eventType)
	if err != nil {
		return fmt.Errorf("%w (valid types: %s)", err, eventTypeNames())
	}
	if _, err := realtime.DecodePayload(t, raw); err != nil {
		return fmt.Errorf("invalid %s payload: %w", t, err)
	}

	resp, err := postEvent(ctx, http.DefaultClient, base, workspace, api.EmitRequest{Type: string(t), Data: raw})
	if err != nil {
		return err
	}
	fmt.Printf("%s delivered to %d subscriber(s) of workspace %d\n", resp.Type, resp.Delivered, resp.WorkspaceID)
	return nil
}

func postEvent(ctx context.Context, client *http.Client, base string, workspace int64, req api.EmitRequest) (*api.EmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/workspaces/%d/events", base, workspace)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting event: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusAccepted {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server rejected event (%d): %s: %s", httpResp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("server rejected event: %s", httpResp.Status)
	}

	var out api.EmitResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &out, nil
}
