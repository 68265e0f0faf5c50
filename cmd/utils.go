package cmd

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rubiojr/netpulse/pkg/broker"
	"github.com/rubiojr/netpulse/pkg/config"
	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/rubiojr/netpulse/pkg/syncagent"
)

// applyLogConfig sets debug logging from the [log] section. The --debug flag
// wins over a config that turns debug off.
func applyLogConfig(cfg *config.Config, debugFlag bool) {
	log.ApplyDebug(debugFlag || cfg.Log.Debug, cfg.Log.DebugServices)
}

func brokerOptions(cfg *config.Config) broker.Options {
	return broker.Options{
		SendBuffer:     cfg.Broker.SendBuffer,
		WriteTimeout:   cfg.Broker.WriteTimeout.Duration,
		PongTimeout:    cfg.Broker.PongTimeout.Duration,
		MaxMessageSize: cfg.Broker.MaxMessageSize,
	}
}

func agentOptions(cfg *config.Config) (syncagent.Options, error) {
	overflow, err := syncagent.ParseOverflowPolicy(cfg.Client.Overflow)
	if err != nil {
		return syncagent.Options{}, err
	}
	return syncagent.Options{
		BaseDelay:            cfg.Client.BaseDelay.Duration,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		QueueLimit:           cfg.Client.QueueLimit,
		Overflow:             overflow,
		ListenerTimeout:      cfg.Client.ListenerTimeout.Duration,
	}, nil
}

// apiBaseURL derives the HTTP API root from a websocket or HTTP endpoint
// such as the configured client URL.
func apiBaseURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, endpoint)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", endpoint)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
