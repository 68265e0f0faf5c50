package syncagent

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the agent uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a connection to rawURL.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc is the default; tests swap
// in a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

// OverflowPolicy decides what happens when the pending queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued message to make room.
	DropOldest OverflowPolicy = iota
	// RejectNew discards the message being sent.
	RejectNew
)

func (p OverflowPolicy) String() string {
	if p == RejectNew {
		return "reject-new"
	}
	return "drop-oldest"
}

// ParseOverflowPolicy accepts "drop-oldest" and "reject-new". The empty
// string means DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest":
		return DropOldest, nil
	case "reject-new":
		return RejectNew, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q (want drop-oldest or reject-new)", s)
}

const (
	DefaultBaseDelay            = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultQueueLimit           = 1024
	DefaultListenerTimeout      = 5 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
)

// Options configures an Agent. Zero values take the defaults above.
type Options struct {
	BaseDelay            time.Duration
	MaxReconnectAttempts int
	QueueLimit           int
	Overflow             OverflowPolicy
	ListenerTimeout      time.Duration
	WriteTimeout         time.Duration

	Dial      DialFunc
	AfterFunc AfterFunc

	// OnConnect runs after every successful connection, once the pending
	// queue has been flushed. Use it to re-subscribe.
	OnConnect func(*Agent)
	// OnExhausted runs once when the reconnect budget is spent.
	OnExhausted func()
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = DefaultQueueLimit
	}
	if o.ListenerTimeout <= 0 {
		o.ListenerTimeout = DefaultListenerTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Dial == nil {
		o.Dial = WebSocketDialer(websocket.DefaultDialer)
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return o
}

// WebSocketURL rewrites http and https URLs to ws and wss. ws and wss URLs
// are returned unchanged.
func WebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return u.String(), nil
}

// WebSocketDialer adapts a gorilla dialer to DialFunc.
func WebSocketDialer(d *websocket.Dialer) DialFunc {
	return func(ctx context.Context, rawURL string) (Conn, error) {
		wsURL, err := WebSocketURL(rawURL)
		if err != nil {
			return nil, err
		}
		conn, resp, err := d.DialContext(ctx, wsURL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
