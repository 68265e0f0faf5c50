// Package broker accepts dashboard websocket connections, tracks which
// workspaces each connection follows and fans events out to them.
//
// A Broker is built explicitly and handed to whoever needs to emit:
//
//	b := broker.New(broker.Options{})
//	mux.Handle("GET /ws", b)
//	b.Emit(42, realtime.AlertCreated{AlertID: 7, Severity: "critical"})
//
// Delivery is best effort and at most once. A connection that is too slow to
// drain its send buffer is closed; nothing is replayed on reconnect.
package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/rubiojr/netpulse/pkg/realtime"
)

var logger = log.ForService("broker")

const invalidFormat = "Invalid message format"

// PrincipalFunc extracts the authenticated user id from an upgrade request.
// The session layer in front of the broker is responsible for populating it;
// 0 means system.
type PrincipalFunc func(r *http.Request) int64

// Options tunes a Broker. Zero values pick the defaults below.
type Options struct {
	// SendBuffer is the number of frames queued per connection before it is
	// considered a slow consumer. Default 64.
	SendBuffer int
	// WriteTimeout bounds each websocket write. Default 10s.
	WriteTimeout time.Duration
	// PongTimeout is how long a connection may stay silent before it is
	// dropped. Pings go out at 90% of it. Default 60s.
	PongTimeout time.Duration
	// MaxMessageSize caps inbound frames. Default 64KiB.
	MaxMessageSize int64
	// CheckOrigin is passed to the websocket upgrader. Default allows all.
	CheckOrigin func(r *http.Request) bool
	// Principal extracts the user behind a connection. Default returns 0.
	Principal PrincipalFunc
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if o.Principal == nil {
		o.Principal = func(*http.Request) int64 { return 0 }
	}
	return o
}

// Broker routes client control messages and fans events out to subscribers.
type Broker struct {
	opts     Options
	registry *Registry
	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Broker with an empty registry.
func New(opts Options) *Broker {
	opts = opts.withDefaults()
	return &Broker{
		opts:     opts,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// Registry exposes the connection registry backing b.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// HandleMessage routes one inbound frame from connection id.
func (b *Broker) HandleMessage(id ConnectionID, raw []byte) {
	peer, ok := b.registry.Peer(id)
	if !ok {
		logger.Debugf("message from unknown connection %s ignored", id)
		return
	}

	msg, err := realtime.ParseControlMessage(raw)
	if err != nil {
		logger.Debugf("connection %s: %v", id, err)
		b.reply(id, peer, realtime.ErrorMessage(invalidFormat))
		return
	}

	switch msg.Type {
	case realtime.TypeSubscribe:
		ws, ok := msg.WorkspaceID()
		if !ok {
			return
		}
		added, err := b.registry.Subscribe(id, ws)
		if err != nil {
			logger.Debugf("connection %s: subscribe %d: %v", id, ws, err)
			return
		}
		if added {
			logger.Debugf("connection %s subscribed to workspace %d", id, ws)
		}
	case realtime.TypeUnsubscribe:
		ws, ok := msg.WorkspaceID()
		if !ok {
			return
		}
		if err := b.registry.Unsubscribe(id, ws); err != nil {
			logger.Debugf("connection %s: unsubscribe %d: %v", id, ws, err)
			return
		}
		logger.Debugf("connection %s unsubscribed from workspace %d", id, ws)
	case realtime.TypePing:
		b.reply(id, peer, realtime.PongMessage())
	default:
		logger.Warnf("connection %s: unknown message type %q", id, msg.Type)
	}
}

func (b *Broker) reply(id ConnectionID, peer Peer, frame []byte) {
	if err := peer.Send(frame); err != nil {
		logger.Debugf("connection %s: reply failed: %v", id, err)
	}
}

// Emit builds an event for workspace from p and delivers it. It returns the
// number of subscribers the frame was handed to.
func (b *Broker) Emit(workspace int64, p realtime.Payload) int {
	return b.EmitEvent(realtime.NewEvent(workspace, p))
}

// EmitEvent delivers ev to every subscriber of its workspace. The frame is
// encoded once. Failures on individual connections are logged and never
// stop delivery to the others.
func (b *Broker) EmitEvent(ev realtime.Event) int {
	subs := b.registry.Subscribers(ev.WorkspaceID)
	if len(subs) == 0 {
		return 0
	}

	frame, err := realtime.EncodeEvent(ev)
	if err != nil {
		logger.Errorf("dropping %s event for workspace %d: %v", ev.Type, ev.WorkspaceID, err)
		return 0
	}

	delivered := 0
	for _, s := range subs {
		if err := s.Peer.Send(frame); err != nil {
			logger.Warnf("connection %s: failed to deliver %s: %v", s.ID, ev.Type, err)
			continue
		}
		delivered++
	}
	logger.Debugf("%s to workspace %d delivered to %d/%d subscribers", ev.Type, ev.WorkspaceID, delivered, len(subs))
	return delivered
}

// SubscriberCount returns how many connections follow workspace.
func (b *Broker) SubscriberCount(workspace int64) int {
	return b.registry.SubscriberCount(workspace)
}

// ConnectionCount returns the number of live connections.
func (b *Broker) ConnectionCount() int {
	return b.registry.ConnectionCount()
}

// Stats returns a snapshot of the registry.
func (b *Broker) Stats() Stats {
	return b.registry.Snapshot()
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	b.wg.Add(2)
	b.mu.Unlock()

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger.Debugf("websocket upgrade failed: %v", err)
		b.wg.Add(-2)
		return
	}

	c := newWSConn(ws, b.opts)
	id := b.registry.Register(c, b.opts.Principal(r))
	logger.Infof("client %s connected from %s", id, r.RemoteAddr)

	b.mu.Lock()
	if b.closed {
		_ = c.Close()
	}
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer b.wg.Done()
		b.readLoop(id, c)
	}()
}

func (b *Broker) readLoop(id ConnectionID, c *wsConn) {
	defer func() {
		if b.registry.Deregister(id) {
			logger.Infof("client %s disconnected", id)
		}
		_ = c.Close()
	}()

	c.prepareRead()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("client %s read error: %v", id, err)
			}
			return
		}
		b.HandleMessage(id, data)
	}
}

// Shutdown closes every live connection and waits for their goroutines to
// finish. New upgrade requests are refused afterwards.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	for _, p := range b.registry.peers() {
		_ = p.Close()
	}
	b.wg.Wait()
}
