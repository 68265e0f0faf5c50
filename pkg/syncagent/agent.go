// Package syncagent is the client side of the realtime channel. An Agent
// keeps one websocket to the broker open, reconnecting with exponential
// backoff, queues outbound control messages while offline and dispatches
// inbound events to listeners registered per event type.
//
//	a := syncagent.New("http://localhost:8080/ws", syncagent.Options{
//		OnConnect: func(a *syncagent.Agent) { a.SubscribeToWorkspace(42) },
//	})
//	stop := a.On(realtime.EventAlertCreated, func(ev realtime.Event) { ... })
//	defer stop()
//	err := a.Connect(ctx)
//
// Subscriptions are not remembered across reconnects. Callers that want them
// restored subscribe again from OnConnect.
package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/rubiojr/netpulse/pkg/realtime"
)

var logger = log.ForService("syncagent")

var (
	// ErrAlreadyConnecting is returned by Connect while a dial is in flight.
	ErrAlreadyConnecting = errors.New("already connecting")
	// ErrDisconnected is returned by Connect when Disconnect was called
	// before the dial finished. The new connection is closed.
	ErrDisconnected = errors.New("disconnected while connecting")
)

// State is the lifecycle state of an Agent.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Exhausted means the reconnect budget ran out. Only an explicit
	// Connect leaves it.
	Exhausted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Listener receives decoded events of the type it was registered for.
type Listener func(realtime.Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Agent is a reconnecting realtime client. It is safe for concurrent use.
type Agent struct {
	url  string
	opts Options

	// wmu serializes socket writes so mu is never held across one.
	wmu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	attempts   int
	timer      Timer
	queue      [][]byte
	generation uint64
	clientID   string

	lmu          sync.RWMutex
	listeners    map[realtime.EventType][]listenerEntry
	nextListener uint64
}

// New creates an Agent for url. Nothing is dialed until Connect.
func New(url string, opts Options) *Agent {
	return &Agent{
		url:       url,
		opts:      opts.withDefaults(),
		listeners: make(map[realtime.EventType][]listenerEntry),
	}
}

// Connect dials the broker. On success any queued messages are flushed in
// order before Connect returns. On failure the error is returned and a
// reconnect is scheduled. Calling Connect while connected is a no-op.
func (a *Agent) Connect(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Connecting:
		a.mu.Unlock()
		return ErrAlreadyConnecting
	case Connected:
		a.mu.Unlock()
		return nil
	case Exhausted:
		a.attempts = 0
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.state = Connecting
	gen := a.generation
	a.mu.Unlock()

	conn, err := a.opts.Dial(ctx, a.url)

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		a.state = Disconnected
		if ctx.Err() == nil {
			a.scheduleReconnectLocked()
		}
		a.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", a.url, err)
	}

	a.conn = conn
	a.state = Connected
	a.attempts = 0
	a.mu.Unlock()

	a.flush()
	logger.Infof("connected to %s", a.url)
	go a.readLoop(conn)

	if a.opts.OnConnect != nil {
		a.opts.OnConnect(a)
	}
	return nil
}

// scheduleReconnectLocked arms the backoff timer, or gives up when the
// attempt budget is spent. The n-th attempt waits BaseDelay * 2^(n-1).
func (a *Agent) scheduleReconnectLocked() {
	if a.attempts >= a.opts.MaxReconnectAttempts {
		a.state = Exhausted
		logger.Errorf("max reconnection attempts (%d) reached, giving up", a.opts.MaxReconnectAttempts)
		if cb := a.opts.OnExhausted; cb != nil {
			go cb()
		}
		return
	}

	a.attempts++
	delay := a.opts.BaseDelay << (a.attempts - 1)
	gen := a.generation
	logger.Infof("reconnecting in %s (attempt %d)", delay, a.attempts)
	a.timer = a.opts.AfterFunc(delay, func() { a.reconnect(gen) })
}

func (a *Agent) reconnect(gen uint64) {
	a.mu.Lock()
	if gen != a.generation || a.state != Disconnected {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()

	if err := a.Connect(context.Background()); err != nil && !errors.Is(err, ErrAlreadyConnecting) {
		logger.Warnf("reconnection failed: %v", err)
	}
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// idempotent. A dial still in flight is discarded when it completes.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	conn := a.conn
	a.conn = nil
	a.clientID = ""
	a.state = Disconnected
	a.attempts = 0
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		logger.Infof("disconnected from %s", a.url)
	}
}

func (a *Agent) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			if a.conn == conn {
				a.conn = nil
				a.clientID = ""
				a.state = Disconnected
				logger.Warnf("connection lost: %v", err)
				a.scheduleReconnectLocked()
			}
			a.mu.Unlock()
			_ = conn.Close()
			return
		}
		a.dispatch(data)
	}
}

// Send queues {type, data, timestamp} for the broker. While connected it is
// written immediately, after anything already pending; otherwise, or when
// the write fails, it waits in the pending queue for the next connection.
func (a *Agent) Send(msgType string, data any) {
	frame, err := realtime.NewControlMessage(msgType, data)
	if err != nil {
		logger.Errorf("dropping %s message: %v", msgType, err)
		return
	}

	a.mu.Lock()
	kept := a.enqueueLocked(frame)
	connected := a.state == Connected
	a.mu.Unlock()
	if !kept {
		logger.Warnf("pending queue full (%d), rejected %s message", a.opts.QueueLimit, msgType)
		return
	}
	if connected {
		a.flush()
	}
}

// enqueueLocked appends frame honoring the overflow policy and reports
// whether it was kept.
func (a *Agent) enqueueLocked(frame []byte) bool {
	if len(a.queue) >= a.opts.QueueLimit {
		if a.opts.Overflow == RejectNew {
			return false
		}
		a.queue[0] = nil
		a.queue = a.queue[1:]
		logger.Warnf("pending queue full (%d), dropped oldest message", a.opts.QueueLimit)
	}
	a.queue = append(a.queue, frame)
	return true
}

// flush writes pending frames in order, stopping at the first failure. The
// head frame is only removed after its write succeeds.
func (a *Agent) flush() {
	a.wmu.Lock()
	defer a.wmu.Unlock()
	for {
		a.mu.Lock()
		if a.state != Connected || a.conn == nil || len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		conn, frame := a.conn, a.queue[0]
		a.mu.Unlock()

		_ = conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, frame)

		a.mu.Lock()
		if err != nil {
			logger.Warnf("write failed, %d message(s) kept pending: %v", len(a.queue), err)
			a.mu.Unlock()
			return
		}
		// Overflow may have dropped the frame while it was being written.
		if len(a.queue) > 0 && sameFrame(a.queue[0], frame) {
			a.queue[0] = nil
			a.queue = a.queue[1:]
		}
		a.mu.Unlock()
	}
}

func sameFrame(a, b []byte) bool {
	return len(a) > 0 && len(a) == len(b) && &a[0] == &b[0]
}

// SubscribeToWorkspace asks the broker for events of workspace.
func (a *Agent) SubscribeToWorkspace(workspace int64) {
	a.Send(realtime.TypeSubscribe, realtime.WorkspaceData{WorkspaceID: workspace})
}

// UnsubscribeFromWorkspace stops events of workspace.
func (a *Agent) UnsubscribeFromWorkspace(workspace int64) {
	a.Send(realtime.TypeUnsubscribe, realtime.WorkspaceData{WorkspaceID: workspace})
}

// Ping sends an application-level ping; the broker answers with a pong.
func (a *Agent) Ping() {
	a.Send(realtime.TypePing, struct{}{})
}

// On registers l for events of type t and returns a function that removes
// it. Several listeners may be registered for the same type; they run in
// registration order.
func (a *Agent) On(t realtime.EventType, l Listener) func() {
	a.lmu.Lock()
	a.nextListener++
	id := a.nextListener
	a.listeners[t] = append(a.listeners[t], listenerEntry{id: id, fn: l})
	a.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.lmu.Lock()
			defer a.lmu.Unlock()
			entries := a.listeners[t]
			for i, e := range entries {
				if e.id == id {
					a.listeners[t] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(a.listeners[t]) == 0 {
				delete(a.listeners, t)
			}
		})
	}
}

func (a *Agent) dispatch(frame []byte) {
	ev, err := realtime.DecodeEvent(frame)
	if err != nil {
		a.handleControlFrame(frame, err)
		return
	}

	a.lmu.RLock()
	entries := append([]listenerEntry(nil), a.listeners[ev.Type]...)
	a.lmu.RUnlock()

	for _, e := range entries {
		a.invoke(ev, e.fn)
	}
}

func (a *Agent) handleControlFrame(frame []byte, decodeErr error) {
	typ, err := realtime.FrameType(frame)
	if err != nil {
		logger.Debugf("dropping unparseable frame: %v", err)
		return
	}
	switch typ {
	case realtime.TypeConnected:
		var m struct {
			ClientID string `json:"clientId"`
		}
		if json.Unmarshal(frame, &m) == nil {
			a.mu.Lock()
			a.clientID = m.ClientID
			a.mu.Unlock()
			logger.Debugf("broker assigned client id %s", m.ClientID)
		}
	case realtime.TypeSubscribed, realtime.TypePong:
		logger.Debugf("received %s", typ)
	case realtime.TypeError:
		logger.Warnf("broker reported error: %s", frame)
	default:
		logger.Debugf("dropping frame: %v", decodeErr)
	}
}

// invoke runs l on its own goroutine so a panic or a stuck listener cannot
// take the read loop down. A listener still running after ListenerTimeout is
// abandoned.
func (a *Agent) invoke(ev realtime.Event, l Listener) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("listener for %s panicked: %v", ev.Type, r)
			}
		}()
		l(ev)
	}()

	t := time.NewTimer(a.opts.ListenerTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		logger.Warnf("listener for %s still running after %s, skipping", ev.Type, a.opts.ListenerTimeout)
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsConnected reports whether the transport is open.
func (a *Agent) IsConnected() bool {
	return a.State() == Connected
}

// Pending returns the number of queued outbound messages.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Attempts returns the number of consecutive reconnect attempts made since
// the last successful connection.
func (a *Agent) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// ClientID returns the id the broker assigned on the current connection, if
// its welcome frame has arrived.
func (a *Agent) ClientID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
}
