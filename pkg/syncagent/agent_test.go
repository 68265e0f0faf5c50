package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rubiojr/netpulse/pkg/realtime"
)

var errConnClosed = errors.New("fake connection closed")

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	// gate, when set, holds every write until it is closed.
	gate    chan struct{}
	writing chan struct{}

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return 1, f, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	gate, writing := c.gate, c.writing
	c.mu.Unlock()
	if gate != nil {
		select {
		case writing <- struct{}{}:
		default:
		}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frames returns the control messages written so far.
func (c *fakeConn) frames(t *testing.T) []realtime.ControlMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.ControlMessage, 0, len(c.written))
	for _, w := range c.written {
		m, err := realtime.ParseControlMessage(w)
		if err != nil {
			t.Fatalf("agent wrote invalid frame %q: %v", w, err)
		}
		out = append(out, m)
	}
	return out
}

type fakeTimer struct {
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// manualClock records scheduled reconnects; tests fire them explicitly.
type manualClock struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{}
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// fireLast runs the most recently scheduled callback unless it was stopped.
func (c *manualClock) fireLast(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	if len(c.fns) == 0 {
		c.mu.Unlock()
		t.Fatal("nothing scheduled")
	}
	f := c.fns[len(c.fns)-1]
	timer := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	if timer.stopped.Load() {
		return
	}
	f()
}

type dialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	calls int
}

func (d *dialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *dialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *dialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackoffSchedule(t *testing.T) {
	clock := &manualClock{}
	d := &dialer{err: errors.New("connection refused")}
	exhausted := make(chan struct{})
	a := New("http://example.test/ws", Options{
		Dial:        d.Dial,
		AfterFunc:   clock.AfterFunc,
		OnExhausted: func() { close(exhausted) },
	})

	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	for i := 0; i < 5; i++ {
		clock.fireLast(t)
	}

	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 4000 * time.Millisecond, 8000 * time.Millisecond, 16000 * time.Millisecond}
	got := clock.scheduled()
	if len(got) != len(want) {
		t.Fatalf("scheduled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d delay = %s, want %s", i+1, got[i], want[i])
		}
	}

	select {
	case <-exhausted:
	case <-time.After(time.Second):
		t.Fatal("OnExhausted not called")
	}
	if a.State() != Exhausted {
		t.Errorf("state = %s, want exhausted", a.State())
	}
	if d.calls != 6 {
		t.Errorf("dialed %d times, want initial + 5 retries", d.calls)
	}

	// An explicit Connect starts over with a fresh budget.
	d.setErr(nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect after exhaustion: %v", err)
	}
	if !a.IsConnected() || a.Attempts() != 0 {
		t.Errorf("state=%s attempts=%d after recovery", a.State(), a.Attempts())
	}
	a.Disconnect()
}

func TestQueueFlushedInOrderBeforeNewMessages(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{
		Dial:      d.Dial,
		AfterFunc: (&manualClock{}).AfterFunc,
		OnConnect: func(ag *Agent) { ag.Ping() },
	})
	defer a.Disconnect()

	a.SubscribeToWorkspace(1)
	a.SubscribeToWorkspace(2)
	a.UnsubscribeFromWorkspace(1)
	if a.Pending() != 3 {
		t.Fatalf("pending = %d", a.Pending())
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.SubscribeToWorkspace(3)

	frames := d.last().frames(t)
	wantTypes := []string{"subscribe", "subscribe", "unsubscribe", "ping", "subscribe"}
	wantWS := []int64{1, 2, 1, 0, 3}
	if len(frames) != len(wantTypes) {
		t.Fatalf("wrote %d frames, want %d", len(frames), len(wantTypes))
	}
	for i, f := range frames {
		if f.Type != wantTypes[i] {
			t.Errorf("frame %d type = %s, want %s", i, f.Type, wantTypes[i])
		}
		if ws, _ := f.WorkspaceID(); ws != wantWS[i] {
			t.Errorf("frame %d workspace = %d, want %d", i, ws, wantWS[i])
		}
		if f.Timestamp == 0 {
			t.Errorf("frame %d has no timestamp", i)
		}
	}
	if a.Pending() != 0 {
		t.Errorf("pending = %d after flush", a.Pending())
	}
}

func TestQueueOverflow(t *testing.T) {
	for _, tc := range []struct {
		policy OverflowPolicy
		want   []int64
	}{
		{DropOldest, []int64{2, 3}},
		{RejectNew, []int64{1, 2}},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			d := &dialer{}
			a := New("http://example.test/ws", Options{
				Dial:       d.Dial,
				AfterFunc:  (&manualClock{}).AfterFunc,
				QueueLimit: 2,
				Overflow:   tc.policy,
			})
			defer a.Disconnect()

			for ws := int64(1); ws <= 3; ws++ {
				a.SubscribeToWorkspace(ws)
			}
			if a.Pending() != 2 {
				t.Fatalf("pending = %d", a.Pending())
			}
			if err := a.Connect(context.Background()); err != nil {
				t.Fatal(err)
			}
			frames := d.last().frames(t)
			if len(frames) != 2 {
				t.Fatalf("wrote %d frames", len(frames))
			}
			for i, f := range frames {
				if ws, _ := f.WorkspaceID(); ws != tc.want[i] {
					t.Errorf("frame %d workspace = %d, want %d", i, ws, tc.want[i])
				}
			}
		})
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	if p, err := ParseOverflowPolicy(""); err != nil || p != DropOldest {
		t.Errorf("empty: %v, %v", p, err)
	}
	if p, err := ParseOverflowPolicy("reject-new"); err != nil || p != RejectNew {
		t.Errorf("reject-new: %v, %v", p, err)
	}
	if _, err := ParseOverflowPolicy("block"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestFailedWriteKeepsMessageQueued(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{Dial: d.Dial, AfterFunc: (&manualClock{}).AfterFunc})
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := d.last()
	c.mu.Lock()
	c.writeErr = errors.New("broken pipe")
	c.mu.Unlock()

	a.SubscribeToWorkspace(9)
	if a.Pending() != 1 {
		t.Errorf("pending = %d, failed write should stay queued", a.Pending())
	}
}

func TestConnectWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	conn := newFakeConn()
	a := New("http://example.test/ws", Options{
		AfterFunc: (&manualClock{}).AfterFunc,
		Dial: func(ctx context.Context, _ string) (Conn, error) {
			close(entered)
			<-release
			return conn, nil
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- a.Connect(context.Background()) }()
	<-entered

	if err := a.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("second connect: %v", err)
	}
	if a.State() != Connecting {
		t.Errorf("state = %s", a.State())
	}

	// Disconnect while the dial is in flight: the late connection is closed.
	a.Disconnect()
	close(release)
	if err := <-errc; !errors.Is(err, ErrDisconnected) {
		t.Errorf("stale connect returned %v", err)
	}
	if !conn.isClosed() {
		t.Error("stale connection was not closed")
	}
	if a.State() != Disconnected {
		t.Errorf("state = %s after stale dial", a.State())
	}
}

func TestConnectWhenConnectedIsNoop(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{Dial: d.Dial, AfterFunc: (&manualClock{}).AfterFunc})
	defer a.Disconnect()

	for i := 0; i < 2; i++ {
		if err := a.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if d.calls != 1 {
		t.Errorf("dialed %d times", d.calls)
	}
}

func TestConnectionDropSchedulesReconnect(t *testing.T) {
	clock := &manualClock{}
	d := &dialer{}
	connects := 0
	a := New("http://example.test/ws", Options{
		Dial:      d.Dial,
		AfterFunc: clock.AfterFunc,
		OnConnect: func(*Agent) { connects++ },
	})
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = d.last().Close()

	waitFor(t, "reconnect to be scheduled", func() bool { return len(clock.scheduled()) == 1 })
	if a.State() != Disconnected {
		t.Errorf("state = %s", a.State())
	}
	if got := clock.scheduled()[0]; got != time.Second {
		t.Errorf("first delay = %s", got)
	}

	clock.fireLast(t)
	if !a.IsConnected() {
		t.Fatalf("state = %s after reconnect", a.State())
	}
	if connects != 2 {
		t.Errorf("OnConnect ran %d times", connects)
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	clock := &manualClock{}
	d := &dialer{err: errors.New("refused")}
	a := New("http://example.test/ws", Options{Dial: d.Dial, AfterFunc: clock.AfterFunc})

	_ = a.Connect(context.Background())
	a.Disconnect()
	a.Disconnect()

	clock.mu.Lock()
	stopped := clock.timers[0].stopped.Load()
	clock.mu.Unlock()
	if !stopped {
		t.Error("pending reconnect timer was not stopped")
	}
	// Even if the timer fired anyway, the stale callback must not dial.
	clock.mu.Lock()
	f := clock.fns[0]
	clock.mu.Unlock()
	f()
	if d.calls != 1 {
		t.Errorf("dialed %d times after Disconnect", d.calls)
	}
}

func eventFrame(t *testing.T, ws int64, p realtime.Payload) []byte {
	t.Helper()
	f, err := realtime.EncodeEvent(realtime.NewEvent(ws, p))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestListenerDispatch(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{
		Dial:            d.Dial,
		AfterFunc:       (&manualClock{}).AfterFunc,
		ListenerTimeout: 50 * time.Millisecond,
	})
	defer a.Disconnect()

	var (
		mu       sync.Mutex
		received []string
	)
	record := func(name string) Listener {
		return func(ev realtime.Event) {
			mu.Lock()
			received = append(received, name)
			mu.Unlock()
		}
	}

	block := make(chan struct{})
	defer close(block)
	a.On(realtime.EventAlertCreated, func(realtime.Event) { panic("boom") })
	a.On(realtime.EventAlertCreated, func(realtime.Event) { <-block })
	a.On(realtime.EventAlertCreated, record("first"))
	stop := a.On(realtime.EventAlertCreated, record("removed"))
	a.On(realtime.EventMemberLeft, record("other"))
	stop()
	stop()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := d.last()
	c.in <- realtime.ConnectedMessage("client-1")
	c.in <- []byte(`{"type":"alert_created","workspaceId":1,"data":{"bogus":true},"timestamp":1}`)
	c.in <- []byte(`{"type":"device_deleted","workspaceId":1,"data":{},"timestamp":1}`)
	c.in <- []byte(`not json`)
	c.in <- eventFrame(t, 1, realtime.AlertCreated{AlertID: 7, Severity: "critical", Message: "Device offline"})

	waitFor(t, "listener to run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	})
	mu.Lock()
	got := append([]string(nil), received...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("received = %v", got)
	}
	if a.ClientID() != "client-1" {
		t.Errorf("ClientID = %q", a.ClientID())
	}
}

func TestListenerReceivesEventWithExtraFields(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{Dial: d.Dial, AfterFunc: (&manualClock{}).AfterFunc})
	defer a.Disconnect()

	got := make(chan realtime.Event, 1)
	a.On(realtime.EventAlertCreated, func(ev realtime.Event) { got <- ev })
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.last().in <- []byte(`{"type":"alert_created","workspaceId":42,"data":{"alertId":7,"severity":"critical","message":"Device offline","deviceId":3,"acknowledged":false},"timestamp":5}`)

	select {
	case ev := <-got:
		alert, ok := ev.Payload.(realtime.AlertCreated)
		if !ok || ev.WorkspaceID != 42 || alert.AlertID != 7 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not receive an event carrying extra fields")
	}
}

func TestSlowWriteDoesNotBlockAccessors(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{Dial: d.Dial, AfterFunc: (&manualClock{}).AfterFunc})
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	c := d.last()
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.writing = make(chan struct{}, 1)
	c.mu.Unlock()

	go a.Ping()
	select {
	case <-c.writing:
	case <-time.After(2 * time.Second):
		t.Fatal("write never started")
	}

	c.in <- realtime.ConnectedMessage("client-9")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for a.ClientID() != "client-9" {
			time.Sleep(5 * time.Millisecond)
		}
		_ = a.State()
		_ = a.Pending()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("accessors blocked behind a pending write")
	}

	close(gate)
	waitFor(t, "ping to be written", func() bool { return a.Pending() == 0 && len(c.frames(t)) == 1 })
}

func TestSendWritesTimestampedFrame(t *testing.T) {
	d := &dialer{}
	a := New("http://example.test/ws", Options{Dial: d.Dial, AfterFunc: (&manualClock{}).AfterFunc})
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	before := time.Now().UnixMilli()
	a.Send("custom", map[string]any{"k": "v"})

	frames := d.last().frames(t)
	if len(frames) != 1 || frames[0].Type != "custom" || frames[0].Timestamp < before {
		t.Fatalf("frames = %+v", frames)
	}
	var data map[string]string
	if err := json.Unmarshal(frames[0].Data, &data); err != nil || data["k"] != "v" {
		t.Errorf("data = %s", frames[0].Data)
	}
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/ws":   "ws://localhost:8080/ws",
		"https://example.com/ws?x=1": "wss://example.com/ws?x=1",
		"ws://already/ws":            "ws://already/ws",
	}
	for in, want := range cases {
		got, err := WebSocketURL(in)
		if err != nil || got != want {
			t.Errorf("WebSocketURL(%q) = %q, %v", in, got, err)
		}
	}
	for _, bad := range []string{"ftp://host/ws", "http:///ws", "::"} {
		if _, err := WebSocketURL(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
