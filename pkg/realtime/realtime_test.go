package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func fixedClock(t *testing.T, ms int64) {
	t.Helper()
	orig := NowMillis
	NowMillis = func() int64 { return ms }
	t.Cleanup(func() { NowMillis = orig })
}

func TestEncodeEventWireShape(t *testing.T) {
	fixedClock(t, 1700000000000)

	ev := NewEvent(42, AlertCreated{AlertID: 7, Severity: "critical", Message: "Device offline"})
	frame, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "alert_created" {
		t.Errorf("type = %v", msg["type"])
	}
	if msg["workspaceId"] != float64(42) {
		t.Errorf("workspaceId = %v", msg["workspaceId"])
	}
	if msg["timestamp"] != float64(1700000000000) {
		t.Errorf("timestamp = %v", msg["timestamp"])
	}
	data, ok := msg["data"].(map[string]any)
	if !ok {
		t.Fatalf("data missing: %v", msg)
	}
	if data["alertId"] != float64(7) || data["severity"] != "critical" || data["message"] != "Device offline" {
		t.Errorf("unexpected data: %v", data)
	}
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"device_deleted","workspaceId":1,"data":{"deviceId":1},"timestamp":1}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestDecodeEventRejectsWrongShape(t *testing.T) {
	cases := map[string]string{
		"missing data":   `{"type":"member_left","workspaceId":1,"timestamp":1}`,
		"null data":      `{"type":"member_left","workspaceId":1,"data":null,"timestamp":1}`,
		"bad status":     `{"type":"device_status_changed","workspaceId":1,"data":{"deviceId":3,"status":"melting"},"timestamp":1}`,
		"zero id":        `{"type":"alert_updated","workspaceId":1,"data":{"alertId":0,"status":"resolved"},"timestamp":1}`,
		"wrong type":     `{"type":"agent_heartbeat","workspaceId":1,"data":{"agentId":"x","status":"online"},"timestamp":1}`,
		"not json":       `{"type":`,
		"missing role":   `{"type":"member_joined","workspaceId":1,"data":{"userId":3},"timestamp":1}`,
		"missing status": `{"type":"network_status_changed","workspaceId":1,"data":{"networkId":3},"timestamp":1}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeEvent([]byte(frame)); err == nil {
				t.Fatalf("expected error for %s", frame)
			}
		})
	}
}

func TestDecodeEventIgnoresUnknownFields(t *testing.T) {
	frame := `{"type":"alert_created","workspaceId":42,"data":{"alertId":7,"severity":"critical","message":"Device offline","deviceId":3},"timestamp":1}`
	ev, err := DecodeEvent([]byte(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	alert, ok := ev.Payload.(AlertCreated)
	if !ok || alert.AlertID != 7 || alert.Message != "Device offline" {
		t.Errorf("payload = %+v", ev.Payload)
	}

	// Producers still get strict checking.
	data := `{"alertId":7,"severity":"critical","message":"Device offline","deviceId":3}`
	if _, err := DecodePayload(EventAlertCreated, []byte(data)); err == nil {
		t.Error("DecodePayload should reject unknown fields")
	}
}

func TestDecodeEventPayloadVariants(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payloads := []Payload{
		DeviceStatusChanged{DeviceID: 1, Status: StatusOffline, ChangedAt: now},
		AlertCreated{AlertID: 2, Severity: "warning", Message: "high latency", CreatedAt: now},
		AlertUpdated{AlertID: 2, Status: "acknowledged", UpdatedAt: now},
		NetworkStatusChanged{NetworkID: 3, Status: StatusIdle, ChangedAt: now},
		AgentHeartbeat{AgentID: 4, Status: AgentError, Timestamp: now.UnixMilli()},
		MemberJoined{UserID: 5, Role: "viewer", JoinedAt: now},
		MemberLeft{UserID: 5, LeftAt: now},
	}
	if len(payloads) != len(EventTypes()) {
		t.Fatalf("test does not cover every event type")
	}

	for _, p := range payloads {
		frame, err := EncodeEvent(NewEvent(9, p))
		if err != nil {
			t.Fatalf("encode %s: %v", p.EventType(), err)
		}
		ev, err := DecodeEvent(frame)
		if err != nil {
			t.Fatalf("decode %s: %v", p.EventType(), err)
		}
		if ev.Type != p.EventType() || ev.WorkspaceID != 9 {
			t.Errorf("%s: got type %s workspace %d", p.EventType(), ev.Type, ev.WorkspaceID)
		}
		if ev.Payload.EventType() != p.EventType() {
			t.Errorf("%s: payload decoded as %T", p.EventType(), ev.Payload)
		}
	}
}

func TestEncodeEventValidation(t *testing.T) {
	if _, err := EncodeEvent(Event{WorkspaceID: 1}); err == nil {
		t.Error("expected error for nil payload")
	}
	if _, err := EncodeEvent(NewEvent(0, MemberLeft{UserID: 1})); err == nil {
		t.Error("expected error for workspace 0")
	}
	mismatched := Event{Type: EventAlertCreated, WorkspaceID: 1, Payload: MemberLeft{UserID: 1}}
	if _, err := EncodeEvent(mismatched); err == nil {
		t.Error("expected error for mismatched type")
	}
}

func TestParseEventType(t *testing.T) {
	for _, et := range EventTypes() {
		got, err := ParseEventType(string(et))
		if err != nil || got != et {
			t.Errorf("ParseEventType(%q) = %q, %v", et, got, err)
		}
	}
	if _, err := ParseEventType("connected"); !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType for control frame type, got %v", err)
	}
}

func TestControlMessageWorkspaceID(t *testing.T) {
	cases := []struct {
		frame string
		want  int64
		ok    bool
	}{
		{`{"type":"subscribe","data":{"workspaceId":42}}`, 42, true},
		{`{"type":"subscribe","data":{"workspaceId":0}}`, 0, false},
		{`{"type":"subscribe","data":{"workspaceId":-3}}`, 0, false},
		{`{"type":"subscribe","data":{"workspaceId":1.5}}`, 0, false},
		{`{"type":"subscribe","data":{"workspaceId":"42"}}`, 0, false},
		{`{"type":"subscribe","data":{"workspaceId":4e1}}`, 0, false},
		{`{"type":"subscribe","data":{"workspaceId":null}}`, 0, false},
		{`{"type":"subscribe","data":{"workspaceId": 42 }}`, 42, true},
		{`{"type":"subscribe","data":{}}`, 0, false},
		{`{"type":"subscribe"}`, 0, false},
		{`{"type":"subscribe","data":[1]}`, 0, false},
	}
	for _, tc := range cases {
		m, err := ParseControlMessage([]byte(tc.frame))
		if err != nil {
			t.Fatalf("parse %s: %v", tc.frame, err)
		}
		got, ok := m.WorkspaceID()
		if got != tc.want || ok != tc.ok {
			t.Errorf("%s: got (%d, %v), want (%d, %v)", tc.frame, got, ok, tc.want, tc.ok)
		}
	}
}

func TestServerFrames(t *testing.T) {
	fixedClock(t, 99)

	var connected map[string]any
	if err := json.Unmarshal(ConnectedMessage("abc"), &connected); err != nil {
		t.Fatal(err)
	}
	if connected["type"] != TypeConnected || connected["clientId"] != "abc" || connected["timestamp"] != float64(99) {
		t.Errorf("connected frame = %v", connected)
	}

	var errFrame map[string]any
	if err := json.Unmarshal(ErrorMessage("Invalid message format"), &errFrame); err != nil {
		t.Fatal(err)
	}
	if errFrame["type"] != TypeError || errFrame["error"] != "Invalid message format" {
		t.Errorf("error frame = %v", errFrame)
	}

	typ, err := FrameType(SubscribedMessage(42))
	if err != nil || typ != TypeSubscribed {
		t.Errorf("FrameType(subscribed) = %q, %v", typ, err)
	}
}
