// Package realtime defines the events fanned out to dashboard clients and the
// JSON wire protocol spoken between the broker and the sync agent.
//
// Events are a closed set. Each EventType has exactly one payload struct, and
// decoding rejects unknown tags instead of passing arbitrary maps through:
//
//	ev := realtime.NewEvent(42, realtime.AlertCreated{AlertID: 7, Severity: "critical"})
//	frame, err := realtime.EncodeEvent(ev)
//
// Nothing here is persisted. An event lives for one fan-out and is gone.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType tags a state-change event.
type EventType string

const (
	EventDeviceStatusChanged  EventType = "device_status_changed"
	EventAlertCreated         EventType = "alert_created"
	EventAlertUpdated         EventType = "alert_updated"
	EventNetworkStatusChanged EventType = "network_status_changed"
	EventAgentHeartbeat       EventType = "agent_heartbeat"
	EventMemberJoined         EventType = "member_joined"
	EventMemberLeft           EventType = "member_left"
)

var eventTypes = []EventType{
	EventDeviceStatusChanged,
	EventAlertCreated,
	EventAlertUpdated,
	EventNetworkStatusChanged,
	EventAgentHeartbeat,
	EventMemberJoined,
	EventMemberLeft,
}

// ErrUnknownEventType is returned when a tag outside the enumeration is seen.
var ErrUnknownEventType = errors.New("unknown event type")

// EventTypes returns every known event type in declaration order.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

// Valid reports whether t is one of the enumerated event types.
func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEventType converts s into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// NowMillis returns the current time in milliseconds since the epoch.
// Tests replace it to get deterministic timestamps.
var NowMillis = func() int64 {
	return time.Now().UnixMilli()
}

// Payload is implemented by the per-type event bodies.
type Payload interface {
	EventType() EventType
	Validate() error
}

// Event is one workspace-scoped fact to be delivered.
type Event struct {
	Type        EventType
	WorkspaceID int64
	Payload     Payload
	Timestamp   int64
}

// NewEvent builds an event for workspaceID stamped with the current time.
func NewEvent(workspaceID int64, p Payload) Event {
	ev := Event{WorkspaceID: workspaceID, Payload: p, Timestamp: NowMillis()}
	if p != nil {
		ev.Type = p.EventType()
	}
	return ev
}

type wireEvent struct {
	Type        EventType       `json:"type"`
	WorkspaceID int64           `json:"workspaceId"`
	Data        json.RawMessage `json:"data"`
	Timestamp   int64           `json:"timestamp"`
}

// EncodeEvent serializes ev as
// {"type":...,"workspaceId":...,"data":{...},"timestamp":...}.
func EncodeEvent(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, errors.New("encode event: nil payload")
	}
	if ev.Type == "" {
		ev.Type = ev.Payload.EventType()
	}
	if ev.Type != ev.Payload.EventType() {
		return nil, fmt.Errorf("encode event: type %q does not match payload %q", ev.Type, ev.Payload.EventType())
	}
	if ev.WorkspaceID <= 0 {
		return nil, fmt.Errorf("encode event: invalid workspace id %d", ev.WorkspaceID)
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return json.Marshal(wireEvent{
		Type:        ev.Type,
		WorkspaceID: ev.WorkspaceID,
		Data:        data,
		Timestamp:   ev.Timestamp,
	})
}

// DecodeEvent parses a broadcast frame. Unknown tags yield ErrUnknownEventType
// and payloads that do not match their tag's shape are rejected. Fields the
// payload struct does not know are ignored so newer brokers can add them.
func DecodeEvent(frame []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(frame, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	p, err := decodePayload(w.Type, w.Data, false)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:        w.Type,
		WorkspaceID: w.WorkspaceID,
		Payload:     p,
		Timestamp:   w.Timestamp,
	}, nil
}

// DecodePayload decodes data into the payload struct registered for t,
// rejecting unknown fields. Used for input accepted from producers.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	return decodePayload(t, data, true)
}

func decodePayload(t EventType, data []byte, strict bool) (Payload, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("decode %s: missing data", t)
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case EventDeviceStatusChanged:
		var v DeviceStatusChanged
		err = decodeJSON(trimmed, &v, strict)
		p = v
	case EventAlertCreated:
		var v AlertCreated
		err = decodeJSON(trimmed, &v, strict)
		p = v
	case EventAlertUpdated:
		var v AlertUpdated
		err = decodeJSON(trimmed, &v, strict)
		p = v
	case EventNetworkStatusChanged:
		var v NetworkStatusChanged
		err = decodeJSON(trimmed, &v, strict)
		p = v
	case EventAgentHeartbeat:
		var v AgentHeartbeat
		err = decodeJSON(trimmed, &v, strict)
		p = v
	case EventMemberJoined:
		var v MemberJoined
		err = decodeJSON(trimmed, &v, strict)
		p = v
	case EventMemberLeft:
		var v MemberLeft
		err = decodeJSON(trimmed, &v, strict)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return p, nil
}

func decodeJSON(data []byte, v any, strict bool) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if strict {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}
