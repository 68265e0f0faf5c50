package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Frame types that are not events.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeConnected   = "connected"
	TypeSubscribed  = "subscribed"
	TypeError       = "error"
)

// ControlMessage is a client to broker frame:
// {"type":"subscribe","data":{"workspaceId":42},"timestamp":...}
type ControlMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ParseControlMessage decodes an inbound client frame.
func ParseControlMessage(frame []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("parse control message: %w", err)
	}
	return m, nil
}

// WorkspaceID extracts data.workspaceId. The second result is false unless
// the field is present and a positive integer.
func (m ControlMessage) WorkspaceID() (int64, bool) {
	if len(m.Data) == 0 {
		return 0, false
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &body); err != nil {
		return 0, false
	}
	raw := bytes.TrimSpace(body["workspaceId"])
	// Only a bare JSON integer counts; "42" and 42.0 do not.
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// NewControlMessage builds an outbound client frame stamped with NowMillis.
func NewControlMessage(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", msgType, err)
	}
	return json.Marshal(ControlMessage{Type: msgType, Data: raw, Timestamp: NowMillis()})
}

// WorkspaceData is the data body of subscribe and unsubscribe frames.
type WorkspaceData struct {
	WorkspaceID int64 `json:"workspaceId"`
}

type connectedFrame struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
}

type subscribedFrame struct {
	Type        string `json:"type"`
	WorkspaceID int64  `json:"workspaceId"`
	Timestamp   int64  `json:"timestamp"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ConnectedMessage is the welcome frame sent once after accept.
func ConnectedMessage(clientID string) []byte {
	return mustMarshal(connectedFrame{Type: TypeConnected, ClientID: clientID, Timestamp: NowMillis()})
}

// SubscribedMessage acknowledges a subscribe request.
func SubscribedMessage(workspaceID int64) []byte {
	return mustMarshal(subscribedFrame{Type: TypeSubscribed, WorkspaceID: workspaceID, Timestamp: NowMillis()})
}

// PongMessage answers a ping.
func PongMessage() []byte {
	return mustMarshal(pongFrame{Type: TypePong, Timestamp: NowMillis()})
}

// ErrorMessage reports an unparseable inbound frame.
func ErrorMessage(reason string) []byte {
	return mustMarshal(errorFrame{Type: TypeError, Error: reason})
}

// FrameType peeks at the "type" field of any frame.
func FrameType(frame []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}

// mustMarshal is only used on the fixed frame structs above, which cannot
// fail to encode.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
