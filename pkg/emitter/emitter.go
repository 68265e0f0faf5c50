// Package emitter is the API the rest of the system uses to announce state
// changes. Each call fans the event out through the broker and, for the event
// types that belong in the audit trail, records an activity entry in the
// background.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/netpulse/pkg/activity"
	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/rubiojr/netpulse/pkg/realtime"
)

var logger = log.ForService("emitter")

// DefaultAuditTimeout bounds each background audit write.
const DefaultAuditTimeout = 5 * time.Second

// Broadcaster delivers an event to a workspace's subscribers.
type Broadcaster interface {
	Emit(workspace int64, p realtime.Payload) int
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e activity.Entry) error
}

// Emitter pairs a Broadcaster with an optional Recorder.
type Emitter struct {
	broadcaster  Broadcaster
	recorder     Recorder
	auditTimeout time.Duration
	now          func() time.Time

	wg sync.WaitGroup
}

// New returns an Emitter. rec may be nil to disable auditing.
func New(b Broadcaster, rec Recorder) *Emitter {
	return &Emitter{
		broadcaster:  b,
		recorder:     rec,
		auditTimeout: DefaultAuditTimeout,
		now:          time.Now,
	}
}

// Dispatch validates p, emits it to workspace and schedules its audit entry.
// It returns the number of subscribers reached. Audit failures are logged,
// never returned.
func (e *Emitter) Dispatch(workspace int64, p realtime.Payload) (int, error) {
	if workspace <= 0 {
		return 0, fmt.Errorf("invalid workspace id %d", workspace)
	}
	if p == nil {
		return 0, fmt.Errorf("nil payload")
	}
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("%s: %w", p.EventType(), err)
	}

	n := e.broadcaster.Emit(workspace, p)

	if entry, ok := auditEntry(workspace, p); ok && e.recorder != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.auditTimeout)
			defer cancel()
			if err := e.recorder.Record(ctx, entry); err != nil {
				logger.Errorf("failed to record %s for workspace %d: %v", entry.Action, workspace, err)
			}
		}()
	}
	return n, nil
}

// Close waits for in-flight audit writes or until ctx is done.
func (e *Emitter) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) EmitDeviceStatusChange(workspace, deviceID int64, status realtime.Status) (int, error) {
	return e.Dispatch(workspace, realtime.DeviceStatusChanged{DeviceID: deviceID, Status: status, ChangedAt: e.now()})
}

func (e *Emitter) EmitAlertCreated(workspace, alertID int64, severity, message string) (int, error) {
	return e.Dispatch(workspace, realtime.AlertCreated{AlertID: alertID, Severity: severity, Message: message, CreatedAt: e.now()})
}

func (e *Emitter) EmitAlertUpdated(workspace, alertID int64, status string) (int, error) {
	return e.Dispatch(workspace, realtime.AlertUpdated{AlertID: alertID, Status: status, UpdatedAt: e.now()})
}

func (e *Emitter) EmitNetworkStatusChange(workspace, networkID int64, status realtime.Status) (int, error) {
	return e.Dispatch(workspace, realtime.NetworkStatusChanged{NetworkID: networkID, Status: status, ChangedAt: e.now()})
}

func (e *Emitter) EmitAgentHeartbeat(workspace, agentID int64, status realtime.AgentStatus) (int, error) {
	return e.Dispatch(workspace, realtime.AgentHeartbeat{AgentID: agentID, Status: status, Timestamp: e.now().UnixMilli()})
}

func (e *Emitter) EmitMemberJoined(workspace, userID int64, role string) (int, error) {
	return e.Dispatch(workspace, realtime.MemberJoined{UserID: userID, Role: role, JoinedAt: e.now()})
}

func (e *Emitter) EmitMemberLeft(workspace, userID int64) (int, error) {
	return e.Dispatch(workspace, realtime.MemberLeft{UserID: userID, LeftAt: e.now()})
}

// auditEntry maps an event to its audit record. Network status changes and
// heartbeats are not audited.
func auditEntry(workspace int64, p realtime.Payload) (activity.Entry, bool) {
	entry := activity.Entry{
		WorkspaceID: workspace,
		Action:      string(p.EventType()),
	}
	switch v := p.(type) {
	case realtime.DeviceStatusChanged:
		entry.ResourceType = "device"
		entry.ResourceID = v.DeviceID
		entry.Details = details(map[string]any{"status": v.Status})
	case realtime.AlertCreated:
		entry.ResourceType = "alert"
		entry.ResourceID = v.AlertID
		entry.Details = details(map[string]any{"severity": v.Severity, "message": v.Message})
	case realtime.AlertUpdated:
		entry.ResourceType = "alert"
		entry.ResourceID = v.AlertID
		entry.Details = details(map[string]any{"status": v.Status})
	case realtime.MemberJoined:
		entry.UserID = v.UserID
		entry.ResourceType = "workspace"
		entry.ResourceID = workspace
		entry.Details = details(map[string]any{"role": v.Role})
	case realtime.MemberLeft:
		entry.UserID = v.UserID
		entry.ResourceType = "workspace"
		entry.ResourceID = workspace
	default:
		return activity.Entry{}, false
	}
	return entry, true
}

func details(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
