package realtime

import (
	"errors"
	"fmt"
	"time"
)

// Status is the reachability state reported for devices and networks.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusIdle    Status = "idle"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline || s == StatusIdle
}

// AgentStatus is the state carried by agent heartbeats.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	return s == AgentOnline || s == AgentOffline || s == AgentError
}

// DeviceStatusChanged reports a device going online, offline or idle.
type DeviceStatusChanged struct {
	DeviceID  int64     `json:"deviceId"`
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

func (DeviceStatusChanged) EventType() EventType { return EventDeviceStatusChanged }

func (p DeviceStatusChanged) Validate() error {
	if err := positive("deviceId", p.DeviceID); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid device status %q", p.Status)
	}
	return nil
}

// AlertCreated announces a new alert.
type AlertCreated struct {
	AlertID   int64     `json:"alertId"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

func (AlertCreated) EventType() EventType { return EventAlertCreated }

func (p AlertCreated) Validate() error {
	if err := positive("alertId", p.AlertID); err != nil {
		return err
	}
	if p.Severity == "" {
		return errors.New("severity is required")
	}
	return nil
}

// AlertUpdated carries an alert's new status, such as "resolved".
type AlertUpdated struct {
	AlertID   int64     `json:"alertId"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (AlertUpdated) EventType() EventType { return EventAlertUpdated }

func (p AlertUpdated) Validate() error {
	if err := positive("alertId", p.AlertID); err != nil {
		return err
	}
	if p.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// NetworkStatusChanged reports a change in a network's reachability.
type NetworkStatusChanged struct {
	NetworkID int64     `json:"networkId"`
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

func (NetworkStatusChanged) EventType() EventType { return EventNetworkStatusChanged }

func (p NetworkStatusChanged) Validate() error {
	if err := positive("networkId", p.NetworkID); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid network status %q", p.Status)
	}
	return nil
}

// AgentHeartbeat carries its own millisecond timestamp, as agents report it.
type AgentHeartbeat struct {
	AgentID   int64       `json:"agentId"`
	Status    AgentStatus `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

func (AgentHeartbeat) EventType() EventType { return EventAgentHeartbeat }

func (p AgentHeartbeat) Validate() error {
	if err := positive("agentId", p.AgentID); err != nil {
		return err
	}
	if !p.Status.Valid() {
		return fmt.Errorf("invalid agent status %q", p.Status)
	}
	return nil
}

// MemberJoined announces a user added to the workspace with a role.
type MemberJoined struct {
	UserID   int64     `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (MemberJoined) EventType() EventType { return EventMemberJoined }

func (p MemberJoined) Validate() error {
	if err := positive("userId", p.UserID); err != nil {
		return err
	}
	if p.Role == "" {
		return errors.New("role is required")
	}
	return nil
}

// MemberLeft announces a user removed from the workspace.
type MemberLeft struct {
	UserID int64     `json:"userId"`
	LeftAt time.Time `json:"leftAt"`
}

func (MemberLeft) EventType() EventType { return EventMemberLeft }

func (p MemberLeft) Validate() error {
	return positive("userId", p.UserID)
}

func positive(field string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %d", field, v)
	}
	return nil
}
