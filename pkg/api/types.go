package api

import (
	"encoding/json"
	"time"

	"github.com/rubiojr/netpulse/pkg/activity"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type StatsResponse struct {
	Connections int              `json:"connections"`
	Workspaces  []WorkspaceStats `json:"workspaces"`
}

type WorkspaceStats struct {
	WorkspaceID int64 `json:"workspaceId"`
	Subscribers int   `json:"subscribers"`
}

// EmitRequest is the body of POST /api/workspaces/{id}/events.
type EmitRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type EmitResponse struct {
	Type        string `json:"type"`
	WorkspaceID int64  `json:"workspaceId"`
	Delivered   int    `json:"delivered"`
}

type ActivityResponse struct {
	WorkspaceID int64            `json:"workspaceId"`
	Entries     []activity.Entry `json:"entries"`
	Count       int              `json:"count"`
}
