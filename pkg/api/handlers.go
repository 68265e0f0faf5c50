package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/rubiojr/netpulse/pkg/activity"
	"github.com/rubiojr/netpulse/pkg/realtime"
	"github.com/rubiojr/netpulse/pkg/version"
)

const maxEventBody = 64 * 1024

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.APIVersion(),
	}

	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.broker.Stats()

	response := StatsResponse{
		Connections: snap.Connections,
		Workspaces:  make([]WorkspaceStats, 0, len(snap.Workspaces)),
	}
	for ws, n := range snap.Workspaces {
		response.Workspaces = append(response.Workspaces, WorkspaceStats{WorkspaceID: ws, Subscribers: n})
	}
	sort.Slice(response.Workspaces, func(i, j int) bool {
		return response.Workspaces[i].WorkspaceID < response.Workspaces[j].WorkspaceID
	})

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) HandleEmitEvent(w http.ResponseWriter, r *http.Request) {
	workspace, ok := s.workspaceParam(w, r)
	if !ok {
		return
	}

	var req EmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}

	eventType, err := realtime.ParseEventType(req.Type)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Unknown event type", err.Error())
		return
	}
	payload, err := realtime.DecodePayload(eventType, req.Data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid event data", err.Error())
		return
	}

	delivered, err := s.dispatcher.Dispatch(workspace, payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Event rejected", err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, EmitResponse{
		Type:        string(eventType),
		WorkspaceID: workspace,
		Delivered:   delivered,
	})
}

func (s *Server) HandleActivity(w http.ResponseWriter, r *http.Request) {
	workspace, ok := s.workspaceParam(w, r)
	if !ok {
		return
	}
	if s.activity == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Activity log disabled", "No activity store is configured")
		return
	}

	limit := activity.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit", fmt.Sprintf("limit must be a positive integer, got %q", v))
			return
		}
		limit = min(n, 500)
	}

	entries, err := s.activity.List(r.Context(), workspace, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list activity", err.Error())
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}

	s.writeJSON(w, http.StatusOK, ActivityResponse{
		WorkspaceID: workspace,
		Entries:     entries,
		Count:       len(entries),
	})
}

func (s *Server) workspaceParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseWorkspaceID(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid path", err.Error())
		return 0, false
	}
	return id, true
}

func parseWorkspaceID(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("workspace id is required")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("workspace id must be a positive integer, got %q", v)
	}
	return id, nil
}
