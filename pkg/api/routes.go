package api

import (
	"net/http"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s.broker)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /api/stats", s.HandleStats)
	mux.HandleFunc("POST /api/workspaces/{id}/events", s.HandleEmitEvent)
	mux.HandleFunc("GET /api/workspaces/{id}/activity", s.HandleActivity)
}
