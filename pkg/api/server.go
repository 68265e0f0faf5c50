package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rubiojr/netpulse/pkg/activity"
	"github.com/rubiojr/netpulse/pkg/broker"
	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/rubiojr/netpulse/pkg/realtime"
)

var logger = log.ForService("api")

// Dispatcher emits a validated event to a workspace.
type Dispatcher interface {
	Dispatch(workspace int64, p realtime.Payload) (int, error)
}

// ActivityLister reads the audit trail.
type ActivityLister interface {
	List(ctx context.Context, workspace int64, limit int) ([]activity.Entry, error)
}

type Server struct {
	broker     *broker.Broker
	dispatcher Dispatcher
	activity   ActivityLister
}

// NewServer wires the HTTP surface. activity may be nil, in which case the
// activity endpoint answers 503.
func NewServer(b *broker.Broker, d Dispatcher, activity ActivityLister) *Server {
	return &Server{
		broker:     b,
		dispatcher: d,
		activity:   activity,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.writeJSON(w, status, response)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
