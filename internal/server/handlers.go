package server

import (
	"net/http"

	"github.com/aristath/rotation/internal/httpapi"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if err := s.container.RotationDB.Conn().PingContext(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("Health check failed")
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	httpapi.WriteJSON(w, code, map[string]interface{}{
		"status":  status,
		"version": "1.0.0",
		"service": "rotation",
	})
}
