package api

import (
	"encoding/json"
	"net/http"

	"github.com/busybox42/mailcore/internal/logging"
)

// LogLevelRequest represents a log level change request
type LogLevelRequest struct {
	Level string `json:"level"`
}

// LogLevelResponse represents a log level response
type LogLevelResponse struct {
	CurrentLevel string `json:"current_level"`
	Message      string `json:"message,omitempty"`
}

// HandleGetLogLevel returns the current log level
func (s *Server) HandleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(logging.GetLevel()),
	})
}

// HandleSetLogLevel changes the log level at runtime
func (s *Server) HandleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	level, err := logging.StringToLevel(req.Level)
	if err != nil || req.Level == "" {
		writeError(w, http.StatusBadRequest, "invalid log level, valid levels: DEBUG, INFO, WARN, ERROR")
		return
	}

	logging.SetLevel(level)
	s.logger.Info("Log level changed", "level", logging.LevelToString(level))

	writeJSON(w, http.StatusOK, LogLevelResponse{
		CurrentLevel: logging.LevelToString(level),
		Message:      "log level updated",
	})
}
