package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"fogsched/internal/core"
)

const (
	defaultStatusHistory = 20
	defaultHistoryLimit  = 10
	maxConfigBody        = 64 << 10
)

type windowRequest struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type setConfigRequest struct {
	Enabled  *bool            `json:"enabled"`
	Schedule *[]windowRequest `json:"schedule"`
}

type setConfigResponse struct {
	Config   core.Config `json:"config"`
	Warnings []string    `json:"warnings"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status(s.statusHistory))
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	patch, err := decodeConfigPatch(http.MaxBytesReader(w, r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, core.Kind(err), err.Error())
		return
	}

	cfg, err := s.controller.SetConfig(r.Context(), patch)
	if err != nil {
		s.writeControllerError(w, "set config", err)
		return
	}

	if cfg.Windows == nil {
		cfg.Windows = []core.TimeWindow{}
	}
	warnings := cfg.Warnings()
	if warnings == nil {
		warnings = []string{}
	}
	writeJSON(w, http.StatusOK, setConfigResponse{Config: cfg, Warnings: warnings})
}

// decodeConfigPatch turns a request body into a patch. Every failure is a
// validation error.
func decodeConfigPatch(body io.Reader) (core.ConfigPatch, error) {
	var req setConfigRequest
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return core.ConfigPatch{}, fmt.Errorf("%w: field %q must be %s", core.ErrValidation, typeErr.Field, jsonKind(typeErr.Field))
		}
		return core.ConfigPatch{}, fmt.Errorf("%w: invalid JSON payload: %v", core.ErrValidation, err)
	}
	if dec.More() {
		return core.ConfigPatch{}, fmt.Errorf("%w: unexpected data after JSON object", core.ErrValidation)
	}

	patch := core.ConfigPatch{Enabled: req.Enabled}
	if req.Schedule != nil {
		windows := make([]core.TimeWindow, 0, len(*req.Schedule))
		for i, wr := range *req.Schedule {
			win, err := core.ParseWindow(wr.Start, wr.End)
			if err != nil {
				return core.ConfigPatch{}, fmt.Errorf("window %d: %w", i+1, err)
			}
			windows = append(windows, win)
		}
		patch.Windows = &windows
	}
	return patch, nil
}

func jsonKind(field string) string {
	switch field {
	case "enabled":
		return "a boolean"
	case "schedule":
		return "a list of {start, end} windows"
	default:
		return "a string"
	}
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultHistoryLimit)
	if limit < 1 {
		limit = 1
	}
	if bound := s.controller.HistoryLimit(); limit > bound {
		limit = bound
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		writeJSON(w, http.StatusOK, s.controller.History(limit))
		return
	}
	outcome, err := core.ParseOutcome(status)
	if err != nil {
		s.writeControllerError(w, "list history", err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.HistoryWithOutcome(limit, outcome))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ClearHistory(r.Context()); err != nil {
		s.writeControllerError(w, "clear history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) writeControllerError(w http.ResponseWriter, op string, err error) {
	kind := core.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation":
		status = http.StatusBadRequest
	case "unavailable":
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	} else {
		s.logger.Warn(op, "err", err)
	}
	writeError(w, status, kind, err.Error())
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
