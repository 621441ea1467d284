package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// errorBody is the structured error envelope every failure returns.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfterSeconds is set on exhaustion responses that carry a wait
	// estimate; it mirrors the Retry-After header.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses: validation 400,
// not-found 404, conflict and cancelled 409, transport/remote 502, exhausted
// 503 with a Retry-After when the selector estimated a wait.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	body := errorBody{Code: string(kind), Message: err.Error()}

	status := http.StatusInternalServerError
	switch kind {
	case types.ErrValidation:
		status = http.StatusBadRequest
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrConflict, types.ErrCancelled:
		status = http.StatusConflict
	case types.ErrTransport, types.ErrRemote:
		status = http.StatusBadGateway
	case types.ErrExhausted:
		status = http.StatusServiceUnavailable
		if wait := types.WaitEstimateOf(err); wait > 0 {
			secs := int(wait.Seconds())
			if secs < 1 {
				secs = 1
			}
			body.RetryAfterSeconds = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	s.writeJSON(w, status, body)
}

// decode reads the JSON body into v and runs struct validation when v
// carries validate tags.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.Validationf("malformed request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return types.Validationf("invalid request: %v", err)
	}
	return nil
}

// queryInt parses an integer query parameter, falling back on def when the
// parameter is absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
