package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"raftmap/pkg/api"
	"raftmap/pkg/dberrors"
)

// httpStatus maps an error code to the HTTP status the client sees.
func httpStatus(code api.Code) int {
	switch code {
	case api.CodeMalformed:
		return http.StatusBadRequest
	case api.CodeUnsupported:
		return http.StatusNotImplemented
	case api.CodeSessionExpired:
		return http.StatusGone
	case api.CodeStaleSequence:
		return http.StatusConflict
	case api.CodeTimeout:
		return http.StatusGatewayTimeout
	case api.CodeNotLeader, api.CodeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := api.NewErrorResponse(err)
	status := httpStatus(resp.Code)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	s.writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrMalformedOperation, err)
	}
	return nil
}
