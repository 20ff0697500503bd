package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hololee/Lyra/internal/apperr"
)

const maxBodyBytes = 1 << 20

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// writeError sends a coded error.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// writeAppError renders a domain error; anything else is reported as an internal error.
func (r *Router) writeAppError(w http.ResponseWriter, req *http.Request, err error) {
	if e, ok := apperr.As(err); ok {
		status := e.HTTPStatus()
		if status >= http.StatusInternalServerError {
			r.logger.Error("request failed", "path", req.URL.Path, "code", e.Code, "error", err)
		}
		writeJSON(w, status, errorBody{Code: e.Code, Message: e.Message, Retryable: e.Retryable})
		return
	}
	r.logger.Error("unhandled error", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(req *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("invalid_json", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}
