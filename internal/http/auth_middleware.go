package httpx

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// requireWorkerToken gates the worker-facing API: it does not exist on main nodes,
// refuses to run without a configured token and rejects any other bearer.
func (r *Router) requireWorkerToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.workerRole {
			writeError(w, http.StatusNotFound, "not_found", "worker API is not enabled on this node")
			return
		}
		expected := r.workerToken
		if expected == "" {
			r.logger.Error("worker API token not configured", "path", req.URL.Path)
			writeError(w, http.StatusServiceUnavailable, "worker_token_not_configured", "worker API token is not configured")
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("worker authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "worker_auth_failed", "authentication required")
			return
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("worker token mismatch", "path", req.URL.Path, "ip", clientIP(req))
			writeError(w, http.StatusUnauthorized, "worker_auth_failed", "invalid worker API token")
			return
		}
		next(w, req)
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
