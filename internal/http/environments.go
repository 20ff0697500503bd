package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/service/environment"
	"github.com/hololee/Lyra/internal/service/launch"
	"github.com/hololee/Lyra/internal/ws"
)

func (r *Router) handleListEnvironments(w http.ResponseWriter, req *http.Request) {
	views, err := r.envs.List(req.Context())
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	if views == nil {
		views = []environment.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleCreateEnvironment(w http.ResponseWriter, req *http.Request) {
	var payload environment.CreateInput
	if err := decodeJSON(req, &payload); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	view, err := r.envs.Create(req.Context(), payload)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (r *Router) handleGetEnvironment(w http.ResponseWriter, req *http.Request) {
	view, err := r.envs.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (r *Router) handleDeleteEnvironment(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	force, err := queryBool(req, "force")
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	if err := r.envs.Delete(req.Context(), id, force); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (r *Router) handleStartEnvironment(w http.ResponseWriter, req *http.Request) {
	res, err := r.envs.Start(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleStopEnvironment(w http.ResponseWriter, req *http.Request) {
	res, err := r.envs.Stop(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleEnvironmentLogs(w http.ResponseWriter, req *http.Request) {
	res, err := r.envs.Logs(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLogStream upgrades to a websocket that receives one message per log line.
// Errors found before the upgrade are returned as ordinary JSON responses.
func (r *Router) handleLogStream(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	stream, err := r.envs.FollowLogs(req.Context(), id)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	defer stream.Close()

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "environment_id", id, "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	reason := "log stream ended"
	if err := ws.StreamLines(req.Context(), stream, client); err != nil {
		r.logger.Info("log stream closed", "environment_id", id, "error", err)
		reason = "log stream interrupted"
	}
	client.Close(reason)
}

func (r *Router) handleCreateLaunch(w http.ResponseWriter, req *http.Request) {
	kind, err := launchKind(req.PathValue("kind"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	res, err := r.envs.CreateLaunch(req.Context(), req.PathValue("id"), kind)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleRedeemLaunch(w http.ResponseWriter, req *http.Request) {
	kind, err := launchKind(req.PathValue("kind"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	target, err := r.envs.RedeemLaunch(req.Context(), req.PathValue("id"), req.PathValue("token"), kind, requestScheme(req), requestHostname(req))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, req, target, http.StatusTemporaryRedirect)
}

func (r *Router) handleAllocatePorts(w http.ResponseWriter, req *http.Request) {
	var payload environment.CustomPortRequest
	if err := decodeJSON(req, &payload); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	res, err := r.envs.AllocateCustomPorts(req.Context(), payload)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleHostGPU(w http.ResponseWriter, req *http.Request) {
	res, err := r.envs.HostGPUUsage(req.Context())
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func launchKind(raw string) (launch.Kind, error) {
	switch launch.Kind(strings.ToLower(raw)) {
	case launch.KindJupyter:
		return launch.KindJupyter, nil
	case launch.KindCode:
		return launch.KindCode, nil
	}
	return "", apperr.NotFound("unknown_launch_kind", "launch kind must be jupyter or code")
}

func queryBool(req *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(req.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("invalid_query_parameter", key+" must be a boolean")
	}
	return v, nil
}
