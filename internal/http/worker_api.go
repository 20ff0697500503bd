package httpx

import (
	"net/http"

	"github.com/hololee/Lyra/internal/service/environment"
)

// registerWorkerAPI mounts the endpoints a main node calls on this node when it
// delegates environments here.
func (r *Router) registerWorkerAPI() {
	wk := func(pattern string, h http.HandlerFunc) {
		r.handle(pattern, r.requireWorkerToken(h))
	}
	wk("GET /api/worker/health", r.handleWorkerHealth)
	wk("GET /api/worker/gpu", r.handleHostGPU)
	wk("GET /api/worker/environments", r.handleListEnvironments)
	wk("POST /api/worker/environments", r.handleWorkerCreateEnvironment)
	wk("GET /api/worker/environments/{id}", r.handleGetEnvironment)
	wk("DELETE /api/worker/environments/{id}", r.handleDeleteEnvironment)
	wk("GET /api/worker/environments/{id}/logs", r.handleEnvironmentLogs)
	wk("POST /api/worker/environments/{id}/start", r.handleStartEnvironment)
	wk("POST /api/worker/environments/{id}/stop", r.handleStopEnvironment)
	wk("POST /api/worker/environments/{id}/{kind}/launch", r.handleWorkerServiceLaunch)
}

func (r *Router) handleWorkerHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "role": "worker"})
}

// handleWorkerCreateEnvironment always creates on this node; a worker never
// delegates further.
func (r *Router) handleWorkerCreateEnvironment(w http.ResponseWriter, req *http.Request) {
	var payload environment.CreateInput
	if err := decodeJSON(req, &payload); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	payload.WorkerServerID = nil
	view, err := r.envs.Create(req.Context(), payload)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (r *Router) handleWorkerServiceLaunch(w http.ResponseWriter, req *http.Request) {
	kind, err := launchKind(req.PathValue("kind"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	res, err := r.envs.ServiceLaunch(req.Context(), req.PathValue("id"), kind)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
