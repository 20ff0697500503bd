package httpx

import (
	"net/http"
	"time"

	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/service/worker"
)

// workerView never carries the API token, encrypted or not.
type workerView struct {
	ID                  string                    `json:"id"`
	Name                string                    `json:"name"`
	BaseURL             string                    `json:"base_url"`
	LastHealthStatus    domain.WorkerHealthStatus `json:"last_health_status"`
	LastHealthCheckedAt *time.Time                `json:"last_health_checked_at"`
	LastErrorMessage    *string                   `json:"last_error_message"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

func newWorkerView(w *domain.WorkerServer) workerView {
	return workerView{
		ID:                  w.ID,
		Name:                w.Name,
		BaseURL:             w.BaseURL,
		LastHealthStatus:    w.LastHealthStatus,
		LastHealthCheckedAt: w.LastHealthCheckedAt,
		LastErrorMessage:    w.LastErrorMessage,
		CreatedAt:           w.CreatedAt,
		UpdatedAt:           w.UpdatedAt,
	}
}

type healthView struct {
	Status    domain.WorkerHealthStatus `json:"status"`
	Message   string                    `json:"message,omitempty"`
	LatencyMS int64                     `json:"latency_ms"`
	CheckedAt time.Time                 `json:"checked_at"`
}

func (r *Router) handleListWorkers(w http.ResponseWriter, req *http.Request) {
	refresh, err := queryBool(req, "refresh")
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	workers, err := r.workers.List(req.Context(), refresh)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	views := make([]workerView, 0, len(workers))
	for i := range workers {
		views = append(views, newWorkerView(&workers[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleCreateWorker(w http.ResponseWriter, req *http.Request) {
	var payload worker.CreateInput
	if err := decodeJSON(req, &payload); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	created, err := r.workers.Create(req.Context(), payload)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, newWorkerView(created))
}

func (r *Router) handleGetWorker(w http.ResponseWriter, req *http.Request) {
	found, err := r.workers.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerView(found))
}

func (r *Router) handleUpdateWorker(w http.ResponseWriter, req *http.Request) {
	var payload worker.UpdateInput
	if err := decodeJSON(req, &payload); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	updated, err := r.workers.Update(req.Context(), req.PathValue("id"), payload)
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerView(updated))
}

func (r *Router) handleDeleteWorker(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.workers.Delete(req.Context(), id); err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (r *Router) handleWorkerHealthCheck(w http.ResponseWriter, req *http.Request) {
	checked, result, err := r.workers.CheckHealth(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"worker": newWorkerView(checked),
		"health": healthView{
			Status:    result.Status,
			Message:   result.Message,
			LatencyMS: result.Latency.Milliseconds(),
			CheckedAt: result.CheckedAt,
		},
	})
}

func (r *Router) handleWorkerGPU(w http.ResponseWriter, req *http.Request) {
	res, err := r.envs.WorkerGPUUsage(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeAppError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
