package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
)

const workerColumns = `id, name, base_url, api_token_encrypted, last_health_status,
	last_health_checked_at, last_error_message, created_at, updated_at`

func scanWorker(row pgx.Row) (*domain.WorkerServer, error) {
	var (
		w      domain.WorkerServer
		health string
	)
	if err := row.Scan(&w.ID, &w.Name, &w.BaseURL, &w.APITokenEncrypted, &health,
		&w.LastHealthCheckedAt, &w.LastErrorMessage, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.LastHealthStatus = domain.WorkerHealthStatus(health)
	return &w, nil
}

// CreateWorker inserts a worker server.
func (r *Repository) CreateWorker(ctx context.Context, w *domain.WorkerServer) error {
	query := `INSERT INTO worker_servers (` + workerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, query, w.ID, w.Name, w.BaseURL, w.APITokenEncrypted, string(w.LastHealthStatus),
		w.LastHealthCheckedAt, w.LastErrorMessage, w.CreatedAt, w.UpdatedAt)
	return mapError(err)
}

// UpdateWorker persists mutable worker fields.
func (r *Repository) UpdateWorker(ctx context.Context, w *domain.WorkerServer) error {
	const query = `UPDATE worker_servers
		SET name = $2, base_url = $3, api_token_encrypted = $4, last_health_status = $5,
			last_health_checked_at = $6, last_error_message = $7, updated_at = $8
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, w.ID, w.Name, w.BaseURL, w.APITokenEncrypted, string(w.LastHealthStatus),
		w.LastHealthCheckedAt, w.LastErrorMessage, w.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetWorker fetches a worker by id.
func (r *Repository) GetWorker(ctx context.Context, id string) (*domain.WorkerServer, error) {
	w, err := scanWorker(r.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM worker_servers WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	return w, nil
}

// ListWorkers returns all workers ordered by name.
func (r *Repository) ListWorkers(ctx context.Context) ([]domain.WorkerServer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+workerColumns+` FROM worker_servers ORDER BY LOWER(name)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workers []domain.WorkerServer
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// DeleteWorker removes a worker. Referencing environments surface as ErrConflict.
func (r *Repository) DeleteWorker(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM worker_servers WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// WorkerConflicts checks name (case-insensitive) and base URL uniqueness.
func (r *Repository) WorkerConflicts(ctx context.Context, name, baseURL, excludeID string) (bool, bool, error) {
	const query = `SELECT
		EXISTS (SELECT 1 FROM worker_servers WHERE LOWER(name) = LOWER($1) AND id::text <> $3),
		EXISTS (SELECT 1 FROM worker_servers WHERE base_url = $2 AND id::text <> $3)`
	var nameTaken, urlTaken bool
	if err := r.pool.QueryRow(ctx, query, name, baseURL, excludeID).Scan(&nameTaken, &urlTaken); err != nil {
		return false, false, err
	}
	return nameTaken, urlTaken, nil
}

// UpdateWorkerHealth records the latest health probe outcome.
func (r *Repository) UpdateWorkerHealth(ctx context.Context, id string, status domain.WorkerHealthStatus, checkedAt time.Time, message *string) error {
	const query = `UPDATE worker_servers
		SET last_health_status = $2, last_health_checked_at = $3, last_error_message = $4
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, string(status), checkedAt, message)
	return err
}

// CountEnvironmentsByWorker counts environments delegated to a worker.
func (r *Repository) CountEnvironmentsByWorker(ctx context.Context, workerID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM environments WHERE worker_server_id = $1`, workerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
