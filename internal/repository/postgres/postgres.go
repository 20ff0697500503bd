package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
)

// AllocationLockKey is the advisory lock serializing GPU and port allocation.
const AllocationLockKey int64 = 93821

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EnvironmentRepository = (*Repository)(nil)
	_ repository.SettingsRepository    = (*Repository)(nil)
	_ repository.WorkerRepository      = (*Repository)(nil)
	_ repository.AllocationTx          = (*allocationTx)(nil)
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// constraintColumns maps unique constraint names to the column they protect.
var constraintColumns = map[string]string{
	"environments_name_key":         "name",
	"environments_ssh_port_key":     "ssh_port",
	"environments_jupyter_port_key": "jupyter_port",
	"environments_code_port_key":    "code_port",
	"environments_pkey":             "id",
	"worker_servers_name_key":       "name",
	"worker_servers_base_url_key":   "base_url",
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			column := constraintColumns[pgErr.ConstraintName]
			if column == "" {
				column = pgErr.ColumnName
			}
			return &repository.UniqueViolation{Constraint: pgErr.ConstraintName, Column: column}
		case "23503":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}

const environmentColumns = `id, name, worker_server_id, status, container_user, gpu_indices,
	ssh_port, jupyter_port, code_port, enable_jupyter, enable_code_server,
	root_password_encrypted, mount_config, dockerfile_content, created_at`

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var (
		env    domain.Environment
		status string
		gpus   []int32
		mounts []byte
	)
	if err := row.Scan(&env.ID, &env.Name, &env.WorkerServerID, &status, &env.ContainerUser, &gpus,
		&env.SSHPort, &env.JupyterPort, &env.CodePort, &env.EnableJupyter, &env.EnableCodeServer,
		&env.RootPasswordEncrypted, &mounts, &env.DockerfileContent, &env.CreatedAt); err != nil {
		return nil, err
	}
	env.Status = domain.EnvironmentStatus(status)
	env.GPUIndices = make([]int, 0, len(gpus))
	for _, idx := range gpus {
		env.GPUIndices = append(env.GPUIndices, int(idx))
	}
	if len(mounts) > 0 {
		if err := json.Unmarshal(mounts, &env.MountConfig); err != nil {
			return nil, fmt.Errorf("decode mount config: %w", err)
		}
	}
	return &env, nil
}

// GetEnvironment fetches an environment by id.
func (r *Repository) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE id = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return env, nil
}

// ListEnvironments returns every environment, newest first.
func (r *Repository) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// EnvironmentNameExists reports whether the name is already taken.
func (r *Repository) EnvironmentNameExists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM environments WHERE name = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateEnvironmentStatus persists a new lifecycle status.
func (r *Repository) UpdateEnvironmentStatus(ctx context.Context, id string, status domain.EnvironmentStatus) error {
	const query = `UPDATE environments SET status = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AdvanceEnvironmentStatus moves the row from one status to another, leaving it
// untouched if something else changed it first.
func (r *Repository) AdvanceEnvironmentStatus(ctx context.Context, id string, from, to domain.EnvironmentStatus) (bool, error) {
	const query = `UPDATE environments SET status = $3 WHERE id = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteEnvironment removes the environment and its side records in one transaction.
func (r *Repository) DeleteEnvironment(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM settings WHERE key = ANY($1)`, domain.SideRecordKeys(id)); err != nil {
			return fmt.Errorf("delete side records: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete environment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// WithAllocationLock runs fn inside a transaction holding the allocation advisory lock.
func (r *Repository) WithAllocationLock(ctx context.Context, fn func(tx repository.AllocationTx) error) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, AllocationLockKey); err != nil {
			return fmt.Errorf("acquire allocation lock: %w", err)
		}
		return fn(&allocationTx{q: tx})
	})
	return mapError(err)
}

type allocationTx struct {
	q querier
}

func (t *allocationTx) EnvironmentPorts(ctx context.Context) ([]int, error) {
	rows, err := t.q.Query(ctx, `SELECT ssh_port, jupyter_port, code_port FROM environments`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ports []int
	for rows.Next() {
		var ssh, jupyter, code int
		if err := rows.Scan(&ssh, &jupyter, &code); err != nil {
			return nil, err
		}
		ports = append(ports, ssh, jupyter, code)
	}
	return ports, rows.Err()
}

func (t *allocationTx) CustomPortMappings(ctx context.Context) ([]domain.PortMapping, error) {
	return listCustomPorts(ctx, t.q)
}

func (t *allocationTx) UsedGPUIndices(ctx context.Context, workerID *string) ([]int, error) {
	statuses := make([]string, 0, 4)
	for _, s := range domain.OccupiedStatuses() {
		statuses = append(statuses, string(s))
	}
	query := `SELECT gpu_indices FROM environments WHERE status = ANY($1) AND worker_server_id IS NULL`
	args := []any{statuses}
	if workerID != nil {
		query = `SELECT gpu_indices FROM environments WHERE status = ANY($1) AND worker_server_id = $2`
		args = append(args, *workerID)
	}
	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var used []int
	for rows.Next() {
		var gpus []int32
		if err := rows.Scan(&gpus); err != nil {
			return nil, err
		}
		for _, idx := range gpus {
			used = append(used, int(idx))
		}
	}
	return used, rows.Err()
}

func (t *allocationTx) InsertEnvironment(ctx context.Context, env *domain.Environment) error {
	mounts, err := json.Marshal(env.MountConfig)
	if err != nil {
		return fmt.Errorf("encode mount config: %w", err)
	}
	if env.MountConfig == nil {
		mounts = []byte("[]")
	}
	gpus := make([]int32, 0, len(env.GPUIndices))
	for _, idx := range env.GPUIndices {
		gpus = append(gpus, int32(idx))
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO environments (` + environmentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = t.q.Exec(ctx, query, env.ID, env.Name, env.WorkerServerID, string(env.Status), env.ContainerUser, gpus,
		env.SSHPort, env.JupyterPort, env.CodePort, env.EnableJupyter, env.EnableCodeServer,
		env.RootPasswordEncrypted, mounts, env.DockerfileContent, env.CreatedAt)
	return mapError(err)
}

func (t *allocationTx) PutSetting(ctx context.Context, key, value string) error {
	return putSetting(ctx, t.q, key, value)
}

func listCustomPorts(ctx context.Context, q querier) ([]domain.PortMapping, error) {
	rows, err := q.Query(ctx, `SELECT value FROM settings WHERE starts_with(key, $1)`, domain.SettingCustomPortsPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var all []domain.PortMapping
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var mappings []domain.PortMapping
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			continue
		}
		all = append(all, mappings...)
	}
	return all, rows.Err()
}

func putSetting(ctx context.Context, q querier, key, value string) error {
	const query = `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	_, err := q.Exec(ctx, query, key, value)
	return err
}

// GetSetting returns a settings value.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := r.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value); err != nil {
		return "", mapError(err)
	}
	return value, nil
}

// PutSetting upserts a settings value.
func (r *Repository) PutSetting(ctx context.Context, key, value string) error {
	return putSetting(ctx, r.pool, key, value)
}

// DeleteSettings removes the given keys.
func (r *Repository) DeleteSettings(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM settings WHERE key = ANY($1)`, keys)
	return err
}

// ListSettings returns all settings whose key starts with prefix.
func (r *Repository) ListSettings(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value FROM settings WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}
