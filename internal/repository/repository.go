package repository

import (
	"context"
	"time"

	"github.com/hololee/Lyra/internal/domain"
)

// EnvironmentRepository persists environments.
type EnvironmentRepository interface {
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
	EnvironmentNameExists(ctx context.Context, name string) (bool, error)
	UpdateEnvironmentStatus(ctx context.Context, id string, status domain.EnvironmentStatus) error
	// AdvanceEnvironmentStatus sets to only while the row is still in from and
	// reports whether it did.
	AdvanceEnvironmentStatus(ctx context.Context, id string, from, to domain.EnvironmentStatus) (bool, error)
	// DeleteEnvironment removes the row and its settings side records atomically.
	DeleteEnvironment(ctx context.Context, id string) error
	// WithAllocationLock runs fn in a transaction serialized by a process-independent
	// exclusive lock. Returning an error rolls the transaction back.
	WithAllocationLock(ctx context.Context, fn func(tx AllocationTx) error) error
}

// AllocationTx is the view of the store available while the allocation lock is held.
type AllocationTx interface {
	EnvironmentPorts(ctx context.Context) ([]int, error)
	CustomPortMappings(ctx context.Context) ([]domain.PortMapping, error)
	// UsedGPUIndices returns GPU indices held by occupied environments in the scope.
	// A nil workerID selects host-managed environments.
	UsedGPUIndices(ctx context.Context, workerID *string) ([]int, error)
	InsertEnvironment(ctx context.Context, env *domain.Environment) error
	PutSetting(ctx context.Context, key, value string) error
}

// SettingsRepository is the key/value settings store.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSettings(ctx context.Context, keys ...string) error
	ListSettings(ctx context.Context, prefix string) (map[string]string, error)
}

// WorkerRepository persists worker servers.
type WorkerRepository interface {
	CreateWorker(ctx context.Context, worker *domain.WorkerServer) error
	UpdateWorker(ctx context.Context, worker *domain.WorkerServer) error
	GetWorker(ctx context.Context, id string) (*domain.WorkerServer, error)
	ListWorkers(ctx context.Context) ([]domain.WorkerServer, error)
	DeleteWorker(ctx context.Context, id string) error
	// WorkerConflicts reports whether another worker (not excludeID) already uses
	// the case-insensitive name or the base URL.
	WorkerConflicts(ctx context.Context, name, baseURL, excludeID string) (nameTaken, urlTaken bool, err error)
	UpdateWorkerHealth(ctx context.Context, id string, status domain.WorkerHealthStatus, checkedAt time.Time, message *string) error
	CountEnvironmentsByWorker(ctx context.Context, workerID string) (int, error)
}
