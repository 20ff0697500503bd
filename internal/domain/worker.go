package domain

import "time"

// WorkerHealthStatus classifies the outcome of a worker health probe.
type WorkerHealthStatus string

const (
	WorkerHealthy       WorkerHealthStatus = "healthy"
	WorkerUnreachable   WorkerHealthStatus = "unreachable"
	WorkerAuthFailed    WorkerHealthStatus = "auth_failed"
	WorkerMisconfigured WorkerHealthStatus = "misconfigured"
	WorkerAPIMismatch   WorkerHealthStatus = "api_mismatch"
	WorkerRequestFailed WorkerHealthStatus = "request_failed"
	WorkerUnknown       WorkerHealthStatus = "unknown"
)

// WorkerServer is a remote node environments can be delegated to.
type WorkerServer struct {
	ID                  string
	Name                string
	BaseURL             string
	APITokenEncrypted   string
	LastHealthStatus    WorkerHealthStatus
	LastHealthCheckedAt *time.Time
	LastErrorMessage    *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
