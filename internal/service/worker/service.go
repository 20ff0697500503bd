// Package worker manages remote worker nodes: registration, health caching and
// authenticated proxy calls to their worker-facing API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/pkg/crypto"
)

// Cipher encrypts worker API tokens at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Service is the worker registry.
type Service struct {
	repo   repository.WorkerRepository
	cipher Cipher
	client *Client
	cache  *HealthCache
	log    *slog.Logger
	now    func() time.Time
}

// New constructs a worker registry.
func New(repo repository.WorkerRepository, cipher Cipher, client *Client, cache *HealthCache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cipher: cipher, client: client, cache: cache, log: log, now: time.Now}
}

// CreateInput describes a new worker registration.
type CreateInput struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	APIToken string `json:"api_token"`
}

// UpdateInput carries optional worker changes.
type UpdateInput struct {
	Name     *string `json:"name"`
	BaseURL  *string `json:"base_url"`
	APIToken *string `json:"api_token"`
}

// NormalizeBaseURL trims whitespace and trailing slashes.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return apperr.Validation("worker_base_url_required", "worker base URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return apperr.Validation("invalid_worker_base_url", "worker base URL must be an absolute http(s) URL")
	}
	return nil
}

// Create registers a worker, storing its token encrypted, and probes its health.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.WorkerServer, error) {
	name := strings.TrimSpace(in.Name)
	baseURL := NormalizeBaseURL(in.BaseURL)
	token := strings.TrimSpace(in.APIToken)
	if name == "" {
		return nil, apperr.Validation("worker_name_required", "worker name is required")
	}
	if err := validateBaseURL(baseURL); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, apperr.Validation("worker_api_token_required", "worker API token is required")
	}
	if err := s.checkConflicts(ctx, name, baseURL, ""); err != nil {
		return nil, err
	}
	encrypted, err := s.encryptToken(token)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	w := &domain.WorkerServer{
		ID:                uuid.NewString(),
		Name:              name,
		BaseURL:           baseURL,
		APITokenEncrypted: encrypted,
		LastHealthStatus:  domain.WorkerUnknown,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.CreateWorker(ctx, w); err != nil {
		return nil, mapWorkerWriteError(err)
	}
	s.log.Info("worker registered", "worker_id", w.ID, "name", w.Name, "base_url", w.BaseURL)
	s.RefreshHealth(ctx, w, false, true)
	return w, nil
}

// Update applies changes and invalidates the cached health of the worker.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.WorkerServer, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.Validation("worker_name_required", "worker name is required")
		}
		w.Name = name
	}
	if in.BaseURL != nil {
		baseURL := NormalizeBaseURL(*in.BaseURL)
		if err := validateBaseURL(baseURL); err != nil {
			return nil, err
		}
		w.BaseURL = baseURL
	}
	if in.APIToken != nil {
		token := strings.TrimSpace(*in.APIToken)
		if token == "" {
			return nil, apperr.Validation("worker_api_token_required", "worker API token is required")
		}
		encrypted, err := s.encryptToken(token)
		if err != nil {
			return nil, err
		}
		w.APITokenEncrypted = encrypted
	}
	if err := s.checkConflicts(ctx, w.Name, w.BaseURL, w.ID); err != nil {
		return nil, err
	}
	w.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateWorker(ctx, w); err != nil {
		return nil, mapWorkerWriteError(err)
	}
	s.cache.Invalidate(w.ID)
	s.log.Info("worker updated", "worker_id", w.ID)
	return w, nil
}

// Delete removes a worker that no environment references.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	inUse, err := s.repo.CountEnvironmentsByWorker(ctx, id)
	if err != nil {
		return fmt.Errorf("count worker environments: %w", err)
	}
	if inUse > 0 {
		return apperr.Conflict("worker_server_in_use", fmt.Sprintf("worker is referenced by %d environment(s)", inUse))
	}
	if err := s.repo.DeleteWorker(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return workerNotFound()
		}
		if errors.Is(err, repository.ErrConflict) {
			return apperr.Conflict("worker_server_in_use", "worker is referenced by an environment")
		}
		return fmt.Errorf("delete worker: %w", err)
	}
	s.cache.Invalidate(id)
	s.log.Info("worker deleted", "worker_id", id)
	return nil
}

// Get returns a worker by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.WorkerServer, error) {
	w, err := s.repo.GetWorker(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, workerNotFound()
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// List returns all workers, optionally forcing a health refresh of each.
func (s *Service) List(ctx context.Context, refresh bool) ([]domain.WorkerServer, error) {
	workers, err := s.repo.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	if refresh {
		for i := range workers {
			s.RefreshHealth(ctx, &workers[i], false, true)
		}
	}
	return workers, nil
}

// RefreshHealth probes the worker, or serves a fresh cached result when useCache is
// set. The worker's health fields are updated in place and persisted when persist is set.
func (s *Service) RefreshHealth(ctx context.Context, w *domain.WorkerServer, useCache, persist bool) HealthResult {
	if useCache {
		if cached, ok := s.cache.Get(w.ID); ok {
			observeHealth(cached, true)
			s.applyHealth(ctx, w, cached, persist)
			return cached
		}
	}
	var result HealthResult
	token, err := s.cipher.Decrypt(w.APITokenEncrypted)
	if err != nil {
		result = HealthResult{Status: domain.WorkerMisconfigured, Message: "worker API token could not be decrypted", CheckedAt: s.now().UTC()}
	} else {
		result = s.client.CheckHealth(ctx, w.BaseURL, token)
	}
	observeHealth(result, false)
	s.cache.Put(w.ID, result)
	s.applyHealth(ctx, w, result, persist)
	if !result.Healthy() {
		s.log.Warn("worker health check failed", "worker_id", w.ID, "status", result.Status, "error", result.Message, "latency_ms", result.Latency.Milliseconds())
	}
	return result
}

func (s *Service) applyHealth(ctx context.Context, w *domain.WorkerServer, result HealthResult, persist bool) {
	checkedAt := result.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.now().UTC()
	}
	w.LastHealthStatus = result.Status
	w.LastHealthCheckedAt = &checkedAt
	w.LastErrorMessage = nil
	if !result.Healthy() && result.Message != "" {
		msg := result.Message
		w.LastErrorMessage = &msg
	}
	if !persist {
		return
	}
	if err := s.repo.UpdateWorkerHealth(ctx, w.ID, w.LastHealthStatus, checkedAt, w.LastErrorMessage); err != nil {
		s.log.Warn("persist worker health failed", "worker_id", w.ID, "error", err)
	}
}

// CheckHealth forces a health probe of the worker.
func (s *Service) CheckHealth(ctx context.Context, id string) (*domain.WorkerServer, HealthResult, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, HealthResult{}, err
	}
	result := s.RefreshHealth(ctx, w, false, true)
	return w, result, nil
}

// EnsureHealthy loads the worker and fails unless its health check passes.
func (s *Service) EnsureHealthy(ctx context.Context, id string) (*domain.WorkerServer, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result := s.RefreshHealth(ctx, w, true, true)
	if err := HealthError(w, result); err != nil {
		return nil, err
	}
	return w, nil
}

// HealthError converts an unhealthy result into a domain error.
func HealthError(w *domain.WorkerServer, result HealthResult) error {
	if result.Healthy() {
		return nil
	}
	msg := fmt.Sprintf("worker %s is %s", w.Name, result.Status)
	if result.Message != "" {
		msg += ": " + result.Message
	}
	switch result.Status {
	case domain.WorkerUnreachable:
		return apperr.Unavailable("worker_unreachable", msg)
	case domain.WorkerAuthFailed:
		return apperr.BadGateway("worker_auth_failed", msg)
	case domain.WorkerMisconfigured:
		return apperr.Unavailable("worker_misconfigured", msg)
	case domain.WorkerAPIMismatch:
		return apperr.BadGateway("worker_api_mismatch", msg)
	default:
		return apperr.BadGateway("worker_request_failed", msg)
	}
}

// Call issues an authenticated request to the worker's API.
func (s *Service) Call(ctx context.Context, w *domain.WorkerServer, method, path string, payload any) (map[string]any, error) {
	token, err := s.cipher.Decrypt(w.APITokenEncrypted)
	if err != nil {
		return nil, apperr.Unavailable("worker_misconfigured", "worker API token could not be decrypted").Wrap(err)
	}
	out, err := s.client.Do(ctx, w.BaseURL, token, method, path, payload)
	if err != nil {
		s.log.Warn("worker call failed", "worker_id", w.ID, "method", method, "path", path, "error", err)
		return nil, err
	}
	return out, nil
}

func (s *Service) checkConflicts(ctx context.Context, name, baseURL, excludeID string) error {
	nameTaken, urlTaken, err := s.repo.WorkerConflicts(ctx, name, baseURL, excludeID)
	if err != nil {
		return fmt.Errorf("check worker conflicts: %w", err)
	}
	if nameTaken {
		return apperr.Conflict("duplicate_worker_name", fmt.Sprintf("a worker named %q already exists", name))
	}
	if urlTaken {
		return apperr.Conflict("duplicate_worker_base_url", fmt.Sprintf("a worker with base URL %s already exists", baseURL))
	}
	return nil
}

func (s *Service) encryptToken(token string) (string, error) {
	encrypted, err := s.cipher.Encrypt(token)
	if err != nil {
		if errors.Is(err, crypto.ErrSecretKey) {
			return "", apperr.Internal("security_key_missing", "APP_SECRET_KEY is missing or invalid").Wrap(err)
		}
		return "", apperr.Internal("token_encryption_failed", "could not encrypt worker API token").Wrap(err)
	}
	return encrypted, nil
}

func mapWorkerWriteError(err error) error {
	if column, ok := repository.ViolatedColumn(err); ok {
		if column == "base_url" {
			return apperr.Conflict("duplicate_worker_base_url", "a worker with this base URL already exists")
		}
		return apperr.Conflict("duplicate_worker_name", "a worker with this name already exists")
	}
	if errors.Is(err, repository.ErrNotFound) {
		return workerNotFound()
	}
	return fmt.Errorf("save worker: %w", err)
}

func workerNotFound() error {
	return apperr.NotFound("worker_not_found", "worker server not found")
}
