package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/service/environment"
	"github.com/hololee/Lyra/internal/service/launch"
	"github.com/hololee/Lyra/internal/service/sshpolicy"
	"github.com/hololee/Lyra/internal/service/worker"
)

// EnvironmentService is the environment lifecycle surface served over HTTP.
type EnvironmentService interface {
	Create(ctx context.Context, in environment.CreateInput) (*environment.View, error)
	Get(ctx context.Context, id string) (*environment.View, error)
	List(ctx context.Context) ([]environment.View, error)
	Start(ctx context.Context, id string) (environment.ActionResult, error)
	Stop(ctx context.Context, id string) (environment.ActionResult, error)
	Delete(ctx context.Context, id string, force bool) error
	Logs(ctx context.Context, id string) (*environment.LogsResult, error)
	FollowLogs(ctx context.Context, id string) (io.ReadCloser, error)
	CreateLaunch(ctx context.Context, id string, kind launch.Kind) (*environment.LaunchURL, error)
	RedeemLaunch(ctx context.Context, id, token string, kind launch.Kind, scheme, host string) (string, error)
	ServiceLaunch(ctx context.Context, id string, kind launch.Kind) (*environment.ServiceLaunch, error)
	HostGPUUsage(ctx context.Context) (*environment.GPUUsage, error)
	WorkerGPUUsage(ctx context.Context, workerID string) (*environment.GPUUsage, error)
	AllocateCustomPorts(ctx context.Context, req environment.CustomPortRequest) (*environment.CustomPortResponse, error)
}

// WorkerService is the worker registry surface served over HTTP.
type WorkerService interface {
	Create(ctx context.Context, in worker.CreateInput) (*domain.WorkerServer, error)
	Update(ctx context.Context, id string, in worker.UpdateInput) (*domain.WorkerServer, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.WorkerServer, error)
	List(ctx context.Context, refresh bool) ([]domain.WorkerServer, error)
	CheckHealth(ctx context.Context, id string) (*domain.WorkerServer, worker.HealthResult, error)
}

// SettingsStore is the key/value settings store.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// SSHTester runs connectivity tests under the configured SSH policy.
type SSHTester interface {
	Test(ctx context.Context, cfg sshpolicy.Config) sshpolicy.TestResult
}

// Cipher seals and opens stored secrets.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Deps wires a Router. Workers, SSH and Cipher may be nil on worker-role nodes.
type Deps struct {
	Logger       *slog.Logger
	Environments EnvironmentService
	Workers      WorkerService
	Settings     SettingsStore
	SSH          SSHTester
	Cipher       Cipher
	Limiter      RateLimiter
	// WorkerRole enables the worker-facing API under /api/worker/.
	WorkerRole   bool
	WorkerToken  string
	SSHTimeout   time.Duration
	HealthChecks map[string]func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	envs         EnvironmentService
	workers      WorkerService
	settings     SettingsStore
	ssh          SSHTester
	cipher       Cipher
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	workerRole   bool
	workerToken  string
	sshTimeout   time.Duration
	healthChecks map[string]func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitLaunch    = 30
	rateLimitSSHTest   = 10
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		envs:     d.Environments,
		workers:  d.Workers,
		settings: d.Settings,
		ssh:      d.SSH,
		cipher:   d.Cipher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      d.Limiter,
		workerRole:   d.WorkerRole,
		workerToken:  strings.TrimSpace(d.WorkerToken),
		sshTimeout:   d.SSHTimeout,
		healthChecks: d.HealthChecks,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, r.audit(h))
}

func (r *Router) register() {
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.handle("GET /healthz", r.handleHealthz)

	r.handle("GET /api/environments", r.handleListEnvironments)
	r.handle("POST /api/environments", r.handleCreateEnvironment)
	r.handle("POST /api/environments/ports/allocate", r.handleAllocatePorts)
	r.handle("GET /api/environments/{id}", r.handleGetEnvironment)
	r.handle("DELETE /api/environments/{id}", r.handleDeleteEnvironment)
	r.handle("POST /api/environments/{id}/start", r.handleStartEnvironment)
	r.handle("POST /api/environments/{id}/stop", r.handleStopEnvironment)
	r.handle("GET /api/environments/{id}/logs", r.handleEnvironmentLogs)
	r.handle("GET /api/environments/{id}/logs/stream", r.withRateLimit("logs_stream", rateLimitWebsocket, rateWindowDefault, rateLimitKeyIP, r.handleLogStream))
	r.handle("POST /api/environments/{id}/{kind}/launch", r.handleCreateLaunch)
	r.handle("GET /api/environments/{id}/{kind}/launch/{token}", r.withRateLimit("launch_redeem", rateLimitLaunch, rateWindowDefault, rateLimitKeyIP, r.handleRedeemLaunch))

	r.handle("GET /api/resources/gpu", r.handleHostGPU)

	if r.workers != nil {
		r.handle("GET /api/worker-servers", r.handleListWorkers)
		r.handle("POST /api/worker-servers", r.handleCreateWorker)
		r.handle("GET /api/worker-servers/{id}", r.handleGetWorker)
		r.handle("PUT /api/worker-servers/{id}", r.handleUpdateWorker)
		r.handle("DELETE /api/worker-servers/{id}", r.handleDeleteWorker)
		r.handle("POST /api/worker-servers/{id}/health-check", r.handleWorkerHealthCheck)
		r.handle("GET /api/worker-servers/{id}/gpu", r.handleWorkerGPU)
	}

	if r.ssh != nil {
		r.handle("POST /api/ssh/test", r.withRateLimit("ssh_test", rateLimitSSHTest, rateWindowDefault, rateLimitKeyIP, r.handleSSHTest))
	}
	r.handle("GET /api/settings/ssh", r.handleGetSSHSettings)
	r.handle("PUT /api/settings/ssh", r.handlePutSSHSettings)
	r.handle("GET /api/settings/{key}", r.handleGetSetting)
	r.handle("PUT /api/settings/{key}", r.handlePutSetting)

	r.registerWorkerAPI()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.healthChecks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	role := "main"
	if r.workerRole {
		role = "worker"
	}
	payload := map[string]any{
		"status":     status,
		"role":       role,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "user"
		if strings.HasPrefix(req.URL.Path, "/api/worker/") {
			actor = "main-node"
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"actor", actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for websocket upgrades behind the audit wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// requestScheme honours a TLS-terminating proxy.
func requestScheme(req *http.Request) string {
	if proto := strings.TrimSpace(req.Header.Get("X-Forwarded-Proto")); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

// requestHostname is the host the client used, without a port.
func requestHostname(req *http.Request) string {
	host := strings.TrimSpace(req.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = req.Host
	}
	host = strings.TrimSpace(strings.Split(host, ",")[0])
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(host, "[]")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
