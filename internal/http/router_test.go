package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/internal/service/environment"
	"github.com/hololee/Lyra/internal/service/launch"
	"github.com/hololee/Lyra/internal/service/sshpolicy"
	"github.com/hololee/Lyra/internal/service/worker"
)

type fakeEnvironments struct {
	mu         sync.Mutex
	getErr     error
	created    []environment.CreateInput
	deleted    map[string]bool
	redeemArgs []string
	launch     *environment.ServiceLaunch
}

func (f *fakeEnvironments) Create(_ context.Context, in environment.CreateInput) (*environment.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	return &environment.View{ID: "new", Name: in.Name, Status: string(domain.StatusBuilding)}, nil
}

func (f *fakeEnvironments) Get(_ context.Context, id string) (*environment.View, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &environment.View{ID: id, Status: string(domain.StatusRunning)}, nil
}

func (f *fakeEnvironments) List(context.Context) ([]environment.View, error) { return nil, nil }

func (f *fakeEnvironments) Start(_ context.Context, id string) (environment.ActionResult, error) {
	return environment.ActionResult{"status": "running"}, nil
}

func (f *fakeEnvironments) Stop(_ context.Context, id string) (environment.ActionResult, error) {
	return environment.ActionResult{"status": "stopped"}, nil
}

func (f *fakeEnvironments) Delete(_ context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		f.deleted = map[string]bool{}
	}
	f.deleted[id] = force
	return nil
}

func (f *fakeEnvironments) Logs(_ context.Context, id string) (*environment.LogsResult, error) {
	return &environment.LogsResult{Logs: "hello"}, nil
}

func (f *fakeEnvironments) FollowLogs(context.Context, string) (io.ReadCloser, error) {
	return nil, apperr.Conflict("log_stream_unsupported", "not here")
}

func (f *fakeEnvironments) CreateLaunch(_ context.Context, id string, kind launch.Kind) (*environment.LaunchURL, error) {
	return &environment.LaunchURL{LaunchURL: "/api/environments/" + id + "/" + string(kind) + "/launch/t0k"}, nil
}

func (f *fakeEnvironments) RedeemLaunch(_ context.Context, id, token string, kind launch.Kind, scheme, host string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redeemArgs = []string{id, token, string(kind), scheme, host}
	return scheme + "://" + host + ":25002/?token=abc", nil
}

func (f *fakeEnvironments) ServiceLaunch(_ context.Context, id string, kind launch.Kind) (*environment.ServiceLaunch, error) {
	if f.launch == nil {
		return nil, apperr.Conflict("environment_not_running", "not running")
	}
	return f.launch, nil
}

func (f *fakeEnvironments) HostGPUUsage(context.Context) (*environment.GPUUsage, error) {
	return &environment.GPUUsage{Total: 4, Used: 1, Available: 3}, nil
}

func (f *fakeEnvironments) WorkerGPUUsage(context.Context, string) (*environment.GPUUsage, error) {
	return nil, apperr.Unavailable("worker_unreachable", "worker is unreachable")
}

func (f *fakeEnvironments) AllocateCustomPorts(_ context.Context, req environment.CustomPortRequest) (*environment.CustomPortResponse, error) {
	return &environment.CustomPortResponse{Mappings: []domain.PortMapping{{HostPort: 40000, ContainerPort: 12000}}}, nil
}

type fakeWorkers struct{}

func (fakeWorkers) Create(_ context.Context, in worker.CreateInput) (*domain.WorkerServer, error) {
	return &domain.WorkerServer{ID: "w1", Name: in.Name, BaseURL: in.BaseURL, APITokenEncrypted: "secret-cipher-text"}, nil
}

func (fakeWorkers) Update(_ context.Context, id string, in worker.UpdateInput) (*domain.WorkerServer, error) {
	return &domain.WorkerServer{ID: id}, nil
}

func (fakeWorkers) Delete(context.Context, string) error {
	return apperr.Conflict("worker_server_in_use", "worker still has environments")
}

func (fakeWorkers) Get(_ context.Context, id string) (*domain.WorkerServer, error) {
	return &domain.WorkerServer{ID: id}, nil
}

func (fakeWorkers) List(context.Context, bool) ([]domain.WorkerServer, error) { return nil, nil }

func (fakeWorkers) CheckHealth(_ context.Context, id string) (*domain.WorkerServer, worker.HealthResult, error) {
	return &domain.WorkerServer{ID: id}, worker.HealthResult{Status: domain.WorkerHealthy}, nil
}

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSettings) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (m *memSettings) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

type prefixCipher struct{}

func (prefixCipher) Encrypt(plain string) (string, error) { return "enc:" + plain, nil }
func (prefixCipher) Decrypt(token string) (string, error) {
	return strings.TrimPrefix(token, "enc:"), nil
}

type fakeSSH struct {
	calls []sshpolicy.Config
}

func (f *fakeSSH) Test(_ context.Context, cfg sshpolicy.Config) sshpolicy.TestResult {
	f.calls = append(f.calls, cfg)
	return sshpolicy.TestResult{Status: "ok", Message: "SSH connection succeeded"}
}

type testRouter struct {
	*Router
	envs     *fakeEnvironments
	settings *memSettings
	ssh      *fakeSSH
}

func newTestRouter(t *testing.T, opts ...func(*Deps)) *testRouter {
	t.Helper()
	tr := &testRouter{
		envs:     &fakeEnvironments{},
		settings: &memSettings{values: map[string]string{}},
		ssh:      &fakeSSH{},
	}
	d := Deps{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Environments: tr.envs,
		Workers:      fakeWorkers{},
		Settings:     tr.settings,
		SSH:          tr.ssh,
		Cipher:       prefixCipher{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	tr.Router = NewRouter(d)
	t.Cleanup(tr.Router.Close)
	return tr
}

func (tr *testRouter) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWorkerAPIGating(t *testing.T) {
	cases := []struct {
		name   string
		role   bool
		token  string
		header string
		status int
		code   string
	}{
		{name: "main role hides api", role: false, token: "s3cret", header: "Bearer s3cret", status: http.StatusNotFound, code: "not_found"},
		{name: "token unset", role: true, token: "", header: "Bearer s3cret", status: http.StatusServiceUnavailable, code: "worker_token_not_configured"},
		{name: "missing header", role: true, token: "s3cret", status: http.StatusUnauthorized, code: "worker_auth_failed"},
		{name: "wrong token", role: true, token: "s3cret", header: "Bearer nope", status: http.StatusUnauthorized, code: "worker_auth_failed"},
		{name: "valid", role: true, token: "s3cret", header: "Bearer s3cret", status: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestRouter(t, func(d *Deps) {
				d.WorkerRole = tc.role
				d.WorkerToken = tc.token
			})
			headers := map[string]string{}
			if tc.header != "" {
				headers["Authorization"] = tc.header
			}
			rec := tr.do(http.MethodGet, "/api/worker/health", "", headers)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if tc.code != "" && body["code"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["code"])
			}
			if tc.code == "" && (body["status"] != "ok" || body["role"] != "worker") {
				t.Fatalf("unexpected health body %v", body)
			}
		})
	}
}

func TestWorkerCreateNeverDelegates(t *testing.T) {
	tr := newTestRouter(t, func(d *Deps) {
		d.WorkerRole = true
		d.WorkerToken = "s3cret"
	})
	rec := tr.do(http.MethodPost, "/api/worker/environments", `{"name":"a","worker_server_id":"w9","dockerfile_content":"FROM x"}`, map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tr.envs.created) != 1 || tr.envs.created[0].WorkerServerID != nil {
		t.Fatalf("expected local create, got %+v", tr.envs.created)
	}
}

func TestWorkerServiceLaunch(t *testing.T) {
	tr := newTestRouter(t, func(d *Deps) {
		d.WorkerRole = true
		d.WorkerToken = "s3cret"
	})
	tr.envs.launch = &environment.ServiceLaunch{Port: 25002, LaunchURL: "/?token=abc"}
	rec := tr.do(http.MethodPost, "/api/worker/environments/e1/jupyter/launch", "", map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["port"] != float64(25002) || body["launch_url"] != "/?token=abc" {
		t.Fatalf("unexpected launch body %v", body)
	}
}

func TestErrorRendering(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{name: "not found", err: apperr.NotFound("environment_not_found", "Environment not found"), status: http.StatusNotFound, code: "environment_not_found"},
		{name: "retryable", err: apperr.Unavailable("port_allocation_failed", "ports exhausted"), status: http.StatusServiceUnavailable, code: "port_allocation_failed", retryable: true},
		{name: "plain error", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestRouter(t)
			tr.envs.getErr = tc.err
			rec := tr.do(http.MethodGet, "/api/environments/e1", "", nil)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			body := decodeBody(t, rec)
			if body["code"] != tc.code || body["retryable"] != tc.retryable {
				t.Fatalf("unexpected error body %v", body)
			}
			if tc.code == "internal_error" && strings.Contains(rec.Body.String(), "boom") {
				t.Fatalf("internal error details leaked: %s", rec.Body.String())
			}
		})
	}
}

func TestRedeemLaunchRedirectsWithClientScheme(t *testing.T) {
	tr := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/environments/e1/jupyter/launch/t0k", nil)
	req.Host = "lyra.example.com:8000"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://lyra.example.com:25002/?token=abc" {
		t.Fatalf("unexpected location %s", loc)
	}
	want := []string{"e1", "t0k", "jupyter", "https", "lyra.example.com"}
	for i, v := range want {
		if tr.envs.redeemArgs[i] != v {
			t.Fatalf("unexpected redeem args %v", tr.envs.redeemArgs)
		}
	}
}

func TestRedeemLaunchIsRateLimited(t *testing.T) {
	tr := newTestRouter(t)
	var last int
	for i := 0; i <= rateLimitLaunch; i++ {
		last = tr.do(http.MethodGet, "/api/environments/e1/code/launch/t0k", "", nil).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d redemptions, got %d", rateLimitLaunch, last)
	}
}

func TestUnknownLaunchKind(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodPost, "/api/environments/e1/vnc/launch", "", nil)
	if rec.Code != http.StatusNotFound || decodeBody(t, rec)["code"] != "unknown_launch_kind" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteEnvironmentForceFlag(t *testing.T) {
	tr := newTestRouter(t)
	if rec := tr.do(http.MethodDelete, "/api/environments/e1?force=true", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !tr.envs.deleted["e1"] {
		t.Fatalf("expected forced delete")
	}
	if rec := tr.do(http.MethodDelete, "/api/environments/e2?force=maybe", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid force, got %d", rec.Code)
	}
}

func TestReservedSettingsRejected(t *testing.T) {
	tr := newTestRouter(t)
	for _, key := range []string{"jupyter_token:e1", "custom_ports:e1", "build_error:e1", "ssh_password"} {
		if rec := tr.do(http.MethodGet, "/api/settings/"+key, "", nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("GET %s: expected 400, got %d", key, rec.Code)
		}
		if rec := tr.do(http.MethodPut, "/api/settings/"+key, `{"value":"x"}`, nil); rec.Code != http.StatusBadRequest {
			t.Fatalf("PUT %s: expected 400, got %d", key, rec.Code)
		}
	}

	if rec := tr.do(http.MethodPut, "/api/settings/theme", `{"value":"dark"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := tr.do(http.MethodGet, "/api/settings/theme", "", nil)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["value"] != "dark" {
		t.Fatalf("unexpected setting read %d %s", rec.Code, rec.Body.String())
	}
	if rec := tr.do(http.MethodGet, "/api/settings/missing", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSSHSettingsRoundTripSealsPassword(t *testing.T) {
	tr := newTestRouter(t)
	body := `{"host":"gpu-host","username":"ops","password":"pw","host_fingerprint":"sha256:AAAA"}`
	if rec := tr.do(http.MethodPut, "/api/settings/ssh", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := tr.settings.values[sshpolicy.SettingPassword]; got != "enc:pw" {
		t.Fatalf("expected sealed password, got %q", got)
	}
	if got := tr.settings.values[sshpolicy.SettingFingerprint]; got != "SHA256:AAAA" {
		t.Fatalf("expected normalized fingerprint, got %q", got)
	}

	rec := tr.do(http.MethodGet, "/api/settings/ssh", "", nil)
	view := decodeBody(t, rec)
	if view["has_password"] != true || view["port"] != float64(22) || view["auth_method"] != "password" {
		t.Fatalf("unexpected ssh settings %v", view)
	}
	if strings.Contains(rec.Body.String(), "enc:pw") {
		t.Fatalf("password leaked in settings view")
	}

	if rec := tr.do(http.MethodPut, "/api/settings/ssh", `{"host":"h","username":"u","host_fingerprint":"nonsense"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid fingerprint, got %d", rec.Code)
	} else if decodeBody(t, rec)["code"] != sshpolicy.CodeHostKeyInvalidFingerprint {
		t.Fatalf("unexpected code %s", rec.Body.String())
	}
}

func TestSSHTestFallsBackToStoredSettings(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodPost, "/api/ssh/test", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "error" || body["code"] != sshpolicy.CodeHostNotConfigured {
		t.Fatalf("unexpected result %v", body)
	}
	if len(tr.ssh.calls) != 0 {
		t.Fatalf("policy should not be invoked without a host")
	}

	tr.settings.values[sshpolicy.SettingHost] = "gpu-host"
	tr.settings.values[sshpolicy.SettingUsername] = "ops"
	tr.settings.values[sshpolicy.SettingPassword] = "enc:pw"
	rec = tr.do(http.MethodPost, "/api/ssh/test", `{}`, nil)
	if body := decodeBody(t, rec); body["status"] != "ok" {
		t.Fatalf("unexpected result %v", body)
	}
	if len(tr.ssh.calls) != 1 || tr.ssh.calls[0].Password != "pw" || tr.ssh.calls[0].Port != 22 {
		t.Fatalf("unexpected config %+v", tr.ssh.calls)
	}
}

func TestWorkerServerViewsHideToken(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodPost, "/api/worker-servers", `{"name":"gpu-a","base_url":"http://10.0.0.7:8000","api_token":"t"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret-cipher-text") {
		t.Fatalf("token leaked: %s", rec.Body.String())
	}
	if _, ok := decodeBody(t, rec)["is_active"]; ok {
		t.Fatalf("worker view carries no activation flag: %s", rec.Body.String())
	}
	rec = tr.do(http.MethodDelete, "/api/worker-servers/w1", "", nil)
	if rec.Code != http.StatusConflict || decodeBody(t, rec)["code"] != "worker_server_in_use" {
		t.Fatalf("unexpected delete response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthzReportsDegradedComponents(t *testing.T) {
	tr := newTestRouter(t, func(d *Deps) {
		d.HealthChecks = map[string]func(context.Context) error{
			"database": func(context.Context) error { return nil },
			"queue":    func(context.Context) error { return errors.New("redis down") },
		}
	})
	rec := tr.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	components := body["components"].(map[string]any)
	if components["queue"].(map[string]any)["status"] != "down" || components["database"].(map[string]any)["status"] != "up" {
		t.Fatalf("unexpected components %v", components)
	}
}

func TestAllocatePortsAndGPU(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodPost, "/api/environments/ports/allocate", `{"count":1}`, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"host_port":40000`) {
		t.Fatalf("unexpected allocate response %d %s", rec.Code, rec.Body.String())
	}
	rec = tr.do(http.MethodGet, "/api/resources/gpu", "", nil)
	if body := decodeBody(t, rec); body["available"] != float64(3) {
		t.Fatalf("unexpected gpu body %v", body)
	}
	rec = tr.do(http.MethodGet, "/api/worker-servers/w1/gpu", "", nil)
	if rec.Code != http.StatusServiceUnavailable || decodeBody(t, rec)["retryable"] != true {
		t.Fatalf("unexpected worker gpu response %d %s", rec.Code, rec.Body.String())
	}
}

func TestLogStreamErrorBeforeUpgrade(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodGet, "/api/environments/e1/logs/stream", "", nil)
	if rec.Code != http.StatusConflict || decodeBody(t, rec)["code"] != "log_stream_unsupported" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}
