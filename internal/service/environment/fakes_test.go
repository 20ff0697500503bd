package environment

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
	"github.com/hololee/Lyra/internal/service/worker"
)

type fakeStore struct {
	mu       sync.Mutex
	lock     sync.Mutex
	envs     map[string]domain.Environment
	settings map[string]string

	insertErrs []error
	deleteErr  error
	statusErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{envs: map[string]domain.Environment{}, settings: map[string]string{}}
}

func (f *fakeStore) GetEnvironment(ctx context.Context, id string) (*domain.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &env, nil
}

func (f *fakeStore) ListEnvironments(ctx context.Context) ([]domain.Environment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Environment, 0, len(f.envs))
	for _, env := range f.envs {
		out = append(out, env)
	}
	return out, nil
}

func (f *fakeStore) EnvironmentNameExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.envs {
		if env.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateEnvironmentStatus(ctx context.Context, id string, status domain.EnvironmentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	env, ok := f.envs[id]
	if !ok {
		return repository.ErrNotFound
	}
	env.Status = status
	f.envs[id] = env
	return nil
}

func (f *fakeStore) AdvanceEnvironmentStatus(ctx context.Context, id string, from, to domain.EnvironmentStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return false, f.statusErr
	}
	env, ok := f.envs[id]
	if !ok || env.Status != from {
		return false, nil
	}
	env.Status = to
	f.envs[id] = env
	return true, nil
}

func (f *fakeStore) DeleteEnvironment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.envs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.envs, id)
	for _, key := range domain.SideRecordKeys(id) {
		delete(f.settings, key)
	}
	return nil
}

func (f *fakeStore) status(id string) (domain.EnvironmentStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[id]
	return env.Status, ok
}

func (f *fakeStore) setting(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	return v, ok
}

func (f *fakeStore) put(env domain.Environment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs[env.ID] = env
}

// WithAllocationLock stages writes and applies them only when fn succeeds.
func (f *fakeStore) WithAllocationLock(ctx context.Context, fn func(tx repository.AllocationTx) error) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	tx := &fakeTx{store: f, settings: map[string]string{}}
	if err := fn(tx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range tx.inserted {
		f.envs[env.ID] = env
	}
	for k, v := range tx.settings {
		f.settings[k] = v
	}
	return nil
}

type fakeTx struct {
	store    *fakeStore
	inserted []domain.Environment
	settings map[string]string
}

func (t *fakeTx) EnvironmentPorts(ctx context.Context) ([]int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var ports []int
	for _, env := range t.store.envs {
		ports = append(ports, env.SSHPort, env.JupyterPort, env.CodePort)
	}
	return ports, nil
}

func (t *fakeTx) CustomPortMappings(ctx context.Context) ([]domain.PortMapping, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []domain.PortMapping
	for key, raw := range t.store.settings {
		if strings.HasPrefix(key, domain.SettingCustomPortsPrefix) {
			out = append(out, decodePortMappings(raw)...)
		}
	}
	return out, nil
}

func (t *fakeTx) UsedGPUIndices(ctx context.Context, workerID *string) ([]int, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []int
	for _, env := range t.store.envs {
		if !env.Status.Occupied() {
			continue
		}
		if workerID == nil {
			if env.Remote() {
				continue
			}
		} else if !env.Remote() || *env.WorkerServerID != *workerID {
			continue
		}
		out = append(out, env.GPUIndices...)
	}
	return out, nil
}

func (t *fakeTx) InsertEnvironment(ctx context.Context, env *domain.Environment) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if len(t.store.insertErrs) > 0 {
		err := t.store.insertErrs[0]
		t.store.insertErrs = t.store.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, existing := range t.store.envs {
		if existing.Name == env.Name {
			return &repository.UniqueViolation{Constraint: "environments_name_key", Column: "name"}
		}
	}
	t.inserted = append(t.inserted, *env)
	return nil
}

func (t *fakeTx) PutSetting(ctx context.Context, key, value string) error {
	t.settings[key] = value
	return nil
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	if !ok {
		return "", repository.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) PutSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeStore) DeleteSettings(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.settings, k)
	}
	return nil
}

func (f *fakeStore) ListSettings(ctx context.Context, prefix string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.settings {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]docker.ContainerState
	logs       map[string]string
	startErr   error
	removeErr  error
	inspectErr error
	started    []string
	stopped    []string
	// portQueries counts BoundHostPorts calls.
	portQueries int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]docker.ContainerState{}, logs: map[string]string{}}
}

func (r *fakeRuntime) InspectContainer(ctx context.Context, name string) (docker.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inspectErr != nil {
		return docker.ContainerState{}, r.inspectErr
	}
	st, ok := r.containers[name]
	if !ok {
		return docker.ContainerState{}, docker.ErrNotFound
	}
	return st, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, name)
	r.containers[name] = docker.ContainerState{ID: "abc", Status: "running", StateStatus: "running", Running: true}
	return nil
}

func (r *fakeRuntime) StopContainer(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, name)
	return nil
}

func (r *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeErr != nil {
		return r.removeErr
	}
	delete(r.containers, name)
	return nil
}

func (r *fakeRuntime) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return "", docker.ErrNotFound
	}
	return r.logs[name], nil
}

func (r *fakeRuntime) BoundHostPorts(ctx context.Context) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portQueries++
	return nil, nil
}

func (r *fakeRuntime) FollowLogs(ctx context.Context, name string, tail int) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return nil, docker.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(r.logs[name])), nil
}

type fakeQueue struct {
	mu  sync.Mutex
	err error
	ids []string
	// onEnqueue runs after a successful enqueue, standing in for a fast executor.
	onEnqueue func(id string)
}

func (q *fakeQueue) Enqueue(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	q.ids = append(q.ids, id)
	hook := q.onEnqueue
	q.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	return nil
}

type fixedGPUs int

func (g fixedGPUs) TotalGPUs(ctx context.Context) (int, error) { return int(g), nil }

type plainCipher struct{ err error }

func (c plainCipher) Encrypt(s string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "enc:" + s, nil
}

type workerCall struct {
	Method string
	Path   string
}

// fakeWorkers answers worker calls through handle.
type fakeWorkers struct {
	mu      sync.Mutex
	workers map[string]*domain.WorkerServer
	health  worker.HealthResult
	calls   []workerCall
	handle  func(method, path string, payload any) (map[string]any, error)
}

func newFakeWorkers(ws ...domain.WorkerServer) *fakeWorkers {
	f := &fakeWorkers{workers: map[string]*domain.WorkerServer{}, health: worker.HealthResult{Status: domain.WorkerHealthy}}
	for i := range ws {
		w := ws[i]
		f.workers[w.ID] = &w
	}
	return f
}

func (f *fakeWorkers) Get(ctx context.Context, id string) (*domain.WorkerServer, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, apperr.NotFound("worker_not_found", "worker server not found")
	}
	cp := *w
	return &cp, nil
}

func (f *fakeWorkers) EnsureHealthy(ctx context.Context, id string) (*domain.WorkerServer, error) {
	w, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := worker.HealthError(w, f.health); err != nil {
		return nil, err
	}
	return w, nil
}

func (f *fakeWorkers) RefreshHealth(ctx context.Context, w *domain.WorkerServer, useCache, persist bool) worker.HealthResult {
	w.LastHealthStatus = f.health.Status
	return f.health
}

func (f *fakeWorkers) Call(ctx context.Context, w *domain.WorkerServer, method, path string, payload any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, workerCall{Method: method, Path: path})
	f.mu.Unlock()
	if f.handle == nil {
		return map[string]any{}, nil
	}
	return f.handle(method, path, payload)
}

func (f *fakeWorkers) called(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

type harness struct {
	svc     *Service
	store   *fakeStore
	runtime *fakeRuntime
	queue   *fakeQueue
	workers *fakeWorkers
}

func newHarness(opts ...func(*Deps)) *harness {
	h := &harness{
		store:   newFakeStore(),
		runtime: newFakeRuntime(),
		queue:   &fakeQueue{},
		workers: newFakeWorkers(domain.WorkerServer{ID: "w1", Name: "gpu-a", BaseURL: "http://10.0.0.7:8000"}),
	}
	d := Deps{
		Environments: h.store,
		Settings:     h.store,
		Runtime:      h.runtime,
		GPUs:         fixedGPUs(2),
		Queue:        h.queue,
		Workers:      h.workers,
		Cipher:       plainCipher{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&d)
	}
	h.svc = New(d)
	return h
}

func errCode(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Code
	}
	return ""
}

func errStatus(err error) int {
	if e, ok := apperr.As(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
