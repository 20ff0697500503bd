package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/docker/go-connections/nat"

	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/domain"
	"github.com/hololee/Lyra/internal/repository"
)

// Fixed in-container service ports.
const (
	ContainerSSHPort     = 22
	ContainerJupyterPort = 8888
	ContainerCodePort    = 8080
)

const (
	outcomeRunning = "running"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"

	defaultBuildTimeout = 30 * time.Minute
	recordTimeout       = 5 * time.Second
)

// bootstrapScript is the container entrypoint: it sets the user password, then
// starts whichever services the image provides and the environment enables.
const bootstrapScript = `set -e
if [ -n "$LYRA_ROOT_PASSWORD" ] && command -v chpasswd >/dev/null 2>&1; then
  echo "${LYRA_CONTAINER_USER:-root}:$LYRA_ROOT_PASSWORD" | chpasswd
fi
unset LYRA_ROOT_PASSWORD
if command -v sshd >/dev/null 2>&1 || [ -x /usr/sbin/sshd ]; then
  mkdir -p /var/run/sshd
  /usr/sbin/sshd
fi
if [ "$LYRA_ENABLE_CODE_SERVER" = "1" ] && command -v code-server >/dev/null 2>&1; then
  code-server --bind-addr 0.0.0.0:8080 --auth none >/tmp/code-server.log 2>&1 &
fi
if [ "$LYRA_ENABLE_JUPYTER" = "1" ] && command -v jupyter >/dev/null 2>&1; then
  exec jupyter lab --ip=0.0.0.0 --port=8888 --no-browser --allow-root --ServerApp.token="$JUPYTER_TOKEN"
fi
exec sleep infinity
`

// Runtime is the container engine surface used to build and run environments.
type Runtime interface {
	BuildImage(ctx context.Context, spec docker.BuildSpec, onOutput docker.BuildOutputCallback) error
	RunContainer(ctx context.Context, spec docker.RunSpec) (string, error)
	RemoveContainer(ctx context.Context, name string) error
}

// Environments is the subset of the environment store the executor writes.
type Environments interface {
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
	UpdateEnvironmentStatus(ctx context.Context, id string, status domain.EnvironmentStatus) error
}

// Settings stores per-environment side records.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSettings(ctx context.Context, keys ...string) error
}

// Decrypter reverses the secret cipher applied to stored passwords.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// ExecutorDeps wires an Executor.
type ExecutorDeps struct {
	Environments Environments
	Settings     Settings
	Runtime      Runtime
	Workspace    *Workspace
	Cipher       Decrypter
	Logger       *slog.Logger
	BuildTimeout time.Duration
	// HostAlias is mapped to the docker host gateway inside each container.
	HostAlias string
}

// Executor builds the image for an environment and starts its container.
type Executor struct {
	envs         Environments
	settings     Settings
	runtime      Runtime
	workspace    *Workspace
	cipher       Decrypter
	logger       *slog.Logger
	buildTimeout time.Duration
	hostAlias    string
}

// NewExecutor constructs an Executor.
func NewExecutor(d ExecutorDeps) *Executor {
	timeout := d.BuildTimeout
	if timeout <= 0 {
		timeout = defaultBuildTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		envs:         d.Environments,
		settings:     d.Settings,
		runtime:      d.Runtime,
		workspace:    d.Workspace,
		cipher:       d.Cipher,
		logger:       logger,
		buildTimeout: timeout,
		hostAlias:    strings.TrimSpace(d.HostAlias),
	}
}

// stageError tags a failure with the provisioning stage it happened in.
type stageError struct {
	stage string
	err   error
	tail  []string
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Provision drives an environment from creating/building to running, or to
// error with a build_error record. Environments that were deleted, delegated
// or already past provisioning are skipped so redelivered ids are harmless.
func (e *Executor) Provision(ctx context.Context, environmentID string) error {
	started := time.Now()
	log := e.logger.With("environment_id", environmentID)

	env, err := e.envs.GetEnvironment(ctx, environmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Info("environment removed before provisioning")
			observeOutcome(outcomeSkipped, "lookup", started)
			return nil
		}
		return fmt.Errorf("load environment: %w", err)
	}
	if env.Remote() {
		log.Warn("worker-managed environment reached the host provisioner")
		observeOutcome(outcomeSkipped, "placement", started)
		return nil
	}
	if env.Status != domain.StatusCreating && env.Status != domain.StatusBuilding {
		log.Info("environment no longer awaiting provisioning", "status", env.Status)
		observeOutcome(outcomeSkipped, "status", started)
		return nil
	}

	if err := e.envs.UpdateEnvironmentStatus(ctx, env.ID, domain.StatusBuilding); err != nil {
		return fmt.Errorf("mark building: %w", err)
	}
	if err := e.settings.DeleteSettings(ctx, domain.BuildErrorKey(env.ID)); err != nil {
		log.Warn("clear stale build error failed", "error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.buildTimeout)
	defer cancel()

	containerID, err := e.execute(runCtx, log, env)
	if err != nil {
		var se *stageError
		if !errors.As(err, &se) {
			se = &stageError{stage: "provision", err: err}
		}
		e.fail(ctx, log, env, se)
		observeOutcome(outcomeFailed, se.stage, started)
		return err
	}

	if err := e.envs.UpdateEnvironmentStatus(ctx, env.ID, domain.StatusRunning); err != nil {
		log.Error("mark running failed", "container_id", containerID, "error", err)
		return fmt.Errorf("mark running: %w", err)
	}
	log.Info("environment running", "container_id", containerID, "duration", time.Since(started).String())
	observeOutcome(outcomeRunning, "run", started)
	return nil
}

func (e *Executor) execute(ctx context.Context, log *slog.Logger, env *domain.Environment) (string, error) {
	if strings.TrimSpace(env.DockerfileContent) == "" {
		return "", &stageError{stage: "build_context", err: errors.New("dockerfile content is empty")}
	}
	if e.runtime == nil {
		return "", &stageError{stage: "runtime", err: errors.New("container runtime unavailable")}
	}

	spec, err := e.runSpec(ctx, env)
	if err != nil {
		return "", err
	}

	dir, err := e.workspace.Prepare(env.ID, env.DockerfileContent)
	if err != nil {
		return "", &stageError{stage: "workspace", err: err}
	}
	defer func() {
		if err := e.workspace.Cleanup(dir); err != nil {
			log.Error("workspace cleanup failed", "error", err)
		}
	}()

	build := newBuildLog(func(line string) {
		log.Debug("build output", "line", line)
	})
	log.Info("building image", "image", spec.Image)
	if err := e.runtime.BuildImage(ctx, docker.BuildSpec{Dir: dir, Tag: spec.Image, Labels: spec.Labels}, build.Add); err != nil {
		return "", &stageError{stage: "build", err: err, tail: build.Tail()}
	}

	// A previous attempt may have left a container behind under the same name.
	if err := e.runtime.RemoveContainer(ctx, spec.Name); err != nil {
		return "", &stageError{stage: "run", err: fmt.Errorf("remove stale container: %w", err)}
	}
	containerID, err := e.runtime.RunContainer(ctx, spec)
	if err != nil {
		if containerID != "" {
			if rmErr := e.runtime.RemoveContainer(context.WithoutCancel(ctx), spec.Name); rmErr != nil {
				log.Warn("remove failed container", "error", rmErr)
			}
		}
		return "", &stageError{stage: "run", err: err}
	}
	return containerID, nil
}

// runSpec assembles the container definition. Secrets are resolved before the
// build starts so a bad key fails fast.
func (e *Executor) runSpec(ctx context.Context, env *domain.Environment) (docker.RunSpec, error) {
	password := ""
	if env.RootPasswordEncrypted != "" {
		if e.cipher == nil {
			return docker.RunSpec{}, &stageError{stage: "secrets", err: errors.New("secret cipher not configured")}
		}
		plain, err := e.cipher.Decrypt(env.RootPasswordEncrypted)
		if err != nil {
			return docker.RunSpec{}, &stageError{stage: "secrets", err: fmt.Errorf("decrypt root password: %w", err)}
		}
		password = plain
	}

	token, err := e.optionalSetting(ctx, domain.JupyterTokenKey(env.ID))
	if err != nil {
		return docker.RunSpec{}, &stageError{stage: "secrets", err: err}
	}
	if env.EnableJupyter && token == "" {
		return docker.RunSpec{}, &stageError{stage: "secrets", err: errors.New("jupyter token missing")}
	}

	custom, err := e.customPorts(ctx, env.ID)
	if err != nil {
		return docker.RunSpec{}, &stageError{stage: "ports", err: err}
	}

	ports := nat.PortMap{}
	docker.PortBinding(ports, ContainerSSHPort, env.SSHPort)
	if env.EnableJupyter {
		docker.PortBinding(ports, ContainerJupyterPort, env.JupyterPort)
	}
	if env.EnableCodeServer {
		docker.PortBinding(ports, ContainerCodePort, env.CodePort)
	}
	for _, m := range custom {
		docker.PortBinding(ports, m.ContainerPort, m.HostPort)
	}

	binds := make([]docker.Bind, 0, len(env.MountConfig))
	for _, m := range env.MountConfig {
		binds = append(binds, docker.Bind{
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: strings.EqualFold(m.Mode, "ro"),
		})
	}

	user := env.ContainerUser
	if user == "" {
		user = "root"
	}
	spec := docker.RunSpec{
		Name:  env.ContainerName(),
		Image: env.ImageTag(),
		Cmd:   []string{"sh", "-c", bootstrapScript},
		Env: []string{
			"LYRA_ENVIRONMENT_ID=" + env.ID,
			"LYRA_CONTAINER_USER=" + user,
			"LYRA_ROOT_PASSWORD=" + password,
			"JUPYTER_TOKEN=" + token,
			"LYRA_ENABLE_JUPYTER=" + flag(env.EnableJupyter),
			"LYRA_ENABLE_CODE_SERVER=" + flag(env.EnableCodeServer),
		},
		Ports:      ports,
		Binds:      binds,
		GPUIndices: env.GPUIndices,
		Labels:     docker.EnvironmentLabels(env.ID, env.Name),
	}
	if e.hostAlias != "" {
		spec.ExtraHosts = []string{e.hostAlias + ":host-gateway"}
	}
	return spec, nil
}

func (e *Executor) optionalSetting(ctx context.Context, key string) (string, error) {
	value, err := e.settings.GetSetting(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (e *Executor) customPorts(ctx context.Context, envID string) ([]domain.PortMapping, error) {
	raw, err := e.optionalSetting(ctx, domain.CustomPortsKey(envID))
	if err != nil || strings.TrimSpace(raw) == "" {
		return nil, err
	}
	var mappings []domain.PortMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		return nil, fmt.Errorf("decode custom ports: %w", err)
	}
	return mappings, nil
}

// fail records the failure detail and marks the environment as error. It runs
// detached from ctx so a build timeout still leaves a diagnosable row.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, env *domain.Environment, se *stageError) {
	log.Error("provisioning failed", "stage", se.stage, "error", se.err)

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := e.settings.PutSetting(recCtx, domain.BuildErrorKey(env.ID), failureDetail(se)); err != nil {
		log.Warn("record build error failed", "error", err)
	}
	if err := e.envs.UpdateEnvironmentStatus(recCtx, env.ID, domain.StatusError); err != nil {
		log.Error("mark error failed", "error", err)
	}
}

func failureDetail(se *stageError) string {
	var b strings.Builder
	b.WriteString("stage=" + se.stage + "\n")
	b.WriteString("error=" + se.err.Error() + "\n")
	if errors.Is(se.err, context.DeadlineExceeded) {
		b.WriteString("hint=provisioning exceeded the build timeout\n")
	}
	if len(se.tail) > 0 {
		b.WriteString("--- last " + strconv.Itoa(len(se.tail)) + " build lines ---\n")
		b.WriteString(strings.Join(se.tail, "\n"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
