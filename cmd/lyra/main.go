package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hololee/Lyra/internal/app/migrate"
	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/gpu"
	httpx "github.com/hololee/Lyra/internal/http"
	"github.com/hololee/Lyra/internal/provision"
	"github.com/hololee/Lyra/internal/repository/postgres"
	"github.com/hololee/Lyra/internal/service/environment"
	"github.com/hololee/Lyra/internal/service/launch"
	"github.com/hololee/Lyra/internal/service/sshpolicy"
	"github.com/hololee/Lyra/internal/service/worker"
	"github.com/hololee/Lyra/pkg/config"
	"github.com/hololee/Lyra/pkg/crypto"
	"github.com/hololee/Lyra/pkg/logger"
)

func main() {
	cfg := config.LoadNodeConfig()
	log := logger.New("lyra-"+cfg.Role, logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	cipher := crypto.NewSecretCipher(cfg.SecretKey)
	if err := cipher.Ready(); err != nil {
		log.Warn("secret cipher unavailable; password and token encryption will fail", "error", err)
	}

	healthChecks := map[string]func(context.Context) error{
		"database": pool.Ping,
	}

	// A nil *docker.Client must not reach the Runtime interfaces.
	var containers environment.Runtime
	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Warn("docker runtime unavailable", "error", err)
	} else {
		defer dockerClient.Close()
		containers = dockerClient
		healthChecks["docker"] = dockerClient.Ping
	}

	queue, err := provision.DialQueue(ctx, cfg.QueueRedisAddr, cfg.QueueRedisPassword, cfg.QueueRedisDB, cfg.QueueName)
	if err != nil {
		log.Warn("provisioning queue unreachable; creates will fail until it recovers", "addr", cfg.QueueRedisAddr, "error", err)
		queue = provision.NewQueue(redis.NewClient(&redis.Options{
			Addr:     cfg.QueueRedisAddr,
			Password: cfg.QueueRedisPassword,
			DB:       cfg.QueueRedisDB,
		}), cfg.QueueName)
	}
	defer queue.Close()
	healthChecks["queue"] = queue.Ping

	deps := environment.Deps{
		Environments:  repo,
		Settings:      repo,
		Runtime:       containers,
		GPUs:          gpu.New(cfg.GPUCount),
		Queue:         queue,
		Cipher:        cipher,
		Tickets:       launch.NewStore(cfg.LaunchTicketTTL),
		Logger:        log,
		InsertRetries: cfg.PortInsertRetries,
	}

	routerDeps := httpx.Deps{
		Logger:       log,
		Settings:     repo,
		Cipher:       cipher,
		WorkerRole:   cfg.IsWorker(),
		WorkerToken:  cfg.WorkerAPIToken,
		SSHTimeout:   cfg.SSHConnectTimeout,
		HealthChecks: healthChecks,
	}

	if cfg.IsWorker() {
		if cfg.WorkerAPIToken == "" {
			log.Warn("LYRA_WORKER_API_TOKEN is not set; worker API will reject every call")
		}
	} else {
		workers := worker.New(repo, cipher, worker.NewClient(cfg.WorkerHTTPTimeout), worker.NewHealthCache(cfg.WorkerHealthCacheTTL), log)
		deps.Workers = workers
		routerDeps.Workers = workers
		routerDeps.SSH = sshpolicy.New(sshpolicy.ParseTrustMode(cfg.SSHHostKeyPolicy), cfg.SSHKnownHostsPath, cfg.ContainerHostAlias, log)
	}

	envSvc := environment.New(deps)
	routerDeps.Environments = envSvc

	if cfg.EmbeddedProvisioner {
		if dockerClient == nil {
			log.Error("embedded provisioner requires a docker runtime")
			os.Exit(1)
		}
		workspace, err := provision.NewWorkspace(cfg.BuildWorkspace)
		if err != nil {
			log.Error("failed to prepare build workspace", "error", err)
			os.Exit(1)
		}
		executor := provision.NewExecutor(provision.ExecutorDeps{
			Environments: repo,
			Settings:     repo,
			Runtime:      dockerClient,
			Workspace:    workspace,
			Cipher:       cipher,
			Logger:       log.With("component", "provisioner"),
			BuildTimeout: cfg.ProvisionBuildTimeout,
			HostAlias:    cfg.ContainerHostAlias,
		})
		go provision.NewPool(queue, executor, cfg.ProvisionerWorkers, log).Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	routerDeps.Limiter = limiter

	router := httpx.NewRouter(routerDeps)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "role", cfg.Role)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
