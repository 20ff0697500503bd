package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hololee/Lyra/internal/docker"
	"github.com/hololee/Lyra/internal/provision"
	"github.com/hololee/Lyra/internal/repository/postgres"
	"github.com/hololee/Lyra/pkg/config"
	"github.com/hololee/Lyra/pkg/crypto"
	"github.com/hololee/Lyra/pkg/logger"
)

func main() {
	cfg := config.LoadNodeConfig()
	log := logger.New("lyra-provisioner", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = dockerClient.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	queue, err := provision.DialQueue(ctx, cfg.QueueRedisAddr, cfg.QueueRedisPassword, cfg.QueueRedisDB, cfg.QueueName)
	if err != nil {
		log.Error("failed to connect to provisioning queue", "addr", cfg.QueueRedisAddr, "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	workspace, err := provision.NewWorkspace(cfg.BuildWorkspace)
	if err != nil {
		log.Error("failed to prepare build workspace", "error", err)
		os.Exit(1)
	}

	cipher := crypto.NewSecretCipher(cfg.SecretKey)
	if err := cipher.Ready(); err != nil {
		log.Warn("secret cipher unavailable; environments with root passwords will fail", "error", err)
	}

	repo := postgres.New(pool)
	executor := provision.NewExecutor(provision.ExecutorDeps{
		Environments: repo,
		Settings:     repo,
		Runtime:      dockerClient,
		Workspace:    workspace,
		Cipher:       cipher,
		Logger:       log,
		BuildTimeout: cfg.ProvisionBuildTimeout,
		HostAlias:    cfg.ContainerHostAlias,
	})

	log.Info("provisioner starting", "queue", cfg.QueueName, "workers", cfg.ProvisionerWorkers, "workspace", cfg.BuildWorkspace)
	provision.NewPool(queue, executor, cfg.ProvisionerWorkers, log).Run(ctx)
	log.Info("provisioner stopped")
}
