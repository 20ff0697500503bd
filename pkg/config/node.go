package config

import (
	"strings"
	"time"
)

// Node roles.
const (
	RoleMain   = "main"
	RoleWorker = "worker"
)

// NodeConfig holds runtime configuration for a Lyra API node.
type NodeConfig struct {
	Environment           string
	Addr                  string
	DatabaseURL           string
	Role                  string
	LogLevel              string
	SecretKey             string
	WorkerAPIToken        string
	WorkerHTTPTimeout     time.Duration
	WorkerHealthCacheTTL  time.Duration
	DockerHost            string
	QueueRedisAddr        string
	QueueRedisPassword    string
	QueueRedisDB          int
	QueueName             string
	RateLimitRedisAddr    string
	RateLimitRedisPass    string
	RateLimitRedisDB      int
	SSHHostKeyPolicy      string
	SSHKnownHostsPath     string
	SSHConnectTimeout     time.Duration
	ContainerHostAlias    string
	LaunchTicketTTL       time.Duration
	GPUCount              int
	PortInsertRetries     int
	EmbeddedProvisioner   bool
	ProvisionerWorkers    int
	BuildWorkspace        string
	ProvisionBuildTimeout time.Duration
}

// LoadNodeConfig constructs a NodeConfig from environment variables.
func LoadNodeConfig() NodeConfig {
	return NodeConfig{
		Environment:           GetString("APP_ENV", "development"),
		Addr:                  GetString("LYRA_API_ADDR", ":8000"),
		DatabaseURL:           GetString("DATABASE_URL", "postgres://lyra:lyra@db:5432/lyra?sslmode=disable"),
		Role:                  normalizeRole(GetString("LYRA_NODE_ROLE", RoleMain)),
		LogLevel:              GetString("LYRA_LOG_LEVEL", "info"),
		SecretKey:             strings.TrimSpace(GetString("APP_SECRET_KEY", "")),
		WorkerAPIToken:        strings.TrimSpace(GetString("LYRA_WORKER_API_TOKEN", "")),
		WorkerHTTPTimeout:     GetSeconds("LYRA_WORKER_HTTP_TIMEOUT", 5, 1, 30),
		WorkerHealthCacheTTL:  GetSeconds("LYRA_WORKER_HEALTH_CACHE_SECONDS", 8, 0, 30),
		DockerHost:            GetString("DOCKER_HOST", ""),
		QueueRedisAddr:        GetString("LYRA_QUEUE_REDIS_ADDR", "redis:6379"),
		QueueRedisPassword:    GetString("LYRA_QUEUE_REDIS_PASSWORD", ""),
		QueueRedisDB:          GetInt("LYRA_QUEUE_REDIS_DB", 0),
		QueueName:             GetString("LYRA_QUEUE_NAME", "lyra:provision"),
		RateLimitRedisAddr:    GetString("LYRA_RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:    GetString("LYRA_RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:      GetInt("LYRA_RATE_LIMIT_REDIS_DB", 0),
		SSHHostKeyPolicy:      strings.ToLower(strings.TrimSpace(GetString("SSH_HOST_KEY_POLICY", "reject"))),
		SSHKnownHostsPath:     GetString("SSH_KNOWN_HOSTS_PATH", ""),
		SSHConnectTimeout:     time.Duration(GetInt("SSH_CONNECT_TIMEOUT_SECONDS", 10)) * time.Second,
		ContainerHostAlias:    GetString("LYRA_CONTAINER_HOST_ALIAS", "host.docker.internal"),
		LaunchTicketTTL:       time.Duration(GetInt("LYRA_LAUNCH_TICKET_TTL_SECONDS", 60)) * time.Second,
		GPUCount:              GetInt("LYRA_GPU_COUNT", -1),
		PortInsertRetries:     GetInt("LYRA_PORT_INSERT_RETRIES", 8),
		EmbeddedProvisioner:   GetBool("LYRA_EMBEDDED_PROVISIONER", false),
		ProvisionerWorkers:    GetInt("LYRA_PROVISIONER_CONCURRENCY", 2),
		BuildWorkspace:        GetString("LYRA_BUILD_WORKSPACE", "/tmp/lyra-builds"),
		ProvisionBuildTimeout: time.Duration(GetInt("LYRA_BUILD_TIMEOUT_MINUTES", 30)) * time.Minute,
	}
}

// IsWorker reports whether the node serves the worker-facing API.
func (c NodeConfig) IsWorker() bool {
	return c.Role == RoleWorker
}

func normalizeRole(role string) string {
	if strings.EqualFold(strings.TrimSpace(role), RoleWorker) {
		return RoleWorker
	}
	return RoleMain
}
