// Package config loads the agent's runtime configuration from CLI flags and
// NODEAGENT_* environment variables, following the pattern of the upstream
// control plane's cmd/server/main.go (urfave/cli flags with EnvVars) and its
// internal/docker/config.go (ParseConfig/ValidateConfig shape).
package config

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// NpmCacheStrategy controls where the managed run engine places the npm
// cache for install/build tasks (spec.md §4.4).
type NpmCacheStrategy string

const (
	NpmCacheApp       NpmCacheStrategy = "APP"
	NpmCacheDisabled  NpmCacheStrategy = "DISABLED"
	NpmCacheContainer NpmCacheStrategy = "CONTAINER"
)

// Config is the agent's full runtime configuration.
type Config struct {
	// Filesystem
	WorkspaceRoot string

	// Host port allocation window (spec.md §3)
	PortScanBase   int
	PortScanWindow int

	// Container defaults
	ContainerEngine      string // "docker" or "podman"
	ContainerImage       string
	ContainerNetwork     string
	ContainerNamePrefix  string
	ContainerPort        int
	RegistryUser         string
	RegistryPassword     string
	RegistryHost         string
	ContainerMountTarget string // in-container path the per-user root is bind-mounted to

	// Idle reaper thresholds (<=0 disables)
	IdleStopRunAfter       time.Duration
	IdleStopContainerAfter time.Duration

	// Log retention
	LogKeepPerType int

	// npm cache strategy
	NpmCacheStrategy NpmCacheStrategy
	NpmCacheMaxMB    int

	// Preview URL composition (spec.md §4.5)
	PreviewBaseURL    string
	PreviewPathPrefix string

	// Auth gate (spec.md §4.9)
	AuthAllowedIPs       []string
	AuthSharedSecret     string
	AuthSignatureEnabled bool
	AuthMaxSkew          time.Duration
	AuthNonceTTL         time.Duration

	// Orphan GC schedule
	OrphanGCCronSpec string

	// Orphan GC collaborators (spec.md §4.8: app ids "supplied by the
	// control plane via internal API", Mongo databases dropped "via an
	// external shell")
	ControlPlaneAppIDsURL string
	MongoURI              string
	MongoShellBinary      string

	// Realtime channel
	RedisAddr string // empty => in-memory pubsub

	// HTTP server
	HTTPAddr         string
	InternalAPIToken string   // shared-token guard for the port-lookup endpoint (spec.md §6)
	AllowedOrigins   []string // WebSocket terminal origin allowlist (spec.md §4.6)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root is required")
	}
	if c.PortScanWindow <= 0 {
		return fmt.Errorf("port scan window must be positive")
	}
	if c.ContainerEngine != "docker" && c.ContainerEngine != "podman" {
		return fmt.Errorf("container engine must be docker or podman, got %q", c.ContainerEngine)
	}
	if c.AuthSignatureEnabled && c.AuthSharedSecret == "" {
		return fmt.Errorf("auth shared secret is required when signature verification is enabled")
	}
	return nil
}

// Flags returns the urfave/cli flag set for the "serve" command, mirroring
// the upstream cmd/server/main.go EnvVars convention.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "workspace-root", Value: "./data/workspaces", EnvVars: []string{"NODEAGENT_WORKSPACE_ROOT"}},
		&cli.IntFlag{Name: "port-scan-base", Value: 20000, EnvVars: []string{"NODEAGENT_PORT_SCAN_BASE"}},
		&cli.IntFlag{Name: "port-scan-window", Value: 2000, EnvVars: []string{"NODEAGENT_PORT_SCAN_WINDOW"}},
		&cli.StringFlag{Name: "container-engine", Value: "docker", EnvVars: []string{"NODEAGENT_CONTAINER_ENGINE"}},
		&cli.StringFlag{Name: "container-image", Value: "node:20-bookworm", EnvVars: []string{"NODEAGENT_CONTAINER_IMAGE"}},
		&cli.StringFlag{Name: "container-network", Value: "nodeagent-network", EnvVars: []string{"NODEAGENT_CONTAINER_NETWORK"}},
		&cli.StringFlag{Name: "container-name-prefix", Value: "nodeagent-ws-", EnvVars: []string{"NODEAGENT_CONTAINER_NAME_PREFIX"}},
		&cli.IntFlag{Name: "container-port", Value: 5173, EnvVars: []string{"NODEAGENT_CONTAINER_PORT"}},
		&cli.StringFlag{Name: "container-mount-target", Value: "/workspace", EnvVars: []string{"NODEAGENT_CONTAINER_MOUNT_TARGET"}},
		&cli.StringFlag{Name: "registry-host", EnvVars: []string{"NODEAGENT_REGISTRY_HOST"}},
		&cli.StringFlag{Name: "registry-user", EnvVars: []string{"NODEAGENT_REGISTRY_USER"}},
		&cli.StringFlag{Name: "registry-password", EnvVars: []string{"NODEAGENT_REGISTRY_PASSWORD"}},
		&cli.DurationFlag{Name: "idle-stop-run-after", Value: 30 * time.Minute, EnvVars: []string{"NODEAGENT_IDLE_STOP_RUN_AFTER"}},
		&cli.DurationFlag{Name: "idle-stop-container-after", Value: 2 * time.Hour, EnvVars: []string{"NODEAGENT_IDLE_STOP_CONTAINER_AFTER"}},
		&cli.IntFlag{Name: "log-keep-per-type", Value: 5, EnvVars: []string{"NODEAGENT_LOG_KEEP_PER_TYPE"}},
		&cli.StringFlag{Name: "npm-cache-strategy", Value: string(NpmCacheApp), EnvVars: []string{"NODEAGENT_NPM_CACHE_STRATEGY"}},
		&cli.IntFlag{Name: "npm-cache-max-mb", Value: 512, EnvVars: []string{"NODEAGENT_NPM_CACHE_MAX_MB"}},
		&cli.StringFlag{Name: "preview-base-url", Value: "https://workspaces.example.com", EnvVars: []string{"NODEAGENT_PREVIEW_BASE_URL"}},
		&cli.StringFlag{Name: "preview-path-prefix", Value: "/ws", EnvVars: []string{"NODEAGENT_PREVIEW_PATH_PREFIX"}},
		&cli.StringSliceFlag{Name: "auth-allowed-ip", EnvVars: []string{"NODEAGENT_AUTH_ALLOWED_IPS"}},
		&cli.StringFlag{Name: "auth-shared-secret", EnvVars: []string{"NODEAGENT_AUTH_SHARED_SECRET"}},
		&cli.BoolFlag{Name: "auth-signature-enabled", Value: true, EnvVars: []string{"NODEAGENT_AUTH_SIGNATURE_ENABLED"}},
		&cli.DurationFlag{Name: "auth-max-skew", Value: 60 * time.Second, EnvVars: []string{"NODEAGENT_AUTH_MAX_SKEW"}},
		&cli.DurationFlag{Name: "auth-nonce-ttl", Value: 5 * time.Minute, EnvVars: []string{"NODEAGENT_AUTH_NONCE_TTL"}},
		&cli.StringFlag{Name: "orphan-gc-cron", Value: "0 2 * * *", EnvVars: []string{"NODEAGENT_ORPHAN_GC_CRON"}},
		&cli.StringFlag{Name: "control-plane-app-ids-url", EnvVars: []string{"NODEAGENT_CONTROL_PLANE_APP_IDS_URL"}},
		&cli.StringFlag{Name: "mongo-uri", EnvVars: []string{"NODEAGENT_MONGO_URI"}},
		&cli.StringFlag{Name: "mongo-shell-binary", Value: "mongosh", EnvVars: []string{"NODEAGENT_MONGO_SHELL_BINARY"}},
		&cli.StringFlag{Name: "redis-addr", EnvVars: []string{"NODEAGENT_REDIS_ADDR"}},
		&cli.StringFlag{Name: "http-addr", Value: ":8088", EnvVars: []string{"NODEAGENT_HTTP_ADDR"}},
		&cli.StringFlag{Name: "internal-api-token", EnvVars: []string{"NODEAGENT_INTERNAL_API_TOKEN"}},
		&cli.StringSliceFlag{Name: "allowed-origin", EnvVars: []string{"NODEAGENT_ALLOWED_ORIGINS"}},
	}
}

// FromCLI builds a Config from a populated cli.Context.
func FromCLI(c *cli.Context) (*Config, error) {
	cfg := &Config{
		WorkspaceRoot:          c.String("workspace-root"),
		PortScanBase:           c.Int("port-scan-base"),
		PortScanWindow:         c.Int("port-scan-window"),
		ContainerEngine:        c.String("container-engine"),
		ContainerImage:         c.String("container-image"),
		ContainerNetwork:       c.String("container-network"),
		ContainerNamePrefix:    c.String("container-name-prefix"),
		ContainerPort:          c.Int("container-port"),
		ContainerMountTarget:   c.String("container-mount-target"),
		RegistryHost:           c.String("registry-host"),
		RegistryUser:           c.String("registry-user"),
		RegistryPassword:       c.String("registry-password"),
		IdleStopRunAfter:       c.Duration("idle-stop-run-after"),
		IdleStopContainerAfter: c.Duration("idle-stop-container-after"),
		LogKeepPerType:         c.Int("log-keep-per-type"),
		NpmCacheStrategy:       NpmCacheStrategy(c.String("npm-cache-strategy")),
		NpmCacheMaxMB:          c.Int("npm-cache-max-mb"),
		PreviewBaseURL:         c.String("preview-base-url"),
		PreviewPathPrefix:      c.String("preview-path-prefix"),
		AuthAllowedIPs:         c.StringSlice("auth-allowed-ip"),
		AuthSharedSecret:       c.String("auth-shared-secret"),
		AuthSignatureEnabled:   c.Bool("auth-signature-enabled"),
		AuthMaxSkew:            c.Duration("auth-max-skew"),
		AuthNonceTTL:           c.Duration("auth-nonce-ttl"),
		OrphanGCCronSpec:       c.String("orphan-gc-cron"),
		ControlPlaneAppIDsURL:  c.String("control-plane-app-ids-url"),
		MongoURI:               c.String("mongo-uri"),
		MongoShellBinary:       c.String("mongo-shell-binary"),
		RedisAddr:              c.String("redis-addr"),
		HTTPAddr:               c.String("http-addr"),
		InternalAPIToken:       c.String("internal-api-token"),
		AllowedOrigins:         c.StringSlice("allowed-origin"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
