// Command agent is the Workspace Execution Agent's entry point: a root
// cli.App with a "serve" command that wires every component (C1-C11) and
// installs signal-driven graceful shutdown.
//
// Structured like the teacher's cmd/server/main.go (cli.App, "server"
// subcommand, os.Interrupt/syscall.SIGTERM -> context cancellation).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/forgepad/nodeagent/internal/activity"
	"github.com/forgepad/nodeagent/internal/authgate"
	"github.com/forgepad/nodeagent/internal/config"
	"github.com/forgepad/nodeagent/internal/engine"
	"github.com/forgepad/nodeagent/internal/httpapi"
	"github.com/forgepad/nodeagent/internal/logger"
	"github.com/forgepad/nodeagent/internal/orphangc"
	"github.com/forgepad/nodeagent/internal/procrun"
	"github.com/forgepad/nodeagent/internal/pubsub"
	"github.com/forgepad/nodeagent/internal/realtime"
	"github.com/forgepad/nodeagent/internal/reaper"
	"github.com/forgepad/nodeagent/internal/runengine"
	"github.com/forgepad/nodeagent/internal/supervisor"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "nodeagent",
		Usage: "Workspace Execution Agent - per-node container/run lifecycle supervisor",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the agent's HTTP + realtime surface and background schedulers",
				Flags:  config.Flags(),
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, log := logger.Prepare(ctx)
	ctx = logger.WithComponent(ctx, "agent")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, draining")
		cancel()
	}()

	cfg, err := config.FromCLI(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	runner := procrun.New()
	adapter := engine.New(cfg.ContainerEngine, runner)

	sup := supervisor.New(cfg.WorkspaceRoot, adapter, supervisor.Desired{
		Image:         cfg.ContainerImage,
		ContainerPort: cfg.ContainerPort,
		Network:       cfg.ContainerNetwork,
		NamePrefix:    cfg.ContainerNamePrefix,
		MountTarget:   cfg.ContainerMountTarget,
		RegistryHost:  cfg.RegistryHost,
		RegistryUser:  cfg.RegistryUser,
		RegistryPass:  cfg.RegistryPassword,
		PortScanBase:  cfg.PortScanBase,
		PortScanWin:   cfg.PortScanWindow,
	})

	runs := runengine.New(cfg.WorkspaceRoot, cfg.ContainerMountTarget, adapter, cfg.NpmCacheStrategy, cfg.NpmCacheMaxMB, cfg.LogKeepPerType)

	tracker := activity.New()

	events := buildPubSub(cfg, log)

	controller := httpapi.NewController(cfg.WorkspaceRoot, adapter, sup, runs, tracker, cfg.PreviewBaseURL, cfg.PreviewPathPrefix, events)

	sseHandler := realtime.NewSSEHandler(controller, tracker, events)
	terminalHandler := realtime.NewTerminalHandler(adapter, tracker, realtime.TerminalConfig{AllowedOrigins: cfg.AllowedOrigins})

	gate := authgate.New(cfg.AuthAllowedIPs, cfg.AuthSharedSecret, cfg.AuthSignatureEnabled, cfg.AuthMaxSkew, cfg.AuthNonceTTL, nil)

	idleReaper := reaper.New(tracker, controller, controller, cfg.IdleStopRunAfter, cfg.IdleStopContainerAfter)
	go idleReaper.Start(ctx)
	defer idleReaper.Stop()

	gc := buildOrphanGC(cfg, runner)
	if err := gc.Start(ctx, cfg.OrphanGCCronSpec); err != nil {
		return fmt.Errorf("failed to start orphan gc schedule: %w", err)
	}
	defer gc.Stop()

	router := httpapi.NewRouter(httpapi.Options{
		Controller:       controller,
		Gate:             gate,
		SSE:              sseHandler,
		Terminal:         terminalHandler,
		InternalAPIToken: cfg.InternalAPIToken,
		MountTarget:      cfg.ContainerMountTarget,
		CORSOrigins:      []string{"*"},
		OnAppDeleted: func(ctx context.Context, userID, appID string) error {
			containerName := controller.ContainerName(userID)
			return orphangc.CleanupOnAppDeleted(ctx, cfg.WorkspaceRoot, userID, appID, containerName, runs, controller)
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WebSocket streams are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("agent listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	return nil
}

func buildPubSub(cfg *config.Config, log *zap.Logger) pubsub.PubSub {
	if cfg.RedisAddr == "" {
		return pubsub.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return pubsub.NewRedis(client, log)
}

func buildOrphanGC(cfg *config.Config, runner *procrun.Runner) *orphangc.Collector {
	apps := orphangc.NewHTTPAppIDSource(cfg.ControlPlaneAppIDsURL, cfg.InternalAPIToken)
	var dbs orphangc.DatabaseDropper
	if cfg.MongoURI != "" {
		dbs = orphangc.NewMongoDropper(runner, cfg.MongoShellBinary, cfg.MongoURI)
	}
	return orphangc.New(cfg.WorkspaceRoot, apps, dbs)
}
