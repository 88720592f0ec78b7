package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/fleetworker/internal/shared/config"
	"github.com/nemanja-m/fleetworker/internal/shared/logging"
	"github.com/nemanja-m/fleetworker/internal/worker/api/rest"
	"github.com/nemanja-m/fleetworker/internal/worker/core"
	"github.com/nemanja-m/fleetworker/internal/worker/host"
	"github.com/nemanja-m/fleetworker/internal/worker/metrics"
	"github.com/nemanja-m/fleetworker/internal/worker/quota"
	"github.com/nemanja-m/fleetworker/internal/worker/service"
)

const (
	exitInvalidConfig      = 64
	exitInvalidCredentials = 65
	exitRestartRequired    = 66
	exitInternal           = 70
)

var errInvalidConfig = errors.New("invalid configuration")

func main() {
	os.Exit(exitCode(newRootCommand().Execute()))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, core.ErrInvalidCredentials):
		return exitInvalidCredentials
	case errors.Is(err, core.ErrRestartRequired):
		return exitRestartRequired
	default:
		return exitInternal
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "worker [username] [password]",
		Short:         "Run tasks handed out by the fleet coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MaximumNArgs(2)(cmd, args); err != nil {
				return fmt.Errorf("%w: %w", errInvalidConfig, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker(configPath, cmd.Flags())
			if err != nil {
				return fail(fmt.Errorf("%w: %w", errInvalidConfig, err))
			}
			if len(args) > 0 {
				cfg.Login.Username = args[0]
			}
			if len(args) > 1 {
				cfg.Login.Password = args[1]
			}
			if err := cfg.Validate(); err != nil {
				return fail(fmt.Errorf("%w: %w", errInvalidConfig, err))
			}
			return fail(run(cfg))
		},
	}
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	})

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to config file")
	flags.String("protocol", "https", "coordinator protocol, http or https")
	flags.String("host", "tests.stockfishchess.org", "coordinator host")
	flags.String("port", "443", "coordinator port")
	flags.Int("concurrency", 3, "number of CPUs to offer, one is always kept free")
	flags.Int("max_memory", 0, "memory limit in MiB, half of the total when 0")
	flags.Int("min_threads", 1, "minimum threads per task")
	flags.String("work_dir", ".", "directory for task files")
	flags.String("log_level", "info", "log level: debug, info, warn or error")
	return cmd
}

// fail logs errors that end the process. Cobra's own error output is
// silenced, so this is the only place they are reported.
func fail(err error) error {
	if err != nil {
		slog.Error("Worker exited", "error", err, "exit_code", exitCode(err))
	}
	return err
}

func run(cfg *config.WorkerConfig) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	logger := logging.NewLogger(os.Stderr, level, cfg.Logging.Format)

	remote, err := cfg.Coordinator.RemoteURL()
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	hostInfo := host.Detect()
	concurrency, err := hostInfo.Concurrency(cfg.Worker.Concurrency)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	removed, err := service.SweepStaleArtifacts(cfg.Worker.WorkDir, cfg.Artifacts.StaleGlob)
	if err != nil {
		logger.Warn("Failed to remove stale artifacts", "error", err)
	}
	for _, path := range removed {
		logger.Info("Removed stale artifact", "path", path)
	}

	identity := core.Identity{
		Username:     cfg.Login.Username,
		UniqueKey:    uuid.NewString(),
		Concurrency:  concurrency,
		MaxMemory:    hostInfo.MaxMemory(cfg.Worker.MaxMemory),
		MinThreads:   cfg.Worker.MinThreads,
		Uname:        hostInfo.Uname,
		Architecture: hostInfo.Architecture,
		Version:      fmt.Sprintf("%d:%s", core.ProtocolVersion, runtime.Version()),
	}
	creds := core.Credentials{Username: cfg.Login.Username, Password: cfg.Login.Password}

	client := rest.NewCoordinatorClient(remote, cfg.Coordinator.Timeout, cfg.Coordinator.RetryWindow)
	limiter := quota.NewLimiter(cfg.Quota.URL, cfg.Coordinator.Timeout, logger)
	state := core.NewState()

	workerService := service.NewWorkerService(service.Config{
		Client:   client,
		Limiter:  limiter,
		Executor: service.NewCommandExecutor(cfg.Executor.Command, cfg.Worker.WorkDir, logger),
		Updater:  service.NewCommandUpdater(cfg.Updater.Command, logger),
		State:    state,
		Identity: identity,
		Creds:    creds,
		Timeout:  cfg.Coordinator.Timeout,
		Backoff: service.Backoff{
			RateLimit: service.Range{Min: cfg.Backoff.RateLimitMin, Max: cfg.Backoff.RateLimitMax},
			Error:     service.Range{Min: cfg.Backoff.ErrorMin, Max: cfg.Backoff.ErrorMax},
			Waiting:   service.Range{Min: cfg.Backoff.WaitingMin, Max: cfg.Backoff.WaitingMax},
			Upload:    service.Range{Min: cfg.Backoff.UploadMin, Max: cfg.Backoff.UploadMax},
		},
		ShutdownFile: cfg.Worker.ShutdownFile,
		Logger:       logger,
	})
	heartbeat := service.NewHeartbeatSupervisor(client, state, creds, cfg.Heartbeat.Tick, cfg.Heartbeat.Every, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case sig := <-quit:
			logger.Info("Shutting down worker", "signal", sig.String())
			state.Stop()
		case <-state.Done():
		}
		cancel()
	}()

	logger.Info("Worker started",
		"worker_id", identity.UniqueKey,
		"remote", remote,
		"concurrency", concurrency,
		"max_memory_mib", identity.MaxMemory,
		"version", identity.Version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return workerService.Run(gctx)
	})
	g.Go(func() error {
		heartbeat.Run(gctx)
		return nil
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, cfg.Metrics.Addr, logger); err != nil {
				state.Stop()
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("Worker stopped", "worker_id", identity.UniqueKey)
	return err
}
