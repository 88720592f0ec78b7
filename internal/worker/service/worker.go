package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"time"

	"github.com/nemanja-m/fleetworker/internal/shared/logging"
	"github.com/nemanja-m/fleetworker/internal/worker/core"
	"github.com/nemanja-m/fleetworker/internal/worker/metrics"
)

// Range is an inclusive interval of wait durations.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Backoff holds the randomized waits of the task cycle. Random waits spread
// the load of many workers over time.
type Backoff struct {
	RateLimit Range
	Error     Range
	Waiting   Range
	Upload    Range
}

type Config struct {
	Client   core.CoordinatorClient
	Limiter  core.RateLimiter
	Executor core.Executor
	Updater  core.Updater
	State    *core.State
	Identity core.Identity
	Creds    core.Credentials

	// Timeout is the coordinator request timeout. The loop also waits this
	// long after a failed task before starting the next cycle.
	Timeout      time.Duration
	Backoff      Backoff
	ShutdownFile string
	Logger       logging.Logger

	// Sleep and RandN default to State.Sleep and rand.Int64N.
	Sleep func(d time.Duration) bool
	RandN func(n int64) int64
}

type workerService struct {
	client   core.CoordinatorClient
	limiter  core.RateLimiter
	executor core.Executor
	updater  core.Updater
	state    *core.State
	identity core.Identity
	creds    core.Credentials

	timeout      time.Duration
	backoff      Backoff
	shutdownFile string
	logger       logging.Logger

	sleep func(d time.Duration) bool
	randN func(n int64) int64
}

func NewWorkerService(cfg Config) core.WorkerService {
	w := &workerService{
		client:       cfg.Client,
		limiter:      cfg.Limiter,
		executor:     cfg.Executor,
		updater:      cfg.Updater,
		state:        cfg.State,
		identity:     cfg.Identity,
		creds:        cfg.Creds,
		timeout:      cfg.Timeout,
		backoff:      cfg.Backoff,
		shutdownFile: cfg.ShutdownFile,
		logger:       cfg.Logger,
		sleep:        cfg.Sleep,
		randN:        cfg.RandN,
	}
	if w.sleep == nil {
		w.sleep = w.state.Sleep
	}
	if w.randN == nil {
		w.randN = rand.Int64N
	}
	return w
}

// Run drives task cycles until shutdown is requested or a fatal error occurs.
func (w *workerService) Run(ctx context.Context) error {
	last := core.OutcomeCompleted
	for w.state.Alive() {
		if w.shutdownRequested() {
			w.logger.Info("Shutdown file found, stopping", "path", w.shutdownFile)
			w.state.Stop()
			break
		}
		if last == core.OutcomeFailed && !w.sleep(w.timeout) {
			break
		}

		outcome, err := w.RunCycle(ctx)
		if err != nil {
			w.state.Stop()
			return err
		}
		last = outcome
	}
	w.logger.Info("Worker loop stopped")
	return nil
}

// RunCycle runs a single task cycle. The returned error is non-nil only for
// fatal conditions.
func (w *workerService) RunCycle(ctx context.Context) (core.Outcome, error) {
	outcome, err := w.cycle(context.WithoutCancel(ctx))
	metrics.ObserveCycle(outcome.String())
	return outcome, err
}

func (w *workerService) cycle(ctx context.Context) (core.Outcome, error) {
	w.logger.Info("Fetch task")

	quota, ok := w.limiter.Check(ctx)
	if !ok {
		d := w.pick(w.backoff.RateLimit)
		w.logger.Warn("Near API limit, deferring cycle", "remaining", quota.Remaining, "limit", quota.Limit, "delay", d)
		w.sleep(d)
		return core.OutcomeAborted, nil
	}

	start := time.Now()
	version, err := w.client.VersionCheck(ctx, w.identity, w.creds)
	if err != nil {
		return w.abort("Failed to check version", err)
	}
	if version.RequiredVersion > core.ProtocolVersion {
		w.logger.Info("Updating worker version", "current", core.ProtocolVersion, "required", version.RequiredVersion)
		if err := w.updater.Update(ctx, version.RequiredVersion); err != nil {
			return w.abort("Failed to update worker", err)
		}
		return core.OutcomeAborted, nil
	}
	w.logger.Info("Worker version checked successfully", "duration", time.Since(start))

	start = time.Now()
	resp, err := w.client.RequestTask(ctx, w.identity, quota, w.creds)
	if err != nil {
		return w.abort("Failed to request task", err)
	}
	w.logger.Info("Task requested", "duration", time.Since(start), "response", resp.Kind.String())

	switch resp.Kind {
	case core.TaskError:
		return w.abort("Error from remote", errors.New(resp.Error))
	case core.TaskWaiting:
		d := w.pick(w.backoff.Waiting)
		w.logger.Info("No tasks available at this time, waiting", "delay", d)
		w.sleep(d)
		return core.OutcomeIdle, nil
	}

	return w.runTask(ctx, resp.Assignment), nil
}

// abort logs err and backs off, unless err is fatal, in which case it is
// returned as is.
func (w *workerService) abort(msg string, err error) (core.Outcome, error) {
	if core.IsFatal(err) {
		w.logger.Error(msg, "error", err)
		return core.OutcomeAborted, err
	}
	d := w.pick(w.backoff.Error)
	w.logger.Error(msg, "error", err, "delay", d)
	w.sleep(d)
	return core.OutcomeAborted, nil
}

func (w *workerService) runTask(ctx context.Context, a *core.Assignment) core.Outcome {
	w.state.Commit(a)
	logger := w.logger.With("run_id", a.Run.ID, "task_id", a.TaskID)
	logger.Info("Running task")

	var artifact string
	success := false
	defer func() {
		w.report(ctx, logger, a, artifact, success)
		w.cleanup(logger, artifact)
	}()

	artifact, err := w.execute(ctx, a)
	if err != nil {
		logger.Error("Task execution failed", "error", fmt.Sprintf("%+v", err))
		return core.OutcomeFailed
	}
	success = true
	return core.OutcomeCompleted
}

func (w *workerService) execute(ctx context.Context, a *core.Assignment) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return w.executor.Run(ctx, w.identity, w.creds, w.client.RemoteURL(), a)
}

// report tells the coordinator the task cycle ended, whatever its outcome,
// and uploads the artifact of successful tasks.
func (w *workerService) report(ctx context.Context, logger logging.Logger, a *core.Assignment, artifact string, success bool) {
	if err := w.client.ReportTaskEnded(ctx, w.creds, a.Run.ID, a.TaskID); err != nil {
		logger.Warn("Failed to report task end", "error", err)
	}

	if !success || !w.state.Alive() || a.UploadSuppressed() {
		return
	}

	d := w.pick(w.backoff.Upload)
	logger.Info("Waiting before artifact upload", "delay", d)
	if !w.sleep(d) {
		logger.Info("Shutdown requested, skipping artifact upload")
		return
	}

	payload, err := EncodeArtifact(artifact)
	if err != nil {
		logger.Error("Failed to prepare artifact", "path", artifact, "error", err)
		return
	}
	logger.Info("Uploading compressed artifact", "bytes", len(payload))
	if err := w.client.UploadArtifact(ctx, w.creds, a.Run.ID, a.TaskID, payload); err != nil {
		logger.Error("Failed to upload artifact", "error", err)
	}
}

func (w *workerService) cleanup(logger logging.Logger, artifact string) {
	if artifact != "" {
		os.Remove(artifact)
	}
	w.state.Clear()
	logger.Info("Task exited")
}

func (w *workerService) shutdownRequested() bool {
	if w.shutdownFile == "" {
		return false
	}
	info, err := os.Stat(w.shutdownFile)
	return err == nil && !info.IsDir()
}

func (w *workerService) pick(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(w.randN(int64(r.Max-r.Min)+1))
}
