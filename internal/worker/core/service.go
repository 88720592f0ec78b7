package core

import (
	"context"
)

type CoordinatorClient interface {
	VersionCheck(ctx context.Context, identity Identity, creds Credentials) (*VersionInfo, error)
	RequestTask(ctx context.Context, identity Identity, quota Quota, creds Credentials) (*TaskResponse, error)
	ReportTaskEnded(ctx context.Context, creds Credentials, runID string, taskID int) error
	UploadArtifact(ctx context.Context, creds Credentials, runID string, taskID int, payload string) error
	Heartbeat(ctx context.Context, creds Credentials, runID *string, taskID *int) error
	RemoteURL() string
}

type RateLimiter interface {
	Check(ctx context.Context) (Quota, bool)
}

// Executor runs an assigned workload and returns the path of the result
// artifact it produced. Implementations are expected to return in bounded
// time; the worker loop does not enforce a timeout.
type Executor interface {
	Run(ctx context.Context, identity Identity, creds Credentials, remote string, assignment *Assignment) (string, error)
}

// Updater brings the worker up to the required protocol version. Returning
// ErrRestartRequired stops the worker so that it can be restarted.
type Updater interface {
	Update(ctx context.Context, requiredVersion int) error
}

type WorkerService interface {
	Run(ctx context.Context) error
	RunCycle(ctx context.Context) (Outcome, error)
}
