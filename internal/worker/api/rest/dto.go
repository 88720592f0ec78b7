package rest

import "github.com/nemanja-m/fleetworker/internal/worker/core"

// Endpoint paths on the coordinator.
const (
	VersionPath   = "/api/request_version"
	RequestPath   = "/api/request_task"
	TaskEndedPath = "/api/failed_task"
	UploadPath    = "/api/upload_pgn"
	HeartbeatPath = "/api/beat"
)

// WorkerInfo is the identity payload sent with version checks and task
// requests.
type WorkerInfo struct {
	core.Identity
	Rate *core.Quota `json:"rate,omitempty"`
}

type WorkerRequest struct {
	WorkerInfo WorkerInfo `json:"worker_info"`
	Password   string     `json:"password"`
}

type VersionResponse struct {
	Version *int `json:"version"`
}

type TaskResponse struct {
	Error       *string   `json:"error,omitempty"`
	TaskWaiting *bool     `json:"task_waiting,omitempty"`
	Run         *core.Run `json:"run,omitempty"`
	TaskID      *int      `json:"task_id,omitempty"`
}

type TaskRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	RunID    string `json:"run_id"`
	TaskID   int    `json:"task_id"`
}

type UploadRequest struct {
	TaskRequest
	PGN string `json:"pgn"`
}

type HeartbeatRequest struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	RunID    *string `json:"run_id"`
	TaskID   *int    `json:"task_id"`
}
