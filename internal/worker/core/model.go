package core

import (
	"encoding/json"
	"fmt"
	"math"
)

// ProtocolVersion is the coordinator protocol version implemented by this build.
const ProtocolVersion = 90

// Identity describes this worker process to the coordinator. It is built once
// at startup and never modified afterwards.
type Identity struct {
	Username     string `json:"username"`
	UniqueKey    string `json:"unique_key"`
	Concurrency  int    `json:"concurrency"`
	MaxMemory    int    `json:"max_memory"`
	MinThreads   int    `json:"min_threads"`
	Uname        string `json:"uname"`
	Architecture string `json:"architecture"`
	Version      string `json:"version"`
}

// Credentials authenticate the worker. The password must never be logged.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q}", c.Username)
}

// Quota is the shared rate-limit budget reported by the quota service.
type Quota struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// ExhaustedQuota is assumed whenever the quota service cannot be reached.
var ExhaustedQuota = Quota{Remaining: 0, Limit: 5000}

// Allows reports whether enough budget is left for this worker to proceed.
// The square-root margin leaves headroom for every other worker sharing the
// same budget.
func (q Quota) Allows() bool {
	return float64(q.Remaining) >= math.Sqrt(float64(q.Limit))
}

// Run is the coordinator-side run that a task belongs to.
type Run struct {
	ID   string                     `json:"_id"`
	Args map[string]json.RawMessage `json:"args"`
}

// uploadSuppressingArg marks tuning runs whose results are collected through
// the task itself rather than through artifact upload.
const uploadSuppressingArg = "spsa"

// Assignment is a unit of work granted by the coordinator for one cycle.
type Assignment struct {
	Run    Run `json:"run"`
	TaskID int `json:"task_id"`
}

// UploadSuppressed reports whether the run asks for result artifacts not to
// be uploaded.
func (a *Assignment) UploadSuppressed() bool {
	_, ok := a.Run.Args[uploadSuppressingArg]
	return ok
}

// TaskResponseKind distinguishes the outcomes of a task request.
type TaskResponseKind int

const (
	TaskGranted TaskResponseKind = iota
	TaskWaiting
	TaskError
)

func (k TaskResponseKind) String() string {
	switch k {
	case TaskGranted:
		return "granted"
	case TaskWaiting:
		return "waiting"
	case TaskError:
		return "error"
	default:
		return fmt.Sprintf("TaskResponseKind(%d)", int(k))
	}
}

// TaskResponse is the classified answer to a task request. Assignment is set
// only for TaskGranted and Error only for TaskError.
type TaskResponse struct {
	Kind       TaskResponseKind
	Assignment *Assignment
	Error      string
}

// VersionInfo is the coordinator's answer to a version check.
type VersionInfo struct {
	RequiredVersion int
}

// Outcome is the result of one task cycle.
type Outcome int

const (
	// OutcomeCompleted means a task ran and the executor succeeded.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means a task ran and the executor failed.
	OutcomeFailed
	// OutcomeAborted means the cycle stopped before a task was requested or granted.
	OutcomeAborted
	// OutcomeIdle means the coordinator had no task available.
	OutcomeIdle
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeIdle:
		return "idle"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
