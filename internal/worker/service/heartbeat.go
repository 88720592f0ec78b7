package service

import (
	"context"
	"time"

	"github.com/nemanja-m/fleetworker/internal/shared/logging"
	"github.com/nemanja-m/fleetworker/internal/worker/core"
	"github.com/nemanja-m/fleetworker/internal/worker/metrics"
)

// HeartbeatSupervisor reports liveness and the current task to the
// coordinator every `every` ticks for as long as the worker is alive.
type HeartbeatSupervisor struct {
	client core.CoordinatorClient
	state  *core.State
	creds  core.Credentials
	tick   time.Duration
	every  int
	logger logging.Logger

	sleep func(d time.Duration) bool
}

func NewHeartbeatSupervisor(
	client core.CoordinatorClient,
	state *core.State,
	creds core.Credentials,
	tick time.Duration,
	every int,
	logger logging.Logger,
) *HeartbeatSupervisor {
	return &HeartbeatSupervisor{
		client: client,
		state:  state,
		creds:  creds,
		tick:   tick,
		every:  max(every, 1),
		logger: logger,
		sleep:  state.Sleep,
	}
}

// Run blocks until shutdown is requested. Failed heartbeats are logged and
// never stop the worker.
func (h *HeartbeatSupervisor) Run(ctx context.Context) {
	h.logger.Info("Start heartbeat", "interval", h.tick*time.Duration(h.every))
	ctx = context.WithoutCancel(ctx)

	count := 0
	for h.state.Alive() {
		if !h.sleep(h.tick) {
			break
		}
		count++
		if count < h.every {
			continue
		}
		count = 0
		if !h.state.Alive() {
			break
		}
		h.beat(ctx)
	}
	h.logger.Info("Heartbeat stopped")
}

func (h *HeartbeatSupervisor) beat(ctx context.Context) {
	runID, taskID := h.state.CurrentIDs()
	err := h.client.Heartbeat(ctx, h.creds, runID, taskID)
	metrics.ObserveHeartbeat(err)
	if err != nil {
		h.logger.Error("Failed to send heartbeat", "error", err)
		return
	}
	h.logger.Debug("Heartbeat sent successfully")
}
