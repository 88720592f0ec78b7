package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/fleetworker/internal/worker/core"
)

func TestHeartbeat_BeatsEveryNthTick(t *testing.T) {
	client := &mockCoordinatorClient{}
	state := core.NewState()
	hb := NewHeartbeatSupervisor(client, state, core.Credentials{Username: "alice"}, time.Second, 3, &mockLogger{})

	ticks := 0
	hb.sleep = func(d time.Duration) bool {
		ticks++
		if ticks == 10 {
			state.Stop()
			return false
		}
		return true
	}

	hb.Run(context.Background())

	// Ticks 3, 6 and 9 beat, tick 10 is interrupted.
	assert.Len(t, client.heartbeats, 3)
}

func TestHeartbeat_ReportsCurrentTask(t *testing.T) {
	client := &mockCoordinatorClient{}
	state := core.NewState()
	hb := NewHeartbeatSupervisor(client, state, core.Credentials{Username: "alice"}, time.Second, 1, &mockLogger{})

	ticks := 0
	hb.sleep = func(d time.Duration) bool {
		ticks++
		switch ticks {
		case 2:
			state.Commit(&core.Assignment{Run: core.Run{ID: "run-9"}, TaskID: 4})
		case 3:
			state.Clear()
		case 4:
			state.Stop()
			return false
		}
		return true
	}

	hb.Run(context.Background())

	require.Len(t, client.heartbeats, 3)
	assert.Nil(t, client.heartbeats[0].runID)
	assert.Nil(t, client.heartbeats[0].taskID)
	require.NotNil(t, client.heartbeats[1].runID)
	assert.Equal(t, "run-9", *client.heartbeats[1].runID)
	assert.Equal(t, 4, *client.heartbeats[1].taskID)
	assert.Nil(t, client.heartbeats[2].runID)
}

func TestHeartbeat_FailuresDoNotStopLoop(t *testing.T) {
	client := &mockCoordinatorClient{heartbeatErr: errors.New("connection refused")}
	state := core.NewState()
	hb := NewHeartbeatSupervisor(client, state, core.Credentials{}, time.Second, 1, &mockLogger{})

	ticks := 0
	hb.sleep = func(d time.Duration) bool {
		ticks++
		if ticks > 5 {
			state.Stop()
			return false
		}
		return true
	}

	hb.Run(context.Background())

	assert.Len(t, client.heartbeats, 5)
	assert.False(t, state.Alive())
}

func TestHeartbeat_NoBeatAfterStop(t *testing.T) {
	client := &mockCoordinatorClient{}
	state := core.NewState()
	hb := NewHeartbeatSupervisor(client, state, core.Credentials{}, time.Second, 1, &mockLogger{})

	// The tick elapses, but shutdown was requested while waiting.
	hb.sleep = func(d time.Duration) bool {
		state.Stop()
		return true
	}

	hb.Run(context.Background())
	assert.Empty(t, client.heartbeats)
}

func TestHeartbeat_StopsPromptly(t *testing.T) {
	client := &mockCoordinatorClient{}
	state := core.NewState()
	hb := NewHeartbeatSupervisor(client, state, core.Credentials{}, time.Hour, 60, &mockLogger{})

	done := make(chan struct{})
	go func() {
		hb.Run(context.Background())
		close(done)
	}()

	state.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat did not stop")
	}
	assert.Empty(t, client.heartbeats)
}

func TestHeartbeat_RealTicks(t *testing.T) {
	client := &mockCoordinatorClient{}
	state := core.NewState()
	hb := NewHeartbeatSupervisor(client, state, core.Credentials{}, time.Millisecond, 2, &mockLogger{})

	done := make(chan struct{})
	go func() {
		hb.Run(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.heartbeats) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	state.Stop()
	<-done
}
