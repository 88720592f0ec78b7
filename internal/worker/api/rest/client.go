package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/taskcluster/httpbackoff/v3"

	"github.com/nemanja-m/fleetworker/internal/worker/core"
	"github.com/nemanja-m/fleetworker/internal/worker/metrics"
)

// CoordinatorClient talks JSON over HTTP to the coordinator. Every call is
// bounded by the configured timeout; intermittent failures (network errors
// and 5xx responses) are retried until the retry window is used up.
type CoordinatorClient struct {
	remote     string
	httpClient *http.Client
	backoff    *httpbackoff.Client
}

// NewRetryClient returns an httpbackoff client whose retries stop once
// window has elapsed. A zero window disables retries.
func NewRetryClient(window time.Duration) *httpbackoff.Client {
	settings := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      max(window, time.Nanosecond),
		Clock:               backoff.SystemClock,
	}
	settings.Reset()
	return &httpbackoff.Client{BackOffSettings: settings}
}

func NewCoordinatorClient(remote string, timeout, retryWindow time.Duration) *CoordinatorClient {
	return &CoordinatorClient{
		remote:     strings.TrimRight(remote, "/"),
		httpClient: &http.Client{Timeout: timeout},
		backoff:    NewRetryClient(retryWindow),
	}
}

func (c *CoordinatorClient) RemoteURL() string {
	return c.remote
}

func (c *CoordinatorClient) VersionCheck(ctx context.Context, identity core.Identity, creds core.Credentials) (*core.VersionInfo, error) {
	req := WorkerRequest{
		WorkerInfo: WorkerInfo{Identity: identity},
		Password:   creds.Password,
	}
	var resp VersionResponse
	if err := c.post(ctx, VersionPath, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to check version: %w", err)
	}
	if resp.Version == nil {
		return nil, core.ErrInvalidCredentials
	}
	return &core.VersionInfo{RequiredVersion: *resp.Version}, nil
}

func (c *CoordinatorClient) RequestTask(ctx context.Context, identity core.Identity, quota core.Quota, creds core.Credentials) (*core.TaskResponse, error) {
	req := WorkerRequest{
		WorkerInfo: WorkerInfo{Identity: identity, Rate: &quota},
		Password:   creds.Password,
	}
	var resp TaskResponse
	if err := c.post(ctx, RequestPath, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to request task: %w", err)
	}

	switch {
	case resp.Error != nil:
		return &core.TaskResponse{Kind: core.TaskError, Error: *resp.Error}, nil
	case resp.TaskWaiting != nil:
		return &core.TaskResponse{Kind: core.TaskWaiting}, nil
	case resp.Run != nil && resp.TaskID != nil:
		return &core.TaskResponse{
			Kind:       core.TaskGranted,
			Assignment: &core.Assignment{Run: *resp.Run, TaskID: *resp.TaskID},
		}, nil
	default:
		return nil, errors.New("failed to request task: response has no run, wait or error")
	}
}

func (c *CoordinatorClient) ReportTaskEnded(ctx context.Context, creds core.Credentials, runID string, taskID int) error {
	req := TaskRequest{
		Username: creds.Username,
		Password: creds.Password,
		RunID:    runID,
		TaskID:   taskID,
	}
	if err := c.post(ctx, TaskEndedPath, req, nil); err != nil {
		return fmt.Errorf("failed to report task end: %w", err)
	}
	return nil
}

func (c *CoordinatorClient) UploadArtifact(ctx context.Context, creds core.Credentials, runID string, taskID int, payload string) error {
	req := UploadRequest{
		TaskRequest: TaskRequest{
			Username: creds.Username,
			Password: creds.Password,
			RunID:    runID,
			TaskID:   taskID,
		},
		PGN: payload,
	}
	if err := c.post(ctx, UploadPath, req, nil); err != nil {
		return fmt.Errorf("failed to upload artifact: %w", err)
	}
	return nil
}

func (c *CoordinatorClient) Heartbeat(ctx context.Context, creds core.Credentials, runID *string, taskID *int) error {
	req := HeartbeatRequest{
		Username: creds.Username,
		Password: creds.Password,
		RunID:    runID,
		TaskID:   taskID,
	}
	if err := c.post(ctx, HeartbeatPath, req, nil); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

// post sends payload as JSON and decodes the response into result unless
// result is nil. 401 and 403 responses map to core.ErrInvalidCredentials.
func (c *CoordinatorClient) post(ctx context.Context, path string, payload, result any) (err error) {
	defer func() {
		metrics.ObserveRPC(path, err)
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var respBody []byte
	httpCall := func() (*http.Response, error, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.remote+path, bytes.NewReader(body))
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err, nil
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if resp.StatusCode/100 == 2 {
			if err != nil {
				return resp, err, nil
			}
			respBody = data
			return resp, nil, nil
		}
		// httpbackoff reads the body of bad responses for its error message.
		resp.Body = io.NopCloser(bytes.NewReader(data))
		return resp, nil, nil
	}

	_, attempts, err := c.backoff.Retry(httpCall)
	if err != nil {
		var badCode httpbackoff.BadHttpResponseCode
		if errors.As(err, &badCode) &&
			(badCode.HttpResponseCode == http.StatusUnauthorized || badCode.HttpResponseCode == http.StatusForbidden) {
			return core.ErrInvalidCredentials
		}
		return fmt.Errorf("POST %s failed after %d attempt(s): %w", path, attempts, err)
	}

	if result == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
