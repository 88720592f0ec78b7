// Package quota checks the rate-limit budget shared by all workers before
// the worker talks to the coordinator.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/taskcluster/httpbackoff/v3"

	"github.com/nemanja-m/fleetworker/internal/shared/logging"
	"github.com/nemanja-m/fleetworker/internal/worker/api/rest"
	"github.com/nemanja-m/fleetworker/internal/worker/core"
	"github.com/nemanja-m/fleetworker/internal/worker/metrics"
)

type rateResponse struct {
	Rate *core.Quota `json:"rate"`
}

// Limiter fails closed: when the quota service cannot be read, the budget is
// assumed to be exhausted.
type Limiter struct {
	url        string
	httpClient *http.Client
	backoff    *httpbackoff.Client
	logger     logging.Logger

	mu   sync.Mutex
	last core.Quota
}

func NewLimiter(url string, timeout time.Duration, logger logging.Logger) *Limiter {
	return &Limiter{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		backoff:    rest.NewRetryClient(0),
		logger:     logger,
		last:       core.ExhaustedQuota,
	}
}

func (l *Limiter) Check(ctx context.Context) (core.Quota, bool) {
	q, err := l.fetch(ctx)
	if err != nil {
		l.logger.Error("Failed to fetch rate limit", "error", err)
		q = core.ExhaustedQuota
		l.store(q)
		return q, false
	}

	l.store(q)
	l.logger.Info("API call rate limits", "remaining", q.Remaining, "limit", q.Limit)
	return q, q.Allows()
}

// Last returns the quota seen by the most recent check.
func (l *Limiter) Last() core.Quota {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Limiter) store(q core.Quota) {
	l.mu.Lock()
	l.last = q
	l.mu.Unlock()
	metrics.QuotaRemaining.Set(float64(q.Remaining))
}

func (l *Limiter) fetch(ctx context.Context) (core.Quota, error) {
	var rate rateResponse
	httpCall := func() (*http.Response, error, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return nil, err, nil
		}
		if resp.StatusCode/100 == 2 {
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(&rate); err != nil {
				return resp, nil, fmt.Errorf("failed to decode rate limit: %w", err)
			}
		}
		return resp, nil, nil
	}

	resp, _, err := l.backoff.Retry(httpCall)
	if resp != nil && resp.StatusCode/100 != 2 {
		resp.Body.Close()
	}
	if err != nil {
		return core.Quota{}, err
	}
	if rate.Rate == nil {
		return core.Quota{}, fmt.Errorf("rate limit response from %s has no rate", l.url)
	}
	return *rate.Rate, nil
}
