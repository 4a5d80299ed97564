package provider

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"medlit-assistant/internal/metrics"
)

const (
	defaultTimeout      = 60 * time.Second
	maxBackoff          = 10 * time.Second
	maxRetryAfter       = 5 * time.Minute
	defaultMaxIdleConns = 100
)

// ConnSnapshot is a read-only view of one provider's transport counters.
type ConnSnapshot struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	SuccessRate        float64       `json:"success_rate"`
	AverageLatency     time.Duration `json:"average_latency"`
}

// ConnManager owns the pooled HTTP client for one provider and executes
// requests with bounded retry and backoff. Counters are updated atomically
// and never block request execution.
type ConnManager struct {
	provider   string
	httpClient *http.Client
	logger     *zap.Logger

	// sleep is swappable so tests can observe the backoff schedule
	// without waiting it out.
	sleep func(ctx context.Context, d time.Duration) error

	total        atomic.Int64
	success      atomic.Int64
	failure      atomic.Int64
	latencyNanos atomic.Int64
}

// NewConnManager builds a ConnManager with a keep-alive pooled transport.
// A zero timeout falls back to 60s.
func NewConnManager(providerName string, timeout time.Duration, logger *zap.Logger) *ConnManager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConns,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &ConnManager{
		provider: providerName,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		logger: logger.Named("conn"),
		sleep:  sleepCtx,
	}
}

// Execute performs one HTTP call with up to maxRetries attempts. Retries
// cover transient network errors, 408, 429 and 5xx statuses; the delay
// between attempts is min(1s<<attempt, 10s), except on 429 where a
// Retry-After header takes precedence. The response body is the caller's to
// close on success.
func (m *ConnManager) Execute(
	ctx context.Context,
	method, url string,
	header http.Header,
	body []byte,
	maxRetries int,
) (*http.Response, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := m.doOnce(ctx, method, url, header, body)
		duration := time.Since(start)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		m.total.Add(1)
		m.latencyNanos.Add(int64(duration))

		m.logger.Debug("upstream request",
			zap.String("provider", m.provider),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Error(err),
		)

		if err != nil {
			m.failure.Add(1)
			metrics.ProviderRequestsTotal.WithLabelValues(m.provider, "transport_error").Inc()

			// Context errors are never retried.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err
		} else if !shouldRetryStatus(status) {
			// Success or a non-retryable client error.
			m.success.Add(1)
			metrics.ProviderRequestsTotal.WithLabelValues(m.provider, "ok").Inc()
			metrics.ProviderLatencySeconds.WithLabelValues(m.provider).Observe(duration.Seconds())
			return resp, nil
		} else {
			m.failure.Add(1)
			metrics.ProviderRequestsTotal.WithLabelValues(m.provider, "retryable_status").Inc()
			lastErr = &ProviderError{Provider: m.provider, Status: status, Message: "retryable upstream status"}

			retryAfter := parseRetryAfter(resp)

			// Close before retrying so the connection can be reused.
			if resp.Body != nil {
				resp.Body.Close()
			}

			if retryAfter > 0 && attempt < maxRetries-1 {
				m.logger.Info("honoring Retry-After header",
					zap.String("provider", m.provider),
					zap.Duration("wait", retryAfter),
					zap.Int("status", status),
				)
				if err := m.sleep(ctx, retryAfter); err != nil {
					return nil, err
				}
				continue
			}
		}

		if attempt == maxRetries-1 {
			break
		}

		backoff := backoffDelay(attempt)
		m.logger.Debug("backing off before retry",
			zap.String("provider", m.provider),
			zap.Duration("backoff", backoff),
			zap.Int("next_attempt", attempt+2),
		)
		if err := m.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	m.logger.Warn("request exhausted all retries",
		zap.String("provider", m.provider),
		zap.Int("attempts", maxRetries),
		zap.Error(lastErr),
	)

	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, &ConnectionExhaustedError{Attempts: maxRetries, LastErr: lastErr}
}

func (m *ConnManager) doOnce(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return m.httpClient.Do(req)
}

// Snapshot returns the current counters. Monotonic; safe for concurrent use.
func (m *ConnManager) Snapshot() ConnSnapshot {
	total := m.total.Load()
	snap := ConnSnapshot{
		TotalRequests:      total,
		SuccessfulRequests: m.success.Load(),
		FailedRequests:     m.failure.Load(),
	}
	if total > 0 {
		snap.SuccessRate = float64(snap.SuccessfulRequests) / float64(total)
		snap.AverageLatency = time.Duration(m.latencyNanos.Load() / total)
	}
	return snap
}

// Close releases idle pooled connections.
func (m *ConnManager) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}

// backoffDelay returns the capped exponential delay before the next attempt:
// 1s, 2s, 4s, ... capped at 10s.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 1<<4 already exceeds the cap; avoid shifting into overflow.
	if attempt > 4 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTransientNetError reports whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// Wrapped errors sometimes only expose a message.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// shouldRetryStatus reports whether the HTTP status indicates a retry.
func shouldRetryStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter extracts the delay from a Retry-After header, either as an
// integer number of seconds or an HTTP date. Returns 0 when absent or
// invalid; capped at 5 minutes.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
		if seconds <= 0 {
			return 0
		}
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		d := time.Until(t)
		if d <= 0 {
			return 0
		}
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	return 0
}
