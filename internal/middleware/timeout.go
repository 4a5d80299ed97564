package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"medlit-assistant/pkg/logging"
)

// Timeout cancels the request context after d and answers 504 if the handler
// is still running. Generation calls can legitimately run for minutes, so
// the router applies this selectively per route group. The ResponseWriter is
// guarded: once the 504 is sent, late writes from the handler goroutine are
// discarded instead of racing the timeout response.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			r = r.WithContext(ctx)
			tw := &timeoutWriter{w: w}

			done := make(chan struct{})
			go func() {
				next.ServeHTTP(tw, r)
				close(done)
			}()

			select {
			case <-done:
				return
			case <-ctx.Done():
				logger := logging.L(ctx)
				logger.Warn("request timeout", zap.Duration("timeout", d))
				tw.timeout()
			}
		})
	}
}

// timeoutWriter serializes access to the underlying ResponseWriter between
// the handler goroutine and the timeout path.
type timeoutWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	timedOut    bool
	wroteHeader bool
}

func (tw *timeoutWriter) Header() http.Header {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		// Detached header map; the real response is already gone.
		return make(http.Header)
	}
	return tw.w.Header()
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut || tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.w.WriteHeader(http.StatusOK)
	}
	return tw.w.Write(b)
}

// timeout sends the 504 unless the handler already produced a response, and
// blocks all further writes either way.
func (tw *timeoutWriter) timeout() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.timedOut = true
	if tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.w.Header().Set("Content-Type", "application/json")
	tw.w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = tw.w.Write([]byte(`{"error":"gateway_timeout"}`))
}
