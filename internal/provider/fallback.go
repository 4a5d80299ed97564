package provider

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"medlit-assistant/internal/metrics"
)

// Policy carries the orchestration settings loaded from configuration.
// MaxRetries bounds how many fallback providers are attempted per logical
// request; it is independent of the transport retry count inside each
// adapter.
type Policy struct {
	AutoRetry          bool
	MaxRetries         int
	AllowServiceSwitch bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	return p
}

// Orchestrator routes each request to the primary adapter and, on failure,
// walks the ordered fallback list. Attempts are strictly sequential: a paid
// API must never be double-billed by concurrent tries of the same request.
type Orchestrator struct {
	mu        sync.Mutex
	primary   Adapter
	fallbacks []Adapter

	policy Policy
	logger *zap.Logger
}

// NewOrchestrator builds an orchestrator over a primary adapter and an
// ordered list of alternates (excluding the primary).
func NewOrchestrator(primary Adapter, fallbacks []Adapter, policy Policy, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		primary:   primary,
		fallbacks: fallbacks,
		policy:    policy.withDefaults(),
		logger:    logger.Named("fallback"),
	}
}

// Primary returns the current primary adapter. It changes only when a
// fallback is promoted under AllowServiceSwitch.
func (o *Orchestrator) Primary() Adapter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primary
}

// Adapters returns the primary followed by the fallbacks, in attempt order.
func (o *Orchestrator) Adapters() []Adapter {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Adapter, 0, 1+len(o.fallbacks))
	out = append(out, o.primary)
	out = append(out, o.fallbacks...)
	return out
}

// Send tries the primary, then each fallback in order. Each fallback attempt
// first issues a lightweight connection test, then the real call. On a
// fallback success the provider is optionally promoted to new primary.
func (o *Orchestrator) Send(ctx context.Context, req *Request) (*Result, error) {
	o.mu.Lock()
	primary := o.primary
	fallbacks := append([]Adapter(nil), o.fallbacks...)
	o.mu.Unlock()

	result, err := primary.Send(ctx, req)
	if err == nil {
		return result, nil
	}

	// Context cancellation is the caller's decision, not a provider fault.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	lastErr := err
	tried := []string{primary.Name()}

	if !o.policy.AutoRetry {
		return nil, lastErr
	}

	o.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("primary", primary.Name()),
		zap.Int("fallbacks", len(fallbacks)),
		zap.Error(err),
	)

	attempts := o.policy.MaxRetries
	if attempts > len(fallbacks) {
		attempts = len(fallbacks)
	}

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		candidate := fallbacks[i]
		tried = append(tried, candidate.Name())

		if err := candidate.TestConnection(ctx); err != nil {
			o.logger.Warn("fallback connection test failed",
				zap.String("provider", candidate.Name()),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		result, err := candidate.Send(ctx, req)
		if err != nil {
			o.logger.Warn("fallback provider failed",
				zap.String("provider", candidate.Name()),
				zap.Error(err),
			)
			lastErr = err
			continue
		}

		o.logger.Info("fallback provider succeeded",
			zap.String("provider", candidate.Name()),
		)

		if o.policy.AllowServiceSwitch {
			o.promote(candidate)
		}
		return result, nil
	}

	o.logger.Error("all AI providers unavailable",
		zap.Strings("tried", tried),
		zap.Error(lastErr),
	)
	return nil, &AllProvidersUnavailableError{Tried: tried, LastErr: lastErr}
}

// promote makes the given fallback the new primary and demotes the previous
// primary to the head of the fallback list.
func (o *Orchestrator) promote(candidate Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.primary == candidate {
		return
	}

	rest := make([]Adapter, 0, len(o.fallbacks))
	rest = append(rest, o.primary)
	for _, a := range o.fallbacks {
		if a != candidate {
			rest = append(rest, a)
		}
	}

	o.logger.Info("promoting fallback to primary",
		zap.String("old_primary", o.primary.Name()),
		zap.String("new_primary", candidate.Name()),
	)
	metrics.FallbackSwitchesTotal.Inc()

	o.primary = candidate
	o.fallbacks = rest
}

// Report is the read-only performance snapshot aggregated across every
// configured adapter.
type Report struct {
	TotalCalls     int64          `json:"total_calls"`
	SuccessRate    float64        `json:"success_rate"`
	AvgLatencyMS   float64        `json:"avg_latency_ms"`
	Providers      map[string]any `json:"providers"`
	CurrentPrimary string         `json:"current_primary"`
}

// PerformanceReport merges transport counters from every adapter.
func (o *Orchestrator) PerformanceReport() Report {
	adapters := o.Adapters()

	report := Report{
		Providers:      make(map[string]any, len(adapters)),
		CurrentPrimary: adapters[0].Name(),
	}

	var success int64
	var latencyWeighted float64
	for _, a := range adapters {
		snap := a.ConnStats()
		report.Providers[a.Name()] = snap
		report.TotalCalls += snap.TotalRequests
		success += snap.SuccessfulRequests
		latencyWeighted += float64(snap.AverageLatency.Milliseconds()) * float64(snap.TotalRequests)
	}
	if report.TotalCalls > 0 {
		report.SuccessRate = float64(success) / float64(report.TotalCalls)
		report.AvgLatencyMS = latencyWeighted / float64(report.TotalCalls)
	}
	return report
}
