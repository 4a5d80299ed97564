package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content

	modelListTTL = time.Hour

	defaultSendRetries = 3
	testConnRetries    = 2
)

// Options tunes adapter construction.
type Options struct {
	// Cache is the response cache consulted before any network call.
	// Nil disables caching.
	Cache ResponseCache

	// MaxRetries bounds transport attempts per call (default 3).
	MaxRetries int

	Logger *zap.Logger
}

// NewAdapter constructs the concrete adapter for cfg.APIType.
func NewAdapter(cfg Config, opts Options) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	switch cfg.APIType {
	case APITypeOpenAI:
		return newOpenAIAdapter(cfg, opts), nil
	case APITypeGemini:
		return newGeminiAdapter(cfg, opts), nil
	default:
		return nil, fmt.Errorf("unsupported api_type %q", cfg.APIType)
	}
}

// adapterCore holds the state both adapter variants share: the pooled
// connection manager, the response cache, and the in-process model-list
// cache with its own TTL.
type adapterCore struct {
	cfg        Config
	conn       *ConnManager
	cache      ResponseCache
	logger     *zap.Logger
	maxRetries int

	// Model-list cache. Read-mostly; a benign race where two callers both
	// refresh is acceptable (idempotent, last-write-wins).
	modelsMu      sync.Mutex
	models        []ModelInfo
	modelsFetched time.Time
}

func newAdapterCore(cfg Config, opts Options) adapterCore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultSendRetries
	}
	return adapterCore{
		cfg:        cfg,
		conn:       NewConnManager(cfg.Name, time.Duration(cfg.TimeoutSecs)*time.Second, logger),
		cache:      opts.Cache,
		logger:     logger.Named("adapter").With(zap.String("provider", cfg.Name)),
		maxRetries: maxRetries,
	}
}

func (a *adapterCore) Name() string    { return a.cfg.Name }
func (a *adapterCore) APIType() string { return a.cfg.APIType }

func (a *adapterCore) ConnStats() ConnSnapshot { return a.conn.Snapshot() }

func (a *adapterCore) Close() error { return a.conn.Close() }

// cachedModels returns the model list when still fresh.
func (a *adapterCore) cachedModels() ([]ModelInfo, bool) {
	a.modelsMu.Lock()
	defer a.modelsMu.Unlock()
	if a.models != nil && time.Since(a.modelsFetched) < modelListTTL {
		return a.models, true
	}
	return nil, false
}

func (a *adapterCore) storeModels(models []ModelInfo) {
	a.modelsMu.Lock()
	a.models = models
	a.modelsFetched = time.Now()
	a.modelsMu.Unlock()
}

// checkCache returns a cached result for the fingerprint, if any. Cache
// errors are best-effort: logged and treated as a miss.
func (a *adapterCore) checkCache(ctx context.Context, fingerprint, model string) *Result {
	if a.cache == nil {
		return nil
	}
	content, hit, err := a.cache.Get(ctx, fingerprint)
	if err != nil {
		a.logger.Warn("response cache get failed", zap.Error(err))
		return nil
	}
	if !hit {
		return nil
	}
	return &Result{
		Content:  content,
		Cached:   true,
		Provider: a.cfg.Name,
		Model:    model,
	}
}

func (a *adapterCore) storeResponse(ctx context.Context, fingerprint, content string) {
	if a.cache == nil || content == "" {
		return
	}
	if err := a.cache.Put(ctx, fingerprint, content); err != nil {
		a.logger.Warn("response cache put failed", zap.Error(err))
	}
}

func checkRequestSize(req *Request) error {
	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return fmt.Errorf("message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize)
		}
	}
	return nil
}
