package modelmux

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/keypool"
	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/selector"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/upstream"
	"github.com/modelmux/modelmux/pkg/errors"
	"github.com/modelmux/modelmux/pkg/types"
)

// CompletionRequest is one brokered chat request. Model pins a specific
// model and bypasses selection; otherwise Category and Requirements drive
// the choice.
type CompletionRequest struct {
	// InstanceID identifies the calling worker for sticky credential
	// assignment.
	InstanceID string

	Messages []types.Message

	// Model pins a specific model. Selection and fallback are skipped.
	Model string

	// Category selects the candidate pool; empty means CategoryChat.
	Category     types.Category
	Requirements types.Requirements

	MaxTokens   int
	Temperature *float64
}

// CredentialStats is one credential's usage for today.
type CredentialStats struct {
	ID              string    `json:"id"`
	RequestCount    int       `json:"request_count"`
	DailyLimit      int       `json:"daily_limit"`
	IsActive        bool      `json:"is_active"`
	QuotaTier       string    `json:"quota_tier"`
	LastRequestTime time.Time `json:"last_request_time"`
}

// UsageStats is the per-day usage view returned by UsageStats.
type UsageStats struct {
	Date          string            `json:"date"`
	Credentials   []CredentialStats `json:"credentials"`
	TotalRequests int               `json:"total_requests"`
}

// Broker is the public entry point. It owns the key pool, the model
// registry, the performance ledger, and the upstream client.
type Broker struct {
	cfg      *brokerConfig
	store    store.Store
	keypool  *keypool.Manager
	registry *registry.Registry
	ledger   *ledger.Ledger
	selector *selector.Selector
	upstream *upstream.Client
	logger   *slog.Logger
}

// New creates a broker. With no options it uses an in-memory store and the
// default upstream endpoint.
func New(opts ...Option) (*Broker, error) {
	cfg := defaultBrokerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.store == nil {
		cfg.store = store.NewMemoryStore()
	}

	led := ledger.New(&ledger.Config{
		FailureThreshold: cfg.breakerThreshold,
		Timeout:          cfg.breakerTimeout,
	})
	strategy, err := selector.NewStrategy(cfg.strategy, led)
	if err != nil {
		return nil, err
	}

	up := upstream.NewClient(cfg.baseURL, cfg.httpClient)
	reg := registry.New(up, cfg.store, &registry.Config{
		TTL:    cfg.registryTTL,
		Logger: cfg.logger,
	})

	pool := keypool.NewManager(cfg.store, &keypool.Config{
		SwitchMargin: cfg.switchMargin,
		SwitchSlack:  cfg.switchSlack,
		MinInterval:  cfg.minInterval,
		Logger:       cfg.logger,
	})
	if cfg.sharedLimiter != nil {
		pool.SetSharedLimiter(cfg.sharedLimiter)
	}

	b := &Broker{
		cfg:      cfg,
		store:    cfg.store,
		keypool:  pool,
		registry: reg,
		ledger:   led,
		upstream: up,
		logger:   cfg.logger,
		selector: selector.New(reg, led, strategy, cfg.preferFree),
	}

	// Best effort: serve the last persisted catalog and performance view
	// until the first refresh.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.LoadFromStore(ctx); err != nil {
		cfg.logger.Warn("catalog warm start failed", "error", err)
	}
	if err := led.Load(ctx, cfg.store); err != nil {
		cfg.logger.Warn("performance warm start failed", "error", err)
	}

	return b, nil
}

// Completion executes one brokered chat request: resolve credential,
// resolve the model chain, attempt each model with bounded retries, and
// return the first success or the aggregated failure.
func (b *Broker) Completion(ctx context.Context, req *CompletionRequest) (*types.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("empty request")
	}
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}

	cred, err := b.keypool.Assign(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	metrics.CredentialUsage.WithLabelValues(cred.ID).Set(float64(cred.RequestCount))

	if ok, reason, retryAfter := b.keypool.CanDispatch(ctx, cred); !ok {
		metrics.RequestsTotal.WithLabelValues("", "rate_limited").Inc()
		return nil, errors.NewRateLimitedError(reason, retryAfter)
	}
	if err := b.keypool.Wait(ctx, cred.ID); err != nil {
		return nil, errors.NewTimeoutError(fmt.Sprintf("interval wait: %v", err))
	}

	chain, err := b.resolveChain(ctx, cred.Secret, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("", "no_model").Inc()
		return nil, err
	}

	var (
		attempts []errors.ModelAttempt
		recorded bool
	)
	record := func() {
		if recorded {
			return
		}
		recorded = true
		if err := b.keypool.Record(ctx, cred.ID); err != nil {
			b.logger.Warn("usage accounting failed", "credential", cred.ID, "error", err)
		}
	}

	for depth, model := range chain {
		attemptCount, resp, lastErr := b.attemptModel(ctx, cred.Secret, model, req, record)
		if resp != nil {
			metrics.RequestsTotal.WithLabelValues(model, "success").Inc()
			metrics.FallbackDepth.Observe(float64(depth))
			return resp, nil
		}
		attempts = append(attempts, errors.ModelAttempt{Model: model, Attempts: attemptCount, Err: lastErr})

		if ctx.Err() != nil {
			metrics.RequestsTotal.WithLabelValues(model, "timeout").Inc()
			return nil, errors.NewTimeoutError(fmt.Sprintf("deadline reached after %d model(s)", len(attempts)))
		}
		b.logger.Warn("model exhausted, falling back",
			"model", model,
			"attempts", attemptCount,
			"error", lastErr,
		)
	}

	metrics.RequestsTotal.WithLabelValues("", "exhausted").Inc()
	metrics.FallbackDepth.Observe(float64(len(chain)))
	return nil, &errors.ExhaustedError{Attempts: attempts}
}

// resolveChain builds the ordered model list for one request. A pinned
// model yields a single-entry chain; otherwise the selector ranks the
// category and NoModelAvailable is returned before any upstream call.
func (b *Broker) resolveChain(ctx context.Context, secret string, req *CompletionRequest) ([]string, error) {
	if req.Model != "" {
		return []string{req.Model}, nil
	}

	category := req.Category
	if category == "" {
		category = types.CategoryChat
	}

	// Lazy discovery: first selection on a cold process fetches the catalog.
	if len(b.registry.All()) == 0 {
		if _, err := b.registry.Discover(ctx, secret, false); err != nil {
			return nil, errors.NewNoModelError(fmt.Sprintf("catalog unavailable: %v", err))
		}
	}

	primary, ok := b.selector.Select(category, req.Requirements)
	if !ok {
		return nil, errors.NewNoModelError(fmt.Sprintf("no available model in category %q", category))
	}
	chain := append([]string{primary}, b.selector.FallbackChain(primary, category, req.Requirements, b.cfg.maxFallbacks)...)
	return chain, nil
}

// attemptModel runs up to 1+retryCount attempts against one model,
// sleeping between retryable failures. record is called after the first
// dispatched attempt so the credential is charged once per request.
func (b *Broker) attemptModel(ctx context.Context, secret, model string, req *CompletionRequest, record func()) (int, *types.ChatResponse, error) {
	chatReq := &types.ChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	var lastErr error
	maxAttempts := 1 + b.cfg.retryCount
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = errors.NewTimeoutError(ctx.Err().Error())
			}
			return attempt - 1, nil, lastErr
		}

		start := time.Now()
		resp, err := b.upstream.ChatCompletion(ctx, secret, chatReq)
		latency := time.Since(start)
		record()

		b.ledger.Record(model, err == nil, latency)
		metrics.AttemptLatency.WithLabelValues(model).Observe(latency.Seconds())
		metrics.BreakerState.WithLabelValues(model).Set(float64(b.ledger.State(model)))

		if err == nil {
			metrics.AttemptsTotal.WithLabelValues(model, "success").Inc()
			return attempt, resp, nil
		}
		lastErr = err
		metrics.AttemptsTotal.WithLabelValues(model, "failure").Inc()

		var be *errors.BrokerError
		if !stderrors.As(err, &be) || !be.Retryable {
			return attempt, nil, lastErr
		}
		if attempt == maxAttempts {
			return attempt, nil, lastErr
		}

		backoff := b.backoff(attempt, be.RetryAfter)
		b.logger.Debug("retrying model",
			"model", model,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return attempt, nil, lastErr
		case <-time.After(backoff):
		}
	}
	return maxAttempts, nil, lastErr
}

// backoff computes the sleep before the next attempt: exponential from the
// configured base, overridden by an upstream Retry-After hint, capped.
func (b *Broker) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := b.cfg.retryBackoff * (1 << (attempt - 1))
	if retryAfter > d {
		d = retryAfter
	}
	if d > b.cfg.retryMaxBackoff {
		d = b.cfg.retryMaxBackoff
	}
	return d
}

// ListModels returns discovered models, optionally narrowed to a category
// and to free models.
func (b *Broker) ListModels(ctx context.Context, category string, freeOnly bool) ([]*types.ModelDescriptor, error) {
	if len(b.registry.All()) == 0 {
		secret, _ := b.anySecret(ctx)
		if _, err := b.registry.Discover(ctx, secret, false); err != nil {
			return nil, err
		}
	}
	if category == "" {
		models := b.registry.All()
		if !freeOnly {
			return models, nil
		}
		var out []*types.ModelDescriptor
		for _, m := range models {
			if m.IsFree {
				out = append(out, m)
			}
		}
		return out, nil
	}
	return b.registry.ByCategory(types.Category(category), freeOnly), nil
}

// Discover refreshes the model catalog. force bypasses the TTL. Returns
// true when a refresh actually happened.
func (b *Broker) Discover(ctx context.Context, force bool) (bool, error) {
	secret, _ := b.anySecret(ctx)
	refreshed, err := b.registry.Discover(ctx, secret, force)
	if err != nil {
		return false, err
	}
	if refreshed {
		byCategory := make(map[types.Category]int)
		for _, m := range b.registry.All() {
			byCategory[m.Category]++
		}
		for c, n := range byCategory {
			metrics.CatalogModels.WithLabelValues(string(c)).Set(float64(n))
		}
	}
	return refreshed, nil
}

// UsageStats returns today's credential usage. instanceID narrows the view
// to the credential assigned to that instance; empty means all.
func (b *Broker) UsageStats(ctx context.Context, instanceID string) (*UsageStats, error) {
	rows, err := b.keypool.Stats(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{Date: store.DateKey(time.Now())}
	for _, cu := range rows {
		stats.Credentials = append(stats.Credentials, CredentialStats{
			ID:              cu.ID,
			RequestCount:    cu.RequestCount,
			DailyLimit:      cu.DailyLimit,
			IsActive:        cu.IsActive,
			QuotaTier:       cu.QuotaTier,
			LastRequestTime: cu.LastRequestTime,
		})
		stats.TotalRequests += cu.RequestCount
	}
	return stats, nil
}

// AddCredential registers a new credential and returns its ID.
func (b *Broker) AddCredential(ctx context.Context, secret string, dailyLimit int, tier string) (string, error) {
	return b.keypool.AddCredential(ctx, secret, dailyLimit, tier)
}

// DeactivateCredential takes a credential out of rotation.
func (b *Broker) DeactivateCredential(ctx context.Context, id string) error {
	return b.keypool.DeactivateCredential(ctx, id)
}

// Close flushes the performance ledger and closes the store.
func (b *Broker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ledger.Flush(ctx, b.store); err != nil {
		b.logger.Warn("ledger flush failed", "error", err)
	}
	return b.store.Close()
}

// anySecret returns any active credential secret for catalog calls, empty
// when the pool is empty (the catalog endpoint accepts anonymous reads).
func (b *Broker) anySecret(ctx context.Context) (string, error) {
	creds, err := b.store.ListCredentials(ctx, true)
	if err != nil || len(creds) == 0 {
		return "", err
	}
	return creds[0].Secret, nil
}
