package modelmux

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelmux/modelmux/internal/keypool"
	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/selector"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/upstream"
)

// brokerConfig holds all configuration for the broker.
type brokerConfig struct {
	store      store.Store
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	strategy     string
	preferFree   bool
	maxFallbacks int

	registryTTL time.Duration

	breakerThreshold int
	breakerTimeout   time.Duration

	retryCount      int
	retryBackoff    time.Duration
	retryMaxBackoff time.Duration

	switchMargin int
	switchSlack  int
	minInterval  time.Duration

	sharedLimiter keypool.IntervalLimiter
}

func defaultBrokerConfig() *brokerConfig {
	return &brokerConfig{
		baseURL:          upstream.DefaultBaseURL,
		strategy:         selector.StrategyPerformance,
		maxFallbacks:     selector.DefaultMaxFallbacks,
		registryTTL:      time.Hour,
		breakerThreshold: ledger.DefaultFailureThreshold,
		breakerTimeout:   ledger.DefaultTimeout,
		retryCount:       3,
		retryBackoff:     time.Second,
		retryMaxBackoff:  60 * time.Second,
		switchMargin:     keypool.DefaultSwitchMargin,
		switchSlack:      keypool.DefaultSwitchSlack,
	}
}

// Option configures the broker.
type Option func(*brokerConfig)

// WithStore sets the usage store. Defaults to an in-memory store.
func WithStore(st store.Store) Option {
	return func(c *brokerConfig) { c.store = st }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *brokerConfig) { c.logger = logger }
}

// WithBaseURL sets the upstream endpoint base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *brokerConfig) { c.baseURL = baseURL }
}

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *brokerConfig) { c.httpClient = client }
}

// WithStrategy sets the model selection strategy: "performance", "cost",
// or "reliability".
func WithStrategy(name string) Option {
	return func(c *brokerConfig) { c.strategy = name }
}

// WithPreferFree narrows model selection to free models.
func WithPreferFree(preferFree bool) Option {
	return func(c *brokerConfig) { c.preferFree = preferFree }
}

// WithMaxFallbacks bounds the fallback chain length after the primary model.
func WithMaxFallbacks(n int) Option {
	return func(c *brokerConfig) { c.maxFallbacks = n }
}

// WithRegistryTTL sets how long a discovered catalog stays fresh.
func WithRegistryTTL(ttl time.Duration) Option {
	return func(c *brokerConfig) { c.registryTTL = ttl }
}

// WithBreaker sets the circuit breaker failure threshold and the timeout a
// failed model stays blocked before being probed again.
func WithBreaker(failureThreshold int, timeout time.Duration) Option {
	return func(c *brokerConfig) {
		c.breakerThreshold = failureThreshold
		c.breakerTimeout = timeout
	}
}

// WithRetry sets the per-model retry budget and the exponential backoff
// base and cap.
func WithRetry(count int, backoff, maxBackoff time.Duration) Option {
	return func(c *brokerConfig) {
		c.retryCount = count
		c.retryBackoff = backoff
		c.retryMaxBackoff = maxBackoff
	}
}

// WithSwitchMargin sets how close to its daily limit a credential may get
// before instances rotate away from it.
func WithSwitchMargin(margin int) Option {
	return func(c *brokerConfig) { c.switchMargin = margin }
}

// WithSwitchSlack sets the usage gap to the least-used credential that
// triggers a proactive rotation.
func WithSwitchSlack(slack int) Option {
	return func(c *brokerConfig) { c.switchSlack = slack }
}

// WithMinInterval sets the minimum spacing between requests on one
// credential. Zero disables interval limiting.
func WithMinInterval(interval time.Duration) Option {
	return func(c *brokerConfig) { c.minInterval = interval }
}

// WithSharedLimiter installs a distributed interval limiter (for example
// keypool.NewRedisLimiter) for multi-process deployments.
func WithSharedLimiter(l keypool.IntervalLimiter) Option {
	return func(c *brokerConfig) { c.sharedLimiter = l }
}
