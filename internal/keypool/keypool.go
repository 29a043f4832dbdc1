// Package keypool manages the credential pool: sticky per-instance
// assignment, daily quota enforcement, minimum inter-request spacing, and
// rotation to the least-used credential when an assignment approaches its
// limit.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	brokererrors "github.com/modelmux/modelmux/pkg/errors"

	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/store"
)

// Defaults for quota rotation and spacing.
const (
	DefaultSwitchMargin = 10
	DefaultSwitchSlack  = 10
	DefaultMinInterval  = 0
)

// Config contains key pool settings.
type Config struct {
	// SwitchMargin is how close to the daily limit an assignment may get
	// before the instance is rotated to another credential.
	SwitchMargin int
	// SwitchSlack is the usage gap to the least-used credential that makes
	// ShouldSwitch recommend rotation even under the margin.
	SwitchSlack int
	// MinInterval is the minimum spacing between requests on one credential.
	// Zero disables interval limiting.
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Manager owns credential selection and usage accounting. All quota
// decisions go through the store so they are atomic across processes; only
// the interval limiters are process-local (see RedisLimiter for the
// multi-process variant).
type Manager struct {
	store        store.Store
	switchMargin int
	switchSlack  int
	minInterval  time.Duration
	logger       *slog.Logger

	mu           sync.RWMutex
	limiters     map[string]*rate.Limiter
	shared       IntervalLimiter
	lastAssigned map[string]string // instanceID -> credentialID
}

// IntervalLimiter spaces requests on one credential across processes.
type IntervalLimiter interface {
	// Reserve reports whether a request may proceed now and, if not, how
	// long to wait before the next slot opens.
	Reserve(ctx context.Context, credentialID string) (bool, time.Duration, error)
}

// NewManager creates a key pool manager backed by the given store.
func NewManager(st store.Store, cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.SwitchMargin <= 0 {
		cfg.SwitchMargin = DefaultSwitchMargin
	}
	if cfg.SwitchSlack <= 0 {
		cfg.SwitchSlack = DefaultSwitchSlack
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:        st,
		switchMargin: cfg.SwitchMargin,
		switchSlack:  cfg.SwitchSlack,
		minInterval:  cfg.MinInterval,
		logger:       cfg.Logger,
		limiters:     make(map[string]*rate.Limiter),
		lastAssigned: make(map[string]string),
	}
}

// SetSharedLimiter installs a distributed interval limiter. When set it
// takes precedence over the process-local limiters.
func (m *Manager) SetSharedLimiter(l IntervalLimiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared = l
}

// AddCredential registers a new credential and returns its generated ID.
func (m *Manager) AddCredential(ctx context.Context, secret string, dailyLimit int, tier string) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	if dailyLimit <= 0 {
		dailyLimit = 50
	}
	if tier == "" {
		tier = "free"
	}

	cred := &store.Credential{
		ID:         uuid.New().String(),
		Secret:     secret,
		DailyLimit: dailyLimit,
		IsActive:   true,
		QuotaTier:  tier,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateCredential(ctx, cred); err != nil {
		return "", fmt.Errorf("create credential: %w", err)
	}

	m.logger.Info("credential added", "credential", cred.ID, "daily_limit", dailyLimit, "tier", tier)
	return cred.ID, nil
}

// DeactivateCredential takes a credential out of rotation. Instances
// assigned to it rotate away on their next Assign call.
func (m *Manager) DeactivateCredential(ctx context.Context, id string) error {
	if err := m.store.DeactivateCredential(ctx, id); err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	m.logger.Info("credential deactivated", "credential", id)
	return nil
}

// Assign resolves the credential for an instance. The same credential is
// returned until it is deactivated or its usage crosses the switch margin;
// then the least-used active credential takes over.
func (m *Manager) Assign(ctx context.Context, instanceID string) (*store.CredentialUsage, error) {
	date := store.DateKey(time.Now())
	cu, err := m.store.PickAndAssign(ctx, instanceID, date, m.switchMargin)
	if err != nil {
		if errors.Is(err, store.ErrNoCredential) {
			return nil, brokererrors.NewNoCredentialError("credential pool is empty or fully inactive")
		}
		return nil, brokererrors.NewStoreError(fmt.Sprintf("assign credential: %v", err))
	}

	m.mu.Lock()
	prev := m.lastAssigned[instanceID]
	m.lastAssigned[instanceID] = cu.ID
	m.mu.Unlock()
	if prev != "" && prev != cu.ID {
		metrics.CredentialRotations.Inc()
		m.logger.Info("credential rotated",
			"instance", instanceID,
			"from", prev,
			"to", cu.ID,
			"usage", cu.RequestCount,
		)
	}
	return cu, nil
}

// CanDispatch checks whether a request may go out on the credential right
// now. It returns false with a reason and a retry hint when the daily limit
// is reached or the minimum interval has not elapsed.
func (m *Manager) CanDispatch(ctx context.Context, cu *store.CredentialUsage) (bool, string, time.Duration) {
	if cu.RequestCount >= cu.DailyLimit {
		return false, "daily limit reached", untilNextUTCDay(time.Now())
	}
	if m.minInterval > 0 && !cu.LastRequestTime.IsZero() {
		elapsed := time.Since(cu.LastRequestTime)
		if elapsed < m.minInterval {
			return false, "minimum interval not elapsed", m.minInterval - elapsed
		}
	}
	if shared := m.sharedLimiter(); shared != nil {
		ok, wait, err := shared.Reserve(ctx, cu.ID)
		if err != nil {
			// Fail open on limiter backend errors; the local limiter
			// still applies.
			m.logger.Warn("shared interval limiter unavailable", "credential", cu.ID, "error", err)
		} else if !ok {
			return false, "minimum interval not elapsed", wait
		}
	}
	return true, "", 0
}

// Wait blocks until the per-credential interval limiter admits a request or
// the context is canceled. A no-op when interval limiting is disabled.
func (m *Manager) Wait(ctx context.Context, credentialID string) error {
	if m.minInterval <= 0 {
		return nil
	}
	return m.limiter(credentialID).Wait(ctx)
}

// Record counts one dispatched request against the credential. Called once
// per request regardless of outcome, since the upstream call was made.
func (m *Manager) Record(ctx context.Context, credentialID string) error {
	now := time.Now()
	if err := m.store.RecordUsage(ctx, credentialID, store.DateKey(now), now); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ShouldSwitch reports whether the instance's current credential is close
// to its limit, inactive, or trailing the least-used credential by more
// than the slack.
func (m *Manager) ShouldSwitch(ctx context.Context, instanceID string) (bool, error) {
	a, err := m.store.Assignment(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("load assignment: %w", err)
	}
	if a == nil {
		return true, nil
	}

	date := store.DateKey(time.Now())
	all, err := m.store.UsageByCredential(ctx, date)
	if err != nil {
		return false, fmt.Errorf("load usage: %w", err)
	}

	var current *store.CredentialUsage
	minCount := -1
	for _, cu := range all {
		if cu.ID == a.CredentialID {
			current = cu
		}
		if cu.IsActive && (minCount < 0 || cu.RequestCount < minCount) {
			minCount = cu.RequestCount
		}
	}
	if current == nil || !current.IsActive {
		return true, nil
	}
	if current.RequestCount >= current.DailyLimit-m.switchMargin {
		return true, nil
	}
	if minCount >= 0 && current.RequestCount-minCount > m.switchSlack {
		return true, nil
	}
	return false, nil
}

// Stats returns today's joined credential/usage view, optionally narrowed
// to the credential assigned to one instance.
func (m *Manager) Stats(ctx context.Context, instanceID string) ([]*store.CredentialUsage, error) {
	date := store.DateKey(time.Now())
	all, err := m.store.UsageByCredential(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if instanceID == "" {
		return all, nil
	}

	a, err := m.store.Assignment(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	if a == nil {
		return nil, nil
	}
	for _, cu := range all {
		if cu.ID == a.CredentialID {
			return []*store.CredentialUsage{cu}, nil
		}
	}
	return nil, nil
}

func (m *Manager) sharedLimiter() IntervalLimiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shared
}

// limiter returns or creates the interval limiter for a credential.
func (m *Manager) limiter(credentialID string) *rate.Limiter {
	m.mu.RLock()
	l, ok := m.limiters[credentialID]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok = m.limiters[credentialID]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Every(m.minInterval), 1)
	m.limiters[credentialID] = l
	return l
}

func untilNextUTCDay(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
