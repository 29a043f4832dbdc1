// Package store provides the durable usage store: credentials, per-day usage
// counters, instance assignments, the model catalog, and model performance
// snapshots. It is the single source of truth for quota decisions; every
// read-decide-write sequence runs under a store-level transaction (or a
// single lock hold in the memory implementation) so two callers can never
// both claim the same "least used" credential.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/modelmux/modelmux/pkg/types"
)

// DateKey formats a time as the calendar-day key used for usage rows.
// Days roll over in UTC; there is no explicit reset job.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ErrNoCredential is returned by PickAndAssign when the pool is empty or all
// credentials are inactive.
var ErrNoCredential = errors.New("no active credential available")

// Credential is an upstream API secret with its own daily quota.
// Credentials are deactivated, never deleted, to preserve usage history.
type Credential struct {
	ID         string
	Secret     string
	DailyLimit int
	IsActive   bool
	QuotaTier  string
	CreatedAt  time.Time
}

// UsageRecord is one credential's counter for one calendar day.
// RequestCount only increases within a day.
type UsageRecord struct {
	CredentialID    string
	Date            string
	RequestCount    int
	LastRequestTime time.Time
}

// Assignment maps a calling instance to its current credential.
// At most one row exists per instance.
type Assignment struct {
	InstanceID   string
	CredentialID string
	AssignedAt   time.Time
}

// CredentialUsage joins a credential with its usage counter for one day.
type CredentialUsage struct {
	Credential
	RequestCount    int
	LastRequestTime time.Time
}

// PerformanceSnapshot is the persisted form of a model's performance record.
type PerformanceSnapshot struct {
	ModelID       string
	Total         int64
	Successes     int64
	Failures      int64
	AvgLatency    time.Duration
	FailureStreak int
	BreakerState  string
	LastSuccessAt time.Time
	LastFailureAt time.Time
}

// Store is the durable backing for the broker. Implementations must make
// PickAndAssign and RecordUsage atomic with respect to concurrent callers.
type Store interface {
	// Credentials
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	DeactivateCredential(ctx context.Context, id string) error
	ListCredentials(ctx context.Context, activeOnly bool) ([]*Credential, error)

	// Usage counters
	Usage(ctx context.Context, credentialID, date string) (*UsageRecord, error)
	RecordUsage(ctx context.Context, credentialID, date string, at time.Time) error
	UsageByCredential(ctx context.Context, date string) ([]*CredentialUsage, error)

	// Assignments
	Assignment(ctx context.Context, instanceID string) (*Assignment, error)

	// PickAndAssign resolves the credential for an instance in one atomic
	// step: a live assignment to an active credential under
	// (daily_limit - margin) is kept; otherwise the least-used active
	// credential under the margin is chosen (ties broken by oldest
	// last_request_time), falling back to the globally least-used active
	// credential; the assignment row is upserted. Returns ErrNoCredential
	// when no active credential exists.
	PickAndAssign(ctx context.Context, instanceID, date string, margin int) (*CredentialUsage, error)

	// Model catalog
	UpsertModels(ctx context.Context, models []*types.ModelDescriptor) error
	ListModels(ctx context.Context) ([]*types.ModelDescriptor, error)

	// Performance snapshots
	SavePerformance(ctx context.Context, snaps []*PerformanceSnapshot) error
	ListPerformance(ctx context.Context) ([]*PerformanceSnapshot, error)

	Ping(ctx context.Context) error
	Close() error
}
