package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/types"
)

// MemoryStore is an in-memory Store for tests and embedded single-process
// use. A single mutex guards every operation, so each call is one atomic
// step — the same guarantee the SQL implementation gets from transactions.
type MemoryStore struct {
	mu          sync.Mutex
	credentials map[string]*Credential
	usage       map[string]map[string]*UsageRecord // credentialID -> date -> record
	assignments map[string]*Assignment
	models      map[string]*types.ModelDescriptor
	performance map[string]*PerformanceSnapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*Credential),
		usage:       make(map[string]map[string]*UsageRecord),
		assignments: make(map[string]*Assignment),
		models:      make(map[string]*types.ModelDescriptor),
		performance: make(map[string]*PerformanceSnapshot),
	}
}

// CreateCredential stores a new credential.
func (s *MemoryStore) CreateCredential(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	s.credentials[c.ID] = &c
	return nil
}

// GetCredential returns a credential by ID, or nil when unknown.
func (s *MemoryStore) GetCredential(_ context.Context, id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[id]
	if !ok {
		return nil, nil
	}
	c := *cred
	return &c, nil
}

// DeactivateCredential soft-deletes a credential.
func (s *MemoryStore) DeactivateCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred, ok := s.credentials[id]; ok {
		cred.IsActive = false
	}
	return nil
}

// ListCredentials returns all credentials, optionally active only.
func (s *MemoryStore) ListCredentials(_ context.Context, activeOnly bool) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Credential, 0, len(s.credentials))
	for _, cred := range s.credentials {
		if activeOnly && !cred.IsActive {
			continue
		}
		c := *cred
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Usage returns the usage record for a credential and day. A zero-count
// record is returned when no row exists yet.
func (s *MemoryStore) Usage(_ context.Context, credentialID, date string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.usage[credentialID][date]; ok {
		r := *rec
		return &r, nil
	}
	return &UsageRecord{CredentialID: credentialID, Date: date}, nil
}

// RecordUsage increments the day counter and stamps the last request time.
func (s *MemoryStore) RecordUsage(_ context.Context, credentialID, date string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incrementUsageLocked(credentialID, date, at)
	return nil
}

func (s *MemoryStore) incrementUsageLocked(credentialID, date string, at time.Time) {
	byDate, ok := s.usage[credentialID]
	if !ok {
		byDate = make(map[string]*UsageRecord)
		s.usage[credentialID] = byDate
	}
	rec, ok := byDate[date]
	if !ok {
		rec = &UsageRecord{CredentialID: credentialID, Date: date}
		byDate[date] = rec
	}
	rec.RequestCount++
	rec.LastRequestTime = at
}

// UsageByCredential returns the joined credential/usage view for one day.
func (s *MemoryStore) UsageByCredential(_ context.Context, date string) ([]*CredentialUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*CredentialUsage, 0, len(s.credentials))
	for _, cred := range s.credentials {
		out = append(out, s.joinedLocked(cred, date))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) joinedLocked(cred *Credential, date string) *CredentialUsage {
	cu := &CredentialUsage{Credential: *cred}
	if rec, ok := s.usage[cred.ID][date]; ok {
		cu.RequestCount = rec.RequestCount
		cu.LastRequestTime = rec.LastRequestTime
	}
	return cu
}

// Assignment returns the current assignment for an instance, or nil.
func (s *MemoryStore) Assignment(_ context.Context, instanceID string) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[instanceID]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

// PickAndAssign implements the sticky selection contract under the lock.
func (s *MemoryStore) PickAndAssign(_ context.Context, instanceID, date string, margin int) (*CredentialUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep a live assignment whose credential is active and under margin.
	if a, ok := s.assignments[instanceID]; ok {
		if cred, ok := s.credentials[a.CredentialID]; ok && cred.IsActive {
			cu := s.joinedLocked(cred, date)
			if cu.RequestCount < cred.DailyLimit-margin {
				return cu, nil
			}
		}
	}

	var active []*CredentialUsage
	for _, cred := range s.credentials {
		if cred.IsActive {
			active = append(active, s.joinedLocked(cred, date))
		}
	}
	if len(active) == 0 {
		return nil, ErrNoCredential
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].RequestCount != active[j].RequestCount {
			return active[i].RequestCount < active[j].RequestCount
		}
		if !active[i].LastRequestTime.Equal(active[j].LastRequestTime) {
			return active[i].LastRequestTime.Before(active[j].LastRequestTime)
		}
		return active[i].ID < active[j].ID
	})

	chosen := active[0]
	for _, cu := range active {
		if cu.RequestCount < cu.DailyLimit-margin {
			chosen = cu
			break
		}
	}

	s.assignments[instanceID] = &Assignment{
		InstanceID:   instanceID,
		CredentialID: chosen.ID,
		AssignedAt:   time.Now(),
	}
	return chosen, nil
}

// UpsertModels replaces catalog entries wholesale.
func (s *MemoryStore) UpsertModels(_ context.Context, models []*types.ModelDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range models {
		d := *m
		s.models[d.ModelID] = &d
	}
	return nil
}

// ListModels returns all stored catalog entries.
func (s *MemoryStore) ListModels(_ context.Context) ([]*types.ModelDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		d := *m
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// SavePerformance upserts performance snapshots.
func (s *MemoryStore) SavePerformance(_ context.Context, snaps []*PerformanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		p := *snap
		s.performance[p.ModelID] = &p
	}
	return nil
}

// ListPerformance returns all stored performance snapshots.
func (s *MemoryStore) ListPerformance(_ context.Context) ([]*PerformanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*PerformanceSnapshot, 0, len(s.performance))
	for _, p := range s.performance {
		snap := *p
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

// Ping always succeeds for the memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
