package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedCredential(t *testing.T, st *MemoryStore, id string, limit int) {
	t.Helper()
	err := st.CreateCredential(context.Background(), &Credential{
		ID:         id,
		Secret:     "sk-" + id,
		DailyLimit: limit,
		IsActive:   true,
		QuotaTier:  "free",
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)
}

func TestPickAndAssignSticky(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 50)
	seedCredential(t, st, "b", 50)

	date := DateKey(time.Now())
	first, err := st.PickAndAssign(ctx, "worker-1", date, 10)
	require.NoError(t, err)

	// Repeated calls keep the same credential while it is under margin.
	for i := 0; i < 5; i++ {
		cu, err := st.PickAndAssign(ctx, "worker-1", date, 10)
		require.NoError(t, err)
		require.Equal(t, first.ID, cu.ID)
		require.NoError(t, st.RecordUsage(ctx, cu.ID, date, time.Now()))
	}
}

func TestPickAndAssignRotatesAtMargin(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 50)
	seedCredential(t, st, "b", 50)

	date := DateKey(time.Now())
	first, err := st.PickAndAssign(ctx, "worker-1", date, 10)
	require.NoError(t, err)

	// Push the assigned credential to the margin: 40 of 50 with margin 10.
	for i := 0; i < 40; i++ {
		require.NoError(t, st.RecordUsage(ctx, first.ID, date, time.Now()))
	}

	rotated, err := st.PickAndAssign(ctx, "worker-1", date, 10)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, rotated.ID)

	// The assignment row follows the rotation.
	a, err := st.Assignment(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, rotated.ID, a.CredentialID)
}

func TestPickAndAssignSkipsInactive(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 50)
	seedCredential(t, st, "b", 50)

	date := DateKey(time.Now())
	first, err := st.PickAndAssign(ctx, "worker-1", date, 10)
	require.NoError(t, err)

	require.NoError(t, st.DeactivateCredential(ctx, first.ID))

	next, err := st.PickAndAssign(ctx, "worker-1", date, 10)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, next.ID)
}

func TestPickAndAssignEmptyPool(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	_, err := st.PickAndAssign(ctx, "worker-1", DateKey(time.Now()), 10)
	require.ErrorIs(t, err, ErrNoCredential)

	seedCredential(t, st, "a", 50)
	require.NoError(t, st.DeactivateCredential(ctx, "a"))
	_, err = st.PickAndAssign(ctx, "worker-1", DateKey(time.Now()), 10)
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestPickAndAssignAllOverMarginFallsBack(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 10)
	seedCredential(t, st, "b", 10)

	date := DateKey(time.Now())
	// Both credentials over the margin threshold (10 - 10 = 0).
	require.NoError(t, st.RecordUsage(ctx, "a", date, time.Now()))
	require.NoError(t, st.RecordUsage(ctx, "b", date, time.Now()))
	require.NoError(t, st.RecordUsage(ctx, "b", date, time.Now()))

	cu, err := st.PickAndAssign(ctx, "worker-1", date, 10)
	require.NoError(t, err)
	// Globally least used wins.
	require.Equal(t, "a", cu.ID)
}

func TestRecordUsageMonotone(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 50)

	date := DateKey(time.Now())
	for i := 1; i <= 10; i++ {
		require.NoError(t, st.RecordUsage(ctx, "a", date, time.Now()))
		rec, err := st.Usage(ctx, "a", date)
		require.NoError(t, err)
		require.Equal(t, i, rec.RequestCount)
	}

	// Another day is an independent counter.
	rec, err := st.Usage(ctx, "a", "2000-01-01")
	require.NoError(t, err)
	require.Zero(t, rec.RequestCount)
}

func TestConcurrentPickAndRecord(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 1000)
	seedCredential(t, st, "b", 1000)

	date := DateKey(time.Now())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			id := []string{"w1", "w2", "w3", "w4"}[worker%4]
			for j := 0; j < 25; j++ {
				cu, err := st.PickAndAssign(ctx, id, date, 10)
				if err != nil {
					t.Error(err)
					return
				}
				if err := st.RecordUsage(ctx, cu.ID, date, time.Now()); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	rows, err := st.UsageByCredential(ctx, date)
	require.NoError(t, err)
	total := 0
	for _, cu := range rows {
		total += cu.RequestCount
	}
	require.Equal(t, 500, total)
}

func TestUsageByCredentialJoins(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	seedCredential(t, st, "a", 50)
	seedCredential(t, st, "b", 50)

	date := DateKey(time.Now())
	require.NoError(t, st.RecordUsage(ctx, "b", date, time.Now()))

	rows, err := st.UsageByCredential(ctx, date)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].ID)
	require.Zero(t, rows[0].RequestCount)
	require.Equal(t, 1, rows[1].RequestCount)
}
