package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/upstream"
	"github.com/modelmux/modelmux/pkg/types"
)

type staticFetcher struct {
	entries []upstream.CatalogEntry
}

func (f *staticFetcher) ListModels(ctx context.Context, secret string) ([]upstream.CatalogEntry, error) {
	return f.entries, nil
}

func chatEntry(id, name string, prompt, completion string, ctxLen int, tools bool) upstream.CatalogEntry {
	var e upstream.CatalogEntry
	e.ID = id
	e.Name = name
	e.Description = "chat model"
	e.ContextLength = ctxLen
	e.Pricing.Prompt = prompt
	e.Pricing.Completion = completion
	e.SupportsTools = tools
	return e
}

func newTestSelector(t *testing.T, strategyName string, entries []upstream.CatalogEntry) (*Selector, *ledger.Ledger) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := registry.New(&staticFetcher{entries: entries}, st, nil)
	_, err := reg.Discover(context.Background(), "", false)
	require.NoError(t, err)

	led := ledger.New(&ledger.Config{FailureThreshold: 5})
	strategy, err := NewStrategy(strategyName, led)
	require.NoError(t, err)
	return New(reg, led, strategy, false), led
}

func TestSelectEmptyCategory(t *testing.T) {
	s, _ := newTestSelector(t, StrategyPerformance, []upstream.CatalogEntry{
		chatEntry("a/one", "One", "0", "0", 8192, false),
	})

	_, ok := s.Select(types.CategoryEmbedding, types.Requirements{})
	require.False(t, ok)
}

func TestSelectExcludesTrippedBreaker(t *testing.T) {
	s, led := newTestSelector(t, StrategyReliability, []upstream.CatalogEntry{
		chatEntry("a/good", "Good", "0", "0", 8192, false),
		chatEntry("b/bad", "Bad", "0", "0", 8192, false),
	})

	// Build history so the reliability strategy would favor b/bad, then
	// trip its breaker with five straight failures.
	for i := 0; i < 20; i++ {
		led.Record("b/bad", true, time.Second)
	}
	led.Record("a/good", true, time.Second)
	for i := 0; i < 5; i++ {
		led.Record("b/bad", false, time.Second)
	}

	model, ok := s.Select(types.CategoryChat, types.Requirements{})
	require.True(t, ok)
	require.Equal(t, "a/good", model)

	// The tripped model is absent from the fallback chain too.
	chain := s.FallbackChain(model, types.CategoryChat, types.Requirements{}, 3)
	require.NotContains(t, chain, "b/bad")
}

func TestFallbackChainExcludesPrimaryAndTruncates(t *testing.T) {
	s, _ := newTestSelector(t, StrategyPerformance, []upstream.CatalogEntry{
		chatEntry("a/one", "One", "0", "0", 8192, false),
		chatEntry("b/two", "Two", "0", "0", 8192, false),
		chatEntry("c/three", "Three", "0", "0", 8192, false),
		chatEntry("d/four", "Four", "0", "0", 8192, false),
		chatEntry("e/five", "Five", "0", "0", 8192, false),
	})

	primary, ok := s.Select(types.CategoryChat, types.Requirements{})
	require.True(t, ok)

	chain := s.FallbackChain(primary, types.CategoryChat, types.Requirements{}, 3)
	require.Len(t, chain, 3)
	require.NotContains(t, chain, primary)
}

func TestRequirementsFiltering(t *testing.T) {
	s, _ := newTestSelector(t, StrategyPerformance, []upstream.CatalogEntry{
		chatEntry("a/small", "Small", "0", "0", 4096, false),
		chatEntry("b/large", "Large", "0", "0", 128000, true),
	})

	model, ok := s.Select(types.CategoryChat, types.Requirements{MinContextLength: 32000})
	require.True(t, ok)
	require.Equal(t, "b/large", model)

	model, ok = s.Select(types.CategoryChat, types.Requirements{FunctionCalling: true})
	require.True(t, ok)
	require.Equal(t, "b/large", model)

	_, ok = s.Select(types.CategoryChat, types.Requirements{
		FunctionCalling: true,
		Exclude:         []string{"b/large"},
	})
	require.False(t, ok)
}

func TestCostStrategyRanksFreeFirst(t *testing.T) {
	s, _ := newTestSelector(t, StrategyCost, []upstream.CatalogEntry{
		chatEntry("a/pricey", "Pricey", "0.0001", "0.0002", 8192, false),
		chatEntry("b/cheap", "Cheap", "0.000001", "0.000002", 8192, false),
		chatEntry("c/free", "Free", "0", "0", 8192, false),
	})

	primary, ok := s.Select(types.CategoryChat, types.Requirements{})
	require.True(t, ok)
	require.Equal(t, "c/free", primary)

	chain := s.FallbackChain(primary, types.CategoryChat, types.Requirements{}, 3)
	require.Equal(t, []string{"b/cheap", "a/pricey"}, chain)
}

func TestPerformanceStrategyPrefersProvenModel(t *testing.T) {
	s, led := newTestSelector(t, StrategyPerformance, []upstream.CatalogEntry{
		chatEntry("a/fast", "Fast", "0", "0", 8192, false),
		chatEntry("b/slow", "Slow", "0", "0", 8192, false),
	})

	// a/fast: all successes, low latency. b/slow: all successes, latency at
	// the scoring ceiling.
	for i := 0; i < 10; i++ {
		led.Record("a/fast", true, time.Second)
		led.Record("b/slow", true, time.Minute)
	}

	model, ok := s.Select(types.CategoryChat, types.Requirements{})
	require.True(t, ok)
	require.Equal(t, "a/fast", model)
}

func TestReliabilityUnseenScoresZero(t *testing.T) {
	s, led := newTestSelector(t, StrategyReliability, []upstream.CatalogEntry{
		chatEntry("a/proven", "Proven", "0", "0", 8192, false),
		chatEntry("b/unseen", "Unseen", "0", "0", 8192, false),
	})

	led.Record("a/proven", true, time.Second)

	model, ok := s.Select(types.CategoryChat, types.Requirements{})
	require.True(t, ok)
	require.Equal(t, "a/proven", model)
}

func TestPreferFreeNarrowsCandidates(t *testing.T) {
	st := store.NewMemoryStore()
	reg := registry.New(&staticFetcher{entries: []upstream.CatalogEntry{
		chatEntry("a/paid", "Paid", "0.0001", "0.0002", 8192, false),
		chatEntry("b/free", "Free", "0", "0", 8192, false),
	}}, st, nil)
	_, err := reg.Discover(context.Background(), "", false)
	require.NoError(t, err)

	led := ledger.New(nil)
	strategy, err := NewStrategy(StrategyPerformance, led)
	require.NoError(t, err)

	s := New(reg, led, strategy, true)
	model, ok := s.Select(types.CategoryChat, types.Requirements{})
	require.True(t, ok)
	require.Equal(t, "b/free", model)

	chain := s.FallbackChain(model, types.CategoryChat, types.Requirements{}, 3)
	require.Empty(t, chain)
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewStrategy("nonsense", ledger.New(nil))
	require.Error(t, err)
}
