// Package selector picks models for a request: candidate filtering by
// category, capabilities and breaker availability, then strategy ranking
// into a primary choice plus a bounded fallback chain.
package selector

import (
	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/internal/registry"
	"github.com/modelmux/modelmux/pkg/types"
)

// DefaultMaxFallbacks bounds the fallback chain after the primary model.
const DefaultMaxFallbacks = 3

// Selector filters and ranks models from the registry.
type Selector struct {
	registry   *registry.Registry
	ledger     *ledger.Ledger
	strategy   Strategy
	preferFree bool
}

// New creates a selector. preferFree narrows candidates to free models.
func New(reg *registry.Registry, led *ledger.Ledger, strategy Strategy, preferFree bool) *Selector {
	return &Selector{
		registry:   reg,
		ledger:     led,
		strategy:   strategy,
		preferFree: preferFree,
	}
}

// Select picks the best available model for a category. ok is false when no
// candidate survives filtering.
func (s *Selector) Select(category types.Category, req types.Requirements) (string, bool) {
	ranked := s.ranked(category, req)
	if len(ranked) == 0 {
		return "", false
	}
	return ranked[0].ModelID, true
}

// FallbackChain returns up to max alternatives for the category, ranked by
// the same strategy and never containing the primary model.
func (s *Selector) FallbackChain(primary string, category types.Category, req types.Requirements, max int) []string {
	if max <= 0 {
		max = DefaultMaxFallbacks
	}
	ranked := s.ranked(category, req)

	out := make([]string, 0, max)
	for _, m := range ranked {
		if m.ModelID == primary {
			continue
		}
		out = append(out, m.ModelID)
		if len(out) == max {
			break
		}
	}
	return out
}

// ranked applies the shared filter pipeline and strategy ranking.
func (s *Selector) ranked(category types.Category, req types.Requirements) []*types.ModelDescriptor {
	candidates := s.registry.ByCategory(category, s.preferFree)

	filtered := candidates[:0:0]
	for _, m := range candidates {
		if req.Excludes(m.ModelID) {
			continue
		}
		if req.Vision && !m.Capabilities.Vision {
			continue
		}
		if req.FunctionCalling && !m.Capabilities.FunctionCalling {
			continue
		}
		if req.MinContextLength > 0 && m.ContextLength < req.MinContextLength {
			continue
		}
		if !s.ledger.IsAvailable(m.ModelID) {
			continue
		}
		filtered = append(filtered, m)
	}
	if len(filtered) == 0 {
		return nil
	}
	return s.strategy.Rank(filtered)
}
