package selector

import (
	"fmt"
	"sort"

	"github.com/modelmux/modelmux/internal/ledger"
	"github.com/modelmux/modelmux/pkg/types"
)

// Strategy names.
const (
	StrategyPerformance = "performance"
	StrategyCost        = "cost"
	StrategyReliability = "reliability"
)

// Strategy ranks a filtered candidate set, best first. Rank must be a
// stable reorder of its input so registry order breaks ties.
type Strategy interface {
	Name() string
	Rank(candidates []*types.ModelDescriptor) []*types.ModelDescriptor
}

// NewStrategy returns the named strategy backed by the ledger.
func NewStrategy(name string, l *ledger.Ledger) (Strategy, error) {
	switch name {
	case StrategyPerformance, "":
		return &performanceStrategy{ledger: l}, nil
	case StrategyCost:
		return &costStrategy{}, nil
	case StrategyReliability:
		return &reliabilityStrategy{ledger: l}, nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
}

// performanceStrategy ranks by the blended success-rate/latency score.
type performanceStrategy struct {
	ledger *ledger.Ledger
}

func (s *performanceStrategy) Name() string { return StrategyPerformance }

func (s *performanceStrategy) Rank(candidates []*types.ModelDescriptor) []*types.ModelDescriptor {
	out := append([]*types.ModelDescriptor(nil), candidates...)
	scores := make(map[string]float64, len(out))
	for _, m := range out {
		scores[m.ModelID] = s.ledger.PerformanceScore(m.ModelID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ModelID] > scores[out[j].ModelID]
	})
	return out
}

// costStrategy ranks free models first, then by ascending total per-token
// price.
type costStrategy struct{}

func (s *costStrategy) Name() string { return StrategyCost }

func (s *costStrategy) Rank(candidates []*types.ModelDescriptor) []*types.ModelDescriptor {
	out := append([]*types.ModelDescriptor(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsFree != out[j].IsFree {
			return out[i].IsFree
		}
		return out[i].Pricing.Total() < out[j].Pricing.Total()
	})
	return out
}

// reliabilityStrategy ranks by raw success rate; models with no history
// sort last.
type reliabilityStrategy struct {
	ledger *ledger.Ledger
}

func (s *reliabilityStrategy) Name() string { return StrategyReliability }

func (s *reliabilityStrategy) Rank(candidates []*types.ModelDescriptor) []*types.ModelDescriptor {
	out := append([]*types.ModelDescriptor(nil), candidates...)
	scores := make(map[string]float64, len(out))
	for _, m := range out {
		scores[m.ModelID] = s.ledger.ReliabilityScore(m.ModelID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ModelID] > scores[out[j].ModelID]
	})
	return out
}
