package types

import "time"

// Category classifies a model into a capability bucket.
type Category string

// Known capability categories. Models that match none of the category
// keyword sets default to CategoryText.
const (
	CategoryVision    Category = "vision"
	CategoryReasoning Category = "reasoning"
	CategoryChat      Category = "chat"
	CategoryCode      Category = "code"
	CategoryEmbedding Category = "embedding"
	CategoryText      Category = "text"
)

// Pricing holds per-token USD prices as reported by the upstream catalog.
type Pricing struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

// Total returns the combined per-token price used for cost ranking.
func (p Pricing) Total() float64 {
	return p.Prompt + p.Completion
}

// Capabilities are the feature flags extracted from a catalog entry.
type Capabilities struct {
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
}

// ModelDescriptor is an immutable snapshot of one catalog entry. The registry
// replaces descriptors wholesale on each refresh.
type ModelDescriptor struct {
	ModelID       string       `json:"model_id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Category      Category     `json:"category"`
	Provider      string       `json:"provider"`
	ContextLength int          `json:"context_length"`
	Pricing       Pricing      `json:"pricing"`
	Capabilities  Capabilities `json:"capabilities"`
	IsFree        bool         `json:"is_free"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Requirements narrows model selection beyond the category filter.
// The zero value imposes no constraints.
type Requirements struct {
	Vision           bool
	FunctionCalling  bool
	MinContextLength int
	Exclude          []string
}

// Excludes reports whether modelID is on the exclusion list.
func (r Requirements) Excludes(modelID string) bool {
	for _, id := range r.Exclude {
		if id == modelID {
			return true
		}
	}
	return false
}
