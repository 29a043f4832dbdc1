// Package registry maintains the model catalog: discovery from the upstream
// listing, keyword classification into categories, and a TTL cache so
// repeated lookups never hit the network.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/upstream"
	"github.com/modelmux/modelmux/pkg/types"
)

// DefaultTTL is how long a discovered catalog stays fresh.
const DefaultTTL = time.Hour

const catalogKey = "catalog"

// Fetcher lists the raw upstream catalog.
type Fetcher interface {
	ListModels(ctx context.Context, secret string) ([]upstream.CatalogEntry, error)
}

// Registry resolves model descriptors by category and capability. Catalog
// refreshes replace the descriptor set wholesale; between refreshes the TTL
// cache answers every lookup.
type Registry struct {
	fetcher Fetcher
	store   store.Store
	cache   *gocache.Cache
	ttl     time.Duration
	logger  *slog.Logger

	mu sync.Mutex // serializes refreshes
}

// Config contains registry settings.
type Config struct {
	TTL    time.Duration
	Logger *slog.Logger
}

// New creates a registry backed by the given fetcher and store.
func New(fetcher Fetcher, st store.Store, cfg *Config) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		fetcher: fetcher,
		store:   st,
		cache:   gocache.New(cfg.TTL, cfg.TTL*2),
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
	}
}

// LoadFromStore primes the cache from the last persisted catalog so a
// restarted process serves models before its first refresh.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("load catalog from store: %w", err)
	}
	if len(models) == 0 {
		return nil
	}
	r.cache.Set(catalogKey, models, gocache.DefaultExpiration)
	r.logger.Info("catalog loaded from store", "models", len(models))
	return nil
}

// Discover refreshes the catalog from upstream. With a fresh cache and
// force=false it is a no-op and returns false. On upstream failure a stale
// cache is kept and no error is returned; the call errors only when there
// is no catalog at all.
func (r *Registry) Discover(ctx context.Context, secret string, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !force {
		if _, ok := r.cache.Get(catalogKey); ok {
			return false, nil
		}
	}

	entries, err := r.fetcher.ListModels(ctx, secret)
	if err != nil {
		if _, ok := r.cache.Get(catalogKey); ok {
			r.logger.Warn("catalog refresh failed, serving stale catalog", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("discover models: %w", err)
	}

	now := time.Now().UTC()
	models := make([]*types.ModelDescriptor, 0, len(entries))
	for i := range entries {
		models = append(models, Classify(&entries[i], now))
	}

	r.cache.Set(catalogKey, models, gocache.DefaultExpiration)
	if err := r.store.UpsertModels(ctx, models); err != nil {
		// The in-memory catalog is already fresh; persistence catches up
		// on the next refresh.
		r.logger.Warn("catalog persistence failed", "error", err)
	}

	r.logger.Info("catalog refreshed", "models", len(models))
	return true, nil
}

// catalog returns the current descriptor set, empty when nothing has been
// discovered or loaded yet.
func (r *Registry) catalog() []*types.ModelDescriptor {
	if v, ok := r.cache.Get(catalogKey); ok {
		return v.([]*types.ModelDescriptor)
	}
	return nil
}

// All returns every known descriptor.
func (r *Registry) All() []*types.ModelDescriptor {
	return r.catalog()
}

// Get returns the descriptor for a model ID, or nil.
func (r *Registry) Get(modelID string) *types.ModelDescriptor {
	for _, m := range r.catalog() {
		if m.ModelID == modelID {
			return m
		}
	}
	return nil
}

// ByCategory returns the descriptors of one category sorted by name,
// optionally free models only.
func (r *Registry) ByCategory(category types.Category, freeOnly bool) []*types.ModelDescriptor {
	var out []*types.ModelDescriptor
	for _, m := range r.catalog() {
		if m.Category != category {
			continue
		}
		if freeOnly && !m.IsFree {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCapability returns descriptors carrying a capability flag
// ("vision" or "function_calling").
func (r *Registry) ByCapability(name string) []*types.ModelDescriptor {
	var out []*types.ModelDescriptor
	for _, m := range r.catalog() {
		switch name {
		case "vision":
			if m.Capabilities.Vision {
				out = append(out, m)
			}
		case "function_calling":
			if m.Capabilities.FunctionCalling {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// categoryKeywords maps each category to the substrings that select it.
// Categories are checked in order; the first match wins and models that
// match nothing fall into CategoryText.
var categoryOrder = []types.Category{
	types.CategoryVision,
	types.CategoryReasoning,
	types.CategoryCode,
	types.CategoryEmbedding,
	types.CategoryChat,
}

var categoryKeywords = map[types.Category][]string{
	types.CategoryVision:    {"vision", "multimodal", "image"},
	types.CategoryReasoning: {"reasoning", "think", "r1", "o1"},
	types.CategoryCode:      {"code", "coder", "codestral"},
	types.CategoryEmbedding: {"embed", "embedding"},
	types.CategoryChat:      {"chat", "instruct", "conversation"},
}

// Classify converts a raw catalog entry into a descriptor: category from
// keyword matching, capabilities from modalities and tool support, is_free
// from zero pricing.
func Classify(e *upstream.CatalogEntry, now time.Time) *types.ModelDescriptor {
	haystack := strings.ToLower(e.ID + " " + e.Name + " " + e.Description)

	category := types.CategoryText
	if e.HasModality("image") {
		category = types.CategoryVision
	} else {
		for _, c := range categoryOrder {
			if matchesAny(haystack, categoryKeywords[c]) {
				category = c
				break
			}
		}
	}

	pricing := types.Pricing{
		Prompt:     e.PromptPrice(),
		Completion: e.CompletionPrice(),
	}

	provider := e.TopProvider.Name
	if provider == "" {
		if idx := strings.IndexByte(e.ID, '/'); idx > 0 {
			provider = e.ID[:idx]
		}
	}

	return &types.ModelDescriptor{
		ModelID:       e.ID,
		Name:          e.Name,
		Description:   e.Description,
		Category:      category,
		Provider:      provider,
		ContextLength: e.ContextLength,
		Pricing:       pricing,
		Capabilities: types.Capabilities{
			Vision:          e.HasModality("image"),
			FunctionCalling: e.SupportsTools,
		},
		IsFree:    pricing.Total() == 0,
		UpdatedAt: now,
	}
}

func matchesAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
