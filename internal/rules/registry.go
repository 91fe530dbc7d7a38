package rules

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Registry serves rule packs to the classifier and supports atomic hot
// reload. Readers always observe either the previous pack set or the new
// one, never a torn state: the whole set is swapped through a single
// atomic pointer, no reader lock.
type Registry struct {
	loader     *Loader
	frameworks []string
	packs      atomic.Pointer[packSet]
	logger     *slog.Logger
}

// packSet is the immutable unit of registry state. Rebuilt wholesale on
// Reload and swapped in one atomic store.
type packSet struct {
	byFramework map[string]*Pack
	generic     *Pack
	loadedAt    time.Time
}

// NewRegistry creates a registry pre-loading packs for the given frameworks
// plus the generic fallback. Frameworks observed later at classification
// time that have no pack fall back to generic without a load attempt in the
// hot path.
func NewRegistry(loader *Loader, frameworks []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		loader:     loader,
		frameworks: frameworks,
		logger:     logger,
	}

	r.packs.Store(r.build())

	return r
}

// Load returns the rule pack for a framework, falling back to the generic
// pack when the framework has none. Never returns nil.
func (r *Registry) Load(framework string) *Pack {
	set := r.packs.Load()

	if pack, ok := set.byFramework[framework]; ok {
		return pack
	}

	return set.generic
}

// Reload rebuilds every pack from the loader and atomically replaces the
// registry contents. Safe to call under load; in-flight classifications
// finish with the pack they already loaded.
func (r *Registry) Reload() {
	start := time.Now()

	r.packs.Store(r.build())

	set := r.packs.Load()

	total := 0
	for _, pack := range set.byFramework {
		total += pack.Len()
	}

	r.logger.Info("Rule registry reloaded",
		slog.Int("frameworks", len(set.byFramework)),
		slog.Int("rules", total),
		slog.Duration("duration", time.Since(start)),
	)
}

// SetInline replaces the loader's inline config rules. Called by the config
// reload path before Reload().
func (r *Registry) SetInline(inline map[string][]*Rule) {
	r.loader.Inline = inline
}

// LoadedAt returns when the current pack set was built.
func (r *Registry) LoadedAt() time.Time {
	return r.packs.Load().loadedAt
}

// Frameworks returns the frameworks with a dedicated (non-generic) pack.
func (r *Registry) Frameworks() []string {
	set := r.packs.Load()

	out := make([]string, 0, len(set.byFramework))
	for framework := range set.byFramework {
		out = append(out, framework)
	}

	return out
}

func (r *Registry) build() *packSet {
	set := &packSet{
		byFramework: make(map[string]*Pack, len(r.frameworks)+1),
		loadedAt:    time.Now().UTC(),
	}

	set.generic = r.loader.LoadPack(GenericFramework)

	for _, framework := range r.frameworks {
		if framework == GenericFramework {
			continue
		}

		set.byFramework[framework] = r.loader.LoadPack(framework)
	}

	// Frameworks configured inline but not in the static list still get
	// a dedicated pack.
	for framework := range r.loader.Inline {
		if framework == GenericFramework {
			continue
		}

		if _, ok := set.byFramework[framework]; !ok {
			set.byFramework[framework] = r.loader.LoadPack(framework)
		}
	}

	return set
}
