package rules

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// GenericFramework is the fallback pack name used when a framework has no
// pack of its own.
const GenericFramework = "generic"

// Loader resolves rule packs with the three-level priority fallback:
//
//  1. inline rules from the unified config (execution.intelligence.rules.<framework>)
//  2. file rules/<framework>.yaml under Dir
//  3. file rules/generic.yaml under Dir
//
// A pack missing at all three levels yields an empty pack, never an error:
// classification degrades to UNKNOWN rather than failing the service.
type Loader struct {
	// Dir is the rule file directory, default "rules".
	Dir string

	// Inline holds rule lists from the unified config keyed by framework.
	// These take precedence over files.
	Inline map[string][]*Rule

	logger *slog.Logger
}

// NewLoader creates a Loader reading files from dir with optional inline
// config rules. A nil logger falls back to slog.Default().
func NewLoader(dir string, inline map[string][]*Rule, logger *slog.Logger) *Loader {
	if dir == "" {
		dir = "rules"
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Loader{
		Dir:    dir,
		Inline: inline,
		logger: logger,
	}
}

// LoadPack loads the rule pack for a framework using the priority fallback.
// Individual invalid rules are skipped with a warning (RuleParseError is
// never fatal). The returned pack's rules are sorted by (priority, id) so
// classification is deterministic under identical-priority ties.
func (l *Loader) LoadPack(framework string) *Pack {
	// Level 1: unified config inline rules.
	if inline, ok := l.Inline[framework]; ok && len(inline) > 0 {
		return l.buildPack(framework, "unified-config", inline)
	}

	// Level 2: framework-specific file.
	if pack := l.loadFile(framework); pack != nil {
		return pack
	}

	// Level 3: generic fallback file.
	if framework != GenericFramework {
		if pack := l.loadFile(GenericFramework); pack != nil {
			pack.Framework = framework

			return pack
		}
	}

	l.logger.Warn("No rule pack found at any level, classification degrades to UNKNOWN",
		slog.String("framework", framework),
		slog.String("rules_dir", l.Dir),
	)

	return &Pack{Framework: framework, Rules: []*Rule{}}
}

// loadFile reads and parses rules/<name>.yaml. Returns nil when the file is
// absent or unreadable so the caller can fall through to the next level.
func (l *Loader) loadFile(name string) *Pack {
	path := filepath.Join(l.Dir, name+".yaml")

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to read rule pack file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		return nil
	}

	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		l.logger.Warn("Failed to parse rule pack file, falling through",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if pack.Framework == "" {
		pack.Framework = name
	}

	return l.buildPack(pack.Framework, path, pack.Rules)
}

// buildPack validates, filters, and orders rules into a servable pack.
// Duplicate ids within a pack keep the first occurrence only.
func (l *Loader) buildPack(framework, source string, candidates []*Rule) *Pack {
	valid := make([]*Rule, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))

	for _, rule := range candidates {
		if rule == nil {
			continue
		}

		if err := rule.Validate(); err != nil {
			l.logger.Warn("Skipping invalid rule",
				slog.String("framework", framework),
				slog.String("source", source),
				slog.String("rule_id", rule.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if seen[rule.ID] {
			l.logger.Warn("Skipping duplicate rule id",
				slog.String("framework", framework),
				slog.String("source", source),
				slog.String("rule_id", rule.ID),
			)

			continue
		}

		seen[rule.ID] = true

		valid = append(valid, rule)
	}

	// Stable priority ordering: lower priority first, lexical id breaks ties
	// so results are deterministic across reloads.
	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].Priority != valid[j].Priority {
			return valid[i].Priority < valid[j].Priority
		}

		return valid[i].ID < valid[j].ID
	})

	return &Pack{Framework: framework, Rules: valid}
}
