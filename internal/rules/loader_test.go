package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("writing rule file: %v", err)
	}
}

const validPackYAML = `
framework: pytest
version: "1.0"
rules:
  - id: B_RULE
    description: second by id at same priority
    match_any: ["beta"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.8
    priority: 10
  - id: A_RULE
    description: first by id at same priority
    match_any: ["alpha"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.8
    priority: 10
  - id: Z_FIRST
    description: lowest priority wins ordering
    match_any: ["zeta"]
    failure_type: ENVIRONMENT_ISSUE
    confidence: 0.9
    priority: 1
`

func TestLoadPackOrdersByPriorityThenID(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "pytest.yaml", validPackYAML)

	loader := NewLoader(dir, nil, nil)
	pack := loader.LoadPack("pytest")

	if pack.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", pack.Len())
	}

	gotOrder := []string{pack.Rules[0].ID, pack.Rules[1].ID, pack.Rules[2].ID}
	wantOrder := []string{"Z_FIRST", "A_RULE", "B_RULE"}

	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Errorf("rule order[%d] = %s, want %s (full order %v)", i, gotOrder[i], wantOrder[i], gotOrder)
		}
	}
}

func TestLoadPackSkipsInvalidRules(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "pytest.yaml", `
framework: pytest
rules:
  - id: GOOD
    match_any: ["boom"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.9
    priority: 1
  - id: ""
    match_any: ["no id"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.9
  - id: NO_PATTERNS
    failure_type: PRODUCT_DEFECT
    confidence: 0.9
  - id: BAD_TYPE
    match_any: ["x"]
    failure_type: EXPLOSION
    confidence: 0.9
  - id: BAD_CONFIDENCE
    match_any: ["x"]
    failure_type: UNKNOWN
    confidence: 1.5
  - id: BAD_REGEX
    match_any: ["re:(unclosed"]
    failure_type: UNKNOWN
    confidence: 0.5
  - id: GOOD
    match_any: ["duplicate id"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.9
`)

	pack := NewLoader(dir, nil, nil).LoadPack("pytest")

	if pack.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (only GOOD survives)", pack.Len())
	}

	if pack.Rules[0].ID != "GOOD" {
		t.Errorf("surviving rule = %s, want GOOD", pack.Rules[0].ID)
	}
}

func TestLoadPackFallbackChain(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "generic.yaml", `
framework: generic
rules:
  - id: GEN_1
    match_any: ["anything"]
    failure_type: UNKNOWN
    confidence: 0.5
    priority: 1
`)

	inline := map[string][]*Rule{
		"pytest": {
			{
				ID:          "INLINE_1",
				MatchAny:    []string{"inline"},
				FailureType: "PRODUCT_DEFECT",
				Confidence:  0.9,
			},
		},
	}

	loader := NewLoader(dir, inline, nil)

	t.Run("inline config wins", func(t *testing.T) {
		pack := loader.LoadPack("pytest")
		if pack.Len() != 1 || pack.Rules[0].ID != "INLINE_1" {
			t.Errorf("LoadPack(pytest) = %+v, want inline rule", pack)
		}
	})

	t.Run("generic fallback for unknown framework", func(t *testing.T) {
		pack := loader.LoadPack("cypress")
		if pack.Len() != 1 || pack.Rules[0].ID != "GEN_1" {
			t.Errorf("LoadPack(cypress) = %+v, want generic pack", pack)
		}

		if pack.Framework != "cypress" {
			t.Errorf("Framework = %q, want cypress (rebadged fallback)", pack.Framework)
		}
	})
}

func TestLoadPackMissingEverywhereReturnsEmpty(t *testing.T) {
	loader := NewLoader(t.TempDir(), nil, nil)

	pack := loader.LoadPack("pytest")
	if pack == nil {
		t.Fatal("LoadPack() = nil, want empty pack")
	}

	if pack.Len() != 0 {
		t.Errorf("Len() = %d, want 0", pack.Len())
	}
}

func TestLoadPackUnparseableFileFallsThrough(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "pytest.yaml", "rules: [not: valid: yaml: {")
	writeRuleFile(t, dir, "generic.yaml", `
rules:
  - id: GEN_1
    match_any: ["x"]
    failure_type: UNKNOWN
    confidence: 0.5
`)

	pack := NewLoader(dir, nil, nil).LoadPack("pytest")

	if pack.Len() != 1 || pack.Rules[0].ID != "GEN_1" {
		t.Errorf("LoadPack() = %+v, want generic fallback after parse failure", pack)
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		text    string
		want    bool
		trigger string
	}{
		{
			name: "substring match is case insensitive",
			rule: Rule{
				ID: "R1", MatchAny: []string{"timeoutexception"},
				FailureType: "ENVIRONMENT_ISSUE", Confidence: 0.8,
			},
			text:    "TimeoutException: waited 5s",
			want:    true,
			trigger: "timeoutexception",
		},
		{
			name: "requires_all must all appear",
			rule: Rule{
				ID: "R2", MatchAny: []string{"fixture"}, RequiresAll: []string{"error", "setup"},
				FailureType: "AUTOMATION_DEFECT", Confidence: 0.8,
			},
			text: "fixture error without the other word",
			want: false,
		},
		{
			name: "excludes suppresses",
			rule: Rule{
				ID: "R3", MatchAny: []string{"AssertionError"}, Excludes: []string{"fixture"},
				FailureType: "PRODUCT_DEFECT", Confidence: 0.9,
			},
			text: "AssertionError inside fixture setup",
			want: false,
		},
		{
			name: "regex pattern",
			rule: Rule{
				ID: "R4", MatchAny: []string{"re:status[ :=]+5[0-9][0-9]"},
				FailureType: "PRODUCT_DEFECT", Confidence: 0.8,
			},
			text:    "request failed with status: 503",
			want:    true,
			trigger: "re:status[ :=]+5[0-9][0-9]",
		},
		{
			name: "no match",
			rule: Rule{
				ID: "R5", MatchAny: []string{"NoSuchElementException"},
				FailureType: "AUTOMATION_DEFECT", Confidence: 0.9,
			},
			text: "everything passed",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			if err := rule.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}

			got, trigger := rule.Matches(tt.text)
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}

			if tt.want && trigger != tt.trigger {
				t.Errorf("trigger = %q, want %q", trigger, tt.trigger)
			}
		})
	}
}
