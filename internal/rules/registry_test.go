package rules

import (
	"sync"
	"testing"
)

func TestRegistryLoadFallsBackToGeneric(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "generic.yaml", `
rules:
  - id: GEN_1
    match_any: ["x"]
    failure_type: UNKNOWN
    confidence: 0.5
`)
	writeRuleFile(t, dir, "pytest.yaml", `
rules:
  - id: PYT_1
    match_any: ["assert"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.9
`)

	registry := NewRegistry(NewLoader(dir, nil, nil), []string{"pytest"}, nil)

	if pack := registry.Load("pytest"); pack.Len() != 1 || pack.Rules[0].ID != "PYT_1" {
		t.Errorf("Load(pytest) = %+v, want PYT_1", pack)
	}

	if pack := registry.Load("cypress"); pack.Len() != 1 || pack.Rules[0].ID != "GEN_1" {
		t.Errorf("Load(cypress) = %+v, want generic pack", pack)
	}
}

func TestRegistryReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "pytest.yaml", `
rules:
  - id: OLD_RULE
    match_any: ["NullPointerException"]
    failure_type: PRODUCT_DEFECT
    confidence: 0.9
`)

	registry := NewRegistry(NewLoader(dir, nil, nil), []string{"pytest"}, nil)

	if registry.Load("pytest").Rules[0].ID != "OLD_RULE" {
		t.Fatal("precondition: OLD_RULE not loaded")
	}

	// Concurrent readers while the pack file is rewritten and reloaded.
	// Every read must observe a complete pack: either the old or the new,
	// never an empty or partial one.
	var wg sync.WaitGroup

	stop := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				pack := registry.Load("pytest")
				if pack.Len() != 1 {
					t.Errorf("torn read: pack has %d rules", pack.Len())

					return
				}

				if id := pack.Rules[0].ID; id != "OLD_RULE" && id != "NEW_RULE" {
					t.Errorf("torn read: unexpected rule %s", id)

					return
				}
			}
		}()
	}

	writeRuleFile(t, dir, "pytest.yaml", `
rules:
  - id: NEW_RULE
    match_any: ["NullPointerException"]
    failure_type: AUTOMATION_DEFECT
    confidence: 0.9
`)

	registry.Reload()

	close(stop)
	wg.Wait()

	if registry.Load("pytest").Rules[0].ID != "NEW_RULE" {
		t.Error("Reload() did not pick up NEW_RULE")
	}
}

func TestRegistryInlineFrameworksGetPacks(t *testing.T) {
	inline := map[string][]*Rule{
		"playwright": {
			{
				ID:          "PW_1",
				MatchAny:    []string{"locator"},
				FailureType: "AUTOMATION_DEFECT",
				Confidence:  0.85,
			},
		},
	}

	registry := NewRegistry(NewLoader(t.TempDir(), inline, nil), nil, nil)

	if pack := registry.Load("playwright"); pack.Len() != 1 || pack.Rules[0].ID != "PW_1" {
		t.Errorf("Load(playwright) = %+v, want inline pack", pack)
	}
}
