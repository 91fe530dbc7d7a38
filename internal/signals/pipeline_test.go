package signals

import (
	"strings"
	"testing"
)

func findSignal(sigs []Signal, sigType Type) *Signal {
	for i := range sigs {
		if sigs[i].Type == sigType {
			return &sigs[i]
		}
	}

	return nil
}

func TestPipelineEmptyInput(t *testing.T) {
	p := DefaultPipeline(nil)

	for _, input := range []string{"", "   ", "\n\n"} {
		if sigs := p.Run(input); len(sigs) != 0 {
			t.Errorf("Run(%q) = %v, want no signals", input, sigs)
		}
	}
}

func TestPipelineExtractsTimeout(t *testing.T) {
	sigs := DefaultPipeline(nil).Run("TimeoutException: waited 5s for element")

	sig := findSignal(sigs, TypeTimeout)
	if sig == nil {
		t.Fatalf("no TIMEOUT signal in %v", sigs)
	}

	if sig.Confidence < 0.8 {
		t.Errorf("Confidence = %v, want >= 0.8", sig.Confidence)
	}

	if sig.Metadata["timeout_ms"] != "5000" {
		t.Errorf("timeout_ms = %q, want 5000", sig.Metadata["timeout_ms"])
	}
}

func TestPipelineExtractsLocatorWithHighConfidence(t *testing.T) {
	text := "selenium.common.exceptions.NoSuchElementException: Unable to locate element: " +
		`{"method":"css selector","selector":"#login-button"}`

	sigs := DefaultPipeline(nil).Run(text)

	sig := findSignal(sigs, TypeLocator)
	if sig == nil {
		t.Fatalf("no LOCATOR signal in %v", sigs)
	}

	if sig.Confidence < 0.85 {
		t.Errorf("Confidence = %v, want >= 0.85", sig.Confidence)
	}

	if sig.Metadata["locator_type"] != "css selector" {
		t.Errorf("locator_type = %q, want css selector", sig.Metadata["locator_type"])
	}
}

func TestPipelineExtractsHTTPStatus(t *testing.T) {
	sigs := DefaultPipeline(nil).Run("request to /api/login failed with status: 503")

	sig := findSignal(sigs, TypeHTTPError)
	if sig == nil {
		t.Fatalf("no HTTP_ERROR signal in %v", sigs)
	}

	if sig.Metadata["status_code"] != "503" {
		t.Errorf("status_code = %q, want 503", sig.Metadata["status_code"])
	}
}

func TestPipelineExtractsInfraSignals(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Type
	}{
		{"dns", "dial tcp: lookup db.internal: no such host", TypeDNSError},
		{"permission", "open /var/log/app.log: permission denied", TypePermissionError},
		{"import", "ModuleNotFoundError: No module named 'requests'", TypeImportError},
		{"memory", "java.lang.OutOfMemoryError: Java heap space", TypeMemoryError},
		{"null pointer", "java.lang.NullPointerException at LoginService.java:42", TypeNullPointer},
		{"file not found", "FileNotFoundError: [Errno 2] no such file or directory: 'fixtures.json'", TypeFileNotFound},
		{"syntax", "SyntaxError: invalid syntax (test_login.py, line 12)", TypeSyntaxError},
		{"connection", "dial tcp 10.0.0.5:5432: connection refused", TypeConnectionError},
	}

	p := DefaultPipeline(nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if sig := findSignal(p.Run(tt.text), tt.want); sig == nil {
				t.Errorf("no %s signal for %q", tt.want, tt.text)
			}
		})
	}
}

func TestPipelineFrameworkSpecificSignals(t *testing.T) {
	p := DefaultPipeline(nil)

	t.Run("selenium stale element", func(t *testing.T) {
		sig := findSignal(p.Run("StaleElementReferenceException: element is not attached"), TypeUIStale)
		if sig == nil || sig.Confidence < 0.9 {
			t.Errorf("UI_STALE signal = %+v, want confidence >= 0.9", sig)
		}
	})

	t.Run("robot missing keyword", func(t *testing.T) {
		sig := findSignal(p.Run("No keyword with name 'Login With Token' found."), TypeKeywordNotFound)
		if sig == nil {
			t.Fatal("no KEYWORD_NOT_FOUND signal")
		}

		if sig.Metadata["keyword"] != "Login With Token" {
			t.Errorf("keyword = %q, want Login With Token", sig.Metadata["keyword"])
		}
	})

	t.Run("pytest fixture error", func(t *testing.T) {
		sig := findSignal(p.Run("ERROR at setup of test_valid: fixture 'db_session' not found"), TypeFixtureError)
		if sig == nil {
			t.Fatal("no FIXTURE_ERROR signal")
		}

		if sig.Metadata["fixture"] != "db_session" {
			t.Errorf("fixture = %q, want db_session", sig.Metadata["fixture"])
		}
	})
}

func TestPipelineCompositeFallback(t *testing.T) {
	sigs := DefaultPipeline(nil).Run("something strange failed here")

	if len(sigs) != 1 || sigs[0].Type != TypeUnknown {
		t.Fatalf("Run() = %v, want single UNKNOWN fallback signal", sigs)
	}

	if sigs[0].Confidence != 0.5 {
		t.Errorf("fallback confidence = %v, want 0.5", sigs[0].Confidence)
	}
}

func TestPipelineCompositeSkippedWhenSignalsFound(t *testing.T) {
	sigs := DefaultPipeline(nil).Run("AssertionError: expected 200 got 500")

	if findSignal(sigs, TypeUnknown) != nil {
		t.Errorf("composite fallback ran despite explicit signals: %v", sigs)
	}
}

func TestPipelineEvidenceCapped(t *testing.T) {
	text := "AssertionError: " + strings.Repeat("x", 500)

	sigs := DefaultPipeline(nil).Run(text)

	sig := findSignal(sigs, TypeAssertion)
	if sig == nil {
		t.Fatal("no ASSERTION signal")
	}

	if len(sig.Evidence) > 150 {
		t.Errorf("evidence length = %d, want <= 150", len(sig.Evidence))
	}
}

func TestPipelineHugeInputTruncated(t *testing.T) {
	// Build input beyond the line cap with the interesting line first;
	// the pipeline must still find it and must not hang.
	var b strings.Builder

	b.WriteString("TimeoutException: waited 5s\n")

	line := strings.Repeat("log noise ", 10) + "\n"
	for i := 0; i < maxInputLines+100; i++ {
		b.WriteString(line)
	}

	sigs := DefaultPipeline(nil).Run(b.String())

	if findSignal(sigs, TypeTimeout) == nil {
		t.Error("TIMEOUT signal lost after truncation")
	}
}

type panickyExtractor struct{}

func (panickyExtractor) Name() string            { return "panicky" }
func (panickyExtractor) Priority() int           { return 1 }
func (panickyExtractor) Extract(string) []Signal { panic("extractor bug") }

func TestPipelineIsolatesPanickingExtractor(t *testing.T) {
	p := NewPipeline(
		[]Extractor{panickyExtractor{}, &AssertionExtractor{}},
		nil,
		nil,
	)

	sigs := p.Run("AssertionError: boom")

	if findSignal(sigs, TypeAssertion) == nil {
		t.Errorf("panicking extractor aborted the pipeline: %v", sigs)
	}
}

func TestEvidences(t *testing.T) {
	sigs := []Signal{
		{Type: TypeTimeout, Evidence: "TimeoutException: waited 5s"},
		{Type: TypeAssertion, Evidence: ""},
		{Type: TypeLocator, Evidence: "Unable to locate element"},
	}

	got := Evidences(sigs)
	want := "TimeoutException: waited 5s\nUnable to locate element"

	if got != want {
		t.Errorf("Evidences() = %q, want %q", got, want)
	}
}
