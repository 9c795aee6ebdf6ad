package classifier

import (
	"testing"
	"time"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

func entry(msg string, stack ...string) domain.RawLogEntry {
	return domain.RawLogEntry{
		Timestamp:  time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC),
		Level:      domain.LevelError,
		Message:    msg,
		StackLines: stack,
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	c := New()
	a := c.Classify(entry("Unexpected token } in JSON at position 50",
		"at JSON.parse", "at parseConfig (/tmp/cfg.js:10:20)"))
	b := c.Classify(entry("Unexpected token } in JSON at position 50",
		"at JSON.parse", "at parseConfig (/tmp/cfg.js:10:20)"))
	if a.Hash != b.Hash {
		t.Fatalf("expected identical hash for identical entries, got %s vs %s", a.Hash, b.Hash)
	}
	if a.Classification != b.Classification {
		t.Fatalf("expected identical classification, got %+v vs %+v", a.Classification, b.Classification)
	}
}

func TestScenario1JSONParseClassification(t *testing.T) {
	c := New()
	ev := c.Classify(entry(
		"SyntaxError: Unexpected token } in JSON at position 50",
		"at JSON.parse",
		"at parseConfig (/tmp/cfg.js:10:20)",
	))
	if ev.Classification.PatternID != "EP010" {
		t.Fatalf("expected EP010, got %s", ev.Classification.PatternID)
	}
	if ev.Classification.Category != "Parse Error" {
		t.Fatalf("expected category Parse Error, got %s", ev.Classification.Category)
	}
	if ev.Classification.Type != domain.ErrorTypeBug || ev.Classification.Severity != domain.SeverityMedium {
		t.Fatalf("unexpected type/severity: %+v", ev.Classification)
	}
	if !ev.Classification.Matched {
		t.Fatal("expected matched=true")
	}
}

func TestUnmatchedFallsBackToEP000(t *testing.T) {
	c := New()
	ev := c.Classify(entry("something entirely novel happened"))
	if ev.Classification.PatternID != "EP000" {
		t.Fatalf("expected EP000 fallback, got %s", ev.Classification.PatternID)
	}
	if ev.Classification.Matched {
		t.Fatal("expected matched=false for EP000")
	}
}

func TestSourceExtractionSkipsVendored(t *testing.T) {
	c := New()
	ev := c.Classify(entry(
		"ReferenceError: foo is not defined",
		"at Module._compile (node_modules/foo/index.js:5:1)",
		"at Object.<anonymous> (/app/src/main.js:42:7)",
	))
	if ev.SourceFile != "/app/src/main.js" || ev.SourceLine != 42 {
		t.Fatalf("expected first non-vendored frame, got %s:%d", ev.SourceFile, ev.SourceLine)
	}
}

func TestNormalizeCollapsesNumbersAndHex(t *testing.T) {
	got := Normalize("Error at  line 42 addr 0xFF00  retrying")
	want := "error at line N addr HEX retrying"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
