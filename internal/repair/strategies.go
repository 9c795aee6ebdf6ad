package repair

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

// minimalValidate is the fallback validator used when no project test
// command is configured (spec §4.G step 6): JSON parseability for a .json
// file, a non-empty-file sanity check otherwise.
func minimalValidate(path string) bool {
	if path == "" {
		return true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return json.Valid(data)
	}
	return len(data) > 0
}

// --- EP001: Null Property Access -----------------------------------------

// NullAccessStrategy guards the offending member-access expression at the
// classified source line with an optional-chaining-style null check,
// matching the built-in pattern's remediation in spec §4 glossary.
type NullAccessStrategy struct{}

func (NullAccessStrategy) PatternID() string   { return "EP001" }
func (NullAccessStrategy) TestRequired() bool  { return false }

func (NullAccessStrategy) CanRepair(event domain.ErrorEvent, _ Context) bool {
	return event.SourceFile != "" && event.SourceLine > 0
}

func (NullAccessStrategy) Files(event domain.ErrorEvent, _ Context) []string {
	return []string{event.SourceFile}
}

var accessChainRe = regexp.MustCompile(`([A-Za-z_$][A-Za-z0-9_$]*)\.([A-Za-z_$][A-Za-z0-9_$]*)`)

func (s NullAccessStrategy) Repair(event domain.ErrorEvent, _ Context) (domain.RepairResult, error) {
	lines, err := readLines(event.SourceFile)
	if err != nil {
		return domain.RepairResult{}, err
	}
	idx := event.SourceLine - 1
	if idx < 0 || idx >= len(lines) {
		return domain.RepairResult{}, fmt.Errorf("source line %d out of range for %s", event.SourceLine, event.SourceFile)
	}
	before := lines[idx]
	after := accessChainRe.ReplaceAllString(before, "$1?.$2")
	if after == before {
		return domain.RepairResult{}, fmt.Errorf("no property-access expression found on line %d", event.SourceLine)
	}
	lines[idx] = after
	if err := writeLines(event.SourceFile, lines); err != nil {
		return domain.RepairResult{}, err
	}
	return domain.RepairResult{
		OK:       true,
		Action:   "insert-optional-chaining",
		FilePath: event.SourceFile,
		Changes:  []domain.RepairChange{{Line: event.SourceLine, Before: before, After: after}},
	}, nil
}

func (NullAccessStrategy) Validate(result domain.RepairResult, _ Context) (bool, string) {
	if !result.OK {
		return false, "repair reported failure"
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		return false, "repaired file missing: " + err.Error()
	}
	return true, ""
}

// --- EP004: Missing File ---------------------------------------------------

// MissingConfigStrategy creates a minimal default config file, but only when
// its basename is on the operator-configured whitelist (spec §4 glossary).
type MissingConfigStrategy struct{}

func (MissingConfigStrategy) PatternID() string  { return "EP004" }
func (MissingConfigStrategy) TestRequired() bool { return false }

var quotedPathRe = regexp.MustCompile(`'([^']+)'`)

// missingPath recovers the path named in a "file not found" message; the
// classifier's SourceFile is often empty for this pattern since the failure
// originates in file I/O, not a source line.
func missingPath(event domain.ErrorEvent) (string, bool) {
	if event.SourceFile != "" {
		return event.SourceFile, true
	}
	if m := quotedPathRe.FindStringSubmatch(event.Message); m != nil {
		return m[1], true
	}
	return "", false
}

func (MissingConfigStrategy) CanRepair(event domain.ErrorEvent, ctx Context) bool {
	path, ok := missingPath(event)
	if !ok {
		return false
	}
	base := filepath.Base(path)
	for _, allowed := range ctx.Whitelist {
		if allowed == base {
			return true
		}
	}
	return false
}

func (MissingConfigStrategy) Files(event domain.ErrorEvent, _ Context) []string {
	path, ok := missingPath(event)
	if !ok {
		return nil
	}
	return []string{path}
}

func defaultContentFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "{}\n"
	}
	return ""
}

func (s MissingConfigStrategy) Repair(event domain.ErrorEvent, _ Context) (domain.RepairResult, error) {
	path, ok := missingPath(event)
	if !ok {
		return domain.RepairResult{}, fmt.Errorf("no missing path recovered from event")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return domain.RepairResult{}, err
	}
	content := defaultContentFor(path)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return domain.RepairResult{}, err
	}
	return domain.RepairResult{
		OK:           true,
		Action:       "create-default-config",
		FilePath:     path,
		CreatedFiles: []string{path},
	}, nil
}

func (MissingConfigStrategy) Validate(result domain.RepairResult, _ Context) (bool, string) {
	if !result.OK {
		return false, "repair reported failure"
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		return false, "created file missing: " + err.Error()
	}
	return true, ""
}

// --- EP010: JSON Parse Error ------------------------------------------------

// JSONRepairStrategy applies a progressive sequence of textual fixes to a
// malformed JSON file, stopping at the first step that yields valid JSON
// and falling back to "{}" if none do (spec §4 glossary).
type JSONRepairStrategy struct{}

func (JSONRepairStrategy) PatternID() string  { return "EP010" }
func (JSONRepairStrategy) TestRequired() bool { return false }

func (JSONRepairStrategy) CanRepair(event domain.ErrorEvent, _ Context) bool {
	path, ok := missingPath(event)
	if ok {
		return strings.EqualFold(filepath.Ext(path), ".json")
	}
	return event.SourceFile != "" && strings.EqualFold(filepath.Ext(event.SourceFile), ".json")
}

func (s JSONRepairStrategy) targetFile(event domain.ErrorEvent) string {
	if event.SourceFile != "" {
		return event.SourceFile
	}
	path, _ := missingPath(event)
	return path
}

func (s JSONRepairStrategy) Files(event domain.ErrorEvent, _ Context) []string {
	return []string{s.targetFile(event)}
}

var (
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRe   = regexp.MustCompile(`//[^\n]*`)
	blockCommentRe  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_$][A-Za-z0-9_$]*)\s*:`)
	invalidLiteralRe = regexp.MustCompile(`\b(NaN|undefined|Infinity|-Infinity)\b`)
)

// jsonRepairSteps lists the progressive fixes, applied cumulatively, checked
// for validity after each.
var jsonRepairSteps = []struct {
	name  string
	apply func(string) string
}{
	{"strip-trailing-commas", func(s string) string { return trailingCommaRe.ReplaceAllString(s, "$1") }},
	{"strip-comments", func(s string) string {
		return lineCommentRe.ReplaceAllString(blockCommentRe.ReplaceAllString(s, ""), "")
	}},
	{"single-to-double-quotes", func(s string) string { return strings.ReplaceAll(s, "'", "\"") }},
	{"quote-unquoted-keys", func(s string) string { return unquotedKeyRe.ReplaceAllString(s, `$1"$2":`) }},
	{"replace-invalid-literals", func(s string) string { return invalidLiteralRe.ReplaceAllString(s, "null") }},
}

func (s JSONRepairStrategy) Repair(event domain.ErrorEvent, _ Context) (domain.RepairResult, error) {
	path := s.targetFile(event)
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RepairResult{}, err
	}
	before := string(data)
	current := before
	action := "fallback-empty-object"
	for _, step := range jsonRepairSteps {
		current = step.apply(current)
		if json.Valid([]byte(current)) {
			action = step.name
			break
		}
	}
	if !json.Valid([]byte(current)) {
		current = "{}\n"
	}
	if err := os.WriteFile(path, []byte(current), 0o644); err != nil {
		return domain.RepairResult{}, err
	}
	return domain.RepairResult{
		OK:       true,
		Action:   action,
		FilePath: path,
		Changes:  []domain.RepairChange{{Line: 0, Before: before, After: current}},
	}, nil
}

func (JSONRepairStrategy) Validate(result domain.RepairResult, _ Context) (bool, string) {
	data, err := os.ReadFile(result.FilePath)
	if err != nil {
		return false, "cannot reread repaired file: " + err.Error()
	}
	if !json.Valid(data) {
		return false, "repaired file is still not valid JSON"
	}
	return true, ""
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}

func writeLines(path string, lines []string) error {
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
