package classifier

import (
	"regexp"
	"strings"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

// Pattern is a predicate + metadata identifying a class of errors, keyed by
// its registry id (e.g. EP001 = null-property access). The registry is a
// closed, configured, immutable table — new patterns are added by registry
// update, not dynamic class loading, matching the "plugins are a closed
// enumerable set" design note.
type Pattern struct {
	ID              string
	Category        string
	Type            domain.ErrorType
	Severity        domain.Severity
	SuggestedAction string
	Match           func(normalizedMessage string, raw domain.RawLogEntry) bool
}

func (p Pattern) classification(matched bool) domain.Classification {
	return domain.Classification{
		PatternID:       p.ID,
		Category:        p.Category,
		Type:            p.Type,
		Severity:        p.Severity,
		SuggestedAction: p.SuggestedAction,
		Matched:         matched,
	}
}

// unknownPattern is the synthetic fallback classification for unmatched
// events (EP000).
var unknownPattern = Pattern{
	ID:              "EP000",
	Category:        "Unknown",
	Type:            domain.ErrorTypeBug,
	Severity:        domain.SeverityMedium,
	SuggestedAction: "Manual investigation required",
}

func contains(substrs ...string) func(string, domain.RawLogEntry) bool {
	return func(msg string, _ domain.RawLogEntry) bool {
		for _, s := range substrs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
}

var nullPropertyRe = regexp.MustCompile(`cannot read propert(y|ies) .* of (null|undefined)|typeerror: null|typeerror: undefined`)
var undefinedRefRe = regexp.MustCompile(`referenceerror|is not defined|is not a function`)
var syntaxRe = regexp.MustCompile(`syntaxerror|unexpected token|unexpected end of input`)
var missingFileRe = regexp.MustCompile(`enoent|no such file or directory|cannot find module`)
var rateLimitRe = regexp.MustCompile(`rate limit|too many requests|429`)
var timeoutRe = regexp.MustCompile(`timeout|timed out|etimedout`)
var specConflictRe = regexp.MustCompile(`spec conflict|specification mismatch|contract violation`)
var oomRe = regexp.MustCompile(`out of memory|heap out of memory|enomem|oom`)
var permissionRe = regexp.MustCompile(`eacces|permission denied|eperm`)
var jsonParseRe = regexp.MustCompile(`jsonparse|json\.parse|unexpected token .* in json|invalid json`)

// BuiltinPatterns returns the ten-entry built-in registry, in registration
// order (first match wins). Order matters: it's the tie-break when a
// message could plausibly match more than one predicate (e.g. a JSON parse
// SyntaxError must resolve to EP010, not the more generic EP003).
func BuiltinPatterns() []Pattern {
	return []Pattern{
		{
			ID: "EP010", Category: "Parse Error", Type: domain.ErrorTypeBug, Severity: domain.SeverityMedium,
			SuggestedAction: "Run progressive JSON repair",
			Match:           func(m string, r domain.RawLogEntry) bool { return jsonParseRe.MatchString(m) },
		},
		{
			ID: "EP001", Category: "Null Property Access", Type: domain.ErrorTypeBug, Severity: domain.SeverityHigh,
			SuggestedAction: "Insert null/optional access guard",
			Match:           func(m string, r domain.RawLogEntry) bool { return nullPropertyRe.MatchString(m) },
		},
		{
			ID: "EP002", Category: "Undefined Reference", Type: domain.ErrorTypeBug, Severity: domain.SeverityHigh,
			SuggestedAction: "Verify identifier is declared and in scope",
			Match:           func(m string, r domain.RawLogEntry) bool { return undefinedRefRe.MatchString(m) },
		},
		{
			ID: "EP003", Category: "Syntax Error", Type: domain.ErrorTypeBug, Severity: domain.SeverityHigh,
			SuggestedAction: "Inspect source near reported line for a syntax mistake",
			Match:           func(m string, r domain.RawLogEntry) bool { return syntaxRe.MatchString(m) },
		},
		{
			ID: "EP004", Category: "Missing File", Type: domain.ErrorTypeDefect, Severity: domain.SeverityMedium,
			SuggestedAction: "Create whitelisted default config file",
			Match:           func(m string, r domain.RawLogEntry) bool { return missingFileRe.MatchString(m) },
		},
		{
			ID: "EP005", Category: "API Rate Limit", Type: domain.ErrorTypeDefect, Severity: domain.SeverityLow,
			SuggestedAction: "Apply backoff and retry",
			Match:           func(m string, r domain.RawLogEntry) bool { return rateLimitRe.MatchString(m) },
		},
		{
			ID: "EP006", Category: "Timeout", Type: domain.ErrorTypeDefect, Severity: domain.SeverityMedium,
			SuggestedAction: "Increase timeout or investigate slow dependency",
			Match:           func(m string, r domain.RawLogEntry) bool { return timeoutRe.MatchString(m) },
		},
		{
			ID: "EP007", Category: "Spec Conflict", Type: domain.ErrorTypeSpecIssue, Severity: domain.SeverityHigh,
			SuggestedAction: "Escalate to spec owner",
			Match:           func(m string, r domain.RawLogEntry) bool { return specConflictRe.MatchString(m) },
		},
		{
			ID: "EP008", Category: "Out of Memory", Type: domain.ErrorTypeDefect, Severity: domain.SeverityCritical,
			SuggestedAction: "Investigate memory leak or raise heap limit",
			Match:           func(m string, r domain.RawLogEntry) bool { return oomRe.MatchString(m) },
		},
		{
			ID: "EP009", Category: "Permission Denied", Type: domain.ErrorTypeDefect, Severity: domain.SeverityMedium,
			SuggestedAction: "Check file/directory permissions",
			Match:           func(m string, r domain.RawLogEntry) bool { return permissionRe.MatchString(m) },
		},
	}
}
