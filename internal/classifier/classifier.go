// Package classifier implements Component C: normalizing a raw log entry,
// fingerprinting it, and matching it against the pattern registry. The
// classifier is stateless and pure — no package-level state, no locks — so
// it's safe to share one Classifier across goroutines and call concurrently,
// the same posture the teacher's dot.Parse/validate.Validate pure functions
// take for the graph pipeline's parse/validate stage.
package classifier

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

// VendorMarkerFunc reports whether a stack-frame's file path is "vendored"
// and should be skipped when hunting for the first application frame. The
// built-in log format recognizes the literal substring "node_modules";
// this is injectable so other log formats can supply their own predicate.
type VendorMarkerFunc func(filePath string) bool

// DefaultVendorMarker matches the built-in log format's vendored-dependency
// marker.
func DefaultVendorMarker(path string) bool {
	return strings.Contains(path, "node_modules")
}

// Classifier normalizes, hashes, and pattern-matches RawLogEntry values.
type Classifier struct {
	patterns    []Pattern
	isVendored  VendorMarkerFunc
}

// Option configures a Classifier at construction.
type Option func(*Classifier)

// WithPatterns overrides the built-in registry (e.g. for learner-added
// patterns). Order is preserved; first match wins.
func WithPatterns(patterns []Pattern) Option {
	return func(c *Classifier) { c.patterns = patterns }
}

// WithVendorMarker overrides the built-in node_modules predicate.
func WithVendorMarker(fn VendorMarkerFunc) Option {
	return func(c *Classifier) { c.isVendored = fn }
}

// New constructs a Classifier with the built-in pattern registry unless
// overridden by options.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		patterns:   BuiltinPatterns(),
		isVendored: DefaultVendorMarker,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	decimalRe    = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	hexRe        = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
)

// Normalize lower-cases msg, collapses runs of whitespace to a single
// space, and replaces decimal numbers with N and hex literals with HEX so
// that otherwise-identical messages differing only in a line number or
// pointer value fingerprint and group together.
func Normalize(msg string) string {
	m := strings.ToLower(strings.TrimSpace(msg))
	m = hexRe.ReplaceAllString(m, "HEX")
	m = decimalRe.ReplaceAllString(m, "N")
	m = whitespaceRe.ReplaceAllString(m, " ")
	return m
}

// firstN returns up to n elements of lines.
func firstN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[:n]
}

// Fingerprint computes the short hash used to deduplicate occurrences:
// an 8-hex-char slice of the MD5 of level, normalized message, and the
// first three stack lines. MD5 here is a fingerprint, not a security
// hash — collision resistance doesn't matter, only stability across runs.
func Fingerprint(level domain.Level, normalizedMessage string, stackLines []string) string {
	h := md5.New()
	h.Write([]byte(string(level)))
	h.Write([]byte{0})
	h.Write([]byte(normalizedMessage))
	h.Write([]byte{0})
	for _, l := range firstN(stackLines, 3) {
		h.Write([]byte(l))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:8]
}

var stackFrameRe = regexp.MustCompile(`\(?([^\s()]+?):(\d+)(:\d+)?\)?\s*$`)

// extractSource returns the file and line of the first stack line whose
// path isn't vendored, or ("", 0) if none qualifies.
func (c *Classifier) extractSource(stackLines []string) (string, int) {
	for _, line := range stackLines {
		trimmed := strings.TrimSpace(line)
		m := stackFrameRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		file := m[1]
		if c.isVendored(file) {
			continue
		}
		var lineNo int
		for _, r := range m[2] {
			lineNo = lineNo*10 + int(r-'0')
		}
		return file, lineNo
	}
	return "", 0
}

// Classify turns one RawLogEntry into a normalized, hashed, pattern-tagged
// ErrorEvent. Unmatched entries get the synthetic EP000 classification
// rather than being dropped, so operator visibility never degrades (spec
// §7 "groups accumulate regardless of downstream success").
func (c *Classifier) Classify(raw domain.RawLogEntry) domain.ErrorEvent {
	normalized := Normalize(raw.Message)
	hash := Fingerprint(raw.Level, normalized, raw.StackLines)
	sourceFile, sourceLine := c.extractSource(raw.StackLines)

	class := unknownPattern.classification(false)
	for _, p := range c.patterns {
		if p.Match(normalized, raw) {
			class = p.classification(true)
			break
		}
	}

	return domain.ErrorEvent{
		Hash:           hash,
		Timestamp:      raw.Timestamp,
		Level:          raw.Level,
		Message:        raw.Message,
		StackLines:     raw.StackLines,
		SourceFile:     sourceFile,
		SourceLine:     sourceLine,
		Classification: class,
	}
}
