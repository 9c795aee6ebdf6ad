// Package grouping implements Component D: weighted-similarity clustering
// of classified errors into ErrorGroups, so the rest of the pipeline never
// does duplicate work for the same underlying issue. Persistence follows
// the write-then-rename idiom shared by every store-owning component (see
// internal/atomicfile); group membership mutation is serialized through a
// single mutex, matching the teacher's single-writer-per-store posture
// (e.g. internal/attractor/engine's warningsMu around Engine.Warnings).
package grouping

import (
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/classifier"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

// Weights for the similarity function (spec §4.D).
const (
	weightCategory = 0.3
	weightMessage  = 0.4
	weightStack    = 0.3
)

// DefaultThreshold is the minimum similarity for an event to join an
// existing group rather than start a new one.
const DefaultThreshold = 0.8

// Engine owns the group store. All mutation goes through GroupError/Close;
// concurrent callers are safe.
type Engine struct {
	mu         sync.Mutex
	groups     map[string]*domain.ErrorGroup
	threshold  float64
	storePath  string
	idSource   func() string
	isVendored classifier.VendorMarkerFunc
}

// Config parameterizes an Engine.
type Config struct {
	StorePath string // path to error-groups.json; empty disables persistence
	Threshold float64

	// VendorMarker identifies vendored stack frames to exclude when
	// picking the first three frames for stack similarity (spec §4.D.1).
	// Defaults to classifier.DefaultVendorMarker.
	VendorMarker classifier.VendorMarkerFunc
}

// New constructs an Engine, loading any existing store at cfg.StorePath. A
// missing or unparsable store is treated as empty per the crash-recovery
// policy in spec §5.
func New(cfg Config) (*Engine, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	isVendored := cfg.VendorMarker
	if isVendored == nil {
		isVendored = classifier.DefaultVendorMarker
	}
	e := &Engine{
		groups:     make(map[string]*domain.ErrorGroup),
		threshold:  cfg.Threshold,
		storePath:  cfg.StorePath,
		idSource:   func() string { return ulid.Make().String() },
		isVendored: isVendored,
	}
	if cfg.StorePath != "" {
		var loaded map[string]*domain.ErrorGroup
		found, err := atomicfile.ReadJSON(cfg.StorePath, &loaded)
		if err != nil {
			return nil, err
		}
		if found {
			e.groups = loaded
		}
	}
	return e, nil
}

// SetThreshold changes the similarity threshold for future insertions.
// Lowering it does not retroactively merge existing groups (spec §4.D
// invariant).
func (e *Engine) SetThreshold(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threshold = t
}

// Result is returned by GroupError.
type Result struct {
	GroupID    string
	New        bool
	Similarity float64
}

// GroupError finds the best-matching open group for event and appends it
// there if the similarity clears the threshold, otherwise opens a new
// group with event as its representative. Re-grouping the same event
// (same hash) a second time is idempotent: it routes back into the same
// group (its similarity against its own group's representative, or
// itself, is 1.0).
func (e *Engine) GroupError(event domain.ErrorEvent) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing := e.findExistingMembership(event.Hash); existing != "" {
		return Result{GroupID: existing, New: false, Similarity: 1.0}, nil
	}

	var best *domain.ErrorGroup
	bestSim := -1.0
	for _, g := range e.groups {
		if g.State != domain.GroupOpen {
			continue
		}
		sim := similarity(event, g.Representative, e.isVendored)
		if sim > bestSim {
			bestSim = sim
			best = g
		}
	}

	if best != nil && bestSim >= e.threshold {
		best.Members = append(best.Members, domain.GroupMember{
			Hash: event.Hash, Timestamp: event.Timestamp, Similarity: bestSim,
		})
		best.Occurrences = len(best.Members)
		if event.Timestamp.After(best.LastSeen) {
			best.LastSeen = event.Timestamp
		}
		if err := e.persist(); err != nil {
			return Result{}, err
		}
		return Result{GroupID: best.GroupID, New: false, Similarity: bestSim}, nil
	}

	id := e.idSource()
	g := &domain.ErrorGroup{
		GroupID:        id,
		Representative: event,
		Members:        []domain.GroupMember{{Hash: event.Hash, Timestamp: event.Timestamp, Similarity: 1.0}},
		FirstSeen:      event.Timestamp,
		LastSeen:       event.Timestamp,
		Occurrences:    1,
		State:          domain.GroupOpen,
	}
	e.groups[id] = g
	if err := e.persist(); err != nil {
		return Result{}, err
	}
	return Result{GroupID: id, New: true, Similarity: 1.0}, nil
}

// findExistingMembership must be called with e.mu held. It returns the id
// of the group event.Hash already belongs to, or "" if none (invariant:
// each event hash appears in at most one group).
func (e *Engine) findExistingMembership(hash string) string {
	for id, g := range e.groups {
		for _, m := range g.Members {
			if m.Hash == hash {
				return id
			}
		}
	}
	return ""
}

// Close marks a group closed (external resolution recorded). State machine
// is one-way: open -> closed, never back.
func (e *Engine) Close(groupID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return false
	}
	g.State = domain.GroupClosed
	_ = e.persist()
	return true
}

// Get returns a snapshot copy of a group by id.
func (e *Engine) Get(groupID string) (domain.ErrorGroup, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.groups[groupID]
	if !ok {
		return domain.ErrorGroup{}, false
	}
	return *g, true
}

// All returns a snapshot copy of every group, for status introspection.
func (e *Engine) All() []domain.ErrorGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ErrorGroup, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, *g)
	}
	return out
}

func (e *Engine) persist() error {
	if e.storePath == "" {
		return nil
	}
	return atomicfile.WriteJSON(e.storePath, e.groups)
}

// similarity computes the weighted-sum similarity between a candidate
// event and a group's representative (spec §4.D step 1).
func similarity(a domain.ErrorEvent, rep domain.ErrorEvent, isVendored classifier.VendorMarkerFunc) float64 {
	var s float64
	if a.Classification.Category == rep.Classification.Category {
		s += weightCategory
	}
	s += weightMessage * messageSimilarity(a.Message, rep.Message)
	s += weightStack * stackSimilarity(a.StackLines, rep.StackLines, isVendored)
	return s
}

func messageSimilarity(a, b string) float64 {
	na, nb := classifier.Normalize(a), classifier.Normalize(b)
	if na == nb {
		return 1
	}
	dist := levenshtein(na, nb)
	maxLen := len(na)
	if len(nb) > maxLen {
		maxLen = len(nb)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}

// levenshtein computes edit distance with O(min(len)) memory.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	cur := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

type frame struct {
	file     string
	function string
}

func firstFrames(stack []string, n int, isVendored classifier.VendorMarkerFunc) []frame {
	out := make([]frame, 0, n)
	for _, line := range stack {
		if len(out) >= n {
			break
		}
		f, ok := parseFrame(line)
		if !ok {
			continue
		}
		if isVendored != nil && isVendored(f.file) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// parseFrame extracts (file, function) from a stack-trace line of the form
// "    at funcName (path/to/file.js:10:20)" or "    at path/to/file.js:10:20".
func parseFrame(line string) (frame, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimPrefix(trimmed, "at ")
	if trimmed == "" {
		return frame{}, false
	}
	if idx := strings.LastIndexByte(trimmed, '('); idx >= 0 && strings.HasSuffix(trimmed, ")") {
		fn := strings.TrimSpace(trimmed[:idx])
		loc := trimmed[idx+1 : len(trimmed)-1]
		return frame{file: fileOnly(loc), function: fn}, true
	}
	return frame{file: fileOnly(trimmed), function: ""}, true
}

func fileOnly(location string) string {
	// location is "path:line:col" or "path:line"; strip the trailing
	// numeric segments to isolate the file path.
	parts := strings.Split(location, ":")
	switch {
	case len(parts) >= 3:
		return strings.Join(parts[:len(parts)-2], ":")
	case len(parts) == 2:
		return parts[0]
	default:
		return location
	}
}

// stackSimilarity computes, of the first three non-vendored frames, the
// fraction whose (file, function) pair appears in both stacks.
func stackSimilarity(a, b []string, isVendored classifier.VendorMarkerFunc) float64 {
	fa := firstFrames(a, 3, isVendored)
	fb := firstFrames(b, 3, isVendored)
	if len(fa) == 0 && len(fb) == 0 {
		return 1
	}
	if len(fa) == 0 || len(fb) == 0 {
		return 0
	}
	set := make(map[frame]bool, len(fb))
	for _, f := range fb {
		set[f] = true
	}
	matches := 0
	for _, f := range fa {
		if set[f] {
			matches++
		}
	}
	return float64(matches) / float64(len(fa))
}
