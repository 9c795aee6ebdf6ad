// Package learner implements Component F: the repair Pattern Learner. It
// tracks each repair pattern's live track record (PatternStats), adjusts a
// learned pattern's confidence after every use, and periodically mines
// recent unrepairable failures for recurring message shapes worth
// promoting into new candidate patterns. Persistence follows the shared
// write-then-rename idiom (internal/atomicfile).
package learner

import (
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/classifier"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

const (
	autoDisableMinAttempts    = 5
	autoDisableMaxSuccessRate = 0.3

	confidenceSuccessDelta = 0.1
	confidenceFailureDelta = -0.05
	confidenceDeactivate   = 0.3

	suggestionLookback  = 7 * 24 * time.Hour
	suggestionMinGroup  = 3
	suggestionMaxSample = 10.0
	suggestionMaxExamples = 3
)

// LearnedPattern is a candidate or adopted pattern discovered from observed
// failures, distinct from the built-in static registry in internal/classifier.
type LearnedPattern struct {
	ID         string  `json:"id"`
	Category   string  `json:"category"`
	Sample     string  `json:"sample"`
	Confidence float64 `json:"confidence"`
	Active     bool    `json:"active"`
}

// Document is the persisted learner state.
type Document struct {
	Stats    map[string]*domain.PatternStats `json:"stats"`
	Learned  map[string]*LearnedPattern       `json:"learned"`
}

// Store owns pattern statistics and learned patterns.
type Store struct {
	mu        sync.Mutex
	doc       Document
	storePath string
	idSource  func() string
}

// Config parameterizes a Store.
type Config struct {
	StorePath string
	IDSource  func() string // defaults to a simple sequential "LP<n>" generator
}

// New constructs a Store, loading any existing document at cfg.StorePath.
func New(cfg Config) (*Store, error) {
	s := &Store{
		doc: Document{
			Stats:   make(map[string]*domain.PatternStats),
			Learned: make(map[string]*LearnedPattern),
		},
		storePath: cfg.StorePath,
		idSource:  cfg.IDSource,
	}
	if s.idSource == nil {
		n := 0
		s.idSource = func() string {
			n++
			return sequentialID(n)
		}
	}
	if cfg.StorePath != "" {
		var loaded Document
		found, err := atomicfile.ReadJSON(cfg.StorePath, &loaded)
		if err != nil {
			return nil, err
		}
		if found {
			if loaded.Stats == nil {
				loaded.Stats = make(map[string]*domain.PatternStats)
			}
			if loaded.Learned == nil {
				loaded.Learned = make(map[string]*LearnedPattern)
			}
			s.doc = loaded
		}
	}
	return s, nil
}

func sequentialID(n int) string {
	const digits = "0123456789"
	if n == 0 {
		return "LP0"
	}
	buf := []byte{}
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return "LP" + string(buf)
}

// RecordResult updates a pattern's track record after one repair attempt.
// Patterns that have been tried at least autoDisableMinAttempts times with
// a success rate below autoDisableMaxSuccessRate are auto-disabled so the
// repair engine stops selecting them.
func (s *Store) RecordResult(patternID string, ok bool, durationMS int64) (domain.PatternStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, exists := s.doc.Stats[patternID]
	if !exists {
		st = &domain.PatternStats{PatternID: patternID}
		s.doc.Stats[patternID] = st
	}
	st.Attempts++
	if ok {
		st.Successes++
	} else {
		st.Failures++
	}
	st.TotalDuration += durationMS
	st.AvgDuration = float64(st.TotalDuration) / float64(st.Attempts)
	st.SuccessRate = float64(st.Successes) / float64(st.Attempts)

	if !st.Disabled && st.Attempts >= autoDisableMinAttempts && st.SuccessRate < autoDisableMaxSuccessRate {
		st.Disabled = true
		st.DisabledReason = "success rate below threshold after minimum attempts"
	}

	if lp, ok2 := s.doc.Learned[patternID]; ok2 {
		adjustConfidence(lp, ok)
	}

	if err := s.persist(); err != nil {
		return domain.PatternStats{}, err
	}
	return *st, nil
}

func adjustConfidence(lp *LearnedPattern, ok bool) {
	if ok {
		lp.Confidence += confidenceSuccessDelta
	} else {
		lp.Confidence += confidenceFailureDelta
	}
	if lp.Confidence > 1 {
		lp.Confidence = 1
	}
	if lp.Confidence < 0 {
		lp.Confidence = 0
	}
	if lp.Confidence < confidenceDeactivate {
		lp.Active = false
	}
}

// Stats returns a snapshot of one pattern's track record.
func (s *Store) Stats(patternID string) (domain.PatternStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.doc.Stats[patternID]
	if !ok {
		return domain.PatternStats{}, false
	}
	return *st, true
}

// IsDisabled reports whether the repair engine should skip patternID.
func (s *Store) IsDisabled(patternID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.doc.Stats[patternID]
	return ok && st.Disabled
}

// Suggestion is one candidate pattern surfaced by SuggestNewPatterns.
type Suggestion struct {
	Sample      string   `json:"sample"`
	Occurrences int      `json:"occurrences"`
	Examples    []string `json:"examples"`
	Confidence  float64  `json:"confidence"`
}

// SuggestNewPatterns groups the unrepairable failures from the last 7 days
// by normalized message and emits a candidate for every group with at
// least suggestionMinGroup occurrences, sorted by occurrence count
// descending. Each candidate is also recorded as an inactive
// LearnedPattern awaiting promotion.
func (s *Store) SuggestNewPatterns(failures []domain.ErrorEvent, now time.Time) ([]Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-suggestionLookback)
	groups := make(map[string][]domain.ErrorEvent)
	for _, ev := range failures {
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		key := classifier.Normalize(ev.Message)
		groups[key] = append(groups[key], ev)
	}

	var suggestions []Suggestion
	for key, events := range groups {
		if len(events) < suggestionMinGroup {
			continue
		}
		examples := make([]string, 0, suggestionMaxExamples)
		for i, ev := range events {
			if i >= suggestionMaxExamples {
				break
			}
			examples = append(examples, ev.Message)
		}
		confidence := float64(len(events)) / suggestionMaxSample
		if confidence > 1 {
			confidence = 1
		}
		suggestions = append(suggestions, Suggestion{
			Sample:      key,
			Occurrences: len(events),
			Examples:    examples,
			Confidence:  confidence,
		})

		if _, exists := s.doc.Learned[key]; !exists {
			s.doc.Learned[key] = &LearnedPattern{
				ID:         s.idSource(),
				Category:   events[0].Classification.Category,
				Sample:     key,
				Confidence: confidence,
				Active:     false,
			}
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Occurrences > suggestions[j].Occurrences
	})

	if err := s.persist(); err != nil {
		return nil, err
	}
	return suggestions, nil
}

func (s *Store) persist() error {
	if s.storePath == "" {
		return nil
	}
	return atomicfile.WriteJSON(s.storePath, s.doc)
}
