// Package stats implements Component E: aggregate error counters indexed
// by category, severity, hour-of-day, day-of-week, and day-bucket, plus
// linear-trend detection over the last 7 day-buckets. Persistence follows
// the shared write-then-rename idiom (internal/atomicfile); a retention
// pass drops day-buckets older than 30 days.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/domain"
)

const (
	dayBucketCap   = 100
	retentionDays  = 30
	trendWindow    = 7
	smoothWindow   = 3
	trendThreshold = 0.15
)

// RecentEvent is the overflow-bounded per-day-bucket activity feed entry.
type RecentEvent struct {
	Hash      string    `json:"hash"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
}

// DayBucket is the rollup for one ISO date.
type DayBucket struct {
	Date   string        `json:"date"`
	Count  int           `json:"count"`
	Recent []RecentEvent `json:"recent,omitempty"`
}

// Document is the persisted rollup structure (spec §4.E / §6).
type Document struct {
	Total      int               `json:"total"`
	ByCategory map[string]int    `json:"byCategory"`
	BySeverity map[string]int    `json:"bySeverity"`
	ByHour     [24]int           `json:"byHour"`
	ByDay      [7]int            `json:"byDay"`
	DayBuckets map[string]*DayBucket `json:"dayBuckets"`
	Trends     []Trend           `json:"trends,omitempty"`
}

// Trend is a signed, normalized slope for one category (or "overall").
type Trend struct {
	Category  string  `json:"category"`
	Rate      float64 `json:"rate"`
	Direction string  `json:"direction"` // increasing | decreasing | stable
}

// Store owns the statistics document.
type Store struct {
	mu        sync.Mutex
	doc       Document
	storePath string
	now       func() time.Time
}

// Config parameterizes a Store.
type Config struct {
	StorePath string
}

// New constructs a Store, loading any existing document at cfg.StorePath.
func New(cfg Config) (*Store, error) {
	s := &Store{
		doc: Document{
			ByCategory: make(map[string]int),
			BySeverity: make(map[string]int),
			DayBuckets: make(map[string]*DayBucket),
		},
		storePath: cfg.StorePath,
		now:       time.Now,
	}
	if cfg.StorePath != "" {
		var loaded Document
		found, err := atomicfile.ReadJSON(cfg.StorePath, &loaded)
		if err != nil {
			return nil, err
		}
		if found {
			if loaded.ByCategory == nil {
				loaded.ByCategory = make(map[string]int)
			}
			if loaded.BySeverity == nil {
				loaded.BySeverity = make(map[string]int)
			}
			if loaded.DayBuckets == nil {
				loaded.DayBuckets = make(map[string]*DayBucket)
			}
			s.doc = loaded
		}
	}
	return s, nil
}

// Record bumps every counter for event, recomputes trends, and persists.
func (s *Store) Record(event domain.ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	category := event.Classification.Category
	severity := string(event.Classification.Severity)

	s.doc.Total++
	s.doc.ByCategory[category]++
	s.doc.BySeverity[severity]++
	s.doc.ByHour[ts.Hour()]++
	s.doc.ByDay[int(ts.Weekday())]++

	date := ts.Format("2006-01-02")
	b, ok := s.doc.DayBuckets[date]
	if !ok {
		b = &DayBucket{Date: date}
		s.doc.DayBuckets[date] = b
	}
	b.Count++
	b.Recent = append(b.Recent, RecentEvent{Hash: event.Hash, Category: category, Timestamp: ts})
	if len(b.Recent) > dayBucketCap {
		b.Recent = b.Recent[len(b.Recent)-dayBucketCap:]
	}

	s.doc.Trends = computeTrends(s.doc)

	return s.persist()
}

// Retain drops day-buckets older than 30 days and persists.
func (s *Store) Retain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	for date := range s.doc.DayBuckets {
		t, err := time.Parse("2006-01-02", date)
		if err != nil || t.Before(cutoff) {
			delete(s.doc.DayBuckets, date)
		}
	}
	return s.persist()
}

// Snapshot returns a copy of the current document.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

func (s *Store) persist() error {
	if s.storePath == "" {
		return nil
	}
	return atomicfile.WriteJSON(s.storePath, s.doc)
}

// computeTrends recomputes the trend list: once at least 3 day-buckets
// exist, for "overall" and for every category seen, fit a centered
// moving-average-smoothed least-squares slope over the last 7 day-buckets
// and keep only trends whose |rate| clears trendThreshold.
func computeTrends(doc Document) []Trend {
	dates := sortedDates(doc.DayBuckets)
	if len(dates) > trendWindow {
		dates = dates[len(dates)-trendWindow:]
	}

	var trends []Trend
	if t, ok := trendFor("overall", dates, doc.DayBuckets, func(b *DayBucket) int { return b.Count }); ok {
		trends = append(trends, t)
	}

	categories := make(map[string]bool)
	for _, b := range doc.DayBuckets {
		for _, r := range b.Recent {
			categories[r.Category] = true
		}
	}
	for cat := range doc.ByCategory {
		categories[cat] = true
	}
	catList := make([]string, 0, len(categories))
	for c := range categories {
		catList = append(catList, c)
	}
	sort.Strings(catList)

	for _, cat := range catList {
		countFn := func(b *DayBucket) int {
			n := 0
			for _, r := range b.Recent {
				if r.Category == cat {
					n++
				}
			}
			return n
		}
		if t, ok := trendFor(cat, dates, doc.DayBuckets, countFn); ok {
			trends = append(trends, t)
		}
	}

	sort.SliceStable(trends, func(i, j int) bool {
		return absf(trends[i].Rate) > absf(trends[j].Rate)
	})
	return trends
}

func sortedDates(buckets map[string]*DayBucket) []string {
	out := make([]string, 0, len(buckets))
	for d := range buckets {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func trendFor(category string, dates []string, buckets map[string]*DayBucket, countFn func(*DayBucket) int) (Trend, bool) {
	if len(dates) < smoothWindow {
		return Trend{}, false
	}
	series := make([]float64, len(dates))
	for i, d := range dates {
		series[i] = float64(countFn(buckets[d]))
	}
	smoothed := centeredMovingAverage(series, smoothWindow)
	if len(smoothed) < 2 {
		return Trend{}, false
	}
	slope := leastSquaresSlope(smoothed)
	base := smoothed[0]
	if base < 1 {
		base = 1
	}
	rate := slope / base
	if absf(rate) < trendThreshold {
		return Trend{}, false
	}
	direction := "stable"
	switch {
	case rate >= trendThreshold:
		direction = "increasing"
	case rate <= -trendThreshold:
		direction = "decreasing"
	}
	return Trend{Category: category, Rate: rate, Direction: direction}, true
}

// centeredMovingAverage smooths series with a centered window of size w;
// edge points use a shrinking window rather than being dropped.
func centeredMovingAverage(series []float64, w int) []float64 {
	n := len(series)
	out := make([]float64, n)
	half := w / 2
	for i := 0; i < n; i++ {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > n-1 {
			hi = n - 1
		}
		sum := 0.0
		count := 0
		for j := lo; j <= hi; j++ {
			sum += series[j]
			count++
		}
		out[i] = sum / float64(count)
	}
	return out
}

// leastSquaresSlope fits y = a + b*x over x=0..n-1 and returns b.
func leastSquaresSlope(y []float64) float64 {
	n := float64(len(y))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
