package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

func mkEvent(hash, category, severity string, ts time.Time) domain.ErrorEvent {
	return domain.ErrorEvent{
		Hash:      hash,
		Timestamp: ts,
		Classification: domain.Classification{
			Category: category,
			Severity: domain.Severity(severity),
		},
	}
}

func TestCountersConserveTotal(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	events := []domain.ErrorEvent{
		mkEvent("h1", "Timeout", "high", base),
		mkEvent("h2", "Timeout", "medium", base.Add(time.Hour)),
		mkEvent("h3", "Parse Error", "low", base.Add(24*time.Hour)),
	}
	for _, ev := range events {
		if err := s.Record(ev); err != nil {
			t.Fatal(err)
		}
	}

	doc := s.Snapshot()
	if doc.Total != len(events) {
		t.Fatalf("expected total=%d, got %d", len(events), doc.Total)
	}

	sumCategory := 0
	for _, n := range doc.ByCategory {
		sumCategory += n
	}
	if sumCategory != doc.Total {
		t.Fatalf("category sum %d != total %d", sumCategory, doc.Total)
	}

	sumSeverity := 0
	for _, n := range doc.BySeverity {
		sumSeverity += n
	}
	if sumSeverity != doc.Total {
		t.Fatalf("severity sum %d != total %d", sumSeverity, doc.Total)
	}

	sumHour := 0
	for _, n := range doc.ByHour {
		sumHour += n
	}
	if sumHour != doc.Total {
		t.Fatalf("hour sum %d != total %d", sumHour, doc.Total)
	}

	sumDay := 0
	for _, n := range doc.ByDay {
		sumDay += n
	}
	if sumDay != doc.Total {
		t.Fatalf("weekday sum %d != total %d", sumDay, doc.Total)
	}

	sumBucket := 0
	for _, b := range doc.DayBuckets {
		sumBucket += b.Count
	}
	if sumBucket != doc.Total {
		t.Fatalf("day-bucket sum %d != total %d", sumBucket, doc.Total)
	}
}

func TestDayBucketRecentIsBounded(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < dayBucketCap+10; i++ {
		ev := mkEvent("h", "Timeout", "low", day.Add(time.Duration(i)*time.Minute))
		if err := s.Record(ev); err != nil {
			t.Fatal(err)
		}
	}
	doc := s.Snapshot()
	b := doc.DayBuckets["2026-07-01"]
	if b == nil {
		t.Fatal("expected day bucket")
	}
	if b.Count != dayBucketCap+10 {
		t.Fatalf("expected count %d, got %d", dayBucketCap+10, b.Count)
	}
	if len(b.Recent) != dayBucketCap {
		t.Fatalf("expected recent list capped at %d, got %d", dayBucketCap, len(b.Recent))
	}
}

func TestRetentionDropsOldBuckets(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixedNow }

	old := fixedNow.AddDate(0, 0, -40)
	recent := fixedNow.AddDate(0, 0, -2)
	if err := s.Record(mkEvent("h1", "Timeout", "low", old)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(mkEvent("h2", "Timeout", "low", recent)); err != nil {
		t.Fatal(err)
	}

	if err := s.Retain(); err != nil {
		t.Fatal(err)
	}

	doc := s.Snapshot()
	if _, ok := doc.DayBuckets[old.Format("2006-01-02")]; ok {
		t.Fatal("expected old bucket to be pruned")
	}
	if _, ok := doc.DayBuckets[recent.Format("2006-01-02")]; !ok {
		t.Fatal("expected recent bucket to survive retention")
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "error-stats.json")

	s, err := New(Config{StorePath: storePath})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(mkEvent("h1", "Timeout", "low", time.Now())); err != nil {
		t.Fatal(err)
	}

	s2, err := New(Config{StorePath: storePath})
	if err != nil {
		t.Fatal(err)
	}
	doc := s2.Snapshot()
	if doc.Total != 1 {
		t.Fatalf("expected reloaded total=1, got %d", doc.Total)
	}
}

func TestTrendRequiresMinimumHistory(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	if err := s.Record(mkEvent("h1", "Timeout", "low", day)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(mkEvent("h2", "Timeout", "low", day.AddDate(0, 0, 1))); err != nil {
		t.Fatal(err)
	}
	doc := s.Snapshot()
	if len(doc.Trends) != 0 {
		t.Fatalf("expected no trends with only 2 day-buckets of history, got %v", doc.Trends)
	}
}

func TestTrendIncreasingRateClearsThreshold(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	counts := []int{1, 1, 2, 3, 5, 8, 13}
	for i, n := range counts {
		d := day.AddDate(0, 0, i)
		for j := 0; j < n; j++ {
			ev := mkEvent("h", "Timeout", "low", d.Add(time.Duration(j)*time.Minute))
			if err := s.Record(ev); err != nil {
				t.Fatal(err)
			}
		}
	}
	doc := s.Snapshot()
	found := false
	for _, tr := range doc.Trends {
		if tr.Category == "Timeout" {
			found = true
			if tr.Direction != "increasing" {
				t.Fatalf("expected increasing direction, got %s (rate=%v)", tr.Direction, tr.Rate)
			}
			if tr.Rate < trendThreshold {
				t.Fatalf("expected rate >= threshold, got %v", tr.Rate)
			}
		}
	}
	if !found {
		t.Fatal("expected a Timeout trend entry")
	}
}

func TestLeastSquaresSlopeConstantSeriesIsZero(t *testing.T) {
	series := []float64{5, 5, 5, 5, 5}
	if got := leastSquaresSlope(series); got != 0 {
		t.Fatalf("expected zero slope for constant series, got %v", got)
	}
}
