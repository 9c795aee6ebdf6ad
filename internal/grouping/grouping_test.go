package grouping

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

func mkEvent(hash, category, message string, ts time.Time, stack ...string) domain.ErrorEvent {
	return domain.ErrorEvent{
		Hash:       hash,
		Timestamp:  ts,
		Message:    message,
		StackLines: stack,
		Classification: domain.Classification{
			Category: category,
		},
	}
}

func TestGroupingMembershipUniqueness(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	ev := mkEvent("h1", "Null Property Access", "cannot read property foo of undefined", now,
		"at a (app/x.js:1:1)")

	r1, err := e.GroupError(ev)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.GroupError(ev)
	if err != nil {
		t.Fatal(err)
	}
	if r1.GroupID != r2.GroupID {
		t.Fatalf("expected re-grouping the same event to route to the same group, got %s vs %s", r1.GroupID, r2.GroupID)
	}

	g, ok := e.Get(r1.GroupID)
	if !ok {
		t.Fatal("expected group to exist")
	}
	if g.Occurrences != len(g.Members) {
		t.Fatalf("invariant violated: occurrences=%d members=%d", g.Occurrences, len(g.Members))
	}
}

func TestSimilarEventsJoinSameGroup(t *testing.T) {
	e, err := New(Config{Threshold: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	ev1 := mkEvent("h1", "Null Property Access", "cannot read property foo of undefined at line 10", now,
		"at handler (app/server.js:10:5)", "at main (app/index.js:2:1)")
	ev2 := mkEvent("h2", "Null Property Access", "cannot read property foo of undefined at line 99", now.Add(time.Minute),
		"at handler (app/server.js:99:5)", "at main (app/index.js:2:1)")

	r1, err := e.GroupError(ev1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.GroupError(ev2)
	if err != nil {
		t.Fatal(err)
	}
	if !r1.New {
		t.Fatal("expected first event to open a new group")
	}
	if r2.New {
		t.Fatal("expected second, similar event to join the existing group")
	}
	if r1.GroupID != r2.GroupID {
		t.Fatalf("expected both events in the same group, got %s vs %s", r1.GroupID, r2.GroupID)
	}
}

func TestDissimilarEventsOpenNewGroups(t *testing.T) {
	e, err := New(Config{Threshold: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	ev1 := mkEvent("h1", "Null Property Access", "cannot read property foo of undefined", now,
		"at handler (app/server.js:10:5)")
	ev2 := mkEvent("h2", "Timeout", "connection timed out after 30s", now,
		"at fetcher (app/net.js:40:2)")

	r1, _ := e.GroupError(ev1)
	r2, _ := e.GroupError(ev2)
	if r1.GroupID == r2.GroupID {
		t.Fatal("expected dissimilar events to land in different groups")
	}
}

// TestStackSimilarityIgnoresVendorFrames exercises spec §4.D.1: stack
// similarity must look at the first three *non-vendored* frames, not the
// first three frames on the literal stack. Each event here leads with three
// distinct node_modules frames (so taking the literal first three frames
// yields zero overlap) followed by three identical application frames (so
// filtering vendor frames first yields perfect overlap) — this pushes the
// two behaviors to opposite sides of the join threshold, not just to
// different scores that both happen to clear it.
func TestStackSimilarityIgnoresVendorFrames(t *testing.T) {
	e, err := New(Config{Threshold: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	ev1 := mkEvent("h1", "Null Property Access", "cannot read property foo of undefined", now,
		"at a (node_modules/lib-one/a.js:1:1)",
		"at b (node_modules/lib-two/b.js:2:2)",
		"at c (node_modules/lib-three/c.js:3:3)",
		"at handler (app/server.js:10:5)",
		"at load (app/config.js:4:1)",
		"at main (app/index.js:2:1)")
	ev2 := mkEvent("h2", "Null Property Access", "cannot read property foo of undefined", now.Add(time.Minute),
		"at x (node_modules/lib-four/x.js:9:1)",
		"at y (node_modules/lib-five/y.js:8:2)",
		"at z (node_modules/lib-six/z.js:7:3)",
		"at handler (app/server.js:10:5)",
		"at load (app/config.js:4:1)",
		"at main (app/index.js:2:1)")

	r1, err := e.GroupError(ev1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.GroupError(ev2)
	if err != nil {
		t.Fatal(err)
	}
	if r2.New {
		t.Fatal("expected the second event to join the first event's group once vendor frames are excluded from stack similarity")
	}
	if r1.GroupID != r2.GroupID {
		t.Fatalf("expected both events in the same group, got %s vs %s", r1.GroupID, r2.GroupID)
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "error-groups.json")

	e, err := New(Config{StorePath: storePath})
	if err != nil {
		t.Fatal(err)
	}
	ev := mkEvent("h1", "Timeout", "connection timed out", time.Now())
	r, err := e.GroupError(ev)
	if err != nil {
		t.Fatal(err)
	}

	e2, err := New(Config{StorePath: storePath})
	if err != nil {
		t.Fatal(err)
	}
	g, ok := e2.Get(r.GroupID)
	if !ok {
		t.Fatal("expected reloaded store to contain the persisted group")
	}
	if g.Occurrences != 1 {
		t.Fatalf("expected occurrences=1, got %d", g.Occurrences)
	}
}

func TestLevenshteinBasic(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Errorf("levenshtein(%q,%q)=%d want %d", c.a, c.b, got, c.want)
		}
	}
}
