package bus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

func TestSendThenPollInboxRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Root: dir})
	if err != nil {
		t.Fatal(err)
	}

	sent, err := b.Send(domain.Message{
		Type: domain.MsgHeartbeat,
		From: "worker-1",
		To:   "core",
		Payload: map[string]any{"status": "running"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID == "" || sent.Timestamp.IsZero() {
		t.Fatal("expected Send to fill in id/timestamp")
	}

	got, err := b.PollInbox("core")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(got))
	}
	if got[0].ID != sent.ID {
		t.Fatalf("expected to receive the sent message, got id %s", got[0].ID)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "core", "inbox"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatal("expected inbox file to be deleted after successful poll")
	}
}

func TestPollInboxOrdersByFilenameTimestamp(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		if _, err := b.Send(domain.Message{
			ID: id, Type: domain.MsgHeartbeat, To: "core",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := b.PollInbox("core")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "a" || got[2].ID != "b" {
		t.Fatalf("expected delivery in timestamp order, got %v", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestPollInboxLeavesDeadLetterOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.EnsureDirs("core"); err != nil {
		t.Fatal(err)
	}
	badPath := filepath.Join(dir, "core", "inbox", "1_bad_HEARTBEAT.json")
	if err := os.WriteFile(badPath, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := b.PollInbox("core")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected unparsable message to be skipped, got %d", len(got))
	}
	if _, err := os.Stat(badPath); err != nil {
		t.Fatal("expected dead-letter file to remain on disk")
	}
}

func TestSendMsgpackEncodedMessageRoundTrips(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Root: dir})
	if err != nil {
		t.Fatal(err)
	}

	sent, err := b.Send(domain.Message{
		Type:     domain.MsgTaskCompleted,
		From:     "worker-1",
		To:       "core",
		Payload:  map[string]any{"result": "ok"},
		Encoding: "msgpack",
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "core", "inbox"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || filepath.Ext(entries[0].Name()) != ".msgpack" {
		t.Fatalf("expected one .msgpack inbox file, got %v", entries)
	}

	got, err := b.PollInbox("core")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != sent.ID || got[0].Encoding != "msgpack" {
		t.Fatalf("expected msgpack round trip to preserve the message, got %+v", got)
	}
}

func TestPollEmptyInboxReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	b, err := New(Config{Root: dir})
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.PollInbox("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no messages for a nonexistent inbox, got %d", len(got))
	}
}
