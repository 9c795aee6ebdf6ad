package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danshapiro/poppobuilder/internal/domain"
)

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: filepath.Join(dir, "backups")})
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "conf.json")
	original := []byte("{\n \"a\":1,\n}")
	if err := os.WriteFile(target, original, 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := s.CreateBackup(target, Meta{PatternID: "EP010"})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	if err := os.WriteFile(target, []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore(rec.BackupID, target); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Fatalf("restore is not a no-op on original content: got %q", got)
	}
}

func TestRollbackRestoresFilesAndDeletesCreated(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: filepath.Join(dir, "backups")})
	if err != nil {
		t.Fatal(err)
	}

	fileA := filepath.Join(dir, "a.txt")
	fileB := filepath.Join(dir, "b.txt")
	os.WriteFile(fileA, []byte("A-original"), 0o644)
	os.WriteFile(fileB, []byte("B-original"), 0o644)

	recA, _ := s.CreateBackup(fileA, Meta{})
	recB, _ := s.CreateBackup(fileB, Meta{})

	os.WriteFile(fileA, []byte("A-modified"), 0o644)
	os.WriteFile(fileB, []byte("B-modified"), 0o644)
	createdFile := filepath.Join(dir, "new.txt")
	os.WriteFile(createdFile, []byte("new"), 0o644)

	out := s.Rollback(domain.RepairResult{
		BackupRefs:   []string{recA.BackupID, recB.BackupID},
		CreatedFiles: []string{createdFile},
	})

	if len(out.Failed) != 0 {
		t.Fatalf("expected no failures, got %v", out.Failed)
	}
	gotA, _ := os.ReadFile(fileA)
	gotB, _ := os.ReadFile(fileB)
	if string(gotA) != "A-original" || string(gotB) != "B-original" {
		t.Fatalf("rollback did not restore both files: a=%q b=%q", gotA, gotB)
	}
	if _, err := os.Stat(createdFile); !os.IsNotExist(err) {
		t.Fatal("expected created file to be deleted by rollback")
	}
}

func TestRollbackBestEffortOnPartialFailure(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: filepath.Join(dir, "backups")})
	if err != nil {
		t.Fatal(err)
	}

	fileA := filepath.Join(dir, "a.txt")
	os.WriteFile(fileA, []byte("A-original"), 0o644)
	recA, _ := s.CreateBackup(fileA, Meta{})
	os.WriteFile(fileA, []byte("A-modified"), 0o644)

	out := s.Rollback(domain.RepairResult{
		BackupRefs: []string{"does-not-exist", recA.BackupID},
	})

	if len(out.Failed) != 1 {
		t.Fatalf("expected exactly one failure for the missing ref, got %v", out.Failed)
	}
	got, _ := os.ReadFile(fileA)
	if string(got) != "A-original" {
		t.Fatal("expected the valid ref to still be restored despite the other failing")
	}
}

func TestPruneTrimsToMaxBackups(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Dir: dir, RetentionDays: 1, MaxBackups: 2})
	if err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "f.txt")
	os.WriteFile(target, []byte("v1"), 0o644)

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := s.CreateBackup(target, Meta{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.BackupID)
	}

	if err := s.Prune(); err != nil {
		t.Fatal(err)
	}

	remaining, err := s.list()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) > 2 {
		t.Fatalf("expected at most 2 backups after prune, got %d", len(remaining))
	}

	_ = time.Now()
}
