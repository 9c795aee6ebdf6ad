package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
)

func TestRunStatusReportsNotRunningWithoutLockFile(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	code := runStatus([]string{"--state", dir}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d (stderr=%q)", code, stderr.String())
	}
}

func TestRunStatusReportsRunningForLiveLock(t *testing.T) {
	dir := t.TempDir()
	host, _ := os.Hostname()
	if err := atomicfile.WriteJSON(lockFilePath(dir), nodeLock{
		PID: os.Getpid(), StartTime: time.Now(), Hostname: host,
	}); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	code := runStatus([]string{"--state", dir}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !bytes.Contains(stdout.Bytes(), []byte("running: pid="+strconv.Itoa(os.Getpid()))) {
		t.Fatalf("expected running status, got %q", stdout.String())
	}
}

func TestRunStatusReportsStaleLockAsNotRunning(t *testing.T) {
	dir := t.TempDir()
	if err := atomicfile.WriteJSON(lockFilePath(dir), nodeLock{PID: 999999, StartTime: time.Now(), Hostname: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	code := runStatus([]string{"--state", dir}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1 for a stale lock, got %d", code)
	}
}

func TestAcquireNodeLockRejectsLiveHolder(t *testing.T) {
	dir := t.TempDir()
	if err := acquireNodeLock(dir); err != nil {
		t.Fatalf("first acquire should succeed: %v", err)
	}
	if err := acquireNodeLock(dir); err == nil {
		t.Fatal("second acquire by the same (self, live) pid should fail")
	}
}

func TestReleaseNodeLockRemovesOwnLockOnly(t *testing.T) {
	dir := t.TempDir()
	if err := acquireNodeLock(dir); err != nil {
		t.Fatal(err)
	}
	releaseNodeLock(dir)
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed, stat err=%v", err)
	}

	if err := atomicfile.WriteJSON(lockFilePath(dir), nodeLock{PID: os.Getpid() + 1, StartTime: time.Now(), Hostname: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	releaseNodeLock(dir)
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); err != nil {
		t.Fatalf("expected another process's lock file to be left in place, stat err=%v", err)
	}
}
