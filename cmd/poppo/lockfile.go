package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/poppobuilder/internal/atomicfile"
	"github.com/danshapiro/poppobuilder/internal/poppoerrors"
	"github.com/danshapiro/poppobuilder/internal/procutil"
)

const lockFileName = "poppo-node.lock"

// nodeLock is the process-discipline document at <state>/poppo-node.lock
// (spec.md "Process discipline"). It's a plain JSON file, not a flock: the
// guarantee comes from checking the recorded PID's liveness on startup,
// the same posture the teacher's runstate snapshot takes for a single
// run's pidfile.
type nodeLock struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
	Hostname  string    `json:"hostname"`
}

func lockFilePath(stateDir string) string {
	return filepath.Join(stateDir, lockFileName)
}

// acquireNodeLock fails with poppoerrors.ErrAlreadyRunning if the lock file
// at stateDir names a still-live PID. A missing or stale (dead-PID) lock
// file is overwritten with the calling process's own identity.
func acquireNodeLock(stateDir string) error {
	path := lockFilePath(stateDir)
	var existing nodeLock
	found, err := atomicfile.ReadJSON(path, &existing)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if found && procutil.Alive(existing.PID) {
		return fmt.Errorf("%w (pid %d, host %s)", poppoerrors.ErrAlreadyRunning, existing.PID, existing.Hostname)
	}

	host, _ := os.Hostname()
	lock := nodeLock{PID: os.Getpid(), StartTime: time.Now(), Hostname: host}
	return atomicfile.WriteJSON(path, lock)
}

// releaseNodeLock removes the lock file if it still names this process.
// It never touches <state>/poppo-cron.lock/, the shell-style directory
// lock that coexists untouched per spec.md.
func releaseNodeLock(stateDir string) {
	path := lockFilePath(stateDir)
	var existing nodeLock
	found, err := atomicfile.ReadJSON(path, &existing)
	if err != nil || !found || existing.PID != os.Getpid() {
		return
	}
	_ = os.Remove(path)
}

// readNodeLock loads the lock file without judging liveness, for status
// reporting.
func readNodeLock(stateDir string) (nodeLock, bool, error) {
	var lock nodeLock
	found, err := atomicfile.ReadJSON(lockFilePath(stateDir), &lock)
	return lock, found, err
}
