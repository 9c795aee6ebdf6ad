package main

import (
	"fmt"
	"io"

	"github.com/danshapiro/poppobuilder/internal/procutil"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	var stateDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--state requires a value")
				return 2
			}
			stateDir = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}
	if stateDir == "" {
		fmt.Fprintln(stderr, "--state is required")
		return 2
	}

	lock, found, err := readNodeLock(stateDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if !found {
		fmt.Fprintln(stdout, "not running (no lock file)")
		return 1
	}
	if !procutil.Alive(lock.PID) {
		fmt.Fprintf(stdout, "not running (stale lock, pid %d)\n", lock.PID)
		return 1
	}
	fmt.Fprintf(stdout, "running: pid=%d host=%s since=%s\n", lock.PID, lock.Hostname, lock.StartTime.Format("2006-01-02T15:04:05Z07:00"))
	return 0
}
