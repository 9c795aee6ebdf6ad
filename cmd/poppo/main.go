// Command poppo runs the autonomous error-remediation pipeline. The CLI
// surface is intentionally minimal (spec.md "CLI surface (minimal, not the
// core)"): start, stop, status, nothing resembling a dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "start":
		os.Exit(runStart(os.Args[2:], os.Stdout, os.Stderr))
	case "stop":
		os.Exit(runStop(os.Args[2:], os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(os.Args[2:], os.Stdout, os.Stderr))
	case "--version", "-v", "version":
		fmt.Println("poppo (unversioned build)")
		os.Exit(0)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  poppo start --config <poppo.yaml> [--status-addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  poppo stop --state <dir> [--grace-ms <ms>] [--force]")
	fmt.Fprintln(os.Stderr, "  poppo status --state <dir>")
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, and a
// cleanup func that must run before the process exits.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()
	return ctx, func() {
		close(done)
		signal.Stop(sigCh)
		cancel()
	}
}
