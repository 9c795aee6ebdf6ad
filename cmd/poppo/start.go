package main

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/danshapiro/poppobuilder/internal/config"
	"github.com/danshapiro/poppobuilder/internal/pipeline"
	"github.com/danshapiro/poppobuilder/internal/poppoerrors"
	"github.com/danshapiro/poppobuilder/internal/statusserver"
)

func runStart(args []string, stdout, stderr io.Writer) int {
	configPath := "poppo.yaml"
	statusAddr := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 2
			}
			configPath = args[i]
		case "--status-addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--status-addr requires a value")
				return 2
			}
			statusAddr = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 2
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	if err := acquireNodeLock(cfg.StateDir); err != nil {
		fmt.Fprintln(stderr, err)
		if errors.Is(err, poppoerrors.ErrAlreadyRunning) {
			return 1
		}
		return 2
	}
	defer releaseNodeLock(cfg.StateDir)

	p, err := pipeline.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "pipeline: %v\n", err)
		return 1
	}
	defer p.Close()

	var status *statusserver.Server
	if statusAddr != "" {
		status = statusserver.New(statusAddr, statusserver.Dependencies{
			Coordinator: p.Coordinator(),
			Locks:       p.Locks(),
			Stats:       p.Stats(),
		})
		go func() {
			if err := status.ListenAndServe(); err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}

	fmt.Fprintf(stdout, "poppo started (state=%s)\n", cfg.StateDir)

	ctx, cleanup := signalContext()
	defer cleanup()

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "pipeline run: %v\n", err)
		return 1
	}
	return 0
}
