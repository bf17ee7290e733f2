package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sailfishos/nemo-keepalive/internal/cpukeepalive"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
)

var cpuCmd = &cobra.Command{
	Use:   "cpu",
	Short: "Hold a CPU-keepalive session open (C4) until interrupted",
	RunE:  runCPUSession,
}

func init() {
	rootCmd.AddCommand(cpuCmd)
}

func runCPUSession(cmd *cobra.Command, args []string) error {
	be := newBackend()
	loop := eventloop.New()
	defer loop.Close()

	session := cpukeepalive.New(loop, be.bus, be.dial)
	defer session.Unref()
	session.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			session.Stop()
			return nil
		case <-ticker.C:
			printStatusLine(session.ID(), renewingLabel(session.Renewing()), session.Renewing())
		}
	}
}

func renewingLabel(renewing bool) string {
	if renewing {
		return "renewing"
	}
	return "idle (waiting on daemon)"
}
