package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sailfishos/nemo-keepalive/internal/displaykeepalive"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
)

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Hold a display-keepalive session open (C5) until interrupted",
	RunE:  runDisplaySession,
}

func init() {
	rootCmd.AddCommand(displayCmd)
}

func displayStatusLabel(s displaykeepalive.Status) string {
	switch s {
	case displaykeepalive.StatusOff:
		return "off"
	case displaykeepalive.StatusDimmed:
		return "dimmed"
	case displaykeepalive.StatusOn:
		return "on"
	default:
		return "unknown"
	}
}

func runDisplaySession(cmd *cobra.Command, args []string) error {
	be := newBackend()
	loop := eventloop.New()
	defer loop.Close()

	session := displaykeepalive.New(loop, be.bus, be.dial, func(s displaykeepalive.Status) {
		printStatusLine("display-status", displayStatusLabel(s), s == displaykeepalive.StatusOn)
	})
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
			allowed := session.PreventMode() == displaykeepalive.PreventAllowed
			printStatusLine(session.ID(), renewingLabel(session.Renewing()), allowed && session.Renewing())
		}
	}
}
