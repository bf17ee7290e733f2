package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sailfishos/nemo-keepalive/internal/background"
	"github.com/sailfishos/nemo-keepalive/internal/eventloop"
)

var (
	bgSlotSeconds int
	bgRangeLo     int
	bgRangeHi     int
)

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Drive the wait/run/stop background-activity state machine (C6)",
}

var backgroundRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Enter Waiting and let heartbeat wakeups drive Running cycles until interrupted",
	RunE:  runBackgroundCycle,
}

func init() {
	backgroundRunCmd.Flags().IntVar(&bgSlotSeconds, "slot", 0, "grid-aligned wakeup slot in seconds (mutually exclusive with --range-lo/--range-hi)")
	backgroundRunCmd.Flags().IntVar(&bgRangeLo, "range-lo", 0, "explicit wakeup range lower bound, seconds")
	backgroundRunCmd.Flags().IntVar(&bgRangeHi, "range-hi", 0, "explicit wakeup range upper bound, seconds")
	backgroundCmd.AddCommand(backgroundRunCmd)
	rootCmd.AddCommand(backgroundCmd)
}

func runBackgroundCycle(cmd *cobra.Command, args []string) error {
	be := newBackend()
	loop := eventloop.New()
	defer loop.Close()

	activity := background.New(loop, be.hbPath, be.hbDial, be.bus, be.dial)
	defer activity.Unref()

	applyWakeupFlags(activity)

	if configPath != "" {
		store := loadConfigStore(configPath)
		watchConfigFile(configPath, store, func() { applyWakeupFromFile(activity, store.Get()) })
		applyWakeupFromFile(activity, store.Get())
	}

	activity.SetStoppedCallback(func() { emitState(activity, background.Stopped) })
	activity.SetWaitingCallback(func() { emitState(activity, background.Waiting) })
	activity.SetRunningCallback(func() {
		emitState(activity, background.Running)
		// Demo policy: do whatever work is needed here, then release the
		// CPU keepalive by re-entering Waiting for the next cycle.
		activity.Wait()
	})

	activity.Wait()

	if be.fakeHB != nil {
		go simulateFakeWakeups(be.fakeHB)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	activity.Stop()
	return nil
}

func applyWakeupFlags(activity *background.Activity) {
	switch {
	case bgRangeLo > 0 || bgRangeHi > 0:
		activity.SetWakeupRange(bgRangeLo, bgRangeHi)
	case bgSlotSeconds > 0:
		activity.SetWakeupSlot(bgSlotSeconds)
	}
}

func applyWakeupFromFile(activity *background.Activity, f fileConfig) {
	switch {
	case f.WakeupRangeLo > 0 || f.WakeupRangeHi > 0:
		activity.SetWakeupRange(f.WakeupRangeLo, f.WakeupRangeHi)
	case f.WakeupSlotSeconds > 0:
		activity.SetWakeupSlot(f.WakeupSlotSeconds)
	}
}

func emitState(activity *background.Activity, s background.State) {
	if jsonOutput {
		data, _ := json.Marshal(map[string]string{"id": activity.ID(), "state": s.String()})
		fmt.Println(string(data))
		return
	}
	printStatusLine(activity.ID(), s.String(), s != background.Stopped)
}
