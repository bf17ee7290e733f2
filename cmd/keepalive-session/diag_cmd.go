package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sailfishos/nemo-keepalive/internal/diag"
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Report host battery/CPU/memory context (informational only, never gates a keepalive decision)",
	RunE:  runDiag,
}

func init() {
	rootCmd.AddCommand(diagCmd)
}

func runDiag(cmd *cobra.Command, args []string) error {
	s := diag.Read()
	if jsonOutput {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("CPU:      %s (%d logical cores), load1 %.2f\n", s.CPUBrand, s.CPUCount, s.LoadOne)
	fmt.Printf("Memory:   %.1f%% used (%d / %d bytes)\n", s.MemoryUsedPc, s.MemoryUsed, s.MemoryTotal)
	if s.Battery.Present {
		state := "discharging"
		if s.Battery.Charging {
			state = "charging"
		}
		fmt.Printf("Battery:  %.0f%% (%s)\n", s.Battery.Percent, state)
	} else {
		fmt.Println("Battery:  not present")
	}
	return nil
}
