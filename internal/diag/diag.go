// Package diag reports the host battery, CPU, and memory context a
// keepalive decision is made against. It has no bearing on C1-C6's
// behavior — the library never reads battery level or CPU load to decide
// whether to hold a lock, spec §1 is explicit that policy belongs to the
// platform — but an operator deciding whether a long-running CPU
// keepalive session is warranted benefits from seeing it, so
// cmd/keepalive-session's diag subcommand surfaces it alongside the
// keepalive state.
package diag

import (
	"runtime"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of host power/compute state.
type Snapshot struct {
	CPUCount     int          `json:"cpu_count"`
	CPUBrand     string       `json:"cpu_brand"`
	LoadOne      float64      `json:"load_one"`
	MemoryUsed   uint64       `json:"memory_used"`
	MemoryTotal  uint64       `json:"memory_total"`
	MemoryUsedPc float64      `json:"memory_used_percent"`
	Battery      BatteryState `json:"battery"`
}

// BatteryState mirrors the subset of distatus/battery's report this
// diagnostic cares about: level and whether the battery is charging or
// discharging.
type BatteryState struct {
	Present     bool    `json:"present"`
	Percent     float64 `json:"percent"`
	Charging    bool    `json:"charging"`
	Discharging bool    `json:"discharging"`
}

// Read takes a best-effort snapshot. Every sub-reading is independently
// optional (a sandboxed or virtualized host may expose no battery, or no
// load average on non-Unix platforms) — missing data degrades to the
// zero value rather than failing the whole snapshot, matching spec §7's
// "surface as state, not errors" class for this non-core diagnostic.
func Read() Snapshot {
	var s Snapshot

	s.CPUCount = runtime.NumCPU()
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		s.CPUBrand = infos[0].ModelName
	}
	if avg, err := load.Avg(); err == nil {
		s.LoadOne = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsed = vm.Used
		s.MemoryTotal = vm.Total
		s.MemoryUsedPc = vm.UsedPercent
	}
	s.Battery = readBattery()
	return s
}

func readBattery() BatteryState {
	batteries, err := battery.GetAll()
	if err != nil || len(batteries) == 0 {
		return BatteryState{}
	}
	b := batteries[0]
	pct := 0.0
	if b.Full > 0 {
		pct = (b.Current / b.Full) * 100
	}
	return BatteryState{
		Present:     true,
		Percent:     pct,
		Charging:    b.State == battery.Charging,
		Discharging: b.State == battery.Discharging,
	}
}
