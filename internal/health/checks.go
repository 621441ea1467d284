package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fleetd/internal/config"
	"fleetd/internal/transport"
	"fleetd/internal/types"
)

// serverProbe collects load, core count, memory and disk occupancy in one
// round trip. Output is positional: loadavg, nproc, "totalKB availKB",
// df last line.
const serverProbe = `cat /proc/loadavg; nproc; ` +
	`awk '/MemTotal/ {t=$2} /MemAvailable/ {a=$2} END {print t, a}' /proc/meminfo; ` +
	`df -P -k / | tail -1`

// boardProbe appends the SoC temperature in millidegrees; boards without a
// thermal zone report 0 and the temperature check is skipped.
const boardProbe = serverProbe +
	`; cat /sys/class/thermal/thermal_zone0/temp 2>/dev/null || echo 0`

const probeTimeout = 30 * time.Second

// reading is a parsed probe before threshold evaluation.
type reading struct {
	util  types.Utilization
	tempC float64
}

func runServerProbe(ctx context.Context, sess transport.Session) (*reading, time.Duration, error) {
	return runProbe(ctx, sess, serverProbe, false)
}

func runBoardProbe(ctx context.Context, sess transport.Session) (*reading, time.Duration, error) {
	return runProbe(ctx, sess, boardProbe, true)
}

func runProbe(ctx context.Context, sess transport.Session, script string, wantTemp bool) (*reading, time.Duration, error) {
	res, err := sess.Exec(ctx, transport.Command{Line: script, Timeout: probeTimeout})
	if err != nil {
		return nil, 0, err
	}
	if res.Failed() {
		return nil, res.Duration, types.Remotef("probe exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	r, err := parseProbe(res.Stdout, wantTemp)
	if err != nil {
		return nil, res.Duration, err
	}
	return r, res.Duration, nil
}

func parseProbe(stdout string, wantTemp bool) (*reading, error) {
	lines := nonEmptyLines(stdout)
	want := 4
	if wantTemp {
		want = 5
	}
	if len(lines) < want {
		return nil, types.Remotef("probe output has %d lines, want %d", len(lines), want)
	}

	r := &reading{}

	// loadavg: "0.42 0.36 0.25 1/233 4567"
	loadFields := strings.Fields(lines[0])
	if len(loadFields) < 1 {
		return nil, types.Remotef("malformed loadavg %q", lines[0])
	}
	load1, err := strconv.ParseFloat(loadFields[0], 64)
	if err != nil {
		return nil, types.Remotef("malformed loadavg %q", lines[0])
	}

	cores, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil || cores <= 0 {
		return nil, types.Remotef("malformed core count %q", lines[1])
	}
	r.util.CPUPercent = clampPercent(load1 / float64(cores) * 100)

	// meminfo: "totalKB availKB"
	memFields := strings.Fields(lines[2])
	if len(memFields) == 2 {
		total, terr := strconv.ParseFloat(memFields[0], 64)
		avail, aerr := strconv.ParseFloat(memFields[1], 64)
		if terr == nil && aerr == nil && total > 0 {
			r.util.MemoryPercent = clampPercent((total - avail) / total * 100)
		}
	}

	// df -P -k: Filesystem 1024-blocks Used Available Capacity Mounted
	dfFields := strings.Fields(lines[3])
	if len(dfFields) >= 5 {
		if pct, err := strconv.ParseFloat(strings.TrimSuffix(dfFields[4], "%"), 64); err == nil {
			r.util.StoragePercent = clampPercent(pct)
		}
		if availKB, err := strconv.ParseFloat(dfFields[3], 64); err == nil {
			r.util.FreeDiskGB = availKB / (1024 * 1024)
		}
	}

	if wantTemp {
		milli, err := strconv.ParseFloat(strings.TrimSpace(lines[4]), 64)
		if err == nil {
			r.tempC = milli / 1000
		}
	}
	return r, nil
}

// evaluate classifies a reading against thresholds. The temperature check
// only applies to boards and only when the board reported a sensor.
func evaluate(r *reading, respTime time.Duration, th config.Thresholds, isBoard bool) []types.CheckResult {
	checks := []types.CheckResult{
		gauge("cpu", r.util.CPUPercent, th.CPUWarnPercent, th.CPUCritPercent, "%.0f%%"),
		gauge("memory", r.util.MemoryPercent, th.MemoryWarnPercent, th.MemoryCritPercent, "%.0f%%"),
		gauge("storage", r.util.StoragePercent, th.StorageWarnPercent, th.StorageCritPercent, "%.0f%%"),
		lowGauge("free-disk", r.util.FreeDiskGB, th.FreeDiskWarnGB, th.FreeDiskCritGB, "%.1fGB"),
		gauge("response-time", float64(respTime.Milliseconds()), th.ResponseWarnMs, th.ResponseCritMs, "%.0fms"),
	}
	if isBoard && r.tempC > 0 {
		checks = append(checks, gauge("temperature", r.tempC, th.TempWarnCelsius, th.TempCritCelsius, "%.1fC"))
	}
	return checks
}

// gauge trips when the value rises past the bounds.
func gauge(category string, value, warn, crit float64, format string) types.CheckResult {
	status := types.CheckPass
	threshold := warn
	switch {
	case crit > 0 && value >= crit:
		status = types.CheckFail
		threshold = crit
	case warn > 0 && value >= warn:
		status = types.CheckWarn
	}
	return types.CheckResult{
		Category:  category,
		Status:    status,
		Value:     value,
		Threshold: threshold,
		Detail:    fmt.Sprintf(format, value),
	}
}

// lowGauge trips when the value falls below the bounds.
func lowGauge(category string, value, warn, crit float64, format string) types.CheckResult {
	status := types.CheckPass
	threshold := warn
	switch {
	case crit > 0 && value <= crit:
		status = types.CheckFail
		threshold = crit
	case warn > 0 && value <= warn:
		status = types.CheckWarn
	}
	return types.CheckResult{
		Category:  category,
		Status:    status,
		Value:     value,
		Threshold: threshold,
		Detail:    fmt.Sprintf(format, value),
	}
}

func levelOf(checks []types.CheckResult) types.HealthLevel {
	levels := make([]types.HealthLevel, 0, len(checks))
	for _, c := range checks {
		levels = append(levels, c.Status.Level())
	}
	return types.WorstLevel(levels...)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
