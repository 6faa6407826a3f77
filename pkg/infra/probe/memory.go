// Package probe holds the single-shot collectors the monitor samples:
// memory, disk, CPU, and pending package updates. Collectors report read
// failures by returning zeroed fields and logging; they never error out.
package probe

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
)

// MemoryStats is a point-in-time read of /proc/meminfo, in bytes.
type MemoryStats struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedBytes      uint64
	BuffersBytes   uint64
	CachedBytes    uint64
	SwapTotalBytes uint64
	SwapUsedBytes  uint64
}

func (m MemoryStats) UsagePercent() float64 {
	if m.TotalBytes == 0 {
		return 0
	}
	return float64(m.UsedBytes) / float64(m.TotalBytes) * 100
}

func (m MemoryStats) UsedMB() uint64  { return m.UsedBytes / (1024 * 1024) }
func (m MemoryStats) TotalMB() uint64 { return m.TotalBytes / (1024 * 1024) }

// ReadMemory samples /proc/meminfo.
func ReadMemory() MemoryStats {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		logger.Error("cannot open /proc/meminfo", "error", err)
		return MemoryStats{}
	}
	defer file.Close()

	return parseMeminfo(file)
}

func parseMeminfo(r io.Reader) MemoryStats {
	var stats MemoryStats
	var swapFree uint64

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			continue
		}
		// Values are in kB
		value *= 1024

		switch parts[0] {
		case "MemTotal:":
			stats.TotalBytes = value
		case "MemAvailable:":
			stats.AvailableBytes = value
		case "Buffers:":
			stats.BuffersBytes = value
		case "Cached:":
			stats.CachedBytes = value
		case "SwapTotal:":
			stats.SwapTotalBytes = value
		case "SwapFree:":
			swapFree = value
		}
	}

	if stats.TotalBytes >= stats.AvailableBytes {
		stats.UsedBytes = stats.TotalBytes - stats.AvailableBytes
	}
	if stats.SwapTotalBytes >= swapFree {
		stats.SwapUsedBytes = stats.SwapTotalBytes - swapFree
	}

	return stats
}
