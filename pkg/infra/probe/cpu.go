package probe

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
)

// ReadCPU returns cumulative CPU usage percent from the first line of
// /proc/stat: (user+nice+system) over (user+nice+system+idle+iowait).
func ReadCPU() float64 {
	file, err := os.Open("/proc/stat")
	if err != nil {
		logger.Error("cannot open /proc/stat", "error", err)
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		logger.Error("empty /proc/stat")
		return 0
	}

	usage, ok := parseCPULine(scanner.Text())
	if !ok {
		logger.Error("unexpected /proc/stat format", "line", scanner.Text())
		return 0
	}
	return usage
}

func parseCPULine(line string) (float64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 || fields[0] != "cpu" {
		return 0, false
	}

	var vals [5]uint64
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return 0, false
		}
		vals[i] = v
	}

	user, nice, system, idle, iowait := vals[0], vals[1], vals[2], vals[3], vals[4]
	total := user + nice + system + idle + iowait
	if total == 0 {
		return 0, false
	}

	used := user + nice + system
	return float64(used) / float64(total) * 100, true
}
