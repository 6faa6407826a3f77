package probe

import (
	"bufio"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
)

// DiskStats is a point-in-time read of one filesystem.
type DiskStats struct {
	Device         string
	MountPoint     string
	Filesystem     string
	TotalBytes     uint64
	UsedBytes      uint64
	AvailableBytes uint64
}

func (d DiskStats) UsagePercent() float64 {
	if d.TotalBytes == 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.TotalBytes) * 100
}

func (d DiskStats) UsedGB() float64  { return float64(d.UsedBytes) / (1024 * 1024 * 1024) }
func (d DiskStats) TotalGB() float64 { return float64(d.TotalBytes) / (1024 * 1024 * 1024) }

// virtualFilesystems are skipped when enumerating /proc/mounts.
var virtualFilesystems = map[string]bool{
	"proc": true, "sysfs": true, "devtmpfs": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "securityfs": true, "pstore": true,
	"debugfs": true, "configfs": true, "fusectl": true, "hugetlbfs": true,
	"mqueue": true, "binfmt_misc": true,
}

// ReadRootDisk samples the root filesystem.
func ReadRootDisk() DiskStats {
	stats := DiskStats{
		Device:     "rootfs",
		MountPoint: "/",
	}
	fillStatfs(&stats)
	return stats
}

// ReadAllMounts enumerates real filesystems from /proc/mounts, skipping
// virtual filesystems and loop devices.
func ReadAllMounts() []DiskStats {
	file, err := os.Open("/proc/mounts")
	if err != nil {
		logger.Error("cannot open /proc/mounts", "error", err)
		return nil
	}
	defer file.Close()

	mounts := parseMounts(file)

	var all []DiskStats
	for _, m := range mounts {
		fillStatfs(&m)
		if m.TotalBytes > 0 {
			all = append(all, m)
		}
	}
	return all
}

func fillStatfs(d *DiskStats) {
	var stat unix.Statfs_t
	if err := unix.Statfs(d.MountPoint, &stat); err != nil {
		logger.Error("statfs failed", "mount", d.MountPoint, "error", err)
		return
	}

	bsize := uint64(stat.Bsize)
	d.TotalBytes = stat.Blocks * bsize
	d.AvailableBytes = stat.Bavail * bsize
	d.UsedBytes = d.TotalBytes - stat.Bfree*bsize
}

func parseMounts(r io.Reader) []DiskStats {
	var mounts []DiskStats

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		device, mountPoint, filesystem := fields[0], fields[1], fields[2]

		if virtualFilesystems[filesystem] {
			continue
		}
		// Skip snap/loop mounts
		if strings.HasPrefix(device, "/dev/loop") {
			continue
		}

		mounts = append(mounts, DiskStats{
			Device:     device,
			MountPoint: mountPoint,
			Filesystem: filesystem,
		})
	}

	return mounts
}
