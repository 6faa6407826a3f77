package probe

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
)

// PackageUpdate is one upgradable package reported by apt.
type PackageUpdate struct {
	Name             string
	Source           string
	AvailableVersion string
	CurrentVersion   string
	IsSecurity       bool
}

func (u PackageUpdate) String() string {
	return fmt.Sprintf("%s %s -> %s (%s)", u.Name, u.CurrentVersion, u.AvailableVersion, u.Source)
}

// apt list --upgradable output:
// package/source version arch [upgradable from: old_version]
var aptUpgradablePattern = regexp.MustCompile(`^([^/]+)/(\S+)\s+(\S+)\s+[^\[]*\[upgradable from:\s+([^\]]+)\]`)

// AptChecker shells out to apt for the upgradable listing and caches the
// result between checks.
type AptChecker struct {
	mu        sync.Mutex
	cached    []PackageUpdate
	lastCheck time.Time

	// run is swappable for tests.
	run func(ctx context.Context) (string, error)
}

func NewAptChecker() *AptChecker {
	return &AptChecker{run: runAptList}
}

func runAptList(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", "apt list --upgradable 2>/dev/null")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run apt list: %w", err)
	}
	return string(out), nil
}

// CheckUpdates refreshes the cached listing.
func (c *AptChecker) CheckUpdates(ctx context.Context) []PackageUpdate {
	output, err := c.run(ctx)
	if err != nil {
		logger.Error("package check failed", "error", err)
		return c.Cached()
	}

	updates := parseAptOutput(output)

	c.mu.Lock()
	c.cached = updates
	c.lastCheck = time.Now()
	c.mu.Unlock()

	security := 0
	for _, u := range updates {
		if u.IsSecurity {
			security++
		}
	}
	logger.Info("package check complete", "pending", len(updates), "security", security)

	return updates
}

// Cached returns the most recent listing without re-running apt.
func (c *AptChecker) Cached() []PackageUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PackageUpdate, len(c.cached))
	copy(out, c.cached)
	return out
}

func (c *AptChecker) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cached)
}

func (c *AptChecker) SecurityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, u := range c.cached {
		if u.IsSecurity {
			count++
		}
	}
	return count
}

func (c *AptChecker) LastCheck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCheck
}

func parseAptOutput(output string) []PackageUpdate {
	var updates []PackageUpdate

	for _, line := range strings.Split(output, "\n") {
		// Skip the "Listing..." header
		if strings.Contains(line, "Listing") {
			continue
		}

		match := aptUpgradablePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}

		update := PackageUpdate{
			Name:             match[1],
			Source:           match[2],
			AvailableVersion: match[3],
			CurrentVersion:   match[4],
		}
		update.IsSecurity = strings.Contains(update.Source, "security")

		updates = append(updates, update)
	}

	return updates
}
