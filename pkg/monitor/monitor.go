// Package monitor orchestrates the periodic health sample pass: it drives
// the collectors, publishes the snapshot, and evaluates alert thresholds.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
	"github.com/hostpulse/hostpulse/pkg/infra/probe"
	"github.com/hostpulse/hostpulse/pkg/unit/alert"
)

const (
	defaultInterval = 5 * time.Minute
	// Package checks run every Nth sample pass; they shell out to apt and
	// are too slow for every tick.
	packageCheckDivisor = 5
	// At most this many updates are enumerated in alert metadata.
	maxListedUpdates = 5
)

// Collectors are the single-shot readers the monitor samples. Any of them
// may be swapped out in tests.
type Collectors struct {
	Memory func() probe.MemoryStats
	Disk   func() probe.DiskStats
	CPU    func() float64
}

func defaultCollectors() Collectors {
	return Collectors{
		Memory: probe.ReadMemory,
		Disk:   probe.ReadRootDisk,
		CPU:    probe.ReadCPU,
	}
}

// PackageChecker is the upgradable-package probe surface.
type PackageChecker interface {
	CheckUpdates(ctx context.Context) []probe.PackageUpdate
	Cached() []probe.PackageUpdate
	PendingCount() int
	SecurityCount() int
}

// AlertSink emits threshold alerts, optionally enriched with LLM analysis.
// *alert.Analyzer satisfies it.
type AlertSink interface {
	CreateSmart(ctx context.Context, severity alert.Severity, typ alert.Type, title, message string, metadata map[string]string, analysisContext string) string
}

// Thresholds are usage fractions in [0,1].
type Thresholds struct {
	DiskWarn float64
	DiskCrit float64
	MemWarn  float64
	MemCrit  float64
}

// Config assembles the monitor's collaborators and tuning.
type Config struct {
	Interval           time.Duration
	Thresholds         Thresholds
	EnablePackageCheck bool

	// Optional overrides; nil fields fall back to the real probes.
	Collectors Collectors
	Packages   PackageChecker
}

// Monitor runs the periodic sample loop on one dedicated goroutine.
type Monitor struct {
	alerts *alert.Manager
	smart  AlertSink

	collectors Collectors
	packages   PackageChecker
	thresholds Thresholds

	enablePackages bool
	interval       atomic.Int64 // nanoseconds

	running        atomic.Bool
	checkRequested atomic.Bool
	stopCh         chan struct{}
	wg             sync.WaitGroup

	snapshotMu sync.Mutex
	snapshot   HealthSnapshot

	// LLM state mirrored from handlers; readers tolerate staleness.
	llmLoaded atomic.Bool
	llmQueue  atomic.Int64
	llmNameMu sync.Mutex
	llmName   string

	// passCount is shared between the loop and ForceCheck so the package
	// subsample divisor counts each pass exactly once.
	passCount atomic.Int64
}

// New builds a monitor. smart may be nil, in which case threshold alerts
// go straight to the manager without analysis.
func New(cfg Config, alerts *alert.Manager, smart AlertSink) *Monitor {
	m := &Monitor{
		alerts:         alerts,
		smart:          smart,
		collectors:     cfg.Collectors,
		packages:       cfg.Packages,
		thresholds:     cfg.Thresholds,
		enablePackages: cfg.EnablePackageCheck,
	}

	if m.collectors.Memory == nil {
		m.collectors.Memory = defaultCollectors().Memory
	}
	if m.collectors.Disk == nil {
		m.collectors.Disk = defaultCollectors().Disk
	}
	if m.collectors.CPU == nil {
		m.collectors.CPU = defaultCollectors().CPU
	}
	if m.packages == nil {
		m.packages = probe.NewAptChecker()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	m.interval.Store(int64(interval))

	return m
}

// Start launches the monitor loop. The first sample pass runs immediately.
func (m *Monitor) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop()

	logger.Info("monitor started", "interval", m.Interval().String())
}

// Stop ends the loop. Shutdown latency is bounded by the 1-second sleep
// slice.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	logger.Info("monitor stopped")
}

func (m *Monitor) IsRunning() bool { return m.running.Load() }

// Interval returns the current sample interval.
func (m *Monitor) Interval() time.Duration {
	return time.Duration(m.interval.Load())
}

// SetInterval changes the sample interval; takes effect on the next tick.
func (m *Monitor) SetInterval(d time.Duration) {
	if d > 0 {
		m.interval.Store(int64(d))
	}
}

// TriggerCheck requests an asynchronous sample pass from the loop.
func (m *Monitor) TriggerCheck() {
	m.checkRequested.Store(true)
}

// ForceCheck runs a sample pass synchronously on the calling goroutine and
// returns the fresh snapshot.
func (m *Monitor) ForceCheck(ctx context.Context) HealthSnapshot {
	logger.Debug("running forced health check")
	m.runChecks(ctx)
	return m.Snapshot()
}

// Snapshot returns a copy of the current snapshot; readers never hold the
// monitor lock beyond the copy.
func (m *Monitor) Snapshot() HealthSnapshot {
	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()
	return m.snapshot
}

// SetLLMState mirrors the engine state into subsequent snapshots.
func (m *Monitor) SetLLMState(loaded bool, modelName string, queueSize int) {
	m.llmLoaded.Store(loaded)
	m.llmQueue.Store(int64(queueSize))

	m.llmNameMu.Lock()
	m.llmName = modelName
	m.llmNameMu.Unlock()
}

// PendingUpdates returns the cached upgradable package listing.
func (m *Monitor) PendingUpdates() []string {
	cached := m.packages.Cached()
	out := make([]string, 0, len(cached))
	for _, u := range cached {
		out = append(out, u.String())
	}
	return out
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	logger.Debug("monitor loop started")

	ctx := context.Background()

	// Run initial check immediately
	m.runChecks(ctx)
	lastCheck := time.Now()

	for {
		// Sleep in 1-second slices to allow quick shutdown.
		select {
		case <-m.stopCh:
			logger.Debug("monitor loop ended")
			return
		case <-time.After(time.Second):
		}

		if time.Since(lastCheck) >= m.Interval() || m.checkRequested.Load() {
			m.checkRequested.Store(false)
			m.runChecks(ctx)
			lastCheck = time.Now()
		}
	}
}

// runChecks performs one full sample pass: collect, publish, evaluate.
func (m *Monitor) runChecks(ctx context.Context) {
	logger.Debug("running health checks")

	mem := m.collectors.Memory()
	disk := m.collectors.Disk()
	cpu := m.collectors.CPU()

	var pending, security int
	if m.enablePackages {
		// Shared atomic counter: concurrent ForceCheck and loop passes
		// each count once toward the divisor.
		pass := m.passCount.Add(1)
		if (pass-1)%packageCheckDivisor == 0 {
			m.packages.CheckUpdates(ctx)
		}
		pending = m.packages.PendingCount()
		security = m.packages.SecurityCount()
	}

	m.llmNameMu.Lock()
	llmName := m.llmName
	m.llmNameMu.Unlock()

	snapshot := HealthSnapshot{
		Timestamp:          time.Now(),
		CPUUsagePercent:    cpu,
		MemoryUsagePercent: mem.UsagePercent(),
		MemoryUsedMB:       mem.UsedMB(),
		MemoryTotalMB:      mem.TotalMB(),
		DiskUsagePercent:   disk.UsagePercent(),
		DiskUsedGB:         disk.UsedGB(),
		DiskTotalGB:        disk.TotalGB(),
		PendingUpdates:     pending,
		SecurityUpdates:    security,
		LLMLoaded:          m.llmLoaded.Load(),
		LLMModelName:       llmName,
		InferenceQueueSize: int(m.llmQueue.Load()),
	}

	if m.alerts != nil {
		snapshot.ActiveAlerts = m.alerts.CountActive(ctx)
		snapshot.CriticalAlerts = m.alerts.CountBySeverity(ctx, alert.SeverityCritical)
	}

	m.snapshotMu.Lock()
	m.snapshot = snapshot
	m.snapshotMu.Unlock()

	m.checkThresholds(ctx, snapshot)

	logger.Debug("health check complete",
		"cpu_pct", fmt.Sprintf("%.1f", cpu),
		"mem_pct", fmt.Sprintf("%.1f", snapshot.MemoryUsagePercent),
		"disk_pct", fmt.Sprintf("%.1f", snapshot.DiskUsagePercent))
}

func (m *Monitor) checkThresholds(ctx context.Context, s HealthSnapshot) {
	if m.alerts == nil {
		return
	}

	diskFrac := s.DiskUsagePercent / 100.0
	if m.thresholds.DiskCrit > 0 && diskFrac >= m.thresholds.DiskCrit {
		m.emit(ctx, alert.SeverityCritical, alert.TypeDiskUsage,
			"Critical disk usage",
			fmt.Sprintf("Disk usage is at %d%% on root filesystem", int(s.DiskUsagePercent)),
			map[string]string{"usage_percent": fmt.Sprintf("%.1f", s.DiskUsagePercent)},
			fmt.Sprintf("root filesystem %.1f%% used (%.1f of %.1f GB)", s.DiskUsagePercent, s.DiskUsedGB, s.DiskTotalGB))
	} else if m.thresholds.DiskWarn > 0 && diskFrac >= m.thresholds.DiskWarn {
		m.emit(ctx, alert.SeverityWarning, alert.TypeDiskUsage,
			"High disk usage",
			fmt.Sprintf("Disk usage is at %d%% on root filesystem", int(s.DiskUsagePercent)),
			map[string]string{"usage_percent": fmt.Sprintf("%.1f", s.DiskUsagePercent)},
			fmt.Sprintf("root filesystem %.1f%% used (%.1f of %.1f GB)", s.DiskUsagePercent, s.DiskUsedGB, s.DiskTotalGB))
	}

	memFrac := s.MemoryUsagePercent / 100.0
	if m.thresholds.MemCrit > 0 && memFrac >= m.thresholds.MemCrit {
		m.emit(ctx, alert.SeverityCritical, alert.TypeMemoryUsage,
			"Critical memory usage",
			fmt.Sprintf("Memory usage is at %d%%", int(s.MemoryUsagePercent)),
			map[string]string{"usage_percent": fmt.Sprintf("%.1f", s.MemoryUsagePercent)},
			fmt.Sprintf("%d of %d MB in use", s.MemoryUsedMB, s.MemoryTotalMB))
	} else if m.thresholds.MemWarn > 0 && memFrac >= m.thresholds.MemWarn {
		m.emit(ctx, alert.SeverityWarning, alert.TypeMemoryUsage,
			"High memory usage",
			fmt.Sprintf("Memory usage is at %d%%", int(s.MemoryUsagePercent)),
			map[string]string{"usage_percent": fmt.Sprintf("%.1f", s.MemoryUsagePercent)},
			fmt.Sprintf("%d of %d MB in use", s.MemoryUsedMB, s.MemoryTotalMB))
	}

	if s.SecurityUpdates > 0 {
		meta := map[string]string{
			"count":   fmt.Sprintf("%d", s.SecurityUpdates),
			"updates": m.securityUpdateList(),
		}
		m.emit(ctx, alert.SeverityWarning, alert.TypeSecurityUpdate,
			"Security updates available",
			fmt.Sprintf("%d security update(s) available", s.SecurityUpdates),
			meta,
			meta["updates"])
	}
}

// securityUpdateList enumerates pending security updates, truncated to
// maxListedUpdates entries with a trailing count.
func (m *Monitor) securityUpdateList() string {
	var names []string
	for _, u := range m.packages.Cached() {
		if u.IsSecurity {
			names = append(names, u.String())
		}
	}

	if len(names) > maxListedUpdates {
		extra := len(names) - maxListedUpdates
		names = append(names[:maxListedUpdates], fmt.Sprintf("...and %d more", extra))
	}
	return strings.Join(names, ", ")
}

func (m *Monitor) emit(ctx context.Context, severity alert.Severity, typ alert.Type, title, message string, metadata map[string]string, analysisContext string) {
	if m.smart != nil {
		m.smart.CreateSmart(ctx, severity, typ, title, message, metadata, analysisContext)
		return
	}
	m.alerts.Create(ctx, severity, typ, title, message, metadata)
}
