// Package daemon wires the subsystems together and owns their lifecycle:
// config, alert store and manager, monitor, LLM engine, event bus, and the
// IPC server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hostpulse/hostpulse/pkg/config"
	"github.com/hostpulse/hostpulse/pkg/infra/eventbus"
	"github.com/hostpulse/hostpulse/pkg/infra/logger"
	"github.com/hostpulse/hostpulse/pkg/infra/store"
	"github.com/hostpulse/hostpulse/pkg/ipc"
	"github.com/hostpulse/hostpulse/pkg/llm"
	"github.com/hostpulse/hostpulse/pkg/monitor"
	"github.com/hostpulse/hostpulse/pkg/unit/alert"
)

const Name = "hostpulsed"

// retentionSweepInterval is how often resolved alerts past retention age
// are garbage collected.
const retentionSweepInterval = time.Hour

// Daemon is the assembled process. Collaborators are explicit
// dependencies; nothing global beyond the logger.
type Daemon struct {
	version string
	cfgPath string

	cfgMu sync.RWMutex
	cfg   *config.Config

	store    *store.AlertStore
	alerts   *alert.Manager
	analyzer *alert.Analyzer
	engine   llm.Engine
	monitor  *monitor.Monitor
	server   *ipc.Server
	bus      *eventbus.InMemoryBus
	watcher  *config.Watcher

	startTime    time.Time
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	gcStop chan struct{}
	gcWG   sync.WaitGroup
}

// New loads configuration and assembles the daemon. Nothing starts
// running until Run.
func New(cfgPath, version string) (*Daemon, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	alertStore, err := store.NewAlertStore(cfg.Alerts.DBPath)
	if err != nil {
		// A corrupted database file must not keep the daemon down; start
		// over with a fresh schema.
		logger.Warn("alert store unusable, reinitializing", "path", cfg.Alerts.DBPath, "error", err)
		_ = os.Remove(cfg.Alerts.DBPath)
		alertStore, err = store.NewAlertStore(cfg.Alerts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open alert store: %w", err)
		}
	}

	alerts := alert.NewManager(alertStore, alert.WithDedupWindow(cfg.Alerts.DedupD))

	var engine llm.Engine
	switch cfg.LLM.Runtime {
	case "ollama":
		engine = llm.NewOllamaEngine(cfg.LLM.OllamaAddr,
			llm.WithContextLength(cfg.LLM.ContextLength),
			llm.WithThreads(cfg.LLM.Threads))
	default:
		engine = llm.NullEngine{}
	}

	var analyzer *alert.Analyzer
	var sink monitor.AlertSink
	if cfg.LLM.EnableAIAlerts {
		analyzer = alert.NewAnalyzer(alerts, engine)
		sink = analyzer
	}

	mon := monitor.New(monitor.Config{
		Interval: cfg.Interval(),
		Thresholds: monitor.Thresholds{
			DiskWarn: cfg.Thresholds.DiskWarn,
			DiskCrit: cfg.Thresholds.DiskCrit,
			MemWarn:  cfg.Thresholds.MemWarn,
			MemCrit:  cfg.Thresholds.MemCrit,
		},
		EnablePackageCheck: cfg.Monitor.EnableAptMonitor,
	}, alerts, sink)

	server := ipc.NewServer(cfg.Daemon.SocketPath, cfg.Daemon.MaxRequestsPerSec)

	d := &Daemon{
		version:    version,
		cfgPath:    cfgPath,
		cfg:        cfg,
		store:      alertStore,
		alerts:     alerts,
		analyzer:   analyzer,
		engine:     engine,
		monitor:    mon,
		server:     server,
		bus:        eventbus.New(),
		startTime:  time.Now(),
		shutdownCh: make(chan struct{}),
		gcStop:     make(chan struct{}),
	}

	d.wireEvents()
	d.registerHandlers()

	return d, nil
}

func (d *Daemon) wireEvents() {
	// Every admitted alert becomes a bus event; the daemon itself logs
	// them, and other subscribers can attach before Run.
	d.alerts.OnAlert(func(a alert.Alert) {
		_ = d.bus.Publish(eventbus.NewAlertEvent("alert.created", map[string]string{
			"id":       a.ID,
			"severity": string(a.Severity),
			"type":     string(a.Type),
			"title":    a.Title,
		}))
	})

	d.bus.Subscribe(func(e eventbus.Event) error {
		logger.Debug("event", "type", e.Type(), "domain", e.Domain())
		return nil
	}, eventbus.FilterByDomain("alert"))
}

func (d *Daemon) registerHandlers() {
	h := &ipc.Handlers{
		Version:  d.version,
		Name:     Name,
		Uptime:   func() float64 { return time.Since(d.startTime).Seconds() },
		Monitor:  d.monitor,
		Engine:   d.engine,
		Alerts:   d.alerts,
		Config:   d,
		Shutdown: d.RequestShutdown,
	}
	h.RegisterAll(d.server)
}

// Run starts every subsystem and blocks until the context is cancelled or
// shutdown is requested over IPC. It returns after a full graceful stop.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}

	d.monitor.Start()
	d.startRetentionSweep()

	if d.cfgPath != "" {
		w, err := config.NewWatcher(d.cfgPath, func() {
			if err := d.Reload(); err != nil {
				logger.Warn("config reload failed", "error", err)
			}
		})
		if err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			d.watcher = w
		}
	}

	logger.Info("daemon running", "version", d.version, "socket", d.server.SocketPath())

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case <-d.shutdownCh:
		logger.Info("shutting down on ipc request")
	}

	d.stop()
	return nil
}

func (d *Daemon) stop() {
	// Servers first so no new work arrives, then the workers, then
	// storage.
	d.server.Stop()
	d.monitor.Stop()

	close(d.gcStop)
	d.gcWG.Wait()

	if d.analyzer != nil {
		d.analyzer.Close()
	}
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.bus.Close()
	d.store.Close()

	logger.Info("daemon stopped")
}

// RequestShutdown asks Run to terminate; safe to call more than once and
// from handlers.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
}

// Uptime reports time since the daemon was assembled.
func (d *Daemon) Uptime() time.Duration {
	return time.Since(d.startTime)
}

func (d *Daemon) startRetentionSweep() {
	d.gcWG.Add(1)
	go func() {
		defer d.gcWG.Done()

		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-d.gcStop:
				return
			case <-ticker.C:
				d.cfgMu.RLock()
				retention := d.cfg.Alerts.RetentionD
				d.cfgMu.RUnlock()
				d.alerts.CleanupOld(context.Background(), retention)
			}
		}
	}()
}

// Snapshot implements ipc.ConfigSource.
func (d *Daemon) Snapshot() map[string]any {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg.Snapshot()
}

// Reload implements ipc.ConfigSource: re-read the config file and apply
// the hot-swappable parts (monitor interval, retention). Socket path and
// store location require a restart.
func (d *Daemon) Reload() error {
	if d.cfgPath == "" {
		return fmt.Errorf("no config file to reload")
	}

	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return err
	}

	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()

	d.monitor.SetInterval(cfg.Interval())

	logger.Info("configuration reloaded", "path", d.cfgPath)
	return nil
}

var _ ipc.ConfigSource = (*Daemon)(nil)
