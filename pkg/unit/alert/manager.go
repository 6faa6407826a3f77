package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
)

// Store is the persistence surface the manager drives. The SQLite
// implementation lives in pkg/infra/store.
type Store interface {
	Insert(ctx context.Context, a *Alert) error
	Update(ctx context.Context, a *Alert) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Alert, error)
	GetAll(ctx context.Context, limit int) ([]Alert, error)
	GetActive(ctx context.Context) ([]Alert, error)
	GetBySeverity(ctx context.Context, severity Severity) ([]Alert, error)
	GetByType(ctx context.Context, typ Type) ([]Alert, error)
	CountActive(ctx context.Context) (int, error)
	CountBySeverity(ctx context.Context, severity Severity) (int, error)
	CleanupBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Callback is invoked synchronously for every newly admitted alert.
type Callback func(Alert)

const (
	defaultDedupWindow = 5 * time.Minute
	defaultMaxAge      = 168 * time.Hour
	createIDRetries    = 5
)

type dedupEntry struct {
	seen time.Time
	id   string
}

// Manager owns the alert store and the dedup map. Identical
// (severity, type, title) triples within the dedup window collapse to the
// already-issued alert ID.
type Manager struct {
	store Store

	mu          sync.Mutex
	callbacks   []Callback
	recent      map[string]dedupEntry
	dedupWindow time.Duration
	now         func() time.Time
}

type Option func(*Manager)

// WithDedupWindow overrides the 5-minute dedup window.
func WithDedupWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dedupWindow = d
		}
	}
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		recent:      make(map[string]dedupEntry),
		dedupWindow: defaultDedupWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create issues a new alert, or returns the existing ID when an identical
// alert was created within the dedup window. Returns "" if persistence
// failed; store errors never propagate.
func (m *Manager) Create(ctx context.Context, severity Severity, typ Type, title, message string, metadata map[string]string) string {
	id, _ := m.create(ctx, severity, typ, title, message, metadata)
	return id
}

// create reports whether a new alert row was actually inserted, which the
// analyzer uses to avoid re-analyzing deduplicated alerts.
func (m *Manager) create(ctx context.Context, severity Severity, typ Type, title, message string, metadata map[string]string) (string, bool) {
	m.mu.Lock()

	now := m.now()
	m.evictExpired(now)

	key := dedupKey(severity, typ, title)
	if entry, ok := m.recent[key]; ok {
		m.mu.Unlock()
		logger.Debug("alert deduplicated", "id", entry.id, "title", title)
		return entry.id, false
	}

	a := Alert{
		Timestamp: now,
		Severity:  severity,
		Type:      typ,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
	}

	// A collision on the random ID fails the insert on the primary key;
	// retry with a fresh ID.
	var inserted bool
	for i := 0; i < createIDRetries; i++ {
		a.ID = uuid.New().String()
		if err := m.store.Insert(ctx, &a); err != nil {
			logger.Warn("alert insert failed", "id", a.ID, "error", err)
			continue
		}
		inserted = true
		break
	}
	if !inserted {
		m.mu.Unlock()
		return "", false
	}

	m.recent[key] = dedupEntry{seen: now, id: a.ID}
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	logger.Info("alert created",
		"id", a.ID, "severity", string(severity), "type", string(typ), "title", title)

	// Callbacks run synchronously, exactly once per admitted alert.
	// A panicking callback must not take the daemon down.
	for _, cb := range callbacks {
		m.safeInvoke(cb, a)
	}

	return a.ID, true
}

func (m *Manager) safeInvoke(cb Callback, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("alert callback panicked", "alert_id", a.ID, "panic", fmt.Sprint(r))
		}
	}()
	cb(a)
}

func (m *Manager) evictExpired(now time.Time) {
	for key, entry := range m.recent {
		if now.Sub(entry.seen) > m.dedupWindow {
			delete(m.recent, key)
		}
	}
}

// Acknowledge marks an alert acknowledged and stamps acknowledged_at.
func (m *Manager) Acknowledge(ctx context.Context, id string) bool {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return false
	}
	if a.Acknowledged {
		return true
	}

	now := m.now()
	a.Acknowledged = true
	a.AcknowledgedAt = &now

	if err := m.store.Update(ctx, a); err != nil {
		logger.Warn("acknowledge failed", "id", id, "error", err)
		return false
	}
	return true
}

// Resolve marks an alert resolved with an optional resolution note.
// Legal from both ACTIVE and ACKNOWLEDGED states.
func (m *Manager) Resolve(ctx context.Context, id, resolution string) bool {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return false
	}

	now := m.now()
	a.Resolved = true
	a.ResolvedAt = &now
	a.Resolution = resolution

	if err := m.store.Update(ctx, a); err != nil {
		logger.Warn("resolve failed", "id", id, "error", err)
		return false
	}
	return true
}

// Dismiss removes an alert outright. Legal from any state.
func (m *Manager) Dismiss(ctx context.Context, id string) bool {
	if err := m.store.Remove(ctx, id); err != nil {
		return false
	}
	logger.Info("alert dismissed", "id", id)
	return true
}

// AcknowledgeAll acknowledges every active alert and returns the count.
func (m *Manager) AcknowledgeAll(ctx context.Context) int {
	active, err := m.store.GetActive(ctx)
	if err != nil {
		logger.Warn("acknowledge all: list failed", "error", err)
		return 0
	}

	count := 0
	for i := range active {
		if m.Acknowledge(ctx, active[i].ID) {
			count++
		}
	}
	return count
}

// CleanupOld deletes resolved alerts older than maxAge and returns the
// count. Unresolved alerts are retained regardless of age.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration) int {
	if maxAge < 0 {
		maxAge = defaultMaxAge
	}
	deleted, err := m.store.CleanupBefore(ctx, m.now().Add(-maxAge))
	if err != nil {
		logger.Warn("cleanup failed", "error", err)
		return 0
	}
	if deleted > 0 {
		logger.Info("cleaned up old alerts", "deleted", deleted)
	}
	return deleted
}

func (m *Manager) CountActive(ctx context.Context) int {
	count, err := m.store.CountActive(ctx)
	if err != nil {
		logger.Warn("count active failed", "error", err)
		return 0
	}
	return count
}

func (m *Manager) CountBySeverity(ctx context.Context, severity Severity) int {
	count, err := m.store.CountBySeverity(ctx, severity)
	if err != nil {
		logger.Warn("count by severity failed", "error", err)
		return 0
	}
	return count
}

func (m *Manager) GetAll(ctx context.Context, limit int) []Alert {
	alerts, err := m.store.GetAll(ctx, limit)
	if err != nil {
		logger.Warn("get all failed", "error", err)
		return nil
	}
	return alerts
}

func (m *Manager) GetActive(ctx context.Context) []Alert {
	alerts, err := m.store.GetActive(ctx)
	if err != nil {
		logger.Warn("get active failed", "error", err)
		return nil
	}
	return alerts
}

func (m *Manager) GetBySeverity(ctx context.Context, severity Severity) []Alert {
	alerts, err := m.store.GetBySeverity(ctx, severity)
	if err != nil {
		logger.Warn("get by severity failed", "error", err)
		return nil
	}
	return alerts
}

func (m *Manager) GetByType(ctx context.Context, typ Type) []Alert {
	alerts, err := m.store.GetByType(ctx, typ)
	if err != nil {
		logger.Warn("get by type failed", "error", err)
		return nil
	}
	return alerts
}

func (m *Manager) GetByID(ctx context.Context, id string) (*Alert, bool) {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false
	}
	return a, true
}

// OnAlert registers a callback fired for each newly admitted alert.
func (m *Manager) OnAlert(cb Callback) {
	if cb == nil {
		return
	}
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// ExportJSON renders the stored alerts, newest first and at most 10000 of
// them, as a JSON array.
func (m *Manager) ExportJSON(ctx context.Context) ([]byte, error) {
	alerts, err := m.store.GetAll(ctx, 10000)
	if err != nil {
		return nil, fmt.Errorf("export alerts: %w", err)
	}
	if alerts == nil {
		alerts = []Alert{}
	}
	return json.Marshal(alerts)
}

// dedupKey is a stable hash over (severity, type, title).
func dedupKey(severity Severity, typ Type, title string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.Join([]string{string(severity), string(typ), title}, "\x1f")))
	return fmt.Sprintf("%016x", h.Sum64())
}
