package monitor

import "time"

// HealthSnapshot is an atomically-published bundle of current host
// metrics. The zero value (epoch timestamp) is the readable default until
// the first sample pass completes.
type HealthSnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	CPUUsagePercent    float64   `json:"cpu_usage_percent"`
	MemoryUsagePercent float64   `json:"memory_usage_percent"`
	MemoryUsedMB       uint64    `json:"memory_used_mb"`
	MemoryTotalMB      uint64    `json:"memory_total_mb"`
	DiskUsagePercent   float64   `json:"disk_usage_percent"`
	DiskUsedGB         float64   `json:"disk_used_gb"`
	DiskTotalGB        float64   `json:"disk_total_gb"`
	PendingUpdates     int       `json:"pending_updates"`
	SecurityUpdates    int       `json:"security_updates"`
	LLMLoaded          bool      `json:"llm_loaded"`
	LLMModelName       string    `json:"llm_model_name"`
	InferenceQueueSize int       `json:"inference_queue_size"`
	ActiveAlerts       int       `json:"active_alerts"`
	CriticalAlerts     int       `json:"critical_alerts"`
}

// IsZero reports whether the snapshot has never been populated.
func (s HealthSnapshot) IsZero() bool {
	return s.Timestamp.IsZero()
}
