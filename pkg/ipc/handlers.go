package ipc

import (
	"context"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
	"github.com/hostpulse/hostpulse/pkg/llm"
	"github.com/hostpulse/hostpulse/pkg/monitor"
	"github.com/hostpulse/hostpulse/pkg/unit/alert"
)

const defaultAlertLimit = 100

// ConfigSource exposes the live configuration to the config.* methods.
type ConfigSource interface {
	// Snapshot renders the current configuration as response data.
	Snapshot() map[string]any
	// Reload re-reads the configuration from disk.
	Reload() error
}

// Handlers binds the daemon's collaborators into the IPC method surface.
type Handlers struct {
	Version string
	Name    string
	// Uptime reports seconds since daemon start.
	Uptime func() float64

	Monitor *monitor.Monitor
	Engine  llm.Engine
	Alerts  *alert.Manager
	Config  ConfigSource

	// Shutdown asks the daemon to terminate; it must not block.
	Shutdown func()
}

// RegisterAll wires every method onto the server.
func (h *Handlers) RegisterAll(s *Server) {
	s.RegisterHandler(MethodPing, h.handlePing)
	s.RegisterHandler(MethodVersion, h.handleVersion)
	s.RegisterHandler(MethodStatus, h.handleStatus)
	s.RegisterHandler(MethodHealth, h.handleHealth)

	s.RegisterHandler(MethodAlerts, h.handleAlerts)
	s.RegisterHandler(MethodAlertsGet, h.handleAlerts)
	s.RegisterHandler(MethodAlertsAck, h.handleAlertsAck)
	s.RegisterHandler(MethodAlertsDismiss, h.handleAlertsDismiss)

	s.RegisterHandler(MethodConfigGet, h.handleConfigGet)
	s.RegisterHandler(MethodConfigReload, h.handleConfigReload)

	s.RegisterHandler(MethodLLMStatus, h.handleLLMStatus)
	s.RegisterHandler(MethodLLMLoad, h.handleLLMLoad)
	s.RegisterHandler(MethodLLMUnload, h.handleLLMUnload)
	s.RegisterHandler(MethodLLMInfer, h.handleLLMInfer)

	s.RegisterHandler(MethodShutdown, h.handleShutdown)

	logger.Info("registered ipc handlers", "count", 15)
}

func (h *Handlers) handlePing(*Request) Response {
	return OK(map[string]any{"pong": true})
}

func (h *Handlers) handleVersion(*Request) Response {
	return OK(map[string]any{
		"version": h.Version,
		"name":    h.Name,
	})
}

func (h *Handlers) handleStatus(*Request) Response {
	var uptime float64
	if h.Uptime != nil {
		uptime = h.Uptime()
	}

	return OK(map[string]any{
		"version":        h.Version,
		"uptime_seconds": uptime,
		"running":        h.Monitor.IsRunning(),
		"health":         h.Monitor.Snapshot(),
		"llm":            h.Engine.Status(),
	})
}

func (h *Handlers) handleHealth(*Request) Response {
	snapshot := h.Monitor.Snapshot()

	// An epoch snapshot means no sample pass has completed yet; run one
	// synchronously so the client never sees empty metrics.
	if snapshot.IsZero() {
		logger.Debug("snapshot empty, forcing health check")
		snapshot = h.Monitor.ForceCheck(context.Background())
	}

	// The engine is authoritative for LLM state; the snapshot mirror may
	// lag behind.
	snapshot.LLMLoaded = h.Engine.IsLoaded()
	if info := h.Engine.ModelInfo(); info != nil {
		snapshot.LLMModelName = info.Name
	} else {
		snapshot.LLMModelName = ""
	}

	return OK(snapshot)
}

func (h *Handlers) handleAlerts(req *Request) Response {
	ctx := context.Background()

	limit := defaultAlertLimit
	if v, ok := req.IntParam("limit"); ok && v > 0 {
		limit = v
	}

	var list []alert.Alert

	if sevStr, ok := req.StringParam("severity"); ok && sevStr != "" {
		sev, err := alert.ParseSeverity(sevStr)
		if err != nil {
			return Err(err.Error(), CodeInvalidParams)
		}
		list = h.Alerts.GetBySeverity(ctx, sev)
	} else if typStr, ok := req.StringParam("type"); ok && typStr != "" {
		typ, err := alert.ParseType(typStr)
		if err != nil {
			return Err(err.Error(), CodeInvalidParams)
		}
		list = h.Alerts.GetByType(ctx, typ)
	} else {
		list = h.Alerts.GetActive(ctx)
	}

	if len(list) > limit {
		list = list[:limit]
	}
	if list == nil {
		list = []alert.Alert{}
	}

	return OK(map[string]any{
		"alerts":       list,
		"count":        len(list),
		"total_active": h.Alerts.CountActive(ctx),
	})
}

func (h *Handlers) handleAlertsAck(req *Request) Response {
	ctx := context.Background()

	if id, ok := req.StringParam("id"); ok && id != "" {
		if h.Alerts.Acknowledge(ctx, id) {
			return OK(map[string]any{"acknowledged": id})
		}
		return Err("Alert not found", CodeAlertNotFound)
	}

	if req.BoolParam("all") {
		count := h.Alerts.AcknowledgeAll(ctx)
		return OK(map[string]any{"acknowledged_count": count})
	}

	return Err("Missing 'id' or 'all' parameter", CodeInvalidParams)
}

func (h *Handlers) handleAlertsDismiss(req *Request) Response {
	id, ok := req.StringParam("id")
	if !ok || id == "" {
		return Err("Missing 'id' parameter", CodeInvalidParams)
	}

	if h.Alerts.Dismiss(context.Background(), id) {
		return OK(map[string]any{"dismissed": id})
	}
	return Err("Alert not found", CodeAlertNotFound)
}

func (h *Handlers) handleConfigGet(*Request) Response {
	if h.Config == nil {
		return Err("Configuration not available", CodeInternalError)
	}
	return OK(h.Config.Snapshot())
}

func (h *Handlers) handleConfigReload(*Request) Response {
	if h.Config == nil {
		return Err("Configuration not available", CodeInternalError)
	}
	if err := h.Config.Reload(); err != nil {
		return Err("Failed to reload configuration: "+err.Error(), CodeConfigError)
	}
	return OK(map[string]any{"reloaded": true})
}

func (h *Handlers) handleLLMStatus(*Request) Response {
	return OK(h.Engine.Status())
}

func (h *Handlers) handleLLMLoad(req *Request) Response {
	path, ok := req.StringParam("model_path")
	if !ok || path == "" {
		return Err("Missing 'model_path' parameter", CodeInvalidParams)
	}

	if err := h.Engine.Load(context.Background(), path); err != nil {
		return Err("Failed to load model: "+err.Error(), CodeInternalError)
	}

	info := h.Engine.ModelInfo()
	modelName := ""
	if info != nil {
		modelName = info.Name
	}
	h.Monitor.SetLLMState(true, modelName, h.Engine.QueueSize())

	var modelData any = map[string]any{}
	if info != nil {
		modelData = info
	}
	return OK(map[string]any{
		"loaded": true,
		"model":  modelData,
	})
}

func (h *Handlers) handleLLMUnload(*Request) Response {
	if err := h.Engine.Unload(context.Background()); err != nil {
		return Err("Failed to unload model: "+err.Error(), CodeInternalError)
	}
	h.Monitor.SetLLMState(false, "", 0)
	return OK(map[string]any{"unloaded": true})
}

func (h *Handlers) handleLLMInfer(req *Request) Response {
	if !h.Engine.IsLoaded() {
		return Err("Model not loaded", CodeLLMNotLoaded)
	}

	prompt, ok := req.StringParam("prompt")
	if !ok || prompt == "" {
		return Err("Missing 'prompt' parameter", CodeInvalidParams)
	}

	inferReq := llm.InferenceRequest{Prompt: prompt}
	if v, ok := req.IntParam("max_tokens"); ok {
		inferReq.MaxTokens = v
	}
	if v, ok := req.FloatParam("temperature"); ok {
		inferReq.Temperature = v
	}
	if v, ok := req.FloatParam("top_p"); ok {
		inferReq.TopP = v
	}
	if v, ok := req.StringParam("stop"); ok {
		inferReq.Stop = v
	}

	// Synchronous inference; the connection has no per-handler deadline.
	result := h.Engine.InferSync(context.Background(), inferReq)
	return OK(result)
}

func (h *Handlers) handleShutdown(*Request) Response {
	logger.Info("shutdown requested via ipc")
	if h.Shutdown != nil {
		h.Shutdown()
	}
	return OK(map[string]any{"shutdown": "initiated"})
}
