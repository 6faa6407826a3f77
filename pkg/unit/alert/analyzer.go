package alert

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostpulse/hostpulse/pkg/infra/logger"
	"github.com/hostpulse/hostpulse/pkg/llm"
)

const (
	analysisQueueSize = 16
	analysisWorkers   = 2
	analysisMaxTokens = 256
)

type analysisJob struct {
	parentID string
	typ      Type
	title    string
	message  string
	context  string
}

// Analyzer pairs threshold alerts with LLM-generated commentary. The
// primary alert is always created synchronously; analysis runs on a
// bounded queue so threshold evaluation never blocks on inference.
type Analyzer struct {
	manager *Manager
	engine  llm.Engine

	jobs      chan analysisJob
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAnalyzer starts the analysis worker pool. Close must be called on
// shutdown; pending jobs are dropped, in-flight inference is cancelled.
func NewAnalyzer(manager *Manager, engine llm.Engine) *Analyzer {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Analyzer{
		manager: manager,
		engine:  engine,
		jobs:    make(chan analysisJob, analysisQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < analysisWorkers; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	return a
}

// CreateSmart creates the primary alert and, when the model is loaded,
// queues a secondary AI_ANALYSIS alert referencing it. Returns the
// primary alert's ID ("" when persistence failed).
func (a *Analyzer) CreateSmart(ctx context.Context, severity Severity, typ Type, title, message string, metadata map[string]string, analysisContext string) string {
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["ai_enhanced"] = "pending"

	id, created := a.manager.create(ctx, severity, typ, title, message, meta)
	if id == "" || !created {
		return id
	}

	if a.engine == nil || !a.engine.IsLoaded() {
		return id
	}

	job := analysisJob{
		parentID: id,
		typ:      typ,
		title:    title,
		message:  message,
		context:  analysisContext,
	}

	select {
	case a.jobs <- job:
	default:
		// Queue full; the primary alert stands on its own.
		logger.Warn("analysis queue full, skipping", "alert_id", id)
	}

	return id
}

// Close cancels in-flight inference and stops the workers. Queued jobs
// are dropped, never drained.
func (a *Analyzer) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		close(a.jobs)
		a.wg.Wait()
	})
}

func (a *Analyzer) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case job, ok := <-a.jobs:
			if !ok {
				return
			}
			a.analyze(job)
		}
	}
}

func (a *Analyzer) analyze(job analysisJob) {
	result := a.engine.InferSync(a.ctx, llm.InferenceRequest{
		Prompt:    analysisPrompt(job.typ, job.title, job.message, job.context),
		MaxTokens: analysisMaxTokens,
	})

	// Analysis failures are silent: the primary alert stands.
	if !result.Success || result.Output == "" {
		logger.Debug("alert analysis failed", "parent_alert_id", job.parentID, "error", result.Error)
		return
	}

	a.manager.Create(a.ctx,
		SeverityInfo,
		TypeAIAnalysis,
		"Analysis: "+job.title,
		result.Output,
		map[string]string{
			"parent_alert_id": job.parentID,
			"inference_ms":    fmt.Sprintf("%d", result.TimeMS),
		},
	)
}

// analysisPrompt builds the per-type analysis prompt.
func analysisPrompt(typ Type, title, message, analysisContext string) string {
	var focus string
	switch typ {
	case TypeDiskUsage:
		focus = "Identify likely sources of disk consumption and suggest safe cleanup steps."
	case TypeMemoryUsage:
		focus = "Identify likely memory consumers and suggest how to reduce pressure."
	case TypeCPUUsage:
		focus = "Identify likely causes of sustained CPU load and how to confirm them."
	case TypeSecurityUpdate:
		focus = "Summarize the risk of the pending security updates and the upgrade path."
	case TypeCVEFound:
		focus = "Explain the impact of the finding and prioritize remediation."
	default:
		focus = "Explain the likely cause and suggest next diagnostic steps."
	}

	prompt := fmt.Sprintf(
		"You are assisting a Linux administrator with a host health alert.\n"+
			"Alert: %s\n"+
			"Detail: %s\n",
		title, message)
	if analysisContext != "" {
		prompt += "Context: " + analysisContext + "\n"
	}
	prompt += focus + "\nAnswer in at most four sentences."
	return prompt
}
