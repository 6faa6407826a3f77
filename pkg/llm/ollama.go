package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaEngine drives a local Ollama server. "Loading" a model means
// verifying the server knows it; generation goes through /api/generate.
type OllamaEngine struct {
	baseURL    string
	contextLen int
	threads    int
	httpClient *http.Client

	mu     sync.RWMutex
	model  string
	loaded bool

	queue atomic.Int64
}

type EngineOption func(*OllamaEngine)

// WithContextLength sets num_ctx for every generation.
func WithContextLength(n int) EngineOption {
	return func(e *OllamaEngine) {
		if n > 0 {
			e.contextLen = n
		}
	}
}

// WithThreads sets num_thread for every generation.
func WithThreads(n int) EngineOption {
	return func(e *OllamaEngine) {
		if n > 0 {
			e.threads = n
		}
	}
}

// NewOllamaEngine creates an engine bound to an Ollama server.
// baseURL defaults to http://localhost:11434 if empty.
func NewOllamaEngine(baseURL string, opts ...EngineOption) *OllamaEngine {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	e := &OllamaEngine{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OllamaEngine) IsLoaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loaded
}

type ollamaShowRequest struct {
	Model string `json:"model"`
}

// Load checks the model exists on the server and marks it current.
// modelPath is the Ollama model name (e.g. "llama3.2").
func (e *OllamaEngine) Load(ctx context.Context, modelPath string) error {
	if modelPath == "" {
		return fmt.Errorf("model name is required")
	}

	body, err := json.Marshal(ollamaShowRequest{Model: modelPath})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact ollama: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(data))
	}

	e.mu.Lock()
	e.model = modelPath
	e.loaded = true
	e.mu.Unlock()

	return nil
}

func (e *OllamaEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	e.model = ""
	e.loaded = false
	e.mu.Unlock()
	return nil
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// InferSync runs one full generation and blocks until it completes.
func (e *OllamaEngine) InferSync(ctx context.Context, ir InferenceRequest) InferenceResult {
	e.mu.RLock()
	model := e.model
	loaded := e.loaded
	e.mu.RUnlock()

	if !loaded {
		return InferenceResult{Success: false, Error: ErrNotLoaded.Error()}
	}

	e.queue.Add(1)
	defer e.queue.Add(-1)

	start := time.Now()

	genReq := ollamaGenerateRequest{
		Model:  model,
		Prompt: ir.Prompt,
		Stream: false,
	}
	opts := map[string]any{}
	if e.contextLen > 0 {
		opts["num_ctx"] = e.contextLen
	}
	if e.threads > 0 {
		opts["num_thread"] = e.threads
	}
	if ir.MaxTokens > 0 {
		opts["num_predict"] = ir.MaxTokens
	}
	if ir.Temperature > 0 {
		opts["temperature"] = ir.Temperature
	}
	if ir.TopP > 0 {
		opts["top_p"] = ir.TopP
	}
	if ir.Stop != "" {
		opts["stop"] = []string{ir.Stop}
	}
	if len(opts) > 0 {
		genReq.Options = opts
	}

	body, err := json.Marshal(genReq)
	if err != nil {
		return errResult(start, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return errResult(start, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return errResult(start, fmt.Errorf("send request to ollama: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errResult(start, fmt.Errorf("read response: %w", err))
	}

	var genResp ollamaGenerateResponse
	if err := json.Unmarshal(data, &genResp); err != nil {
		return errResult(start, fmt.Errorf("decode response: %w", err))
	}

	if genResp.Error != "" {
		return errResult(start, fmt.Errorf("ollama error: %s", genResp.Error))
	}
	if resp.StatusCode != http.StatusOK {
		return errResult(start, fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(data)))
	}

	return InferenceResult{
		Success: true,
		Output:  genResp.Response,
		TimeMS:  time.Since(start).Milliseconds(),
	}
}

func errResult(start time.Time, err error) InferenceResult {
	return InferenceResult{
		Success: false,
		Error:   err.Error(),
		TimeMS:  time.Since(start).Milliseconds(),
	}
}

func (e *OllamaEngine) ModelInfo() *ModelInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.loaded {
		return nil
	}
	return &ModelInfo{Name: e.model, ContextLength: e.contextLen}
}

func (e *OllamaEngine) QueueSize() int {
	return int(e.queue.Load())
}

func (e *OllamaEngine) Status() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := map[string]any{
		"loaded":     e.loaded,
		"runtime":    "ollama",
		"queue_size": int(e.queue.Load()),
	}
	if e.loaded {
		status["model"] = e.model
	}
	return status
}

var _ Engine = (*OllamaEngine)(nil)
