// Package llm abstracts the local language-model runtime the daemon drives
// for enhanced alert analysis and the llm.* IPC methods.
package llm

import (
	"context"
	"errors"
)

var (
	ErrNotLoaded     = errors.New("model not loaded")
	ErrAlreadyLoaded = errors.New("model already loaded")
)

// InferenceRequest holds the parameters for a single synchronous inference.
type InferenceRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	Stop        string  `json:"stop,omitempty"`
}

// InferenceResult is the engine's answer to an InferenceRequest.
type InferenceResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
	TimeMS  int64  `json:"time_ms"`
}

// ModelInfo describes the currently loaded model.
type ModelInfo struct {
	Name          string `json:"name"`
	Path          string `json:"path,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// Engine is the runtime surface the daemon depends on. Implementations
// must be safe for concurrent use; InferSync may block for the duration
// of a full generation.
type Engine interface {
	IsLoaded() bool
	Load(ctx context.Context, modelPath string) error
	Unload(ctx context.Context) error
	InferSync(ctx context.Context, req InferenceRequest) InferenceResult
	ModelInfo() *ModelInfo
	QueueSize() int
	Status() map[string]any
}

// NullEngine is the stand-in when no runtime is configured. It is never
// loaded and refuses every operation.
type NullEngine struct{}

func (NullEngine) IsLoaded() bool { return false }

func (NullEngine) Load(context.Context, string) error {
	return errors.New("no llm runtime configured")
}

func (NullEngine) Unload(context.Context) error { return nil }

func (NullEngine) InferSync(context.Context, InferenceRequest) InferenceResult {
	return InferenceResult{Success: false, Error: ErrNotLoaded.Error()}
}

func (NullEngine) ModelInfo() *ModelInfo { return nil }

func (NullEngine) QueueSize() int { return 0 }

func (NullEngine) Status() map[string]any {
	return map[string]any{"loaded": false, "runtime": "none"}
}

var _ Engine = NullEngine{}
