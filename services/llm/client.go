package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Float32Ptr is a convenience for building GenerationParams literals.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr is a convenience for building GenerationParams literals.
func IntPtr(v int) *int { return &v }
