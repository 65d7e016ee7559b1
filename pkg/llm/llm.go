// Package llm defines the provider-neutral generator capability: a message
// shape shared by every adapter, normalized usage and finish reasons, and a
// registry resolving model names to adapters. Per-provider quirks (system-turn
// folding, role renaming, credential placement) live inside the adapter
// subpackages and never leak past this interface.
package llm

import (
	"context"
	"strings"
	"time"
)

// Message roles. Adapters re-map these to provider-specific roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in the neutral conversation shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options control a single generation call.
type Options struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// FinishReason is the normalized closed set of completion outcomes.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishTool          FinishReason = "tool"
	FinishOther         FinishReason = "other"
)

// Usage is the normalized token accounting for one generation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the normalized result of a generation call.
type Response struct {
	Content      string
	Usage        Usage
	FinishReason FinishReason
}

// Generator is the uniform capability over remote and local LLM providers.
type Generator interface {
	// Generate produces a reply for the given messages. Failures are
	// *llm.Error values carrying a normalized kind.
	Generate(ctx context.Context, messages []Message, opts Options) (*Response, error)
	// Name is the registry name this generator was registered under.
	Name() string
	// Provider identifies the backing provider ("anthropic", "openai", ...).
	Provider() string
}

// modelOutputWindows documents the max output tokens per known model family.
// MaxTokens is clamped against this before a request is sent.
var modelOutputWindows = map[string]int{
	"claude":    8192,
	"gpt-4o":    16384,
	"gpt-4.1":   32768,
	"o1":        100000,
	"o3":        100000,
	"gemini":    8192,
	"grok":      16384,
	"llama":     4096,
	"qwen":      8192,
	"mistral":   8192,
	"deepseek":  8192,
}

// contextWindows documents the context window per known model family; the
// prompt builder consults this for its token budget guard.
var contextWindows = map[string]int{
	"claude":   200_000,
	"gpt-4o":   128_000,
	"gpt-4.1":  1_000_000,
	"o1":       200_000,
	"o3":       200_000,
	"gemini":   1_000_000,
	"grok":     131_072,
	"llama":    32_768,
	"qwen":     32_768,
	"mistral":  32_768,
	"deepseek": 65_536,
}

func lookupByFamily(m map[string]int, model string, fallback int) int {
	lower := strings.ToLower(model)
	for family, v := range m {
		if strings.Contains(lower, family) {
			return v
		}
	}
	return fallback
}

// ClampMaxTokens bounds requested max tokens to the model's documented
// output window. Zero or negative requests get the full window.
func ClampMaxTokens(model string, requested int) int {
	window := lookupByFamily(modelOutputWindows, model, 4096)
	if requested <= 0 || requested > window {
		return window
	}
	return requested
}

// ContextWindow returns the documented context window for the model.
func ContextWindow(model string) int {
	return lookupByFamily(contextWindows, model, 32_768)
}
