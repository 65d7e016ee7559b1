// Package openai adapts OpenAI-compatible chat completion APIs to the
// neutral generator capability. The same adapter serves OpenAI itself, XAI,
// and a local LM-Studio server through a BaseURL override.
package openai

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
)

// XAIBaseURL is the OpenAI-compatible endpoint for XAI's Grok models.
const XAIBaseURL = "https://api.x.ai/v1"

// defaultRateLimitBackoff applies when the API gives no retry hint.
const defaultRateLimitBackoff = 60 * time.Second

// Generator is an OpenAI-compatible chat completion adapter.
type Generator struct {
	name     string
	provider string
	client   *goopenai.Client
}

// Option customizes the adapter at construction.
type Option func(*settings)

type settings struct {
	baseURL  string
	provider string
}

// WithBaseURL points the adapter at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithProvider overrides the reported provider name ("xai", "lmstudio").
func WithProvider(provider string) Option {
	return func(s *settings) { s.provider = provider }
}

// New creates an adapter registered under name, authenticating with apiKey.
func New(name, apiKey string, opts ...Option) *Generator {
	s := settings{provider: "openai"}
	for _, opt := range opts {
		opt(&s)
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if s.baseURL != "" {
		cfg.BaseURL = s.baseURL
	}

	return &Generator{
		name:     name,
		provider: s.provider,
		client:   goopenai.NewClientWithConfig(cfg),
	}
}

func (g *Generator) Name() string     { return g.name }
func (g *Generator) Provider() string { return g.provider }

// Generate sends the neutral messages as a chat completion request.
func (g *Generator) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := goopenai.ChatCompletionRequest{
		Model:       opts.Model,
		Messages:    toChatMessages(messages),
		MaxTokens:   llm.ClampMaxTokens(opts.Model, opts.MaxTokens),
		Temperature: opts.Temperature,
	}

	var resp goopenai.ChatCompletionResponse
	err := retry.Do(
		func() error {
			var callErr error
			resp, callErr = g.client.CreateChatCompletion(ctx, req)
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithField("attempt", n+1).WithError(err).Debug("retrying chat completion")
		}),
	)
	if err != nil {
		return nil, g.classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return nil, llm.NewError(g.provider, llm.ErrBadResponse, errors.New("no choices in response"))
	}

	choice := resp.Choices[0]
	return &llm.Response{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		FinishReason: mapFinishReason(choice.FinishReason),
	}, nil
}

func toChatMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case llm.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		default:
			role = goopenai.ChatMessageRoleUser
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func mapFinishReason(reason goopenai.FinishReason) llm.FinishReason {
	switch reason {
	case goopenai.FinishReasonStop:
		return llm.FinishStop
	case goopenai.FinishReasonLength:
		return llm.FinishLength
	case goopenai.FinishReasonContentFilter:
		return llm.FinishContentFilter
	case goopenai.FinishReasonToolCalls, goopenai.FinishReasonFunctionCall:
		return llm.FinishTool
	default:
		return llm.FinishOther
	}
}

func isRetryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		// 429 is handled by the caller's per-chat skip; retrying it here
		// would just burn the budget faster.
		return apiErr.HTTPStatusCode >= 500
	}

	var reqErr *goopenai.RequestError
	return errors.As(err, &reqErr)
}

func (g *Generator) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewError(g.provider, llm.ErrTimeout, err)
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		kind := llm.KindFromStatus(apiErr.HTTPStatusCode)
		if kind == llm.ErrRateLimited {
			return llm.NewRateLimitError(g.provider, defaultRateLimitBackoff, err)
		}
		return llm.NewError(g.provider, kind, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return llm.NewError(g.provider, llm.ErrTransport, err)
	}

	return llm.NewError(g.provider, llm.ErrTransport, err)
}
