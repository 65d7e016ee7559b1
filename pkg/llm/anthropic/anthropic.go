// Package anthropic adapts Anthropic's Messages API to the neutral generator
// capability. System turns are folded into the request-level system prompt
// since the Messages API does not accept them in the turn list.
package anthropic

import (
	"context"
	"strconv"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
)

const defaultRateLimitBackoff = 60 * time.Second

// Generator is an Anthropic Messages API adapter.
type Generator struct {
	name   string
	client anthropicsdk.Client
}

// New creates an adapter registered under name, authenticating with apiKey.
func New(name, apiKey string) *Generator {
	return &Generator{
		name:   name,
		client: anthropicsdk.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (g *Generator) Name() string     { return g.name }
func (g *Generator) Provider() string { return "anthropic" }

// Generate sends the neutral messages through the Messages API.
func (g *Generator) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	system, turns := foldSystem(messages)

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(opts.Model),
		MaxTokens: int64(llm.ClampMaxTokens(opts.Model, opts.MaxTokens)),
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(float64(opts.Temperature))
	}

	var resp *anthropicsdk.Message
	err := retry.Do(
		func() error {
			var callErr error
			resp, callErr = g.client.Messages.New(ctx, params)
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithField("attempt", n+1).WithError(err).Debug("retrying message request")
		}),
	)
	if err != nil {
		return nil, g.classify(ctx, err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}

	return &llm.Response{
		Content: content.String(),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		FinishReason: mapStopReason(resp.StopReason),
	}, nil
}

// foldSystem concatenates system turns into a single system prompt and maps
// the remaining turns to message params.
func foldSystem(messages []llm.Message) (string, []anthropicsdk.MessageParam) {
	var system []string
	turns := make([]anthropicsdk.MessageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			turns = append(turns, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content)))
		}
	}

	return strings.Join(system, "\n\n"), turns
}

func mapStopReason(reason anthropicsdk.StopReason) llm.FinishReason {
	switch reason {
	case anthropicsdk.StopReasonEndTurn, anthropicsdk.StopReasonStopSequence:
		return llm.FinishStop
	case anthropicsdk.StopReasonMaxTokens:
		return llm.FinishLength
	case anthropicsdk.StopReasonToolUse:
		return llm.FinishTool
	case anthropicsdk.StopReasonRefusal:
		return llm.FinishContentFilter
	default:
		return llm.FinishOther
	}
}

func isRetryable(err error) bool {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return false
}

func (g *Generator) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewError("anthropic", llm.ErrTimeout, err)
	}

	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		kind := llm.KindFromStatus(apiErr.StatusCode)
		if kind == llm.ErrRateLimited {
			return llm.NewRateLimitError("anthropic", retryAfter(apiErr), err)
		}
		return llm.NewError("anthropic", kind, err)
	}

	return llm.NewError("anthropic", llm.ErrTransport, err)
}

// retryAfter extracts the server's retry hint, falling back to a fixed backoff.
func retryAfter(apiErr *anthropicsdk.Error) time.Duration {
	if apiErr.Response != nil {
		if header := apiErr.Response.Header.Get("retry-after"); header != "" {
			if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return defaultRateLimitBackoff
}
