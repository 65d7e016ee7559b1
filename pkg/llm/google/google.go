// Package google adapts Google's GenAI (Gemini) API to the neutral generator
// capability. System turns become the request's system instruction and
// assistant turns are remapped to the model role.
package google

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
)

const defaultRateLimitBackoff = 60 * time.Second

// Generator is a Gemini API adapter.
type Generator struct {
	name   string
	client *genai.Client
}

// New creates an adapter registered under name, authenticating with apiKey
// against the Gemini API backend.
func New(ctx context.Context, name, apiKey string) (*Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GenAI client")
	}
	return &Generator{name: name, client: client}, nil
}

func (g *Generator) Name() string     { return g.name }
func (g *Generator) Provider() string { return "google" }

// Generate sends the neutral messages through the GenerateContent API.
func (g *Generator) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	system, contents := toContents(messages)

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(llm.ClampMaxTokens(opts.Model, opts.MaxTokens)),
	}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(opts.Temperature)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	var resp *genai.GenerateContentResponse
	err := retry.Do(
		func() error {
			var callErr error
			resp, callErr = g.client.Models.GenerateContent(ctx, opts.Model, contents, config)
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithField("attempt", n+1).WithError(err).Debug("retrying generate content")
		}),
	)
	if err != nil {
		return nil, g.classify(ctx, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, llm.NewError("google", llm.ErrBadResponse, errors.New("no candidates in response"))
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			content.WriteString(part.Text)
		}
	}

	out := &llm.Response{
		Content:      content.String(),
		FinishReason: mapFinishReason(candidate.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = llm.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// toContents splits out system turns and maps the rest to GenAI contents.
// Gemini has no assistant role, assistant turns are sent as the model role.
func toContents(messages []llm.Message) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	return strings.Join(system, "\n\n"), contents
}

func mapFinishReason(reason genai.FinishReason) llm.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return llm.FinishStop
	case genai.FinishReasonMaxTokens:
		return llm.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonProhibitedContent:
		return llm.FinishContentFilter
	default:
		return llm.FinishOther
	}
}

func isRetryable(err error) bool {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return false
}

func (g *Generator) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewError("google", llm.ErrTimeout, err)
	}

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		kind := llm.KindFromStatus(apiErr.Code)
		if kind == llm.ErrRateLimited {
			return llm.NewRateLimitError("google", defaultRateLimitBackoff, err)
		}
		return llm.NewError("google", kind, err)
	}

	return llm.NewError("google", llm.ErrTransport, err)
}
