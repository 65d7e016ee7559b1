// Package ollama adapts a local ollama server to the neutral generator
// capability. Requests go through the plain HTTP API with streaming disabled
// since replies are consumed whole.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/llm"
)

// DefaultEndpoint is where a locally installed ollama listens.
const DefaultEndpoint = "http://localhost:11434"

const (
	endpointTags = "/api/tags"
	endpointChat = "/api/chat"
)

var (
	// ErrNotRunning is returned when ollama is not reachable at the endpoint.
	ErrNotRunning = errors.New("ollama not running")
	// ErrModelNotFound is returned when the requested model is not pulled.
	ErrModelNotFound = errors.New("model not available in ollama")
)

type chatOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generator is an ollama chat adapter.
type Generator struct {
	name       string
	endpoint   string
	httpClient *http.Client
}

// New creates an adapter registered under name. An empty endpoint falls back
// to the local default.
func New(name, endpoint string) *Generator {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Generator{
		name:       name,
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
}

func (g *Generator) Name() string     { return g.name }
func (g *Generator) Provider() string { return "ollama" }

// Ping verifies the server is reachable and, when model is non-empty, that
// the model has been pulled.
func (g *Generator) Ping(ctx context.Context, model string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+endpointTags, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, endpointTags)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return errors.Wrap(err, "failed to decode tags response")
	}

	if model == "" {
		return nil
	}
	for _, m := range tags.Models {
		if m.Name == model {
			return nil
		}
	}
	return errors.Wrapf(ErrModelNotFound, "%s (pull with: ollama pull %s)", model, model)
}

// Generate sends the neutral messages through /api/chat with streaming off.
func (g *Generator) Generate(ctx context.Context, messages []llm.Message, opts llm.Options) (*llm.Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	chatReq := chatRequest{
		Model:    opts.Model,
		Messages: toChatMessages(messages),
		Stream:   false,
	}
	if opts.MaxTokens > 0 || opts.Temperature > 0 {
		chatReq.Options = &chatOptions{
			NumPredict:  opts.MaxTokens,
			Temperature: opts.Temperature,
		}
	}

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, llm.NewError("ollama", llm.ErrBadResponse, errors.Wrap(err, "failed to marshal request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+endpointChat, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewError("ollama", llm.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, g.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		cause := errors.Errorf("status %d: %s", resp.StatusCode, string(errBody))
		return nil, llm.NewError("ollama", llm.KindFromStatus(resp.StatusCode), cause)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, llm.NewError("ollama", llm.ErrBadResponse, errors.Wrap(err, "failed to decode response"))
	}

	return &llm.Response{
		Content: chatResp.Message.Content,
		Usage: llm.Usage{
			InputTokens:  chatResp.PromptEvalCount,
			OutputTokens: chatResp.EvalCount,
		},
		FinishReason: mapDoneReason(chatResp.DoneReason),
	}, nil
}

func toChatMessages(messages []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case llm.RoleSystem, llm.RoleAssistant:
		default:
			role = llm.RoleUser
		}
		out = append(out, chatMessage{Role: role, Content: m.Content})
	}
	return out
}

func mapDoneReason(reason string) llm.FinishReason {
	switch reason {
	case "stop", "":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	default:
		return llm.FinishOther
	}
}

func (g *Generator) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewError("ollama", llm.ErrTimeout, err)
	}
	return llm.NewError("ollama", llm.ErrTransport, classifyTransport(err))
}

// classifyTransport converts low-level HTTP errors into the sentinel errors
// callers can test for.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, "ollama connection timeout")
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return errors.Wrapf(ErrNotRunning, "connection refused (start with: ollama serve)")
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) && syscallErr == syscall.ECONNREFUSED {
		return errors.Wrap(ErrNotRunning, "connection refused")
	}

	return err
}
