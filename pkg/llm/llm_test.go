package llm

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampMaxTokens(t *testing.T) {
	tests := []struct {
		model     string
		requested int
		want      int
	}{
		{"claude-sonnet-4", 4096, 4096},
		{"claude-sonnet-4", 100_000, 8192},
		{"claude-sonnet-4", 0, 8192},
		{"gpt-4o-mini", 50_000, 16384},
		{"gemini-2.5-flash", 1024, 1024},
		{"some-unknown-model", 0, 4096},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampMaxTokens(tt.model, tt.requested), tt.model)
	}
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, 200_000, ContextWindow("claude-opus-4-1"))
	assert.Equal(t, 128_000, ContextWindow("gpt-4o"))
	assert.Equal(t, 32_768, ContextWindow("mystery-model"))
}

func TestErrorClassification(t *testing.T) {
	base := NewError("openai", ErrAuth, errors.New("401 unauthorized"))
	wrapped := errors.Wrap(base, "generation failed")

	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrAuth, got.Kind)
	assert.Equal(t, "openai", got.Provider)

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}

func TestRateLimitErrorCarriesRetryAfter(t *testing.T) {
	err := NewRateLimitError("anthropic", time.Minute, nil)
	got, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrRateLimited, got.Kind)
	assert.Equal(t, time.Minute, got.RetryAfter)
}

func TestKindFromStatus(t *testing.T) {
	assert.Equal(t, ErrAuth, KindFromStatus(401))
	assert.Equal(t, ErrAuth, KindFromStatus(403))
	assert.Equal(t, ErrRateLimited, KindFromStatus(429))
	assert.Equal(t, ErrTimeout, KindFromStatus(408))
	assert.Equal(t, ErrTransport, KindFromStatus(500))
	assert.Equal(t, ErrBadResponse, KindFromStatus(400))
}

type staticGenerator struct {
	name     string
	provider string
}

func (g staticGenerator) Generate(_ context.Context, _ []Message, _ Options) (*Response, error) {
	return &Response{Content: "ok", FinishReason: FinishStop}, nil
}
func (g staticGenerator) Name() string     { return g.name }
func (g staticGenerator) Provider() string { return g.provider }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(staticGenerator{name: "principal", provider: "anthropic"}, true)
	r.Register(staticGenerator{name: "analista", provider: "openai"}, false)

	g, err := r.ByName("principal")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", g.Provider())

	_, err = r.ByName("nope")
	assert.Error(t, err)

	infos := r.ListAvailable()
	require.Len(t, infos, 2)
	assert.Equal(t, "principal", infos[0].Name)
	assert.True(t, infos[0].Available)
	assert.Equal(t, "analista", infos[1].Name)
	assert.False(t, infos[1].Available)
}
