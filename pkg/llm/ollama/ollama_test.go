package ollama

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmunoz/wagent/pkg/llm"
)

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1:8b", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(chatResponse{
			Message:         chatMessage{Role: "assistant", Content: "¡hola! ¿cómo estás?"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 42,
			EvalCount:       12,
		})
	}))
	defer server.Close()

	g := New("local", server.URL)
	resp, err := g.Generate(t.Context(), []llm.Message{
		{Role: llm.RoleSystem, Content: "eres Ana"},
		{Role: llm.RoleUser, Content: "hola"},
	}, llm.Options{Model: "llama3.1:8b", MaxTokens: 256})
	require.NoError(t, err)

	assert.Equal(t, "¡hola! ¿cómo estás?", resp.Content)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	assert.Equal(t, 42, resp.Usage.InputTokens)
	assert.Equal(t, 12, resp.Usage.OutputTokens)
}

func TestGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	g := New("local", server.URL)
	_, err := g.Generate(t.Context(), []llm.Message{{Role: llm.RoleUser, Content: "hola"}}, llm.Options{Model: "m"})
	genErr, ok := llm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, llm.ErrTransport, genErr.Kind)
	assert.Equal(t, "ollama", genErr.Provider)
}

func TestGenerateConnectionRefused(t *testing.T) {
	g := New("local", "http://127.0.0.1:1")
	_, err := g.Generate(t.Context(), []llm.Message{{Role: llm.RoleUser, Content: "hola"}}, llm.Options{Model: "m"})
	genErr, ok := llm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, llm.ErrTransport, genErr.Kind)
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Write([]byte(`{"models":[{"name":"llama3.1:8b"},{"name":"qwen2.5:7b"}]}`))
	}))
	defer server.Close()

	g := New("local", server.URL)
	assert.NoError(t, g.Ping(t.Context(), "llama3.1:8b"))
	assert.ErrorIs(t, g.Ping(t.Context(), "missing:1b"), ErrModelNotFound)
	assert.NoError(t, g.Ping(t.Context(), ""), "empty model only checks reachability")
}

func TestMapDoneReason(t *testing.T) {
	assert.Equal(t, llm.FinishStop, mapDoneReason("stop"))
	assert.Equal(t, llm.FinishStop, mapDoneReason(""))
	assert.Equal(t, llm.FinishLength, mapDoneReason("length"))
	assert.Equal(t, llm.FinishOther, mapDoneReason("load"))
}

func TestDefaultEndpoint(t *testing.T) {
	g := New("local", "")
	assert.Equal(t, DefaultEndpoint, g.endpoint)
}
