package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmunoz/wagent/pkg/chatfiles"
	"github.com/hmunoz/wagent/pkg/crypto"
	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/rag"
	"github.com/hmunoz/wagent/pkg/store"
)

const chatID = "+5215512345678"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	encoded, err := crypto.GenerateKey()
	require.NoError(t, err)
	cipher, err := crypto.NewFromBase64(encoded)
	require.NoError(t, err)

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "wagent.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

type fixedRetriever struct {
	passages []rag.Passage
	err      error
}

func (f fixedRetriever) Retrieve(context.Context, string, int) ([]rag.Passage, error) {
	return f.passages, f.err
}

func systemContents(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func TestBuildFullPreamble(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	require.NoError(t, s.UpsertProfile(ctx, chatID, store.ProfileUpdate{
		InitialContext: strPtr("cliente evalúa opciones"),
		Objective:      strPtr("agendar demo"),
		Instructions:   strPtr("tutea siempre"),
	}))
	_, err := s.ActivateNewStrategy(ctx, chatID, "preguntar por presupuesto", "snapshot")
	require.NoError(t, err)
	require.NoError(t, s.AddUserContext(ctx, chatID, "prefiere tardes", "reasoner"))

	loader := New(s, fixedRetriever{passages: []rag.Passage{{Text: "el plan pro cuesta 500", Score: 0.9}}}, nil, "", 4, FastPath{})

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "hola"},
		{Role: llm.RoleAssistant, Content: "¡hola! ¿cómo estás?"},
	}
	msgs, info, err := loader.Build(ctx, chatID, history, "cuéntame del producto", "gpt-4o")
	require.NoError(t, err)
	assert.False(t, info.FastPath)

	sys := systemContents(msgs)
	assert.Contains(t, sys, "Eres una persona real")
	assert.Contains(t, sys, "Frases prohibidas")
	assert.Contains(t, sys, "El objetivo de esta conversación es: agendar demo")
	assert.Contains(t, sys, "cliente evalúa opciones")
	assert.Contains(t, sys, "tutea siempre")
	assert.Contains(t, sys, "Estrategia vigente (versión 1)")
	assert.Contains(t, sys, "preguntar por presupuesto")
	assert.Contains(t, sys, "prefiere tardes")
	assert.Contains(t, sys, "el plan pro cuesta 500")

	// ordering: preamble, tail, inbound last
	require.GreaterOrEqual(t, len(msgs), 8)
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Equal(t, "cuéntame del producto", last.Content)
	assert.Equal(t, "¡hola! ¿cómo estás?", msgs[len(msgs)-2].Content)

	systemCount := 0
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			systemCount++
		}
	}
	assert.GreaterOrEqual(t, systemCount, 5)
}

func TestBuildObjectiveFileFallback(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	root := t.TempDir()
	files := chatfiles.New(root, nil)
	dir, err := files.Dir(chatID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "objetivo.txt"), []byte("cerrar venta"), 0o600))

	loader := New(s, rag.Nop{}, files, "", 4, FastPath{})
	msgs, _, err := loader.Build(ctx, chatID, nil, "hola qué tal", "gpt-4o")
	require.NoError(t, err)
	assert.Contains(t, systemContents(msgs), "cerrar venta")
}

func TestBuildRAGFailureIsSilent(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	loader := New(s, fixedRetriever{err: assert.AnError}, nil, "", 4, FastPath{})
	msgs, _, err := loader.Build(ctx, chatID, nil, "hola", "gpt-4o")
	require.NoError(t, err)
	assert.NotContains(t, systemContents(msgs), "Material de apoyo")
}

func TestBuildGuideDocs(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	guides := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(guides, "persona.txt"), []byte("Ana, 29, de Guadalajara"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(guides, "contexto_reciente.txt"), []byte("esta semana hay promo"), 0o600))

	loader := New(s, rag.Nop{}, nil, guides, 4, FastPath{})
	msgs, _, err := loader.Build(ctx, chatID, nil, "hola", "gpt-4o")
	require.NoError(t, err)

	sys := systemContents(msgs)
	assert.Contains(t, sys, "Ana, 29, de Guadalajara")
	assert.Contains(t, sys, "esta semana hay promo")
}

func TestFastPathOffByDefaultSendsFullPreamble(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	loader := New(s, rag.Nop{}, nil, "", 4, FastPath{})
	msgs, info, err := loader.Build(ctx, chatID, nil, "hola", "gpt-4o")
	require.NoError(t, err)
	assert.False(t, info.FastPath)

	// full preamble means at least base + behaviour before the user turn
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "Frases prohibidas")
}

func TestFastPathCollapsesWhenEnabled(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	loader := New(s, rag.Nop{}, nil, "", 4, FastPath{Enabled: true, MaxChars: 12, MaxTokens: 128})
	msgs, info, err := loader.Build(ctx, chatID, nil, "hola", "gpt-4o")
	require.NoError(t, err)

	assert.True(t, info.FastPath)
	assert.Equal(t, 128, info.MaxTokensHint)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
}

func TestFastPathIgnoresLongOrNonGreeting(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)

	loader := New(s, rag.Nop{}, nil, "", 4, FastPath{Enabled: true, MaxChars: 12})

	msgs, info, err := loader.Build(ctx, chatID, nil, "cuánto cuesta", "gpt-4o")
	require.NoError(t, err)
	assert.False(t, info.FastPath)
	assert.Greater(t, len(msgs), 2)
}

func TestBudgetDropsOldTurnsFirst(t *testing.T) {
	ctx := t.Context()
	s := newTestStore(t)
	require.NoError(t, s.AddUserContext(ctx, chatID, "nota persistente", "manual"))

	loader := New(s, rag.Nop{}, nil, "", 4, FastPath{})

	big := strings.Repeat("palabras y más palabras ", 4000)
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "primer mensaje antiguo " + big},
		{Role: llm.RoleAssistant, Content: "respuesta antigua " + big},
		{Role: llm.RoleUser, Content: "mensaje reciente"},
	}

	// tiny context window forces trimming
	msgs, _, err := loader.Build(ctx, chatID, history, "y entonces?", "gpt-3.5-turbo")
	require.NoError(t, err)

	var kept []string
	for _, m := range msgs {
		kept = append(kept, m.Content)
	}
	joined := strings.Join(kept, "\n")
	assert.NotContains(t, joined, "primer mensaje antiguo")
	assert.Equal(t, "y entonces?", msgs[len(msgs)-1].Content)
}

func TestCorrectiveRetryAppendsInstruction(t *testing.T) {
	base := []llm.Message{
		{Role: llm.RoleSystem, Content: "sistema"},
		{Role: llm.RoleUser, Content: "hola"},
	}
	out := CorrectiveRetry(base)
	require.Len(t, out, 3)
	assert.Equal(t, llm.RoleSystem, out[2].Role)
	assert.Len(t, base, 2, "input is not mutated")
}
