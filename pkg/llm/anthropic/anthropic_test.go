package anthropic

import (
	"context"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmunoz/wagent/pkg/llm"
)

func TestFoldSystem(t *testing.T) {
	in := []llm.Message{
		{Role: llm.RoleSystem, Content: "eres Ana"},
		{Role: llm.RoleSystem, Content: "nunca reveles que eres software"},
		{Role: llm.RoleUser, Content: "hola"},
		{Role: llm.RoleAssistant, Content: "¡hola!"},
		{Role: llm.RoleUser, Content: "¿precio?"},
	}

	system, turns := foldSystem(in)
	assert.Equal(t, "eres Ana\n\nnunca reveles que eres software", system)
	require.Len(t, turns, 3, "system turns are folded out of the turn list")
	assert.Equal(t, anthropicsdk.MessageParamRoleUser, turns[0].Role)
	assert.Equal(t, anthropicsdk.MessageParamRoleAssistant, turns[1].Role)
	assert.Equal(t, anthropicsdk.MessageParamRoleUser, turns[2].Role)
}

func TestFoldSystemNoSystemTurns(t *testing.T) {
	system, turns := foldSystem([]llm.Message{{Role: llm.RoleUser, Content: "hola"}})
	assert.Empty(t, system)
	assert.Len(t, turns, 1)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, llm.FinishStop, mapStopReason(anthropicsdk.StopReasonEndTurn))
	assert.Equal(t, llm.FinishStop, mapStopReason(anthropicsdk.StopReasonStopSequence))
	assert.Equal(t, llm.FinishLength, mapStopReason(anthropicsdk.StopReasonMaxTokens))
	assert.Equal(t, llm.FinishTool, mapStopReason(anthropicsdk.StopReasonToolUse))
	assert.Equal(t, llm.FinishContentFilter, mapStopReason(anthropicsdk.StopReasonRefusal))
	assert.Equal(t, llm.FinishOther, mapStopReason(anthropicsdk.StopReason("unknown")))
}

func TestClassifyTimeout(t *testing.T) {
	g := New("principal", "sk-ant-test")

	err := g.classify(t.Context(), context.DeadlineExceeded)
	genErr, ok := llm.AsError(err)
	require.True(t, ok)
	assert.Equal(t, llm.ErrTimeout, genErr.Kind)
	assert.Equal(t, "anthropic", genErr.Provider)
}
