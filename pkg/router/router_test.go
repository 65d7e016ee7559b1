package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hmunoz/wagent/pkg/store"
)

func TestChooseFirstMatchingRuleWins(t *testing.T) {
	rules := []store.Rule{
		{Name: "cada 3 razonar", EveryNMessages: 3, Model: "razonador", Enabled: true},
		{Name: "resto principal", EveryNMessages: 1, Model: "principal", Enabled: true},
	}
	configs := []store.ModelConfig{{Name: "fallback", Active: true}}

	tests := []struct {
		turnIndex int
		want      string
	}{
		{0, "razonador"},
		{1, "principal"},
		{2, "principal"},
		{3, "razonador"},
		{4, "principal"},
		{6, "razonador"},
	}
	for _, tt := range tests {
		got, err := Choose(rules, configs, tt.turnIndex)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "turn %d", tt.turnIndex)
	}
}

func TestChooseSkipsDisabledAndZeroCadence(t *testing.T) {
	rules := []store.Rule{
		{Name: "apagada", EveryNMessages: 1, Model: "nunca", Enabled: false},
		{Name: "sin cadencia", EveryNMessages: 0, Model: "tampoco", Enabled: true},
	}
	configs := []store.ModelConfig{
		{Name: "inactivo", Active: false},
		{Name: "activo", Active: true},
	}

	got, err := Choose(rules, configs, 0)
	require.NoError(t, err)
	assert.Equal(t, "activo", got)
}

func TestChooseNoMatch(t *testing.T) {
	_, err := Choose(nil, nil, 0)
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestChooseIsDeterministic(t *testing.T) {
	rules := []store.Rule{
		{Name: "r", EveryNMessages: 2, Model: "a", Enabled: true},
	}
	configs := []store.ModelConfig{{Name: "b", Active: true}}

	for i := 0; i < 50; i++ {
		first, err := Choose(rules, configs, 7)
		require.NoError(t, err)
		second, err := Choose(rules, configs, 7)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}
