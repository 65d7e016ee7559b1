package guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRejectsBannedPhrases(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"self reference", "Como asistente virtual, estoy aquí para ayudarte."},
		{"model reference", "Como modelo de lenguaje no puedo opinar."},
		{"accented match", "No tengo información sobre eso."},
		{"metadata leak", "USUARIO: Juan Pérez, 34 años"},
		{"chat header leak", "CHAT ACTUAL: conversación con cliente"},
		{"generic deflection", "¿En qué puedo asistirte hoy?"},
		{"embedded mid sentence", "bueno, como sistema te digo que sí"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phrase, ok := Check(tt.reply)
			assert.False(t, ok)
			assert.NotEmpty(t, phrase)
		})
	}
}

func TestCheckAcceptsNaturalReplies(t *testing.T) {
	tests := []string{
		"¡Hola! Claro, mañana te mando los detalles de la demo.",
		"jajaja sí, total",
		"El precio arranca en 500 al mes, ¿te late que lo veamos el jueves?",
		"No sé, déjame preguntarle a mi socio y te digo.",
	}
	for _, reply := range tests {
		phrase, ok := Check(reply)
		assert.True(t, ok, "rejected %q on %q", reply, phrase)
	}
}

func TestEmergencyResponseShapes(t *testing.T) {
	assert.Equal(t, emergencyResponses[shapeGreeting], EmergencyResponse("Hola!! buenas tardes"))
	assert.Equal(t, emergencyResponses[shapeObjectiveQuestion], EmergencyResponse("oye cuánto cuesta el producto?"))
	assert.Equal(t, emergencyResponses[shapeDefault], EmergencyResponse("mmmm ok"))
}

func TestEmergencyResponseNeverBanned(t *testing.T) {
	for _, inbound := range []string{"hola", "precio?", "loquesea"} {
		_, ok := Check(EmergencyResponse(inbound))
		assert.True(t, ok, "emergency response for %q tripped the filter", inbound)
	}
}

func TestBannedPhrasesIsACopy(t *testing.T) {
	list := BannedPhrases()
	list[0] = "mutated"
	assert.NotEqual(t, "mutated", bannedPhrases[0])
}
