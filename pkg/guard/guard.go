// Package guard post-filters generated replies. A reply that exposes the
// persona as software, leaks prompt metadata, or degrades into a generic
// help-desk deflection never reaches the recipient.
package guard

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// bannedPhrases are matched case and accent insensitively anywhere in the
// reply. Grouped by failure mode.
var bannedPhrases = []string{
	// self-reference as software
	"como asistente",
	"soy un asistente virtual",
	"como modelo",
	"como ia",
	"como sistema",
	"no tengo informacion",
	// metadata leakage
	"usuario:",
	"chat actual:",
	"informacion relevante sobre el usuario",
	"fragmentos relevantes",
	// generic deflections
	"estoy aqui para ayudarte con cualquier pregunta",
	"en que puedo asistirte hoy",
}

// CorrectiveInstruction is appended as a system turn on the retry after a
// rejected reply.
const CorrectiveInstruction = "Tu última respuesta sonó a robot o a asistente genérico. " +
	"Reescríbela como lo haría una persona real en WhatsApp: natural, breve, sin mencionar " +
	"que eres un asistente, un modelo o un sistema, y sin repetir datos internos del chat."

var stripAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalize(s string) string {
	out, _, err := transform.String(stripAccents, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Check returns the first banned phrase found in reply, or ok=true when the
// reply is clean.
func Check(reply string) (phrase string, ok bool) {
	normalized := normalize(reply)
	for _, p := range bannedPhrases {
		if strings.Contains(normalized, p) {
			return p, false
		}
	}
	return "", true
}

// inbound text shapes for the emergency table
const (
	shapeGreeting          = "greeting"
	shapeObjectiveQuestion = "objective_question"
	shapeDefault           = "default"
)

var greetingWords = []string{"hola", "buenas", "buenos dias", "buenas tardes", "buenas noches", "hey", "que tal", "holi"}

var objectiveWords = []string{"precio", "costo", "cuanto", "producto", "servicio", "informacion", "detalles", "demo", "cita", "agendar"}

var emergencyResponses = map[string]string{
	shapeGreeting:          "¡Hola! Qué gusto saludarte 😊 ¿Cómo va todo?",
	shapeObjectiveQuestion: "¡Claro! Dame un segundo y te paso los detalles, ¿va?",
	shapeDefault:           "Oye, perdón, ando con el teléfono medio raro. ¿Me repites eso último?",
}

// classifyInbound buckets the user's message into one of the emergency
// table's shapes.
func classifyInbound(text string) string {
	normalized := normalize(text)
	for _, w := range greetingWords {
		if strings.Contains(normalized, w) {
			return shapeGreeting
		}
	}
	for _, w := range objectiveWords {
		if strings.Contains(normalized, w) {
			return shapeObjectiveQuestion
		}
	}
	return shapeDefault
}

// EmergencyResponse picks a canned human-sounding reply for the inbound text.
// Used when generation failed the post-filter twice in a row.
func EmergencyResponse(inbound string) string {
	return emergencyResponses[classifyInbound(inbound)]
}

// BannedPhrases returns a copy of the active phrase list, for prompt
// composition.
func BannedPhrases() []string {
	out := make([]string, len(bannedPhrases))
	copy(out, bannedPhrases)
	return out
}
