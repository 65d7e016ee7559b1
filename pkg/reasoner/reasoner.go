// Package reasoner runs the periodic strategy analysis for a chat. One
// analyst call produces a profile update, a priority context and a new
// strategy; effects land in the chat files and the store but never in the
// live conversation log.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/chatfiles"
	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
	"github.com/hmunoz/wagent/pkg/store"
)

// maxTurns bounds how much conversation the analyst sees.
const maxTurns = 40

const analystInstruction = `Eres un estratega de conversaciones. No hablas con el usuario final. ` +
	`Analiza la conversación y el perfil, y devuelve exclusivamente un objeto JSON con las claves ` +
	`"perfil_update", "contexto_prioritario" y "estrategia". Sin texto adicional.`

// Reasoner refreshes a chat's strategy through a dedicated analyst generator.
type Reasoner struct {
	store   *store.Store
	files   *chatfiles.Layout
	gen     llm.Generator
	model   string
	timeout time.Duration
	now     func() time.Time
}

// New creates a reasoner. model is the analyst model identifier passed to the
// generator.
func New(st *store.Store, files *chatfiles.Layout, gen llm.Generator, model string, timeout time.Duration) *Reasoner {
	return &Reasoner{
		store:   st,
		files:   files,
		gen:     gen,
		model:   model,
		timeout: timeout,
		now:     time.Now,
	}
}

type analysis struct {
	PerfilUpdate        string `json:"perfil_update"`
	ContextoPrioritario string `json:"contexto_prioritario"`
	Estrategia          string `json:"estrategia"`
}

// Refresh runs one analysis cycle for the chat and returns the new strategy
// version.
func (r *Reasoner) Refresh(ctx context.Context, chatID string) (int, error) {
	log := logger.G(ctx).WithField("chat_id", chatID)

	profile, err := r.store.GetProfile(ctx, chatID)
	if err != nil {
		return 0, err
	}
	previous, err := r.store.GetActiveStrategy(ctx, chatID)
	if err != nil {
		return 0, err
	}
	history, err := r.store.LoadLastContext(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	messages := r.composeAnalystMessages(profile, previous, history)

	raw, err := r.callAnalyst(ctx, messages)
	if err != nil {
		return 0, err
	}

	result := parseAnalysis(raw)
	if result.Estrategia == "" && previous != nil {
		log.Debug("analysis produced no strategy, retaining previous")
		result.Estrategia = previous.StrategyText
	}
	if result.Estrategia == "" {
		return 0, errors.New("analysis produced no strategy and none existed")
	}

	if err := r.files.WriteContext(chatID, result.ContextoPrioritario, result.Estrategia); err != nil {
		return 0, err
	}
	if result.PerfilUpdate != "" {
		if err := r.files.AppendProfile(chatID, result.PerfilUpdate, r.now()); err != nil {
			return 0, err
		}
	}

	update := store.ProfileUpdate{IsReady: boolPtr(true)}
	if result.ContextoPrioritario != "" {
		update.InitialContext = &result.ContextoPrioritario
	}
	if err := r.store.UpsertProfile(ctx, chatID, update); err != nil {
		return 0, err
	}

	version, err := r.store.ActivateNewStrategy(ctx, chatID, result.Estrategia, raw)
	if err != nil {
		return 0, err
	}

	if err := r.store.ResetReplyCounter(ctx, chatID); err != nil {
		return 0, err
	}

	log.WithField("version", version).Info("strategy refreshed")
	return version, nil
}

func (r *Reasoner) composeAnalystMessages(profile *store.Profile, previous *store.Strategy, history []llm.Message) []llm.Message {
	var b strings.Builder

	if profile != nil {
		fmt.Fprintf(&b, "PERFIL DEL CHAT:\ncontexto inicial: %s\nobjetivo: %s\ninstrucciones: %s\n\n",
			profile.InitialContext, profile.Objective, profile.Instructions)
	}
	if previous != nil {
		fmt.Fprintf(&b, "ESTRATEGIA ANTERIOR (versión %d):\n%s\n\n", previous.Version, previous.StrategyText)
	}

	b.WriteString("CONVERSACIÓN RECIENTE:\n")
	for _, m := range history {
		label := "ellos"
		if m.Role == llm.RoleAssistant {
			label = "nosotros"
		}
		fmt.Fprintf(&b, "[%s] %s\n", label, m.Content)
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: analystInstruction},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func (r *Reasoner) callAnalyst(ctx context.Context, messages []llm.Message) (string, error) {
	resp, err := r.gen.Generate(ctx, messages, llm.Options{
		Model:       r.model,
		Temperature: 0.3,
		MaxTokens:   1024,
		Timeout:     r.timeout,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

var (
	jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

	perfilRe     = regexp.MustCompile(`(?im)^\s*(?:perfil[_ ]update|perfil)\s*[:=]\s*(.+)$`)
	contextoRe   = regexp.MustCompile(`(?im)^\s*contexto[_ ]prioritario\s*[:=]\s*(.+)$`)
	estrategiaRe = regexp.MustCompile(`(?im)^\s*estrategia\s*[:=]\s*(.+)$`)
)

// parseAnalysis tolerates sloppy analyst output. First a strict JSON decode
// of the outermost object, then line-based extraction of the three labelled
// sections. Missing fields stay empty.
func parseAnalysis(raw string) analysis {
	var result analysis

	if match := jsonObjectRe.FindString(raw); match != "" {
		if err := json.Unmarshal([]byte(match), &result); err == nil {
			result.trim()
			return result
		}
	}

	if m := perfilRe.FindStringSubmatch(raw); m != nil {
		result.PerfilUpdate = m[1]
	}
	if m := contextoRe.FindStringSubmatch(raw); m != nil {
		result.ContextoPrioritario = m[1]
	}
	if m := estrategiaRe.FindStringSubmatch(raw); m != nil {
		result.Estrategia = m[1]
	}
	result.trim()
	return result
}

func (a *analysis) trim() {
	a.PerfilUpdate = strings.Trim(strings.TrimSpace(a.PerfilUpdate), `"'`)
	a.ContextoPrioritario = strings.Trim(strings.TrimSpace(a.ContextoPrioritario), `"'`)
	a.Estrategia = strings.Trim(strings.TrimSpace(a.Estrategia), `"'`)
}

func boolPtr(b bool) *bool { return &b }
