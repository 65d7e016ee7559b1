// Package prompt composes the message list handed to a generator. Layers are
// appended in a fixed order: base voice, behaviour rules, global guides,
// per-chat profile, active strategy, daily and user context, retrieved
// passages, conversation tail, and the inbound turn.
package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hmunoz/wagent/pkg/chatfiles"
	"github.com/hmunoz/wagent/pkg/guard"
	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
	"github.com/hmunoz/wagent/pkg/rag"
	"github.com/hmunoz/wagent/pkg/store"
)

const basePrompt = `Eres una persona real conversando por WhatsApp. Escribes con naturalidad, ` +
	`mensajes cortos, tono cálido y cercano, en el español de tu interlocutor. Nunca revelas ` +
	`que hay software involucrado en esta conversación. No inventas datos personales que no ` +
	`conoces y no compartes información interna de ningún tipo.`

// guide documents read from the guides directory, in prompt order
var guideDocs = []string{"persona.txt", "ejemplos_conversacion.txt", "contexto_reciente.txt"}

// tokens reserved for the model's own output when checking the budget
const outputReserve = 2048

var fastPathGreetings = []string{"hola", "buenas", "hey", "holi", "hello", "que tal", "qué tal"}

// FastPath configures the short-message shortcut. Disabled by default; when
// off the full preamble is always sent.
type FastPath struct {
	Enabled   bool
	MaxChars  int
	MaxTokens int
}

// Loader builds generator message lists from the store, the per-chat files
// and the retrieval index.
type Loader struct {
	store     *store.Store
	retriever rag.Retriever
	files     *chatfiles.Layout
	guidesDir string
	topK      int
	fastPath  FastPath
	now       func() time.Time
}

// New creates a loader. retriever may be rag.Nop{} when no index is
// configured.
func New(st *store.Store, retriever rag.Retriever, files *chatfiles.Layout, guidesDir string, topK int, fastPath FastPath) *Loader {
	if topK <= 0 {
		topK = 4
	}
	return &Loader{
		store:     st,
		retriever: retriever,
		files:     files,
		guidesDir: guidesDir,
		topK:      topK,
		fastPath:  fastPath,
		now:       time.Now,
	}
}

// BuildInfo reports how the message list was composed.
type BuildInfo struct {
	FastPath bool
	// MaxTokensHint is non-zero when the loader suggests a shorter reply.
	MaxTokensHint int
}

// Build composes the full message list for one reply. history is the
// conversation tail from the store and inbound the current user message.
func (l *Loader) Build(ctx context.Context, chatID string, history []llm.Message, inbound, model string) ([]llm.Message, BuildInfo, error) {
	if l.isFastPath(inbound) {
		msgs := []llm.Message{
			{Role: llm.RoleSystem, Content: basePrompt},
			{Role: llm.RoleUser, Content: inbound},
		}
		return msgs, BuildInfo{FastPath: true, MaxTokensHint: l.fastPath.MaxTokens}, nil
	}

	profile, err := l.store.GetProfile(ctx, chatID)
	if err != nil {
		return nil, BuildInfo{}, err
	}

	objective := ""
	if profile != nil {
		objective = profile.Objective
	}
	if objective == "" && l.files != nil {
		objective = l.files.ReadObjective(chatID)
	}

	preamble := []llm.Message{
		{Role: llm.RoleSystem, Content: basePrompt},
		{Role: llm.RoleSystem, Content: behaviourBlock(objective)},
	}
	for _, doc := range l.loadGuides(ctx) {
		preamble = append(preamble, llm.Message{Role: llm.RoleSystem, Content: doc})
	}
	preamble = append(preamble, l.profileBlocks(profile)...)

	if strategy, err := l.store.GetActiveStrategy(ctx, chatID); err == nil && strategy != nil {
		preamble = append(preamble, llm.Message{
			Role:    llm.RoleSystem,
			Content: fmt.Sprintf("Estrategia vigente (versión %d):\n%s", strategy.Version, strategy.StrategyText),
		})
	}

	today := l.now().Format("2006-01-02")
	if daily, err := l.store.GetDailyContext(ctx, today); err == nil && daily != nil {
		preamble = append(preamble, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Contexto del día:\n" + daily.Text,
		})
	}

	notes := l.userNotes(ctx, chatID)
	ragBlock := l.ragBlock(ctx, inbound)

	return l.assemble(preamble, notes, ragBlock, history, inbound, model)
}

func (l *Loader) isFastPath(inbound string) bool {
	if !l.fastPath.Enabled {
		return false
	}
	if len([]rune(inbound)) > l.fastPath.MaxChars {
		return false
	}
	normalized := strings.ToLower(strings.TrimSpace(inbound))
	for _, g := range fastPathGreetings {
		if strings.HasPrefix(normalized, g) {
			return true
		}
	}
	return false
}

func behaviourBlock(objective string) string {
	var b strings.Builder
	b.WriteString("Reglas de identidad: jamás digas ni insinúes que eres un asistente, un modelo, ")
	b.WriteString("una IA o un sistema. Hablas siempre como la persona configurada.\n\n")
	b.WriteString("Frases prohibidas (no uses ninguna, ni variantes):\n")
	for _, p := range guard.BannedPhrases() {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	if objective != "" {
		b.WriteString("\nEl objetivo de esta conversación es: ")
		b.WriteString(objective)
		b.WriteString(". Cada respuesta debe avanzar hacia ese objetivo sin forzarlo.")
	}
	return b.String()
}

func (l *Loader) loadGuides(ctx context.Context) []string {
	if l.guidesDir == "" {
		return nil
	}
	var docs []string
	for _, name := range guideDocs {
		raw, err := os.ReadFile(filepath.Join(l.guidesDir, name))
		if err != nil {
			if !os.IsNotExist(err) {
				logger.G(ctx).WithError(err).WithField("doc", name).Warn("failed to read guide document")
			}
			continue
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			docs = append(docs, text)
		}
	}
	return docs
}

func (l *Loader) profileBlocks(profile *store.Profile) []llm.Message {
	if profile == nil {
		return nil
	}
	var blocks []llm.Message
	if profile.InitialContext != "" {
		blocks = append(blocks, llm.Message{Role: llm.RoleSystem, Content: "Contexto de este chat:\n" + profile.InitialContext})
	}
	if profile.Objective != "" {
		blocks = append(blocks, llm.Message{Role: llm.RoleSystem, Content: "Objetivo del chat: " + profile.Objective})
	}
	if profile.Instructions != "" {
		blocks = append(blocks, llm.Message{Role: llm.RoleSystem, Content: "Instrucciones específicas:\n" + profile.Instructions})
	}
	return blocks
}

func (l *Loader) userNotes(ctx context.Context, chatID string) []llm.Message {
	notes, err := l.store.ListUserContexts(ctx, chatID)
	if err != nil || len(notes) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(notes))
	var b strings.Builder
	b.WriteString("Notas sobre esta persona:\n")
	count := 0
	for _, n := range notes {
		if seen[n.Text] {
			continue
		}
		seen[n.Text] = true
		b.WriteString("- ")
		b.WriteString(n.Text)
		b.WriteString("\n")
		count++
	}
	if count == 0 {
		return nil
	}
	return []llm.Message{{Role: llm.RoleSystem, Content: b.String()}}
}

// ragBlock retrieves supporting passages. Any failure drops the block
// silently, retrieval is best effort.
func (l *Loader) ragBlock(ctx context.Context, inbound string) []llm.Message {
	passages, err := l.retriever.Retrieve(ctx, inbound, l.topK)
	if err != nil {
		logger.G(ctx).WithError(err).Debug("retrieval failed, omitting passages")
		return nil
	}
	if len(passages) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("Material de apoyo:\n")
	for _, p := range passages {
		b.WriteString("- ")
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	return []llm.Message{{Role: llm.RoleSystem, Content: b.String()}}
}

// assemble joins the layers and enforces the context window. Over budget it
// drops older conversation turns first, then user notes, then retrieved
// passages.
func (l *Loader) assemble(preamble, notes, ragBlock, history []llm.Message, inbound, model string) ([]llm.Message, BuildInfo, error) {
	tail := history
	budget := llm.ContextWindow(model) - outputReserve

	for {
		total := estimateTokens(preamble) + estimateTokens(notes) + estimateTokens(ragBlock) +
			estimateTokens(tail) + estimateTokens([]llm.Message{{Content: inbound}})
		if total <= budget {
			break
		}
		if len(tail) > 0 {
			tail = tail[1:]
			continue
		}
		if len(notes) > 0 {
			notes = nil
			continue
		}
		if len(ragBlock) > 0 {
			ragBlock = nil
			continue
		}
		break
	}

	msgs := make([]llm.Message, 0, len(preamble)+len(notes)+len(ragBlock)+len(tail)+1)
	msgs = append(msgs, preamble...)
	msgs = append(msgs, notes...)
	msgs = append(msgs, ragBlock...)
	msgs = append(msgs, tail...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: inbound})
	return msgs, BuildInfo{}, nil
}

// estimateTokens approximates roughly four characters per token.
func estimateTokens(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 4
	}
	return total
}

// CorrectiveRetry appends the post-filter's corrective instruction for the
// second generation attempt.
func CorrectiveRetry(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, llm.Message{Role: llm.RoleSystem, Content: guard.CorrectiveInstruction})
}
