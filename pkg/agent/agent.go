// Package agent runs the conversation loop: scan the inbox, reply to unread
// chats through the generator pipeline, drain the outbound queue, and trigger
// the reasoner when a chat's reply counter fills up.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hmunoz/wagent/pkg/browser"
	"github.com/hmunoz/wagent/pkg/config"
	"github.com/hmunoz/wagent/pkg/guard"
	"github.com/hmunoz/wagent/pkg/llm"
	"github.com/hmunoz/wagent/pkg/logger"
	"github.com/hmunoz/wagent/pkg/outbound"
	"github.com/hmunoz/wagent/pkg/prompt"
	"github.com/hmunoz/wagent/pkg/router"
	"github.com/hmunoz/wagent/pkg/store"
)

// Driver is the browser surface the orchestrator needs. Satisfied by
// *browser.Driver.
type Driver interface {
	WaitForReady(ctx context.Context, timeout time.Duration) error
	ScanInbox(ctx context.Context) ([]browser.Badge, error)
	OpenChat(ctx context.Context, chatID string) error
	ReadLastIncoming(ctx context.Context) (fromUs bool, text *string, err error)
	TypeAndSend(ctx context.Context, text string, perChar time.Duration) error
	ExitChat(ctx context.Context) error
	FindAndOpenChat(ctx context.Context, chatID string) error
}

// StrategyRefresher is the reasoner surface. Satisfied by *reasoner.Reasoner.
type StrategyRefresher interface {
	Refresh(ctx context.Context, chatID string) (int, error)
}

// Orchestrator owns one tick loop over the inbox and the outbound queue.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	driver   Driver
	registry *llm.Registry
	loader   *prompt.Loader
	reasoner StrategyRefresher
	queue    *outbound.Queue

	mu             sync.Mutex
	skipUntil      map[string]time.Time
	driverFailures int
	halted         bool

	// reasonerWG lets shutdown wait for in-flight refreshes
	reasonerWG sync.WaitGroup
	now        func() time.Time
}

// New wires an orchestrator. reasoner may be nil to disable refreshes.
func New(cfg *config.Config, st *store.Store, driver Driver, registry *llm.Registry, loader *prompt.Loader, refresher StrategyRefresher, queue *outbound.Queue) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		driver:    driver,
		registry:  registry,
		loader:    loader,
		reasoner:  refresher,
		queue:     queue,
		skipUntil: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run loops until ctx is cancelled. The tick in progress is finished before
// returning; pending outbound work is deferred to the sidecar file.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := logger.G(ctx)

	if err := o.driver.WaitForReady(ctx, 2*time.Minute); err != nil {
		return errors.Wrap(err, "session never became ready")
	}
	log.Info("session ready, entering tick loop")

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(log)
		default:
		}

		if o.cfg.AutomationActive && !o.isHalted() {
			o.Tick(ctx)
		}

		select {
		case <-ctx.Done():
			return o.shutdown(log)
		case <-time.After(o.cfg.MessageCheckInterval):
		}
	}
}

func (o *Orchestrator) shutdown(log *logrus.Entry) error {
	o.reasonerWG.Wait()
	n, err := o.queue.Defer(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to defer pending outbound entries")
	} else if n > 0 {
		log.WithField("deferred", n).Info("pending outbound entries moved to sidecar")
	}
	return nil
}

func (o *Orchestrator) isHalted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.halted
}

// Tick runs one pass: the inbound scan, then at most one outbound send.
// Every error is logged and contained; a tick never panics the loop.
func (o *Orchestrator) Tick(ctx context.Context) {
	log := logger.G(ctx)

	if err := o.processInbound(ctx); err != nil {
		log.WithError(err).Warn("inbound pass failed")
	}
	if err := o.processOutbound(ctx); err != nil {
		log.WithError(err).Warn("outbound pass failed")
	}
}

// processOutbound drains one pending queue entry.
func (o *Orchestrator) processOutbound(ctx context.Context) error {
	entry := o.queue.NextPending(ctx)
	if entry == nil {
		return nil
	}
	log := logger.G(ctx).WithField("entry_id", entry.ID).WithField("chat_id", entry.ChatID)

	if err := o.driver.FindAndOpenChat(ctx, entry.ChatID); err != nil {
		o.noteDriverFailure(ctx)
		if markErr := o.queue.Mark(ctx, entry.ID, outbound.StatusFailed, err.Error()); markErr != nil {
			log.WithError(markErr).Warn("failed to mark entry failed")
		}
		return err
	}

	if err := o.driver.TypeAndSend(ctx, entry.Message, o.cfg.TypingPerChar); err != nil {
		o.noteDriverFailure(ctx)
		if markErr := o.queue.Mark(ctx, entry.ID, outbound.StatusFailed, err.Error()); markErr != nil {
			log.WithError(markErr).Warn("failed to mark entry failed")
		}
		_ = o.driver.ExitChat(ctx)
		return err
	}
	o.noteDriverSuccess()

	if err := o.queue.Mark(ctx, entry.ID, outbound.StatusSent, ""); err != nil {
		log.WithError(err).Warn("sent but failed to mark entry")
	}
	log.Info("outbound message sent")
	return o.driver.ExitChat(ctx)
}

// processInbound scans for unread chats and replies to each eligible one.
// Cooldown and readiness checks run before any DOM work on the chat.
func (o *Orchestrator) processInbound(ctx context.Context) error {
	badges, err := o.driver.ScanInbox(ctx)
	if err != nil {
		o.noteDriverFailure(ctx)
		return err
	}
	o.noteDriverSuccess()

	for _, badge := range badges {
		if err := o.handleChat(ctx, badge.ChatID); err != nil {
			logger.G(ctx).WithError(err).WithField("chat_id", badge.ChatID).Warn("chat skipped after error")
		}
	}
	return nil
}

func (o *Orchestrator) handleChat(ctx context.Context, chatID string) error {
	log := logger.G(ctx).WithField("chat_id", chatID)
	now := o.now()

	o.mu.Lock()
	until, limited := o.skipUntil[chatID]
	if limited && now.Before(until) {
		o.mu.Unlock()
		log.WithField("until", until).Debug("chat rate limited, skipping")
		return nil
	}
	delete(o.skipUntil, chatID)
	o.mu.Unlock()

	counter, err := o.store.GetCounter(ctx, chatID)
	if err != nil {
		return err
	}
	if counter != nil && counter.LastReplyAt.Valid && now.Sub(counter.LastReplyAt.Time) < o.cfg.Cooldown() {
		log.Debug("chat in cooldown, skipping")
		return nil
	}

	if !o.cfg.RespondToAll {
		ready, err := o.readyToReply(ctx, chatID)
		if err != nil {
			return err
		}
		if !ready {
			log.Debug("chat not ready to reply, skipping")
			return nil
		}
	}

	if err := o.driver.OpenChat(ctx, chatID); err != nil {
		o.noteDriverFailure(ctx)
		return err
	}
	defer func() {
		if err := o.driver.ExitChat(ctx); err != nil {
			log.WithError(err).Warn("failed to exit chat")
		}
	}()

	fromUs, text, err := o.driver.ReadLastIncoming(ctx)
	if err != nil {
		o.noteDriverFailure(ctx)
		return err
	}
	o.noteDriverSuccess()

	if fromUs {
		log.Debug("last message is ours, skipping")
		return nil
	}
	if text == nil {
		log.Debug("last message has no text, skipping")
		return nil
	}

	return o.replyPipeline(ctx, chatID, *text)
}

// readyToReply gates automated replies. With require_contact_profile the
// chat needs an auto-enabled contact AND a ready profile; without it the
// contact flag alone decides.
func (o *Orchestrator) readyToReply(ctx context.Context, chatID string) (bool, error) {
	if o.cfg.RequireContactProfile {
		return o.store.IsReadyToReply(ctx, chatID)
	}
	contact, err := o.store.GetContact(ctx, chatID)
	if err != nil {
		return false, err
	}
	return contact != nil && contact.AutoEnabled, nil
}

// replyPipeline generates and sends one reply. The conversation snapshot is
// persisted before the send so a mid-send crash cannot lose the turn.
func (o *Orchestrator) replyPipeline(ctx context.Context, chatID, text string) error {
	log := logger.G(ctx).WithField("chat_id", chatID)

	history, err := o.store.LoadLastContext(ctx, chatID)
	if err != nil {
		return err
	}

	turnIndex := 0
	for _, m := range history {
		if m.Role == llm.RoleAssistant {
			turnIndex++
		}
	}

	rules, err := o.store.ListRules(ctx)
	if err != nil {
		return err
	}
	configs, err := o.store.ListModelConfigs(ctx)
	if err != nil {
		return err
	}
	modelName, err := router.Choose(rules, configs, turnIndex)
	if err != nil {
		return err
	}

	gen, err := o.registry.ByName(modelName)
	if err != nil {
		return err
	}
	opts := o.modelOptions(modelName, configs)

	messages, info, err := o.loader.Build(ctx, chatID, history, text, opts.Model)
	if err != nil {
		return err
	}
	if info.MaxTokensHint > 0 {
		opts.MaxTokens = info.MaxTokensHint
	}

	reply, err := o.generateFiltered(ctx, gen, messages, opts, text)
	if err != nil {
		o.noteGeneratorError(ctx, chatID, err)
		return err
	}

	history = append(history,
		llm.Message{Role: llm.RoleUser, Content: text},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	n, err := o.store.RecordReply(ctx, chatID, history, o.now())
	if err != nil {
		return err
	}

	if err := o.driver.TypeAndSend(ctx, reply, o.cfg.TypingPerChar); err != nil {
		o.noteDriverFailure(ctx)
		return err
	}
	o.noteDriverSuccess()
	log.WithField("model", modelName).WithField("turn", turnIndex).Info("reply sent")

	if n >= o.cfg.StrategyRefreshEvery && o.reasoner != nil {
		if err := o.store.ResetReplyCounter(ctx, chatID); err != nil {
			log.WithError(err).Warn("failed to reset reply counter")
		}
		o.reasonerWG.Add(1)
		go func() {
			defer o.reasonerWG.Done()
			refreshCtx, cancel := context.WithTimeout(context.Background(), o.cfg.ReasonerTimeout)
			defer cancel()
			if _, err := o.reasoner.Refresh(refreshCtx, chatID); err != nil {
				logger.G(refreshCtx).WithError(err).WithField("chat_id", chatID).Warn("strategy refresh failed")
			}
		}()
	}
	return nil
}

// generateFiltered runs the generator, post-filters the reply, retries once
// with a corrective instruction and finally falls back to the emergency
// table.
func (o *Orchestrator) generateFiltered(ctx context.Context, gen llm.Generator, messages []llm.Message, opts llm.Options, inbound string) (string, error) {
	log := logger.G(ctx)

	resp, err := gen.Generate(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	logUsage(log, resp)
	phrase, ok := guard.Check(resp.Content)
	if ok {
		return resp.Content, nil
	}
	log.WithField("phrase", phrase).Info("reply rejected, retrying with corrective instruction")

	resp, err = gen.Generate(ctx, prompt.CorrectiveRetry(messages), opts)
	if err != nil {
		return "", err
	}
	logUsage(log, resp)
	if _, ok := guard.Check(resp.Content); ok {
		return resp.Content, nil
	}

	log.Warn("reply rejected twice, using emergency response")
	return guard.EmergencyResponse(inbound), nil
}

func logUsage(log *logrus.Entry, resp *llm.Response) {
	log.WithField("input_tokens", resp.Usage.InputTokens).
		WithField("output_tokens", resp.Usage.OutputTokens).
		Debug("generation finished")
}

// noteGeneratorError records a rate limit skip window for the chat.
func (o *Orchestrator) noteGeneratorError(ctx context.Context, chatID string, err error) {
	genErr, ok := llm.AsError(err)
	if !ok {
		return
	}
	if genErr.Kind == llm.ErrRateLimited && genErr.RetryAfter > 0 {
		o.mu.Lock()
		o.skipUntil[chatID] = o.now().Add(genErr.RetryAfter)
		o.mu.Unlock()
		logger.G(ctx).WithField("chat_id", chatID).WithField("retry_after", genErr.RetryAfter).Info("chat rate limited")
	}
}

func (o *Orchestrator) noteDriverFailure(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.driverFailures++
	if o.driverFailures >= o.cfg.EmergencyHaltAfter && !o.halted {
		o.halted = true
		logger.G(ctx).WithField("failures", o.driverFailures).Error("emergency halt, automation disabled")
	}
}

func (o *Orchestrator) noteDriverSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.driverFailures = 0
}

// modelOptions resolves generation options from the model's config blob.
func (o *Orchestrator) modelOptions(name string, configs []store.ModelConfig) llm.Options {
	opts := llm.Options{
		Model:       name,
		Temperature: 0.8,
		MaxTokens:   512,
		Timeout:     o.cfg.GeneratorTimeout,
	}
	for _, c := range configs {
		if c.Name != name || c.Config == "" {
			continue
		}
		var blob struct {
			Model       string  `json:"model"`
			Temperature float32 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
		}
		if err := json.Unmarshal([]byte(c.Config), &blob); err != nil {
			break
		}
		if blob.Model != "" {
			opts.Model = blob.Model
		}
		if blob.Temperature > 0 {
			opts.Temperature = blob.Temperature
		}
		if blob.MaxTokens > 0 {
			opts.MaxTokens = blob.MaxTokens
		}
		break
	}
	return opts
}
