package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/logger"
)

// Selector lists are ordered by preference; minor DOM changes upstream only
// cost a fallback, not a rewrite. The driver logs which selector matched.
var (
	chatListSelectors = []string{
		`#pane-side`,
		`div[aria-label="Lista de chats"]`,
		`div[aria-label="Chat list"]`,
	}
	composerSelectors = []string{
		`div[contenteditable="true"][data-tab="10"]`,
		`div[contenteditable="true"][data-tab="9"]`,
		`footer div[contenteditable="true"]`,
	}
	searchSelectors = []string{
		`div[contenteditable="true"][data-tab="3"]`,
		`div[aria-label="Cuadro de texto para ingresar la búsqueda"]`,
		`div[aria-label="Search input textbox"]`,
	}
)

// Badge is one unread chat row from the inbox scan.
type Badge struct {
	ChatID string `json:"chat_id"`
	Unread int    `json:"unread"`
}

// Driver exposes the WhatsApp Web operations the orchestrator needs.
type Driver struct {
	manager *Manager
}

// NewDriver wraps a started manager.
func NewDriver(manager *Manager) *Driver {
	return &Driver{manager: manager}
}

func (d *Driver) browserCtx() (context.Context, error) {
	ctx := d.manager.GetContext()
	if ctx == nil {
		return nil, newError(ErrNotReady, "context", errors.New("browser not started"))
	}
	return ctx, nil
}

// WaitForReady blocks until the conversation-list pane is visible. Until it
// is, the session may still be loading or waiting for a QR scan.
func (d *Driver) WaitForReady(ctx context.Context, timeout time.Duration) error {
	bctx, err := d.browserCtx()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for _, sel := range chatListSelectors {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		perSelector := remaining / time.Duration(len(chatListSelectors))
		if perSelector < time.Second {
			perSelector = remaining
		}

		waitCtx, cancel := context.WithTimeout(bctx, perSelector)
		runErr := chromedp.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
		cancel()
		if runErr == nil {
			logger.G(ctx).WithField("selector", sel).Debug("chat list visible")
			return nil
		}
	}
	return newError(ErrNotReady, "wait_for_ready", errors.Errorf("chat list not visible after %s", timeout))
}

// scanInboxJS walks chat rows and keeps only rows whose badge text parses as
// a positive integer. Dots, muted markers and other decorations are not
// unread counts.
const scanInboxJS = `(() => {
	const rows = document.querySelectorAll('#pane-side [role="listitem"], #pane-side div[role="row"]');
	const out = [];
	for (const row of rows) {
		const badges = row.querySelectorAll('span[aria-label]');
		let unread = 0;
		for (const b of badges) {
			const text = (b.textContent || '').trim();
			if (/^[0-9]+$/.test(text) && parseInt(text, 10) > 0) {
				unread = parseInt(text, 10);
				break;
			}
		}
		if (unread === 0) continue;
		const title = row.querySelector('span[title]');
		const id = title ? (title.getAttribute('title') || '').trim() : '';
		if (id) out.push({chat_id: id, unread: unread});
	}
	return JSON.stringify(out);
})()`

// ScanInbox returns the chats showing a numeric unread badge.
func (d *Driver) ScanInbox(ctx context.Context) ([]Badge, error) {
	bctx, err := d.browserCtx()
	if err != nil {
		return nil, err
	}

	var raw string
	if err := chromedp.Run(bctx, chromedp.Evaluate(scanInboxJS, &raw)); err != nil {
		return nil, newError(ErrSelectorMissed, "scan_inbox", err)
	}

	var badges []Badge
	if err := json.Unmarshal([]byte(raw), &badges); err != nil {
		return nil, newError(ErrSelectorMissed, "scan_inbox", errors.Wrap(err, "bad scan payload"))
	}
	return badges, nil
}

// OpenChat clicks the row with the given title and waits for the composer.
func (d *Driver) OpenChat(ctx context.Context, chatID string) error {
	bctx, err := d.browserCtx()
	if err != nil {
		return err
	}

	clickJS := fmt.Sprintf(`(() => {
		const title = document.querySelector('#pane-side span[title=%q]');
		if (!title) return false;
		const row = title.closest('[role="listitem"], [role="row"]') || title;
		row.click();
		return true;
	})()`, chatID)

	var clicked bool
	if err := chromedp.Run(bctx, chromedp.Evaluate(clickJS, &clicked)); err != nil || !clicked {
		return newError(ErrSelectorMissed, "open_chat", errors.Errorf("row for %q not found", chatID))
	}

	if _, err := d.waitForComposer(ctx, bctx, 10*time.Second); err != nil {
		return err
	}
	return nil
}

func (d *Driver) waitForComposer(ctx, bctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, sel := range composerSelectors {
			waitCtx, cancel := context.WithTimeout(bctx, 2*time.Second)
			err := chromedp.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
			cancel()
			if err == nil {
				logger.G(ctx).WithField("selector", sel).Debug("composer visible")
				return sel, nil
			}
		}
	}
	return "", newError(ErrSelectorMissed, "wait_for_composer", errors.New("composer not visible"))
}

// readLastIncomingJS inspects the last message container. Direction comes
// from the message-in/message-out DOM markers, never from text heuristics.
const readLastIncomingJS = `(() => {
	const messages = document.querySelectorAll('div.message-in, div.message-out, [data-id*="true_"], [data-id*="false_"]');
	if (messages.length === 0) return JSON.stringify({found: false});
	const last = messages[messages.length - 1];
	let fromUs = false;
	if (last.classList.contains('message-out')) fromUs = true;
	else if (last.classList.contains('message-in')) fromUs = false;
	else {
		const dataID = last.getAttribute('data-id') || '';
		fromUs = dataID.startsWith('true_');
	}
	const span = last.querySelector('span.selectable-text, span[dir="ltr"]');
	const text = span ? span.textContent : null;
	return JSON.stringify({found: true, from_us: fromUs, text: text});
})()`

// ReadLastIncoming reports whether the newest message in the open chat is
// ours, and its text. text is nil for media or empty messages.
func (d *Driver) ReadLastIncoming(ctx context.Context) (fromUs bool, text *string, err error) {
	bctx, err := d.browserCtx()
	if err != nil {
		return false, nil, err
	}

	var raw string
	if err := chromedp.Run(bctx, chromedp.Evaluate(readLastIncomingJS, &raw)); err != nil {
		return false, nil, newError(ErrSelectorMissed, "read_last_incoming", err)
	}

	var payload struct {
		Found  bool    `json:"found"`
		FromUs bool    `json:"from_us"`
		Text   *string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false, nil, newError(ErrSelectorMissed, "read_last_incoming", err)
	}
	if !payload.Found {
		return false, nil, newError(ErrSelectorMissed, "read_last_incoming", errors.New("no message containers"))
	}
	return payload.FromUs, payload.Text, nil
}

// TypeAndSend types text into the composer one character at a time and
// presses Enter.
func (d *Driver) TypeAndSend(ctx context.Context, text string, perChar time.Duration) error {
	bctx, err := d.browserCtx()
	if err != nil {
		return err
	}

	sel, err := d.waitForComposer(ctx, bctx, 10*time.Second)
	if err != nil {
		return err
	}

	if err := chromedp.Run(bctx, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
		return newError(ErrSendFailed, "type_and_send", errors.Wrap(err, "failed to focus composer"))
	}

	for _, r := range text {
		if err := chromedp.Run(bctx, chromedp.KeyEvent(string(r))); err != nil {
			return newError(ErrSendFailed, "type_and_send", err)
		}
		if perChar > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(perChar):
			}
		}
	}

	if err := chromedp.Run(bctx, chromedp.KeyEvent(kb.Enter)); err != nil {
		return newError(ErrSendFailed, "type_and_send", errors.Wrap(err, "failed to press enter"))
	}

	logger.G(ctx).WithField("chars", len(text)).Debug("message sent")
	return nil
}

// ExitChat presses Escape and verifies the composer lost focus so a later
// keystroke cannot land in the wrong conversation.
func (d *Driver) ExitChat(ctx context.Context) error {
	bctx, err := d.browserCtx()
	if err != nil {
		return err
	}

	if err := chromedp.Run(bctx, chromedp.KeyEvent(kb.Escape)); err != nil {
		return newError(ErrSelectorMissed, "exit_chat", err)
	}

	const blurJS = `(() => {
		const el = document.activeElement;
		return !(el && el.getAttribute && el.getAttribute('contenteditable') === 'true');
	})()`

	var blurred bool
	if err := chromedp.Run(bctx, chromedp.Evaluate(blurJS, &blurred)); err != nil {
		return newError(ErrSelectorMissed, "exit_chat", err)
	}
	if !blurred {
		// Escape sometimes only closes an emoji panel; blur explicitly.
		if err := chromedp.Run(bctx, chromedp.Evaluate(`document.activeElement && document.activeElement.blur()`, nil)); err != nil {
			return newError(ErrSelectorMissed, "exit_chat", err)
		}
	}
	return nil
}

// FindAndOpenChat reaches a chat through the global search box, used by the
// outbound worker for chats without an unread badge. Enter on the top result
// is tried first, then click fallbacks. The search is cleared on every
// return path.
func (d *Driver) FindAndOpenChat(ctx context.Context, chatID string) (err error) {
	bctx, berr := d.browserCtx()
	if berr != nil {
		return berr
	}

	searchSel := ""
	for _, sel := range searchSelectors {
		waitCtx, cancel := context.WithTimeout(bctx, 2*time.Second)
		runErr := chromedp.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery))
		cancel()
		if runErr == nil {
			searchSel = sel
			break
		}
	}
	if searchSel == "" {
		return newError(ErrSelectorMissed, "find_and_open_chat", errors.New("search box not found"))
	}
	logger.G(ctx).WithField("selector", searchSel).Debug("search box found")

	defer func() {
		clearCtx, cancel := context.WithTimeout(bctx, 3*time.Second)
		defer cancel()
		_ = chromedp.Run(clearCtx, chromedp.KeyEvent(kb.Escape))
	}()

	if err := chromedp.Run(bctx,
		chromedp.Click(searchSel, chromedp.ByQuery),
		chromedp.SendKeys(searchSel, chatID, chromedp.ByQuery),
	); err != nil {
		return newError(ErrSelectorMissed, "find_and_open_chat", errors.Wrap(err, "failed to type search"))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(1500 * time.Millisecond):
	}

	// strategy 1: Enter opens the top result
	if err := chromedp.Run(bctx, chromedp.KeyEvent(kb.Enter)); err == nil {
		if _, cerr := d.waitForComposer(ctx, bctx, 5*time.Second); cerr == nil {
			logger.G(ctx).WithField("strategy", "enter").Debug("chat opened from search")
			return nil
		}
	}

	// strategy 2: click the first result row
	const clickFirstJS = `(() => {
		const row = document.querySelector('#pane-side [role="listitem"], #pane-side div[role="row"]');
		if (!row) return false;
		row.click();
		return true;
	})()`
	var clicked bool
	if err := chromedp.Run(bctx, chromedp.Evaluate(clickFirstJS, &clicked)); err == nil && clicked {
		if _, cerr := d.waitForComposer(ctx, bctx, 5*time.Second); cerr == nil {
			logger.G(ctx).WithField("strategy", "click").Debug("chat opened from search")
			return nil
		}
	}

	// strategy 3: double click, some builds need it
	const dblClickJS = `(() => {
		const row = document.querySelector('#pane-side [role="listitem"], #pane-side div[role="row"]');
		if (!row) return false;
		row.dispatchEvent(new MouseEvent('dblclick', {bubbles: true}));
		return true;
	})()`
	if err := chromedp.Run(bctx, chromedp.Evaluate(dblClickJS, &clicked)); err == nil && clicked {
		if _, cerr := d.waitForComposer(ctx, bctx, 5*time.Second); cerr == nil {
			logger.G(ctx).WithField("strategy", "dblclick").Debug("chat opened from search")
			return nil
		}
	}

	return newError(ErrSelectorMissed, "find_and_open_chat", errors.Errorf("could not open %q from search", chatID))
}

// KindOf extracts the driver error kind, defaulting to send_failed for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ErrSendFailed
}
