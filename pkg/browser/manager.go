// Package browser drives WhatsApp Web through a persistent Chrome profile.
// The profile directory is the source of truth for the session; a lock file
// keeps two agent processes from fighting over it.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"github.com/hmunoz/wagent/pkg/logger"
)

const whatsappURL = "https://web.whatsapp.com"

// Manager owns the browser context and its lifecycle.
type Manager struct {
	profileDir string
	headless   bool

	mutex     sync.Mutex
	ctx       context.Context
	cancelCtx context.CancelFunc
	allocCtx  context.Context
	cancelAll context.CancelFunc
	isActive  bool
	lockPath  string
}

// NewManager creates a manager over the given profile directory.
func NewManager(profileDir string, headless bool) *Manager {
	return &Manager{profileDir: profileDir, headless: headless}
}

// Start launches the browser on the persistent profile and navigates to
// WhatsApp Web. A second process on the same profile is rejected.
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.isActive {
		return nil
	}

	if err := os.MkdirAll(m.profileDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create profile directory")
	}
	if err := m.acquireLock(); err != nil {
		return err
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.UserDataDir(m.profileDir),

		chromedp.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		chromedp.WindowSize(1920, 1080),

		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),

		chromedp.Flag("lang", "es-MX,es"),
		chromedp.Flag("accept-lang", "es-MX,es;q=0.9"),
	}
	if m.headless {
		opts = append(opts, chromedp.Headless)
	}

	allocCtx, cancelAll := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx,
		chromedp.Evaluate(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined});`, nil),
		chromedp.Navigate(whatsappURL),
	); err != nil {
		cancelCtx()
		cancelAll()
		m.releaseLock()
		return errors.Wrap(err, "failed to start browser")
	}

	m.allocCtx = allocCtx
	m.cancelAll = cancelAll
	m.ctx = browserCtx
	m.cancelCtx = cancelCtx
	m.isActive = true

	logger.G(ctx).WithField("profile", m.profileDir).Info("browser started")
	return nil
}

// Stop shuts the browser down. With keepOpen the Chrome process is left
// running and only the lock is released.
func (m *Manager) Stop(keepOpen bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.isActive {
		return
	}

	if !keepOpen {
		if m.cancelCtx != nil {
			m.cancelCtx()
		}
		if m.cancelAll != nil {
			m.cancelAll()
		}
	}
	m.releaseLock()

	m.isActive = false
	m.ctx = nil
	m.cancelCtx = nil
	m.allocCtx = nil
	m.cancelAll = nil
}

// GetContext returns the live browser context, or nil when stopped.
func (m *Manager) GetContext() context.Context {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ctx
}

// IsActive reports whether the browser is running.
func (m *Manager) IsActive() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.isActive
}

// EnsureActive starts the browser if it is not already running.
func (m *Manager) EnsureActive(ctx context.Context) error {
	if !m.IsActive() {
		return m.Start(ctx)
	}
	return nil
}

func (m *Manager) acquireLock() error {
	lockPath := filepath.Join(m.profileDir, ".wagent.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return errors.Errorf("profile %s is locked by another instance (remove %s if stale)", m.profileDir, lockPath)
		}
		return errors.Wrap(err, "failed to create profile lock")
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	m.lockPath = lockPath
	return nil
}

func (m *Manager) releaseLock() {
	if m.lockPath != "" {
		os.Remove(m.lockPath)
		m.lockPath = ""
	}
}
