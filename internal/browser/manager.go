// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/bus"
	"github.com/xkilldash9x/payslip-cli/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager owns the Chromium process and the sessions opened on it.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	allocCtx    context.Context
	allocCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewManager prepares an exec allocator derived from ctx. Chromium starts with the first session.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) *Manager {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, ExecOptions(cfg.Browser)...)
	m := &Manager{
		logger:      logger.Named("browser_manager"),
		cfg:         cfg,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		sessions:    make(map[string]*Session),
	}
	m.logger.Debug("Browser manager created.", zap.Bool("headless", cfg.Browser.Headless))
	return m
}

// NewSession opens a tab, wires interception and page events, and installs pageScripts.
func (m *Manager) NewSession(ctx context.Context, observer Observer, events *bus.Bus, pageScripts ...string) (*Session, error) {
	opts := []chromedp.ContextOption{chromedp.WithLogf(m.logger.Sugar().Debugf)}
	if m.cfg.Browser.Debug {
		opts = append(opts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(m.allocCtx, opts...)

	m.wg.Add(1)
	var session *Session
	session = NewSession(tabCtx, tabCancel, m.cfg, m.logger, observer, events, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sessions, session.ID())
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", session.ID()))
	})

	if err := session.Initialize(ctx, pageScripts...); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = session.Close(cleanupCtx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Info("New browser session created.", zap.String("session_id", session.ID()))
	return session, nil
}

// Shutdown closes every session and waits for Chromium to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Debug("Shutting down browser manager.")

	m.mu.RLock()
	sessionsToClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
	}
	m.mu.RUnlock()

	for _, s := range sessionsToClose {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	// chromedp.Cancel blocks until the browser exits, so bound it.
	exited := make(chan error, 1)
	go func() { exited <- chromedp.Cancel(m.allocCtx) }()

	var shutdownErr error
	select {
	case err := <-exited:
		if err != nil && err != context.Canceled {
			shutdownErr = fmt.Errorf("failed to stop browser: %w", err)
		}
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Browser did not exit in time.", zap.Duration("grace_period", shutdownGracePeriod))
	}
	m.allocCancel()

	m.logger.Debug("Browser manager shutdown complete.")
	return shutdownErr
}

// allocatorFlags lists the Chromium command line flags for cfg.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":                          true,
		"disable-gpu":                         true,
		"no-first-run":                        true,
		"no-default-browser-check":            true,
		"disable-dev-shm-usage":               true,
		"disable-blink-features":              "AutomationControlled",
		"disable-popup-blocking":              true,
		"disable-background-timer-throttling": true,
	}

	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.DisableCache {
		flags["disk-cache-size"] = "0"
		flags["media-cache-size"] = "0"
		flags["disable-cache"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}
	if cfg.UserDataDir != "" {
		flags["user-data-dir"] = cfg.UserDataDir
	}

	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			flags[key] = value
		} else {
			flags[key] = true
		}
	}
	return flags
}

// ExecOptions builds the exec allocator options for cfg.
func ExecOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]chromedp.ExecAllocatorOption, 0, len(keys)+1)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}
	if ua := cfg.Persona.UserAgent; ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	return opts
}
