// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/browser/stealth"
	"github.com/xkilldash9x/payslip-cli/internal/bus"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/waitfor"
)

const defaultNavigationTimeout = 60 * time.Second

// Session is a single Chromium tab driven over CDP. It implements Page.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    *config.Config

	persona  stealth.Persona
	observer Observer
	events   *bus.Bus
	listener *networkListener

	pageEvents chan string
	wg         sync.WaitGroup

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

var _ Page = (*Session)(nil)

// NewSession wraps a chromedp tab context. observer receives intercepted
// network traffic and events receives page events; either may be nil.
func NewSession(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *config.Config,
	logger *zap.Logger,
	observer Observer,
	events *bus.Bus,
	onClose func(),
) *Session {
	sessionID := uuid.New().String()
	return &Session{
		id:         sessionID,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(zap.String("session_id", sessionID)),
		cfg:        cfg,
		persona:    stealth.FromConfig(cfg.Browser.Persona),
		observer:   observer,
		events:     events,
		pageEvents: make(chan string, pageEventQueueSize),
		onClose:    onClose,
	}
}

// Initialize connects the tab, starts network interception, applies the
// persona and installs pageScripts on every new document.
func (s *Session) Initialize(ctx context.Context, pageScripts ...string) error {
	// 1. Ensure the target (tab) is created and CDP is connected.
	if err := chromedp.Run(s.ctx); err != nil {
		return fmt.Errorf("failed to initialize browser context/target connection: %w", err)
	}

	// 2. Network interception.
	if s.observer != nil {
		s.listener = newNetworkListener(s.ctx, s.logger, s.observer, s.cfg.Network.BodyFetchTimeout, s.fetchResponseBody)
		chromedp.ListenTarget(s.ctx, s.listener.handle)
	}

	tasks := chromedp.Tasks{network.Enable()}
	if s.cfg.Browser.DisableCache {
		tasks = append(tasks, network.SetCacheDisabled(true))
	}

	// 3. Stealth evasions and persona spoofing.
	tasks = append(tasks, stealth.Apply(s.persona, s.logger)...)
	if err := s.runActions(ctx, tasks); err != nil {
		return fmt.Errorf("failed to run session initialization tasks: %w", err)
	}

	// 4. Page event channel.
	if err := s.exposeBinding(ctx, PageEventBinding); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.dispatchPageEvents()

	for _, script := range pageScripts {
		if err := s.InjectScriptPersistently(ctx, script); err != nil {
			return err
		}
	}

	s.logger.Debug("Session initialized.", zap.Int("page_scripts", len(pageScripts)))
	return nil
}

// fetchResponseBody reads a body outside the caller's lifetime but within the session's.
func (s *Session) fetchResponseBody(ctx context.Context, id network.RequestID) ([]byte, error) {
	var body []byte
	err := s.runBackground(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(c)
		return err
	}))
	return body, err
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Close stops interception and terminates the tab.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	if s.listener != nil {
		s.listener.stop(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// -- Navigation --

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating", zap.String("url", url))
	return s.navigation(ctx, "navigate", url, chromedp.Navigate(url))
}

// Reload reloads the current document.
func (s *Session) Reload(ctx context.Context) error {
	return s.navigation(ctx, "reload", "", chromedp.Reload())
}

func (s *Session) navigation(ctx context.Context, op, detail string, action chromedp.Action) error {
	timeout := s.cfg.Network.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.runActions(navCtx, action); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return errs.Wrap(err, errs.CodeNavigationTimeout, op, detail)
		}
		return fmt.Errorf("%s %s: %w", op, detail, err)
	}

	if wait := s.cfg.Network.PostLoadWait; wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CurrentURL returns the document location.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.runActions(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return url, nil
}

// -- DOM --

// IsElementPresent reports whether a matching element exists right now.
func (s *Session) IsElementPresent(ctx context.Context, selector string, opts ...QueryOption) (bool, error) {
	q := ResolveQuery(opts...)
	var present bool
	if err := s.Evaluate(ctx, PresenceScript(selector, q.IncludesText), &present); err != nil {
		return false, err
	}
	return present, nil
}

// WaitForElement polls until a matching element exists.
func (s *Session) WaitForElement(ctx context.Context, selector string, opts ...QueryOption) error {
	q := ResolveQuery(opts...)
	check := func(c context.Context) (bool, error) {
		return s.IsElementPresent(c, selector, WithText(q.IncludesText))
	}
	err := waitfor.Until(ctx, "element "+selector, check, waitfor.Options{Interval: q.Interval, Timeout: q.Timeout, TolerateErrors: true})
	if waitfor.IsTimeout(err) {
		return errs.Wrap(err, errs.CodeNavigationTimeout, "wait for element", selector)
	}
	return err
}

// Click waits for the element and clicks it.
func (s *Session) Click(ctx context.Context, selector string, opts ...QueryOption) error {
	if err := s.WaitForElement(ctx, selector, opts...); err != nil {
		return err
	}
	q := ResolveQuery(opts...)
	var clicked bool
	if err := s.Evaluate(ctx, ClickScript(selector, q.IncludesText), &clicked); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	if !clicked {
		return fmt.Errorf("click %s: element disappeared before the click", selector)
	}
	return nil
}

// FillText replaces the value of an input by typing into it.
func (s *Session) FillText(ctx context.Context, selector, value string) error {
	if err := s.WaitForElement(ctx, selector); err != nil {
		return err
	}
	err := s.runActions(ctx,
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

// Evaluate runs script, awaiting a returned promise, and decodes the result into res.
func (s *Session) Evaluate(ctx context.Context, script string, res any) error {
	return s.runActions(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// -- Local storage --

// LocalStorageGet returns the value stored under key and whether it exists.
func (s *Session) LocalStorageGet(ctx context.Context, key string) (string, bool, error) {
	var res LocalStorageGetResult
	if err := s.Evaluate(ctx, LocalStorageGetScript(key), &res); err != nil {
		return "", false, fmt.Errorf("localStorage get %q: %w", key, err)
	}
	return res.Value, res.Found, nil
}

// LocalStorageSet stores value under key.
func (s *Session) LocalStorageSet(ctx context.Context, key, value string) error {
	if err := s.Evaluate(ctx, LocalStorageSetScript(key, value), nil); err != nil {
		return fmt.Errorf("localStorage set %q: %w", key, err)
	}
	return nil
}

// LocalStorageClear removes every key.
func (s *Session) LocalStorageClear(ctx context.Context) error {
	return s.Evaluate(ctx, LocalStorageClearScript, nil)
}

// LocalStorageLen counts the stored keys.
func (s *Session) LocalStorageLen(ctx context.Context) (int, error) {
	var n int
	if err := s.Evaluate(ctx, LocalStorageLenScript, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// SetVisible brings the tab to the front. A headless browser has no window to show.
func (s *Session) SetVisible(ctx context.Context, visible bool) error {
	if !visible {
		return nil
	}
	if s.cfg.Browser.Headless {
		s.logger.Warn("Human interaction requested but the browser is headless.")
	}
	return s.runActions(ctx, page.BringToFront())
}

// runActions executes chromedp.Actions, ensuring they respect both the session lifetime (s.ctx)
// and the incoming request context (ctx).
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}

// runBackground executes actions bound by ctx only, keeping the session's CDP values.
func (s *Session) runBackground(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(Detach(s.ctx), ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}
