// internal/auth/machine.go
package auth

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/bus"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/site"
	"github.com/xkilldash9x/payslip-cli/internal/waitfor"
)

// CredentialSource supplies stored credentials; nil means none are stored.
type CredentialSource interface {
	GetCredentials(ctx context.Context) (*schemas.Credentials, error)
}

// SwitchPage opens the account switch page, which exposes the logout menu.
type SwitchPage interface {
	ShowAccountSwitchPage(ctx context.Context) ([]schemas.Account, error)
}

// Machine drives the portal's login protocol on a page.
type Machine struct {
	page       browser.Page
	site       site.Adapter
	creds      CredentialSource
	switchPage SwitchPage
	cfg        config.AuthConfig
	logger     *zap.Logger

	mu        sync.Mutex
	state     State
	captured  *schemas.Credentials
	blocked   bool
	listening sync.WaitGroup
}

// New builds a Machine. switchPage may be nil when logout is never needed.
func New(page browser.Page, adapter site.Adapter, creds CredentialSource, switchPage SwitchPage, cfg config.AuthConfig, logger *zap.Logger) *Machine {
	return &Machine{
		page:       page,
		site:       adapter,
		creds:      creds,
		switchPage: switchPage,
		cfg:        cfg,
		logger:     logger.Named("auth"),
	}
}

// State returns the last observed state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("Session state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// CapturedCredentials returns the pair typed into the login form during this run, if any.
func (m *Machine) CapturedCredentials() *schemas.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captured == nil {
		return nil
	}
	c := *m.captured
	return &c
}

// InteractionsBlocked reports whether a submitted login is awaiting the portal's verdict.
func (m *Machine) InteractionsBlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// Listen consumes login page events from events until the returned stop func is called.
func (m *Machine) Listen(events *bus.Bus) (stop func()) {
	msgs, unsubscribe := events.Subscribe(bus.TopicLoginSubmit, bus.TopicLoginError)
	done := make(chan struct{})

	m.listening.Add(1)
	go func() {
		defer m.listening.Done()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				m.handleEvent(msg)
				events.Acknowledge(msg)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(done)
			m.listening.Wait()
		})
	}
}

func (m *Machine) handleEvent(msg bus.Message) {
	switch payload := msg.Payload.(type) {
	case bus.LoginSubmit:
		m.mu.Lock()
		m.blocked = true
		if payload.Email != "" && payload.Password != "" {
			m.captured = &schemas.Credentials{Email: payload.Email, Password: payload.Password}
		}
		m.mu.Unlock()
		m.logger.Info("Login form submitted, blocking user interactions.", zap.Bool("credentials_captured", payload.Email != "" && payload.Password != ""))
	case bus.LoginError:
		m.mu.Lock()
		m.blocked = false
		m.mu.Unlock()
		m.logger.Info("Login rejected, unblocking user interactions.", zap.String("message", payload.Message))
	}
}

// DetectState reads the current state from the DOM markers.
func (m *Machine) DetectState(ctx context.Context) (State, error) {
	l := m.site.Login()
	markers := []struct {
		selector string
		state    State
	}{
		{l.TwoFactor, AwaitingTwoFactor},
		{l.AccountSelection, AccountSelectionPending},
		{l.Home, Authenticated},
		{l.Username, AwaitingCredentials},
		{l.Password, AwaitingCredentials},
	}
	for _, mk := range markers {
		present, err := m.page.IsElementPresent(ctx, mk.selector)
		if err != nil {
			return Unauthenticated, fmt.Errorf("detecting session state: %w", err)
		}
		if present {
			m.setState(mk.state)
			return mk.state, nil
		}
	}
	m.setState(Unauthenticated)
	return Unauthenticated, nil
}

func (m *Machine) markerOpts() waitfor.Options {
	return waitfor.Options{
		Interval:       m.cfg.PollInterval,
		Timeout:        m.cfg.MarkerTimeout,
		TolerateErrors: true,
		OnError:        m.logPollError,
	}
}

func (m *Machine) logPollError(condition string, err error) {
	m.logger.Debug("Marker check failed; polling again.", zap.String("condition", condition), zap.Error(err))
}

func (m *Machine) present(selector string) waitfor.Check {
	return func(ctx context.Context) (bool, error) {
		return m.page.IsElementPresent(ctx, selector)
	}
}

// navigateToLoginForm opens the portal and waits for the login form or an authenticated marker.
func (m *Machine) navigateToLoginForm(ctx context.Context) error {
	defer observability.StartStep(m.logger, "navigateToLoginForm")()

	if err := m.page.Navigate(ctx, m.site.URLs().Base); err != nil {
		return err
	}
	l := m.site.Login()
	winner, err := waitfor.Race(ctx, "navigateToLoginForm: waiting for default page load", m.markerOpts(),
		waitfor.Condition{Name: l.Username, Check: m.present(l.Username)},
		waitfor.Condition{Name: l.Home, Check: m.present(l.Home)},
		waitfor.Condition{Name: l.AccountSelection, Check: m.present(l.AccountSelection)},
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(err, errs.CodeNavigationTimeout, "navigateToLoginForm", m.site.URLs().Base)
	}
	m.logger.Debug("Login surface ready", zap.String("marker", winner))
	return nil
}

// EnsureAuthenticated brings the session to an authenticated state. Without
// an account hint it first logs out so the login starts from a clean form.
// Human paced steps block until resolved or ctx is cancelled.
func (m *Machine) EnsureAuthenticated(ctx context.Context, accountHint string) (bool, error) {
	defer observability.StartStep(m.logger, "ensureAuthenticated")()

	if accountHint == "" {
		if err := m.EnsureNotAuthenticated(ctx); err != nil {
			return false, err
		}
	}

	l := m.site.Login()
	onForm, err := m.page.IsElementPresent(ctx, l.Username)
	if err != nil {
		return false, err
	}
	if !onForm {
		if err := m.navigateToLoginForm(ctx); err != nil {
			return false, err
		}
	}

	state, err := m.DetectState(ctx)
	if err != nil {
		return false, err
	}
	if !state.LoggedIn() {
		m.logger.Info("Not authenticated")
		if err := m.login(ctx); err != nil {
			return false, err
		}
	}

	twoFactor, err := m.page.IsElementPresent(ctx, l.TwoFactor)
	if err != nil {
		return false, err
	}
	if twoFactor {
		m.setState(AwaitingTwoFactor)
		m.unblock()
		m.logger.Info("Waiting for 2FA ...")
		if err := m.waitForHuman(ctx, "two-factor validation", l.Home, l.AccountSelection); err != nil {
			return false, err
		}
	}
	m.unblock()

	if _, err := m.DetectState(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// login tries stored credentials first and hands over to the user when they are missing or fail.
func (m *Machine) login(ctx context.Context) error {
	creds, err := m.creds.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("reading stored credentials: %w", err)
	}
	if creds == nil {
		m.logger.Info("No stored credentials, waiting for manual login.")
		return m.waitForManualLogin(ctx)
	}

	err = m.autoLogin(ctx, *creds)
	if err == nil {
		m.logger.Info("autoLogin succesful")
		return nil
	}
	if !errs.Is(err, errs.CodeLoginAutomationFailure) {
		return err
	}
	m.logger.Info("Something went wrong with autoLogin, falling back to manual login.", zap.Error(err))
	return m.waitForManualLogin(ctx)
}

// autoLogin types the stored credentials into the two step login form.
func (m *Machine) autoLogin(ctx context.Context, creds schemas.Credentials) error {
	defer observability.StartStep(m.logger, "autoLogin")()

	l := m.site.Login()
	step := func(op string, err error) error {
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(err, errs.CodeLoginAutomationFailure, "autoLogin", op)
	}
	wait := browser.WithTimeout(m.cfg.MarkerTimeout)

	if err := step("wait "+l.Username, m.page.WaitForElement(ctx, l.Username, wait)); err != nil {
		return err
	}
	m.setState(AwaitingCredentials)
	if err := step("fill "+l.Username, m.page.FillText(ctx, l.Username, creds.Email)); err != nil {
		return err
	}
	if err := step("click "+l.SubmitUsername, m.page.Click(ctx, l.SubmitUsername, wait)); err != nil {
		return err
	}
	if err := step("wait "+l.Password, m.page.WaitForElement(ctx, l.Password, wait)); err != nil {
		return err
	}
	if err := step("fill "+l.Password, m.page.FillText(ctx, l.Password, creds.Password)); err != nil {
		return err
	}
	if err := step("click "+l.SubmitPassword, m.page.Click(ctx, l.SubmitPassword, wait)); err != nil {
		return err
	}

	_, err := waitfor.Race(ctx, "autoLogin: waiting for page load after submit", m.markerOpts(),
		waitfor.Condition{Name: l.Home, Check: m.present(l.Home)},
		waitfor.Condition{Name: l.TwoFactor, Check: m.present(l.TwoFactor)},
		waitfor.Condition{Name: l.AccountSelection, Check: m.present(l.AccountSelection)},
	)
	return step("await login result", err)
}

func (m *Machine) waitForManualLogin(ctx context.Context) error {
	l := m.site.Login()
	return m.waitForHuman(ctx, "manual login", l.Home, l.AccountSelection, l.TwoFactor)
}

// waitForHuman shows the browser and polls without bound until one of markers appears.
func (m *Machine) waitForHuman(ctx context.Context, step string, markers ...string) error {
	defer observability.StartStep(m.logger, step)()

	if err := m.page.SetVisible(ctx, true); err != nil {
		return fmt.Errorf("showing browser for %s: %w", step, err)
	}
	check := func(c context.Context) (bool, error) {
		var firstErr error
		for _, sel := range markers {
			ok, err := m.page.IsElementPresent(c, sel)
			if ok {
				return true, nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return false, firstErr
	}
	opts := waitfor.Unbounded(m.cfg.PollInterval)
	opts.OnError = m.logPollError
	if err := waitfor.Until(ctx, step, check, opts); err != nil {
		return err
	}
	if err := m.page.SetVisible(ctx, false); err != nil {
		m.logger.Debug("Could not hide browser.", zap.Error(err))
	}
	return nil
}

func (m *Machine) unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = false
}

// EnsureNotAuthenticated logs out when a session is active and waits for the login form.
func (m *Machine) EnsureNotAuthenticated(ctx context.Context) error {
	defer observability.StartStep(m.logger, "ensureNotAuthenticated")()

	if err := m.navigateToLoginForm(ctx); err != nil {
		return err
	}
	state, err := m.DetectState(ctx)
	if err != nil {
		return err
	}
	if !state.LoggedIn() {
		return nil
	}

	m.logger.Info("Already logged in, logging out")
	if m.switchPage == nil {
		return fmt.Errorf("logout requires the account switch page")
	}
	if _, err := m.switchPage.ShowAccountSwitchPage(ctx); err != nil {
		return fmt.Errorf("opening account switch page for logout: %w", err)
	}

	seq := m.site.Logout()
	label, err := m.logoutLabel(ctx, seq)
	if err != nil {
		return err
	}
	timeout := browser.WithTimeout(m.cfg.LogoutTimeout)
	if err := m.page.Click(ctx, seq.Option, browser.WithText(label), timeout); err != nil {
		return fmt.Errorf("clicking logout option %q: %w", label, err)
	}
	if err := m.page.WaitForElement(ctx, m.site.Login().Username, browser.WithTimeout(m.cfg.MarkerTimeout), browser.WithInterval(m.cfg.PollInterval)); err != nil {
		return err
	}
	m.setState(AwaitingCredentials)
	m.logger.Info("Logout OK")
	return nil
}

// logoutLabel picks the first logout label rendered; the last one is the fallback.
func (m *Machine) logoutLabel(ctx context.Context, seq site.LogoutSequence) (string, error) {
	if len(seq.Labels) == 0 {
		return "", fmt.Errorf("no logout labels configured")
	}
	for _, label := range seq.Labels[:len(seq.Labels)-1] {
		ok, err := m.page.IsElementPresent(ctx, seq.Option, browser.WithText(label))
		if err != nil {
			return "", err
		}
		if ok {
			return label, nil
		}
	}
	return seq.Labels[len(seq.Labels)-1], nil
}
