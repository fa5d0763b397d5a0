package accounts

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/site"
	"github.com/xkilldash9x/payslip-cli/internal/waitfor"
)

// Interceptor is the part of the interception registry the selector uses.
type Interceptor interface {
	Await(ctx context.Context, label string, timeout time.Duration) (interception.Response, error)
	Clear(labels ...string)
}

// Switcher changes the portal's active contract.
type Switcher struct {
	page                browser.Page
	registry            Interceptor
	site                site.Adapter
	cfg                 config.AccountsConfig
	interceptionTimeout time.Duration
	logger              *zap.Logger
}

// NewSwitcher builds a Switcher.
func NewSwitcher(page browser.Page, registry Interceptor, adapter site.Adapter, cfg config.AccountsConfig, interceptionTimeout time.Duration, logger *zap.Logger) *Switcher {
	return &Switcher{
		page:                page,
		registry:            registry,
		site:                adapter,
		cfg:                 cfg,
		interceptionTimeout: interceptionTimeout,
		logger:              logger.Named("accounts"),
	}
}

func (s *Switcher) readbackOpts() waitfor.Options {
	return waitfor.Options{Interval: s.cfg.ReadbackInterval, Timeout: s.cfg.ReadbackTimeout}
}

// ShowAccountSwitchPage forces the account choice page by clearing local
// storage, then returns every account of the intercepted account list.
func (s *Switcher) ShowAccountSwitchPage(ctx context.Context) ([]schemas.Account, error) {
	defer observability.StartStep(s.logger, "showAccountSwitchPage")()

	current, err := s.page.CurrentURL(ctx)
	if err != nil {
		return nil, err
	}
	s.registry.Clear(site.LabelAccountList)

	if err := s.page.LocalStorageClear(ctx); err != nil {
		return nil, fmt.Errorf("clearing local storage: %w", err)
	}
	if err := s.waitForClearedLocalStorage(ctx); err != nil {
		return nil, err
	}

	base := s.site.URLs().Base
	if current != base {
		err = s.page.Navigate(ctx, base)
	} else {
		err = s.page.Reload(ctx)
	}
	if err != nil {
		return nil, err
	}

	resp, err := s.registry.Await(ctx, site.LabelAccountList, s.interceptionTimeout)
	if err != nil {
		return nil, err
	}
	accounts, err := ParseAccounts(resp.Body)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Account list received", zap.Int("accounts", len(accounts)))
	return accounts, nil
}

// Some pages act before the clear is durable, so wait for an empty storage.
func (s *Switcher) waitForClearedLocalStorage(ctx context.Context) error {
	defer observability.StartStep(s.logger, "waitForClearedLocalStorage")()

	err := waitfor.Until(ctx, "cleared localStorage", func(c context.Context) (bool, error) {
		n, err := s.page.LocalStorageLen(c)
		return n == 0, err
	}, s.readbackOpts())
	if waitfor.IsTimeout(err) {
		return errs.Wrap(err, errs.CodeStateMismatch, "waitForClearedLocalStorage", "localStorage still holds keys")
	}
	return err
}

// SwitchActiveAccount makes account the active contract and returns its
// contract context. The stored choice is read back before and after the
// reload; a mismatch past the bound is an errs.CodeStateMismatch error.
func (s *Switcher) SwitchActiveAccount(ctx context.Context, account schemas.Account) (schemas.ContractContext, error) {
	defer observability.StartStep(s.logger, "switchActiveAccount", zap.String("company", account.CompanyName))()

	var contract schemas.ContractContext
	s.registry.Clear(site.LabelUserInfos)

	if err := s.page.LocalStorageSet(ctx, s.site.AccountChoiceKey(), string(account.Raw)); err != nil {
		return contract, fmt.Errorf("writing account choice: %w", err)
	}
	if err := s.waitForAccountInLocalStorage(ctx, account); err != nil {
		return contract, err
	}

	if err := s.page.Navigate(ctx, s.site.URLs().Base); err != nil {
		return contract, err
	}
	if err := s.page.Reload(ctx); err != nil {
		return contract, err
	}
	if err := s.waitForAccountInLocalStorage(ctx, account); err != nil {
		return contract, err
	}

	resp, err := s.registry.Await(ctx, site.LabelUserInfos, s.interceptionTimeout)
	if err != nil {
		return contract, err
	}
	if err := resp.Decode(&contract); err != nil {
		return contract, fmt.Errorf("decoding contract context: %w", err)
	}
	s.logger.Info("Active account switched",
		zap.String("company", account.CompanyName),
		zap.String("contract", contract.ContractName),
		zap.String("contract_start", contract.ContractStartDate))
	return contract, nil
}

func (s *Switcher) waitForAccountInLocalStorage(ctx context.Context, want schemas.Account) error {
	defer observability.StartStep(s.logger, "waitForAccountInLocalStorage")()

	key := s.site.AccountChoiceKey()
	err := waitfor.Until(ctx, "account in localStorage", func(c context.Context) (bool, error) {
		value, found, err := s.page.LocalStorageGet(c, key)
		if err != nil || !found {
			return false, err
		}
		var got schemas.RawAccount
		if err := json.UnmarshalFromString(value, &got); err != nil {
			return false, nil
		}
		return got.Account.CompanyID == want.CompanyID && got.Account.EmployeeID == want.EmployeeID, nil
	}, s.readbackOpts())
	if waitfor.IsTimeout(err) {
		return errs.Wrap(err, errs.CodeStateMismatch, "waitForAccountInLocalStorage",
			fmt.Sprintf("company %s employee %s", want.CompanyID, want.EmployeeID))
	}
	return err
}
