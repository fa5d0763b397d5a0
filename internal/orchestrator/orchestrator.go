// Package orchestrator runs one harvest end to end: run record, mode
// decision, login, account iteration, identity and credential persistence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/accounts"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/harvest"
	"github.com/xkilldash9x/payslip-cli/internal/runmode"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

// Authenticator brings the browser session to a logged in state.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context, accountHint string) (bool, error)
	CapturedCredentials() *schemas.Credentials
}

// AccountSwitcher changes the active contract.
type AccountSwitcher interface {
	ShowAccountSwitchPage(ctx context.Context) ([]schemas.Account, error)
	SwitchActiveAccount(ctx context.Context, account schemas.Account) (schemas.ContractContext, error)
	PickerEntries(ctx context.Context) ([]site.PickerEntry, error)
	SelectPickerEntry(ctx context.Context, entry site.PickerEntry) (schemas.Account, schemas.ContractContext, error)
}

// PayslipHarvester fetches the payslips of the active contract.
type PayslipHarvester interface {
	Harvest(ctx context.Context, req harvest.Request) (harvest.Result, error)
}

// IdentityExtractor reads the profile of the logged in user.
type IdentityExtractor interface {
	Extract(ctx context.Context) (schemas.IdentityRecord, error)
}

// CredentialStore reads and writes the stored login pair.
type CredentialStore interface {
	GetCredentials(ctx context.Context) (*schemas.Credentials, error)
	SaveCredentials(ctx context.Context, creds schemas.Credentials) error
}

// IdentitySink persists identity records.
type IdentitySink interface {
	SaveIdentity(ctx context.Context, sourceAccount string, record schemas.IdentityRecord) error
}

// RunStore keeps the run history the mode decision is based on.
type RunStore interface {
	TriggerState(ctx context.Context) (schemas.TriggerState, error)
	StartRun(ctx context.Context, fullRefresh bool, reason string) (string, error)
	FinishRun(ctx context.Context, id, sourceAccount string, documents int, runErr error) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Auth        Authenticator
	Switcher    AccountSwitcher
	Harvester   PayslipHarvester
	Identity    IdentityExtractor
	Credentials CredentialStore
	Identities  IdentitySink
	Runs        RunStore
}

// Summary reports what a run did.
type Summary struct {
	RunID         string
	SourceAccount string
	Mode          runmode.Mode
	Accounts      int
	Documents     int
}

// Orchestrator sequences a run.
type Orchestrator struct {
	cfg    *config.Config
	mode   site.SwitchMode
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New builds an Orchestrator. mode selects storage or picker account iteration.
func New(cfg *config.Config, mode site.SwitchMode, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || logger == nil ||
		deps.Auth == nil || deps.Switcher == nil || deps.Harvester == nil ||
		deps.Identity == nil || deps.Credentials == nil || deps.Identities == nil || deps.Runs == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:    cfg,
		mode:   mode,
		deps:   deps,
		logger: logger.Named("orchestrator"),
		now:    time.Now,
	}, nil
}

// Run executes one harvest. The run record is finished whatever the outcome;
// captured credentials are only saved when the run succeeds.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	state, err := o.deps.Runs.TriggerState(ctx)
	if err != nil {
		return sum, fmt.Errorf("reading run history: %w", err)
	}
	sum.Mode = runmode.Decide(state, o.now(), o.cfg.Run.FullRefreshAfter, o.cfg.Run.ForceFullRefresh)
	o.logger.Info("Run mode decided", zap.Bool("full_refresh", sum.Mode.FullRefresh), zap.String("reason", sum.Mode.Reason))

	sum.RunID, err = o.deps.Runs.StartRun(ctx, sum.Mode.FullRefresh, sum.Mode.Reason)
	if err != nil {
		return sum, fmt.Errorf("recording run start: %w", err)
	}

	runErr := o.run(ctx, &sum)

	// The run record must be closed even when ctx was cancelled.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.deps.Runs.FinishRun(finishCtx, sum.RunID, sum.SourceAccount, sum.Documents, runErr); err != nil {
		o.logger.Error("Failed to record run end", zap.String("run_id", sum.RunID), zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		o.logger.Error("Run failed",
			zap.String("run_id", sum.RunID),
			zap.String("code", string(errs.CodeOf(runErr))),
			zap.Int("documents", sum.Documents),
			zap.Error(runErr))
		return sum, runErr
	}
	o.logger.Info("Run finished",
		zap.String("run_id", sum.RunID),
		zap.Int("accounts", sum.Accounts),
		zap.Int("documents", sum.Documents))
	return sum, nil
}

func (o *Orchestrator) run(ctx context.Context, sum *Summary) error {
	stored, err := o.deps.Credentials.GetCredentials(ctx)
	if err != nil {
		return fmt.Errorf("reading stored credentials: %w", err)
	}
	hint := ""
	if stored != nil {
		hint = stored.Email
	}

	if _, err := o.deps.Auth.EnsureAuthenticated(ctx, hint); err != nil {
		return err
	}

	accountList, err := o.deps.Switcher.ShowAccountSwitchPage(ctx)
	if err != nil {
		return err
	}

	captured := o.deps.Auth.CapturedCredentials()
	switch {
	case captured != nil && captured.Email != "":
		sum.SourceAccount = captured.Email
	case hint != "":
		sum.SourceAccount = hint
	default:
		return errs.New(errs.CodeIdentityIncomplete, "orchestrator.sourceAccount", "no captured or stored login email")
	}

	if o.mode == site.SwitchPicker {
		err = o.harvestPicker(ctx, sum)
	} else {
		err = o.harvestAccounts(ctx, sum, accountList)
	}
	if err != nil {
		return err
	}

	if sum.Mode.FullRefresh {
		record, err := o.deps.Identity.Extract(ctx)
		if err != nil {
			return err
		}
		if err := o.deps.Identities.SaveIdentity(ctx, sum.SourceAccount, record); err != nil {
			return fmt.Errorf("saving identity: %w", err)
		}
	}

	if captured != nil {
		if err := o.deps.Credentials.SaveCredentials(ctx, *captured); err != nil {
			return fmt.Errorf("saving credentials: %w", err)
		}
		o.logger.Info("Captured credentials saved", zap.String("account", captured.Email))
	}
	return nil
}

func (o *Orchestrator) harvestAccounts(ctx context.Context, sum *Summary, accountList []schemas.Account) error {
	selected := accounts.SelectAccounts(accountList, sum.Mode.FullRefresh, o.cfg.Accounts.ExcludedRoles)
	o.logger.Info("Accounts selected", zap.Int("listed", len(accountList)), zap.Int("selected", len(selected)))

	for i, account := range selected {
		contract, err := o.deps.Switcher.SwitchActiveAccount(ctx, account)
		if err != nil {
			return fmt.Errorf("account %d/%d %s: %w", i+1, len(selected), account.CompanyName, err)
		}
		if err := o.harvest(ctx, sum, account, contract); err != nil {
			return fmt.Errorf("account %d/%d %s: %w", i+1, len(selected), account.CompanyName, err)
		}
	}
	return nil
}

func (o *Orchestrator) harvestPicker(ctx context.Context, sum *Summary) error {
	var tracker accounts.PickerTracker
	for i := 0; ; i++ {
		if i > 0 {
			if _, err := o.deps.Switcher.ShowAccountSwitchPage(ctx); err != nil {
				return err
			}
		}
		entries, err := o.deps.Switcher.PickerEntries(ctx)
		if err != nil {
			return err
		}
		entry, ok := tracker.DetermineContractToSelect(entries, sum.Mode.FullRefresh, o.now())
		if !ok {
			o.logger.Info("No contract left to open", zap.Strings("visited", tracker.Visited()))
			return nil
		}

		account, contract, err := o.deps.Switcher.SelectPickerEntry(ctx, entry)
		if err != nil {
			return fmt.Errorf("contract %q: %w", entry.Label(), err)
		}
		if err := o.harvest(ctx, sum, account, contract); err != nil {
			return fmt.Errorf("contract %q: %w", entry.Label(), err)
		}
	}
}

func (o *Orchestrator) harvest(ctx context.Context, sum *Summary, account schemas.Account, contract schemas.ContractContext) error {
	res, err := o.deps.Harvester.Harvest(ctx, harvest.Request{
		Account:       account,
		Contract:      contract,
		SourceAccount: sum.SourceAccount,
		FullRefresh:   sum.Mode.FullRefresh,
	})
	sum.Documents += res.Documents
	if err != nil {
		return err
	}
	sum.Accounts++
	return nil
}

// IsInterrupted reports whether err comes from the run being cancelled.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
