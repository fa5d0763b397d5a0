package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/internal/accounts"
	"github.com/xkilldash9x/payslip-cli/internal/auth"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/bus"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/download"
	"github.com/xkilldash9x/payslip-cli/internal/harvest"
	"github.com/xkilldash9x/payslip-cli/internal/identity"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/orchestrator"
	"github.com/xkilldash9x/payslip-cli/internal/sink"
	"github.com/xkilldash9x/payslip-cli/internal/site"
	"github.com/xkilldash9x/payslip-cli/internal/store"
	"github.com/xkilldash9x/payslip-cli/internal/vault"
)

const eventBufferSize = 16

// browserComponents is everything needed to drive the portal.
type browserComponents struct {
	Adapter  site.Adapter
	Registry *interception.Registry
	Events   *bus.Bus
	Manager  *browser.Manager
	Session  *browser.Session
	Vault    *vault.Vault
	Switcher *accounts.Switcher
	Machine  *auth.Machine

	stopListening func()
}

// Shutdown stops the listeners and closes the browser.
func (bc *browserComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if bc.stopListening != nil {
		bc.stopListening()
	}
	if bc.Manager != nil {
		if err := bc.Manager.Shutdown(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if bc.Events != nil {
		bc.Events.Shutdown()
	}
}

// initializeBrowserComponents starts Chromium and wires interception, page
// events and the login machine onto one tab.
func initializeBrowserComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*browserComponents, error) {
	bc := &browserComponents{}

	adapter, err := site.New(cfg.Site.Revision)
	if err != nil {
		return nil, err
	}
	bc.Adapter = adapter
	logger.Info("Portal adapter selected",
		zap.String("revision", adapter.Revision()),
		zap.String("switch_mode", string(adapter.SwitchMode())))

	bc.Registry = interception.NewRegistry(logger)
	if err := bc.Registry.RegisterAll(adapter.Patterns()); err != nil {
		return nil, fmt.Errorf("registering interception patterns: %w", err)
	}
	bc.Events = bus.New(logger, eventBufferSize)
	bc.Vault = vault.New(cfg.Vault.Path, cfg.Vault.Passphrase, logger)

	bc.Manager = browser.NewManager(ctx, cfg, logger)
	bc.Session, err = bc.Manager.NewSession(ctx, bc.Registry, bc.Events, adapter.PageScripts()...)
	if err != nil {
		return bc, fmt.Errorf("failed to open browser session: %w", err)
	}

	bc.Switcher = accounts.NewSwitcher(bc.Session, bc.Registry, adapter, cfg.Accounts, cfg.Network.InterceptionTimeout, logger)
	bc.Machine = auth.New(bc.Session, adapter, bc.Vault, bc.Switcher, cfg.Auth, logger)
	bc.stopListening = bc.Machine.Listen(bc.Events)
	return bc, nil
}

// fetchComponents adds persistence and harvesting to the browser components.
type fetchComponents struct {
	*browserComponents
	DBPool       *pgxpool.Pool
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
}

// Shutdown closes the browser, then the database pool.
func (fc *fetchComponents) Shutdown() {
	if fc.browserComponents != nil {
		fc.browserComponents.Shutdown()
	}
	if fc.DBPool != nil {
		fc.DBPool.Close()
	}
}

// openStore connects to PostgreSQL and makes sure the schema exists.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, *store.Store, error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (PAYSLIP_DATABASE_URL)")
	}
	dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	dbStore, err := store.New(ctx, dbPool, logger)
	if err != nil {
		dbPool.Close()
		return nil, nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	if err := dbStore.EnsureSchema(ctx); err != nil {
		dbPool.Close()
		return nil, nil, err
	}
	return dbPool, dbStore, nil
}

// initializeFetchComponents handles dependency injection for a harvest run.
func initializeFetchComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*fetchComponents, error) {
	fc := &fetchComponents{}
	if err := cfg.ValidateFetch(); err != nil {
		return fc, err
	}

	var err error
	fc.DBPool, fc.Store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return fc, err
	}

	fc.browserComponents, err = initializeBrowserComponents(ctx, cfg, logger)
	if err != nil {
		return fc, err
	}

	downloader := download.New(cfg.Download, cfg.Browser.Persona.UserAgent, nil, logger)
	fileSink := sink.NewFileSink(cfg.Download.OutputDir, fc.Store, downloader, logger)

	harvester := harvest.New(fc.Session, fc.Registry, fc.Adapter, fileSink, cfg.Harvest, cfg.Network.InterceptionTimeout, logger)
	extractor := identity.NewExtractor(fc.Session, fc.Registry, fc.Adapter, cfg.Network.InterceptionTimeout, logger)

	fc.Orchestrator, err = orchestrator.New(cfg, fc.Adapter.SwitchMode(), orchestrator.Deps{
		Auth:        fc.Machine,
		Switcher:    fc.Switcher,
		Harvester:   harvester,
		Identity:    extractor,
		Credentials: fc.Vault,
		Identities:  fileSink,
		Runs:        fc.Store,
	}, logger)
	if err != nil {
		return fc, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return fc, nil
}
