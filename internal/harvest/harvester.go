// Package harvest collects the payslips of the active contract: it enumerates
// the virtualized listing, resolves signed download URLs in batches and hands
// assembled documents to a sink.
package harvest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/accounts"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

// Interceptor is the part of the interception registry the harvester uses.
type Interceptor interface {
	Await(ctx context.Context, label string, timeout time.Duration) (interception.Response, error)
	AwaitN(ctx context.Context, label string, n int, timeout time.Duration) ([]interception.Response, error)
	Clear(labels ...string)
	Len(label string) int
}

// DocumentSink stores assembled payslips. It owns de-duplication by vendor id.
type DocumentSink interface {
	SaveFiles(ctx context.Context, docs []schemas.PayslipDocument, opts schemas.SaveOptions) error
}

// State is a step of one account's harvest.
type State int

const (
	StateNavigateToListing State = iota
	StateEnumerateIDs
	StateScrollBatch
	StateClickBatch
	StateAwaitSignedURLs
	StateAssembleDocuments
	StatePersist
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNavigateToListing:
		return "NavigateToListing"
	case StateEnumerateIDs:
		return "EnumerateIds"
	case StateScrollBatch:
		return "ScrollBatch"
	case StateClickBatch:
		return "ClickBatch"
	case StateAwaitSignedURLs:
		return "AwaitSignedUrls"
	case StateAssembleDocuments:
		return "AssembleDocuments"
	case StatePersist:
		return "Persist"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request describes the contract to harvest.
type Request struct {
	Account       schemas.Account
	Contract      schemas.ContractContext
	SourceAccount string
	FullRefresh   bool
}

// Result counts what a harvest handed to the sink.
type Result struct {
	Documents int
	Batches   int
}

// Harvester drives the payslip listing of the active contract.
type Harvester struct {
	page                browser.Page
	registry            Interceptor
	site                site.Adapter
	sink                DocumentSink
	cfg                 config.HarvestConfig
	interceptionTimeout time.Duration
	logger              *zap.Logger

	state State
}

// New builds a Harvester.
func New(page browser.Page, registry Interceptor, adapter site.Adapter, sink DocumentSink, cfg config.HarvestConfig, interceptionTimeout time.Duration, logger *zap.Logger) *Harvester {
	return &Harvester{
		page:                page,
		registry:            registry,
		site:                adapter,
		sink:                sink,
		cfg:                 cfg,
		interceptionTimeout: interceptionTimeout,
		logger:              logger.Named("harvest"),
	}
}

// State returns the step the last Harvest reached.
func (h *Harvester) State() State { return h.state }

func (h *Harvester) enter(s State, fields ...zap.Field) {
	h.state = s
	h.logger.Debug("Harvest state", append([]zap.Field{zap.Stringer("state", s)}, fields...)...)
}

// Harvest runs NavigateToListing, EnumerateIds, then one
// ScrollBatch, ClickBatch, AwaitSignedUrls, AssembleDocuments, Persist cycle
// per batch. Batches persisted before a failure stay persisted.
func (h *Harvester) Harvest(ctx context.Context, req Request) (Result, error) {
	defer observability.StartStep(h.logger, "fetchPayslips", zap.String("company", req.Account.CompanyName))()

	var res Result
	h.enter(StateNavigateToListing)
	listing, err := h.navigateToListing(ctx)
	if err != nil {
		return res, err
	}

	if len(listing.Entries) == 0 {
		// Contracts without payslips render an empty-state panel, not the list.
		h.logger.Info("No payslips listed for this contract.")
		h.enter(StateDone, zap.Int("documents", 0), zap.Int("batches", 0))
		return res, nil
	}

	h.enter(StateEnumerateIDs, zap.Int("listed", len(listing.Entries)))
	ids, err := h.Enumerate(ctx, req.FullRefresh)
	if err != nil {
		return res, err
	}
	ids = h.listed(listing, ids)

	// Chronological order puts the newest documents in the highest batch.
	chronological := make([]string, len(ids))
	for i, id := range ids {
		chronological[len(ids)-1-i] = id
	}

	opts := schemas.SaveOptions{
		FileIDAttributes:   []string{"vendorId"},
		ContentType:        pdfContentType,
		QualificationLabel: qualificationLabel,
		SubPath:            accounts.SubPath(req.Account, req.Contract),
		SourceAccount:      req.SourceAccount,
		Token:              listing.Token,
	}

	batches := Partition(chronological, h.cfg.BatchSize)
	for i, batch := range batches {
		signed, err := h.FetchBatch(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}

		h.enter(StateAssembleDocuments, zap.Int("signed", len(signed)))
		entries := make([]ListingEntry, 0, len(batch))
		for _, id := range batch {
			e, _ := listing.Lookup(id)
			entries = append(entries, e)
		}
		docs := Assemble(entries, signed, req.Account.CompanyName, h.site.URLs().FilesAPI)
		if err := unresolved(batch, docs); err != nil {
			return res, fmt.Errorf("batch %d/%d: %w", i+1, len(batches), err)
		}

		h.enter(StatePersist, zap.Int("documents", len(docs)))
		if err := h.sink.SaveFiles(ctx, docs, opts); err != nil {
			return res, fmt.Errorf("saving batch %d/%d: %w", i+1, len(batches), err)
		}
		if extra := h.registry.Len(site.LabelSignedURL); extra > 0 {
			h.logger.Debug("Dropping signed URLs no document claimed.", zap.Int("count", extra))
		}
		h.registry.Clear(site.LabelSignedURL)
		res.Documents += len(docs)
		res.Batches++
	}

	h.enter(StateDone, zap.Int("documents", res.Documents), zap.Int("batches", res.Batches))
	return res, nil
}

func (h *Harvester) navigateToListing(ctx context.Context) (Listing, error) {
	h.registry.Clear(site.LabelFilesList, site.LabelSignedURL)
	if err := h.page.Navigate(ctx, h.site.URLs().Payslips); err != nil {
		return Listing{}, err
	}
	resp, err := h.registry.Await(ctx, site.LabelFilesList, h.interceptionTimeout)
	if err != nil {
		return Listing{}, err
	}
	listing, err := ParseListing(resp)
	if err != nil {
		return Listing{}, err
	}
	if listing.Token == "" {
		h.logger.Warn("Files list request carried no bearer token.")
	}
	return listing, nil
}

// listed drops rendered ids the files list does not know about.
func (h *Harvester) listed(listing Listing, ids []string) []string {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := listing.Lookup(id); !ok {
			h.logger.Warn("Rendered document is missing from the files list", zap.String("vendor_id", id))
			continue
		}
		kept = append(kept, id)
	}
	return kept
}

func (h *Harvester) pause(ctx context.Context) error {
	timer := time.NewTimer(h.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
